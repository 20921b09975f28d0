package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/smallbiznis/valora-federation/internal/adapter/cache"
	"github.com/smallbiznis/valora-federation/internal/adapter/oauth/oauthmock"
	domain "github.com/smallbiznis/valora-federation/internal/domain"
	domainoauth "github.com/smallbiznis/valora-federation/internal/domain/oauth"
	"github.com/smallbiznis/valora-federation/internal/jwt"
)

const testSigningKey = "0123456789abcdef0123456789abcdef"

func testSettings() domainoauth.ProviderSettings {
	return domainoauth.ProviderSettings{
		Provider:          domainoauth.ProviderORCID,
		ClientID:          "APP-CLIENT",
		ClientSecret:      "s3cret",
		RedirectURI:       "https://app.example.org/oidc/redirect/orcid",
		AuthorizeURL:      "https://orcid.example.org/oauth/authorize",
		TokenURL:          "https://orcid.example.org/oauth/token",
		KeysetURL:         "https://orcid.example.org/oauth/jwks",
		Issuer:            "https://orcid.example.org",
		Scopes:            []string{"openid"},
		AllowedAlgorithms: []string{"RS256"},
		SigningKey:        []byte(testSigningKey),
	}
}

type fakeIdentityRepo struct {
	mu   sync.Mutex
	rows map[string]domain.UserIdentity
}

func newFakeIdentityRepo() *fakeIdentityRepo {
	return &fakeIdentityRepo{rows: map[string]domain.UserIdentity{}}
}

func identityKey(provider domainoauth.IdentityProvider, uid string) string {
	return provider.String() + "|" + uid
}

func (f *fakeIdentityRepo) GetByProviderID(_ context.Context, provider domainoauth.IdentityProvider, uid string) (domain.UserIdentity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[identityKey(provider, uid)]
	if !ok {
		return domain.UserIdentity{}, fmt.Errorf("get identity: %w", pgx.ErrNoRows)
	}
	return row, nil
}

func (f *fakeIdentityRepo) ListByUser(_ context.Context, userID int64) ([]domain.UserIdentity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.UserIdentity
	for _, row := range f.rows {
		if row.UserID == userID {
			out = append(out, row)
		}
	}
	return out, nil
}

func (f *fakeIdentityRepo) Create(_ context.Context, identity domain.UserIdentity) (domain.UserIdentity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.insertLocked(identity)
}

func (f *fakeIdentityRepo) insertLocked(identity domain.UserIdentity) (domain.UserIdentity, error) {
	key := identityKey(identity.Provider, identity.ProviderUniqueID)
	if _, exists := f.rows[key]; exists {
		return domain.UserIdentity{}, fmt.Errorf("create identity: %w", domainoauth.ErrIdentityConflict)
	}
	f.rows[key] = identity
	return identity, nil
}

func (f *fakeIdentityRepo) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

type fakeUserRepo struct {
	mu         sync.Mutex
	users      map[int64]domain.User
	identities *fakeIdentityRepo
}

func newFakeUserRepo(identities *fakeIdentityRepo) *fakeUserRepo {
	return &fakeUserRepo{users: map[int64]domain.User{}, identities: identities}
}

func (f *fakeUserRepo) add(user domain.User) domain.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[user.ID] = user
	return user
}

func (f *fakeUserRepo) GetByID(_ context.Context, id int64) (domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[id]
	if !ok {
		return domain.User{}, fmt.Errorf("get user: %w", pgx.ErrNoRows)
	}
	return user, nil
}

func (f *fakeUserRepo) GetByEmail(_ context.Context, email string) (domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if strings.EqualFold(user.Email, email) {
			return user, nil
		}
	}
	return domain.User{}, fmt.Errorf("get user: %w", pgx.ErrNoRows)
}

func (f *fakeUserRepo) CreateWithIdentity(_ context.Context, user domain.User, identity domain.UserIdentity) (domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.users {
		if existing.Username == user.Username {
			return domain.User{}, fmt.Errorf("create user: %w", domainoauth.ErrUsernameTaken)
		}
		if strings.EqualFold(existing.Email, user.Email) {
			return domain.User{}, fmt.Errorf("create user: %w", domainoauth.ErrEmailConflict)
		}
	}
	identity.UserID = user.ID
	f.identities.mu.Lock()
	_, err := f.identities.insertLocked(identity)
	f.identities.mu.Unlock()
	if err != nil {
		return domain.User{}, fmt.Errorf("create user: %w", err)
	}
	f.users[user.ID] = user
	return user, nil
}

type fakeVerifier struct {
	mu    sync.Mutex
	token *domainoauth.VerifiedIDToken
	err   error
	calls int
}

func (f *fakeVerifier) Verify(_ context.Context, raw string, exp jwt.Expectation) (*domainoauth.VerifiedIDToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.token == nil {
		return nil, errors.New("verifier not configured")
	}
	token := *f.token
	token.Audience = []string{exp.Audience}
	return &token, nil
}

func verifiedToken(sub, email string) *domainoauth.VerifiedIDToken {
	claims := map[string]any{"sub": sub, "given_name": "Ada", "family_name": "Lovelace"}
	if email != "" {
		claims["email"] = email
	}
	return &domainoauth.VerifiedIDToken{Subject: sub, Issuer: "https://orcid.example.org", Claims: claims}
}

type flowHarness struct {
	service    FlowService
	provider   *oauthmock.MockProviderClient
	verifier   *fakeVerifier
	users      *fakeUserRepo
	identities *fakeIdentityRepo
	nonces     *cache.MemoryNonceStore
	ids        *snowflake.Node
}

func newFlowHarness(t *testing.T) *flowHarness {
	t.Helper()

	registry, err := domainoauth.NewRegistry(testSettings())
	require.NoError(t, err)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	ctrl := gomock.NewController(t)
	provider := oauthmock.NewMockProviderClient(ctrl)
	provider.EXPECT().
		AuthorizationURL(gomock.Any(), gomock.Any()).
		DoAndReturn(func(settings domainoauth.ProviderSettings, state string) string {
			return settings.AuthorizeURL + "?state=" + url.QueryEscape(state)
		}).
		AnyTimes()

	identities := newFakeIdentityRepo()
	users := newFakeUserRepo(identities)
	verifier := &fakeVerifier{}
	nonces := cache.NewMemoryNonceStore()

	h := &flowHarness{
		provider:   provider,
		verifier:   verifier,
		users:      users,
		identities: identities,
		nonces:     nonces,
		ids:        node,
	}
	h.service = NewFlowService(Dependencies{
		Registry:   registry,
		Provider:   provider,
		Verifier:   verifier,
		States:     jwt.NewStateCodec(),
		Signups:    jwt.NewPendingSignupCodec(),
		Nonces:     nonces,
		Resolver:   NewIdentityResolver(users, identities, node, nil),
		Users:      users,
		Identities: identities,
		IDs:        node,
	})
	return h
}

func (h *flowHarness) newUser(username, email string) domain.User {
	return h.users.add(domain.User{
		ID:       h.ids.Generate().Int64(),
		Username: username,
		Email:    email,
		Status:   domain.UserStatusActive,
	})
}

func (h *flowHarness) link(userID int64, sub string) {
	_, err := h.identities.Create(context.Background(), domain.UserIdentity{
		ID:               h.ids.Generate().Int64(),
		UserID:           userID,
		Provider:         domainoauth.ProviderORCID,
		ProviderUniqueID: sub,
	})
	if err != nil {
		panic(err)
	}
}

// start runs the entry point and returns the state the provider would echo back.
func (h *flowHarness) start(t *testing.T, action domainoauth.Action, sessionID string, userID int64) string {
	t.Helper()
	redirect, err := h.service.Start(context.Background(), StartInput{
		Flow:          domainoauth.Flow{Provider: domainoauth.ProviderORCID, Action: action},
		SessionID:     sessionID,
		SessionUserID: userID,
		NextURL:       "/projects",
	})
	require.NoError(t, err)
	u, err := url.Parse(redirect)
	require.NoError(t, err)
	state := u.Query().Get("state")
	require.NotEmpty(t, state)
	return state
}

func testUser(id int64, username string) domain.User {
	return domain.User{ID: id, Username: username, Email: username + "@example.org", Status: domain.UserStatusActive}
}

func testIdentity(userID int64, sub string) domain.UserIdentity {
	return domain.UserIdentity{ID: userID*10 + 1, UserID: userID, Provider: domainoauth.ProviderORCID, ProviderUniqueID: sub}
}
