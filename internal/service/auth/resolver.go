package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	domain "github.com/smallbiznis/valora-federation/internal/domain"
	domainoauth "github.com/smallbiznis/valora-federation/internal/domain/oauth"
	"github.com/smallbiznis/valora-federation/internal/repository"
)

// Outcome is the terminal state of a federated flow.
type Outcome string

const (
	OutcomeConnected     Outcome = "connected"
	OutcomeLoggedIn      Outcome = "logged_in"
	OutcomeSignupPending Outcome = "signup_pending"
	OutcomeConflict      Outcome = "conflict"
	OutcomeDenied        Outcome = "denied"
	OutcomeInvalid       Outcome = "invalid"
)

// IDGenerator mints primary keys. *snowflake.Node satisfies it.
type IDGenerator interface {
	Generate() snowflake.ID
}

// Resolution is the decision taken for a verified third-party identity.
type Resolution struct {
	Outcome  Outcome
	User     *domain.User
	Identity *domain.UserIdentity
}

// IdentityResolver maps a verified subject onto local accounts.
type IdentityResolver struct {
	users      repository.UserRepository
	identities repository.IdentityRepository
	ids        IDGenerator
	logger     *zap.Logger
}

func NewIdentityResolver(users repository.UserRepository, identities repository.IdentityRepository, ids IDGenerator, logger *zap.Logger) *IdentityResolver {
	return &IdentityResolver{
		users:      users,
		identities: identities,
		ids:        ids,
		logger:     logger,
	}
}

// Resolve applies the connect/login decision table. Nothing is written unless the
// flow is a connect of an unlinked subject.
func (r *IdentityResolver) Resolve(ctx context.Context, flow domainoauth.Flow, token domainoauth.VerifiedIDToken, sessionUserID int64) (Resolution, error) {
	if err := flow.CheckSession(sessionUserID); err != nil {
		return Resolution{}, err
	}
	subject := strings.TrimSpace(token.Subject)
	if subject == "" {
		return Resolution{}, domainoauth.ErrMissingSubject
	}

	connected, err := r.lookupIdentity(ctx, flow.Provider, subject)
	if err != nil {
		return Resolution{}, err
	}
	if connected == nil {
		if err := r.checkEmail(ctx, flow.Provider, token, sessionUserID); err != nil {
			return Resolution{}, err
		}
	}

	switch flow.Action {
	case domainoauth.ActionConnect:
		return r.connect(ctx, flow.Provider, subject, connected, sessionUserID)
	case domainoauth.ActionLogin:
		if connected == nil {
			return Resolution{Outcome: OutcomeSignupPending}, nil
		}
		user, err := r.users.GetByID(ctx, connected.UserID)
		if err != nil {
			return Resolution{}, fmt.Errorf("load linked user: %w", err)
		}
		return Resolution{Outcome: OutcomeLoggedIn, User: &user, Identity: connected}, nil
	default:
		return Resolution{}, fmt.Errorf("%w: unknown action %q", domainoauth.ErrInvalidRequest, flow.Action)
	}
}

func (r *IdentityResolver) connect(ctx context.Context, provider domainoauth.IdentityProvider, subject string, connected *domain.UserIdentity, sessionUserID int64) (Resolution, error) {
	if connected != nil {
		if connected.UserID != sessionUserID {
			return Resolution{Outcome: OutcomeConflict}, domainoauth.ErrIdentityConflict
		}
		return Resolution{Outcome: OutcomeConnected, Identity: connected}, nil
	}

	created, err := r.identities.Create(ctx, domain.UserIdentity{
		ID:               r.ids.Generate().Int64(),
		UserID:           sessionUserID,
		Provider:         provider,
		ProviderUniqueID: subject,
	})
	if err == nil {
		r.log().Info("identity linked",
			zap.String("provider", provider.String()),
			zap.Int64("user_id", sessionUserID),
		)
		return Resolution{Outcome: OutcomeConnected, Identity: &created}, nil
	}
	if !errors.Is(err, domainoauth.ErrIdentityConflict) {
		return Resolution{}, fmt.Errorf("link identity: %w", err)
	}

	// Lost a race with a concurrent link of the same subject.
	owner, lookupErr := r.lookupIdentity(ctx, provider, subject)
	if lookupErr != nil {
		return Resolution{}, lookupErr
	}
	if owner != nil && owner.UserID == sessionUserID {
		return Resolution{Outcome: OutcomeConnected, Identity: owner}, nil
	}
	return Resolution{Outcome: OutcomeConflict}, domainoauth.ErrIdentityConflict
}

// checkEmail rejects a subject whose email already belongs to another local account
// that has not linked this provider.
func (r *IdentityResolver) checkEmail(ctx context.Context, provider domainoauth.IdentityProvider, token domainoauth.VerifiedIDToken, sessionUserID int64) error {
	email := strings.ToLower(token.StringClaim("email"))
	if email == "" {
		return nil
	}
	owner, err := r.users.GetByEmail(ctx, email)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup email owner: %w", err)
	}
	if owner.ID == sessionUserID {
		return nil
	}
	links, err := r.identities.ListByUser(ctx, owner.ID)
	if err != nil {
		return fmt.Errorf("list owner identities: %w", err)
	}
	for _, link := range links {
		if link.Provider == provider {
			return nil
		}
	}
	return domainoauth.ErrEmailConflict
}

func (r *IdentityResolver) lookupIdentity(ctx context.Context, provider domainoauth.IdentityProvider, subject string) (*domain.UserIdentity, error) {
	identity, err := r.identities.GetByProviderID(ctx, provider, subject)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup identity: %w", err)
	}
	return &identity, nil
}

func (r *IdentityResolver) log() *zap.Logger {
	if r != nil && r.logger != nil {
		return r.logger
	}
	return zap.L()
}
