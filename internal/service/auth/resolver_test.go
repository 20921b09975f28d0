package auth

import (
	"context"
	"sync"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"

	domainoauth "github.com/smallbiznis/valora-federation/internal/domain/oauth"
)

func TestResolverDecisionTable(t *testing.T) {
	const (
		alice int64 = 100
		bob   int64 = 200
	)

	cases := []struct {
		name        string
		action      domainoauth.Action
		linkedTo    int64
		sessionUser int64
		outcome     Outcome
		err         error
		userID      int64
	}{
		{name: "connect unlinked", action: domainoauth.ActionConnect, sessionUser: bob, outcome: OutcomeConnected},
		{name: "connect already mine", action: domainoauth.ActionConnect, linkedTo: bob, sessionUser: bob, outcome: OutcomeConnected},
		{name: "connect owned by other", action: domainoauth.ActionConnect, linkedTo: alice, sessionUser: bob, outcome: OutcomeConflict, err: domainoauth.ErrIdentityConflict},
		{name: "login linked", action: domainoauth.ActionLogin, linkedTo: alice, outcome: OutcomeLoggedIn, userID: alice},
		{name: "login unlinked", action: domainoauth.ActionLogin, outcome: OutcomeSignupPending},
		{name: "login while authenticated", action: domainoauth.ActionLogin, linkedTo: alice, sessionUser: bob, err: domainoauth.ErrForbidden},
		{name: "connect anonymous", action: domainoauth.ActionConnect, err: domainoauth.ErrForbidden},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			identities := newFakeIdentityRepo()
			users := newFakeUserRepo(identities)
			users.add(testUser(alice, "alice"))
			users.add(testUser(bob, "bob"))
			node, err := snowflake.NewNode(2)
			require.NoError(t, err)
			resolver := NewIdentityResolver(users, identities, node, nil)

			if tc.linkedTo != 0 {
				_, err := identities.Create(context.Background(), testIdentity(tc.linkedTo, "sub-1"))
				require.NoError(t, err)
			}
			before := identities.count()

			res, err := resolver.Resolve(context.Background(),
				domainoauth.Flow{Provider: domainoauth.ProviderORCID, Action: tc.action},
				*verifiedToken("sub-1", ""),
				tc.sessionUser,
			)
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				require.Equal(t, before, identities.count())
				if tc.outcome != "" {
					require.Equal(t, tc.outcome, res.Outcome)
				}
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.outcome, res.Outcome)
			if tc.userID != 0 {
				require.NotNil(t, res.User)
				require.Equal(t, tc.userID, res.User.ID)
			}
			if tc.outcome == OutcomeConnected {
				row, err := identities.GetByProviderID(context.Background(), domainoauth.ProviderORCID, "sub-1")
				require.NoError(t, err)
				require.Equal(t, tc.sessionUser, row.UserID)
			}
		})
	}
}

func TestResolverEmailConflict(t *testing.T) {
	identities := newFakeIdentityRepo()
	users := newFakeUserRepo(identities)
	users.add(testUser(100, "alice"))
	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	resolver := NewIdentityResolver(users, identities, node, nil)
	ctx := context.Background()

	token := *verifiedToken("new-sub", "ALICE@example.org")

	_, err = resolver.Resolve(ctx, domainoauth.Flow{Provider: domainoauth.ProviderORCID, Action: domainoauth.ActionLogin}, token, 0)
	require.ErrorIs(t, err, domainoauth.ErrEmailConflict)

	_, err = resolver.Resolve(ctx, domainoauth.Flow{Provider: domainoauth.ProviderORCID, Action: domainoauth.ActionConnect}, token, 200)
	require.ErrorIs(t, err, domainoauth.ErrEmailConflict)
	require.Equal(t, 0, identities.count())

	// Alice connecting the provider to her own account is not a conflict.
	res, err := resolver.Resolve(ctx, domainoauth.Flow{Provider: domainoauth.ProviderORCID, Action: domainoauth.ActionConnect}, token, 100)
	require.NoError(t, err)
	require.Equal(t, OutcomeConnected, res.Outcome)
}

func TestResolverEmailOwnerWithProviderLinkIsNotConflict(t *testing.T) {
	identities := newFakeIdentityRepo()
	users := newFakeUserRepo(identities)
	users.add(testUser(100, "alice"))
	_, err := identities.Create(context.Background(), testIdentity(100, "old-sub"))
	require.NoError(t, err)
	node, err := snowflake.NewNode(4)
	require.NoError(t, err)
	resolver := NewIdentityResolver(users, identities, node, nil)

	res, err := resolver.Resolve(context.Background(),
		domainoauth.Flow{Provider: domainoauth.ProviderORCID, Action: domainoauth.ActionLogin},
		*verifiedToken("new-sub", "alice@example.org"),
		0,
	)
	require.NoError(t, err)
	require.Equal(t, OutcomeSignupPending, res.Outcome)
}

func TestResolverMissingSubject(t *testing.T) {
	identities := newFakeIdentityRepo()
	node, err := snowflake.NewNode(5)
	require.NoError(t, err)
	resolver := NewIdentityResolver(newFakeUserRepo(identities), identities, node, nil)

	_, err = resolver.Resolve(context.Background(),
		domainoauth.Flow{Provider: domainoauth.ProviderORCID, Action: domainoauth.ActionLogin},
		*verifiedToken("", ""),
		0,
	)
	require.ErrorIs(t, err, domainoauth.ErrMissingSubject)
}

func TestResolverConcurrentConnectLeavesOneRow(t *testing.T) {
	identities := newFakeIdentityRepo()
	users := newFakeUserRepo(identities)
	node, err := snowflake.NewNode(6)
	require.NoError(t, err)
	resolver := NewIdentityResolver(users, identities, node, nil)

	const workers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		connected int
		conflicts int
	)
	for i := 0; i < workers; i++ {
		userID := int64(1000 + i)
		users.add(testUser(userID, "user"))
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := resolver.Resolve(context.Background(),
				domainoauth.Flow{Provider: domainoauth.ProviderORCID, Action: domainoauth.ActionConnect},
				*verifiedToken("contested", ""),
				userID,
			)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && res.Outcome == OutcomeConnected:
				connected++
			case err != nil && res.Outcome == OutcomeConflict:
				conflicts++
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, identities.count())
	require.Equal(t, 1, connected)
	require.Equal(t, workers-1, conflicts)
}
