package auth

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	domainoauth "github.com/smallbiznis/valora-federation/internal/domain/oauth"
	"github.com/smallbiznis/valora-federation/internal/password"
)

func TestLoginWithUnknownSubjectIsSignupPending(t *testing.T) {
	h := newFlowHarness(t)
	ctx := context.Background()
	state := h.start(t, domainoauth.ActionLogin, "sess-a", 0)

	h.provider.EXPECT().ExchangeCode(gomock.Any(), gomock.Any(), "code-a").Return("raw-id-token", nil).Times(1)
	h.verifier.token = verifiedToken("u123", "ada@example.org")

	result, err := h.service.HandleCallback(ctx, CallbackInput{
		Provider:  domainoauth.ProviderORCID,
		SessionID: "sess-a",
		Code:      "code-a",
		State:     state,
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeSignupPending, result.Outcome)
	require.Equal(t, domainoauth.ActionLogin, result.Flow.Action)
	require.NotEmpty(t, result.SignupToken)
	require.Equal(t, 0, h.identities.count())

	identity, err := h.service.PendingSignup(ctx, domainoauth.ProviderORCID, result.SignupToken)
	require.NoError(t, err)
	require.Equal(t, "u123", identity.ProviderSubject)
	require.Equal(t, "ada@example.org", identity.Email)
	require.Equal(t, "Ada Lovelace", identity.DisplayName)
	require.Equal(t, "/projects", identity.NextURL)
}

func TestConnectCreatesIdentity(t *testing.T) {
	h := newFlowHarness(t)
	bob := h.newUser("bob", "bob@example.org")
	state := h.start(t, domainoauth.ActionConnect, "sess-b", bob.ID)

	h.provider.EXPECT().ExchangeCode(gomock.Any(), gomock.Any(), "code-b").Return("raw-id-token", nil)
	h.verifier.token = verifiedToken("u123", "bob@example.org")

	result, err := h.service.HandleCallback(context.Background(), CallbackInput{
		Provider:      domainoauth.ProviderORCID,
		SessionID:     "sess-b",
		SessionUserID: bob.ID,
		Code:          "code-b",
		State:         state,
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeConnected, result.Outcome)
	require.NotNil(t, result.Identity)
	require.Equal(t, bob.ID, result.Identity.UserID)

	row, err := h.identities.GetByProviderID(context.Background(), domainoauth.ProviderORCID, "u123")
	require.NoError(t, err)
	require.Equal(t, bob.ID, row.UserID)

	identities, err := h.service.ListIdentities(context.Background(), bob.ID)
	require.NoError(t, err)
	require.Len(t, identities, 1)
}

func TestConnectIdentityOwnedByAnotherUserConflicts(t *testing.T) {
	h := newFlowHarness(t)
	alice := h.newUser("alice", "alice@example.org")
	bob := h.newUser("bob", "bob@example.org")
	h.link(alice.ID, "u123")
	state := h.start(t, domainoauth.ActionConnect, "sess-c", bob.ID)

	h.provider.EXPECT().ExchangeCode(gomock.Any(), gomock.Any(), "code-c").Return("raw-id-token", nil)
	h.verifier.token = verifiedToken("u123", "")

	result, err := h.service.HandleCallback(context.Background(), CallbackInput{
		Provider:      domainoauth.ProviderORCID,
		SessionID:     "sess-c",
		SessionUserID: bob.ID,
		Code:          "code-c",
		State:         state,
	})
	require.ErrorIs(t, err, domainoauth.ErrIdentityConflict)
	require.Equal(t, OutcomeConflict, result.Outcome)
	require.Equal(t, domainoauth.ActionConnect, result.Flow.Action)
	require.Equal(t, 1, h.identities.count())

	row, err := h.identities.GetByProviderID(context.Background(), domainoauth.ProviderORCID, "u123")
	require.NoError(t, err)
	require.Equal(t, alice.ID, row.UserID)
}

func TestAccessDeniedSkipsTokenExchange(t *testing.T) {
	h := newFlowHarness(t)
	state := h.start(t, domainoauth.ActionLogin, "sess-d", 0)

	h.provider.EXPECT().ExchangeCode(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

	result, err := h.service.HandleCallback(context.Background(), CallbackInput{
		Provider:         domainoauth.ProviderORCID,
		SessionID:        "sess-d",
		State:            state,
		Error:            ProviderErrorAccessDenied,
		ErrorDescription: "User denied access",
	})
	require.ErrorIs(t, err, domainoauth.ErrAccessDenied)
	require.Equal(t, OutcomeDenied, result.Outcome)
	require.Equal(t, 0, h.verifier.calls)

	// The nonce was cleared, so the same state can no longer complete a flow.
	result, err = h.service.HandleCallback(context.Background(), CallbackInput{
		Provider:  domainoauth.ProviderORCID,
		SessionID: "sess-d",
		Code:      "late-code",
		State:     state,
	})
	require.ErrorIs(t, err, domainoauth.ErrInvalidState)
	require.Equal(t, OutcomeInvalid, result.Outcome)
}

func TestProviderErrorOtherThanDeniedIsInvalid(t *testing.T) {
	h := newFlowHarness(t)
	state := h.start(t, domainoauth.ActionLogin, "sess-e", 0)

	result, err := h.service.HandleCallback(context.Background(), CallbackInput{
		Provider:  domainoauth.ProviderORCID,
		SessionID: "sess-e",
		State:     state,
		Error:     "server_error",
	})
	require.ErrorIs(t, err, domainoauth.ErrInvalidState)
	require.Equal(t, OutcomeInvalid, result.Outcome)
}

func TestReplayedStateIsRejected(t *testing.T) {
	h := newFlowHarness(t)
	alice := h.newUser("alice", "alice@example.org")
	h.link(alice.ID, "u123")
	state := h.start(t, domainoauth.ActionLogin, "sess-f", 0)

	h.provider.EXPECT().ExchangeCode(gomock.Any(), gomock.Any(), "code-f").Return("raw-id-token", nil).Times(1)
	h.verifier.token = verifiedToken("u123", "alice@example.org")

	in := CallbackInput{Provider: domainoauth.ProviderORCID, SessionID: "sess-f", Code: "code-f", State: state}
	result, err := h.service.HandleCallback(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, OutcomeLoggedIn, result.Outcome)
	require.Equal(t, alice.ID, result.User.ID)

	_, err = h.service.HandleCallback(context.Background(), in)
	require.ErrorIs(t, err, domainoauth.ErrInvalidState)
}

func TestStateFromAnotherSessionIsRejected(t *testing.T) {
	h := newFlowHarness(t)
	state := h.start(t, domainoauth.ActionLogin, "sess-owner", 0)

	_, err := h.service.HandleCallback(context.Background(), CallbackInput{
		Provider:  domainoauth.ProviderORCID,
		SessionID: "sess-attacker",
		Code:      "code",
		State:     state,
	})
	require.ErrorIs(t, err, domainoauth.ErrInvalidState)
}

func TestStartEnforcesSessionPrecondition(t *testing.T) {
	h := newFlowHarness(t)
	bob := h.newUser("bob", "bob@example.org")

	_, err := h.service.Start(context.Background(), StartInput{
		Flow:          domainoauth.Flow{Provider: domainoauth.ProviderORCID, Action: domainoauth.ActionLogin},
		SessionID:     "sess",
		SessionUserID: bob.ID,
	})
	require.ErrorIs(t, err, domainoauth.ErrForbidden)

	_, err = h.service.Start(context.Background(), StartInput{
		Flow:      domainoauth.Flow{Provider: domainoauth.ProviderORCID, Action: domainoauth.ActionConnect},
		SessionID: "sess",
	})
	require.ErrorIs(t, err, domainoauth.ErrForbidden)

	_, err = h.service.Start(context.Background(), StartInput{
		Flow:      domainoauth.Flow{Provider: domainoauth.ProviderGoogle, Action: domainoauth.ActionLogin},
		SessionID: "sess",
	})
	require.ErrorIs(t, err, domainoauth.ErrProviderNotFound)
}

func TestCallbackRechecksSessionPrecondition(t *testing.T) {
	h := newFlowHarness(t)
	bob := h.newUser("bob", "bob@example.org")
	state := h.start(t, domainoauth.ActionLogin, "sess-g", 0)

	h.provider.EXPECT().ExchangeCode(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

	// The user logged in elsewhere on the same session before the provider answered.
	result, err := h.service.HandleCallback(context.Background(), CallbackInput{
		Provider:      domainoauth.ProviderORCID,
		SessionID:     "sess-g",
		SessionUserID: bob.ID,
		Code:          "code-g",
		State:         state,
	})
	require.ErrorIs(t, err, domainoauth.ErrForbidden)
	require.Equal(t, domainoauth.ActionLogin, result.Flow.Action)
}

func TestExchangeFailureIsTerminal(t *testing.T) {
	h := newFlowHarness(t)
	state := h.start(t, domainoauth.ActionLogin, "sess-h", 0)

	extErr := domainoauth.NewStatusError("POST", "https://orcid.example.org/oauth/token", "code=REDACTED", 400, []byte(`{"error":"invalid_grant"}`))
	h.provider.EXPECT().ExchangeCode(gomock.Any(), gomock.Any(), "code-h").Return("", extErr).Times(1)

	result, err := h.service.HandleCallback(context.Background(), CallbackInput{
		Provider:  domainoauth.ProviderORCID,
		SessionID: "sess-h",
		Code:      "code-h",
		State:     state,
	})
	require.ErrorIs(t, err, domainoauth.ErrExternalRequest)
	var got *domainoauth.ExternalRequestError
	require.True(t, errors.As(err, &got))
	require.Equal(t, 400, got.StatusCode)
	require.Equal(t, OutcomeInvalid, result.Outcome)
	require.Equal(t, 0, h.verifier.calls)
}

func TestInvalidIDTokenIsRejected(t *testing.T) {
	h := newFlowHarness(t)
	state := h.start(t, domainoauth.ActionLogin, "sess-i", 0)

	h.provider.EXPECT().ExchangeCode(gomock.Any(), gomock.Any(), gomock.Any()).Return("raw-id-token", nil)
	h.verifier.err = &domainoauth.TokenValidationError{Issuer: "https://evil.example", Err: errors.New("bad signature")}

	result, err := h.service.HandleCallback(context.Background(), CallbackInput{
		Provider:  domainoauth.ProviderORCID,
		SessionID: "sess-i",
		Code:      "code-i",
		State:     state,
	})
	require.ErrorIs(t, err, domainoauth.ErrTokenInvalid)
	require.Equal(t, OutcomeInvalid, result.Outcome)
	require.Equal(t, 0, h.identities.count())
}

// pendingSignup drives a login callback to SIGNUP_PENDING and returns the signup token.
func pendingSignup(t *testing.T, h *flowHarness, sessionID, sub, email string) string {
	t.Helper()
	state := h.start(t, domainoauth.ActionLogin, sessionID, 0)
	h.provider.EXPECT().ExchangeCode(gomock.Any(), gomock.Any(), gomock.Any()).Return("raw-id-token", nil)
	h.verifier.token = verifiedToken(sub, email)

	result, err := h.service.HandleCallback(context.Background(), CallbackInput{
		Provider:  domainoauth.ProviderORCID,
		SessionID: sessionID,
		Code:      "code",
		State:     state,
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeSignupPending, result.Outcome)
	return result.SignupToken
}

func TestCompleteSignupCreatesAccount(t *testing.T) {
	h := newFlowHarness(t)
	token := pendingSignup(t, h, "sess-s", "u123", "ada@example.org")

	in := SignupInput{
		Provider:  domainoauth.ProviderORCID,
		SessionID: "sess-s",
		Token:     token,
		Username:  "ada",
		Password:  "analytical-engine",
	}
	result, err := h.service.CompleteSignup(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, "ada", result.User.Username)
	require.Equal(t, "ada@example.org", result.User.Email)
	require.Equal(t, "Ada Lovelace", result.User.Name)
	require.Equal(t, "/projects", result.NextURL)

	ok, err := password.Verify("analytical-engine", result.User.PasswordHash)
	require.NoError(t, err)
	require.True(t, ok)

	row, err := h.identities.GetByProviderID(context.Background(), domainoauth.ProviderORCID, "u123")
	require.NoError(t, err)
	require.Equal(t, result.User.ID, row.UserID)

	in.Username = "ada2"
	_, err = h.service.CompleteSignup(context.Background(), in)
	require.ErrorIs(t, err, domainoauth.ErrInvalidState)
}

func TestCompleteSignupValidationKeepsNonce(t *testing.T) {
	h := newFlowHarness(t)
	token := pendingSignup(t, h, "sess-v", "u123", "ada@example.org")

	in := SignupInput{
		Provider:  domainoauth.ProviderORCID,
		SessionID: "sess-v",
		Token:     token,
		Username:  "a",
		Email:     "not-an-email",
		Password:  "short",
	}
	_, err := h.service.CompleteSignup(context.Background(), in)
	require.ErrorIs(t, err, domainoauth.ErrInvalidRequest)
	var formErr *SignupFormError
	require.True(t, errors.As(err, &formErr))
	require.Contains(t, formErr.Fields, "username")
	require.Contains(t, formErr.Fields, "email")
	require.Contains(t, formErr.Fields, "password")

	in.Username, in.Email, in.Password = "ada", "", "analytical-engine"
	_, err = h.service.CompleteSignup(context.Background(), in)
	require.NoError(t, err)
}

func TestCompleteSignupUsernameTakenCanRetry(t *testing.T) {
	h := newFlowHarness(t)
	h.newUser("ada", "someone@example.org")
	token := pendingSignup(t, h, "sess-u", "u123", "ada@example.org")

	in := SignupInput{
		Provider:  domainoauth.ProviderORCID,
		SessionID: "sess-u",
		Token:     token,
		Username:  "ada",
		Password:  "analytical-engine",
	}
	_, err := h.service.CompleteSignup(context.Background(), in)
	var formErr *SignupFormError
	require.True(t, errors.As(err, &formErr))
	require.Contains(t, formErr.Fields, "username")

	in.Username = "ada.lovelace"
	result, err := h.service.CompleteSignup(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, "ada.lovelace", result.User.Username)
}

func TestCompleteSignupRejectsAuthenticatedSession(t *testing.T) {
	h := newFlowHarness(t)
	bob := h.newUser("bob", "bob@example.org")

	_, err := h.service.CompleteSignup(context.Background(), SignupInput{
		Provider:      domainoauth.ProviderORCID,
		SessionID:     "sess",
		SessionUserID: bob.ID,
		Token:         "anything",
	})
	require.ErrorIs(t, err, domainoauth.ErrForbidden)
}

func TestCompleteSignupRejectsForeignSession(t *testing.T) {
	h := newFlowHarness(t)
	token := pendingSignup(t, h, "sess-owner", "u123", "ada@example.org")

	_, err := h.service.CompleteSignup(context.Background(), SignupInput{
		Provider:  domainoauth.ProviderORCID,
		SessionID: "sess-other",
		Token:     token,
		Username:  "ada",
		Password:  "analytical-engine",
	})
	require.ErrorIs(t, err, domainoauth.ErrInvalidState)
	require.Equal(t, 0, h.identities.count())
}

func TestPendingSignupRejectsGarbage(t *testing.T) {
	h := newFlowHarness(t)
	_, err := h.service.PendingSignup(context.Background(), domainoauth.ProviderORCID, "not.a.token")
	require.ErrorIs(t, err, domainoauth.ErrInvalidState)
}

func TestListIdentitiesRequiresSession(t *testing.T) {
	h := newFlowHarness(t)
	_, err := h.service.ListIdentities(context.Background(), 0)
	require.ErrorIs(t, err, domainoauth.ErrForbidden)
}

func TestConcurrentSignupForSameSubjectCreatesOneIdentity(t *testing.T) {
	h := newFlowHarness(t)
	inputs := []SignupInput{
		{
			Provider:  domainoauth.ProviderORCID,
			SessionID: "sess-a",
			Token:     pendingSignup(t, h, "sess-a", "u123", "ada@example.org"),
			Username:  "ada",
			Email:     "ada@example.org",
			Password:  "analytical-engine",
		},
		{
			Provider:  domainoauth.ProviderORCID,
			SessionID: "sess-b",
			Token:     pendingSignup(t, h, "sess-b", "u123", "ada@example.org"),
			Username:  "countess",
			Email:     "countess@example.org",
			Password:  "difference-engine",
		},
	}

	var (
		wg    sync.WaitGroup
		ready = make(chan struct{})
		errs  = make([]error, len(inputs))
	)
	for i, in := range inputs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-ready
			_, errs[i] = h.service.CompleteSignup(context.Background(), in)
		}()
	}
	close(ready)
	wg.Wait()

	var succeeded, conflicted int
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, domainoauth.ErrIdentityConflict):
			conflicted++
		default:
			t.Fatalf("unexpected signup error: %v", err)
		}
	}
	require.Equal(t, 1, succeeded)
	require.Equal(t, 1, conflicted)
	require.Equal(t, 1, h.identities.count())
}

func TestSignupFormErrorIsStable(t *testing.T) {
	err := &SignupFormError{Fields: map[string]string{
		"username": "is invalid",
		"email":    "is invalid",
		"password": "is too short",
	}}
	want := "invalid signup form: email: is invalid; password: is too short; username: is invalid"
	for i := 0; i < 20; i++ {
		require.Equal(t, want, err.Error())
	}
	require.ErrorIs(t, err, domainoauth.ErrInvalidRequest)
}
