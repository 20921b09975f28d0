package auth

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/mail"
	"regexp"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	oauthadapter "github.com/smallbiznis/valora-federation/internal/adapter/oauth"
	domain "github.com/smallbiznis/valora-federation/internal/domain"
	domainoauth "github.com/smallbiznis/valora-federation/internal/domain/oauth"
	"github.com/smallbiznis/valora-federation/internal/jwt"
	"github.com/smallbiznis/valora-federation/internal/metrics"
	"github.com/smallbiznis/valora-federation/internal/password"
	"github.com/smallbiznis/valora-federation/internal/repository"
)

// ProviderErrorAccessDenied is the authorization error sent when the user declines.
const ProviderErrorAccessDenied = "access_denied"

// FlowService drives the connect, login and signup flows.
type FlowService interface {
	Start(ctx context.Context, in StartInput) (string, error)
	HandleCallback(ctx context.Context, in CallbackInput) (*CallbackResult, error)
	PendingSignup(ctx context.Context, provider domainoauth.IdentityProvider, token string) (domainoauth.PendingSignupIdentity, error)
	CompleteSignup(ctx context.Context, in SignupInput) (*SignupResult, error)
	ListIdentities(ctx context.Context, userID int64) ([]domain.UserIdentity, error)
}

// TokenVerifier checks provider ID tokens. *jwt.Verifier satisfies it.
type TokenVerifier interface {
	Verify(ctx context.Context, raw string, exp jwt.Expectation) (*domainoauth.VerifiedIDToken, error)
}

// StartInput begins a flow from the connect or login entry point.
type StartInput struct {
	Flow          domainoauth.Flow
	SessionID     string
	SessionUserID int64
	NextURL       string
}

// CallbackInput carries the provider redirect parameters.
type CallbackInput struct {
	Provider         domainoauth.IdentityProvider
	SessionID        string
	SessionUserID    int64
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// CallbackResult is returned even alongside an error so the caller knows which
// page the flow belongs to.
type CallbackResult struct {
	Flow        domainoauth.Flow
	Outcome     Outcome
	User        *domain.User
	Identity    *domain.UserIdentity
	SignupToken string
	NextURL     string
}

// SignupInput is the submitted signup form.
type SignupInput struct {
	Provider      domainoauth.IdentityProvider
	SessionID     string
	SessionUserID int64
	Token         string
	Username      string
	Email         string
	Name          string
	Password      string
}

// SignupResult is the account created by a completed signup.
type SignupResult struct {
	User     domain.User
	Identity domainoauth.PendingSignupIdentity
	NextURL  string
}

// SignupFormError lists per-field validation failures of the signup form.
type SignupFormError struct {
	Fields map[string]string
}

func (e *SignupFormError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, field := range slices.Sorted(maps.Keys(e.Fields)) {
		parts = append(parts, field+": "+e.Fields[field])
	}
	return "invalid signup form: " + strings.Join(parts, "; ")
}

func (e *SignupFormError) Is(target error) bool { return target == domainoauth.ErrInvalidRequest }

// Dependencies groups the collaborators of the flow service.
type Dependencies struct {
	Registry   *domainoauth.Registry
	Provider   oauthadapter.ProviderClient
	Verifier   TokenVerifier
	States     *jwt.StateCodec
	Signups    *jwt.PendingSignupCodec
	Nonces     repository.NonceStore
	Resolver   *IdentityResolver
	Users      repository.UserRepository
	Identities repository.IdentityRepository
	IDs        IDGenerator
	Metrics    *metrics.Flow
	Tracer     trace.Tracer
	Logger     *zap.Logger
}

type flowService struct {
	Dependencies
}

// NewFlowService wires the flow service implementation.
func NewFlowService(deps Dependencies) FlowService {
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer(tracerName)
	}
	return &flowService{Dependencies: deps}
}

const tracerName = "github.com/smallbiznis/valora-federation/internal/service/auth"

func nonceKey(purpose string, provider domainoauth.IdentityProvider, sessionID string) string {
	return purpose + ":" + provider.String() + ":" + sessionID
}

func (s *flowService) Start(ctx context.Context, in StartInput) (string, error) {
	ctx, span := s.startSpan(ctx, "federation.start", in.Flow)
	defer span.End()

	settings, err := s.Registry.Get(in.Flow.Provider)
	if err != nil {
		return "", err
	}
	if err := in.Flow.CheckSession(in.SessionUserID); err != nil {
		s.Metrics.RecordOutcome(in.Flow.Provider.String(), string(in.Flow.Action), string(OutcomeInvalid))
		return "", err
	}
	if strings.TrimSpace(in.SessionID) == "" {
		return "", fmt.Errorf("%w: missing session", domainoauth.ErrInvalidRequest)
	}

	state, nonce, err := s.States.Encode(domainoauth.AuthState{Action: in.Flow.Action, NextURL: in.NextURL}, settings.SigningKey)
	if err != nil {
		return "", fmt.Errorf("encode state: %w", err)
	}
	if err := s.Nonces.Put(ctx, nonceKey(jwt.PurposeState, in.Flow.Provider, in.SessionID), nonce, jwt.StateTTL); err != nil {
		return "", fmt.Errorf("store state nonce: %w", err)
	}
	return s.Provider.AuthorizationURL(settings, state), nil
}

func (s *flowService) HandleCallback(ctx context.Context, in CallbackInput) (result *CallbackResult, err error) {
	flow := domainoauth.Flow{Provider: in.Provider, Action: sessionAction(in.SessionUserID)}
	ctx, span := s.startSpan(ctx, "federation.callback", flow)
	defer span.End()

	settings, err := s.Registry.Get(in.Provider)
	if err != nil {
		return nil, err
	}

	result = &CallbackResult{Flow: flow, Outcome: OutcomeInvalid}
	defer func() {
		s.Metrics.RecordOutcome(in.Provider.String(), string(result.Flow.Action), string(result.Outcome))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(result.Outcome))
		}
		span.SetAttributes(attribute.String("federation.outcome", string(result.Outcome)))
	}()

	// The nonce slot is cleared on every callback, whatever happens next.
	nonce, err := s.Nonces.Take(ctx, nonceKey(jwt.PurposeState, in.Provider, in.SessionID))
	if err != nil {
		return result, fmt.Errorf("take state nonce: %w", err)
	}

	if in.Error != "" {
		if in.Error == ProviderErrorAccessDenied {
			result.Outcome = OutcomeDenied
			return result, fmt.Errorf("%w: %s", domainoauth.ErrAccessDenied, in.ErrorDescription)
		}
		return result, fmt.Errorf("%w: provider returned %q", domainoauth.ErrInvalidState, in.Error)
	}

	state, err := s.States.Decode(in.State, settings.SigningKey, nonce)
	if err != nil {
		return result, err
	}
	result.Flow.Action = state.Action
	result.NextURL = state.NextURL
	if err := result.Flow.CheckSession(in.SessionUserID); err != nil {
		return result, err
	}
	if strings.TrimSpace(in.Code) == "" {
		return result, fmt.Errorf("%w: missing code", domainoauth.ErrInvalidRequest)
	}

	started := time.Now()
	rawIDToken, err := s.Provider.ExchangeCode(ctx, settings, in.Code)
	s.Metrics.ObserveExchange(in.Provider.String(), err, time.Since(started))
	if err != nil {
		var extErr *domainoauth.ExternalRequestError
		if errors.As(err, &extErr) {
			s.log().Error("token exchange failed",
				zap.String("provider", in.Provider.String()),
				zap.String("method", extErr.Method),
				zap.String("url", extErr.URL),
				zap.String("request_body", extErr.RequestBody),
				zap.Int("status", extErr.StatusCode),
				zap.String("reason", extErr.Reason),
				zap.String("response_body", extErr.ResponseBody),
				zap.Error(extErr.Err),
			)
		}
		return result, fmt.Errorf("exchange code: %w", err)
	}

	token, err := s.Verifier.Verify(ctx, rawIDToken, jwt.ExpectationFor(settings))
	s.Metrics.RecordVerification(in.Provider.String(), err)
	if err != nil {
		return result, fmt.Errorf("verify id token: %w", err)
	}

	resolution, err := s.Resolver.Resolve(ctx, result.Flow, *token, in.SessionUserID)
	if err != nil {
		if errors.Is(err, domainoauth.ErrIdentityConflict) || errors.Is(err, domainoauth.ErrEmailConflict) {
			result.Outcome = OutcomeConflict
		}
		return result, err
	}

	if resolution.Outcome == OutcomeSignupPending {
		identity := domainoauth.PendingSignupFromToken(in.Provider, *token, state.NextURL)
		signupToken, signupNonce, err := s.Signups.Encode(identity, state.NextURL, settings.SigningKey)
		if err != nil {
			return result, fmt.Errorf("encode signup token: %w", err)
		}
		if err := s.Nonces.Put(ctx, nonceKey(jwt.PurposeSignup, in.Provider, in.SessionID), signupNonce, jwt.SignupTTL); err != nil {
			return result, fmt.Errorf("store signup nonce: %w", err)
		}
		result.SignupToken = signupToken
	}

	result.Outcome = resolution.Outcome
	result.User = resolution.User
	result.Identity = resolution.Identity
	return result, nil
}

func (s *flowService) PendingSignup(ctx context.Context, provider domainoauth.IdentityProvider, token string) (domainoauth.PendingSignupIdentity, error) {
	settings, err := s.Registry.Get(provider)
	if err != nil {
		return domainoauth.PendingSignupIdentity{}, err
	}
	identity, err := s.Signups.Inspect(token, settings.SigningKey)
	if err != nil {
		return domainoauth.PendingSignupIdentity{}, err
	}
	if identity.Provider != provider {
		return domainoauth.PendingSignupIdentity{}, fmt.Errorf("%w: provider mismatch", domainoauth.ErrInvalidState)
	}
	return identity, nil
}

func (s *flowService) CompleteSignup(ctx context.Context, in SignupInput) (*SignupResult, error) {
	ctx, span := s.startSpan(ctx, "federation.signup", domainoauth.Flow{Provider: in.Provider, Action: domainoauth.ActionLogin})
	defer span.End()

	if in.SessionUserID != 0 {
		return nil, fmt.Errorf("%w: signup from an authenticated session", domainoauth.ErrForbidden)
	}
	settings, err := s.Registry.Get(in.Provider)
	if err != nil {
		return nil, err
	}

	// The form is validated against the inspected token first so a typo does not
	// burn the single-use nonce.
	identity, err := s.PendingSignup(ctx, in.Provider, in.Token)
	if err != nil {
		return nil, err
	}
	form, err := normalizeSignupForm(in, identity)
	if err != nil {
		return nil, err
	}

	key := nonceKey(jwt.PurposeSignup, in.Provider, in.SessionID)
	nonce, err := s.Nonces.Take(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("take signup nonce: %w", err)
	}
	identity, err = s.Signups.Decode(in.Token, settings.SigningKey, nonce)
	if err != nil {
		return nil, err
	}

	hash, err := password.Hash(form.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	user, err := s.Users.CreateWithIdentity(ctx, domain.User{
		ID:           s.IDs.Generate().Int64(),
		Username:     form.Username,
		Email:        form.Email,
		PasswordHash: hash,
		Name:         form.Name,
		Status:       domain.UserStatusActive,
	}, domain.UserIdentity{
		ID:               s.IDs.Generate().Int64(),
		Provider:         in.Provider,
		ProviderUniqueID: identity.ProviderSubject,
	})
	if err != nil {
		if errors.Is(err, domainoauth.ErrUsernameTaken) {
			// Nothing was written, so the same token may be submitted again.
			if putErr := s.Nonces.Put(ctx, key, nonce, jwt.SignupTTL); putErr != nil {
				s.log().Warn("failed to restore signup nonce", zap.Error(putErr))
			}
			return nil, &SignupFormError{Fields: map[string]string{"username": "is already taken"}}
		}
		if errors.Is(err, domainoauth.ErrIdentityConflict) || errors.Is(err, domainoauth.ErrEmailConflict) {
			s.Metrics.RecordOutcome(in.Provider.String(), "signup", string(OutcomeConflict))
			return nil, err
		}
		return nil, fmt.Errorf("create account: %w", err)
	}

	s.Metrics.RecordOutcome(in.Provider.String(), "signup", string(OutcomeLoggedIn))
	s.log().Info("account created from federated identity",
		zap.String("provider", in.Provider.String()),
		zap.Int64("user_id", user.ID),
	)
	return &SignupResult{User: user, Identity: identity, NextURL: identity.NextURL}, nil
}

func (s *flowService) ListIdentities(ctx context.Context, userID int64) ([]domain.UserIdentity, error) {
	if userID == 0 {
		return nil, fmt.Errorf("%w: anonymous session", domainoauth.ErrForbidden)
	}
	identities, err := s.Identities.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if identities == nil {
		identities = []domain.UserIdentity{}
	}
	return identities, nil
}

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]{3,32}$`)

type signupForm struct {
	Username string
	Email    string
	Name     string
	Password string
}

func normalizeSignupForm(in SignupInput, identity domainoauth.PendingSignupIdentity) (signupForm, error) {
	form := signupForm{
		Username: strings.TrimSpace(in.Username),
		Email:    strings.ToLower(strings.TrimSpace(in.Email)),
		Name:     strings.TrimSpace(in.Name),
		Password: in.Password,
	}
	if form.Email == "" {
		form.Email = identity.Email
	}
	if form.Name == "" {
		form.Name = identity.DisplayName
	}

	fields := map[string]string{}
	if !usernamePattern.MatchString(form.Username) {
		fields["username"] = "must be 3-32 letters, digits, dots, dashes or underscores"
	}
	if form.Email == "" {
		fields["email"] = "is required"
	} else if addr, err := mail.ParseAddress(form.Email); err != nil || addr.Address != form.Email {
		fields["email"] = "is not a valid address"
	}
	if err := password.Validate(form.Password); err != nil {
		fields["password"] = err.Error()
	}
	if len(fields) > 0 {
		return signupForm{}, &SignupFormError{Fields: fields}
	}
	return form, nil
}

func sessionAction(sessionUserID int64) domainoauth.Action {
	if sessionUserID != 0 {
		return domainoauth.ActionConnect
	}
	return domainoauth.ActionLogin
}

func (s *flowService) startSpan(ctx context.Context, name string, flow domainoauth.Flow) (context.Context, trace.Span) {
	return s.Tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("federation.provider", flow.Provider.String()),
		attribute.String("federation.action", string(flow.Action)),
	))
}

func (s *flowService) log() *zap.Logger {
	if s != nil && s.Logger != nil {
		return s.Logger
	}
	return zap.L()
}
