package oauth

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

// IdentityProvider names a supported third-party identity provider.
type IdentityProvider string

const (
	ProviderORCID    IdentityProvider = "orcid"
	ProviderGoogle   IdentityProvider = "google"
	ProviderFacebook IdentityProvider = "facebook"
)

var knownProviders = map[IdentityProvider]string{
	ProviderORCID:    "ORCID",
	ProviderGoogle:   "Google",
	ProviderFacebook: "Facebook",
}

// ParseIdentityProvider maps a path segment onto the closed provider set.
func ParseIdentityProvider(raw string) (IdentityProvider, error) {
	p := IdentityProvider(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := knownProviders[p]; !ok {
		return "", ErrProviderNotFound
	}
	return p, nil
}

// DisplayName returns the human readable provider name used in flash messages.
func (p IdentityProvider) DisplayName() string {
	if name, ok := knownProviders[p]; ok {
		return name
	}
	return string(p)
}

func (p IdentityProvider) String() string { return string(p) }

// Action is the intent carried through the authorization round trip.
type Action string

const (
	ActionConnect Action = "connect"
	ActionLogin   Action = "login"
)

// ParseAction validates a decoded action claim.
func ParseAction(raw string) (Action, error) {
	switch Action(raw) {
	case ActionConnect, ActionLogin:
		return Action(raw), nil
	default:
		return "", fmt.Errorf("%w: unknown action %q", ErrInvalidRequest, raw)
	}
}

// Flow is the provider/action pair resolved once at the handler entry point.
type Flow struct {
	Provider IdentityProvider
	Action   Action
}

// RequiresSession reports whether the flow must start from an authenticated session.
func (f Flow) RequiresSession() bool {
	return f.Action == ActionConnect
}

// CheckSession enforces the session precondition of the flow.
func (f Flow) CheckSession(sessionUserID int64) error {
	authenticated := sessionUserID != 0
	if f.RequiresSession() != authenticated {
		return fmt.Errorf("%w: %s with authenticated=%t", ErrForbidden, f.Action, authenticated)
	}
	return nil
}

// ProviderSettings is the immutable per-provider configuration loaded at startup.
type ProviderSettings struct {
	Provider          IdentityProvider
	ClientID          string
	ClientSecret      string
	RedirectURI       string
	AuthorizeURL      string
	TokenURL          string
	KeysetURL         string
	Issuer            string
	IssuerAliases     []string
	Scopes            []string
	AllowedAlgorithms []string
	SigningKey        []byte
}

// MinSigningKeyLen is the shortest accepted state/signup signing secret.
const MinSigningKeyLen = 32

// Validate checks the invariants every enabled provider must satisfy.
func (s ProviderSettings) Validate() error {
	if _, ok := knownProviders[s.Provider]; !ok {
		return fmt.Errorf("%w: %q", ErrProviderNotFound, s.Provider)
	}
	if strings.TrimSpace(s.ClientID) == "" || strings.TrimSpace(s.ClientSecret) == "" {
		return fmt.Errorf("%s: client credentials are required", s.Provider)
	}
	if strings.TrimSpace(s.RedirectURI) == "" {
		return fmt.Errorf("%s: redirect uri is required", s.Provider)
	}
	for name, raw := range map[string]string{
		"authorize url": s.AuthorizeURL,
		"token url":     s.TokenURL,
		"keyset url":    s.KeysetURL,
	} {
		if err := requireHTTPS(raw); err != nil {
			return fmt.Errorf("%s: %s: %w", s.Provider, name, err)
		}
	}
	if len(s.SigningKey) < MinSigningKeyLen {
		return fmt.Errorf("%s: signing key must be at least %d bytes", s.Provider, MinSigningKeyLen)
	}
	return nil
}

func requireHTTPS(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	if u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("must be an absolute https url, got %q", raw)
	}
	return nil
}

// Registry holds the settings of every enabled provider.
type Registry struct {
	settings map[IdentityProvider]ProviderSettings
}

// NewRegistry validates and indexes provider settings.
func NewRegistry(settings ...ProviderSettings) (*Registry, error) {
	r := &Registry{settings: make(map[IdentityProvider]ProviderSettings, len(settings))}
	for _, s := range settings {
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.settings[s.Provider]; dup {
			return nil, fmt.Errorf("%s: configured twice", s.Provider)
		}
		r.settings[s.Provider] = s
	}
	return r, nil
}

// Get returns the settings of an enabled provider.
func (r *Registry) Get(provider IdentityProvider) (ProviderSettings, error) {
	if r == nil {
		return ProviderSettings{}, ErrProviderNotFound
	}
	s, ok := r.settings[provider]
	if !ok {
		return ProviderSettings{}, ErrProviderNotFound
	}
	return s, nil
}

// Providers lists enabled providers in stable order.
func (r *Registry) Providers() []IdentityProvider {
	if r == nil {
		return nil
	}
	out := make([]IdentityProvider, 0, len(r.settings))
	for p := range r.settings {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// AuthState is the payload of the signed OAuth2 state parameter.
type AuthState struct {
	Action  Action
	Nonce   string
	NextURL string
}

// VerifiedIDToken is produced only after signature, audience, issuer and expiry checks pass.
type VerifiedIDToken struct {
	Subject  string
	Issuer   string
	Audience []string
	Expiry   time.Time
	Claims   map[string]any
}

// StringClaim returns a top-level string claim or "".
func (t VerifiedIDToken) StringClaim(name string) string {
	v, _ := t.Claims[name].(string)
	return strings.TrimSpace(v)
}

// PendingSignupIdentity carries third-party claims to the signup form.
type PendingSignupIdentity struct {
	Provider        IdentityProvider `json:"provider"`
	ProviderSubject string           `json:"sub"`
	Email           string           `json:"email,omitempty"`
	DisplayName     string           `json:"name,omitempty"`
	GivenName       string           `json:"given_name,omitempty"`
	FamilyName      string           `json:"family_name,omitempty"`
	NextURL         string           `json:"next,omitempty"`
}

// PendingSignupFromToken copies the profile claims of a verified token.
func PendingSignupFromToken(provider IdentityProvider, token VerifiedIDToken, nextURL string) PendingSignupIdentity {
	identity := PendingSignupIdentity{
		Provider:        provider,
		ProviderSubject: token.Subject,
		Email:           strings.ToLower(token.StringClaim("email")),
		DisplayName:     token.StringClaim("name"),
		GivenName:       token.StringClaim("given_name"),
		FamilyName:      token.StringClaim("family_name"),
		NextURL:         nextURL,
	}
	if identity.DisplayName == "" {
		identity.DisplayName = strings.TrimSpace(identity.GivenName + " " + identity.FamilyName)
	}
	return identity
}
