package jwt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	gojose "github.com/go-jose/go-jose/v4"
	gojwt "github.com/go-jose/go-jose/v4/jwt"

	"github.com/smallbiznis/valora-federation/internal/domain/oauth"
)

// ClockLeeway is the tolerated clock skew on exp/nbf/iat.
const ClockLeeway = 10 * time.Second

// Expectation lists what a provider's ID token must satisfy.
type Expectation struct {
	KeysetURL string
	Audience  string
	Issuer    string
	// IssuerAliases are other spellings of Issuer the provider is known to emit.
	IssuerAliases []string
	Algorithms    []string
}

// ExpectationFor derives the expectation from provider settings.
func ExpectationFor(settings oauth.ProviderSettings) Expectation {
	return Expectation{
		KeysetURL:     settings.KeysetURL,
		Audience:      settings.ClientID,
		Issuer:        settings.Issuer,
		IssuerAliases: settings.IssuerAliases,
		Algorithms:    settings.AllowedAlgorithms,
	}
}

func (e Expectation) acceptsIssuer(iss string) bool {
	if e.Issuer == "" && len(e.IssuerAliases) == 0 {
		return true
	}
	if iss == e.Issuer {
		return true
	}
	for _, alias := range e.IssuerAliases {
		if iss == alias {
			return true
		}
	}
	return false
}

func (e Expectation) signatureAlgorithms() []gojose.SignatureAlgorithm {
	if len(e.Algorithms) == 0 {
		return []gojose.SignatureAlgorithm{gojose.RS256}
	}
	algs := make([]gojose.SignatureAlgorithm, 0, len(e.Algorithms))
	for _, alg := range e.Algorithms {
		algs = append(algs, gojose.SignatureAlgorithm(strings.TrimSpace(alg)))
	}
	return algs
}

// Verifier checks third-party ID tokens against the provider key set.
type Verifier struct {
	keys *KeySetCache
	now  func() time.Time
}

func NewVerifier(keys *KeySetCache) *Verifier {
	return &Verifier{keys: keys, now: time.Now}
}

// Verify returns the verified claims. Every failure is a *oauth.TokenValidationError
// except a verified token without sub, which is oauth.ErrMissingSubject.
func (v *Verifier) Verify(ctx context.Context, raw string, exp Expectation) (*oauth.VerifiedIDToken, error) {
	parsed, err := gojwt.ParseSigned(raw, exp.signatureAlgorithms())
	if err != nil {
		return nil, &oauth.TokenValidationError{Err: fmt.Errorf("parse header: %w", err)}
	}
	if len(parsed.Headers) == 0 || parsed.Headers[0].KeyID == "" {
		return nil, &oauth.TokenValidationError{Err: errors.New("token header has no kid")}
	}

	// Unverified, for diagnostics only.
	var unverified gojwt.Claims
	_ = parsed.UnsafeClaimsWithoutVerification(&unverified)
	fail := func(err error) error {
		return &oauth.TokenValidationError{Issuer: unverified.Issuer, Audience: []string(unverified.Audience), Err: err}
	}

	payload, err := v.keys.Get(exp.KeysetURL).VerifySignature(ctx, raw)
	if err != nil {
		return nil, fail(fmt.Errorf("verify signature: %w", err))
	}

	var (
		std    gojwt.Claims
		claims map[string]any
	)
	if err := json.Unmarshal(payload, &std); err != nil {
		return nil, fail(fmt.Errorf("decode claims: %w", err))
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fail(fmt.Errorf("decode claims: %w", err))
	}
	if std.Expiry == nil {
		return nil, fail(errors.New("token has no exp"))
	}

	if !exp.acceptsIssuer(std.Issuer) {
		return nil, fail(gojwt.ErrInvalidIssuer)
	}
	expected := gojwt.Expected{Time: v.now()}
	if exp.Audience != "" {
		expected.AnyAudience = gojwt.Audience{exp.Audience}
	}
	if err := std.ValidateWithLeeway(expected, ClockLeeway); err != nil {
		return nil, fail(err)
	}
	if strings.TrimSpace(std.Subject) == "" {
		return nil, oauth.ErrMissingSubject
	}

	return &oauth.VerifiedIDToken{
		Subject:  std.Subject,
		Issuer:   std.Issuer,
		Audience: []string(std.Audience),
		Expiry:   std.Expiry.Time(),
		Claims:   claims,
	}, nil
}
