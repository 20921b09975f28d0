package jwt

import (
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/valora-federation/internal/domain/oauth"
)

// SignupTTL is the lifetime of a pending signup token and its nonce.
const SignupTTL = time.Hour

// PendingSignupCodec carries verified third-party claims through the browser to the signup form.
type PendingSignupCodec struct {
	signer signer
}

func NewPendingSignupCodec() *PendingSignupCodec {
	return &PendingSignupCodec{signer: signer{purpose: PurposeSignup, ttl: SignupTTL, now: time.Now}}
}

// Encode signs the identity with a fresh nonce.
func (c *PendingSignupCodec) Encode(identity oauth.PendingSignupIdentity, nextURL string, key []byte) (string, string, error) {
	if strings.TrimSpace(identity.ProviderSubject) == "" {
		return "", "", oauth.ErrMissingSubject
	}
	nonce, err := NewNonce()
	if err != nil {
		return "", "", fmt.Errorf("generate nonce: %w", err)
	}
	identity.NextURL = nextURL
	token, err := c.signer.sign(key, nonce, identity)
	if err != nil {
		return "", "", err
	}
	return token, nonce, nil
}

// Inspect checks signature and expiry only. It never consumes the nonce.
func (c *PendingSignupCodec) Inspect(token string, key []byte) (oauth.PendingSignupIdentity, error) {
	var identity oauth.PendingSignupIdentity
	if _, err := c.signer.open(token, key, &identity); err != nil {
		return oauth.PendingSignupIdentity{}, fmt.Errorf("%w: %v", oauth.ErrInvalidState, err)
	}
	return identity, nil
}

// Decode verifies the token and its single-use nonce.
func (c *PendingSignupCodec) Decode(token string, key []byte, expectedNonce string) (oauth.PendingSignupIdentity, error) {
	var identity oauth.PendingSignupIdentity
	nonce, err := c.signer.open(token, key, &identity)
	if err != nil {
		return oauth.PendingSignupIdentity{}, fmt.Errorf("%w: %v", oauth.ErrInvalidState, err)
	}
	if !nonceEqual(nonce, expectedNonce) {
		return oauth.PendingSignupIdentity{}, fmt.Errorf("%w: nonce mismatch", oauth.ErrInvalidState)
	}
	return identity, nil
}
