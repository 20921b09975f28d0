package jwt

import (
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/smallbiznis/valora-federation/internal/domain/oauth"
)

// StateTTL bounds both the state token and its server-side nonce.
const StateTTL = 10 * time.Minute

type stateClaims struct {
	Action string `json:"act"`
	Next   string `json:"next,omitempty"`
}

// StateCodec encodes the signed, single-use OAuth2 state parameter.
type StateCodec struct {
	signer signer
}

func NewStateCodec() *StateCodec {
	return &StateCodec{signer: signer{purpose: PurposeState, ttl: StateTTL, now: time.Now}}
}

// Encode signs the state with a fresh nonce. The caller stores the returned nonce server-side.
func (c *StateCodec) Encode(state oauth.AuthState, key []byte) (string, string, error) {
	if _, err := oauth.ParseAction(string(state.Action)); err != nil {
		return "", "", err
	}
	nonce, err := NewNonce()
	if err != nil {
		return "", "", fmt.Errorf("generate nonce: %w", err)
	}
	token, err := c.signer.sign(key, nonce, stateClaims{Action: string(state.Action), Next: state.NextURL})
	if err != nil {
		return "", "", err
	}
	return token, nonce, nil
}

// Decode verifies the token and requires its nonce to equal expectedNonce, which the
// caller has already taken from the nonce store.
func (c *StateCodec) Decode(token string, key []byte, expectedNonce string) (oauth.AuthState, error) {
	var claims stateClaims
	nonce, err := c.signer.open(token, key, &claims)
	if err != nil {
		return oauth.AuthState{}, fmt.Errorf("%w: %v", oauth.ErrInvalidState, err)
	}
	if !nonceEqual(nonce, expectedNonce) {
		return oauth.AuthState{}, fmt.Errorf("%w: nonce mismatch", oauth.ErrInvalidState)
	}
	action, err := oauth.ParseAction(claims.Action)
	if err != nil {
		return oauth.AuthState{}, fmt.Errorf("%w: %v", oauth.ErrInvalidState, err)
	}
	return oauth.AuthState{Action: action, Nonce: nonce, NextURL: claims.Next}, nil
}

func nonceEqual(got, expected string) bool {
	if got == "" || expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(expected)) == 1
}
