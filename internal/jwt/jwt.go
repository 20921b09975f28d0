package jwt

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	gojose "github.com/go-jose/go-jose/v4"
	gojwt "github.com/go-jose/go-jose/v4/jwt"
	"golang.org/x/crypto/hkdf"
)

// Purposes keep state and signup tokens from being accepted in place of each other.
const (
	PurposeState  = "oidc-state"
	PurposeSignup = "oidc-signup"
)

const nonceBytes = 32

var (
	errPurposeMismatch  = errors.New("token purpose mismatch")
	errMalformedCompact = errors.New("malformed compact token")
)

// DeriveKey expands a provider secret into a purpose-specific HS256 key.
func DeriveKey(secret []byte, purpose string) ([]byte, error) {
	if len(secret) == 0 {
		return nil, errors.New("empty signing secret")
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte("valora-federation/"+purpose)), key); err != nil {
		return nil, fmt.Errorf("derive %s key: %w", purpose, err)
	}
	return key, nil
}

// NewNonce returns 32 random bytes, base64url encoded.
func NewNonce() (string, error) {
	buf := make([]byte, nonceBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// purposeClaims is embedded in every token minted here.
type purposeClaims struct {
	Purpose string `json:"pur"`
	Nonce   string `json:"nonce"`
}

// signer mints and opens compact HS256 tokens for one purpose.
type signer struct {
	purpose string
	ttl     time.Duration
	now     func() time.Time
}

func (s signer) sign(secret []byte, nonce string, custom any) (string, error) {
	key, err := DeriveKey(secret, s.purpose)
	if err != nil {
		return "", err
	}
	sig, err := gojose.NewSigner(gojose.SigningKey{Algorithm: gojose.HS256, Key: key}, (&gojose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		return "", fmt.Errorf("new signer: %w", err)
	}

	now := s.now().UTC()
	std := gojwt.Claims{
		IssuedAt: gojwt.NewNumericDate(now),
		Expiry:   gojwt.NewNumericDate(now.Add(s.ttl)),
	}
	token, err := gojwt.Signed(sig).
		Claims(std).
		Claims(purposeClaims{Purpose: s.purpose, Nonce: nonce}).
		Claims(custom).
		Serialize()
	if err != nil {
		return "", fmt.Errorf("serialize token: %w", err)
	}
	return token, nil
}

// open verifies signature, purpose and expiry, then decodes the custom claims into out.
func (s signer) open(token string, secret []byte, out any) (string, error) {
	key, err := DeriveKey(secret, s.purpose)
	if err != nil {
		return "", err
	}
	if err := checkCompact(token); err != nil {
		return "", err
	}
	parsed, err := gojwt.ParseSigned(token, []gojose.SignatureAlgorithm{gojose.HS256})
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}

	var (
		std     gojwt.Claims
		purpose purposeClaims
	)
	if err := parsed.Claims(key, &std, &purpose, out); err != nil {
		return "", fmt.Errorf("verify token: %w", err)
	}
	if purpose.Purpose != s.purpose {
		return "", errPurposeMismatch
	}
	if std.Expiry == nil {
		return "", errors.New("token has no expiry")
	}
	if err := std.ValidateWithLeeway(gojwt.Expected{Time: s.now()}, 0); err != nil {
		return "", fmt.Errorf("validate claims: %w", err)
	}
	return purpose.Nonce, nil
}

// checkCompact requires three canonical base64url segments. go-jose decodes
// segments leniently, so spare bits in a segment's last character would
// otherwise be ignored and a different string would still verify.
func checkCompact(token string) error {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return errMalformedCompact
	}
	for _, part := range parts {
		if part == "" || strings.ContainsAny(part, "\r\n") {
			return errMalformedCompact
		}
		if _, err := base64.RawURLEncoding.Strict().DecodeString(part); err != nil {
			return fmt.Errorf("%w: %v", errMalformedCompact, err)
		}
	}
	return nil
}
