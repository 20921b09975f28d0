package oauth

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrProviderNotFound signals an unknown or disabled identity provider.
	ErrProviderNotFound = errors.New("oauth: provider not found")
	// ErrInvalidRequest indicates caller input validation errors.
	ErrInvalidRequest = errors.New("oauth: invalid request")
	// ErrInvalidState indicates the state or signup token is missing, tampered, expired or replayed.
	ErrInvalidState = errors.New("oauth: invalid state")
	// ErrAccessDenied is returned when the user declined at the provider.
	ErrAccessDenied = errors.New("oauth: access denied")
	// ErrTokenInvalid indicates malformed or unverifiable ID tokens.
	ErrTokenInvalid = errors.New("oauth: token invalid")
	// ErrIdentityConflict means the third-party identity is linked to another user.
	ErrIdentityConflict = errors.New("oauth: identity already linked to another user")
	// ErrEmailConflict means the third-party email belongs to an unlinked local account.
	ErrEmailConflict = errors.New("oauth: email belongs to another account")
	// ErrUsernameTaken is returned when signup picks an existing username.
	ErrUsernameTaken = errors.New("oauth: username taken")
	// ErrMissingSubject is fatal: a verified ID token without sub.
	ErrMissingSubject = errors.New("oauth: verified id token has no subject")
	// ErrMissingIDToken is fatal: the token endpoint answered without id_token.
	ErrMissingIDToken = errors.New("oauth: token response has no id_token")
	// ErrForbidden is a protocol violation such as login from an authenticated session.
	ErrForbidden = errors.New("oauth: forbidden")
	// ErrExternalRequest matches every ExternalRequestError.
	ErrExternalRequest = errors.New("oauth: external request failed")
)

// TokenValidationError wraps ID token verification failures with the unverified issuer/audience.
type TokenValidationError struct {
	Issuer   string
	Audience []string
	Err      error
}

func (e *TokenValidationError) Error() string {
	return fmt.Sprintf("oauth: token validation failed (iss=%q aud=%q): %v", e.Issuer, e.Audience, e.Err)
}

func (e *TokenValidationError) Unwrap() error { return e.Err }

func (e *TokenValidationError) Is(target error) bool { return target == ErrTokenInvalid }

// ExternalRequestError records a failed server-to-server call. It is never retried.
type ExternalRequestError struct {
	Method       string
	URL          string
	RequestBody  string
	StatusCode   int
	Reason       string
	ResponseBody string
	Err          error
}

func (e *ExternalRequestError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("oauth: %s %s: %v", e.Method, e.URL, e.Err)
	}
	return fmt.Sprintf("oauth: %s %s: status %d %s", e.Method, e.URL, e.StatusCode, e.Reason)
}

func (e *ExternalRequestError) Unwrap() error { return e.Err }

func (e *ExternalRequestError) Is(target error) bool { return target == ErrExternalRequest }

// NewStatusError builds an ExternalRequestError for a non-2xx answer.
func NewStatusError(method, url, requestBody string, status int, responseBody []byte) *ExternalRequestError {
	return &ExternalRequestError{
		Method:       method,
		URL:          url,
		RequestBody:  requestBody,
		StatusCode:   status,
		Reason:       http.StatusText(status),
		ResponseBody: string(responseBody),
	}
}
