package oauth

//go:generate mockgen -source=provider_client.go -destination=oauthmock/provider_client.go -package=oauthmock

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	domainoauth "github.com/smallbiznis/valora-federation/internal/domain/oauth"
)

// ProviderClient encapsulates outbound calls to external IdPs.
type ProviderClient interface {
	AuthorizationURL(settings domainoauth.ProviderSettings, state string) string
	ExchangeCode(ctx context.Context, settings domainoauth.ProviderSettings, code string) (string, error)
}

// HTTPProviderClient is the default implementation on top of x/oauth2.
type HTTPProviderClient struct {
	httpClient *http.Client
}

var _ ProviderClient = (*HTTPProviderClient)(nil)

// NewHTTPProviderClient constructs the default ProviderClient.
func NewHTTPProviderClient(client *http.Client) *HTTPProviderClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPProviderClient{httpClient: client}
}

func oauthConfig(settings domainoauth.ProviderSettings) *oauth2.Config {
	scopes := settings.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid"}
	}
	return &oauth2.Config{
		ClientID:     settings.ClientID,
		ClientSecret: settings.ClientSecret,
		RedirectURL:  settings.RedirectURI,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   settings.AuthorizeURL,
			TokenURL:  settings.TokenURL,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
}

// AuthorizationURL builds the provider redirect with client_id, response_type=code,
// redirect_uri, scope and state.
func (c *HTTPProviderClient) AuthorizationURL(settings domainoauth.ProviderSettings, state string) string {
	return oauthConfig(settings).AuthCodeURL(state)
}

// ExchangeCode trades the authorization code for the raw ID token in a single POST.
// Client credentials travel in the Authorization header.
func (c *HTTPProviderClient) ExchangeCode(ctx context.Context, settings domainoauth.ProviderSettings, code string) (string, error) {
	if strings.TrimSpace(code) == "" {
		return "", domainoauth.ErrInvalidRequest
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	token, err := oauthConfig(settings).Exchange(ctx, code)
	if err != nil {
		return "", exchangeError(settings, code, err)
	}

	rawIDToken, _ := token.Extra("id_token").(string)
	if strings.TrimSpace(rawIDToken) == "" {
		return "", domainoauth.ErrMissingIDToken
	}
	return rawIDToken, nil
}

func exchangeError(settings domainoauth.ProviderSettings, code string, err error) error {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", redact(code))
	form.Set("redirect_uri", settings.RedirectURI)
	body := form.Encode()

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		reqErr := domainoauth.NewStatusError(http.MethodPost, settings.TokenURL, body, retrieveErr.Response.StatusCode, truncate(retrieveErr.Body))
		reqErr.Err = err
		return reqErr
	}
	return &domainoauth.ExternalRequestError{
		Method:      http.MethodPost,
		URL:         settings.TokenURL,
		RequestBody: body,
		Err:         err,
	}
}

func redact(code string) string {
	if len(code) <= 4 {
		return "****"
	}
	return code[:4] + "****"
}

func truncate(body []byte) []byte {
	const limit = 1 << 10
	if len(body) > limit {
		return body[:limit]
	}
	return body
}
