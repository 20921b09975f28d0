package config

import "github.com/smallbiznis/valora-federation/internal/domain/oauth"

type endpoints struct {
	AuthorizeURL  string
	TokenURL      string
	KeysetURL     string
	Issuer        string
	IssuerAliases []string
	Scopes        []string
}

// Well-known endpoints, overridable per provider through the environment.
var defaultEndpoints = map[oauth.IdentityProvider]endpoints{
	oauth.ProviderORCID: {
		AuthorizeURL: "https://orcid.org/oauth/authorize",
		TokenURL:     "https://orcid.org/oauth/token",
		KeysetURL:    "https://orcid.org/oauth/jwks",
		Issuer:       "https://orcid.org",
		Scopes:       []string{"openid"},
	},
	oauth.ProviderGoogle: {
		AuthorizeURL: "https://accounts.google.com/o/oauth2/v2/auth",
		TokenURL:     "https://oauth2.googleapis.com/token",
		KeysetURL:    "https://www.googleapis.com/oauth2/v3/certs",
		Issuer:       "https://accounts.google.com",
		// Google documents both forms of iss for its ID tokens.
		IssuerAliases: []string{"accounts.google.com"},
		Scopes:        []string{"openid", "email", "profile"},
	},
	oauth.ProviderFacebook: {
		AuthorizeURL: "https://www.facebook.com/v19.0/dialog/oauth",
		TokenURL:     "https://graph.facebook.com/v19.0/oauth/access_token",
		KeysetURL:    "https://www.facebook.com/.well-known/oauth/openid/jwks/",
		Issuer:       "https://www.facebook.com",
		Scopes:       []string{"openid", "email", "public_profile"},
	},
}
