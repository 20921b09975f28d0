package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/smallbiznis/valora-federation/internal/domain/oauth"
)

// ProviderConfig is the raw environment configuration of one identity provider.
type ProviderConfig struct {
	Enabled       bool     `env:"ENABLED" envDefault:"false"`
	ClientID      string   `env:"CLIENT_ID"`
	ClientSecret  string   `env:"CLIENT_SECRET"`
	RedirectURI   string   `env:"REDIRECT_URI"`
	AuthorizeURL  string   `env:"AUTHORIZE_URL"`
	TokenURL      string   `env:"TOKEN_URL"`
	KeysetURL     string   `env:"KEYSET_URL"`
	Issuer        string   `env:"ISSUER"`
	IssuerAliases []string `env:"ISSUER_ALIASES" envSeparator:","`
	Scopes        []string `env:"SCOPES" envSeparator:","`
	Algorithms    []string `env:"ALGORITHMS" envSeparator:"," envDefault:"RS256"`
	SigningKey    string   `env:"SIGNING_KEY"`
}

// Config contains runtime configuration values.
type Config struct {
	Environment       string        `env:"APP_ENV" envDefault:"development"`
	HTTPPort          string        `env:"HTTP_PORT" envDefault:"8080"`
	DatabaseURL       string        `env:"DATABASE_URL"`
	RedisAddr         string        `env:"REDIS_ADDR"`
	RedisPassword     string        `env:"REDIS_PASSWORD"`
	RedisDB           int           `env:"REDIS_DB" envDefault:"0"`
	ServiceName       string        `env:"SERVICE_NAME" envDefault:"valora-federation"`
	RateLimitRPM      int           `env:"RATE_LIMIT_RPM" envDefault:"600"`
	TelemetryEndpoint string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	TelemetryInsecure bool          `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"true"`
	TelemetrySampling float64       `env:"OTEL_TRACES_SAMPLER_RATIO" envDefault:"1"`
	SessionTTL        time.Duration `env:"SESSION_TTL" envDefault:"336h"`
	CookieSecure      bool          `env:"SESSION_COOKIE_SECURE" envDefault:"true"`
	KeySetCacheSize   int           `env:"KEYSET_CACHE_SIZE" envDefault:"256"`

	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`
	CORSAllowedMethods []string `env:"CORS_ALLOWED_METHODS" envSeparator:"," envDefault:"GET,POST,OPTIONS"`
	CORSAllowedHeaders []string `env:"CORS_ALLOWED_HEADERS" envSeparator:"," envDefault:"Content-Type"`

	// Pages the browser lands on after a flow ends.
	AccountPath string `env:"ACCOUNT_PATH" envDefault:"/account"`
	LoginPath   string `env:"LOGIN_PATH" envDefault:"/login"`
	LandingPath string `env:"LANDING_PATH" envDefault:"/"`

	ORCID    ProviderConfig `envPrefix:"ORCID_"`
	Google   ProviderConfig `envPrefix:"GOOGLE_"`
	Facebook ProviderConfig `envPrefix:"FACEBOOK_"`
}

// Load reads configuration from the environment, after an optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return errors.New("DATABASE_URL is required")
	}
	if c.KeySetCacheSize <= 0 {
		return errors.New("KEYSET_CACHE_SIZE must be positive")
	}
	for name, path := range map[string]string{"ACCOUNT_PATH": c.AccountPath, "LOGIN_PATH": c.LoginPath, "LANDING_PATH": c.LandingPath} {
		if !strings.HasPrefix(path, "/") {
			return fmt.Errorf("%s must be an absolute path", name)
		}
	}
	registry, err := c.ProviderRegistry()
	if err != nil {
		return err
	}
	if len(registry.Providers()) == 0 {
		return errors.New("at least one identity provider must be enabled")
	}
	return nil
}

// ProviderRegistry builds the immutable registry of enabled providers.
func (c Config) ProviderRegistry() (*oauth.Registry, error) {
	var settings []oauth.ProviderSettings
	for _, entry := range []struct {
		provider oauth.IdentityProvider
		cfg      ProviderConfig
	}{
		{oauth.ProviderORCID, c.ORCID},
		{oauth.ProviderGoogle, c.Google},
		{oauth.ProviderFacebook, c.Facebook},
	} {
		if !entry.cfg.Enabled {
			continue
		}
		settings = append(settings, entry.cfg.settings(entry.provider))
	}
	return oauth.NewRegistry(settings...)
}

func (p ProviderConfig) settings(provider oauth.IdentityProvider) oauth.ProviderSettings {
	def := defaultEndpoints[provider]
	return oauth.ProviderSettings{
		Provider:          provider,
		ClientID:          p.ClientID,
		ClientSecret:      p.ClientSecret,
		RedirectURI:       p.RedirectURI,
		AuthorizeURL:      firstNonEmpty(p.AuthorizeURL, def.AuthorizeURL),
		TokenURL:          firstNonEmpty(p.TokenURL, def.TokenURL),
		KeysetURL:         firstNonEmpty(p.KeysetURL, def.KeysetURL),
		Issuer:            firstNonEmpty(p.Issuer, def.Issuer),
		IssuerAliases:     issuerAliases(p, def),
		Scopes:            firstNonEmptyList(p.Scopes, def.Scopes),
		AllowedAlgorithms: p.Algorithms,
		SigningKey:        []byte(p.SigningKey),
	}
}

// issuerAliases keeps the built-in aliases only while the issuer itself is the default.
func issuerAliases(p ProviderConfig, def endpoints) []string {
	if len(p.IssuerAliases) > 0 {
		return p.IssuerAliases
	}
	if strings.TrimSpace(p.Issuer) != "" && strings.TrimSpace(p.Issuer) != def.Issuer {
		return nil
	}
	return def.IssuerAliases
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func firstNonEmptyList(values ...[]string) []string {
	for _, v := range values {
		var cleaned []string
		for _, item := range v {
			if trimmed := strings.TrimSpace(item); trimmed != "" {
				cleaned = append(cleaned, trimmed)
			}
		}
		if len(cleaned) > 0 {
			return cleaned
		}
	}
	return nil
}
