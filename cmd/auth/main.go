package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	cacheadapter "github.com/smallbiznis/valora-federation/internal/adapter/cache"
	oauthadapter "github.com/smallbiznis/valora-federation/internal/adapter/oauth"
	"github.com/smallbiznis/valora-federation/internal/bootstrap"
	"github.com/smallbiznis/valora-federation/internal/config"
	domainoauth "github.com/smallbiznis/valora-federation/internal/domain/oauth"
	httptransport "github.com/smallbiznis/valora-federation/internal/http"
	"github.com/smallbiznis/valora-federation/internal/http/handler"
	httpmiddleware "github.com/smallbiznis/valora-federation/internal/http/middleware"
	"github.com/smallbiznis/valora-federation/internal/jwt"
	"github.com/smallbiznis/valora-federation/internal/metrics"
	apimiddleware "github.com/smallbiznis/valora-federation/internal/middleware"
	"github.com/smallbiznis/valora-federation/internal/repository"
	"github.com/smallbiznis/valora-federation/internal/server"
	authservice "github.com/smallbiznis/valora-federation/internal/service/auth"
	"github.com/smallbiznis/valora-federation/internal/telemetry"
)

func main() {
	app := fx.New(
		fx.Provide(
			newConfig,
			newLogger,
			newTelemetry,
			newTracer,
			newSnowflake,
			newPGXPool,
			newUserRepository,
			newIdentityRepository,
			newRedisClient,
			newNonceStore,
			newSessionStore,
			newFlashStore,
			newProviderRegistry,
			newOutboundHTTPClient,
			newProviderClient,
			newKeySetCache,
			newTokenVerifier,
			jwt.NewStateCodec,
			jwt.NewPendingSignupCodec,
			newIdentityResolver,
			newMetricsRegistry,
			metrics.NewFlow,
			newFlowService,
			newSessions,
			handler.NewOIDCHandler,
			newRateLimiter,
			httptransport.NewRouter,
			server.NewHTTPServer,
		),
		fx.Invoke(bootstrap.EnsureSchema, startHTTPServer),
	)

	app.Run()
}

func newConfig() (config.Config, error) {
	return config.Load()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Environment == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger.With(zap.String("service", cfg.ServiceName)), nil
}

func newTelemetry(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*telemetry.Provider, error) {
	provider, err := telemetry.New(context.Background(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return provider.Shutdown(stopCtx)
		},
	})

	return provider, nil
}

func newTracer(provider *telemetry.Provider) trace.Tracer {
	return provider.Tracer()
}

func newSnowflake() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}

func newPGXPool(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			pool.Close()
			return nil
		},
	})

	return pool, nil
}

func newUserRepository(pool *pgxpool.Pool) repository.UserRepository {
	return repository.NewPostgresUserRepo(pool)
}

func newIdentityRepository(pool *pgxpool.Pool) repository.IdentityRepository {
	return repository.NewPostgresIdentityRepo(pool)
}

// newRedisClient returns nil when no address is configured; the stores then
// fall back to process memory.
func newRedisClient(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (redis.UniversalClient, error) {
	if cfg.RedisAddr == "" {
		logger.Warn("REDIS_ADDR not set, using in-memory session and nonce stores")
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client, nil
}

func newNonceStore(client redis.UniversalClient) repository.NonceStore {
	if client == nil {
		return cacheadapter.NewMemoryNonceStore()
	}
	return cacheadapter.NewRedisNonceStore(client)
}

func newSessionStore(client redis.UniversalClient) repository.SessionStore {
	if client == nil {
		return cacheadapter.NewMemorySessionStore()
	}
	return cacheadapter.NewRedisSessionStore(client)
}

func newFlashStore(client redis.UniversalClient) repository.FlashStore {
	if client == nil {
		return cacheadapter.NewMemoryFlashStore()
	}
	return cacheadapter.NewRedisFlashStore(client)
}

func newProviderRegistry(cfg config.Config, logger *zap.Logger) (*domainoauth.Registry, error) {
	registry, err := cfg.ProviderRegistry()
	if err != nil {
		return nil, err
	}
	for _, p := range registry.Providers() {
		logger.Info("identity provider enabled", zap.String("provider", p.String()))
	}
	return registry, nil
}

func newOutboundHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

func newProviderClient(client *http.Client) oauthadapter.ProviderClient {
	return oauthadapter.NewHTTPProviderClient(client)
}

func newKeySetCache(cfg config.Config, client *http.Client) (*jwt.KeySetCache, error) {
	return jwt.NewKeySetCache(cfg.KeySetCacheSize, client)
}

func newTokenVerifier(keys *jwt.KeySetCache) authservice.TokenVerifier {
	return jwt.NewVerifier(keys)
}

func newIdentityResolver(users repository.UserRepository, identities repository.IdentityRepository, node *snowflake.Node, logger *zap.Logger) *authservice.IdentityResolver {
	return authservice.NewIdentityResolver(users, identities, node, logger)
}

func newMetricsRegistry() *prometheus.Registry {
	return metrics.NewRegistry()
}

type flowParams struct {
	fx.In

	Registry   *domainoauth.Registry
	Provider   oauthadapter.ProviderClient
	Verifier   authservice.TokenVerifier
	States     *jwt.StateCodec
	Signups    *jwt.PendingSignupCodec
	Nonces     repository.NonceStore
	Resolver   *authservice.IdentityResolver
	Users      repository.UserRepository
	Identities repository.IdentityRepository
	Node       *snowflake.Node
	Metrics    *metrics.Flow
	Tracer     trace.Tracer
	Logger     *zap.Logger
}

func newFlowService(p flowParams) authservice.FlowService {
	return authservice.NewFlowService(authservice.Dependencies{
		Registry:   p.Registry,
		Provider:   p.Provider,
		Verifier:   p.Verifier,
		States:     p.States,
		Signups:    p.Signups,
		Nonces:     p.Nonces,
		Resolver:   p.Resolver,
		Users:      p.Users,
		Identities: p.Identities,
		IDs:        p.Node,
		Metrics:    p.Metrics,
		Tracer:     p.Tracer,
		Logger:     p.Logger,
	})
}

func newSessions(cfg config.Config, store repository.SessionStore, logger *zap.Logger) *httpmiddleware.Sessions {
	return httpmiddleware.NewSessions(store, cfg.SessionTTL, cfg.CookieSecure, logger)
}

func newRateLimiter(cfg config.Config) *apimiddleware.RateLimiter {
	return apimiddleware.NewRateLimiter(cfg.RateLimitRPM)
}

func startHTTPServer(lc fx.Lifecycle, srv *server.HTTPServer, cfg config.Config, logger *zap.Logger) {
	addr := ":" + cfg.HTTPPort
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})

			go func() {
				if err := srv.Run(runCtx, addr); err != nil {
					logger.Error("http server stopped", zap.Error(err))
				}
				close(done)
			}()

			logger.Info("http server listening", zap.String("addr", addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if done == nil {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}
