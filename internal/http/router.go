package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-federation/internal/config"
	"github.com/smallbiznis/valora-federation/internal/http/handler"
	httpmiddleware "github.com/smallbiznis/valora-federation/internal/http/middleware"
	"github.com/smallbiznis/valora-federation/internal/metrics"
	"github.com/smallbiznis/valora-federation/internal/middleware"
)

// NewRouter wires Gin routes and middleware.
func NewRouter(
	cfg config.Config,
	logger *zap.Logger,
	oidc *handler.OIDCHandler,
	sessions *httpmiddleware.Sessions,
	rateLimiter *middleware.RateLimiter,
	registry *prometheus.Registry,
) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(logger))
	r.Use(metrics.HTTPMiddleware(registry))
	r.Use(otelgin.Middleware(cfg.ServiceName))
	r.Use(middleware.CORS(cfg))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if registry != nil {
		r.GET("/metrics", gin.WrapH(metrics.Handler(registry)))
	}

	browser := r.Group("/")
	if rateLimiter != nil {
		browser.Use(rateLimiter.Handler())
	}
	browser.Use(sessions.Handler())
	{
		oidcGroup := browser.Group("/oidc")
		{
			oidcGroup.GET("/connect/:provider", oidc.Connect)
			oidcGroup.GET("/login/:provider", oidc.Login)
			oidcGroup.GET("/redirect/:provider", oidc.Redirect)
		}

		browser.GET("/signup/:provider", oidc.SignupForm)
		browser.POST("/signup/:provider", oidc.Signup)
		browser.GET("/session/flashes", oidc.Flashes)
		browser.POST("/logout", oidc.Logout)
		browser.GET("/account/identities", oidc.Identities)
	}

	return r
}
