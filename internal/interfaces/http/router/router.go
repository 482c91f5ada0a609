// Package router assembles the gin engine, its middleware chain and the
// HTTP server lifecycle.
package router

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/custodia-io/custodia/internal/config"
	"github.com/custodia-io/custodia/internal/interfaces/http/handlers"
	"github.com/custodia-io/custodia/internal/interfaces/http/middleware"
	"github.com/custodia-io/custodia/pkg/constants"
	"github.com/custodia-io/custodia/pkg/logger"
)

// Router owns the gin engine and HTTP server.
type Router struct {
	engine          *gin.Engine
	cfg             *config.Config
	log             logger.Logger
	healthHandler   *handlers.HealthHandler
	keyHandler      *handlers.KeyHandler
	policyHandler   *handlers.PolicyHandler
	validateHandler *handlers.ValidateHandler
	apiKeyAuth      *middleware.APIKeyAuth
	server          *http.Server
}

// NewRouter creates the router.
func NewRouter(
	cfg *config.Config,
	log logger.Logger,
	healthHandler *handlers.HealthHandler,
	keyHandler *handlers.KeyHandler,
	policyHandler *handlers.PolicyHandler,
	validateHandler *handlers.ValidateHandler,
	apiKeyAuth *middleware.APIKeyAuth,
) *Router {
	if cfg.Server.Production {
		gin.SetMode(gin.ReleaseMode)
	}
	return &Router{
		engine:          gin.New(),
		cfg:             cfg,
		log:             log.WithComponent("Router"),
		healthHandler:   healthHandler,
		keyHandler:      keyHandler,
		policyHandler:   policyHandler,
		validateHandler: validateHandler,
		apiKeyAuth:      apiKeyAuth,
	}
}

// SetupRoutes installs the middleware chain and route groups.
func (r *Router) SetupRoutes() {
	r.engine.Use(gin.Recovery())
	r.engine.Use(middleware.RequestID())

	r.engine.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders: []string{
			"Origin", "Content-Type", constants.HeaderAuthorization,
			constants.HeaderAPIKey, constants.HeaderRequestID,
		},
		ExposeHeaders: []string{
			constants.HeaderRequestID,
			constants.HeaderRateLimitLimit,
			constants.HeaderRateLimitRemaining,
			constants.HeaderRateLimitReset,
			constants.HeaderRetryAfter,
		},
		MaxAge: 12 * time.Hour,
	}))

	r.engine.GET("/health/live", r.healthHandler.Live)
	r.engine.GET("/health/ready", r.healthHandler.Ready)
	r.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if !r.cfg.Server.Production {
		pprof.Register(r.engine)
	}

	v1 := r.engine.Group("/api/v1")
	{
		v1.POST("/validate", r.validateHandler.Validate)

		admin := v1.Group("/admin")
		admin.Use(middleware.RequireAdminJWT(r.cfg.Security.AdminJWTSecret, r.log))
		{
			admin.POST("/keys", r.keyHandler.Issue)
			admin.GET("/keys", r.keyHandler.List)
			admin.GET("/keys/:key_id", r.keyHandler.Get)
			admin.DELETE("/keys/:key_id", r.keyHandler.Revoke)
			admin.POST("/keys/:key_id/rotate", r.keyHandler.Rotate)
			admin.POST("/keys/:key_id/compromise", r.keyHandler.ReportCompromise)
			admin.GET("/keys/:key_id/usage", r.keyHandler.Usage)
			admin.GET("/audit", r.keyHandler.Audit)
			admin.GET("/policies", r.policyHandler.List)
			admin.PUT("/policies/:name", r.policyHandler.Upsert)
			admin.DELETE("/policies/:name", r.policyHandler.Remove)
		}

		// Demonstration of the authentication gate: key-protected routes hang
		// off this group.
		protected := v1.Group("/")
		protected.Use(r.apiKeyAuth.RequireAPIKey())
		{
			protected.GET("/whoami", func(c *gin.Context) {
				kc, _ := middleware.KeyContextFrom(c)
				c.JSON(http.StatusOK, gin.H{"key_id": kc.KeyID, "owner_id": kc.OwnerID})
			})
		}
	}

	r.engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":         "not_found",
			"error_message": "the requested resource was not found",
		})
	})
}

// Start runs the HTTP server until Stop is called.
func (r *Router) Start() error {
	r.SetupRoutes()

	addr := fmt.Sprintf("%s:%d", r.cfg.Server.Host, r.cfg.Server.Port)
	r.server = &http.Server{
		Addr:           addr,
		Handler:        r.engine,
		ReadTimeout:    r.cfg.Server.ReadTimeout,
		WriteTimeout:   r.cfg.Server.WriteTimeout,
		MaxHeaderBytes: 1 << 20,
	}

	r.log.Info(context.Background(), "starting http server", logger.String("address", addr))
	if err := r.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully.
func (r *Router) Stop(ctx context.Context) error {
	if r.server == nil {
		return nil
	}
	return r.server.Shutdown(ctx)
}

// Engine exposes the gin engine, used by tests.
func (r *Router) Engine() *gin.Engine {
	return r.engine
}
