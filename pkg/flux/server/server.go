// Package server assembles the gin engine serving the public license
// protocol, the admin API, health checks and metrics.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mikepea/flux/pkg/flux/admin"
	"github.com/mikepea/flux/pkg/flux/auth"
	"github.com/mikepea/flux/pkg/flux/config"
	"github.com/mikepea/flux/pkg/flux/importexport"
	"github.com/mikepea/flux/pkg/flux/licensing"
	"github.com/mikepea/flux/pkg/flux/metrics"
	"github.com/mikepea/flux/pkg/flux/middleware"
	"github.com/mikepea/flux/pkg/flux/validation"
	"github.com/rs/zerolog"
	"github.com/ulule/limiter/v3"
	"gorm.io/gorm"
)

// Options carries dependencies owned by the caller
type Options struct {
	// RateLimitStore backs the limiter on public routes; nil uses memory
	RateLimitStore limiter.Store
	Version        string
}

// Server is the assembled HTTP application
type Server struct {
	Engine    *gin.Engine
	Licenses  *licensing.Service
	Inventory *metrics.InventoryRefresher
}

// New wires every handler onto a fresh gin engine
func New(cfg *config.Config, db *gorm.DB, logger zerolog.Logger, opts Options) (*Server, error) {
	var serviceOpts []licensing.Option
	if cfg.Metrics.Enabled {
		serviceOpts = append(serviceOpts, licensing.WithRecorder(metrics.OutcomeRecorder{}))
	}
	licenses := licensing.NewService(db, logger, serviceOpts...)

	tokens := auth.NewTokenIssuer(cfg.Admin.JWTSecret, cfg.Admin.TokenTTL)
	authHandler, err := auth.NewHandler(cfg.Admin, tokens, logger)
	if err != nil {
		return nil, err
	}

	rateLimit, err := middleware.NewRateLimiter(cfg.Limits.Requests, cfg.Limits.Period, opts.RateLimitStore)
	if err != nil {
		return nil, err
	}

	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger(logger))
	if cfg.Metrics.Enabled {
		r.Use(middleware.GinMetricsMiddleware())
		r.GET("/metrics", gin.WrapH(metrics.Handler()))
	}

	health := healthHandler(db, opts.Version)
	r.GET("/health", health)

	api := r.Group("/api")
	{
		api.GET("/health", health)

		// License protocol (public, rate limited)
		validation.NewHandler(licenses, logger).RegisterRoutes(api.Group("", rateLimit))

		// Admin login (public, rate limited)
		authHandler.RegisterRoutes(api.Group("/auth", rateLimit))

		// Admin routes (JWT, admin role required)
		adminGroup := api.Group("/admin")
		adminGroup.Use(auth.AuthMiddleware(tokens), auth.RequireAdmin())
		admin.NewHandler(licenses, logger).RegisterRoutes(adminGroup)
		importexport.NewHandler(importexport.NewService(db, logger)).RegisterRoutes(adminGroup)
	}

	s := &Server{Engine: r, Licenses: licenses}
	if cfg.Metrics.Enabled {
		s.Inventory = metrics.NewInventoryRefresher(licenses, cfg.Metrics.RefreshSchedule, logger)
	}
	return s, nil
}

// healthHandler reports ok while the database answers a ping
func healthHandler(db *gorm.DB, version string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.PingContext(ctx)
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "unavailable",
				"service": "flux",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "flux",
			"version": version,
		})
	}
}
