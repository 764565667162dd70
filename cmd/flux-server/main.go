// Package main is the entrypoint for the Flux license server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mikepea/flux/pkg/flux/config"
	"github.com/mikepea/flux/pkg/flux/database"
	"github.com/mikepea/flux/pkg/flux/logging"
	"github.com/mikepea/flux/pkg/flux/middleware"
	"github.com/mikepea/flux/pkg/flux/models"
	"github.com/mikepea/flux/pkg/flux/server"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "flux-server",
		Short: "Flux license key server",
		Long: `Flux issues license keys, binds them to machine fingerprints and
answers validation requests from client applications.

Configuration is read from FLUX_* environment variables and the optional
YAML file named by FLUX_CONFIG.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		newVersionCmd(),
		newServeCmd(),
		newKeysCmd(),
	)

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Flux %s\n", Version)
			fmt.Fprintf(out, "  Commit:     %s\n", Commit)
			fmt.Fprintf(out, "  Built:      %s\n", BuildDate)
			fmt.Fprintf(out, "  Go version: %s\n", runtime.Version())
		},
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return runServer(cfg)
		},
	}
}

// openDatabase connects and migrates the configured database
func openDatabase(cfg *config.Config, logger zerolog.Logger) (*gorm.DB, error) {
	if err := database.Connect(cfg.Database, logger); err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	db := database.GetDB()
	if err := models.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return db, nil
}

func runServer(cfg *config.Config) error {
	logger := logging.New(cfg, Version)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := openDatabase(cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to open database")
		return err
	}
	logger.Info().Str("driver", cfg.Database.Driver).Msg("Database migrations completed")

	store, closeStore, err := middleware.NewRateLimitStore(cfg.Limits.RedisURL)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create rate limit store")
		return err
	}
	defer closeStore()

	srv, err := server.New(cfg, db, logger, server.Options{RateLimitStore: store, Version: Version})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize router")
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if srv.Inventory != nil {
		if err := srv.Inventory.Start(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to start inventory refresher")
		} else {
			defer srv.Inventory.Stop()
		}
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", httpServer.Addr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down server")
	case err := <-serveErr:
		logger.Error().Err(err).Msg("HTTP server error")
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown error")
		return err
	}

	logger.Info().Msg("Server stopped gracefully")
	return nil
}
