// Package main is the entry point for the Coffer treasury tracker.
// Coffer ingests trades, transfers and balances for one asset pair from
// several trading venues into a durable local cache, then reports the
// treasury position and FIFO profit over windows longer than any single
// venue's API retention.
//
// The application follows clean architecture principles:
// - Domain layer is pure (no infrastructure dependencies)
// - Dependency injection via DI container
// - Repository pattern for data access
// - Service layer for business logic
// - HTTP handlers for API endpoints
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cofferhq/coffer/internal/config"
	"github.com/cofferhq/coffer/internal/di"
	"github.com/cofferhq/coffer/internal/server"
	"github.com/cofferhq/coffer/pkg/logger"
)

// main orchestrates the startup sequence:
// 1. Load configuration from environment variables (.env supported)
// 2. Initialize structured logging
// 3. Wire all dependencies via the DI container (databases, repositories,
//    venue clients, services, scheduled jobs)
// 4. Start the optional streaming price feed
// 5. Start the cron scheduler and the HTTP server
// 6. Wait for SIGINT/SIGTERM and shut down gracefully
//
// The application uses a 2-database architecture:
// - cache.db: durable trade cache (trades, transfers, ingest runs)
// - history.db: derived data (daily price marks, report snapshots)
func main() {
	// Load configuration first to get log level
	cfg, err := config.Load()
	if err != nil {
		// Use fallback logger if config fails
		fallbackLog := logger.New(logger.Config{
			Level:  "info",
			Pretty: true,
		})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Initialize logger with config level
	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: true,
	})

	log.Info().
		Str("symbol", cfg.Symbol()).
		Int("venue_accounts", len(cfg.Venues)).
		Bool("mock_venues", cfg.MockVenues).
		Msg("Starting Coffer")

	// Wire all dependencies using DI container.
	// Databases are opened and migrated first, then repositories,
	// services and scheduled jobs are built on top of them.
	container, jobs, err := di.Wire(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}

	// Cleanup databases on exit. Both stores must close properly so WAL
	// checkpoints are written.
	defer container.Close()

	// Start the streaming price feed when configured. Feed failures are
	// not fatal: reports fall back to venue REST prices.
	if container.Feed != nil {
		if err := container.Feed.Start(); err != nil {
			log.Error().Err(err).Msg("Failed to start price feed, reports will use venue REST prices")
		} else {
			log.Info().Msg("Price feed started")
		}
	}

	// Initialize HTTP server. Handlers read through the same
	// repositories and services the jobs write through.
	srvCfg := server.Config{
		Log:       log,
		Port:      cfg.Port,
		DevMode:   cfg.DevMode,
		DataDir:   cfg.DataDir,
		Symbol:    cfg.Symbol(),
		Databases: container.Databases(),
		Reports:   container.ReportService,
		Cache:     container.CacheRepo,
		Runs:      container.RunRepo,
		Balances:  container.Coordinator,
		Sync:      jobs.Sync,
		Snapshots: container.SnapshotRepo,
		Trends:    container.PriceService,
		Marks:     container.MarkRepo,
		Breakers:  container.Breakers,
		Jobs:      container.Scheduler,
	}
	// A disabled feed must stay an untyped nil in the interface field
	if container.Feed != nil {
		srvCfg.Feed = container.Feed
	}
	srv := server.New(srvCfg)

	// Begin firing jobs on their cron schedules
	container.Scheduler.Start()

	// Warm the cache right away instead of waiting for the first
	// scheduled cycle
	go func() {
		if err := jobs.Sync.Run(); err != nil {
			log.Error().Err(err).Msg("Startup sync failed")
		}
	}()

	// Start server in goroutine. ErrServerClosed is the normal result
	// of a graceful shutdown.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	// Stop scheduling new jobs and wait for a running cycle to finish
	container.Scheduler.Stop()

	// Close the feed connection
	if container.Feed != nil {
		if err := container.Feed.Stop(); err != nil {
			log.Error().Err(err).Msg("Error stopping price feed")
		}
	}

	// Graceful shutdown: in-flight requests get up to 10 seconds
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
}
