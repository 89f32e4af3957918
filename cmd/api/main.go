// Command api is the long-running Subwatch service: the scheduler loop, the
// maintenance tickers, the subscription change listener and the operational
// HTTP API.
//
// Usage:
//
//	subwatch-api
//	API_PORT=8080 STORE_DRIVER=sqlite subwatch-api

// @title Subwatch Notification API
// @version 1.0
// @description Operational API for the subscription notification engine: health, manual run trigger and the last run's counters.
// @host localhost:8000
// @BasePath /api/v1
// @schemes http https
// @license.name MIT
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/albapepper/subwatch/internal/api"
	"github.com/albapepper/subwatch/internal/api/handler"
	"github.com/albapepper/subwatch/internal/app"
	"github.com/albapepper/subwatch/internal/config"
	"github.com/albapepper/subwatch/internal/listener"
	"github.com/albapepper/subwatch/internal/maintenance"

	_ "github.com/albapepper/subwatch/docs" // swagger docs
)

const version = "1.0.0"

func main() {
	// Load .env if present
	_ = godotenv.Load(".env")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load configuration:", err)
		os.Exit(1)
	}
	logger := app.NewLogger(cfg, os.Stdout)

	// Context with signal handling
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to start", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	// Scheduler loop; waits for the in-flight run when ctx is cancelled.
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		_ = a.Loop.Run(ctx)
	}()

	// LISTEN/NOTIFY consumer for subscription changes (Postgres only)
	if cfg.StoreDriver == config.DriverPostgres && cfg.ListenEnabled {
		go listener.Start(ctx, cfg.DatabaseURL, a.Loop.Trigger, logger)
	} else {
		logger.Info("Subscription listener disabled", "driver", cfg.StoreDriver)
	}

	// Maintenance tickers (claim sweep, failure digest, catch-up)
	go maintenance.Start(ctx, a.MaintenanceTasks(), a.MaintenanceConfig(), logger)

	h := handler.New(a.Store, a.Loop, a.Dispatcher, version)
	router := api.NewRouter(h, cfg, logger)

	addr := fmt.Sprintf("%s:%d", cfg.APIHost, cfg.APIPort)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	go func() {
		logger.Info("Starting Subwatch API",
			"addr", addr,
			"environment", cfg.Environment,
			"docs", fmt.Sprintf("http://localhost:%d/docs/", cfg.APIPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server failed", "error", err)
			cancel()
		}
	}()

	// Wait for interrupt
	<-ctx.Done()
	logger.Info("Shutting down...")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error", "error", err)
	}
	<-loopDone
	logger.Info("Server stopped")
}
