// Package main is the entry point for the calendar sync daemon.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bookpilot/calsync/internal/bookings"
	"github.com/bookpilot/calsync/internal/config"
	"github.com/bookpilot/calsync/internal/conflicts"
	"github.com/bookpilot/calsync/internal/crypto"
	"github.com/bookpilot/calsync/internal/database"
	"github.com/bookpilot/calsync/internal/engine"
	"github.com/bookpilot/calsync/internal/events"
	"github.com/bookpilot/calsync/internal/integrations"
	"github.com/bookpilot/calsync/internal/notify"
	"github.com/bookpilot/calsync/internal/provider"
	"github.com/bookpilot/calsync/internal/queue"
	"github.com/bookpilot/calsync/internal/ratelimit"
	"github.com/bookpilot/calsync/internal/server"
	"github.com/bookpilot/calsync/internal/syncjobs"
	"github.com/bookpilot/calsync/internal/tokens"
	"github.com/bookpilot/calsync/internal/util"
	"github.com/bookpilot/calsync/internal/workers"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefaultLogger(logger)

	logger.Info("Starting calendar sync daemon",
		"version", "1.0.0",
		"port", cfg.Server.Port,
	)

	db, err := database.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	logger.Info("Database initialized", "path", cfg.Database.Path)

	encryptor, err := crypto.NewEncryptor(cfg.Auth.EncryptionKey)
	if err != nil {
		return fmt.Errorf("failed to initialize encryption: %w", err)
	}

	// Repositories
	integRepo := integrations.NewRepository(db)
	bookingRepo := bookings.NewRepository(db)
	eventRepo := events.NewRepository(db)
	recordRepo := syncjobs.NewRepository(db)
	reviewRepo := conflicts.NewRepository(db)

	// Notification sinks
	notifier := notify.NewManager()
	notifier.RegisterProvider(notify.NewLogProvider())
	if cfg.Notify.Webhook.Enabled {
		notifier.RegisterProvider(notify.NewWebhookProvider(cfg.Notify.Webhook))
	}

	// Provider adapters
	registry := provider.NewRegistry(
		provider.NewGoogleAdapter(cfg.Google, encryptor),
		provider.NewOutlookAdapter(cfg.Outlook, encryptor),
		provider.NewICalAdapter(),
	)

	coordinator := tokens.NewCoordinator(cfg, integRepo, encryptor, notifier)

	taskQueue := queue.New(cfg.Queue.Workers, cfg.Queue.LaneCapacity)

	eng := engine.New(cfg, engine.Deps{
		Integrations: integRepo,
		Bookings:     bookingRepo,
		Events:       eventRepo,
		Records:      recordRepo,
		Reviews:      reviewRepo,
		Detector:     conflicts.NewDetector(bookingRepo, cfg.Conflicts),
		Resolver:     conflicts.NewResolver(bookingRepo, reviewRepo, notifier),
		Providers:    registry,
		Limiter:      ratelimit.NewRegistry(cfg.RateLimit),
		Queue:        taskQueue,
		Notifier:     notifier,
		Tokens:       coordinator,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	taskQueue.Start(ctx)

	// Scheduled maintenance jobs
	runner := workers.NewRunner()
	err = workers.RegisterAll(ctx, runner, cfg, workers.Deps{
		Engine:       eng,
		Tokens:       coordinator,
		Integrations: integRepo,
		Records:      recordRepo,
		Reviews:      reviewRepo,
	})
	if err != nil {
		return fmt.Errorf("failed to register workers: %w", err)
	}
	runner.Start()

	srv := server.New(cfg, db, eng, integRepo, bookingRepo, recordRepo, reviewRepo)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening",
			"addr", httpServer.Addr,
			"base_url", cfg.Server.BaseURL,
		)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("Received shutdown signal", "signal", sig.String())
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	}

	logger.Info("Shutting down gracefully...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
	}

	runner.Stop()
	taskQueue.Stop()

	logger.Info("Daemon stopped")
	return nil
}
