package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hris-platform/identity-sync/internal/api"
	"github.com/hris-platform/identity-sync/internal/config"
	"github.com/hris-platform/identity-sync/internal/directory"
	"github.com/hris-platform/identity-sync/internal/notify"
	"github.com/hris-platform/identity-sync/internal/service"
	"github.com/hris-platform/identity-sync/internal/store"
	syncengine "github.com/hris-platform/identity-sync/internal/sync"
	"github.com/hris-platform/identity-sync/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the identity sync daemon",
	Long: `Start the identity sync daemon: the admin sync API, the background worker
pool and the retry sweep.

The daemon requires a configuration file (--config) that specifies:
- Directory API credentials (tenant, client id, client secret file)
- Worker pool, retry and sweep settings
- An optional database section; without it users live in memory

See examples/ directory for sample configurations.`,
	RunE: runServe,
}

const (
	defaultGracefulTimeout = 30 * time.Second
	serverRequestTimeout   = 20 * time.Second
	serverReadTimeout      = 10 * time.Second
	serverWriteTimeout     = 25 * time.Second // Must be > serverRequestTimeout to let middleware handle timeout
	serverIdleTimeout      = 60 * time.Second
)

func init() {
	serveCmd.Flags().String("address", ":8080", "Address to listen on")
	serveCmd.Flags().String("config", "", "Path to configuration file (YAML format, required)")

	if err := viper.BindPFlag("address", serveCmd.Flags().Lookup("address")); err != nil {
		slog.Error("Failed to bind address flag", "error", err)
		os.Exit(1)
	}
	if err := viper.BindPFlag("config", serveCmd.Flags().Lookup("config")); err != nil {
		slog.Error("Failed to bind config flag", "error", err)
		os.Exit(1)
	}

	if err := serveCmd.MarkFlagRequired("config"); err != nil {
		slog.Error("Failed to mark config flag as required", "error", err)
		os.Exit(1)
	}
}

// buildStore selects the user store implementation from the configuration.
// Without a database section the daemon runs on the in-memory store.
func buildStore(cfg *config.Config) (store.UserStore, func(), error) {
	if cfg.Database == nil {
		slog.Info("No database configured, using in-memory user store")
		return store.NewMemoryStore(), func() {}, nil
	}

	userStore, db, err := store.NewPostgresStore(cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create database store: %w", err)
	}
	cleanup := func() {
		if err := db.Close(); err != nil {
			slog.Error("Failed to close database connection", "error", err)
		}
	}
	return userStore, cleanup, nil
}

func runServe(_ *cobra.Command, _ []string) error {
	address := viper.GetString("address")

	slog.Info("Starting identity sync daemon", "address", address)

	configPath := viper.GetString("config")
	cfg, err := config.LoadConfig(config.WithConfigPath(configPath))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	slog.Info("Loaded configuration",
		"path", configPath,
		"directory_base_url", cfg.Directory.GetBaseURL(),
		"workers", cfg.Sync.GetWorkers())

	userStore, cleanup, err := buildStore(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	tokens, err := directory.NewTokenProvider(&cfg.Directory)
	if err != nil {
		return fmt.Errorf("failed to create token provider: %w", err)
	}
	client := directory.NewClient(&cfg.Directory, tokens)

	metrics := telemetry.NewMetrics()

	notifier := notify.NewLogNotifier(notify.WithDroppedCallback(func() {
		metrics.DroppedEvents.Inc()
	}))
	defer notifier.Close()

	engine := syncengine.NewEngine(userStore, client, notifier,
		cfg.Sync.GetRetryLimit(), cfg.Sync.GetRetryDelays())

	orchestrator := syncengine.NewOrchestrator(engine, userStore, metrics,
		cfg.Sync.GetWorkers(), cfg.Sync.GetQueueSize(),
		cfg.Sync.GetSweepInterval(), cfg.Sync.GetStuckThreshold())

	orchestratorCtx, orchestratorCancel := context.WithCancel(context.Background())
	defer orchestratorCancel()
	orchestrator.Start(orchestratorCtx)

	svc := service.NewService(userStore, client, orchestrator)

	router := api.NewServer(svc,
		api.WithMetricsHandler(metrics.Handler()),
		api.WithMiddlewares(
			middleware.RequestID,
			middleware.RealIP,
			middleware.Recoverer,
			middleware.Timeout(serverRequestTimeout),
			api.LoggingMiddleware,
		),
	)

	server := &http.Server{
		Addr:         address,
		Handler:      router,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	go func() {
		slog.Info("Server listening", "address", address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Failed to start server", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shut down
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down daemon...")

	orchestrator.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		return err
	}

	slog.Info("Daemon shutdown complete")
	return nil
}
