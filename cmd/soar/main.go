// Rampart SOAR core server: consumes the durable security event
// stream, triggers and executes playbooks, and serves the HTTP API with
// the live progress channel.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/rampartsec/rampart/pkg/actions"
	"github.com/rampartsec/rampart/pkg/api"
	"github.com/rampartsec/rampart/pkg/audit"
	"github.com/rampartsec/rampart/pkg/bus"
	"github.com/rampartsec/rampart/pkg/config"
	"github.com/rampartsec/rampart/pkg/database"
	"github.com/rampartsec/rampart/pkg/events"
	"github.com/rampartsec/rampart/pkg/executor"
	"github.com/rampartsec/rampart/pkg/metrics"
	"github.com/rampartsec/rampart/pkg/models"
	"github.com/rampartsec/rampart/pkg/queue"
	"github.com/rampartsec/rampart/pkg/store"
	"github.com/rampartsec/rampart/pkg/stream"
	"github.com/rampartsec/rampart/pkg/trigger"
)

// Exit codes: 0 graceful shutdown, 1 runtime failure, 2 misconfiguration.
const (
	exitFailure   = 1
	exitBadConfig = 2
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolvePodID determines the pod identifier for multi-replica
// coordination. Priority: POD_ID env > HOSTNAME env > "local".
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "."),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Info("No .env file, continuing with existing environment", "path", envPath)
	}

	podID := resolvePodID()
	ctx := context.Background()

	cfg, err := config.Load(filepath.Join(*configDir, "soar.yaml"))
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(exitBadConfig)
	}

	dbCfg, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database configuration", "error", err)
		os.Exit(exitBadConfig)
	}

	validator, err := api.ParseStaticTokens(os.Getenv("API_TOKENS"))
	if err != nil {
		slog.Error("Failed to parse API_TOKENS", "error", err)
		os.Exit(exitBadConfig)
	}
	if len(validator) == 0 {
		slog.Warn("No API tokens configured; all authenticated endpoints will reject")
	}

	slog.Info("Starting rampart", "pod_id", podID, "config_dir", *configDir)

	dbClient, err := database.NewClient(ctx, dbCfg)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(exitFailure)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	db := dbClient.DB()

	eventStream, err := stream.New(ctx, cfg.Redis)
	if err != nil {
		slog.Error("Failed to connect to redis", "error", err)
		os.Exit(exitFailure)
	}
	defer func() {
		if err := eventStream.Close(); err != nil {
			slog.Error("Error closing event stream", "error", err)
		}
	}()
	if err := eventStream.EnsureGroup(ctx); err != nil {
		slog.Error("Failed to create consumer group", "error", err)
		os.Exit(exitFailure)
	}

	st := store.NewPostgresStore(db)

	registry := actions.NewRegistry(nil)
	if err := actions.RegisterBuiltins(registry); err != nil {
		slog.Error("Failed to register built-in actions", "error", err)
		os.Exit(exitFailure)
	}

	// Live progress channel: publisher, catchup store, connection
	// manager and the dedicated LISTEN connection.
	livePublisher := events.NewPublisher(db)
	catchup := events.NewCatchupStore(db)
	connManager := events.NewConnectionManager(
		api.NewWSAuthenticator(validator),
		api.NewExecutionAuthorizer(st),
		catchup,
		cfg.Live.PingInterval,
		cfg.Live.IdleTimeout,
		cfg.Live.CatchupLimit,
	)
	notifyListener := events.NewNotifyListener(dbCfg.DSN(), connManager)
	if err := notifyListener.Start(ctx); err != nil {
		slog.Error("Failed to start notify listener", "error", err)
		os.Exit(exitFailure)
	}
	defer notifyListener.Stop(ctx)
	connManager.SetListener(notifyListener)

	// Job queue and executor pool.
	repo := queue.NewRepo(db)
	metrics.RegisterQueueDepth(func() float64 {
		depthCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		n, err := repo.Depth(depthCtx)
		if err != nil {
			return 0
		}
		return float64(n)
	})

	exec := executor.New(st, registry, livePublisher, cfg)
	connManager.SetTestRunner(exec)
	pool := queue.NewWorkerPool(podID, repo, &cfg.Queue, exec)
	if err := pool.Start(ctx); err != nil {
		slog.Error("Failed to start worker pool", "error", err)
		os.Exit(exitFailure)
	}

	// Trigger engine on the durable stream.
	engine := trigger.NewEngine(eventStream, st, repo, cfg, podID)
	engine.Start(ctx)

	// Retention sweeps for audit entries and persisted live events.
	janitor := audit.NewJanitor(st, catchup, cfg.Audit)
	janitor.Start(ctx)

	// Event ingest path: durable append plus local fan-out.
	localBus := bus.New()
	localBus.Subscribe(func(ev models.Event) {
		slog.Debug("Event ingested",
			"event_id", ev.ID, "event_type", ev.Type, "organization_id", ev.OrganizationID)
	})
	publisher := bus.NewPublisher(eventStream, localBus)

	server := api.NewServer(st, publisher, pool, exec, connManager, validator, db, cfg.Server)
	httpServer := server.HTTPServer()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("Rampart started",
		"pod_id", podID,
		"workers", cfg.Queue.WorkerCount,
		"trigger_consumers", cfg.Trigger.Concurrency)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	exitCode := 0
	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", fmt.Sprint(sig))
	case err := <-errCh:
		slog.Error("HTTP server failed", "error", err)
		exitCode = exitFailure
	}

	// Stop intake first so the pool drains instead of refilling.
	engine.Stop()
	janitor.Stop()

	drainCtx, cancelDrain := context.WithTimeout(ctx, cfg.Queue.GracefulShutdownTimeout)
	defer cancelDrain()
	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Worker pool stopped gracefully")
	case <-drainCtx.Done():
		slog.Warn("Shutdown timeout exceeded; in-flight executions will be orphan-recovered")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(ctx, 5*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
	os.Exit(exitCode)
}
