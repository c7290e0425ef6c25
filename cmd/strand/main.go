// Strand agent runtime server — HTTP API over assistants, threads and
// runs, executing agent graphs with streaming output.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/strandlabs/strand/pkg/api"
	"github.com/strandlabs/strand/pkg/auth"
	"github.com/strandlabs/strand/pkg/catalog"
	"github.com/strandlabs/strand/pkg/checkpoint"
	"github.com/strandlabs/strand/pkg/cleanup"
	"github.com/strandlabs/strand/pkg/config"
	"github.com/strandlabs/strand/pkg/cron"
	"github.com/strandlabs/strand/pkg/engine"
	"github.com/strandlabs/strand/pkg/events"
	"github.com/strandlabs/strand/pkg/graph"
	"github.com/strandlabs/strand/pkg/llm"
	"github.com/strandlabs/strand/pkg/masking"
	"github.com/strandlabs/strand/pkg/mcp"
	"github.com/strandlabs/strand/pkg/metrics"
	"github.com/strandlabs/strand/pkg/services"
	"github.com/strandlabs/strand/pkg/storage"
	"github.com/strandlabs/strand/pkg/storage/memory"
	"github.com/strandlabs/strand/pkg/storage/postgres"
	"github.com/strandlabs/strand/pkg/version"
	"github.com/strandlabs/strand/pkg/webhook"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env from the config directory before anything reads env vars.
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	slog.Info("Starting strand",
		"version", version.Full(),
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Storage backend. Postgres is the durable default; the memory
	// backend runs without infrastructure for dev and tests.
	var (
		store        storage.Store
		checkpointer checkpoint.Checkpointer
		publisher    events.Publisher
		pgStore      *postgres.Store
	)
	backend := getEnv("DB_BACKEND", "postgres")
	switch backend {
	case "memory":
		memStore := memory.NewStore()
		store = memStore
		checkpointer = checkpoint.NewMemorySaver()
		publisher = events.NewLocalPublisher(memStore.Events())
		slog.Info("Using in-memory storage backend")
	case "postgres":
		dbCfg, err := postgres.LoadConfigFromEnv()
		if err != nil {
			slog.Error("Failed to load database config", "error", err)
			os.Exit(1)
		}
		pgStore, err = postgres.New(ctx, dbCfg)
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		store = pgStore
		checkpointer = checkpoint.NewPostgresSaver(pgStore.DB())
		publisher = events.NewPostgresPublisher(pgStore.DB())
		slog.Info("Connected to PostgreSQL database")
	default:
		slog.Error("Unknown DB_BACKEND", "backend", backend)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("Error closing storage", "error", err)
		}
	}()

	// 3. Event bus. On Postgres a dedicated LISTEN connection feeds the
	// bus so frames published on any pod reach local subscribers; the
	// memory backend dispatches in-process.
	bus := events.NewBus(publisher, store.Events(),
		cfg.Engine.ReplayBufferSize, cfg.Engine.SubscriberBufferSize, nil)
	var listener *events.NotifyListener
	if pgStore != nil {
		listener = events.NewNotifyListener(pgStore.ConnString(), bus)
		if err := listener.Start(ctx); err != nil {
			slog.Error("Failed to start NOTIFY listener", "error", err)
			os.Exit(1)
		}
		bus.SetListener(listener)
	}

	// 4. Identity verification. JWKS misconfiguration fails here, not on
	// the first request.
	verifier, err := auth.NewVerifier(ctx, *cfg.Auth)
	if err != nil {
		slog.Error("Failed to initialize identity verification", "error", err)
		os.Exit(1)
	}
	if !verifier.Enabled() {
		slog.Warn("Identity verification is disabled; all requests run as anonymous")
	}

	// 5. Agent infrastructure: LLM providers, masking, MCP tool loading,
	// the graph registry with the built-in agent loop.
	m := metrics.New()
	llmRegistry := llm.NewRegistry(cfg.LLMProviderRegistry, nil)
	masker := masking.NewService(cfg.MCPServerRegistry)
	mcpLoader := mcp.NewLoader(cfg.MCPServerRegistry, cfg.MCP, masker, store.Items())

	graphs := graph.NewRegistry(nil)
	graphs.Register(graph.DefaultID, graph.NewAgentFactory(graph.Deps{
		LLM: llmRegistry,
		MCP: mcpLoader,
	}))

	// 6. Assistant catalog sync under the system owner.
	catalogService, err := catalog.NewService(store, cfg, nil)
	if err != nil {
		slog.Error("Failed to initialize assistant catalog", "error", err)
		os.Exit(1)
	}
	if count, err := catalogService.SyncAll(ctx); err != nil {
		slog.Warn("Assistant catalog sync incomplete", "synced", count, "error", err)
	} else {
		slog.Info("Assistant catalog synced", "count", count)
	}

	// 7. Run lifecycle engine.
	notifier := webhook.NewSender(cfg.Webhook, nil)
	eng := engine.New(engine.Deps{
		Store:        store,
		Checkpointer: checkpointer,
		Graphs:       graphs,
		Bus:          bus,
		Assistants:   catalogService,
		Notifier:     notifier,
		Metrics:      m,
		Config:       cfg.Engine,
	})

	// Runs left active by a previous process are settled as interrupted;
	// nothing is auto-restarted.
	if recovered, err := eng.RecoverOrphans(ctx); err != nil {
		slog.Error("Orphan run recovery failed", "error", err)
	} else if recovered > 0 {
		slog.Info("Recovered orphaned runs", "count", recovered)
	}

	// 8. Domain services.
	assistantService := services.NewAssistantService(store, graphs)
	threadService := services.NewThreadService(store, checkpointer)
	runService := services.NewRunService(store)
	storeService := services.NewStoreService(store)
	cronService := services.NewCronService(store)

	// 9. Background loops: cron timers and retention sweeps.
	scheduler := cron.NewScheduler(store, eng, nil)
	cronService.OnChange(scheduler.Rearm)
	if err := scheduler.Start(ctx); err != nil {
		slog.Error("Failed to start cron scheduler", "error", err)
		os.Exit(1)
	}

	cleanupService := cleanup.NewService(cfg.Retention, store, checkpointer, nil)
	cleanupService.Start(ctx)

	// 10. HTTP server.
	server := api.NewServer(api.Deps{
		Config:     cfg,
		Verifier:   verifier,
		Engine:     eng,
		Graphs:     graphs,
		Storage:    store,
		Assistants: assistantService,
		Threads:    threadService,
		Runs:       runService,
		Store:      storeService,
		Crons:      cronService,
		Metrics:    m,
	})

	addr := cfg.Server.Host + ":" + strconv.Itoa(cfg.Server.Port)
	if port := os.Getenv("HTTP_PORT"); port != "" {
		addr = cfg.Server.Host + ":" + port
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", addr)
		if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Strand started successfully", "graphs", graphs.IDs())

	// 11. Wait for a shutdown signal or a listener error.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 12. Graceful shutdown. Background loops stop first so no new runs
	// are submitted; then the HTTP listener closes; then the engine
	// drains in-flight runs, which ends any SSE streams still open.
	scheduler.Stop()
	cleanupService.Stop()

	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := server.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	eng.Stop()
	notifier.Stop()

	if listener != nil {
		listenerCtx, listenerCancel := context.WithTimeout(ctx, 5*time.Second)
		listener.Stop(listenerCtx)
		listenerCancel()
	}
	bus.Stop()

	slog.Info("Shutdown complete")
}
