// Command parley runs the chat orchestration service: it connects the
// configured tool servers, wires the agent engine, and serves the
// WebSocket chat API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/parleyhq/parley/pkg/agent/controller"
	"github.com/parleyhq/parley/pkg/api"
	"github.com/parleyhq/parley/pkg/approval"
	"github.com/parleyhq/parley/pkg/config"
	"github.com/parleyhq/parley/pkg/database"
	"github.com/parleyhq/parley/pkg/events"
	"github.com/parleyhq/parley/pkg/executor"
	"github.com/parleyhq/parley/pkg/llm"
	"github.com/parleyhq/parley/pkg/mcp"
	"github.com/parleyhq/parley/pkg/rag"
)

func main() {
	if err := run(); err != nil {
		slog.Error("parley failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()
	setupLogging()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	configPath := envOr("CONFIG_PATH", "config.yaml")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	registry := config.NewServerRegistry(cfg.Servers)

	// Storage: PostgreSQL when configured, in-memory otherwise.
	var (
		tokens  mcp.TokenStorage = mcp.NewMemoryTokenStorage()
		persist events.Publisher
	)
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		db, err := database.Open(ctx, dsn)
		if err != nil {
			return err
		}
		defer db.Close()
		tokens = mcp.NewSQLTokenStorage(db)
		persist = events.NewPGPublisher(db)
	}

	projectRoot, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("resolving working directory: %w", err)
	}

	manager := mcp.NewManager(registry, tokens, cfg.Timeouts, cfg.Reconnect, projectRoot)
	defer manager.Close()
	manager.Initialize(ctx)
	manager.StartBackgroundReconnect(ctx)
	if failed := manager.FailedServers(); len(failed) > 0 {
		for name, rec := range failed {
			slog.Warn("tool server unavailable at startup",
				"server", name, "error", rec.LastError)
		}
	}

	broker := approval.NewBroker()
	signer := executor.NewURLSigner(cfg.DownloadSigningKey, cfg.DownloadBaseURL)

	var retrieval rag.Service
	// Retrieval backends register here when configured; nil disables the
	// RAG pre-query path and the adapter falls back to plain streaming.

	adapter := llm.NewAdapter(llm.NewHTTPCaller(cfg.Models), retrieval)

	exec := executor.New(manager, broker, registry, cfg.Approval, cfg.Timeouts, signer, nil)
	factory := controller.NewFactory(&controller.Deps{
		LLM:      adapter,
		Runner:   executor.NewDispatcher(exec, false),
		Timeouts: cfg.Timeouts,
	})

	chat := api.NewChatService(cfg, manager, adapter, factory)
	gateway := api.NewGateway(chat, broker, persist)
	server := api.NewServer(gateway, manager, tokens, signer, nil)

	addr := envOr("LISTEN_ADDR", ":8080")
	slog.Info("parley listening", "addr", addr, "servers", registry.Names())

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(addr) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("shutting down")
		return server.Shutdown(context.Background())
	}
}

func setupLogging() {
	level := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
