// Delegate runtime server — admits, schedules, and executes delegated
// subagent runs over HTTP, with adaptive rate learning and a WebSocket
// live view.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/codeready-toolchain/delegate/pkg/admission"
	"github.com/codeready-toolchain/delegate/pkg/agent"
	"github.com/codeready-toolchain/delegate/pkg/api"
	"github.com/codeready-toolchain/delegate/pkg/config"
	"github.com/codeready-toolchain/delegate/pkg/events"
	"github.com/codeready-toolchain/delegate/pkg/health"
	"github.com/codeready-toolchain/delegate/pkg/orchestrator"
	"github.com/codeready-toolchain/delegate/pkg/ratelimit"
	"github.com/codeready-toolchain/delegate/pkg/storage"
	"github.com/codeready-toolchain/delegate/pkg/version"
)

const shutdownTimeout = 15 * time.Second

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	envFile := flag.String("env-file", ".env", "Path to environment file")
	workerCmd := flag.String("worker", getEnv("DELEGATE_WORKER_CMD", "delegate-worker"),
		"Subagent worker command")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		slog.Warn("Could not load env file, continuing with existing environment",
			"path", *envFile, "error", err)
	}

	httpPort := getEnv("HTTP_PORT", "8080")

	slog.Info("Starting delegate",
		"version", version.Full(),
		"http_port", httpPort,
		"worker", *workerCmd)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if cfg.Disabled {
		slog.Warn("Runtime is disabled; run operations will be rejected")
	}

	store, err := storage.New(cfg.StateDir)
	if err != nil {
		slog.Error("Failed to open run storage", "state_dir", cfg.StateDir, "error", err)
		os.Exit(1)
	}

	limits, err := ratelimit.NewController(cfg)
	if err != nil {
		slog.Error("Failed to load adaptive rate state", "error", err)
		os.Exit(1)
	}
	defer limits.Close()

	adm := admission.NewController(cfg)
	defer adm.Close()

	adjuster := health.NewAdjuster(cfg.MaxParallelSubagents, cfg.RecoveryInterval)
	defer adjuster.Close()

	eventHub := events.NewManager()
	invoker := agent.NewProcessInvoker(*workerCmd)
	orch := orchestrator.New(cfg, store, adm, limits, adjuster, invoker, eventHub)

	server := api.NewServer(cfg, store, orch, adm, limits, adjuster, eventHub)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + httpPort
		slog.Info("HTTP server listening", "addr", addr)
		if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-errCh:
		slog.Error("Shutting down after server error", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		slog.Error("HTTP shutdown incomplete", "error", err)
	}
	slog.Info("Delegate stopped")
}
