// Forgeloop orchestrator server. Exposes the HTTP API, drives build
// executions and manages the remote sandbox pool.
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

	"github.com/forgeworks/forgeloop/pkg/api"
	"github.com/forgeworks/forgeloop/pkg/config"
	"github.com/forgeworks/forgeloop/pkg/events"
	"github.com/forgeworks/forgeloop/pkg/gateway"
	"github.com/forgeworks/forgeloop/pkg/orchestrator"
	"github.com/forgeworks/forgeloop/pkg/providers/botapi"
	"github.com/forgeworks/forgeloop/pkg/providers/chatapi"
	"github.com/forgeworks/forgeloop/pkg/sandbox"
	"github.com/forgeworks/forgeloop/pkg/session"
	"github.com/forgeworks/forgeloop/pkg/version"
)

func main() {
	envPath := flag.String("env-file", ".env", "Path to the environment file")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil {
		slog.Warn("Could not load env file, continuing with existing environment",
			"path", *envPath, "error", err)
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting forgeloop",
		"version", version.Full(),
		"http_port", cfg.HTTPPort,
		"vps_host", cfg.Sandbox.VPSHost)

	// 1. Sandbox transport and pool
	key, err := os.ReadFile(cfg.Sandbox.VPSSSHKey)
	if err != nil {
		slog.Error("Failed to read SSH key", "path", cfg.Sandbox.VPSSSHKey, "error", err)
		os.Exit(1)
	}
	transport, err := sandbox.NewSSHTransport(cfg.Sandbox.VPSHost, cfg.Sandbox.VPSUser, string(key))
	if err != nil {
		slog.Error("Failed to initialize SSH transport", "host", cfg.Sandbox.VPSHost, "error", err)
		os.Exit(1)
	}
	sandboxManager := sandbox.NewManager(cfg.Sandbox, transport)

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	health := sandboxManager.HealthCheck(startupCtx)
	startupCancel()
	if !health.Healthy {
		// Degraded start is allowed; executions will fail fast until the
		// engine comes back.
		slog.Warn("Container engine unreachable at startup", "error", health.Error)
	} else {
		slog.Info("Container engine reachable", "engine_version", health.EngineVersion)
	}

	// 2. Streaming infrastructure. The publisher and connection manager
	// reference each other, so the broadcaster is linked late.
	publisher := events.NewPublisher(nil)
	connManager := events.NewConnectionManager(publisher, 10*time.Second)
	publisher.SetBroadcaster(connManager)

	// 3. Session store
	store := session.NewStore(session.Options{
		TTL:           cfg.Session.TTL,
		SweepInterval: cfg.Session.SweepInterval,
		HistoryLimit:  cfg.Session.HistoryLimit,
		HistoryKeep:   cfg.Session.HistoryKeep,
	})

	// 4. LLM gateway over the two provider adapters
	chatClient := chatapi.NewClient(cfg.Chat)
	botClient := botapi.NewClient(cfg.Bot)
	gw := gateway.New(cfg.Gateway, chatClient, botClient)
	slog.Info("Gateway initialized",
		"chat_primary", cfg.Chat.PrimaryURL,
		"chat_fallback", cfg.Chat.FallbackURL,
		"bot_base", cfg.Bot.BaseURL)

	// 5. Orchestrator and HTTP server
	orch := orchestrator.New(cfg.Orchestrator, sandboxManager, store, publisher)
	server := api.NewServer(orch, sandboxManager, gw, store, publisher, connManager)

	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// 6. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 7. Graceful shutdown: stop taking work, destroy all sandboxes, flush
	// HTTP, then release everything else.
	orch.StopAccepting()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	orch.StopAll(shutdownCtx, "shutdown")
	result := sandboxManager.CleanupAll(shutdownCtx)
	cancel()
	slog.Info("Sandboxes cleaned up",
		"total", result.Total, "ok", result.OK, "failed", result.Failed)

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := httpServer.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}
	httpCancel()

	sandboxManager.Close()
	store.Close()
	if err := transport.Close(); err != nil {
		slog.Warn("SSH transport close error", "error", err)
	}

	slog.Info("Shutdown complete")
}
