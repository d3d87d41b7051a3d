// Package main is the entry point for the Runbox agent bridge.
// It exposes an OpenAI-compatible streaming chat API whose tool calls are
// MCP calls against the Runbox tool server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/runbox/runbox/internal/agentapi"
	"github.com/runbox/runbox/internal/common/config"
	"github.com/runbox/runbox/internal/common/logger"
	"github.com/runbox/runbox/internal/events"
	"github.com/runbox/runbox/internal/tracing"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Runbox agent bridge...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Event bus (in-memory by default, NATS when configured)
	providedBus, busCleanup, err := events.Provide(cfg.Events, events.SourceAgentBridge, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()

	// 4. Agent bridge server
	_, srvCleanup, err := agentapi.Provide(ctx, cfg.AgentAPI, providedBus.Bus, log)
	if err != nil {
		log.Fatal("Failed to start agent bridge", zap.Error(err))
	}

	// 5. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Runbox agent bridge...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srvCleanup(); err != nil {
		log.Error("Agent bridge shutdown error", zap.Error(err))
	}

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Runbox agent bridge stopped")
}
