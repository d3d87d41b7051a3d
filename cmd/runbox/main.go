// Package main is the entry point for the Runbox tool and prompt server.
// It owns the per-user executor containers and exposes code execution,
// workspace file I/O, and skill prompts over MCP.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/runbox/runbox/internal/common/config"
	"github.com/runbox/runbox/internal/common/logger"
	"github.com/runbox/runbox/internal/events"
	"github.com/runbox/runbox/internal/executor"
	"github.com/runbox/runbox/internal/executor/docker"
	"github.com/runbox/runbox/internal/mcpserver"
	"github.com/runbox/runbox/internal/skills"
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

	log.Info("Starting Runbox tool server...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Event bus (in-memory by default, NATS when configured)
	providedBus, busCleanup, err := events.Provide(cfg.Events, events.SourceToolServer, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()

	// 4. Container manager (requires a reachable Docker daemon)
	dockerClient, err := docker.NewClient(cfg.Executor, log)
	if err != nil {
		log.Fatal("Failed to initialize Docker client", zap.Error(err))
	}
	manager := executor.NewManager(dockerClient, cfg.Executor, providedBus.Bus, log)
	defer manager.Close()

	if err := manager.Ping(ctx); err != nil {
		log.Fatal("Docker daemon not reachable", zap.Error(err))
	}
	log.Info("Connected to Docker daemon")

	if cfg.Executor.OrphanCleanup {
		manager.CleanupOrphans(ctx)
	}

	// 5. Exec engine and skill registry
	engine := executor.NewEngine(manager, cfg.Executor, providedBus.Bus, log)
	registry := skills.NewRegistry(cfg.Skills.Path, log)
	log.Info("Skill registry initialized", zap.Int("skills", len(registry.List())))

	// 6. MCP server (Streamable HTTP + SSE + HTTP side-endpoints)
	_, srvCleanup, err := mcpserver.Provide(ctx, cfg.Server, engine, manager, registry, log)
	if err != nil {
		log.Fatal("Failed to start MCP server", zap.Error(err))
	}

	// 7. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Runbox tool server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srvCleanup(); err != nil {
		log.Error("MCP server shutdown error", zap.Error(err))
	}
	manager.ReleaseAll(shutdownCtx)

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Runbox tool server stopped")
}
