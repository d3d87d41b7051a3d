package mcpserver

import (
	"context"
	"sync"
	"time"

	"github.com/runbox/runbox/internal/common/config"
	"github.com/runbox/runbox/internal/common/logger"
	"github.com/runbox/runbox/internal/executor"
	"github.com/runbox/runbox/internal/skills"
)

// Provide starts the tool server and returns a cleanup function to stop it.
// This is useful for integration with dependency injection frameworks.
func Provide(ctx context.Context, cfg config.ServerConfig, engine *executor.Engine,
	manager *executor.Manager, registry *skills.Registry, log *logger.Logger) (*Server, func() error, error) {
	srv := New(cfg, engine, manager, registry, log)
	if err := srv.Start(ctx); err != nil {
		return nil, nil, err
	}

	var stopOnce sync.Once
	cleanup := func() error {
		var stopErr error
		stopOnce.Do(func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			stopErr = srv.Stop(stopCtx)
		})
		return stopErr
	}

	return srv, cleanup, nil
}
