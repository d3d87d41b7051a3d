package agentapi

import (
	"context"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/runbox/runbox/internal/agentapi/agent"
	"github.com/runbox/runbox/internal/agentapi/prompt"
	"github.com/runbox/runbox/internal/agentapi/session"
	"github.com/runbox/runbox/internal/common/config"
	"github.com/runbox/runbox/internal/common/logger"
	"github.com/runbox/runbox/internal/events/bus"
)

// Provide assembles and starts the agent bridge: model client, prompt
// cache, session store, runtime cache, runner, HTTP server. Returns a
// cleanup function that stops it all.
func Provide(ctx context.Context, cfg config.AgentAPIConfig, eventBus bus.EventBus,
	log *logger.Logger) (*Server, func() error, error) {
	clientCfg := openai.DefaultConfig(cfg.ModelAPIKey)
	if cfg.ModelBaseURL != "" {
		clientCfg.BaseURL = cfg.ModelBaseURL
	}
	modelClient := openai.NewClientWithConfig(clientCfg)

	prompts := prompt.NewCache(prompt.NewMCPPromptFetcher(cfg.MCPServerURL), cfg, log)
	sessions := session.NewStore(cfg.SessionTimeoutDuration(), eventBus, log)
	runtimes := agent.NewRuntimeCache(cfg, prompts, agent.DialMCP, log)
	runner := agent.NewRunner(modelClient, cfg, log)

	srv := New(cfg, runner, runtimes, sessions, eventBus, log)
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
