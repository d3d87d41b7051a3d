package agent

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/runbox/runbox/internal/agentapi/prompt"
	"github.com/runbox/runbox/internal/common/config"
	"github.com/runbox/runbox/internal/common/logger"
)

// Runtime bundles what one user's chat turns need: the MCP session bound
// to the user's identity and the system prompt resolved when the runtime
// was built.
type Runtime struct {
	UserID       string
	SystemPrompt string
	Dispatcher   ToolDispatcher
}

// Connector dials the tool server on behalf of one user. DialMCP is the
// production implementation; tests substitute a stub.
type Connector func(ctx context.Context, serverURL, userID string, log *logger.Logger) (ToolDispatcher, error)

// DialMCP connects a user-scoped MCP session.
func DialMCP(ctx context.Context, serverURL, userID string, log *logger.Logger) (ToolDispatcher, error) {
	return NewMCPDispatcher(ctx, serverURL, userID, log)
}

// RuntimeCache builds and caches one Runtime per user for the process
// lifetime. Creation is serialized per user, so concurrent first requests
// from the same user dial a single MCP session.
type RuntimeCache struct {
	serverURL string
	prompts   prompt.Source
	connect   Connector
	logger    *logger.Logger

	mu        sync.Mutex
	userLocks map[string]*sync.Mutex
	runtimes  map[string]*Runtime
}

// NewRuntimeCache creates the cache. Prompts come from the TTL cache, so a
// runtime built while the tool server is down still gets the fallback.
func NewRuntimeCache(cfg config.AgentAPIConfig, prompts prompt.Source, connect Connector, log *logger.Logger) *RuntimeCache {
	return &RuntimeCache{
		serverURL: cfg.MCPServerURL,
		prompts:   prompts,
		connect:   connect,
		logger:    log.WithFields(zap.String("component", "runtime")),
		userLocks: make(map[string]*sync.Mutex),
		runtimes:  make(map[string]*Runtime),
	}
}

// Get returns the user's runtime, building it on first use.
func (rc *RuntimeCache) Get(ctx context.Context, userID string) (*Runtime, error) {
	lock := rc.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	rc.mu.Lock()
	rt, ok := rc.runtimes[userID]
	rc.mu.Unlock()
	if ok {
		return rt, nil
	}

	dispatcher, err := rc.connect(ctx, rc.serverURL, userID, rc.logger)
	if err != nil {
		return nil, err
	}

	rt = &Runtime{
		UserID:       userID,
		SystemPrompt: rc.prompts.SystemPrompt(ctx),
		Dispatcher:   dispatcher,
	}
	rc.mu.Lock()
	rc.runtimes[userID] = rt
	rc.mu.Unlock()

	rc.logger.Info("Built agent runtime",
		zap.String("user_id", userID),
		zap.Int("tools", len(dispatcher.Tools())))
	return rt, nil
}

// ActiveCount returns the number of cached runtimes.
func (rc *RuntimeCache) ActiveCount() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.runtimes)
}

// Close tears down every cached MCP session.
func (rc *RuntimeCache) Close() error {
	rc.mu.Lock()
	runtimes := make([]*Runtime, 0, len(rc.runtimes))
	for _, rt := range rc.runtimes {
		runtimes = append(runtimes, rt)
	}
	rc.runtimes = make(map[string]*Runtime)
	rc.mu.Unlock()

	var firstErr error
	for _, rt := range runtimes {
		if err := rt.Dispatcher.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// userLock returns the creation mutex for a user. Locks are never removed;
// the map stays as small as the user population.
func (rc *RuntimeCache) userLock(userID string) *sync.Mutex {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	lock, ok := rc.userLocks[userID]
	if !ok {
		lock = &sync.Mutex{}
		rc.userLocks[userID] = lock
	}
	return lock
}
