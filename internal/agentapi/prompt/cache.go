// Package prompt serves the agent system prompt published by the tool
// server, cached with a TTL and backed by a static fallback so the bridge
// keeps answering when the tool server is down.
package prompt

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/runbox/runbox/internal/common/config"
	"github.com/runbox/runbox/internal/common/logger"
)

// Source yields the system prompt for a chat turn. Implemented by *Cache.
type Source interface {
	SystemPrompt(ctx context.Context) string
}

// Cache is a single-slot TTL cache over a Fetcher. Concurrent refreshes
// collapse into one upstream fetch; a failed or empty fetch is never
// cached, so the next call retries while callers get the fallback.
type Cache struct {
	fetcher      Fetcher
	ttl          time.Duration
	fetchTimeout time.Duration
	fallback     string
	logger       *logger.Logger

	mu        sync.RWMutex
	value     string
	fetchedAt time.Time

	group singleflight.Group
	now   func() time.Time // swapped in tests
}

// NewCache creates a prompt cache. TTL, fetch timeout and the fallback
// prompt come from the bridge configuration.
func NewCache(fetcher Fetcher, cfg config.AgentAPIConfig, log *logger.Logger) *Cache {
	return &Cache{
		fetcher:      fetcher,
		ttl:          cfg.PromptCacheTTLDuration(),
		fetchTimeout: cfg.PromptFetchTimeoutDuration(),
		fallback:     cfg.SystemPrompt,
		logger:       log.WithFields(zap.String("component", "prompt")),
		now:          time.Now,
	}
}

// SystemPrompt returns the cached prompt when fresh, otherwise fetches a
// new one. On fetch failure it returns the static fallback; the failure is
// logged, not surfaced, so a chat turn never dies on a stale prompt.
func (c *Cache) SystemPrompt(ctx context.Context) string {
	c.mu.RLock()
	value, fetchedAt := c.value, c.fetchedAt
	c.mu.RUnlock()

	if value != "" && c.now().Sub(fetchedAt) < c.ttl {
		return value
	}

	fetched, err, _ := c.group.Do("system_prompt", func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
		defer cancel()

		text, err := c.fetcher.FetchPrompt(fetchCtx)
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(text) == "" {
			return "", errors.New("tool server returned an empty prompt")
		}

		c.mu.Lock()
		c.value = text
		c.fetchedAt = c.now()
		c.mu.Unlock()
		return text, nil
	})
	if err != nil {
		c.logger.Warn("Failed to fetch system prompt, using fallback", zap.Error(err))
		return c.fallback
	}
	return fetched.(string)
}
