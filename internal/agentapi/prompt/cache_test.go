package prompt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runbox/runbox/internal/common/config"
	"github.com/runbox/runbox/internal/common/logger"
)

type stubFetcher struct {
	mu    sync.Mutex
	calls int
	text  string
	err   error
	delay time.Duration
}

func (f *stubFetcher) FetchPrompt(ctx context.Context) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.text, f.err
}

func (f *stubFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

func newTestCache(t *testing.T, fetcher Fetcher) (*Cache, *time.Time) {
	t.Helper()
	cfg := config.AgentAPIConfig{
		SystemPrompt:       "static fallback prompt",
		PromptCacheTTL:     3600,
		PromptFetchTimeout: 2,
	}
	c := NewCache(fetcher, cfg, newTestLogger(t))
	now := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return now }
	return c, &now
}

func TestSystemPromptCachesWithinTTL(t *testing.T) {
	fetcher := &stubFetcher{text: "live prompt with skills"}
	c, now := newTestCache(t, fetcher)

	assert.Equal(t, "live prompt with skills", c.SystemPrompt(context.Background()))
	*now = now.Add(30 * time.Minute)
	assert.Equal(t, "live prompt with skills", c.SystemPrompt(context.Background()))
	assert.Equal(t, 1, fetcher.callCount())
}

func TestSystemPromptRefetchesAfterTTL(t *testing.T) {
	fetcher := &stubFetcher{text: "v1"}
	c, now := newTestCache(t, fetcher)

	assert.Equal(t, "v1", c.SystemPrompt(context.Background()))

	fetcher.text = "v2"
	*now = now.Add(2 * time.Hour)
	assert.Equal(t, "v2", c.SystemPrompt(context.Background()))
	assert.Equal(t, 2, fetcher.callCount())
}

func TestSystemPromptFallsBackOnError(t *testing.T) {
	fetcher := &stubFetcher{err: errors.New("connection refused")}
	c, _ := newTestCache(t, fetcher)

	assert.Equal(t, "static fallback prompt", c.SystemPrompt(context.Background()))

	// Failure is not cached: the next call retries and picks up a
	// recovered tool server.
	fetcher.err = nil
	fetcher.text = "recovered"
	assert.Equal(t, "recovered", c.SystemPrompt(context.Background()))
	assert.Equal(t, 2, fetcher.callCount())
}

func TestSystemPromptFallsBackOnEmpty(t *testing.T) {
	fetcher := &stubFetcher{text: "   \n"}
	c, _ := newTestCache(t, fetcher)

	assert.Equal(t, "static fallback prompt", c.SystemPrompt(context.Background()))
	assert.Equal(t, 1, fetcher.callCount())
}

func TestSystemPromptCollapsesConcurrentFetches(t *testing.T) {
	fetcher := &stubFetcher{text: "slow prompt", delay: 50 * time.Millisecond}
	c, _ := newTestCache(t, fetcher)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, "slow prompt", c.SystemPrompt(context.Background()))
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, fetcher.callCount())
}
