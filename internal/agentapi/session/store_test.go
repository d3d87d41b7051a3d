package session

import (
	"context"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runbox/runbox/internal/common/logger"
	"github.com/runbox/runbox/internal/events"
	"github.com/runbox/runbox/internal/events/bus"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

// fakeClock lets tests move session time forward deterministically.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestStore(t *testing.T, timeout time.Duration, eventBus bus.EventBus) (*Store, *fakeClock) {
	t.Helper()
	s := NewStore(timeout, eventBus, newTestLogger(t))
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s.now = clock.Now
	return s, clock
}

func TestEnsureReusesLiveSession(t *testing.T) {
	s, clock := newTestStore(t, time.Hour, nil)

	id1, created := s.Ensure(context.Background(), "alice", "agents")
	require.True(t, created)
	assert.Equal(t, "session-alice-1700000000", id1)

	clock.Advance(30 * time.Minute)
	id2, created := s.Ensure(context.Background(), "alice", "agents")
	assert.False(t, created)
	assert.Equal(t, id1, id2)
}

func TestEnsureReplacesExpiredSession(t *testing.T) {
	s, clock := newTestStore(t, time.Hour, nil)

	id1, _ := s.Ensure(context.Background(), "alice", "agents")
	s.AppendHistory("alice", openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: "hi"})

	clock.Advance(2 * time.Hour)
	id2, created := s.Ensure(context.Background(), "alice", "agents")
	assert.True(t, created)
	assert.NotEqual(t, id1, id2)
	assert.Nil(t, s.HistorySnapshot("alice"), "new session starts with empty history")
}

func TestEnsureTouchExtendsLifetime(t *testing.T) {
	s, clock := newTestStore(t, time.Hour, nil)

	id1, _ := s.Ensure(context.Background(), "alice", "agents")
	// Each touch lands inside the window, so the session survives far
	// beyond a single timeout measured from creation.
	for i := 0; i < 4; i++ {
		clock.Advance(45 * time.Minute)
		id, created := s.Ensure(context.Background(), "alice", "agents")
		require.False(t, created)
		require.Equal(t, id1, id)
	}
}

func TestHistorySnapshotCopies(t *testing.T) {
	s, _ := newTestStore(t, time.Hour, nil)

	s.Ensure(context.Background(), "alice", "agents")
	s.AppendHistory("alice",
		openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: "run it"},
		openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: "done"},
	)

	snap := s.HistorySnapshot("alice")
	require.Len(t, snap, 2)
	snap[0].Content = "mutated"

	again := s.HistorySnapshot("alice")
	assert.Equal(t, "run it", again[0].Content)
}

func TestAppendHistoryUnknownUserDropped(t *testing.T) {
	s, _ := newTestStore(t, time.Hour, nil)

	s.AppendHistory("ghost", openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: "hi"})
	assert.Nil(t, s.HistorySnapshot("ghost"))
}

func TestCleanupExpired(t *testing.T) {
	s, clock := newTestStore(t, time.Hour, nil)

	s.Ensure(context.Background(), "alice", "agents")
	clock.Advance(40 * time.Minute)
	s.Ensure(context.Background(), "bob", "agents")
	assert.Equal(t, 2, s.ActiveCount())

	clock.Advance(30 * time.Minute)
	removed := s.CleanupExpired()
	assert.Equal(t, 1, removed, "only alice is past the timeout")
	assert.Equal(t, 1, s.ActiveCount())

	clock.Advance(time.Hour)
	assert.Equal(t, 1, s.CleanupExpired())
	assert.Equal(t, 0, s.ActiveCount())
}

func TestSessionIsolationBetweenUsers(t *testing.T) {
	s, _ := newTestStore(t, time.Hour, nil)

	idA, _ := s.Ensure(context.Background(), "alice", "agents")
	idB, _ := s.Ensure(context.Background(), "bob", "agents")
	assert.NotEqual(t, idA, idB)

	s.AppendHistory("alice", openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: "alice only"})
	assert.Nil(t, s.HistorySnapshot("bob"))
}

func TestEnsurePublishesSessionCreated(t *testing.T) {
	log := newTestLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	defer eventBus.Close()

	received := make(chan *bus.Event, 1)
	_, err := eventBus.Subscribe(events.SessionCreated, func(ctx context.Context, event *bus.Event) error {
		received <- event
		return nil
	})
	require.NoError(t, err)

	s, _ := newTestStore(t, time.Hour, eventBus)
	id, created := s.Ensure(context.Background(), "alice", "agents")
	require.True(t, created)

	select {
	case event := <-received:
		assert.Equal(t, events.SourceAgentBridge, event.Source)
		assert.Equal(t, "alice", event.Data["user_id"])
		assert.Equal(t, id, event.Data["session_id"])
		assert.Equal(t, "agents", event.Data["app_name"])
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for session event")
	}

	// Reuse does not publish again.
	_, created = s.Ensure(context.Background(), "alice", "agents")
	require.False(t, created)
	select {
	case <-received:
		t.Fatal("unexpected event on session reuse")
	case <-time.After(50 * time.Millisecond):
	}
}
