// Package session tracks per-user conversation sessions for the agent
// bridge. A session carries the transcript that is replayed to the model on
// every turn; it expires after a configurable idle timeout and is replaced
// by a fresh one on the next request.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/runbox/runbox/internal/common/logger"
	"github.com/runbox/runbox/internal/events"
	"github.com/runbox/runbox/internal/events/bus"
)

// Session is one user's conversation state. LastAccess drives expiry;
// History is the bridge-side conversation memory.
type Session struct {
	ID         string
	UserID     string
	AppName    string
	CreatedAt  time.Time
	LastAccess time.Time
	History    []openai.ChatCompletionMessage
}

// Store holds all live sessions behind a single mutex. Lookups and
// mutations are cheap, so one lock is enough even under concurrent chats.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session // user id -> session
	timeout  time.Duration
	bus      bus.EventBus
	logger   *logger.Logger

	now func() time.Time // swapped in tests
}

// NewStore creates a session store. The event bus may be nil, in which case
// session lifecycle events are not published.
func NewStore(timeout time.Duration, eventBus bus.EventBus, log *logger.Logger) *Store {
	return &Store{
		sessions: make(map[string]*Session),
		timeout:  timeout,
		bus:      eventBus,
		logger:   log.WithFields(zap.String("component", "session")),
		now:      time.Now,
	}
}

// Ensure returns the id of a live session for the user, creating one when
// none exists or the previous one went idle past the timeout. The second
// return reports whether a new session was created.
func (s *Store) Ensure(ctx context.Context, userID, appName string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if sess, ok := s.sessions[userID]; ok {
		if now.Sub(sess.LastAccess) < s.timeout {
			sess.LastAccess = now
			return sess.ID, false
		}
		s.logger.Debug("Session expired, creating new one",
			zap.String("user_id", userID),
			zap.String("session_id", sess.ID))
	}

	sess := &Session{
		ID:         fmt.Sprintf("session-%s-%d", userID, now.Unix()),
		UserID:     userID,
		AppName:    appName,
		CreatedAt:  now,
		LastAccess: now,
	}
	s.sessions[userID] = sess

	s.logger.Info("Created session",
		zap.String("user_id", userID),
		zap.String("session_id", sess.ID))
	s.publish(ctx, events.SessionCreated, map[string]interface{}{
		"user_id":    userID,
		"session_id": sess.ID,
		"app_name":   appName,
	})
	return sess.ID, true
}

// AppendHistory adds messages to the user's transcript. Messages for an
// unknown or expired session are dropped; the next Ensure starts clean.
func (s *Store) AppendHistory(userID string, messages ...openai.ChatCompletionMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[userID]
	if !ok {
		return
	}
	sess.History = append(sess.History, messages...)
	sess.LastAccess = s.now()
}

// HistorySnapshot returns a copy of the user's transcript, or nil when the
// user has no session.
func (s *Store) HistorySnapshot(userID string) []openai.ChatCompletionMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[userID]
	if !ok || len(sess.History) == 0 {
		return nil
	}
	out := make([]openai.ChatCompletionMessage, len(sess.History))
	copy(out, sess.History)
	return out
}

// CleanupExpired drops sessions idle past the timeout and returns how many
// were removed. The bridge runs this on a ticker.
func (s *Store) CleanupExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for userID, sess := range s.sessions {
		if now.Sub(sess.LastAccess) >= s.timeout {
			delete(s.sessions, userID)
			removed++
			s.logger.Debug("Removed expired session",
				zap.String("user_id", userID),
				zap.String("session_id", sess.ID))
		}
	}
	if removed > 0 {
		s.logger.Info("Cleaned up expired sessions", zap.Int("count", removed))
	}
	return removed
}

// ActiveCount returns the number of live sessions.
func (s *Store) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Store) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	evt := bus.NewEvent(eventType, events.SourceAgentBridge, data)
	if err := s.bus.Publish(ctx, eventType, evt); err != nil {
		s.logger.Debug("Failed to publish event", zap.String("type", eventType), zap.Error(err))
	}
}
