// Package executor provides per-user container lifecycle and command
// execution on top of the Docker daemon.
package executor

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/runbox/runbox/internal/common/config"
	apperrors "github.com/runbox/runbox/internal/common/errors"
	"github.com/runbox/runbox/internal/common/logger"
	"github.com/runbox/runbox/internal/common/stringutil"
	"github.com/runbox/runbox/internal/events"
	"github.com/runbox/runbox/internal/events/bus"
	"github.com/runbox/runbox/internal/executor/docker"
	"github.com/runbox/runbox/internal/tracing"
)

// ContainerAPI captures the Docker operations the executor uses. It is
// implemented by *docker.Client; tests substitute a fake.
type ContainerAPI interface {
	Ping(ctx context.Context) error
	ImageExists(ctx context.Context, imageName string) (bool, error)
	CreateContainer(ctx context.Context, cfg docker.ContainerConfig) (string, error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, containerID string, force bool) error
	InspectContainer(ctx context.Context, nameOrID string) (*docker.ContainerInfo, error)
	ListContainers(ctx context.Context, labels map[string]string) ([]docker.ContainerInfo, error)
	Exec(ctx context.Context, containerID string, cfg docker.ExecConfig) (*docker.ExecResult, error)
	Close() error
}

const (
	containerNamePrefix = "mcp-executor-"

	// Labels identify containers across process restarts.
	labelManaged = "runbox.managed"
	labelUser    = "runbox.user"

	toolsMountPath  = "/tools"
	skillsMountPath = "/skills"
	workspacePath   = "/workspace"

	// Transient daemon errors are retried with exponential backoff.
	maxDaemonAttempts = 3
	daemonRetryDelay  = 500 * time.Millisecond
)

// containerRecord is the manager's bookkeeping for one user's container.
// The daemon stays authoritative for container state; the record carries
// identity and usage times, and its absence means no container is owned.
// Records do not survive a process restart; surviving containers are
// re-adopted by name on the next acquire.
type containerRecord struct {
	ContainerID string
	Image       string
	State       string
	CreatedAt   time.Time
	LastUsedAt  time.Time
}

// Manager owns the per-user executor containers. All operations for the same
// user id are serialized, so concurrent acquires cannot create duplicates.
type Manager struct {
	api    ContainerAPI
	cfg    config.ExecutorConfig
	bus    bus.EventBus
	logger *logger.Logger

	mu         sync.Mutex
	userLocks  map[string]*sync.Mutex
	containers map[string]containerRecord // keyed by raw user id
}

// NewManager creates a container manager. The event bus may be nil, in which
// case lifecycle events are not published.
func NewManager(api ContainerAPI, cfg config.ExecutorConfig, eventBus bus.EventBus, log *logger.Logger) *Manager {
	return &Manager{
		api:        api,
		cfg:        cfg,
		bus:        eventBus,
		logger:     log.WithFields(zap.String("component", "executor")),
		userLocks:  make(map[string]*sync.Mutex),
		containers: make(map[string]containerRecord),
	}
}

// Acquire returns the ID of a running container for the user, creating or
// restarting one as needed.
func (m *Manager) Acquire(ctx context.Context, userID string) (string, error) {
	lock := m.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	ctx, span := tracing.Tracer("runbox.executor").Start(ctx, "container.acquire")
	defer span.End()

	// Prefer the known record; fall back to the naming convention so a
	// container created before the last restart is adopted, not duplicated.
	rec, known := m.getRecord(userID)
	ref := rec.ContainerID
	if !known {
		ref = m.containerName(userID)
	}

	info, err := m.api.InspectContainer(ctx, ref)
	switch {
	case err == nil:
		switch info.State {
		case "running":
			m.touchRecord(userID, info.ID, info.Image)
			return info.ID, nil
		case "exited", "created":
			if startErr := m.startWithRetry(ctx, info.ID); startErr != nil {
				m.deleteRecord(userID)
				return "", apperrors.ContainerUnavailable(userID, startErr)
			}
			m.touchRecord(userID, info.ID, info.Image)
			m.publish(ctx, events.ContainerStarted, map[string]interface{}{
				"user_id":      userID,
				"container_id": info.ID,
			})
			return info.ID, nil
		default:
			// paused, restarting, removing, dead: replace it
			m.logger.Warn("Replacing container in unusable state",
				zap.String("user_id", userID),
				zap.String("state", info.State))
			m.stopAndRemove(ctx, info.ID)
			m.deleteRecord(userID)
		}
	case errors.Is(err, docker.ErrNotFound):
		m.deleteRecord(userID)
	default:
		return "", apperrors.ContainerUnavailable(userID, err)
	}

	return m.createAndStart(ctx, userID)
}

// Remove stops and removes the user's container, best effort.
func (m *Manager) Remove(ctx context.Context, userID string) {
	lock := m.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	rec, known := m.getRecord(userID)
	ref := rec.ContainerID
	if !known {
		ref = m.containerName(userID)
	}

	m.stopAndRemove(ctx, ref)
	m.deleteRecord(userID)
	m.publish(ctx, events.ContainerRemoved, map[string]interface{}{
		"user_id": userID,
	})
}

// ReleaseAll stops and removes every known container. Idempotent; invoked at
// process shutdown.
func (m *Manager) ReleaseAll(ctx context.Context) {
	m.mu.Lock()
	snapshot := make(map[string]containerRecord, len(m.containers))
	for userID, rec := range m.containers {
		snapshot[userID] = rec
	}
	m.containers = make(map[string]containerRecord)
	m.mu.Unlock()

	for userID, rec := range snapshot {
		m.logger.Debug("Releasing container",
			zap.String("user_id", userID),
			zap.String("container_id", rec.ContainerID),
			zap.String("image", rec.Image),
			zap.String("state", rec.State),
			zap.Duration("age", time.Since(rec.CreatedAt)),
			zap.Time("last_used", rec.LastUsedAt))

		lock := m.userLock(userID)
		lock.Lock()
		m.stopAndRemove(ctx, rec.ContainerID)
		lock.Unlock()

		m.publish(ctx, events.ContainerRemoved, map[string]interface{}{
			"user_id":      userID,
			"container_id": rec.ContainerID,
		})
	}

	if len(snapshot) > 0 {
		m.logger.Info("Released all containers", zap.Int("count", len(snapshot)))
	}
}

// CleanupOrphans removes every managed container left over from a previous
// process. Called once at boot when executor.orphan_cleanup is enabled.
func (m *Manager) CleanupOrphans(ctx context.Context) {
	orphans, err := m.api.ListContainers(ctx, map[string]string{labelManaged: "true"})
	if err != nil {
		m.logger.Warn("Orphan cleanup skipped", zap.Error(err))
		return
	}

	for _, orphan := range orphans {
		m.logger.Info("Removing orphaned container",
			zap.String("container_id", orphan.ID),
			zap.String("name", orphan.Name))
		m.stopAndRemove(ctx, orphan.ID)
	}

	if len(orphans) > 0 {
		m.logger.Info("Orphan cleanup complete", zap.Int("count", len(orphans)))
	}
}

// Ping reports whether the Docker daemon is reachable.
func (m *Manager) Ping(ctx context.Context) error {
	return m.api.Ping(ctx)
}

// Close releases the underlying Docker client.
func (m *Manager) Close() error {
	return m.api.Close()
}

func (m *Manager) createAndStart(ctx context.Context, userID string) (string, error) {
	exists, err := m.api.ImageExists(ctx, m.cfg.Image)
	if err != nil {
		return "", apperrors.ContainerUnavailable(userID, err)
	}
	if !exists {
		// Never pulled implicitly, and pointless to retry.
		return "", apperrors.ImageUnavailable(m.cfg.Image, nil)
	}

	cfg := docker.ContainerConfig{
		Name:       m.containerName(userID),
		Hostname:   stringutil.SanitizeIdentifier(userID),
		Image:      m.cfg.Image,
		WorkingDir: workspacePath,
		Mounts: []docker.MountConfig{
			{Source: absPath(m.cfg.ToolsPath), Target: toolsMountPath, ReadOnly: true},
			{Source: absPath(m.cfg.SkillsPath), Target: skillsMountPath, ReadOnly: true},
		},
		Labels: map[string]string{
			labelManaged: "true",
			labelUser:    userID,
		},
	}

	var containerID string
	err = m.withRetry(ctx, func() error {
		var createErr error
		containerID, createErr = m.api.CreateContainer(ctx, cfg)
		return createErr
	})
	if err != nil {
		return "", apperrors.ContainerUnavailable(userID, err)
	}

	m.publish(ctx, events.ContainerCreated, map[string]interface{}{
		"user_id":      userID,
		"container_id": containerID,
	})

	if err := m.startWithRetry(ctx, containerID); err != nil {
		// A container that never started leaves no record behind.
		m.stopAndRemove(ctx, containerID)
		return "", apperrors.ContainerUnavailable(userID, err)
	}

	m.touchRecord(userID, containerID, m.cfg.Image)
	m.publish(ctx, events.ContainerStarted, map[string]interface{}{
		"user_id":      userID,
		"container_id": containerID,
	})

	return containerID, nil
}

func (m *Manager) startWithRetry(ctx context.Context, containerID string) error {
	return m.withRetry(ctx, func() error {
		return m.api.StartContainer(ctx, containerID)
	})
}

// withRetry retries transient daemon failures with exponential backoff.
func (m *Manager) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delay := daemonRetryDelay
	for attempt := 1; attempt <= maxDaemonAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == maxDaemonAttempts {
			break
		}
		m.logger.Warn("Docker operation failed, retrying",
			zap.Int("attempt", attempt),
			zap.Error(err))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	return err
}

func (m *Manager) stopAndRemove(ctx context.Context, ref string) {
	if err := m.api.StopContainer(ctx, ref, m.cfg.RemoveStopTimeoutDuration()); err != nil {
		m.logger.Debug("Stop before remove failed", zap.String("container", ref), zap.Error(err))
	}
	if err := m.api.RemoveContainer(ctx, ref, true); err != nil {
		m.logger.Debug("Remove failed", zap.String("container", ref), zap.Error(err))
	}
}

func (m *Manager) userLock(userID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.userLocks[userID]
	if !ok {
		lock = &sync.Mutex{}
		m.userLocks[userID] = lock
	}
	return lock
}

func (m *Manager) getRecord(userID string) (containerRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.containers[userID]
	return rec, ok
}

// touchRecord upserts the user's record after a successful acquire. Every
// call site has just observed or started the container, so it is running.
func (m *Manager) touchRecord(userID, containerID, image string) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.containers[userID]
	if !ok || rec.ContainerID != containerID {
		rec = containerRecord{ContainerID: containerID, Image: image, CreatedAt: now}
	}
	rec.State = "running"
	rec.LastUsedAt = now
	m.containers[userID] = rec
}

func (m *Manager) deleteRecord(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.containers, userID)
}

func (m *Manager) containerName(userID string) string {
	return containerNamePrefix + stringutil.SanitizeIdentifier(userID)
}

func (m *Manager) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if m.bus == nil {
		return
	}
	evt := bus.NewEvent(eventType, events.SourceToolServer, data)
	if err := m.bus.Publish(ctx, eventType, evt); err != nil {
		m.logger.Debug("Failed to publish event", zap.String("type", eventType), zap.Error(err))
	}
}

func absPath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}
