package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/runbox/runbox/internal/common/errors"
	"github.com/runbox/runbox/internal/events"
	"github.com/runbox/runbox/internal/events/bus"
	"github.com/runbox/runbox/internal/executor/docker"
)

func newTestEngine(t *testing.T, api *fakeAPI) *Engine {
	t.Helper()
	log := newTestLogger(t)
	cfg := testExecutorConfig()
	return NewEngine(NewManager(api, cfg, nil, log), cfg, nil, log)
}

func TestExecuteEchoHello(t *testing.T) {
	api := newFakeAPI()
	api.execFn = func(ctx context.Context, containerID string, cfg docker.ExecConfig) (*docker.ExecResult, error) {
		require.Equal(t, []string{"timeout", "--signal=KILL", "30", "bash", "-c", "echo hello"}, cfg.Cmd)
		require.Equal(t, "coderunner", cfg.User)
		return &docker.ExecResult{ExitCode: 0, Stdout: "hello\n"}, nil
	}
	e := newTestEngine(t, api)

	res, err := e.Execute(context.Background(), "alice", "echo hello", 0)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "hello\n", res.Stdout)
	assert.Empty(t, res.Stderr)
	assert.False(t, res.TimedOut)
}

func TestExecuteNonZeroExit(t *testing.T) {
	api := newFakeAPI()
	api.execFn = func(ctx context.Context, containerID string, cfg docker.ExecConfig) (*docker.ExecResult, error) {
		return &docker.ExecResult{ExitCode: 3, Stderr: "boom\n"}, nil
	}
	e := newTestEngine(t, api)

	res, err := e.Execute(context.Background(), "alice", "exit 3", 0)
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "boom\n", res.Stderr)
	assert.False(t, res.TimedOut)
}

func TestExecuteTimeoutReturnsSentinelAndPartialOutput(t *testing.T) {
	api := newFakeAPI()
	api.execFn = func(ctx context.Context, containerID string, cfg docker.ExecConfig) (*docker.ExecResult, error) {
		// Simulate the in-container wrapper killing the command at the limit.
		time.Sleep(1100 * time.Millisecond)
		return &docker.ExecResult{ExitCode: 137, Stdout: "tick\ntick\n"}, nil
	}
	e := newTestEngine(t, api)

	res, err := e.Execute(context.Background(), "alice", "while true; do echo tick; sleep 1; done", 1)
	require.NoError(t, err)
	assert.Equal(t, TimeoutExitCode, res.ExitCode)
	assert.True(t, res.TimedOut)
	assert.Equal(t, "tick\ntick\n", res.Stdout)
	assert.Contains(t, res.Stderr, "Command timed out after 1 seconds")
}

func TestExecuteFastKillIsNotTimeout(t *testing.T) {
	api := newFakeAPI()
	api.execFn = func(ctx context.Context, containerID string, cfg docker.ExecConfig) (*docker.ExecResult, error) {
		// Killed well before the limit, e.g. by the OOM killer.
		return &docker.ExecResult{ExitCode: 137}, nil
	}
	e := newTestEngine(t, api)

	res, err := e.Execute(context.Background(), "alice", "hog-memory", 30)
	require.NoError(t, err)
	assert.Equal(t, 137, res.ExitCode)
	assert.False(t, res.TimedOut)
}

func TestExecuteBackstopDeadline(t *testing.T) {
	api := newFakeAPI()
	api.execFn = func(ctx context.Context, containerID string, cfg docker.ExecConfig) (*docker.ExecResult, error) {
		// The client returns partial output alongside the context error.
		return &docker.ExecResult{ExitCode: -1, Stdout: "partial"}, context.DeadlineExceeded
	}
	e := newTestEngine(t, api)

	res, err := e.Execute(context.Background(), "alice", "hang", 1)
	require.NoError(t, err)
	assert.Equal(t, TimeoutExitCode, res.ExitCode)
	assert.True(t, res.TimedOut)
	assert.Equal(t, "partial", res.Stdout)
	assert.Contains(t, res.Stderr, "Command timed out after 1 seconds")
}

func TestExecuteCancelled(t *testing.T) {
	api := newFakeAPI()
	api.execFn = func(ctx context.Context, containerID string, cfg docker.ExecConfig) (*docker.ExecResult, error) {
		return nil, context.Canceled
	}
	e := newTestEngine(t, api)

	_, err := e.Execute(context.Background(), "alice", "true", 0)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeCancelled))
}

func TestExecuteImageUnavailablePassthrough(t *testing.T) {
	api := newFakeAPI()
	api.imageExists = false
	e := newTestEngine(t, api)

	_, err := e.Execute(context.Background(), "alice", "true", 0)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeImageUnavailable))
}

func TestExecutePublishesCompletionEvent(t *testing.T) {
	api := newFakeAPI()
	api.execFn = func(ctx context.Context, containerID string, cfg docker.ExecConfig) (*docker.ExecResult, error) {
		return &docker.ExecResult{ExitCode: 0, Stdout: "ok\n"}, nil
	}
	log := newTestLogger(t)
	cfg := testExecutorConfig()
	eventBus := bus.NewMemoryEventBus(log)
	defer eventBus.Close()

	received := make(chan *bus.Event, 1)
	_, err := eventBus.Subscribe(events.ExecCompleted, func(ctx context.Context, event *bus.Event) error {
		received <- event
		return nil
	})
	require.NoError(t, err)

	e := NewEngine(NewManager(api, cfg, eventBus, log), cfg, eventBus, log)
	_, err = e.Execute(context.Background(), "alice", "echo ok", 0)
	require.NoError(t, err)

	select {
	case event := <-received:
		assert.Equal(t, "alice", event.Data["user_id"])
		assert.Equal(t, 0, event.Data["exit_code"])
		assert.Equal(t, false, event.Data["timed_out"])
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for exec event")
	}
}
