package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
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

// TimeoutExitCode is the sentinel exit code reported when a command is
// terminated for exceeding its timeout.
const TimeoutExitCode = -1

// Exit codes the in-container timeout wrapper produces when it kills the
// command: 124 is GNU timeout's own code, 137 is 128+SIGKILL.
const (
	timeoutUtilExitCode = 124
	sigkillExitCode     = 137
)

// backstopSlack is added to the context deadline guarding each exec, so the
// in-container timeout wrapper fires first under normal conditions.
const backstopSlack = 2 * time.Second

// Result holds the outcome of a completed command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
	Duration time.Duration
}

// Engine runs commands and file operations inside per-user containers.
type Engine struct {
	manager *Manager
	cfg     config.ExecutorConfig
	bus     bus.EventBus
	logger  *logger.Logger
}

// NewEngine creates an exec engine on top of the container manager.
func NewEngine(manager *Manager, cfg config.ExecutorConfig, eventBus bus.EventBus, log *logger.Logger) *Engine {
	return &Engine{
		manager: manager,
		cfg:     cfg,
		bus:     eventBus,
		logger:  log.WithFields(zap.String("component", "exec-engine")),
	}
}

// Execute runs a shell command inside the user's container. The command is
// handed to a non-login bash as a single string; no escaping is applied here.
// On timeout the in-container process is killed and the partial output
// collected so far is returned with the timeout sentinel.
func (e *Engine) Execute(ctx context.Context, userID, command string, timeoutSeconds int) (*Result, error) {
	if timeoutSeconds <= 0 {
		timeoutSeconds = e.cfg.DefaultTimeout
	}
	enforced := time.Duration(timeoutSeconds) * time.Second

	containerID, err := e.manager.Acquire(ctx, userID)
	if err != nil {
		return nil, err
	}

	ctx, span := tracing.Tracer("runbox.executor").Start(ctx, "container.exec")
	defer span.End()

	e.logger.Debug("Executing command",
		zap.String("user_id", userID),
		zap.String("command", stringutil.TruncateStringWithEllipsis(command, 200)),
		zap.Int("timeout_seconds", timeoutSeconds))

	// GNU timeout enforces the limit in-container; the context deadline is a
	// backstop in case the daemon or the wrapper never returns.
	execCtx, cancel := context.WithTimeout(ctx, enforced+backstopSlack)
	defer cancel()

	start := time.Now()
	res, err := e.manager.api.Exec(execCtx, containerID, docker.ExecConfig{
		Cmd:  []string{"timeout", "--signal=KILL", strconv.Itoa(timeoutSeconds), "bash", "-c", command},
		User: e.cfg.ExecUser,
	})
	elapsed := time.Since(start)

	result := &Result{Duration: elapsed}
	switch {
	case err != nil && errors.Is(err, context.DeadlineExceeded):
		// Backstop fired; hand back whatever was captured.
		if res != nil {
			result.Stdout = res.Stdout
			result.Stderr = res.Stderr
		}
		result.ExitCode = TimeoutExitCode
		result.TimedOut = true
		result.Stderr = appendTimeoutNotice(result.Stderr, timeoutSeconds)
	case err != nil && errors.Is(err, context.Canceled):
		return nil, apperrors.Cancelled()
	case err != nil:
		return nil, apperrors.Wrap(err, "command execution failed")
	case isTimeoutExit(res.ExitCode) && elapsed >= enforced:
		result.ExitCode = TimeoutExitCode
		result.TimedOut = true
		result.Stdout = res.Stdout
		result.Stderr = appendTimeoutNotice(res.Stderr, timeoutSeconds)
	default:
		result.ExitCode = res.ExitCode
		result.Stdout = res.Stdout
		result.Stderr = res.Stderr
	}

	e.logger.Debug("Command finished",
		zap.String("user_id", userID),
		zap.Int("exit_code", result.ExitCode),
		zap.Bool("timed_out", result.TimedOut),
		zap.Duration("elapsed", elapsed),
		zap.String("stderr", stringutil.FirstLine(result.Stderr)))

	e.publishExecCompleted(ctx, userID, result)

	return result, nil
}

func (e *Engine) publishExecCompleted(ctx context.Context, userID string, result *Result) {
	if e.bus == nil {
		return
	}
	evt := bus.NewEvent(events.ExecCompleted, events.SourceToolServer, map[string]interface{}{
		"user_id":     userID,
		"exit_code":   result.ExitCode,
		"duration_ms": result.Duration.Milliseconds(),
		"timed_out":   result.TimedOut,
	})
	if err := e.bus.Publish(ctx, events.ExecCompleted, evt); err != nil {
		e.logger.Debug("Failed to publish exec event", zap.Error(err))
	}
}

// run executes a bash command in the user's container with the default
// timeout as a backstop. Used by the file and artifact operations.
func (e *Engine) run(ctx context.Context, userID, command string, stdin io.Reader) (*docker.ExecResult, error) {
	containerID, err := e.manager.Acquire(ctx, userID)
	if err != nil {
		return nil, err
	}

	execCtx, cancel := context.WithTimeout(ctx, e.cfg.DefaultTimeoutDuration()+backstopSlack)
	defer cancel()

	res, err := e.manager.api.Exec(execCtx, containerID, docker.ExecConfig{
		Cmd:   []string{"bash", "-c", command},
		User:  e.cfg.ExecUser,
		Stdin: stdin,
	})
	if err != nil {
		return nil, fmt.Errorf("exec failed: %w", err)
	}
	return res, nil
}

// execArgv runs an argv directly in the container, with no bash wrapper.
func (e *Engine) execArgv(ctx context.Context, containerID string, argv []string) (*docker.ExecResult, error) {
	res, err := e.manager.api.Exec(ctx, containerID, docker.ExecConfig{
		Cmd:  argv,
		User: e.cfg.ExecUser,
	})
	if err != nil {
		return nil, fmt.Errorf("exec failed: %w", err)
	}
	return res, nil
}

func contextWithBackstop(ctx context.Context, seconds int) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, time.Duration(seconds)*time.Second+backstopSlack)
}

func isTimeoutExit(code int) bool {
	return code == timeoutUtilExitCode || code == sigkillExitCode
}

func appendTimeoutNotice(stderr string, seconds int) string {
	notice := fmt.Sprintf("Command timed out after %d seconds", seconds)
	if stderr == "" {
		return notice
	}
	if !strings.HasSuffix(stderr, "\n") {
		stderr += "\n"
	}
	return stderr + notice
}

// shellQuote wraps s in single quotes, escaping embedded single quotes, so it
// survives bash -c word splitting.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
