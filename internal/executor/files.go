package executor

import (
	"context"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/runbox/runbox/internal/common/errors"
)

// docstringTimeoutSeconds bounds the in-container Python interpreter when
// extracting a docstring.
const docstringTimeoutSeconds = 10

// WriteFile overwrites filePath inside the user's container with content,
// creating parent directories as needed. The content is piped through stdin so
// the bytes land exactly as given, with no shell interpretation. Returns the
// number of bytes written.
func (e *Engine) WriteFile(ctx context.Context, userID, filePath, content string) (int, error) {
	dir := path.Dir(filePath)
	command := fmt.Sprintf("mkdir -p %s && cat > %s", shellQuote(dir), shellQuote(filePath))

	res, err := e.run(ctx, userID, command, strings.NewReader(content))
	if err != nil {
		return 0, apperrors.Wrap(err, "write file failed")
	}
	if res.ExitCode != 0 {
		return 0, apperrors.InternalError(
			fmt.Sprintf("failed to write %s: %s", filePath, strings.TrimSpace(res.Stderr)), nil)
	}

	e.logger.Debug("Wrote file",
		zap.String("user_id", userID),
		zap.String("path", filePath),
		zap.Int("bytes", len(content)))

	return len(content), nil
}

// ReadFile returns the contents of filePath from the user's container,
// starting at the 0-indexed line offset. A nil lineCount reads to the end of
// the file. Negative values clamp to zero.
func (e *Engine) ReadFile(ctx context.Context, userID, filePath string, offset int, lineCount *int) (string, error) {
	if offset < 0 {
		offset = 0
	}

	command := fmt.Sprintf("tail -n +%d %s", offset+1, shellQuote(filePath))
	if lineCount != nil {
		n := *lineCount
		if n < 0 {
			n = 0
		}
		// pipefail so a missing file is not masked by head's exit code.
		command = fmt.Sprintf("set -o pipefail; %s | head -n %d", command, n)
	}

	res, err := e.run(ctx, userID, command, nil)
	if err != nil {
		return "", apperrors.Wrap(err, "read file failed")
	}
	if res.ExitCode != 0 {
		if strings.Contains(res.Stderr, "No such file") {
			return "", apperrors.FileNotFound(filePath)
		}
		return "", apperrors.InternalError(
			fmt.Sprintf("failed to read %s: %s", filePath, strings.TrimSpace(res.Stderr)), nil)
	}

	return res.Stdout, nil
}

// ReadDocstring extracts the docstring of a function defined in a Python file
// inside the user's container. A function without a docstring yields an empty
// string; a file or function that cannot be loaded is an error.
func (e *Engine) ReadDocstring(ctx context.Context, userID, filePath, functionName string) (string, error) {
	containerID, err := e.manager.Acquire(ctx, userID)
	if err != nil {
		return "", err
	}

	code := fmt.Sprintf(`
import importlib.util
spec = importlib.util.spec_from_file_location('temp_module', '%s')
module = importlib.util.module_from_spec(spec)
spec.loader.exec_module(module)
print(getattr(module, '%s').__doc__ or '')
`, pythonQuote(filePath), pythonQuote(functionName))

	execCtx, cancel := contextWithBackstop(ctx, docstringTimeoutSeconds)
	defer cancel()

	res, err := e.execArgv(execCtx, containerID,
		[]string{"timeout", "--signal=KILL", fmt.Sprint(docstringTimeoutSeconds), "python", "-c", code})
	if err != nil {
		return "", apperrors.DocstringExtractionFailed(filePath, functionName, err)
	}
	if res.ExitCode != 0 {
		return "", apperrors.DocstringExtractionFailed(filePath, functionName,
			fmt.Errorf("%s", strings.TrimSpace(res.Stderr)))
	}

	return strings.TrimSpace(res.Stdout), nil
}

// pythonQuote escapes s for interpolation into a single-quoted Python string
// literal.
func pythonQuote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, "'", `\'`)
}
