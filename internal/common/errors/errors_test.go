package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppErrorError(t *testing.T) {
	t.Run("without wrapped error", func(t *testing.T) {
		err := FileNotFound("/workspace/missing.txt")
		assert.Equal(t, "FILE_NOT_FOUND: file not found: /workspace/missing.txt", err.Error())
	})

	t.Run("with wrapped error", func(t *testing.T) {
		inner := errors.New("connection refused")
		err := InternalError("docker call failed", inner)
		assert.Contains(t, err.Error(), "INTERNAL_ERROR")
		assert.Contains(t, err.Error(), "connection refused")
	})
}

func TestConstructorStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    *AppError
		code   string
		status int
	}{
		{"invalid request", InvalidRequest("bad payload"), CodeInvalidRequest, http.StatusBadRequest},
		{"missing user context", MissingUserContext(), CodeMissingUserContext, http.StatusBadRequest},
		{"image unavailable", ImageUnavailable("runbox-executor:latest", nil), CodeImageUnavailable, http.StatusServiceUnavailable},
		{"container unavailable", ContainerUnavailable("alice", nil), CodeContainerUnavailable, http.StatusServiceUnavailable},
		{"file not found", FileNotFound("/tmp/x"), CodeFileNotFound, http.StatusNotFound},
		{"path violation", PathViolation("../etc/passwd"), CodePathViolation, http.StatusBadRequest},
		{"artifact too large", ArtifactTooLarge("big.bin", 100, 50), CodeArtifactTooLarge, http.StatusBadRequest},
		{"docstring failed", DocstringExtractionFailed("/workspace/m.py", "f", nil), CodeDocstringFailed, http.StatusInternalServerError},
		{"prompt fetch failed", PromptFetchFailed(nil), CodePromptFetchFailed, http.StatusInternalServerError},
		{"model call failed", ModelCallFailed(nil), CodeModelCallFailed, http.StatusInternalServerError},
		{"cancelled", Cancelled(), CodeCancelled, StatusClientClosedRequest},
		{"internal", InternalError("boom", nil), CodeInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, tt.err.Code)
			assert.Equal(t, tt.status, tt.err.HTTPStatus)
		})
	}
}

func TestExecTimeoutMessage(t *testing.T) {
	err := ExecTimeout(30)
	assert.Equal(t, "command timed out after 30 seconds", err.Message)
}

func TestWrapPreservesCodeAndStatus(t *testing.T) {
	original := FileNotFound("/workspace/data.csv")
	wrapped := Wrap(original, "read_file failed")

	assert.Equal(t, CodeFileNotFound, wrapped.Code)
	assert.Equal(t, http.StatusNotFound, wrapped.HTTPStatus)
	assert.Contains(t, wrapped.Message, "read_file failed")
	assert.Contains(t, wrapped.Message, "file not found")
}

func TestWrapPlainError(t *testing.T) {
	wrapped := Wrap(errors.New("dial tcp: refused"), "docker unreachable")

	assert.Equal(t, CodeInternal, wrapped.Code)
	assert.Equal(t, http.StatusInternalServerError, wrapped.HTTPStatus)
}

func TestAsAppError(t *testing.T) {
	t.Run("direct", func(t *testing.T) {
		err := PathViolation("a/b")
		appErr := AsAppError(err)
		require.NotNil(t, appErr)
		assert.Equal(t, CodePathViolation, appErr.Code)
	})

	t.Run("wrapped in fmt.Errorf", func(t *testing.T) {
		err := fmt.Errorf("handler: %w", ArtifactTooLarge("x.png", 10, 5))
		appErr := AsAppError(err)
		require.NotNil(t, appErr)
		assert.Equal(t, CodeArtifactTooLarge, appErr.Code)
	})

	t.Run("plain error", func(t *testing.T) {
		assert.Nil(t, AsAppError(errors.New("plain")))
	})
}

func TestGetHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, GetHTTPStatus(FileNotFound("x")))
	assert.Equal(t, http.StatusInternalServerError, GetHTTPStatus(errors.New("plain")))
	assert.Equal(t, StatusClientClosedRequest, GetHTTPStatus(fmt.Errorf("stream: %w", Cancelled())))
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, IsNotFound(FileNotFound("x")))
	assert.False(t, IsNotFound(PathViolation("x")))
	assert.False(t, IsNotFound(errors.New("plain")))
}
