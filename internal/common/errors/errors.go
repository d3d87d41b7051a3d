// Package errors provides structured application errors with HTTP status mapping.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes used across the application.
const (
	CodeInvalidRequest       = "INVALID_REQUEST"
	CodeMissingUserContext   = "MISSING_USER_CONTEXT"
	CodeImageUnavailable     = "IMAGE_UNAVAILABLE"
	CodeContainerUnavailable = "CONTAINER_UNAVAILABLE"
	CodeExecTimeout          = "EXEC_TIMEOUT"
	CodeFileNotFound         = "FILE_NOT_FOUND"
	CodeSkillNotFound        = "SKILL_NOT_FOUND"
	CodePathViolation        = "PATH_VIOLATION"
	CodeArtifactTooLarge     = "ARTIFACT_TOO_LARGE"
	CodeDocstringFailed      = "DOCSTRING_EXTRACTION_FAILED"
	CodePromptFetchFailed    = "PROMPT_FETCH_FAILED"
	CodeModelCallFailed      = "MODEL_CALL_FAILED"
	CodeCancelled            = "CANCELLED"
	CodeInternal             = "INTERNAL_ERROR"
)

// StatusClientClosedRequest is the nginx convention for a client that went
// away before the response was written.
const StatusClientClosedRequest = 499

// AppError is a structured application error that carries a machine-readable
// code and the HTTP status it should map to at the edge.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// InvalidRequest creates an error for a malformed or unacceptable request.
func InvalidRequest(message string) *AppError {
	return &AppError{
		Code:       CodeInvalidRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// MissingUserContext creates an error for a request missing user identity.
func MissingUserContext() *AppError {
	return &AppError{
		Code:       CodeMissingUserContext,
		Message:    "user ID not found in request context",
		HTTPStatus: http.StatusBadRequest,
	}
}

// ImageUnavailable creates an error for a missing or unpullable container image.
func ImageUnavailable(image string, err error) *AppError {
	return &AppError{
		Code:       CodeImageUnavailable,
		Message:    fmt.Sprintf("container image %s is unavailable", image),
		HTTPStatus: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// ContainerUnavailable creates an error for a container that could not be
// created or started.
func ContainerUnavailable(userID string, err error) *AppError {
	return &AppError{
		Code:       CodeContainerUnavailable,
		Message:    fmt.Sprintf("failed to provision container for user %s", userID),
		HTTPStatus: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// ExecTimeout creates an error for a command that exceeded its timeout.
func ExecTimeout(seconds int) *AppError {
	return &AppError{
		Code:       CodeExecTimeout,
		Message:    fmt.Sprintf("command timed out after %d seconds", seconds),
		HTTPStatus: http.StatusRequestTimeout,
	}
}

// FileNotFound creates an error for a file that does not exist.
func FileNotFound(path string) *AppError {
	return &AppError{
		Code:       CodeFileNotFound,
		Message:    fmt.Sprintf("file not found: %s", path),
		HTTPStatus: http.StatusNotFound,
	}
}

// SkillNotFound creates an error for an unknown skill id.
func SkillNotFound(id string) *AppError {
	return &AppError{
		Code:       CodeSkillNotFound,
		Message:    fmt.Sprintf("skill %q not found", id),
		HTTPStatus: http.StatusNotFound,
	}
}

// PathViolation creates an error for a file name that escapes its directory.
func PathViolation(name string) *AppError {
	return &AppError{
		Code:       CodePathViolation,
		Message:    fmt.Sprintf("invalid file name: %s", name),
		HTTPStatus: http.StatusBadRequest,
	}
}

// ArtifactTooLarge creates an error for an artifact exceeding the size limit.
func ArtifactTooLarge(name string, size, limit int64) *AppError {
	return &AppError{
		Code:       CodeArtifactTooLarge,
		Message:    fmt.Sprintf("artifact %s is %d bytes, exceeds limit of %d bytes", name, size, limit),
		HTTPStatus: http.StatusBadRequest,
	}
}

// DocstringExtractionFailed creates an error for docstring extraction failures.
func DocstringExtractionFailed(path, function string, err error) *AppError {
	return &AppError{
		Code:       CodeDocstringFailed,
		Message:    fmt.Sprintf("failed to extract docstring for %s in %s", function, path),
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// PromptFetchFailed creates an error for a system prompt that could not be fetched.
func PromptFetchFailed(err error) *AppError {
	return &AppError{
		Code:       CodePromptFetchFailed,
		Message:    "failed to fetch system prompt",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// ModelCallFailed creates an error for a failed upstream model call.
func ModelCallFailed(err error) *AppError {
	return &AppError{
		Code:       CodeModelCallFailed,
		Message:    "model call failed",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Cancelled creates an error for a request cancelled by the client.
func Cancelled() *AppError {
	return &AppError{
		Code:       CodeCancelled,
		Message:    "request cancelled by client",
		HTTPStatus: StatusClientClosedRequest,
	}
}

// InternalError creates an error for unexpected internal failures.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       CodeInternal,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Wrap wraps an error with additional context while preserving the code and
// status of an existing AppError.
func Wrap(err error, message string) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}
	return &AppError{
		Code:       CodeInternal,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// AsAppError extracts an AppError from an error chain, or nil if absent.
func AsAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// IsCode checks whether an error carries the given application code.
func IsCode(err error, code string) bool {
	appErr := AsAppError(err)
	return appErr != nil && appErr.Code == code
}

// IsNotFound checks if an error is a file-not-found error.
func IsNotFound(err error) bool {
	return IsCode(err, CodeFileNotFound)
}

// GetHTTPStatus returns the HTTP status code for an error, defaulting to 500.
func GetHTTPStatus(err error) int {
	if appErr := AsAppError(err); appErr != nil {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
