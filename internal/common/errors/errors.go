// Package errors provides structured error types for the agentview supervisor.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants. Code is the stable discriminant callers match on.
const (
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeValidationError    = "VALIDATION_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"

	// Supervisor-specific codes.
	ErrCodeSpawnFailed      = "SPAWN_FAILED"
	ErrCodeInitializeFailed = "INITIALIZE_FAILED"
	ErrCodeTransportError   = "TRANSPORT_ERROR"
	ErrCodeProtocolError    = "PROTOCOL_ERROR"
	ErrCodeDiskError        = "DISK_ERROR"
	ErrCodeSessionTerminal  = "SESSION_TERMINAL"
	ErrCodeClientNotReady   = "CLIENT_NOT_READY"
	ErrCodeNotPending       = "NOT_PENDING"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// BadRequest creates a new bad request error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Conflict creates a new conflict error.
func Conflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// SpawnFailed reports that an agent child process could not be started.
func SpawnFailed(kind string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeSpawnFailed,
		Message:    fmt.Sprintf("failed to spawn %s agent", kind),
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// InitializeFailed reports that the ACP initialize handshake failed after spawn.
func InitializeFailed(kind string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInitializeFailed,
		Message:    fmt.Sprintf("%s agent started but initialize handshake failed", kind),
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// TransportError reports a broken ACP transport (malformed frame, EOF, I/O error).
func TransportError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeTransportError,
		Message:    message,
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// ProtocolError reports a well-formed JSON-RPC error response from the agent.
func ProtocolError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeProtocolError,
		Message:    message,
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// DiskError reports a failed event log write.
func DiskError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeDiskError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// SessionTerminal reports an operation against a session in a terminal state.
func SessionTerminal(sessionID string, status string) *AppError {
	return &AppError{
		Code:       ErrCodeSessionTerminal,
		Message:    fmt.Sprintf("session '%s' is %s and accepts no further prompts", sessionID, status),
		HTTPStatus: http.StatusConflict,
	}
}

// ClientNotReady reports an operation against a client that is not ready.
func ClientNotReady(clientID string, status string) *AppError {
	return &AppError{
		Code:       ErrCodeClientNotReady,
		Message:    fmt.Sprintf("client '%s' is %s, not ready", clientID, status),
		HTTPStatus: http.StatusConflict,
	}
}

// NotPending reports a resolution attempt against an unknown or already
// resolved approval. Callers treat this as an idempotent no-op indicator.
func NotPending(approvalID string) *AppError {
	return &AppError{
		Code:       ErrCodeNotPending,
		Message:    fmt.Sprintf("approval '%s' is not pending", approvalID),
		HTTPStatus: http.StatusConflict,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code and status
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
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Code returns the stable code discriminant for an error, or
// ErrCodeInternalError when the error is not an AppError.
func Code(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalError
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return Code(err) == ErrCodeNotFound
}

// IsNotPending checks if the error marks an already resolved approval.
func IsNotPending(err error) bool {
	return Code(err) == ErrCodeNotPending
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
