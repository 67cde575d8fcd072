package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a specific error type for session pipeline operations.
type ErrorCode string

const (
	// ErrCodeNotFound indicates a referenced session, instance or template is absent.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"
	// ErrCodeNoAntecedent indicates prepare found no finalized earlier session with a diary.
	ErrCodeNoAntecedent ErrorCode = "NO_ANTECEDENT"
	// ErrCodeInvalidArgument indicates invalid input parameters.
	ErrCodeInvalidArgument ErrorCode = "INVALID_ARGUMENT"
	// ErrCodeSessionFinalized indicates a chat turn was sent to a closed session.
	ErrCodeSessionFinalized ErrorCode = "SESSION_FINALIZED"
	// ErrCodeLLMUnavailable indicates every generation attempt failed.
	ErrCodeLLMUnavailable ErrorCode = "LLM_UNAVAILABLE"
	// ErrCodeInternal indicates an unexpected failure.
	ErrCodeInternal ErrorCode = "INTERNAL"
)

// SessionError represents a structured error for session operations.
type SessionError struct {
	Code    ErrorCode
	Message string
	Cause   error
	Context map[string]any
}

// Error implements the error interface.
func (e *SessionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *SessionError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error.
func (e *SessionError) WithContext(key string, value any) *SessionError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// Convenience constructors for common error types.

// NotFound creates a not found error for the named entity.
func NotFound(entity, id string) *SessionError {
	return &SessionError{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s not found: %s", entity, id),
	}
}

// NoAntecedent creates the prepare precondition error.
func NoAntecedent() *SessionError {
	return &SessionError{
		Code:    ErrCodeNoAntecedent,
		Message: "No previous completed session found to generate activity from",
	}
}

// InvalidArgument creates an invalid argument error.
func InvalidArgument(msg string) *SessionError {
	return &SessionError{Code: ErrCodeInvalidArgument, Message: msg}
}

// SessionFinalized creates the closed-session error.
func SessionFinalized(sessionID string) *SessionError {
	return &SessionError{
		Code:    ErrCodeSessionFinalized,
		Message: fmt.Sprintf("session already finalized: %s", sessionID),
	}
}

// LLMUnavailable creates an LLM unavailable error.
func LLMUnavailable(msg string, cause error) *SessionError {
	return &SessionError{Code: ErrCodeLLMUnavailable, Message: msg, Cause: cause}
}

// Internal creates an internal error.
func Internal(msg string, cause error) *SessionError {
	return &SessionError{Code: ErrCodeInternal, Message: msg, Cause: cause}
}

// Wrap wraps an existing error with additional context.
func Wrap(cause error, code ErrorCode, msg string) *SessionError {
	return &SessionError{Code: code, Message: msg, Cause: cause}
}

// IsCode checks if an error, or any error it wraps, is of a specific code.
func IsCode(err error, code ErrorCode) bool {
	var sessionErr *SessionError
	if stderrors.As(err, &sessionErr) {
		return sessionErr.Code == code
	}
	return false
}

// GetCodeFromError extracts the error code from any error.
// Returns the provided default code if the error is not a SessionError.
func GetCodeFromError(err error, defaultCode ErrorCode) ErrorCode {
	var sessionErr *SessionError
	if stderrors.As(err, &sessionErr) {
		return sessionErr.Code
	}
	return defaultCode
}

// HTTPStatus maps an error to the status the API answers with.
func HTTPStatus(err error) int {
	switch GetCodeFromError(err, ErrCodeInternal) {
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeNoAntecedent, ErrCodeSessionFinalized:
		return http.StatusConflict
	case ErrCodeInvalidArgument:
		return http.StatusBadRequest
	case ErrCodeLLMUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
