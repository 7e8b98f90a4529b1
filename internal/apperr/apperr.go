// Package apperr carries caller-facing errors as {code, message, details} triples.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes surfaced to callers.
const (
	CodeValidation           = "VALIDATION_ERROR"
	CodeForbidden            = "FORBIDDEN"
	CodeNotFound             = "NOT_FOUND"
	CodeConflict             = "CONFLICT"
	CodeIdempotencyMismatch  = "IDEMPOTENCY_KEY_REUSE_MISMATCH"
	CodeConfirmationRequired = "CONFIRMATION_REQUIRED"
	CodeRateLimited          = "RATE_LIMITED"
	CodeUnauthorized         = "UNAUTHORIZED"
	CodeInternal             = "INTERNAL"
)

// Error is a domain error with a stable code.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New builds an error with the given code.
func New(code, message string, details map[string]any) *Error {
	return &Error{Code: code, Message: message, Details: details}
}

func Validation(format string, args ...any) *Error {
	return New(CodeValidation, fmt.Sprintf(format, args...), nil)
}

// Forbidden reports a queue scoping violation and echoes the caller's allowlist.
func Forbidden(message string, allowed []string) *Error {
	if allowed == nil {
		allowed = []string{}
	}
	return New(CodeForbidden, message, map[string]any{"allowed_queues": allowed})
}

func NotFound(what string) *Error {
	return New(CodeNotFound, what+" not found", nil)
}

func Conflict(message string, details map[string]any) *Error {
	return New(CodeConflict, message, details)
}

func IdempotencyMismatch(key string) *Error {
	return New(CodeIdempotencyMismatch,
		"idempotency key was already used with a different request",
		map[string]any{"idempotency_key": key})
}

func ConfirmationRequired(message string) *Error {
	return New(CodeConfirmationRequired, message, nil)
}

// As extracts an *Error from err.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsCode reports whether err carries code.
func IsCode(err error, code string) bool {
	e, ok := As(err)
	return ok && e.Code == code
}

// HTTPStatus maps a code to its transport status.
func HTTPStatus(code string) int {
	switch code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict, CodeIdempotencyMismatch:
		return http.StatusConflict
	case CodeConfirmationRequired:
		return http.StatusPreconditionRequired
	case CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
