package worker

import (
	"context"
	"fmt"

	"automation-backend/internal/models"
)

// Handler executes one attempt of a job. The returned value becomes the job result.
type Handler interface {
	Execute(ctx context.Context, job models.Job) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job models.Job) (any, error)

func (f HandlerFunc) Execute(ctx context.Context, job models.Job) (any, error) { return f(ctx, job) }

// HandlerError is a failure with a caller-visible code. Plain errors are
// recorded as EXECUTION_FAILED.
type HandlerError struct {
	Code    string
	Message string
	Details map[string]any
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Fail builds a HandlerError.
func Fail(code, format string, args ...any) *HandlerError {
	return &HandlerError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetails attaches details and returns e.
func (e *HandlerError) WithDetails(details map[string]any) *HandlerError {
	e.Details = details
	return e
}
