// Package errors provides the application error types and the JSON error
// envelope the CLI and status server surface to callers.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies application errors for exit-code and HTTP mapping.
type Kind string

const (
	KindInvalidArgument    Kind = "INVALID_ARGUMENT"
	KindNotFound           Kind = "NOT_FOUND"
	KindExternalService    Kind = "EXTERNAL_SERVICE_UNAVAILABLE"
	KindServiceUnavailable Kind = "SERVICE_UNAVAILABLE"
	KindInternal           Kind = "INTERNAL_ERROR"
)

// AppError carries a classified error with an operator-facing message.
type AppError struct {
	Kind    Kind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewExternalServiceError marks a dependency (storage, database) as
// unreachable.
func NewExternalServiceError(message string) error {
	return &AppError{Kind: KindExternalService, Message: message}
}

// NewInvalidArgumentError marks caller-side input as invalid.
func NewInvalidArgumentError(message string) error {
	return &AppError{Kind: KindInvalidArgument, Message: message}
}

// NewNotFoundError marks a missing resource.
func NewNotFoundError(message string) error {
	return &AppError{Kind: KindNotFound, Message: message}
}

// WrapInternal wraps an unexpected error, preserving any context
// cancellation so callers can still detect it with errors.Is.
func WrapInternal(ctx context.Context, err error, message string) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return err
	}
	return &AppError{Kind: KindInternal, Message: message, Err: err}
}

// KindOf extracts the Kind from an error chain, defaulting to internal.
func KindOf(err error) Kind {
	var app *AppError
	if errors.As(err, &app) {
		return app.Kind
	}
	return KindInternal
}
