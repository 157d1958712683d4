// Package domain defines the core business entities and errors.
package domain

import (
	"errors"
	"fmt"
)

// Common domain errors used across the application.
var (
	// ErrValidation is returned when a domain entity fails validation.
	// This is often wrapped with a more specific error message.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidFormat is returned when data is not in the expected format.
	ErrInvalidFormat = errors.New("invalid format")

	// ErrInvalidID is returned when an ID is malformed or invalid.
	ErrInvalidID = errors.New("invalid ID")

	// ErrInvalidBatchStatus is returned when a batch status is not valid.
	ErrInvalidBatchStatus = errors.New("invalid batch status")

	// ErrInvalidRowStatus is returned when a row result status is not valid.
	ErrInvalidRowStatus = errors.New("invalid row status")

	// ErrInvalidArtifactType is returned when an artifact type is not recognised.
	ErrInvalidArtifactType = errors.New("invalid artifact type")

	// ErrUnauthorized is returned when a caller cannot be authenticated.
	ErrUnauthorized = errors.New("unauthorized operation")
)

// ValidationError reports a problem with a single named field. The field is
// kept separate from the message so callers can tell a client exactly what
// to fix before resending.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

// NewValidationError creates a ValidationError. If err is nil the error
// wraps ErrValidation.
func NewValidationError(field, message string, err error) *ValidationError {
	if err == nil {
		err = ErrValidation
	}
	return &ValidationError{Field: field, Message: message, Err: err}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Is reports ErrValidation for every ValidationError regardless of the
// wrapped cause.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}
