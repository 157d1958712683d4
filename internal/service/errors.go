package service

import "errors"

// Common service errors - sentinel errors used across service implementations.
// These errors represent common conditions that callers may want to check for with errors.Is().
//
// Error handling principles:
// 1. Service methods return sentinel errors for expected error conditions
// 2. Unexpected errors are wrapped in service-specific error types
// 3. Callers use errors.Is/errors.As to check for specific error conditions
// 4. The API layer maps service errors to appropriate HTTP status codes
var (
	// ErrBatchNotOwned indicates a batch is owned by a different caller than the one making the request.
	// API layer should map this to HTTP 403 Forbidden.
	ErrBatchNotOwned = errors.New("batch is owned by another user")

	// ErrBatchNotFound indicates that the batch does not exist.
	// API layer should map this to HTTP 404 Not Found.
	ErrBatchNotFound = errors.New("batch not found")
)
