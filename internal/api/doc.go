// Package api exposes the batch service over HTTP: submission, status,
// listing and cancellation for authenticated owners, and the completion
// webhook called by the remote backend. Handlers decode and validate
// requests, call into internal/service, and map errors to status codes
// without leaking internal detail.
package api
