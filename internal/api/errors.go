package api

import (
	"errors"
	"net/http"

	"github.com/phrazzld/enrich-api/internal/api/shared"
	"github.com/phrazzld/enrich-api/internal/domain"
	"github.com/phrazzld/enrich-api/internal/service"
	"github.com/phrazzld/enrich-api/internal/service/auth"
	"github.com/phrazzld/enrich-api/internal/service/quota"
	"github.com/phrazzld/enrich-api/internal/store"
)

// MapErrorToStatusCode maps internal errors to appropriate HTTP status codes
// based on the error type. This prevents leaking internal error types or
// messages to clients.
func MapErrorToStatusCode(err error) int {
	switch {
	// Authentication errors
	case errors.Is(err, domain.ErrUnauthorized),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken),
		errors.Is(err, auth.ErrMissingToken):
		return http.StatusUnauthorized

	// Authorization errors
	case errors.Is(err, service.ErrBatchNotOwned):
		return http.StatusForbidden

	// Not found errors
	case errors.Is(err, service.ErrBatchNotFound),
		errors.Is(err, store.ErrBatchNotFound):
		return http.StatusNotFound

	// Quota errors
	case errors.Is(err, quota.ErrQuotaExceeded):
		return http.StatusTooManyRequests

	// Bad request errors
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrInvalidFormat),
		errors.Is(err, domain.ErrInvalidID),
		errors.Is(err, store.ErrInvalidEntity):
		return http.StatusBadRequest

	// Default: internal server error
	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a sanitized, user-friendly error message
// based on the error type. Validation errors keep their field and message so
// a client can tell what to fix before resending.
func GetSafeErrorMessage(err error) string {
	if err == nil {
		return "An unexpected error occurred"
	}

	var validationErr *domain.ValidationError
	if errors.As(err, &validationErr) {
		return validationErr.Error()
	}
	var exceeded *quota.ExceededError
	if errors.As(err, &exceeded) {
		return exceeded.Error()
	}

	switch {
	case errors.Is(err, auth.ErrExpiredToken):
		return "Token expired"
	case errors.Is(err, domain.ErrUnauthorized),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrMissingToken):
		return "Unauthorized"
	case errors.Is(err, service.ErrBatchNotOwned):
		return "You do not own this batch"
	case errors.Is(err, service.ErrBatchNotFound),
		errors.Is(err, store.ErrBatchNotFound):
		return "Batch not found"
	case errors.Is(err, quota.ErrQuotaExceeded):
		return "Quota exceeded"
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrInvalidFormat),
		errors.Is(err, domain.ErrInvalidID),
		errors.Is(err, store.ErrInvalidEntity):
		return "Invalid request"
	default:
		return "An unexpected error occurred"
	}
}

// HandleAPIError writes the error response for err. When fallback is set it
// replaces the generic message for server errors.
func HandleAPIError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	status := MapErrorToStatusCode(err)
	message := GetSafeErrorMessage(err)
	if status == http.StatusInternalServerError && fallback != "" {
		message = fallback
	}
	shared.RespondWithErrorAndLog(w, r, status, message, err)
}
