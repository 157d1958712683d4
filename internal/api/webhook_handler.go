package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/phrazzld/enrich-api/internal/api/shared"
	"github.com/phrazzld/enrich-api/internal/domain"
	"github.com/phrazzld/enrich-api/internal/platform/logger"
	"github.com/phrazzld/enrich-api/internal/service/reconcile"
)

// WebhookSecretHeader carries the shared secret on completion webhooks.
const WebhookSecretHeader = "X-Webhook-Secret"

// Reconciler applies completion webhooks. *reconcile.Reconciler implements it.
type Reconciler interface {
	Reconcile(ctx context.Context, body []byte, secret string) (*reconcile.Result, error)
}

// WebhookHandler handles completion webhooks from the remote backend.
type WebhookHandler struct {
	reconciler Reconciler
	logger     *slog.Logger
}

// NewWebhookHandler creates a new WebhookHandler.
func NewWebhookHandler(reconciler Reconciler, logger *slog.Logger) *WebhookHandler {
	if reconciler == nil {
		panic("reconciler cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{
		reconciler: reconciler,
		logger:     logger.With(slog.String("component", "webhook_handler")),
	}
}

// BatchComplete handles POST /api/webhooks/batch-complete. Malformed
// payloads get a 400 naming the field; persistence failures get a 500 and
// can be redelivered unchanged.
func (h *WebhookHandler) BatchComplete(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, shared.MaxRequestBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			HandleAPIError(w, r, domain.NewValidationError("body", "is too large", domain.ErrInvalidFormat), "")
			return
		}
		HandleAPIError(w, r, domain.NewValidationError("body", "could not be read", domain.ErrInvalidFormat), "")
		return
	}

	result, err := h.reconciler.Reconcile(r.Context(), body, r.Header.Get(WebhookSecretHeader))
	if err != nil {
		HandleAPIError(w, r, err, "Failed to record batch results")
		return
	}

	log.Info("webhook processed",
		slog.String("batch_id", result.BatchID.String()),
		slog.Bool("duplicate", result.Duplicate),
		slog.String("status", string(result.Status)))
	shared.RespondWithJSON(w, r, http.StatusOK, WebhookResponse{
		Received:  true,
		Duplicate: result.Duplicate,
		Status:    result.Status,
	})
}
