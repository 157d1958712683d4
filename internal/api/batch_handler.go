package api

import (
	"log/slog"
	"net/http"

	"github.com/phrazzld/enrich-api/internal/api/shared"
	"github.com/phrazzld/enrich-api/internal/domain"
	"github.com/phrazzld/enrich-api/internal/platform/logger"
	"github.com/phrazzld/enrich-api/internal/service"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// BatchHandler handles batch-related HTTP requests.
type BatchHandler struct {
	batchService service.BatchService
	logger       *slog.Logger
}

// NewBatchHandler creates a new BatchHandler.
func NewBatchHandler(batchService service.BatchService, logger *slog.Logger) *BatchHandler {
	if batchService == nil {
		panic("batchService cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BatchHandler{
		batchService: batchService,
		logger:       logger.With(slog.String("component", "batch_handler")),
	}
}

// SubmitBatch handles POST /api/batches.
func (h *BatchHandler) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	ownerID, ok := shared.OwnerIDFromContext(r.Context())
	if !ok {
		HandleAPIError(w, r, domain.ErrUnauthorized, "")
		return
	}

	var req SubmitBatchRequest
	if err := shared.DecodeJSON(w, r, &req); err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	if err := shared.ValidateRequest(&req); err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	batch, err := h.batchService.Submit(r.Context(), ownerID, req.Submission())
	if err != nil {
		HandleAPIError(w, r, err, "Failed to create batch")
		return
	}

	log.Info("batch accepted", slog.String("batch_id", batch.ID.String()), slog.Int("rows", batch.TotalRows))
	shared.RespondWithJSON(w, r, http.StatusAccepted, SubmitBatchResponse{
		BatchID: batch.ID,
		Status:  batch.Status,
	})
}

// GetBatch handles GET /api/batches/{id}.
func (h *BatchHandler) GetBatch(w http.ResponseWriter, r *http.Request) {
	ownerID, batchID, ok := handleOwnerIDAndPathUUID(w, r, "id")
	if !ok {
		return
	}

	view, err := h.batchService.Get(r.Context(), ownerID, batchID)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to load batch")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, newBatchStatusResponse(view))
}

// ListBatches handles GET /api/batches.
func (h *BatchHandler) ListBatches(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := shared.OwnerIDFromContext(r.Context())
	if !ok {
		HandleAPIError(w, r, domain.ErrUnauthorized, "")
		return
	}

	limit, err := queryInt(r, "limit", defaultListLimit, maxListLimit)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	offset, err := queryInt(r, "offset", 0, 0)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	batches, err := h.batchService.List(r.Context(), ownerID, limit, offset)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to list batches")
		return
	}

	resp := ListBatchesResponse{
		Batches: make([]BatchSummaryResponse, 0, len(batches)),
		Limit:   limit,
		Offset:  offset,
	}
	for _, b := range batches {
		resp.Batches = append(resp.Batches, newBatchSummaryResponse(b))
	}
	shared.RespondWithJSON(w, r, http.StatusOK, resp)
}

// CancelBatch handles POST /api/batches/{id}/cancel.
func (h *BatchHandler) CancelBatch(w http.ResponseWriter, r *http.Request) {
	ownerID, batchID, ok := handleOwnerIDAndPathUUID(w, r, "id")
	if !ok {
		return
	}

	batch, err := h.batchService.Cancel(r.Context(), ownerID, batchID)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to cancel batch")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, newBatchSummaryResponse(batch))
}
