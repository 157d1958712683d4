package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/phrazzld/enrich-api/internal/domain"
	"github.com/phrazzld/enrich-api/internal/events"
	"github.com/phrazzld/enrich-api/internal/platform/logger"
	"github.com/phrazzld/enrich-api/internal/store"
	"github.com/phrazzld/enrich-api/internal/task"
)

// QuotaChecker decides whether an owner may submit another batch.
type QuotaChecker interface {
	Check(ctx context.Context, ownerID uuid.UUID, rows int) error
}

// ProgressReader returns the displayed progress of a batch.
type ProgressReader interface {
	Progress(ctx context.Context, batch *domain.Batch, finished int) int
}

// BatchService provides batch-related operations
type BatchService interface {
	// Submit creates a pending batch with one pending row per input row and
	// requests its dispatch
	Submit(ctx context.Context, ownerID uuid.UUID, submission *domain.Submission) (*domain.Batch, error)

	// Get returns the current state of a batch owned by the caller
	Get(ctx context.Context, ownerID, batchID uuid.UUID) (*BatchView, error)

	// List returns the caller's most recent batches
	List(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]*domain.Batch, error)

	// Cancel marks a batch cancelled unless it is already terminal
	Cancel(ctx context.Context, ownerID, batchID uuid.UUID) (*domain.Batch, error)
}

// BatchView is a batch together with its rows and displayed progress.
type BatchView struct {
	Batch    *domain.Batch
	Rows     []*domain.RowResult
	Counts   domain.RowCounts
	Progress int
	Message  string
}

// BatchServiceError wraps errors from the batch service with context.
type BatchServiceError struct {
	// Operation is the operation that failed (e.g., "submit", "get")
	Operation string
	// Message is a human-readable description of the error
	Message string
	// Err is the underlying error that caused the failure
	Err error
}

// Error implements the error interface for BatchServiceError.
func (e *BatchServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("batch service %s failed: %s: %v", e.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("batch service %s failed: %s", e.Operation, e.Message)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *BatchServiceError) Unwrap() error {
	return e.Err
}

// NewBatchServiceError creates a new BatchServiceError.
// It returns known sentinel errors directly without wrapping.
func NewBatchServiceError(operation, message string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, ErrBatchNotFound) || errors.Is(err, store.ErrBatchNotFound) {
		return ErrBatchNotFound
	}
	if errors.Is(err, ErrBatchNotOwned) {
		return ErrBatchNotOwned
	}

	return &BatchServiceError{
		Operation: operation,
		Message:   message,
		Err:       err,
	}
}

// batchServiceImpl implements the BatchService interface
type batchServiceImpl struct {
	batches      store.BatchStore
	quota        QuotaChecker
	progress     ProgressReader
	eventEmitter events.EventEmitter
	mode         domain.DispatchMode
	logger       *slog.Logger
}

// NewBatchService creates a new BatchService. New batches are dispatched in
// the given mode.
func NewBatchService(
	batches store.BatchStore,
	quota QuotaChecker,
	progress ProgressReader,
	eventEmitter events.EventEmitter,
	mode domain.DispatchMode,
	logger *slog.Logger,
) (BatchService, error) {
	if batches == nil {
		return nil, &BatchServiceError{Operation: "create_service", Message: "batches cannot be nil"}
	}
	if quota == nil {
		return nil, &BatchServiceError{Operation: "create_service", Message: "quota cannot be nil"}
	}
	if progress == nil {
		return nil, &BatchServiceError{Operation: "create_service", Message: "progress cannot be nil"}
	}
	if eventEmitter == nil {
		return nil, &BatchServiceError{Operation: "create_service", Message: "eventEmitter cannot be nil"}
	}
	if mode != domain.DispatchModeInline && mode != domain.DispatchModeExternal {
		return nil, &BatchServiceError{Operation: "create_service", Message: fmt.Sprintf("unknown dispatch mode %q", mode)}
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &batchServiceImpl{
		batches:      batches,
		quota:        quota,
		progress:     progress,
		eventEmitter: eventEmitter,
		mode:         mode,
		logger:       logger.With("component", "batch_service"),
	}, nil
}

// Submit validates the submission, checks the owner's quota, stores the
// batch with its pending rows and emits a dispatch event. A failed emission
// is logged; the batch is still returned.
func (s *batchServiceImpl) Submit(
	ctx context.Context,
	ownerID uuid.UUID,
	submission *domain.Submission,
) (*domain.Batch, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if len(submission.Rows) == 0 {
		return nil, domain.NewValidationError("rows", "at least one row is required", nil)
	}
	if submission.ArtifactType != "" && !submission.ArtifactType.IsValid() {
		return nil, domain.NewValidationError("artifactType",
			fmt.Sprintf("unknown artifact type %q", submission.ArtifactType), domain.ErrInvalidArtifactType)
	}

	if err := s.quota.Check(ctx, ownerID, len(submission.Rows)); err != nil {
		log.Info("batch submission refused", "error", err, "owner_id", ownerID)
		return nil, err
	}

	batch, err := domain.NewBatch(ownerID, len(submission.Rows), submission.Config(s.mode))
	if err != nil {
		if errors.Is(err, domain.ErrEmptyPrompt) {
			return nil, domain.NewValidationError("prompt", "is required", err)
		}
		return nil, NewBatchServiceError("submit", "invalid batch", err)
	}

	rows := make([]*domain.RowResult, 0, len(submission.Rows))
	for i, row := range submission.Rows {
		r, err := domain.NewPendingRowResult(batch.ID, i, row)
		if err != nil {
			return nil, domain.NewValidationError(fmt.Sprintf("rows[%d]", i), "cannot be encoded as JSON", err)
		}
		rows = append(rows, r)
	}

	if err := s.batches.Create(ctx, batch, rows); err != nil {
		log.Error("failed to store batch", "error", err, "batch_id", batch.ID)
		return nil, NewBatchServiceError("submit", "failed to save batch", err)
	}

	event := events.NewBatchEvent(events.EventTypeBatchDispatch, batch.ID)
	if err := s.eventEmitter.EmitEvent(ctx, event); err != nil {
		if errors.Is(err, task.ErrQueueFull) {
			log.Warn("task queue full, batch will be dispatched on recovery", "batch_id", batch.ID)
		} else {
			log.Error("failed to request batch dispatch", "error", err, "batch_id", batch.ID)
		}
	}

	log.Info("batch submitted",
		"batch_id", batch.ID,
		"owner_id", ownerID,
		"rows", len(rows),
		"mode", batch.Config.Mode)
	return batch, nil
}

// Get returns the batch with its rows and progress. It never waits for
// in-flight work.
func (s *batchServiceImpl) Get(ctx context.Context, ownerID, batchID uuid.UUID) (*BatchView, error) {
	batch, err := s.owned(ctx, "get", ownerID, batchID)
	if err != nil {
		return nil, err
	}

	rows, err := s.batches.ListRowResults(ctx, batchID)
	if err != nil {
		return nil, NewBatchServiceError("get", "failed to load rows", err)
	}

	var counts domain.RowCounts
	for _, r := range rows {
		switch r.Status {
		case domain.RowStatusSuccess:
			counts.Succeeded++
		case domain.RowStatusError:
			counts.Failed++
		}
	}

	progress := s.progress.Progress(ctx, batch, counts.Finished())
	batch.ProgressPercent = progress
	batch.ProcessedRows = max(batch.ProcessedRows, counts.Finished())
	if batch.TotalRows > 0 {
		batch.ProcessedRows = min(batch.ProcessedRows, batch.TotalRows)
	}

	return &BatchView{
		Batch:    batch,
		Rows:     rows,
		Counts:   counts,
		Progress: progress,
		Message:  statusMessage(batch, counts),
	}, nil
}

// List returns the caller's batches, newest first.
func (s *batchServiceImpl) List(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]*domain.Batch, error) {
	batches, err := s.batches.ListByOwner(ctx, ownerID, limit, offset)
	if err != nil {
		return nil, NewBatchServiceError("list", "failed to list batches", err)
	}
	return batches, nil
}

// Cancel marks the batch cancelled. A batch that is already terminal is
// returned unchanged.
func (s *batchServiceImpl) Cancel(ctx context.Context, ownerID, batchID uuid.UUID) (*domain.Batch, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	batch, err := s.owned(ctx, "cancel", ownerID, batchID)
	if err != nil {
		return nil, err
	}

	applied, err := s.batches.TransitionStatus(ctx, batchID, domain.BatchStatusCancelled)
	if err != nil {
		return nil, NewBatchServiceError("cancel", "failed to cancel batch", err)
	}
	if !applied {
		log.Info("batch already terminal, cancel ignored", "batch_id", batchID, "status", batch.Status)
	} else {
		log.Info("batch cancelled", "batch_id", batchID)
	}

	current, err := s.batches.GetByID(ctx, batchID)
	if err != nil {
		return nil, NewBatchServiceError("cancel", "failed to reload batch", err)
	}
	return current, nil
}

func (s *batchServiceImpl) owned(ctx context.Context, op string, ownerID, batchID uuid.UUID) (*domain.Batch, error) {
	batch, err := s.batches.GetByID(ctx, batchID)
	if err != nil {
		return nil, NewBatchServiceError(op, "failed to load batch", err)
	}
	if !batch.IsOwnedBy(ownerID) {
		logger.FromContextOrDefault(ctx, s.logger).Warn("batch access denied",
			"batch_id", batchID,
			"owner_id", ownerID)
		return nil, ErrBatchNotOwned
	}
	return batch, nil
}

func statusMessage(batch *domain.Batch, counts domain.RowCounts) string {
	switch batch.Status {
	case domain.BatchStatusPending:
		return "Batch is queued for processing"
	case domain.BatchStatusProcessing:
		if batch.TotalRows > 0 {
			return fmt.Sprintf("Processed %d of %d rows", batch.ProcessedRows, batch.TotalRows)
		}
		return fmt.Sprintf("Processed %d rows", counts.Finished())
	case domain.BatchStatusCompleted:
		return fmt.Sprintf("All %d rows processed", counts.Finished())
	case domain.BatchStatusCompletedWithErrors:
		return fmt.Sprintf("Completed with %d failed of %d rows", counts.Failed, counts.Finished())
	case domain.BatchStatusFailed:
		return "Batch failed"
	case domain.BatchStatusCancelled:
		return "Batch was cancelled"
	default:
		return ""
	}
}
