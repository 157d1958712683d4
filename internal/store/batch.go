package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/enrich-api/internal/domain"
)

// BatchStore defines the interface for batch and row result persistence.
// It is the single source of truth for batch state and progress counters.
type BatchStore interface {
	// Create saves a new batch together with its pending row results.
	// rows may be empty when the row count is not known up front.
	// IMPORTANT: implementations write the batch and its rows atomically.
	Create(ctx context.Context, batch *domain.Batch, rows []*domain.RowResult) error

	// GetByID retrieves a batch by its unique ID.
	// Returns ErrBatchNotFound if the batch does not exist.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Batch, error)

	// ListByOwner returns the owner's batches, newest first.
	ListByOwner(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]*domain.Batch, error)

	// TransitionStatus moves the batch to target unless its current status is
	// terminal. The check and the write happen in one conditional statement,
	// so among concurrent callers at most one moves a batch into a terminal
	// status. applied is false when the batch was already terminal.
	// Returns ErrBatchNotFound if the batch does not exist.
	TransitionStatus(
		ctx context.Context,
		id uuid.UUID,
		target domain.BatchStatus,
	) (applied bool, err error)

	// UpsertRowResults inserts or replaces row results keyed by
	// (batch_id, row_index). Writing the same rows twice leaves one record
	// per key holding the latest values.
	UpsertRowResults(ctx context.Context, results []*domain.RowResult) error

	// ListRowResults returns every row result of the batch ordered by row index.
	ListRowResults(ctx context.Context, batchID uuid.UUID) ([]*domain.RowResult, error)

	// CountFinishedRows counts row results with a final outcome.
	CountFinishedRows(ctx context.Context, batchID uuid.UUID) (domain.RowCounts, error)

	// CorrectTotalRows sets total_rows to total only when it is currently
	// zero and total is positive. It reports whether the value changed.
	CorrectTotalRows(ctx context.Context, id uuid.UUID, total int) (bool, error)

	// RefreshProcessedRows recomputes processed_rows from the row results,
	// never exceeding total_rows once that is known, and returns the new value.
	RefreshProcessedRows(ctx context.Context, id uuid.UUID) (int, error)

	// RecordProgress raises the stored progress high-water mark to percent if
	// it is higher and returns the stored value.
	RecordProgress(ctx context.Context, id uuid.UUID, percent int) (int, error)

	// CountActiveSince counts the owner's pending or processing batches
	// created at or after since.
	CountActiveSince(ctx context.Context, ownerID uuid.UUID, since time.Time) (int, error)

	// CountCreatedSince counts the owner's batches created at or after since,
	// regardless of status.
	CountCreatedSince(ctx context.Context, ownerID uuid.UUID, since time.Time) (int, error)

	// WithTx returns a new BatchStore instance that uses the provided transaction.
	WithTx(tx *sql.Tx) BatchStore
}
