package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/enrich-api/internal/domain"
	"github.com/phrazzld/enrich-api/internal/platform/logger"
	"github.com/phrazzld/enrich-api/internal/store"
)

// rowWriteChunkSize bounds the number of row results written per statement.
const rowWriteChunkSize = 100

const batchColumns = `id, owner_id, status, total_rows, processed_rows, progress_percent,
	config, created_at, updated_at`

const rowResultColumns = `batch_id, row_index, input, output, status, error,
	tokens_in, tokens_out, model, tools_used, created_at, updated_at`

// terminalStatusList is the SQL literal list of terminal batch statuses.
var terminalStatusList = func() string {
	quoted := make([]string, len(domain.TerminalBatchStatuses))
	for i, s := range domain.TerminalBatchStatuses {
		quoted[i] = "'" + string(s) + "'"
	}
	return strings.Join(quoted, ", ")
}()

// PostgresBatchStore implements the store.BatchStore interface using PostgreSQL.
type PostgresBatchStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresBatchStore creates a new PostgreSQL implementation of the BatchStore interface.
func NewPostgresBatchStore(db store.DBTX, logger *slog.Logger) *PostgresBatchStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresBatchStore{
		db:     db,
		logger: logger.With(slog.String("component", "batch_store")),
	}
}

var _ store.BatchStore = (*PostgresBatchStore)(nil)

// WithTx returns a new BatchStore instance that uses the provided transaction.
func (s *PostgresBatchStore) WithTx(tx *sql.Tx) store.BatchStore {
	return &PostgresBatchStore{db: tx, logger: s.logger}
}

// Create implements store.BatchStore.Create. When the store is bound to a
// connection pool it opens its own transaction; when bound to a transaction
// it writes into the caller's.
func (s *PostgresBatchStore) Create(
	ctx context.Context,
	batch *domain.Batch,
	rows []*domain.RowResult,
) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
	}
	for _, row := range rows {
		if row.BatchID != batch.ID {
			return fmt.Errorf("%w: row %d belongs to another batch", store.ErrInvalidEntity, row.RowIndex)
		}
	}

	if db, ok := s.db.(*sql.DB); ok {
		return store.RunInTransaction(ctx, db, func(ctx context.Context, tx *sql.Tx) error {
			return s.create(ctx, tx, batch, rows)
		})
	}
	return s.create(ctx, s.db, batch, rows)
}

func (s *PostgresBatchStore) create(
	ctx context.Context,
	db store.DBTX,
	batch *domain.Batch,
	rows []*domain.RowResult,
) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	config, err := json.Marshal(batch.Config)
	if err != nil {
		return fmt.Errorf("%w: batch config: %v", store.ErrInvalidEntity, err)
	}

	query := `INSERT INTO batches (` + batchColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err = db.ExecContext(ctx, query,
		batch.ID,
		batch.OwnerID,
		string(batch.Status),
		batch.TotalRows,
		batch.ProcessedRows,
		batch.ProgressPercent,
		string(config),
		batch.CreatedAt,
		batch.UpdatedAt,
	)
	if err != nil {
		log.Error("failed to insert batch",
			slog.String("batch_id", batch.ID.String()),
			slog.String("error", err.Error()))
		return MapUniqueViolation(err, store.ErrBatchExists)
	}

	if err := upsertRowResults(ctx, db, rows); err != nil {
		log.Error("failed to insert pending rows",
			slog.String("batch_id", batch.ID.String()),
			slog.Int("rows", len(rows)),
			slog.String("error", err.Error()))
		return err
	}

	log.Debug("batch created",
		slog.String("batch_id", batch.ID.String()),
		slog.Int("rows", len(rows)))
	return nil
}

// GetByID implements store.BatchStore.GetByID.
func (s *PostgresBatchStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches WHERE id = $1`
	batch, err := scanBatch(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrBatchNotFound
		}
		return nil, fmt.Errorf("failed to get batch: %w", MapError(err))
	}
	return batch, nil
}

// ListByOwner implements store.BatchStore.ListByOwner.
func (s *PostgresBatchStore) ListByOwner(
	ctx context.Context,
	ownerID uuid.UUID,
	limit, offset int,
) ([]*domain.Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`
	rows, err := s.db.QueryContext(ctx, query, ownerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	batches := make([]*domain.Batch, 0)
	for rows.Next() {
		batch, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		batches = append(batches, batch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating batches: %w", err)
	}
	return batches, nil
}

// TransitionStatus implements store.BatchStore.TransitionStatus.
func (s *PostgresBatchStore) TransitionStatus(
	ctx context.Context,
	id uuid.UUID,
	target domain.BatchStatus,
) (bool, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if !target.IsValid() {
		return false, fmt.Errorf("%w: %q", domain.ErrInvalidBatchStatus, target)
	}

	query := `UPDATE batches SET status = $2, updated_at = $3
		WHERE id = $1 AND status NOT IN (` + terminalStatusList + `)`
	result, err := s.db.ExecContext(ctx, query, id, string(target), time.Now().UTC())
	if err != nil {
		log.Error("failed to transition batch",
			slog.String("batch_id", id.String()),
			slog.String("target", string(target)),
			slog.String("error", err.Error()))
		return false, fmt.Errorf("failed to transition batch: %w", MapError(err))
	}

	if err := CheckRowsAffected(result, store.ErrBatchNotFound); err == nil {
		log.Debug("batch transitioned",
			slog.String("batch_id", id.String()),
			slog.String("status", string(target)))
		return true, nil
	} else if !errors.Is(err, store.ErrBatchNotFound) {
		return false, err
	}

	// Nothing changed: either the batch is unknown or it is already terminal.
	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM batches WHERE id = $1`, id).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, store.ErrBatchNotFound
		}
		return false, fmt.Errorf("failed to read batch status: %w", MapError(err))
	}

	log.Debug("transition skipped, batch already terminal",
		slog.String("batch_id", id.String()),
		slog.String("status", current),
		slog.String("target", string(target)))
	return false, nil
}

// UpsertRowResults implements store.BatchStore.UpsertRowResults.
func (s *PostgresBatchStore) UpsertRowResults(ctx context.Context, results []*domain.RowResult) error {
	for _, r := range results {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
		}
	}
	if err := upsertRowResults(ctx, s.db, results); err != nil {
		logger.FromContextOrDefault(ctx, s.logger).Error("failed to upsert row results",
			slog.Int("rows", len(results)),
			slog.String("error", err.Error()))
		if IsForeignKeyViolation(err) {
			return store.ErrBatchNotFound
		}
		return err
	}
	return nil
}

// upsertRowResults writes rows in chunks keyed by (batch_id, row_index). An
// empty input snapshot never replaces a stored one.
func upsertRowResults(ctx context.Context, db store.DBTX, results []*domain.RowResult) error {
	const columnsPerRow = 12

	for start := 0; start < len(results); start += rowWriteChunkSize {
		end := min(start+rowWriteChunkSize, len(results))
		chunk := results[start:end]

		var sb strings.Builder
		sb.WriteString(`INSERT INTO row_results (` + rowResultColumns + `) VALUES `)
		args := make([]any, 0, len(chunk)*columnsPerRow)
		for i, r := range chunk {
			if i > 0 {
				sb.WriteString(", ")
			}
			base := i * columnsPerRow
			sb.WriteString("(")
			for c := 1; c <= columnsPerRow; c++ {
				if c > 1 {
					sb.WriteString(", ")
				}
				fmt.Fprintf(&sb, "$%d", base+c)
			}
			sb.WriteString(")")

			tools, err := json.Marshal(nonNil(r.ToolsUsed))
			if err != nil {
				return fmt.Errorf("%w: tools_used: %v", store.ErrInvalidEntity, err)
			}
			args = append(args,
				r.BatchID,
				r.RowIndex,
				jsonOrDefault(r.Input, "{}"),
				nullableJSON(r.Output),
				string(r.Status),
				r.Error,
				r.TokensIn,
				r.TokensOut,
				r.Model,
				string(tools),
				r.CreatedAt,
				r.UpdatedAt,
			)
		}
		sb.WriteString(` ON CONFLICT (batch_id, row_index) DO UPDATE SET
			input = CASE WHEN EXCLUDED.input = '{}'::jsonb THEN row_results.input ELSE EXCLUDED.input END,
			output = EXCLUDED.output,
			status = EXCLUDED.status,
			error = EXCLUDED.error,
			tokens_in = EXCLUDED.tokens_in,
			tokens_out = EXCLUDED.tokens_out,
			model = EXCLUDED.model,
			tools_used = EXCLUDED.tools_used,
			updated_at = EXCLUDED.updated_at`)

		if _, err := db.ExecContext(ctx, sb.String(), args...); err != nil {
			if IsForeignKeyViolation(err) {
				return err
			}
			return fmt.Errorf("failed to upsert row results: %w", MapError(err))
		}
	}
	return nil
}

// ListRowResults implements store.BatchStore.ListRowResults.
func (s *PostgresBatchStore) ListRowResults(
	ctx context.Context,
	batchID uuid.UUID,
) ([]*domain.RowResult, error) {
	query := `SELECT ` + rowResultColumns + ` FROM row_results
		WHERE batch_id = $1
		ORDER BY row_index ASC`
	rows, err := s.db.QueryContext(ctx, query, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list row results: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	results := make([]*domain.RowResult, 0)
	for rows.Next() {
		var (
			r         domain.RowResult
			input     []byte
			output    []byte
			status    string
			errMsg    sql.NullString
			toolsJSON []byte
		)
		if err := rows.Scan(
			&r.BatchID, &r.RowIndex, &input, &output, &status, &errMsg,
			&r.TokensIn, &r.TokensOut, &r.Model, &toolsJSON, &r.CreatedAt, &r.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan row result: %w", err)
		}
		r.Status = domain.RowStatus(status)
		r.Input = input
		if len(output) > 0 {
			r.Output = output
		}
		if errMsg.Valid {
			msg := errMsg.String
			r.Error = &msg
		}
		r.ToolsUsed = []string{}
		if len(toolsJSON) > 0 {
			if err := json.Unmarshal(toolsJSON, &r.ToolsUsed); err != nil {
				return nil, fmt.Errorf("failed to decode tools_used: %w", err)
			}
		}
		results = append(results, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating row results: %w", err)
	}
	return results, nil
}

// CountFinishedRows implements store.BatchStore.CountFinishedRows.
func (s *PostgresBatchStore) CountFinishedRows(
	ctx context.Context,
	batchID uuid.UUID,
) (domain.RowCounts, error) {
	query := `SELECT
			COUNT(*) FILTER (WHERE status = 'success'),
			COUNT(*) FILTER (WHERE status = 'error')
		FROM row_results WHERE batch_id = $1`
	var counts domain.RowCounts
	if err := s.db.QueryRowContext(ctx, query, batchID).Scan(&counts.Succeeded, &counts.Failed); err != nil {
		return domain.RowCounts{}, fmt.Errorf("failed to count finished rows: %w", MapError(err))
	}
	return counts, nil
}

// CorrectTotalRows implements store.BatchStore.CorrectTotalRows.
func (s *PostgresBatchStore) CorrectTotalRows(ctx context.Context, id uuid.UUID, total int) (bool, error) {
	if total <= 0 {
		return false, nil
	}
	query := `UPDATE batches SET total_rows = $2, updated_at = $3
		WHERE id = $1 AND total_rows = 0`
	result, err := s.db.ExecContext(ctx, query, id, total, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to correct total rows: %w", MapError(err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected > 0 {
		logger.FromContextOrDefault(ctx, s.logger).Info("corrected batch total rows",
			slog.String("batch_id", id.String()),
			slog.Int("total_rows", total))
	}
	return affected > 0, nil
}

// RefreshProcessedRows implements store.BatchStore.RefreshProcessedRows.
func (s *PostgresBatchStore) RefreshProcessedRows(ctx context.Context, id uuid.UUID) (int, error) {
	query := `UPDATE batches b SET
			processed_rows = CASE WHEN b.total_rows > 0 THEN LEAST(c.n, b.total_rows) ELSE c.n END,
			updated_at = $2
		FROM (
			SELECT COUNT(*)::int AS n FROM row_results
			WHERE batch_id = $1 AND status IN ('success', 'error')
		) c
		WHERE b.id = $1
		RETURNING b.processed_rows`
	var processed int
	if err := s.db.QueryRowContext(ctx, query, id, time.Now().UTC()).Scan(&processed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, store.ErrBatchNotFound
		}
		return 0, fmt.Errorf("failed to refresh processed rows: %w", MapError(err))
	}
	return processed, nil
}

// RecordProgress implements store.BatchStore.RecordProgress.
func (s *PostgresBatchStore) RecordProgress(ctx context.Context, id uuid.UUID, percent int) (int, error) {
	percent = max(0, min(100, percent))
	query := `UPDATE batches SET progress_percent = GREATEST(progress_percent, $2)
		WHERE id = $1
		RETURNING progress_percent`
	var stored int
	if err := s.db.QueryRowContext(ctx, query, id, percent).Scan(&stored); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, store.ErrBatchNotFound
		}
		return 0, fmt.Errorf("failed to record progress: %w", MapError(err))
	}
	return stored, nil
}

// CountActiveSince implements store.BatchStore.CountActiveSince.
func (s *PostgresBatchStore) CountActiveSince(
	ctx context.Context,
	ownerID uuid.UUID,
	since time.Time,
) (int, error) {
	query := `SELECT COUNT(*) FROM batches
		WHERE owner_id = $1 AND status IN ('pending', 'processing') AND created_at >= $2`
	var n int
	if err := s.db.QueryRowContext(ctx, query, ownerID, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count active batches: %w", MapError(err))
	}
	return n, nil
}

// CountCreatedSince implements store.BatchStore.CountCreatedSince.
func (s *PostgresBatchStore) CountCreatedSince(
	ctx context.Context,
	ownerID uuid.UUID,
	since time.Time,
) (int, error) {
	query := `SELECT COUNT(*) FROM batches WHERE owner_id = $1 AND created_at >= $2`
	var n int
	if err := s.db.QueryRowContext(ctx, query, ownerID, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count batches: %w", MapError(err))
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatch(row rowScanner) (*domain.Batch, error) {
	var (
		b      domain.Batch
		status string
		config []byte
	)
	if err := row.Scan(
		&b.ID, &b.OwnerID, &status, &b.TotalRows, &b.ProcessedRows, &b.ProgressPercent,
		&config, &b.CreatedAt, &b.UpdatedAt,
	); err != nil {
		return nil, err
	}
	b.Status = domain.BatchStatus(status)
	if len(config) > 0 {
		if err := json.Unmarshal(config, &b.Config); err != nil {
			return nil, fmt.Errorf("failed to decode batch config: %w", err)
		}
	}
	return &b, nil
}

// nullableJSON converts raw JSON into a query argument, mapping empty input to NULL.
func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func jsonOrDefault(raw json.RawMessage, def string) string {
	if len(raw) == 0 {
		return def
	}
	return string(raw)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
