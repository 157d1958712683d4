// Package reconcile ingests completion reports from the remote generation
// backend. Reports may be delivered more than once and may race the inline
// dispatch path; every write is an idempotent upsert and the terminal
// transition is a single conditional update, so repeated or concurrent
// deliveries settle on one outcome.
package reconcile

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/phrazzld/enrich-api/internal/config"
	"github.com/phrazzld/enrich-api/internal/domain"
	"github.com/phrazzld/enrich-api/internal/events"
	"github.com/phrazzld/enrich-api/internal/platform/logger"
	"github.com/phrazzld/enrich-api/internal/service/dispatch"
	"github.com/phrazzld/enrich-api/internal/store"
)

// Result describes the outcome of one delivery.
type Result struct {
	BatchID uuid.UUID
	Status  domain.BatchStatus
	// Duplicate is true when the batch was already terminal and nothing
	// was written.
	Duplicate bool
	// RowsWritten is the number of row results upserted.
	RowsWritten int
}

// Reconciler applies completion reports to stored batches.
type Reconciler struct {
	batches store.BatchStore
	emitter events.EventEmitter
	secret  string
	strict  bool
	logger  *slog.Logger
}

// NewReconciler creates a Reconciler.
func NewReconciler(
	batches store.BatchStore,
	emitter events.EventEmitter,
	cfg config.WebhookConfig,
	logger *slog.Logger,
) *Reconciler {
	if batches == nil {
		panic("batches cannot be nil")
	}
	if emitter == nil {
		panic("emitter cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		batches: batches,
		emitter: emitter,
		secret:  cfg.Secret,
		strict:  cfg.Strict,
		logger:  logger.With(slog.String("component", "webhook_reconciler")),
	}
}

// Authenticate checks the shared secret sent with a delivery. In strict
// mode a missing or wrong secret is rejected with domain.ErrUnauthorized;
// otherwise the mismatch is logged and the delivery accepted.
func (r *Reconciler) Authenticate(ctx context.Context, provided string) error {
	if r.secret != "" && subtle.ConstantTimeCompare([]byte(provided), []byte(r.secret)) == 1 {
		return nil
	}
	log := logger.FromContextOrDefault(ctx, r.logger)
	if r.strict {
		log.Warn("rejected webhook with invalid secret", slog.Bool("secret_present", provided != ""))
		return domain.ErrUnauthorized
	}
	log.Warn("accepting webhook without a valid secret (permissive mode)",
		slog.Bool("secret_present", provided != ""),
		slog.Bool("secret_configured", r.secret != ""))
	return nil
}

// Reconcile authenticates and applies one delivery.
func (r *Reconciler) Reconcile(ctx context.Context, body []byte, secret string) (*Result, error) {
	if err := r.Authenticate(ctx, secret); err != nil {
		return nil, err
	}

	payload, batchID, err := DecodePayload(body)
	if err != nil {
		return nil, err
	}
	return r.Apply(ctx, batchID, payload)
}

// Apply writes a decoded report to the batch and performs the guarded
// terminal transition.
func (r *Reconciler) Apply(ctx context.Context, batchID uuid.UUID, payload *Payload) (*Result, error) {
	log := logger.FromContextOrDefault(ctx, r.logger).With(slog.String("batch_id", batchID.String()))

	batch, err := r.batches.GetByID(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch.Status.IsTerminal() {
		log.Info("ignoring delivery for terminal batch", slog.String("status", string(batch.Status)))
		return &Result{BatchID: batchID, Status: batch.Status, Duplicate: true}, nil
	}

	normalized, err := normalizeResults(payload.Results)
	if err != nil {
		return nil, err
	}
	total := batch.TotalRows
	if total <= 0 {
		total = payload.TotalRows
	}
	if err := checkRowBounds(normalized, total); err != nil {
		return nil, err
	}

	rows := make([]*domain.RowResult, 0, len(normalized))
	shapes := make(map[string]int)
	for _, n := range normalized {
		rows = append(rows, n.rowResult(batchID))
		shapes[n.Shape.String()]++
	}

	if len(rows) > 0 {
		if err := r.batches.UpsertRowResults(ctx, rows); err != nil {
			return nil, fmt.Errorf("failed to write row results: %w", err)
		}
	}

	if batch.TotalRows == 0 && payload.TotalRows > 0 {
		if _, err := r.batches.CorrectTotalRows(ctx, batchID, payload.TotalRows); err != nil {
			return nil, fmt.Errorf("failed to correct total rows: %w", err)
		}
	}

	if _, err := r.batches.RefreshProcessedRows(ctx, batchID); err != nil {
		return nil, fmt.Errorf("failed to refresh processed rows: %w", err)
	}

	counts, err := r.batches.CountFinishedRows(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to count finished rows: %w", err)
	}

	final := aggregateStatus(payload, counts)
	applied, err := r.batches.TransitionStatus(ctx, batchID, final)
	if err != nil {
		return nil, fmt.Errorf("failed to complete batch: %w", err)
	}

	log.Info("webhook reconciled",
		slog.Int("rows", len(rows)),
		slog.Any("shapes", shapes),
		slog.String("status", string(final)),
		slog.Bool("transition_applied", applied))

	result := &Result{BatchID: batchID, Status: final, RowsWritten: len(rows)}
	if !applied {
		current, err := r.batches.GetByID(ctx, batchID)
		if err == nil {
			result.Status = current.Status
		}
		return result, nil
	}

	if batch.Config.ArtifactType != "" && final != domain.BatchStatusFailed && counts.Succeeded > 0 {
		dispatch.RequestArtifacts(logger.WithLogger(ctx, log), r.emitter, batchID)
	}
	return result, nil
}

// aggregateStatus picks the terminal status for a report. A failed report
// with no successful rows fails the batch; any failure otherwise completes
// it with errors.
func aggregateStatus(p *Payload, counts domain.RowCounts) domain.BatchStatus {
	if p.Status == PayloadStatusFailed && counts.Succeeded == 0 && p.Successful == 0 {
		return domain.BatchStatusFailed
	}
	if counts.Failed > 0 || p.Failed > 0 || p.Status == PayloadStatusFailed {
		return domain.BatchStatusCompletedWithErrors
	}
	return domain.BatchStatusCompleted
}

func (n normalizedResult) rowResult(batchID uuid.UUID) *domain.RowResult {
	r := &domain.RowResult{
		BatchID:  batchID,
		RowIndex: n.RowIndex,
	}
	if n.Failed {
		r.Fail(n.Error)
		r.TokensIn, r.TokensOut, r.Model = n.TokensIn, n.TokensOut, n.Model
		r.ToolsUsed = []string{}
	} else {
		r.Succeed(n.Output, n.TokensIn, n.TokensOut, n.Model, n.ToolsUsed)
	}
	r.CreatedAt = r.UpdatedAt
	return r
}
