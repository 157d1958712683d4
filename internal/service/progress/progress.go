// Package progress estimates how far a batch has come. Readers see the
// stored high-water mark, so displayed progress never moves backwards when
// the estimate switches from elapsed time to finished rows or when several
// instances answer status requests.
package progress

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/enrich-api/internal/domain"
	"github.com/phrazzld/enrich-api/internal/platform/logger"
)

// MaxTimeBasedPercent caps estimates made before any row has finished.
const MaxTimeBasedPercent = 90

// Recorder persists the progress high-water mark.
type Recorder interface {
	RecordProgress(ctx context.Context, id uuid.UUID, percent int) (int, error)
}

// Estimate computes the raw progress of a batch with finished rows done.
//
// Completed batches are at 100. While the total is unknown the estimate is 0
// so nothing is recorded against a denominator that may still change. Once
// any row has finished it is finished/total; before that it is elapsed time
// against total*avgRow, capped at MaxTimeBasedPercent.
func Estimate(batch *domain.Batch, finished int, avgRow time.Duration, now time.Time) int {
	switch batch.Status {
	case domain.BatchStatusCompleted, domain.BatchStatusCompletedWithErrors:
		return 100
	}

	if batch.TotalRows <= 0 {
		return 0
	}
	if finished > 0 {
		return clamp(finished*100/batch.TotalRows, 0, 100)
	}

	if avgRow <= 0 {
		return 0
	}
	elapsed := now.Sub(batch.CreatedAt)
	expected := time.Duration(batch.TotalRows) * avgRow
	if elapsed <= 0 || expected <= 0 {
		return 0
	}
	return clamp(int(elapsed*100/expected), 0, MaxTimeBasedPercent)
}

// Estimator combines Estimate with the stored high-water mark.
type Estimator struct {
	recorder Recorder
	avgRow   time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewEstimator creates an Estimator.
func NewEstimator(recorder Recorder, avgRow time.Duration, logger *slog.Logger) *Estimator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Estimator{
		recorder: recorder,
		avgRow:   avgRow,
		logger:   logger.With(slog.String("component", "progress_estimator")),
		now:      time.Now,
	}
}

// Progress returns the percentage to display for batch. When the high-water
// mark cannot be stored the larger of the estimate and the last known value
// is returned.
func (e *Estimator) Progress(ctx context.Context, batch *domain.Batch, finished int) int {
	estimate := Estimate(batch, max(finished, batch.ProcessedRows), e.avgRow, e.now())
	fallback := max(estimate, batch.ProgressPercent)

	if estimate <= batch.ProgressPercent {
		return fallback
	}

	stored, err := e.recorder.RecordProgress(ctx, batch.ID, estimate)
	if err != nil {
		logger.FromContextOrDefault(ctx, e.logger).Warn("failed to record progress",
			slog.String("batch_id", batch.ID.String()),
			slog.Int("estimate", estimate),
			slog.String("error", err.Error()))
		return fallback
	}
	return stored
}

func clamp(v, lo, hi int) int {
	return max(lo, min(hi, v))
}
