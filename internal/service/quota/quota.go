// Package quota enforces per-owner submission limits. Every check is
// recomputed from the batch store, so limits hold across any number of
// service instances.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/enrich-api/internal/config"
	"github.com/phrazzld/enrich-api/internal/domain"
	"github.com/phrazzld/enrich-api/internal/platform/logger"
)

// ErrQuotaExceeded is returned when an owner has reached a submission limit.
var ErrQuotaExceeded = errors.New("quota exceeded")

// Limit names a quota.
type Limit string

const (
	LimitConcurrentBatches Limit = "concurrent_batches"
	LimitDailyBatches      Limit = "daily_batches"
)

// ExceededError describes which limit was hit. It matches ErrQuotaExceeded.
type ExceededError struct {
	Limit   Limit
	Max     int
	Current int
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota exceeded: %s limit is %d, currently %d", e.Limit, e.Max, e.Current)
}

// Is reports ErrQuotaExceeded.
func (e *ExceededError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

// Counter is the part of store.BatchStore the guard reads.
type Counter interface {
	CountActiveSince(ctx context.Context, ownerID uuid.UUID, since time.Time) (int, error)
	CountCreatedSince(ctx context.Context, ownerID uuid.UUID, since time.Time) (int, error)
}

// Guard approves or rejects batch submissions.
type Guard struct {
	counter Counter
	cfg     config.QuotaConfig
	logger  *slog.Logger
	now     func() time.Time
}

// NewGuard creates a Guard.
func NewGuard(counter Counter, cfg config.QuotaConfig, logger *slog.Logger) *Guard {
	if counter == nil {
		panic("counter cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		counter: counter,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "quota_guard")),
		now:     time.Now,
	}
}

// Check runs the limits in order: rows per batch, concurrent batches within
// the staleness window, then batches created since the start of the UTC day.
// Too many rows is a validation error. A failing count query is logged and
// the check passes.
func (g *Guard) Check(ctx context.Context, ownerID uuid.UUID, rows int) error {
	log := logger.FromContextOrDefault(ctx, g.logger).With(slog.String("owner_id", ownerID.String()))

	if rows > g.cfg.MaxRowsPerBatch {
		return domain.NewValidationError("rows",
			fmt.Sprintf("batch has %d rows, the maximum is %d", rows, g.cfg.MaxRowsPerBatch), nil)
	}

	now := g.now().UTC()

	active, err := g.counter.CountActiveSince(ctx, ownerID, now.Add(-g.cfg.StalenessWindow))
	if err != nil {
		log.Warn("concurrent batch count failed, allowing submission", slog.String("error", err.Error()))
	} else if active >= g.cfg.MaxConcurrentBatches {
		log.Info("concurrent batch limit reached", slog.Int("active", active))
		return &ExceededError{Limit: LimitConcurrentBatches, Max: g.cfg.MaxConcurrentBatches, Current: active}
	}

	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	today, err := g.counter.CountCreatedSince(ctx, ownerID, startOfDay)
	if err != nil {
		log.Warn("daily batch count failed, allowing submission", slog.String("error", err.Error()))
	} else if today >= g.cfg.MaxDailyBatches {
		log.Info("daily batch limit reached", slog.Int("today", today))
		return &ExceededError{Limit: LimitDailyBatches, Max: g.cfg.MaxDailyBatches, Current: today}
	}

	return nil
}
