package progress

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/enrich-api/internal/domain"
	"github.com/phrazzld/enrich-api/internal/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var created = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func batchWith(status domain.BatchStatus, total int) *domain.Batch {
	return &domain.Batch{
		ID:        uuid.New(),
		OwnerID:   uuid.New(),
		Status:    status,
		TotalRows: total,
		Config:    domain.BatchConfig{Prompt: "p"},
		CreatedAt: created,
	}
}

func TestEstimate(t *testing.T) {
	t.Parallel()

	avg := 3 * time.Second

	tests := []struct {
		name     string
		status   domain.BatchStatus
		total    int
		finished int
		elapsed  time.Duration
		want     int
	}{
		{"completed", domain.BatchStatusCompleted, 10, 3, 0, 100},
		{"completed with errors", domain.BatchStatusCompletedWithErrors, 0, 0, 0, 100},
		{"ground truth", domain.BatchStatusProcessing, 10, 4, time.Hour, 40},
		{"ground truth clamps to 100", domain.BatchStatusProcessing, 10, 12, 0, 100},
		{"unknown total ignores finished", domain.BatchStatusProcessing, 0, 7, 0, 0},
		{"time based", domain.BatchStatusProcessing, 10, 0, 15 * time.Second, 50},
		{"time based capped at 90", domain.BatchStatusProcessing, 10, 0, time.Hour, 90},
		{"time based unknown total", domain.BatchStatusPending, 0, 0, time.Hour, 0},
		{"clock behind creation", domain.BatchStatusPending, 10, 0, -time.Minute, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b := batchWith(tt.status, tt.total)
			assert.Equal(t, tt.want, Estimate(b, tt.finished, avg, created.Add(tt.elapsed)))
		})
	}
}

func TestEstimate_SubMillisecondRowDuration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		total   int
		avg     time.Duration
		elapsed time.Duration
		want    int
	}{
		{"single fast row", 1, 500 * time.Microsecond, time.Second, MaxTimeBasedPercent},
		{"halfway through fast rows", 4, 500 * time.Microsecond, time.Millisecond, 50},
		{"one nanosecond rows", 3, time.Nanosecond, time.Nanosecond, 33},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b := batchWith(domain.BatchStatusProcessing, tt.total)
			assert.NotPanics(t, func() {
				assert.Equal(t, tt.want, Estimate(b, 0, tt.avg, created.Add(tt.elapsed)))
			})
		})
	}
}

// A batch whose size is only learned from the backend callback must report
// progress against the corrected total.
func TestEstimator_LateTotalCorrection(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := mocks.NewMockBatchStore()
	b := batchWith(domain.BatchStatusProcessing, 0)
	s.Put(b)

	e := NewEstimator(s, 3*time.Second, nil)
	e.now = func() time.Time { return created.Add(time.Minute) }

	before := e.Progress(ctx, s.Snapshot(b.ID), 2)
	assert.Less(t, before, 100)
	assert.Zero(t, s.Snapshot(b.ID).ProgressPercent)

	applied, err := s.CorrectTotalRows(ctx, b.ID, 5)
	require.NoError(t, err)
	require.True(t, applied)

	after := e.Progress(ctx, s.Snapshot(b.ID), 2)
	assert.Equal(t, 40, after)
	assert.GreaterOrEqual(t, after, before)
	assert.Equal(t, 40, s.Snapshot(b.ID).ProgressPercent)
}

// The time-based estimate can run ahead of the first ground-truth value;
// the displayed value must not drop when the source switches.
func TestEstimator_MonotonicAcrossModeSwitch(t *testing.T) {
	t.Parallel()

	s := mocks.NewMockBatchStore()
	b := batchWith(domain.BatchStatusProcessing, 10)
	s.Put(b)

	e := NewEstimator(s, 3*time.Second, nil)
	e.now = func() time.Time { return created.Add(24 * time.Second) }

	current := func() *domain.Batch { return s.Snapshot(b.ID) }

	assert.Equal(t, 80, e.Progress(context.Background(), current(), 0))
	assert.Equal(t, 80, e.Progress(context.Background(), current(), 2))

	upd := current()
	upd.ProcessedRows = 9
	assert.Equal(t, 90, e.Progress(context.Background(), upd, 9))
	assert.Equal(t, 90, current().ProgressPercent)
}

func TestEstimator_RecordFailureFallsBack(t *testing.T) {
	t.Parallel()

	recorder := recorderFunc(func(ctx context.Context, id uuid.UUID, pct int) (int, error) {
		return 0, errors.New("db down")
	})
	e := NewEstimator(recorder, time.Second, nil)

	b := batchWith(domain.BatchStatusProcessing, 10)
	b.ProgressPercent = 70
	assert.Equal(t, 70, e.Progress(context.Background(), b, 3))

	b.ProgressPercent = 10
	assert.Equal(t, 30, e.Progress(context.Background(), b, 3))
}

func TestEstimator_SkipsWriteWhenNotHigher(t *testing.T) {
	t.Parallel()

	calls := 0
	recorder := recorderFunc(func(ctx context.Context, id uuid.UUID, pct int) (int, error) {
		calls++
		return pct, nil
	})
	e := NewEstimator(recorder, time.Second, nil)

	b := batchWith(domain.BatchStatusProcessing, 10)
	b.ProgressPercent = 50
	require.Equal(t, 50, e.Progress(context.Background(), b, 2))
	assert.Zero(t, calls)
}

type recorderFunc func(ctx context.Context, id uuid.UUID, pct int) (int, error)

func (f recorderFunc) RecordProgress(ctx context.Context, id uuid.UUID, pct int) (int, error) {
	return f(ctx, id, pct)
}
