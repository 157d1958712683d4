package postgres_test

import (
	"context"
	"database/sql"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/phrazzld/enrich-api/internal/domain"
	"github.com/phrazzld/enrich-api/internal/platform/postgres"
	"github.com/phrazzld/enrich-api/internal/testdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createBatch(t *testing.T, ctx context.Context, s *postgres.PostgresBatchStore, rows int) *domain.Batch {
	t.Helper()
	batch, err := domain.NewBatch(uuid.New(), rows, domain.BatchConfig{Prompt: "Describe {{name}}"})
	require.NoError(t, err)

	pending := make([]*domain.RowResult, 0, rows)
	for i := range rows {
		r, err := domain.NewPendingRowResult(batch.ID, i, domain.Row{"name": i})
		require.NoError(t, err)
		pending = append(pending, r)
	}
	require.NoError(t, s.Create(ctx, batch, pending))
	return batch
}

func TestBatchStore_RedeliveredResultsDoNotDuplicate(t *testing.T) {
	t.Parallel()
	db := testdb.GetTestDBWithT(t)

	testdb.WithTx(t, db, func(t *testing.T, tx *sql.Tx) {
		ctx := context.Background()
		s := postgres.NewPostgresBatchStore(tx, nil)
		batch := createBatch(t, ctx, s, 3)

		rows, err := s.ListRowResults(ctx, batch.ID)
		require.NoError(t, err)
		for _, r := range rows {
			r.Succeed([]byte(`{"ok":true}`), 1, 1, "gemini", nil)
		}

		for range 2 {
			require.NoError(t, s.UpsertRowResults(ctx, rows))
		}

		stored, err := s.ListRowResults(ctx, batch.ID)
		require.NoError(t, err)
		assert.Len(t, stored, 3)

		// A webhook result without an input snapshot keeps the original input.
		late := &domain.RowResult{BatchID: batch.ID, RowIndex: 1, Status: domain.RowStatusError}
		late.Fail("timeout")
		require.NoError(t, s.UpsertRowResults(ctx, []*domain.RowResult{late}))

		stored, err = s.ListRowResults(ctx, batch.ID)
		require.NoError(t, err)
		assert.JSONEq(t, `{"name":1}`, string(stored[1].Input))
		assert.Equal(t, domain.RowStatusError, stored[1].Status)

		counts, err := s.CountFinishedRows(ctx, batch.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.RowCounts{Succeeded: 2, Failed: 1}, counts)

		processed, err := s.RefreshProcessedRows(ctx, batch.ID)
		require.NoError(t, err)
		assert.Equal(t, 3, processed)
	})
}

func TestBatchStore_TerminalTransitionAppliesOnce(t *testing.T) {
	t.Parallel()
	db := testdb.GetTestDBWithT(t)

	ctx := context.Background()
	s := postgres.NewPostgresBatchStore(db, nil)
	batch := createBatch(t, ctx, s, 1)
	t.Cleanup(func() {
		_, _ = db.ExecContext(context.Background(), "DELETE FROM batches WHERE id = $1", batch.ID)
	})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	targets := []domain.BatchStatus{
		domain.BatchStatusCompleted,
		domain.BatchStatusCompletedWithErrors,
		domain.BatchStatusCompleted,
		domain.BatchStatusFailed,
	}
	for _, target := range targets {
		wg.Add(1)
		go func(target domain.BatchStatus) {
			defer wg.Done()
			ok, err := s.TransitionStatus(ctx, batch.ID, target)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}(target)
	}
	wg.Wait()

	assert.Equal(t, 1, applied)

	got, err := s.GetByID(ctx, batch.ID)
	require.NoError(t, err)
	assert.True(t, got.Status.IsTerminal())
}

func TestBatchStore_LateTotalRowsCorrection(t *testing.T) {
	t.Parallel()
	db := testdb.GetTestDBWithT(t)

	testdb.WithTx(t, db, func(t *testing.T, tx *sql.Tx) {
		ctx := context.Background()
		s := postgres.NewPostgresBatchStore(tx, nil)
		batch := createBatch(t, ctx, s, 0)

		applied, err := s.CorrectTotalRows(ctx, batch.ID, 40)
		require.NoError(t, err)
		assert.True(t, applied)

		applied, err = s.CorrectTotalRows(ctx, batch.ID, 55)
		require.NoError(t, err)
		assert.False(t, applied)

		got, err := s.GetByID(ctx, batch.ID)
		require.NoError(t, err)
		assert.Equal(t, 40, got.TotalRows)
	})
}

func TestBatchStore_ProgressHighWaterMark(t *testing.T) {
	t.Parallel()
	db := testdb.GetTestDBWithT(t)

	testdb.WithTx(t, db, func(t *testing.T, tx *sql.Tx) {
		ctx := context.Background()
		s := postgres.NewPostgresBatchStore(tx, nil)
		batch := createBatch(t, ctx, s, 10)

		for _, tc := range []struct{ in, want int }{{40, 40}, {25, 40}, {60, 60}} {
			stored, err := s.RecordProgress(ctx, batch.ID, tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, stored)
		}
	})
}

func TestArtifactStore_UniquePerOwnerTypeKey(t *testing.T) {
	t.Parallel()
	db := testdb.GetTestDBWithT(t)

	testdb.WithTx(t, db, func(t *testing.T, tx *sql.Tx) {
		ctx := context.Background()
		batches := postgres.NewPostgresBatchStore(tx, nil)
		artifacts := postgres.NewPostgresArtifactStore(tx, nil)
		batch := createBatch(t, ctx, batches, 1)

		build := func(email string) *domain.Artifact {
			a, err := domain.NewArtifact(domain.ArtifactTypeContact, batch.OwnerID, batch.ID,
				map[string]any{"email": email}, nil)
			require.NoError(t, err)
			return a
		}
		noKey, err := domain.NewArtifact(domain.ArtifactTypeContact, batch.OwnerID, batch.ID,
			map[string]any{"name": "anonymous"}, nil)
		require.NoError(t, err)

		inserted, err := artifacts.InsertMany(ctx, []*domain.Artifact{build("Ada@Example.com"), noKey})
		require.NoError(t, err)
		assert.Equal(t, 2, inserted)

		inserted, err = artifacts.InsertMany(ctx, []*domain.Artifact{build(" ada@example.com ")})
		require.NoError(t, err)
		assert.Equal(t, 0, inserted)

		existing, err := artifacts.ExistingKeys(ctx, batch.OwnerID, domain.ArtifactTypeContact,
			[]string{"ada@example.com", "grace@example.com"})
		require.NoError(t, err)
		assert.Contains(t, existing, "ada@example.com")
		assert.NotContains(t, existing, "grace@example.com")

		listed, err := artifacts.ListByBatch(ctx, batch.ID)
		require.NoError(t, err)
		assert.Len(t, listed, 2)
	})
}
