package dedup

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/phrazzld/enrich-api/internal/domain"
	"github.com/phrazzld/enrich-api/internal/mocks"
	"github.com/phrazzld/enrich-api/internal/platform/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(artifacts *mocks.MockArtifactStore, batches *mocks.MockBatchStore) *Service {
	log, _ := logger.NewTestLogger()
	return NewService(artifacts, batches, log)
}

func artifact(t *testing.T, owner uuid.UUID, artifactType domain.ArtifactType, data map[string]any) *domain.Artifact {
	t.Helper()
	a, err := domain.NewArtifact(artifactType, owner, uuid.New(), data, nil)
	require.NoError(t, err)
	return a
}

func TestDeduplicate(t *testing.T) {
	owner := uuid.New()
	artifacts := mocks.NewMockArtifactStore()
	svc := newTestService(artifacts, mocks.NewMockBatchStore())

	_, err := artifacts.InsertMany(context.Background(), []*domain.Artifact{
		artifact(t, owner, domain.ArtifactTypeContact, map[string]any{"email": "ana@example.com"}),
	})
	require.NoError(t, err)

	candidates := []*domain.Artifact{
		artifact(t, owner, domain.ArtifactTypeContact, map[string]any{"email": " ANA@example.com "}),
		artifact(t, owner, domain.ArtifactTypeContact, map[string]any{"email": "bo@example.com"}),
		artifact(t, owner, domain.ArtifactTypeContact, map[string]any{"email": "Bo@Example.com"}),
		artifact(t, owner, domain.ArtifactTypeContact, map[string]any{"name": "no email"}),
		artifact(t, owner, domain.ArtifactTypeKeyword, map[string]any{"keyword": "ana@example.com"}),
		artifact(t, uuid.New(), domain.ArtifactTypeContact, map[string]any{"email": "ana@example.com"}),
	}

	res, err := svc.Deduplicate(context.Background(), candidates)
	require.NoError(t, err)
	assert.Equal(t, Result{Unique: 4, Skipped: 2}, res)
	assert.Len(t, artifacts.All(), 5)
	// one lookup per owner and type
	assert.Equal(t, 3, artifacts.LookupCalls)
}

func TestDeduplicate_Idempotent(t *testing.T) {
	owner := uuid.New()
	artifacts := mocks.NewMockArtifactStore()
	svc := newTestService(artifacts, mocks.NewMockBatchStore())
	build := func() []*domain.Artifact {
		return []*domain.Artifact{
			artifact(t, owner, domain.ArtifactTypeCampaign, map[string]any{"name": "Spring", "type": "email"}),
			artifact(t, owner, domain.ArtifactTypeContent, map[string]any{"title": "Launch  Post"}),
		}
	}

	first, err := svc.Deduplicate(context.Background(), build())
	require.NoError(t, err)
	assert.Equal(t, Result{Unique: 2}, first)

	second, err := svc.Deduplicate(context.Background(), build())
	require.NoError(t, err)
	assert.Equal(t, Result{Skipped: 2}, second)
	assert.Len(t, artifacts.All(), 2)
}

func TestDeduplicate_InsertRaceCountsAsSkipped(t *testing.T) {
	owner := uuid.New()
	artifacts := mocks.NewMockArtifactStore()
	artifacts.InsertManyFn = func(ctx context.Context, in []*domain.Artifact) (int, error) {
		return len(in) - 1, nil
	}
	svc := newTestService(artifacts, mocks.NewMockBatchStore())

	res, err := svc.Deduplicate(context.Background(), []*domain.Artifact{
		artifact(t, owner, domain.ArtifactTypeKeyword, map[string]any{"keyword": "a"}),
		artifact(t, owner, domain.ArtifactTypeKeyword, map[string]any{"keyword": "b"}),
	})
	require.NoError(t, err)
	assert.Equal(t, Result{Unique: 1, Skipped: 1}, res)
}

func TestDeduplicate_LookupError(t *testing.T) {
	artifacts := mocks.NewMockArtifactStore()
	lookupErr := errors.New("db down")
	artifacts.ExistingKeysFn = func(ctx context.Context, o uuid.UUID, at domain.ArtifactType, k []string) (map[string]struct{}, error) {
		return nil, lookupErr
	}
	svc := newTestService(artifacts, mocks.NewMockBatchStore())

	_, err := svc.Deduplicate(context.Background(), []*domain.Artifact{
		artifact(t, uuid.New(), domain.ArtifactTypeKeyword, map[string]any{"keyword": "a"}),
	})
	assert.ErrorIs(t, err, lookupErr)
	assert.Empty(t, artifacts.All())
}

func seedCompletedBatch(t *testing.T, batches *mocks.MockBatchStore, artifactType domain.ArtifactType, outputs ...string) *domain.Batch {
	t.Helper()
	batch, err := domain.NewBatch(uuid.New(), len(outputs), domain.BatchConfig{
		Prompt:       "Extract contact from {{text}}",
		ArtifactType: artifactType,
	})
	require.NoError(t, err)

	rows := make([]*domain.RowResult, 0, len(outputs))
	for i, out := range outputs {
		r, err := domain.NewPendingRowResult(batch.ID, i, domain.Row{"text": "x"})
		require.NoError(t, err)
		if out == "" {
			r.Fail("no contact")
		} else {
			r.Succeed([]byte(out), 1, 1, "m", nil)
		}
		rows = append(rows, r)
	}
	require.NoError(t, batches.Create(context.Background(), batch, rows))
	_, err = batches.TransitionStatus(context.Background(), batch.ID, domain.BatchStatusCompletedWithErrors)
	require.NoError(t, err)
	return batch
}

func TestMaterializeBatch(t *testing.T) {
	artifacts := mocks.NewMockArtifactStore()
	batches := mocks.NewMockBatchStore()
	svc := newTestService(artifacts, batches)
	batch := seedCompletedBatch(t, batches, domain.ArtifactTypeContact,
		`{"email":"a@x.io","name":"A"}`,
		``,
		`{"email":"A@X.io"}`,
		`"plain text"`,
		`{"name":"keyless"}`,
	)

	res, err := svc.MaterializeBatch(context.Background(), batch.ID)
	require.NoError(t, err)
	assert.Equal(t, Result{Unique: 2, Skipped: 1}, res)

	stored, err := artifacts.ListByBatch(context.Background(), batch.ID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, batch.OwnerID, stored[0].OwnerID)
	assert.Equal(t, []string{"row:0"}, stored[0].Tags)

	again, err := svc.MaterializeBatch(context.Background(), batch.ID)
	require.NoError(t, err)
	assert.Equal(t, Result{Skipped: 1}, again)
	assert.Len(t, artifacts.All(), 2)
}

func TestMaterializeBatch_Skips(t *testing.T) {
	t.Run("no artifact type", func(t *testing.T) {
		artifacts := mocks.NewMockArtifactStore()
		batches := mocks.NewMockBatchStore()
		batch := seedCompletedBatch(t, batches, "", `{"email":"a@x.io"}`)

		res, err := newTestService(artifacts, batches).MaterializeBatch(context.Background(), batch.ID)
		require.NoError(t, err)
		assert.Equal(t, Result{}, res)
		assert.Empty(t, artifacts.All())
	})

	t.Run("failed batch", func(t *testing.T) {
		artifacts := mocks.NewMockArtifactStore()
		batches := mocks.NewMockBatchStore()
		batch, err := domain.NewBatch(uuid.New(), 0, domain.BatchConfig{Prompt: "p", ArtifactType: domain.ArtifactTypeKeyword})
		require.NoError(t, err)
		batch.Status = domain.BatchStatusFailed
		batches.Put(batch)

		res, err := newTestService(artifacts, batches).MaterializeBatch(context.Background(), batch.ID)
		require.NoError(t, err)
		assert.Equal(t, Result{}, res)
	})
}
