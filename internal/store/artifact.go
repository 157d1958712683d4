package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/phrazzld/enrich-api/internal/domain"
)

// ArtifactStore defines the interface for artifact persistence.
type ArtifactStore interface {
	// ExistingKeys returns which of the given identity keys the owner already
	// holds for the artifact type. Implementations issue one lookup per call.
	ExistingKeys(
		ctx context.Context,
		ownerID uuid.UUID,
		artifactType domain.ArtifactType,
		keys []string,
	) (map[string]struct{}, error)

	// InsertMany writes the artifacts and returns how many were stored.
	// Artifacts whose (owner, type, identity key) already exists are
	// silently skipped, so the difference from len(artifacts) is the number
	// lost to a concurrent writer.
	InsertMany(ctx context.Context, artifacts []*domain.Artifact) (int, error)

	// ListByBatch returns the artifacts materialized from a batch.
	ListByBatch(ctx context.Context, batchID uuid.UUID) ([]*domain.Artifact, error)

	// WithTx returns a new ArtifactStore instance that uses the provided transaction.
	WithTx(tx *sql.Tx) ArtifactStore
}
