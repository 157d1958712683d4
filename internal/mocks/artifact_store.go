package mocks

import (
	"context"
	"database/sql"
	"sync"

	"github.com/google/uuid"
	"github.com/phrazzld/enrich-api/internal/domain"
	"github.com/phrazzld/enrich-api/internal/store"
)

// MockArtifactStore is an in-memory store.ArtifactStore that enforces the
// owner+type+identity key uniqueness of the real store.
type MockArtifactStore struct {
	mu        sync.Mutex
	artifacts []*domain.Artifact

	ExistingKeysFn func(ctx context.Context, ownerID uuid.UUID, t domain.ArtifactType, keys []string) (map[string]struct{}, error)
	InsertManyFn   func(ctx context.Context, artifacts []*domain.Artifact) (int, error)

	// LookupCalls counts ExistingKeys calls.
	LookupCalls int
}

// NewMockArtifactStore creates an empty MockArtifactStore.
func NewMockArtifactStore() *MockArtifactStore {
	return &MockArtifactStore{}
}

var _ store.ArtifactStore = (*MockArtifactStore)(nil)

// All returns every stored artifact.
func (m *MockArtifactStore) All() []*domain.Artifact {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*domain.Artifact(nil), m.artifacts...)
}

// ExistingKeys implements store.ArtifactStore.
func (m *MockArtifactStore) ExistingKeys(
	ctx context.Context,
	ownerID uuid.UUID,
	artifactType domain.ArtifactType,
	keys []string,
) (map[string]struct{}, error) {
	m.mu.Lock()
	m.LookupCalls++
	m.mu.Unlock()
	if m.ExistingKeysFn != nil {
		return m.ExistingKeysFn(ctx, ownerID, artifactType, keys)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	wanted := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		wanted[k] = struct{}{}
	}
	existing := make(map[string]struct{})
	for _, a := range m.artifacts {
		if a.OwnerID != ownerID || a.Type != artifactType || a.IdentityKey == nil {
			continue
		}
		if _, ok := wanted[*a.IdentityKey]; ok {
			existing[*a.IdentityKey] = struct{}{}
		}
	}
	return existing, nil
}

// InsertMany implements store.ArtifactStore.
func (m *MockArtifactStore) InsertMany(ctx context.Context, artifacts []*domain.Artifact) (int, error) {
	if m.InsertManyFn != nil {
		return m.InsertManyFn(ctx, artifacts)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	inserted := 0
	for _, a := range artifacts {
		if a.IdentityKey != nil && m.hasKeyLocked(a.OwnerID, a.Type, *a.IdentityKey) {
			continue
		}
		c := *a
		m.artifacts = append(m.artifacts, &c)
		inserted++
	}
	return inserted, nil
}

func (m *MockArtifactStore) hasKeyLocked(ownerID uuid.UUID, t domain.ArtifactType, key string) bool {
	for _, a := range m.artifacts {
		if a.OwnerID == ownerID && a.Type == t && a.IdentityKey != nil && *a.IdentityKey == key {
			return true
		}
	}
	return false
}

// ListByBatch implements store.ArtifactStore.
func (m *MockArtifactStore) ListByBatch(ctx context.Context, batchID uuid.UUID) ([]*domain.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Artifact, 0)
	for _, a := range m.artifacts {
		if a.BatchID == batchID {
			out = append(out, a)
		}
	}
	return out, nil
}

// WithTx returns the same store; the mock has no transactions.
func (m *MockArtifactStore) WithTx(tx *sql.Tx) store.ArtifactStore {
	return m
}
