package mocks

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/enrich-api/internal/domain"
	"github.com/phrazzld/enrich-api/internal/store"
)

type rowKey struct {
	batchID uuid.UUID
	index   int
}

// MockBatchStore is an in-memory store.BatchStore. It keeps the same
// conditional-update semantics as the Postgres store, so services can be
// tested against concurrent deliveries. Any Fn field overrides the
// in-memory behavior of its method.
type MockBatchStore struct {
	mu      sync.Mutex
	batches map[uuid.UUID]*domain.Batch
	rows    map[rowKey]*domain.RowResult

	CreateFn            func(ctx context.Context, batch *domain.Batch, rows []*domain.RowResult) error
	GetByIDFn           func(ctx context.Context, id uuid.UUID) (*domain.Batch, error)
	UpsertRowResultsFn  func(ctx context.Context, results []*domain.RowResult) error
	CountActiveSinceFn  func(ctx context.Context, ownerID uuid.UUID, since time.Time) (int, error)
	CountCreatedSinceFn func(ctx context.Context, ownerID uuid.UUID, since time.Time) (int, error)

	// UpsertCalls records the size of every UpsertRowResults call.
	UpsertCalls []int
	// Transitions records every applied status transition in order.
	Transitions []domain.BatchStatus
}

// NewMockBatchStore creates an empty MockBatchStore.
func NewMockBatchStore() *MockBatchStore {
	return &MockBatchStore{
		batches: make(map[uuid.UUID]*domain.Batch),
		rows:    make(map[rowKey]*domain.RowResult),
	}
}

var _ store.BatchStore = (*MockBatchStore)(nil)

// Put stores a batch directly, bypassing validation.
func (m *MockBatchStore) Put(batch *domain.Batch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := *batch
	m.batches[batch.ID] = &b
}

// Snapshot returns a copy of the stored batch, or nil.
func (m *MockBatchStore) Snapshot(id uuid.UUID) *domain.Batch {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return nil
	}
	c := *b
	return &c
}

// AppliedTransitions returns a copy of the applied transitions.
func (m *MockBatchStore) AppliedTransitions() []domain.BatchStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.BatchStatus(nil), m.Transitions...)
}

// Create implements store.BatchStore.
func (m *MockBatchStore) Create(ctx context.Context, batch *domain.Batch, rows []*domain.RowResult) error {
	if m.CreateFn != nil {
		return m.CreateFn(ctx, batch, rows)
	}
	if err := batch.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.batches[batch.ID]; exists {
		return store.ErrBatchExists
	}
	b := *batch
	m.batches[batch.ID] = &b
	for _, r := range rows {
		c := *r
		m.rows[rowKey{r.BatchID, r.RowIndex}] = &c
	}
	return nil
}

// GetByID implements store.BatchStore.
func (m *MockBatchStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Batch, error) {
	if m.GetByIDFn != nil {
		return m.GetByIDFn(ctx, id)
	}
	if b := m.Snapshot(id); b != nil {
		return b, nil
	}
	return nil, store.ErrBatchNotFound
}

// ListByOwner implements store.BatchStore.
func (m *MockBatchStore) ListByOwner(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]*domain.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Batch
	for _, b := range m.batches {
		if b.OwnerID == ownerID {
			c := *b
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return []*domain.Batch{}, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// TransitionStatus implements store.BatchStore.
func (m *MockBatchStore) TransitionStatus(ctx context.Context, id uuid.UUID, target domain.BatchStatus) (bool, error) {
	if !target.IsValid() {
		return false, domain.ErrInvalidBatchStatus
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return false, store.ErrBatchNotFound
	}
	if b.Status.IsTerminal() {
		return false, nil
	}
	b.Status = target
	b.UpdatedAt = time.Now().UTC()
	m.Transitions = append(m.Transitions, target)
	return true, nil
}

// UpsertRowResults implements store.BatchStore.
func (m *MockBatchStore) UpsertRowResults(ctx context.Context, results []*domain.RowResult) error {
	if m.UpsertRowResultsFn != nil {
		return m.UpsertRowResultsFn(ctx, results)
	}
	return m.StoreRowResults(results)
}

// StoreRowResults applies results to the in-memory state without consulting
// UpsertRowResultsFn.
func (m *MockBatchStore) StoreRowResults(results []*domain.RowResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.UpsertCalls = append(m.UpsertCalls, len(results))
	for _, r := range results {
		if _, ok := m.batches[r.BatchID]; !ok {
			return store.ErrBatchNotFound
		}
		key := rowKey{r.BatchID, r.RowIndex}
		c := *r
		if existing, ok := m.rows[key]; ok && (len(c.Input) == 0 || string(c.Input) == "{}") {
			c.Input = existing.Input
		}
		if len(c.Input) == 0 {
			c.Input = json.RawMessage(`{}`)
		}
		m.rows[key] = &c
	}
	return nil
}

// ListRowResults implements store.BatchStore.
func (m *MockBatchStore) ListRowResults(ctx context.Context, batchID uuid.UUID) ([]*domain.RowResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.RowResult, 0)
	for k, r := range m.rows {
		if k.batchID == batchID {
			c := *r
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RowIndex < out[j].RowIndex })
	return out, nil
}

// CountFinishedRows implements store.BatchStore.
func (m *MockBatchStore) CountFinishedRows(ctx context.Context, batchID uuid.UUID) (domain.RowCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countLocked(batchID), nil
}

func (m *MockBatchStore) countLocked(batchID uuid.UUID) domain.RowCounts {
	var counts domain.RowCounts
	for k, r := range m.rows {
		if k.batchID != batchID {
			continue
		}
		switch r.Status {
		case domain.RowStatusSuccess:
			counts.Succeeded++
		case domain.RowStatusError:
			counts.Failed++
		}
	}
	return counts
}

// CorrectTotalRows implements store.BatchStore.
func (m *MockBatchStore) CorrectTotalRows(ctx context.Context, id uuid.UUID, total int) (bool, error) {
	if total <= 0 {
		return false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok || b.TotalRows != 0 {
		return false, nil
	}
	b.TotalRows = total
	return true, nil
}

// RefreshProcessedRows implements store.BatchStore.
func (m *MockBatchStore) RefreshProcessedRows(ctx context.Context, id uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return 0, store.ErrBatchNotFound
	}
	n := m.countLocked(id).Finished()
	if b.TotalRows > 0 {
		n = min(n, b.TotalRows)
	}
	b.ProcessedRows = n
	return n, nil
}

// RecordProgress implements store.BatchStore.
func (m *MockBatchStore) RecordProgress(ctx context.Context, id uuid.UUID, percent int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return 0, store.ErrBatchNotFound
	}
	b.ProgressPercent = max(b.ProgressPercent, max(0, min(100, percent)))
	return b.ProgressPercent, nil
}

// CountActiveSince implements store.BatchStore.
func (m *MockBatchStore) CountActiveSince(ctx context.Context, ownerID uuid.UUID, since time.Time) (int, error) {
	if m.CountActiveSinceFn != nil {
		return m.CountActiveSinceFn(ctx, ownerID, since)
	}
	return m.count(ownerID, since, func(b *domain.Batch) bool { return !b.Status.IsTerminal() }), nil
}

// CountCreatedSince implements store.BatchStore.
func (m *MockBatchStore) CountCreatedSince(ctx context.Context, ownerID uuid.UUID, since time.Time) (int, error) {
	if m.CountCreatedSinceFn != nil {
		return m.CountCreatedSinceFn(ctx, ownerID, since)
	}
	return m.count(ownerID, since, func(*domain.Batch) bool { return true }), nil
}

func (m *MockBatchStore) count(ownerID uuid.UUID, since time.Time, match func(*domain.Batch) bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.batches {
		if b.OwnerID == ownerID && !b.CreatedAt.Before(since) && match(b) {
			n++
		}
	}
	return n
}

// WithTx returns the same store; the mock has no transactions.
func (m *MockBatchStore) WithTx(tx *sql.Tx) store.BatchStore {
	return m
}
