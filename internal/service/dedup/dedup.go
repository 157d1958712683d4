// Package dedup materializes artifacts from successful rows without
// creating an entity the owner already has. Artifacts are compared by the
// identity key of their type; artifacts without a key are always kept.
package dedup

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/phrazzld/enrich-api/internal/domain"
	"github.com/phrazzld/enrich-api/internal/platform/logger"
	"github.com/phrazzld/enrich-api/internal/store"
)

// rowTagPrefix marks the row an artifact was derived from.
const rowTagPrefix = "row:"

// Result counts the outcome of one deduplication.
type Result struct {
	// Unique is the number of artifacts inserted.
	Unique int
	// Skipped is the number of candidates that already existed, repeated an
	// earlier candidate, or lost an insert race.
	Skipped int
}

// Service deduplicates and stores artifacts.
type Service struct {
	artifacts store.ArtifactStore
	batches   store.BatchStore
	logger    *slog.Logger
}

// NewService creates a dedup Service.
func NewService(artifacts store.ArtifactStore, batches store.BatchStore, logger *slog.Logger) *Service {
	if artifacts == nil {
		panic("artifacts cannot be nil")
	}
	if batches == nil {
		panic("batches cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		artifacts: artifacts,
		batches:   batches,
		logger:    logger.With(slog.String("component", "resource_deduplicator")),
	}
}

type groupKey struct {
	owner        uuid.UUID
	artifactType domain.ArtifactType
}

// Deduplicate inserts the candidates that do not already exist. Existing
// keys are looked up once per owner and type.
func (s *Service) Deduplicate(ctx context.Context, candidates []*domain.Artifact) (Result, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)
	if len(candidates) == 0 {
		return Result{}, nil
	}

	groups := make(map[groupKey][]string)
	order := make([]groupKey, 0)
	for _, a := range candidates {
		g := groupKey{a.OwnerID, a.Type}
		if _, ok := groups[g]; !ok {
			order = append(order, g)
			groups[g] = nil
		}
		if a.IdentityKey != nil {
			groups[g] = append(groups[g], *a.IdentityKey)
		}
	}

	existing := make(map[groupKey]map[string]struct{}, len(groups))
	for _, g := range order {
		keys := groups[g]
		if len(keys) == 0 {
			continue
		}
		found, err := s.artifacts.ExistingKeys(ctx, g.owner, g.artifactType, keys)
		if err != nil {
			return Result{}, fmt.Errorf("failed to look up existing %s artifacts: %w", g.artifactType, err)
		}
		existing[g] = found
	}

	var result Result
	seen := make(map[groupKey]map[string]struct{}, len(groups))
	unique := make([]*domain.Artifact, 0, len(candidates))
	for _, a := range candidates {
		if a.IdentityKey == nil {
			unique = append(unique, a)
			continue
		}
		g := groupKey{a.OwnerID, a.Type}
		key := *a.IdentityKey
		if _, dup := existing[g][key]; dup {
			result.Skipped++
			continue
		}
		if seen[g] == nil {
			seen[g] = make(map[string]struct{})
		}
		if _, dup := seen[g][key]; dup {
			result.Skipped++
			continue
		}
		seen[g][key] = struct{}{}
		unique = append(unique, a)
	}

	if len(unique) > 0 {
		inserted, err := s.artifacts.InsertMany(ctx, unique)
		if err != nil {
			return Result{}, fmt.Errorf("failed to insert artifacts: %w", err)
		}
		result.Unique = inserted
		result.Skipped += len(unique) - inserted
	}

	log.Info("artifacts deduplicated",
		slog.Int("candidates", len(candidates)),
		slog.Int("unique", result.Unique),
		slog.Int("skipped", result.Skipped))
	return result, nil
}

// MaterializeBatch derives artifacts from the successful rows of a
// completed batch. Rows that already produced an artifact are skipped, so
// the call can be repeated.
func (s *Service) MaterializeBatch(ctx context.Context, batchID uuid.UUID) (Result, error) {
	log := logger.FromContextOrDefault(ctx, s.logger).With(slog.String("batch_id", batchID.String()))
	ctx = logger.WithLogger(ctx, log)

	batch, err := s.batches.GetByID(ctx, batchID)
	if err != nil {
		return Result{}, err
	}
	artifactType := batch.Config.ArtifactType
	if artifactType == "" {
		return Result{}, nil
	}
	if batch.Status != domain.BatchStatusCompleted && batch.Status != domain.BatchStatusCompletedWithErrors {
		log.Info("batch not completed, skipping artifacts", slog.String("status", string(batch.Status)))
		return Result{}, nil
	}

	done, err := s.materializedRows(ctx, batchID)
	if err != nil {
		return Result{}, err
	}

	rows, err := s.batches.ListRowResults(ctx, batchID)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load rows: %w", err)
	}

	candidates := make([]*domain.Artifact, 0, len(rows))
	for _, row := range rows {
		if row.Status != domain.RowStatusSuccess {
			continue
		}
		if _, ok := done[row.RowIndex]; ok {
			continue
		}
		var data map[string]any
		if err := json.Unmarshal(row.Output, &data); err != nil || data == nil {
			log.Debug("row output is not an object, no artifact", slog.Int("row_index", row.RowIndex))
			continue
		}
		artifact, err := domain.NewArtifact(artifactType, batch.OwnerID, batchID, data,
			[]string{rowTagPrefix + strconv.Itoa(row.RowIndex)})
		if err != nil {
			return Result{}, err
		}
		candidates = append(candidates, artifact)
	}

	return s.Deduplicate(ctx, candidates)
}

// materializedRows returns the row indexes that already have an artifact.
func (s *Service) materializedRows(ctx context.Context, batchID uuid.UUID) (map[int]struct{}, error) {
	existing, err := s.artifacts.ListByBatch(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list batch artifacts: %w", err)
	}
	done := make(map[int]struct{}, len(existing))
	for _, a := range existing {
		for _, tag := range a.Tags {
			if idx, ok := strings.CutPrefix(tag, rowTagPrefix); ok {
				if n, err := strconv.Atoi(idx); err == nil {
					done[n] = struct{}{}
				}
			}
		}
	}
	return done, nil
}
