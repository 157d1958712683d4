package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/phrazzld/enrich-api/internal/domain"
	"github.com/phrazzld/enrich-api/internal/platform/logger"
	"github.com/phrazzld/enrich-api/internal/store"
)

const artifactColumns = `id, owner_id, type, data, identity_key, batch_id, tags, created_at`

// PostgresArtifactStore implements the store.ArtifactStore interface using PostgreSQL.
type PostgresArtifactStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresArtifactStore creates a new PostgreSQL implementation of the ArtifactStore interface.
func NewPostgresArtifactStore(db store.DBTX, logger *slog.Logger) *PostgresArtifactStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresArtifactStore{
		db:     db,
		logger: logger.With(slog.String("component", "artifact_store")),
	}
}

var _ store.ArtifactStore = (*PostgresArtifactStore)(nil)

// WithTx returns a new ArtifactStore instance that uses the provided transaction.
func (s *PostgresArtifactStore) WithTx(tx *sql.Tx) store.ArtifactStore {
	return &PostgresArtifactStore{db: tx, logger: s.logger}
}

// ExistingKeys implements store.ArtifactStore.ExistingKeys.
func (s *PostgresArtifactStore) ExistingKeys(
	ctx context.Context,
	ownerID uuid.UUID,
	artifactType domain.ArtifactType,
	keys []string,
) (map[string]struct{}, error) {
	existing := make(map[string]struct{})
	if len(keys) == 0 {
		return existing, nil
	}

	query := `SELECT identity_key FROM artifacts
		WHERE owner_id = $1 AND type = $2 AND identity_key = ANY($3)`
	rows, err := s.db.QueryContext(ctx, query, ownerID, string(artifactType), keys)
	if err != nil {
		return nil, fmt.Errorf("failed to query existing artifact keys: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan artifact key: %w", err)
		}
		existing[key] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating artifact keys: %w", err)
	}
	return existing, nil
}

// InsertMany implements store.ArtifactStore.InsertMany. Outside a caller's
// transaction all chunks are written in one, so a failed chunk inserts nothing.
func (s *PostgresArtifactStore) InsertMany(ctx context.Context, artifacts []*domain.Artifact) (int, error) {
	if len(artifacts) == 0 {
		return 0, nil
	}
	if db, ok := s.db.(*sql.DB); ok {
		var inserted int
		err := store.RunInTransaction(ctx, db, func(ctx context.Context, tx *sql.Tx) error {
			n, err := s.insertMany(ctx, tx, artifacts)
			inserted = n
			return err
		})
		if err != nil {
			return 0, err
		}
		return inserted, nil
	}
	return s.insertMany(ctx, s.db, artifacts)
}

func (s *PostgresArtifactStore) insertMany(
	ctx context.Context,
	db store.DBTX,
	artifacts []*domain.Artifact,
) (int, error) {
	const columnsPerRow = 8
	log := logger.FromContextOrDefault(ctx, s.logger)

	inserted := 0
	for start := 0; start < len(artifacts); start += rowWriteChunkSize {
		end := min(start+rowWriteChunkSize, len(artifacts))
		chunk := artifacts[start:end]

		var sb strings.Builder
		sb.WriteString(`INSERT INTO artifacts (` + artifactColumns + `) VALUES `)
		args := make([]any, 0, len(chunk)*columnsPerRow)
		for i, a := range chunk {
			if i > 0 {
				sb.WriteString(", ")
			}
			base := i * columnsPerRow
			fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
				base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8)

			tags, err := json.Marshal(nonNil(a.Tags))
			if err != nil {
				return inserted, fmt.Errorf("%w: tags: %v", store.ErrInvalidEntity, err)
			}
			var batchID any
			if a.BatchID != uuid.Nil {
				batchID = a.BatchID
			}
			args = append(args,
				a.ID,
				a.OwnerID,
				string(a.Type),
				jsonOrDefault(a.Data, "{}"),
				a.IdentityKey,
				batchID,
				string(tags),
				a.CreatedAt,
			)
		}
		sb.WriteString(` ON CONFLICT (owner_id, type, identity_key) WHERE identity_key IS NOT NULL DO NOTHING`)

		result, err := db.ExecContext(ctx, sb.String(), args...)
		if err != nil {
			log.Error("failed to insert artifacts",
				slog.Int("artifacts", len(chunk)),
				slog.String("error", err.Error()))
			return inserted, fmt.Errorf("failed to insert artifacts: %w", MapError(err))
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return inserted, fmt.Errorf("failed to get rows affected: %w", err)
		}
		inserted += int(affected)
	}
	return inserted, nil
}

// ListByBatch implements store.ArtifactStore.ListByBatch.
func (s *PostgresArtifactStore) ListByBatch(ctx context.Context, batchID uuid.UUID) ([]*domain.Artifact, error) {
	query := `SELECT ` + artifactColumns + ` FROM artifacts
		WHERE batch_id = $1
		ORDER BY created_at ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, query, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	artifacts := make([]*domain.Artifact, 0)
	for rows.Next() {
		var (
			a        domain.Artifact
			typ      string
			data     []byte
			key      sql.NullString
			batch    uuid.NullUUID
			tagsJSON []byte
		)
		if err := rows.Scan(&a.ID, &a.OwnerID, &typ, &data, &key, &batch, &tagsJSON, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		a.Type = domain.ArtifactType(typ)
		a.Data = data
		if key.Valid {
			k := key.String
			a.IdentityKey = &k
		}
		if batch.Valid {
			a.BatchID = batch.UUID
		}
		a.Tags = []string{}
		if len(tagsJSON) > 0 {
			if err := json.Unmarshal(tagsJSON, &a.Tags); err != nil {
				return nil, fmt.Errorf("failed to decode artifact tags: %w", err)
			}
		}
		artifacts = append(artifacts, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating artifacts: %w", err)
	}
	return artifacts, nil
}
