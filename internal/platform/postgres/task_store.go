package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/enrich-api/internal/platform/logger"
	"github.com/phrazzld/enrich-api/internal/store"
	"github.com/phrazzld/enrich-api/internal/task"
)

// PostgresTaskStore implements the task.TaskStore interface using PostgreSQL.
// Tasks read back from the database are rebuilt through the registry so that
// they can execute after a restart.
type PostgresTaskStore struct {
	db       store.DBTX
	registry *task.Registry
	logger   *slog.Logger
}

// NewPostgresTaskStore creates a new PostgresTaskStore
func NewPostgresTaskStore(db store.DBTX, registry *task.Registry, logger *slog.Logger) *PostgresTaskStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if registry == nil {
		registry = task.NewRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresTaskStore{
		db:       db,
		registry: registry,
		logger:   logger.With(slog.String("component", "task_store")),
	}
}

var _ task.TaskStore = (*PostgresTaskStore)(nil)

// WithTx returns a new TaskStore instance that uses the provided transaction.
func (s *PostgresTaskStore) WithTx(tx *sql.Tx) task.TaskStore {
	return &PostgresTaskStore{db: tx, registry: s.registry, logger: s.logger}
}

// SaveTask persists a task to the database
func (s *PostgresTaskStore) SaveTask(ctx context.Context, t task.Task) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		INSERT INTO tasks (id, type, payload, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx, query,
		t.ID(),
		t.Type(),
		jsonOrDefault(t.Payload(), "{}"),
		string(t.Status()),
		now,
		now,
	)
	if err != nil {
		log.Error("failed to save task",
			"task_id", t.ID(),
			"task_type", t.Type(),
			"error", err)
		return fmt.Errorf("failed to save task to database: %w", MapError(err))
	}

	return nil
}

// ClaimTask moves a pending task to processing.
func (s *PostgresTaskStore) ClaimTask(ctx context.Context, taskID uuid.UUID) (bool, error) {
	query := `
		UPDATE tasks SET status = $2, updated_at = $3
		WHERE id = $1 AND status = $4
	`
	result, err := s.db.ExecContext(ctx, query,
		taskID,
		string(task.TaskStatusProcessing),
		time.Now().UTC(),
		string(task.TaskStatusPending),
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim task: %w", MapError(err))
	}
	if err := CheckRowsAffected(result, store.ErrTaskNotFound); err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// UpdateTaskStatus updates the status of a task in the database
func (s *PostgresTaskStore) UpdateTaskStatus(
	ctx context.Context,
	taskID uuid.UUID,
	status task.TaskStatus,
	errorMsg string,
) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		UPDATE tasks
		SET status = $1, error_message = $2, updated_at = $3
		WHERE id = $4
	`
	var errorMessage any
	if errorMsg != "" {
		errorMessage = errorMsg
	}

	result, err := s.db.ExecContext(ctx, query,
		string(status),
		errorMessage,
		time.Now().UTC(),
		taskID,
	)
	if err != nil {
		log.Error("failed to update task status",
			"task_id", taskID,
			"status", status,
			"error", err)
		return fmt.Errorf("failed to update task status: %w", MapError(err))
	}

	if err := CheckRowsAffected(result, store.ErrTaskNotFound); err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			log.Warn("no task found with ID to update status", "task_id", taskID)
			return nil
		}
		return err
	}

	return nil
}

// GetPendingTasks retrieves tasks with "pending" status
func (s *PostgresTaskStore) GetPendingTasks(ctx context.Context, olderThan time.Duration) ([]task.Task, error) {
	return s.getTasksByStatus(ctx, task.TaskStatusPending, olderThan)
}

// GetProcessingTasks retrieves tasks with "processing" status
func (s *PostgresTaskStore) GetProcessingTasks(
	ctx context.Context,
	olderThan time.Duration,
) ([]task.Task, error) {
	return s.getTasksByStatus(ctx, task.TaskStatusProcessing, olderThan)
}

func (s *PostgresTaskStore) getTasksByStatus(
	ctx context.Context,
	status task.TaskStatus,
	olderThan time.Duration,
) ([]task.Task, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	// With no age filter the cutoff is in the future and matches every row.
	cutoff := time.Now().UTC().Add(time.Minute)
	if olderThan > 0 {
		cutoff = time.Now().UTC().Add(-olderThan)
	}

	query := `
		SELECT id, type, payload, status
		FROM tasks
		WHERE status = $1 AND updated_at < $2
		ORDER BY created_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, string(status), cutoff)
	if err != nil {
		log.Error("failed to query tasks by status", "status", status, "error", err)
		return nil, fmt.Errorf("failed to query tasks by status: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var tasks []task.Task
	for rows.Next() {
		var (
			id         uuid.UUID
			taskType   string
			payload    []byte
			taskStatus string
		)
		if err := rows.Scan(&id, &taskType, &payload, &taskStatus); err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}

		t, err := s.registry.Restore(id, taskType, payload)
		if err != nil {
			// Leave the task in place so it can still be inspected; an
			// unrestorable task fails when executed.
			log.Error("failed to restore task",
				"task_id", id,
				"task_type", taskType,
				"error", err)
			t = &unrestorableTask{id: id, taskType: taskType, payload: payload, err: err}
		}
		tasks = append(tasks, &storedTask{Task: t, status: task.TaskStatus(taskStatus)})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task rows: %w", err)
	}

	return tasks, nil
}

// storedTask reports the status read from the database instead of the
// freshly built task's initial status.
type storedTask struct {
	task.Task
	status task.TaskStatus
}

func (t *storedTask) Status() task.TaskStatus { return t.status }

// unrestorableTask stands in for a task whose type or payload cannot be
// rebuilt. Executing it fails with the restore error.
type unrestorableTask struct {
	id       uuid.UUID
	taskType string
	payload  []byte
	err      error
}

func (t *unrestorableTask) ID() uuid.UUID           { return t.id }
func (t *unrestorableTask) Type() string            { return t.taskType }
func (t *unrestorableTask) Payload() []byte         { return t.payload }
func (t *unrestorableTask) Status() task.TaskStatus { return task.TaskStatusPending }
func (t *unrestorableTask) Execute(ctx context.Context) error {
	return fmt.Errorf("cannot execute recovered task: %w", t.err)
}
