package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// ErrEmptyBatchID is returned when a batch task payload has no batch ID.
var ErrEmptyBatchID = errors.New("batch ID cannot be empty")

// BatchHandler performs the work of a batch-scoped task.
type BatchHandler func(ctx context.Context, batchID uuid.UUID) error

// BatchPayload is the persisted payload of every batch-scoped task.
type BatchPayload struct {
	BatchID uuid.UUID `json:"batch_id"`
}

// BatchTask runs a BatchHandler for one batch. Both batch dispatch and
// artifact materialization are BatchTasks with different handlers.
type BatchTask struct {
	id       uuid.UUID
	taskType string
	batchID  uuid.UUID
	handler  BatchHandler
	status   TaskStatus
	logger   *slog.Logger
}

// NewBatchTask creates a pending task of the given type for a batch.
func NewBatchTask(
	id uuid.UUID,
	taskType string,
	batchID uuid.UUID,
	handler BatchHandler,
	logger *slog.Logger,
) (*BatchTask, error) {
	if batchID == uuid.Nil {
		return nil, ErrEmptyBatchID
	}
	if handler == nil {
		return nil, errors.New("batch handler cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BatchTask{
		id:       id,
		taskType: taskType,
		batchID:  batchID,
		handler:  handler,
		status:   TaskStatusPending,
		logger:   logger.With("task_type", taskType, "batch_id", batchID),
	}, nil
}

// NewBatchTaskFactory returns a Factory that decodes a BatchPayload and
// builds a BatchTask running handler.
func NewBatchTaskFactory(taskType string, handler BatchHandler, logger *slog.Logger) Factory {
	return func(id uuid.UUID, payload []byte) (Task, error) {
		var p BatchPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", taskType, err)
		}
		return NewBatchTask(id, taskType, p.BatchID, handler, logger)
	}
}

// ID returns the task's unique identifier
func (t *BatchTask) ID() uuid.UUID { return t.id }

// Type returns the task type identifier
func (t *BatchTask) Type() string { return t.taskType }

// BatchID returns the batch the task operates on.
func (t *BatchTask) BatchID() uuid.UUID { return t.batchID }

// Payload returns the task data as a byte slice
func (t *BatchTask) Payload() []byte {
	data, err := json.Marshal(BatchPayload{BatchID: t.batchID})
	if err != nil {
		t.logger.Error("failed to marshal task payload", "error", err)
		return []byte{}
	}
	return data
}

// Status returns the current task status
func (t *BatchTask) Status() TaskStatus { return t.status }

// Execute runs the handler for the task's batch.
func (t *BatchTask) Execute(ctx context.Context) error {
	t.status = TaskStatusProcessing
	if err := ctx.Err(); err != nil {
		t.status = TaskStatusFailed
		return fmt.Errorf("task cancelled by context: %w", err)
	}

	t.logger.Info("starting batch task")
	if err := t.handler(ctx, t.batchID); err != nil {
		t.status = TaskStatusFailed
		return err
	}

	t.status = TaskStatusCompleted
	t.logger.Info("batch task completed")
	return nil
}
