package task

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockTaskStore implements the TaskStore interface for testing
type MockTaskStore struct {
	mutex           sync.RWMutex
	tasks           map[uuid.UUID]*MockTask
	taskStatusTimes map[uuid.UUID]time.Time
	errorMessages   map[uuid.UUID]string
	SaveFn          func(ctx context.Context, task Task) error
	UpdateStatusFn  func(ctx context.Context, taskID uuid.UUID, status TaskStatus, errorMsg string) error
}

// NewMockTaskStore creates a new MockTaskStore with default implementations
func NewMockTaskStore() *MockTaskStore {
	s := &MockTaskStore{
		tasks:           make(map[uuid.UUID]*MockTask),
		taskStatusTimes: make(map[uuid.UUID]time.Time),
		errorMessages:   make(map[uuid.UUID]string),
	}

	s.SaveFn = func(ctx context.Context, task Task) error {
		s.mutex.Lock()
		defer s.mutex.Unlock()
		s.tasks[task.ID()] = snapshot(task)
		s.taskStatusTimes[task.ID()] = time.Now()
		return nil
	}

	s.UpdateStatusFn = func(ctx context.Context, taskID uuid.UUID, status TaskStatus, errorMsg string) error {
		s.mutex.Lock()
		defer s.mutex.Unlock()
		t, exists := s.tasks[taskID]
		if !exists {
			return nil
		}
		t.TaskStatus = status
		s.taskStatusTimes[taskID] = time.Now()
		s.errorMessages[taskID] = errorMsg
		return nil
	}

	return s
}

// snapshot copies a task's persisted fields, keeping its Execute behaviour.
func snapshot(task Task) *MockTask {
	m := NewMockTask(task.ID(), task.Type(), task.Payload())
	m.TaskStatus = task.Status()
	m.ExecuteFn = task.Execute
	return m
}

// Put stores a task directly with the given status and status age.
func (s *MockTaskStore) Put(task Task, status TaskStatus, age time.Duration) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	m := snapshot(task)
	m.TaskStatus = status
	s.tasks[task.ID()] = m
	s.taskStatusTimes[task.ID()] = time.Now().Add(-age)
}

// StatusOf returns the stored status of a task and whether it exists.
func (s *MockTaskStore) StatusOf(taskID uuid.UUID) (TaskStatus, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return "", false
	}
	return t.TaskStatus, true
}

// ErrorMessageOf returns the last error message recorded for a task.
func (s *MockTaskStore) ErrorMessageOf(taskID uuid.UUID) string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.errorMessages[taskID]
}

// SaveTask persists a task to the mock store
func (s *MockTaskStore) SaveTask(ctx context.Context, task Task) error {
	return s.SaveFn(ctx, task)
}

// ClaimTask moves a pending task to processing.
func (s *MockTaskStore) ClaimTask(ctx context.Context, taskID uuid.UUID) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	t, ok := s.tasks[taskID]
	if !ok || t.TaskStatus != TaskStatusPending {
		return false, nil
	}
	t.TaskStatus = TaskStatusProcessing
	s.taskStatusTimes[taskID] = time.Now()
	return true, nil
}

// UpdateTaskStatus updates the status of a task in the mock store
func (s *MockTaskStore) UpdateTaskStatus(
	ctx context.Context,
	taskID uuid.UUID,
	status TaskStatus,
	errorMsg string,
) error {
	return s.UpdateStatusFn(ctx, taskID, status, errorMsg)
}

// GetPendingTasks retrieves tasks with "pending" status
func (s *MockTaskStore) GetPendingTasks(ctx context.Context, olderThan time.Duration) ([]Task, error) {
	return s.byStatus(TaskStatusPending, olderThan), nil
}

// GetProcessingTasks retrieves tasks with "processing" status
func (s *MockTaskStore) GetProcessingTasks(ctx context.Context, olderThan time.Duration) ([]Task, error) {
	return s.byStatus(TaskStatusProcessing, olderThan), nil
}

func (s *MockTaskStore) byStatus(status TaskStatus, olderThan time.Duration) []Task {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var out []Task
	now := time.Now()
	for id, t := range s.tasks {
		if t.TaskStatus != status {
			continue
		}
		if olderThan == 0 || now.Sub(s.taskStatusTimes[id]) > olderThan {
			out = append(out, t)
		}
	}
	return out
}

// WithTx implements TaskStore.WithTx for the mock store
// In the mock implementation, we just return the same store instance
func (s *MockTaskStore) WithTx(tx *sql.Tx) TaskStore {
	return s
}
