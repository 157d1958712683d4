package task

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func fastConfig() TaskRunnerConfig {
	return TaskRunnerConfig{
		WorkerCount:            2,
		QueueSize:              10,
		StuckTaskAge:           time.Hour,
		StuckTaskCheckInterval: time.Hour,
	}
}

func TestTaskRunner_Submit(t *testing.T) {
	t.Parallel()

	t.Run("persists then enqueues", func(t *testing.T) {
		t.Parallel()
		store := NewMockTaskStore()
		runner := NewTaskRunner(store, fastConfig(), testLogger())

		task := NewMockTask(uuid.New(), "mock_task", []byte(`{}`))
		require.NoError(t, runner.Submit(context.Background(), task))

		status, ok := store.StatusOf(task.ID())
		assert.True(t, ok)
		assert.Equal(t, TaskStatusPending, status)
	})

	t.Run("queue full keeps the task persisted", func(t *testing.T) {
		t.Parallel()
		store := NewMockTaskStore()
		cfg := fastConfig()
		cfg.QueueSize = 1
		runner := NewTaskRunner(store, cfg, testLogger())

		require.NoError(t, runner.Submit(context.Background(), NewMockTask(uuid.New(), "mock_task", nil)))
		overflow := NewMockTask(uuid.New(), "mock_task", nil)
		err := runner.Submit(context.Background(), overflow)

		assert.ErrorIs(t, err, ErrQueueFull)
		_, ok := store.StatusOf(overflow.ID())
		assert.True(t, ok)
	})

	t.Run("store error", func(t *testing.T) {
		t.Parallel()
		store := NewMockTaskStore()
		store.SaveFn = func(ctx context.Context, task Task) error { return errors.New("db down") }
		runner := NewTaskRunner(store, fastConfig(), testLogger())

		err := runner.Submit(context.Background(), NewMockTask(uuid.New(), "mock_task", nil))
		assert.ErrorContains(t, err, "failed to save task")
	})
}

func TestTaskRunner_ProcessesTasks(t *testing.T) {
	t.Parallel()

	store := NewMockTaskStore()
	runner := NewTaskRunner(store, fastConfig(), testLogger())
	var handled atomic.Int32
	runner.SetErrorHandler(func(task Task, err error) { handled.Add(1) })
	require.NoError(t, runner.Start())
	defer runner.Stop()

	done := make(chan struct{})
	ok := NewMockTask(uuid.New(), "mock_task", nil)
	ok.ExecuteFn = func(ctx context.Context) error { close(done); return nil }

	failed := NewMockTask(uuid.New(), "mock_task", nil)
	failed.ExecuteFn = func(ctx context.Context) error { return errors.New("generation backend unavailable") }

	require.NoError(t, runner.Submit(context.Background(), ok))
	require.NoError(t, runner.Submit(context.Background(), failed))

	<-done
	assert.Eventually(t, func() bool {
		s, _ := store.StatusOf(ok.ID())
		return s == TaskStatusCompleted
	}, time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		s, _ := store.StatusOf(failed.ID())
		return s == TaskStatusFailed
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "generation backend unavailable", store.ErrorMessageOf(failed.ID()))
	assert.Equal(t, int32(1), handled.Load())
}

func TestTaskRunner_RetryableFailureReturnsToPending(t *testing.T) {
	t.Parallel()

	store := NewMockTaskStore()
	cfg := fastConfig()
	cfg.StuckTaskAge = time.Minute
	runner := NewTaskRunner(store, cfg, testLogger())
	var handled atomic.Int32
	runner.SetErrorHandler(func(task Task, err error) { handled.Add(1) })

	var runs atomic.Int32
	task := NewMockTask(uuid.New(), "mock_task", nil)
	task.ExecuteFn = func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			return Retryable(errors.New("row results partially written"))
		}
		return nil
	}
	require.NoError(t, runner.Submit(context.Background(), task))
	<-runner.taskChan

	runner.processTask(task, 0)

	status, _ := store.StatusOf(task.ID())
	assert.Equal(t, TaskStatusPending, status)
	assert.Equal(t, "row results partially written", store.ErrorMessageOf(task.ID()))
	assert.Zero(t, handled.Load())

	// Age the task past StuckTaskAge so the sweep picks it up again.
	store.Put(task, TaskStatusPending, 2*time.Minute)
	runner.sweep(context.Background())
	require.Len(t, runner.taskChan, 1)

	runner.processTask(<-runner.taskChan, 0)

	status, _ = store.StatusOf(task.ID())
	assert.Equal(t, TaskStatusCompleted, status)
	assert.Equal(t, int32(2), runs.Load())
}

func TestRetryable(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection reset")
	err := Retryable(cause)

	assert.ErrorIs(t, err, ErrRetryable)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "connection reset", err.Error())
	assert.NoError(t, Retryable(nil))
	assert.NotErrorIs(t, cause, ErrRetryable)
}

func TestTaskRunner_SkipsTasksClaimedElsewhere(t *testing.T) {
	t.Parallel()

	store := NewMockTaskStore()
	runner := NewTaskRunner(store, fastConfig(), testLogger())

	var runs atomic.Int32
	task := NewMockTask(uuid.New(), "mock_task", nil)
	task.ExecuteFn = func(ctx context.Context) error { runs.Add(1); return nil }
	require.NoError(t, runner.Submit(context.Background(), task))

	// Processing the same queued task twice executes it once.
	runner.processTask(task, 0)
	runner.processTask(task, 1)

	assert.Equal(t, int32(1), runs.Load())
}

func TestTaskRunner_Recover(t *testing.T) {
	t.Parallel()

	store := NewMockTaskStore()
	var runs atomic.Int32
	newTask := func() *MockTask {
		m := NewMockTask(uuid.New(), "mock_task", nil)
		m.ExecuteFn = func(ctx context.Context) error { runs.Add(1); return nil }
		return m
	}

	pending := newTask()
	interrupted := newTask()
	finished := newTask()
	store.Put(pending, TaskStatusPending, time.Minute)
	store.Put(interrupted, TaskStatusProcessing, time.Minute)
	store.Put(finished, TaskStatusCompleted, time.Minute)

	runner := NewTaskRunner(store, fastConfig(), testLogger())
	require.NoError(t, runner.Start())
	defer runner.Stop()

	assert.Eventually(t, func() bool { return runs.Load() == 2 }, time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		a, _ := store.StatusOf(pending.ID())
		b, _ := store.StatusOf(interrupted.ID())
		return a == TaskStatusCompleted && b == TaskStatusCompleted
	}, time.Second, 10*time.Millisecond)
}

func TestTaskRunner_SweepRequeuesStuckTasks(t *testing.T) {
	t.Parallel()

	store := NewMockTaskStore()
	cfg := fastConfig()
	cfg.StuckTaskAge = time.Minute
	runner := NewTaskRunner(store, cfg, testLogger())

	stale := NewMockTask(uuid.New(), "mock_task", nil)
	stuck := NewMockTask(uuid.New(), "mock_task", nil)
	fresh := NewMockTask(uuid.New(), "mock_task", nil)
	store.Put(stale, TaskStatusPending, 2*time.Minute)
	store.Put(stuck, TaskStatusProcessing, 2*time.Minute)
	store.Put(fresh, TaskStatusProcessing, time.Second)

	runner.sweep(context.Background())

	assert.Len(t, runner.taskChan, 2)
	status, _ := store.StatusOf(stuck.ID())
	assert.Equal(t, TaskStatusPending, status)
	status, _ = store.StatusOf(fresh.ID())
	assert.Equal(t, TaskStatusProcessing, status)
}

func TestTaskRunner_StopLeavesInterruptedTaskProcessing(t *testing.T) {
	t.Parallel()

	store := NewMockTaskStore()
	runner := NewTaskRunner(store, fastConfig(), testLogger())
	require.NoError(t, runner.Start())

	started := make(chan struct{})
	task := NewMockTask(uuid.New(), "mock_task", nil)
	task.ExecuteFn = func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}
	require.NoError(t, runner.Submit(context.Background(), task))

	<-started
	runner.Stop()

	status, _ := store.StatusOf(task.ID())
	assert.Equal(t, TaskStatusProcessing, status)
}
