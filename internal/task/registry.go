package task

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ErrUnknownTaskType is returned when no factory is registered for a task type.
var ErrUnknownTaskType = errors.New("unknown task type")

// Factory builds a task of one type from its ID and persisted payload.
type Factory func(id uuid.UUID, payload []byte) (Task, error)

// Registry maps task types to factories so that tasks can be created from
// events and rebuilt from the database after a restart.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for taskType.
func (r *Registry) Register(taskType string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[taskType] = factory
}

// Has reports whether a factory is registered for taskType.
func (r *Registry) Has(taskType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[taskType]
	return ok
}

// Create builds a new task with a fresh ID.
func (r *Registry) Create(taskType string, payload []byte) (Task, error) {
	return r.Restore(uuid.New(), taskType, payload)
}

// Restore rebuilds a persisted task under its original ID.
func (r *Registry) Restore(id uuid.UUID, taskType string, payload []byte) (Task, error) {
	r.mu.RLock()
	factory, ok := r.factories[taskType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTaskType, taskType)
	}
	return factory(id, payload)
}
