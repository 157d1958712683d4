package mocks

import (
	"context"
	"sync"

	"github.com/phrazzld/enrich-api/internal/events"
)

// MockEventEmitter implements events.EventEmitter and records every event.
type MockEventEmitter struct {
	// EmitEventFn allows test cases to fail emission
	EmitEventFn func(ctx context.Context, event *events.TaskRequestEvent) error

	mu     sync.Mutex
	events []*events.TaskRequestEvent
}

var _ events.EventEmitter = (*MockEventEmitter)(nil)

// EmitEvent implements events.EventEmitter.
func (m *MockEventEmitter) EmitEvent(ctx context.Context, event *events.TaskRequestEvent) error {
	m.mu.Lock()
	m.events = append(m.events, event)
	m.mu.Unlock()

	if m.EmitEventFn != nil {
		return m.EmitEventFn(ctx, event)
	}
	return nil
}

// Events returns the emitted events of the given type, or all events when
// eventType is empty.
func (m *MockEventEmitter) Events(eventType string) []*events.TaskRequestEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*events.TaskRequestEvent
	for _, e := range m.events {
		if eventType == "" || e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
