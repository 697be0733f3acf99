package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/petrijr/flowline/pkg/api"
)

// EventStore is an append-only history store for process execution events.
// Events are keyed by process instance id (batch events by batch id) and
// listed in append order.
type EventStore interface {
	AppendEvent(ctx context.Context, ev api.HistoryEvent) error
	ListEvents(ctx context.Context, processInstanceID string) ([]api.HistoryEvent, error)
}

// NoopEventStore discards all events.
type NoopEventStore struct{}

func (NoopEventStore) AppendEvent(ctx context.Context, ev api.HistoryEvent) error { return nil }
func (NoopEventStore) ListEvents(ctx context.Context, processInstanceID string) ([]api.HistoryEvent, error) {
	return nil, nil
}

// MemoryEventStore keeps events in process memory.
type MemoryEventStore struct {
	mu     sync.RWMutex
	events map[string][]api.HistoryEvent
}

var _ EventStore = (*MemoryEventStore)(nil)

func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{events: make(map[string][]api.HistoryEvent)}
}

func (s *MemoryEventStore) AppendEvent(ctx context.Context, ev api.HistoryEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.ProcessInstanceID] = append(s.events[ev.ProcessInstanceID], ev)
	return nil
}

func (s *MemoryEventStore) ListEvents(ctx context.Context, processInstanceID string) ([]api.HistoryEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	evs := s.events[processInstanceID]
	out := make([]api.HistoryEvent, len(evs))
	copy(out, evs)
	return out, nil
}
