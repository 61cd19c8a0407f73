package audit

import (
	"context"
	"errors"
	"slices"
	"sync"
)

// ErrStoreClosed is returned by stores after Close.
var ErrStoreClosed = errors.New("audit store closed")

// Store persists batches of audit events. Append must be safe to call
// again with the same batch after a failure; events carry stable IDs
// so durable stores can deduplicate.
type Store interface {
	Append(ctx context.Context, events []Event) error
	Close() error
}

// Recorder accepts audit events without blocking. Writer implements it.
type Recorder interface {
	Record(event Event)
}

// RecorderFunc adapts a function to the Recorder interface.
type RecorderFunc func(Event)

// Record calls f(event).
func (f RecorderFunc) Record(event Event) { f(event) }

// NopRecorder discards every event.
func NopRecorder() Recorder {
	return RecorderFunc(func(Event) {})
}

// MemoryStore keeps events in memory. It is used in tests and as the
// "memory" audit sink.
type MemoryStore struct {
	mu       sync.Mutex
	events   []Event
	seen     map[string]struct{}
	failNext int
	failErr  error
	appends  int
	closed   bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{seen: make(map[string]struct{})}
}

// FailNext makes the next n Append calls fail with err.
func (s *MemoryStore) FailNext(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
	s.failErr = err
}

// Append stores events, skipping IDs that were already stored.
func (s *MemoryStore) Append(ctx context.Context, events []Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.appends++
	if s.closed {
		return ErrStoreClosed
	}
	if s.failNext > 0 {
		s.failNext--
		return s.failErr
	}

	for _, e := range events {
		if _, ok := s.seen[e.ID]; ok {
			continue
		}
		s.seen[e.ID] = struct{}{}
		s.events = append(s.events, e)
	}
	return nil
}

// Events returns a copy of the stored events in insertion order.
func (s *MemoryStore) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.events)
}

// Len returns the number of stored events.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// Appends returns the number of Append calls, including failed ones.
func (s *MemoryStore) Appends() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appends
}

// Close marks the store closed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
