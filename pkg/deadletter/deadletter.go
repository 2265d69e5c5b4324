// Package deadletter stores events the ingestion pipeline gave up on.
package deadletter

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oceanbase/powermem-hotcold/pkg/model"
)

// Entry is one dead-lettered event.
type Entry struct {
	// ID is a random UUID assigned by NewEntry.
	ID string `json:"id" msgpack:"id"`

	// Event is the original event. It may carry raw PII, so sinks must be
	// access-controlled like the index itself.
	Event *model.MemoryEvent `json:"event" msgpack:"event"`

	// Reason is the pipeline state that failed, e.g. "embed" or "validate".
	Reason string `json:"reason" msgpack:"reason"`

	// Error is the final error message.
	Error string `json:"error" msgpack:"error"`

	// Attempts is the number of processing attempts made.
	Attempts int `json:"attempts" msgpack:"attempts"`

	// FailedAt is when the pipeline gave up.
	FailedAt time.Time `json:"failed_at" msgpack:"failed_at"`
}

// NewEntry builds an entry for event.
func NewEntry(event *model.MemoryEvent, reason string, err error, attempts int) Entry {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return Entry{
		ID:       uuid.NewString(),
		Event:    event,
		Reason:   reason,
		Error:    msg,
		Attempts: attempts,
		FailedAt: time.Now().UTC(),
	}
}

// Sink persists dead-lettered events.
type Sink interface {
	// Put stores entry.
	Put(ctx context.Context, entry Entry) error

	// List returns up to limit entries, newest first. limit <= 0 returns all.
	List(ctx context.Context, limit int) ([]Entry, error)

	// Count returns the number of stored entries.
	Count(ctx context.Context) (int64, error)

	// Close releases resources.
	Close() error
}

// DefaultMemoryCapacity bounds MemorySink.
const DefaultMemoryCapacity = 10000

// MemorySink keeps the most recent entries in process. When full, the
// oldest entry is evicted.
type MemorySink struct {
	mu       sync.Mutex
	entries  []Entry
	capacity int
	evicted  int64
}

// NewMemorySink creates a sink holding at most capacity entries.
func NewMemorySink(capacity int) *MemorySink {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemorySink{capacity: capacity}
}

// Put implements Sink.
func (s *MemorySink) Put(_ context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) >= s.capacity {
		s.entries = s.entries[1:]
		s.evicted++
	}
	s.entries = append(s.entries, entry)
	return nil
}

// List implements Sink.
func (s *MemorySink) List(_ context.Context, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Entry, 0, n)
	for i := len(s.entries) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.entries[i])
	}
	return out, nil
}

// Count implements Sink.
func (s *MemorySink) Count(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.entries)), nil
}

// Evicted returns how many entries were dropped for capacity.
func (s *MemorySink) Evicted() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evicted
}

// Close implements Sink.
func (s *MemorySink) Close() error {
	return nil
}
