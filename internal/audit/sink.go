package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Sink persists audit events.
type Sink interface {
	Name() string
	Write(ctx context.Context, event Event) error
}

// MemorySink keeps events in process, for tests and local runs.
type MemorySink struct {
	mu     sync.RWMutex
	events []Event
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (m *MemorySink) Name() string { return "memory" }

func (m *MemorySink) Write(_ context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

// Events returns a copy of everything written so far.
func (m *MemorySink) Events() []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// OfType returns the events of one type.
func (m *MemorySink) OfType(eventType EventType) []Event {
	var out []Event
	for _, e := range m.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// ObjectSink writes each event as one JSON object, keyed by day so a prefix
// listing returns a day's events in time order.
type ObjectSink struct {
	name   string
	store  ObjectStore
	prefix string
	retry  *RetryConfig
}

func NewObjectSink(name string, store ObjectStore, prefix string) *ObjectSink {
	return &ObjectSink{name: name, store: store, prefix: prefix, retry: DefaultRetryConfig()}
}

// WithRetry replaces the write retry policy.
func (s *ObjectSink) WithRetry(cfg *RetryConfig) *ObjectSink {
	s.retry = cfg
	return s
}

func (s *ObjectSink) Name() string { return s.name }

// EventKey is the object key for an event, relative to the sink prefix.
func EventKey(event Event) string {
	ts := event.Timestamp.UTC()
	return fmt.Sprintf("%s/%s-%s.json", ts.Format("2006/01/02"), ts.Format("150405.000000000"), event.ID)
}

func (s *ObjectSink) Write(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}
	key := s.prefix + EventKey(event)
	return RetryWithBackoff(ctx, s.retry, "audit."+s.name+".put", func() error {
		return s.store.Put(ctx, key, bytes.NewReader(body), "application/json")
	})
}
