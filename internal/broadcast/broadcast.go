// Package broadcast fans job status transitions out to live subscribers.
// Delivery is best-effort: a slow or failed subscriber never affects other
// subscribers or the job's persisted state.
package broadcast

import (
	"encoding/json"
	"sync"
	"time"
)

// subscriberBufferSize is the channel buffer for each subscriber. Events are
// dropped if a subscriber falls this far behind.
const subscriberBufferSize = 16

// EventTypeJobUpdate is the type tag on status-transition events.
const EventTypeJobUpdate = "job.update"

// Event is one live update message.
type Event struct {
	Type      string
	JobID     string
	Status    string
	UpdatedAt time.Time
	// Patch carries additional fields merged into the wire message
	// (result, error, cost, and so on).
	Patch map[string]any
}

// MarshalJSON flattens the patch into the top-level message alongside the
// fixed fields.
func (e Event) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(e.Patch)+4)
	for k, v := range e.Patch {
		m[k] = v
	}
	m["type"] = e.Type
	m["job_id"] = e.JobID
	m["status"] = e.Status
	m["updated_at"] = e.UpdatedAt.Format(time.RFC3339Nano)
	return json.Marshal(m)
}

// Broadcaster is the capability injected into the job repository. Tests
// substitute a recording implementation.
type Broadcaster interface {
	Broadcast(tenantID string, ev Event)
}

// Hub is the in-process Broadcaster: per-tenant topics with fan-out to
// subscriber channels. It is safe for concurrent use.
type Hub struct {
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	subs   map[int]chan Event
	nextID int
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{topics: make(map[string]*topic)}
}

// Subscribe returns a channel receiving events for the given tenant and an
// unsubscribe function. Connection lifecycle is the caller's problem; the hub
// only routes.
func (h *Hub) Subscribe(tenantID string) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[tenantID]
	if !ok {
		t = &topic{subs: make(map[int]chan Event)}
		h.topics[tenantID] = t
	}

	ch := make(chan Event, subscriberBufferSize)
	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(t.subs, id)
		if len(t.subs) == 0 {
			delete(h.topics, tenantID)
		}
	}
}

// Broadcast sends an event to all subscribers of the given tenant. Events are
// dropped for subscribers whose buffers are full.
func (h *Hub) Broadcast(tenantID string, ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[tenantID]
	if !ok {
		return
	}
	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			// Drop for slow subscribers to avoid blocking status writes.
		}
	}
}
