package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Topics published during a run.
const (
	TypeDispatchOrder = "dispatch.order"
	TypeWorkerIdle    = "worker.idle"
	TypeWorkerFinish  = "worker.finish"
	TypeRunDone       = "run.done"
)

type Event struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// DispatchData is the payload of dispatch.order.
type DispatchData struct {
	RunID  string `json:"run_id,omitempty"`
	JobID  int    `json:"job_id"`
	Worker int    `json:"worker"`
}

// WorkerData is the payload of worker.idle and worker.finish.
type WorkerData struct {
	RunID  string `json:"run_id,omitempty"`
	Worker int    `json:"worker"`
}

// RunData is the payload of run.done.
type RunData struct {
	RunID    string `json:"run_id,omitempty"`
	Status   string `json:"status"`
	Jobs     int    `json:"jobs"`
	Error    string `json:"error,omitempty"`
	Duration string `json:"duration"`
}

// Hub is an in-memory pub/sub that keeps the newest events in a ring so
// pollers and late subscribers can catch up by ID.
type Hub struct {
	mu      sync.Mutex
	lastID  int64
	ring    []Event
	next    int
	full    bool
	dropped uint64

	subs      map[int]chan Event
	nextSubID int
}

const (
	defaultCapacity  = 256
	subscriberBuffer = 128
)

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[int]chan Event),
	}
}

// Publish records an event and offers it to every subscriber. IDs are
// assigned under the lock, so ring and channel order match ID order.
// Subscribers that are not keeping up miss the event.
func (h *Hub) Publish(eventType string, data any) {
	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastID++
	ev := Event{ID: h.lastID, Type: eventType, At: time.Now().UTC(), Data: payload}

	h.ring[h.next] = ev
	h.next = (h.next + 1) % len(h.ring)
	if h.next == 0 {
		h.full = true
	}

	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.dropped++
		}
	}
}

// Subscribe returns a channel of new events and a cancel func that closes
// it. Cancel is idempotent.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, subscriberBuffer)
	h.subs[id] = ch

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
	}
}

// SnapshotSince returns buffered events with ID > lastID, oldest first.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	ordered := h.ring[:h.next]
	if h.full {
		ordered = append(append([]Event(nil), h.ring[h.next:]...), h.ring[:h.next]...)
	}

	out := make([]Event, 0, len(ordered))
	for _, ev := range ordered {
		if ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

// LastID is the ID of the newest event, or 0.
func (h *Hub) LastID() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastID
}

// Dropped counts deliveries skipped because a subscriber's buffer was full.
func (h *Hub) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}
