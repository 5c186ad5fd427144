// Package telemetry fans run events out to in-process observers and, via
// Forward, to the message bus. It also owns tracer provider setup.
package telemetry

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType identifies the kind of run event.
type EventType string

const (
	EventRunStarted     EventType = "run.started"
	EventEntryStarted   EventType = "entry.started"
	EventEntryCompleted EventType = "entry.completed"
	EventEntryFailed    EventType = "entry.failed"
	EventRunProgress    EventType = "run.progress"
	EventRunPaused      EventType = "run.paused"
	EventRunResumed     EventType = "run.resumed"
	EventRunCompleted   EventType = "run.completed"
	EventRunFailed      EventType = "run.failed"
	EventRunCancelled   EventType = "run.cancelled"
	EventRunReset       EventType = "run.reset"
)

// Terminal reports whether no further events follow for the run.
func (t EventType) Terminal() bool {
	switch t {
	case EventRunCompleted, EventRunFailed, EventRunCancelled:
		return true
	}
	return false
}

// Event is one notification about a run. Payload holds a typed value owned
// by the publisher (progress snapshots, entry copies, results).
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	RunID     string    `json:"runId,omitempty"`
	EntryID   string    `json:"entryId,omitempty"`
	PersonaID string    `json:"personaId,omitempty"`
	Payload   any       `json:"payload,omitempty"`
}

const DefaultSubscriberBuffer = 64

// TerminalDeliveryTimeout bounds how long Publish waits on a full
// subscriber before dropping a terminal event.
const TerminalDeliveryTimeout = 250 * time.Millisecond

// Hub fans events out to any number of subscribers. A subscriber whose
// buffer is full misses the event, except for terminal events, which wait
// up to TerminalDeliveryTimeout for room.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
	buffer      int
	closed      bool
	dropped     atomic.Uint64
}

// NewHub constructs a hub with the default subscriber buffer.
func NewHub() *Hub {
	return NewHubWithBuffer(DefaultSubscriberBuffer)
}

// NewHubWithBuffer constructs a hub whose subscriptions buffer n events.
func NewHubWithBuffer(n int) *Hub {
	if n <= 0 {
		n = DefaultSubscriberBuffer
	}
	return &Hub{
		subscribers: make(map[chan Event]struct{}),
		buffer:      n,
	}
}

// Publish delivers event to every current subscriber.
func (h *Hub) Publish(event Event) {
	if h == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	var (
		timer   *time.Timer
		expired bool
	)
	for ch := range h.subscribers {
		select {
		case ch <- event:
			continue
		default:
		}
		if !event.Type.Terminal() || expired {
			h.dropped.Add(1)
			continue
		}
		if timer == nil {
			timer = time.NewTimer(TerminalDeliveryTimeout)
			defer timer.Stop()
		}
		select {
		case ch <- event:
		case <-timer.C:
			expired = true
			h.dropped.Add(1)
		}
	}
}

// Subscribe returns a channel of future events and a disposer that closes
// it. The disposer is idempotent.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		empty := make(chan Event)
		close(empty)
		return empty, func() {}
	}

	ch := make(chan Event, h.buffer)
	h.subscribers[ch] = struct{}{}
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subscribers[ch]; ok {
			delete(h.subscribers, ch)
			close(ch)
		}
	}
}

// SubscribeFunc runs fn on a dedicated goroutine for each event, in publish
// order. The returned disposer stops delivery; events already buffered are
// still handed to fn.
func (h *Hub) SubscribeFunc(fn func(Event)) func() {
	ch, dispose := h.Subscribe()
	go func() {
		for ev := range ch {
			fn(ev)
		}
	}()
	return dispose
}

// Subscribers reports the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Dropped reports how many deliveries were skipped for full buffers.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Close closes every subscription and turns later publishes into no-ops.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subscribers {
		close(ch)
		delete(h.subscribers, ch)
	}
}
