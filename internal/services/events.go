package services

import (
	"sync"
	"time"

	"mailflow/internal/utils"
)

// EventKind enumerates every event the scheduling core publishes.
type EventKind string

const (
	EventSyncStarted   EventKind = "sync.started"
	EventSyncProgress  EventKind = "sync.progress"
	EventSyncCompleted EventKind = "sync.completed"
	EventSyncFailed    EventKind = "sync.failed"
	EventSyncCancelled EventKind = "sync.cancelled"
	EventBatchCreated  EventKind = "batch.created"
	EventBatchProgress EventKind = "batch.progress"
	EventBatchFinished EventKind = "batch.finished"
)

// Event is one notification published to subscribers.
type Event struct {
	Kind      EventKind   `json:"kind"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// EventBus is a typed publish/subscribe fan-out. Subscribers are
// registered at startup; delivery is best-effort; a subscriber that
// cannot keep up loses events rather than blocking publishers.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	logger *utils.Logger
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{
		subs:   make(map[int]chan Event),
		logger: utils.NewLogger("EventBus"),
	}
}

// Subscribe registers a listener and returns its channel plus an
// unsubscribe function.
func (b *EventBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if existing, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(existing)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish fans the event out to every subscriber without blocking.
func (b *EventBus) Publish(kind EventKind, data interface{}) {
	event := Event{Kind: kind, Timestamp: time.Now(), Data: data}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- event:
		default:
			b.logger.Debug("Subscriber %d lagging, dropped %s event", id, kind)
		}
	}
}
