// Package bus is the in-process event fan-out tier: synchronous,
// best-effort delivery to local subscribers. Durability lives in
// pkg/stream; the bus never blocks or fails a publish.
package bus

import (
	"log/slog"
	"sync"

	"github.com/rampartsec/rampart/pkg/models"
)

// Handler receives one published event. Handlers run synchronously on
// the publisher's goroutine and must not block.
type Handler func(models.Event)

// subscription keys carry the filter so Publish can match cheaply.
type subscription struct {
	eventType string // empty matches all
	handler   Handler
}

// Bus fans events out to in-process subscribers.
type Bus struct {
	mu     sync.RWMutex
	nextID int64
	subs   map[int64]subscription
	logger *slog.Logger
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{
		subs:   make(map[int64]subscription),
		logger: slog.With("component", "bus"),
	}
}

// Subscribe registers a handler for every event. Returns the
// subscription ID used to unsubscribe.
func (b *Bus) Subscribe(h Handler) int64 {
	return b.add("", h)
}

// SubscribeType registers a handler for one event type only.
func (b *Bus) SubscribeType(eventType string, h Handler) int64 {
	return b.add(eventType, h)
}

func (b *Bus) add(eventType string, h Handler) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subs[b.nextID] = subscription{eventType: eventType, handler: h}
	return b.nextID
}

// Unsubscribe removes a subscription. Unknown IDs are ignored.
func (b *Bus) Unsubscribe(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Publish delivers the event to every matching subscriber. A panicking
// handler is logged and does not affect the others.
func (b *Bus) Publish(ev models.Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.eventType == "" || sub.eventType == ev.Type {
			handlers = append(handlers, sub.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(h, ev)
	}
}

func (b *Bus) deliver(h Handler, ev models.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event handler panicked", "event_id", ev.ID, "event_type", ev.Type, "panic", r)
		}
	}()
	h(ev)
}

// SubscriberCount reports the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
