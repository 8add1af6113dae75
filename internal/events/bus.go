package events

import (
	"log"
	"sync"
	"time"
)

// Handler consumes one event. Handlers run synchronously on the publisher's
// goroutine; a consumer that must not block publishing (the notifier, the
// push relays) buffers on its own side.
type Handler func(Event)

// subscription pairs a handler with the event types it listens for. A nil
// type set means every event.
type subscription struct {
	types   map[EventType]struct{}
	handler Handler
}

func (s subscription) wants(t EventType) bool {
	if s.types == nil {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// Bus carries push signals, sync transitions, and decisions between the
// cache, the unlock workflow, and the notifier. Safe for concurrent use.
type Bus struct {
	mu          sync.RWMutex
	subscribers []subscription
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a handler for the given event types, or for all
// events when none are named. There is no unsubscribe; components live as
// long as their bus.
func (b *Bus) Subscribe(handler Handler, types ...EventType) {
	sub := subscription{handler: handler}
	if len(types) > 0 {
		sub.types = make(map[EventType]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	b.subscribers = append(b.subscribers, sub)
	b.mu.Unlock()
}

// Publish delivers an event to every matching subscriber, stamping the
// timestamp if the publisher left it zero. A panicking handler is logged
// and skipped so one bad consumer cannot drop delivery for the rest.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	subs := make([]subscription, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.wants(e.Type) {
			deliver(sub.handler, e)
		}
	}
}

func deliver(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[EVENTS] handler panic on %s: %v", e.Type, r)
		}
	}()
	h(e)
}
