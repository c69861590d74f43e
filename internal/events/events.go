// Package events provides a publish-subscribe event bus for environment
// lifecycle and page fault notifications raised by the kernel.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// EventType identifies a specific event category.
type EventType string

// Environment lifecycle events.
const (
	EnvCreated       EventType = "ENV_CREATED"
	EnvStatusChanged EventType = "ENV_STATUS_CHANGED"
	EnvDestroyed     EventType = "ENV_DESTROYED"
)

// Page fault events.
const (
	PageFaultDelivered EventType = "PAGE_FAULT_DELIVERED"
	PageFaultFatal     EventType = "PAGE_FAULT_FATAL"
)

// Event carries data from a published event.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]string
}

// HandlerFunc processes an event.
type HandlerFunc func(Event)

// subscription tracks a single subscriber.
type subscription struct {
	id      uint64
	handler HandlerFunc
}

// Bus is the central event dispatcher. It is safe for concurrent use.
// When no subscribers exist, Publish is a no-op with zero allocations.
type Bus struct {
	mu     sync.RWMutex
	subs   map[EventType][]subscription
	nextID uint64
	logger *slog.Logger
}

// NewBus creates a new event bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[EventType][]subscription),
		logger: logger,
	}
}

// Subscribe registers a handler for the given event type.
// Returns a subscription ID that can be used to unsubscribe.
func (b *Bus) Subscribe(eventType EventType, handler HandlerFunc) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[eventType] = append(b.subs[eventType], subscription{
		id:      id,
		handler: handler,
	})
	return id
}

// SubscribeAll registers one handler for every listed event type and
// returns the subscription IDs in the same order.
func (b *Bus) SubscribeAll(handler HandlerFunc, types ...EventType) []uint64 {
	ids := make([]uint64, 0, len(types))
	for _, t := range types {
		ids = append(ids, b.Subscribe(t, handler))
	}
	return ids
}

// Unsubscribe removes a subscription by ID.
func (b *Bus) Unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for eventType, subs := range b.subs {
		for i, s := range subs {
			if s.id == id {
				b.subs[eventType] = append(subs[:i], subs[i+1:]...)
				if len(b.subs[eventType]) == 0 {
					delete(b.subs, eventType)
				}
				return
			}
		}
	}
}

// Publish dispatches an event to all subscribers of the event type.
// Handlers are called synchronously in registration order.
// A panicking handler is recovered and logged; remaining handlers
// still execute.
func (b *Bus) Publish(event Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	subs := b.subs[event.Type]
	if len(subs) == 0 {
		b.mu.RUnlock()
		return
	}
	// Copy the slice so we can release the lock before calling handlers.
	handlers := make([]subscription, len(subs))
	copy(handlers, subs)
	b.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	for _, s := range handlers {
		b.safeCall(s.handler, event)
	}
}

func (b *Bus) safeCall(handler HandlerFunc, event Event) {
	defer func() {
		if r := recover(); r != nil {
			if b.logger != nil {
				b.logger.Error("event handler panicked",
					"event", string(event.Type),
					"panic", r,
				)
			}
		}
	}()
	handler(event)
}

// SubscriberCount returns the number of subscribers for an event type.
func (b *Bus) SubscriberCount(eventType EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[eventType])
}
