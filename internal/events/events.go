// Package events provides the typed in-process event stream between the
// device registry and the real-time fan-out. The registry publishes; the
// WebSocket hub and anything else interested subscribe. The registry never
// holds a reference to a session.
package events

import (
	"log/slog"
	"sync"
)

// Type classifies pushed events.
type Type string

const (
	TypeSensorData   Type = "sensor_data"
	TypeSafetyStatus Type = "safety_status"
	TypeAIAnalysis   Type = "ai_analysis"
	TypeSystemStatus Type = "system_status"
)

// Event is one push update. Data carries the sample, safety snapshot,
// advisory result or system status as published.
type Event struct {
	Type      Type    `json:"type"`
	DeviceID  string  `json:"device_id,omitempty"`
	Timestamp float64 `json:"timestamp"`
	Data      any     `json:"data"`
}

// Handler consumes one event. Handlers run on the publisher's goroutine so
// that per-(device, type) observation order is preserved end to end; they
// must not block.
type Handler func(ev Event)

type subscriberEntry struct {
	id      int
	handler Handler
}

// Bus is a minimal synchronous pub/sub fan-out.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscriberEntry
	nextID int
	closed bool
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a handler for every event. Returns an unsubscribe
// function.
func (b *Bus) Subscribe(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriberEntry{id: id, handler: h})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, entry := range b.subs {
			if entry.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
	}
}

// Publish delivers the event to all subscribers, in subscription order, on
// the calling goroutine. Delivery is synchronous: events published from one
// goroutine arrive in publication order.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	// Unsubscribe compacts b.subs in place, so iterate over a copy taken
	// under the lock.
	subs := make([]subscriberEntry, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, entry := range subs {
		entry.handler(ev)
	}
}

// Close drops all subscribers and makes further publishes no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = nil
	slog.Debug("event bus closed")
}
