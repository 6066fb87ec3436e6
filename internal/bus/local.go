package bus

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Local is an in-process transport. It backs tests and single-binary demo
// deployments: publishes are delivered synchronously to matching
// subscribers, and every published message is recorded for inspection.
type Local struct {
	mu        sync.RWMutex
	subs      map[string][]Handler
	published map[string][][]byte
	connected bool
	lastUp    time.Time
}

// NewLocal creates a disconnected in-process bus.
func NewLocal() *Local {
	return &Local{
		subs:      make(map[string][]Handler),
		published: make(map[string][][]byte),
	}
}

// Connect marks the bus connected; it cannot fail.
func (l *Local) Connect(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected = true
	l.lastUp = time.Now()
	return nil
}

// Subscribe registers a handler for exact-match topics.
func (l *Local) Subscribe(topic string, _ byte, h Handler) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subs[topic] = append(l.subs[topic], h)
	return nil
}

// Publish records the message and delivers it synchronously. While
// disconnected it fails with ErrPublish, which is stricter than the network
// transports; tests rely on the determinism.
func (l *Local) Publish(_ context.Context, topic string, _ byte, payload []byte) error {
	l.mu.Lock()
	if !l.connected {
		l.mu.Unlock()
		return fmt.Errorf("%w: local bus disconnected", ErrPublish)
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	l.published[topic] = append(l.published[topic], cp)
	handlers := append([]Handler(nil), l.subs[topic]...)
	l.mu.Unlock()

	for _, h := range handlers {
		h(topic, cp)
	}
	return nil
}

// Inject delivers a payload to subscribers as if it arrived from the wire,
// without recording it as an outbound publish.
func (l *Local) Inject(topic string, payload []byte) {
	l.mu.RLock()
	handlers := append([]Handler(nil), l.subs[topic]...)
	l.mu.RUnlock()
	for _, h := range handlers {
		h(topic, payload)
	}
}

// Published returns every payload published on the topic so far.
func (l *Local) Published(topic string) [][]byte {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([][]byte(nil), l.published[topic]...)
}

// Disconnect marks the bus disconnected. Idempotent.
func (l *Local) Disconnect() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected = false
}

// Connected reports the connection flag.
func (l *Local) Connected() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.connected
}

// LastConnected is the time Connect last succeeded.
func (l *Local) LastConnected() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastUp
}
