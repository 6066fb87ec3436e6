// Package bus abstracts the publish/subscribe transport that connects the
// control layer to field devices. MQTT is the reference transport; a Redis
// Pub/Sub transport and an in-process transport implement the same
// interface. Alternative wire protocols (Sparkplug-B, OPC-UA bridges) would
// plug in here without touching registry or API semantics.
package bus

import (
	"context"
	"errors"
	"time"
)

// Default topic catalog.
const (
	TopicSensorData      = "modax/sensor/data"
	TopicSensorSafety    = "modax/sensor/safety"
	TopicAIAnalysis      = "modax/ai/analysis"
	TopicControlCommands = "modax/control/commands"
	TopicNodeStatus      = "modax/control/status"
)

var (
	// ErrTransport means the connection could not be established within the
	// attempt budget, or an operation needed a connection that is gone.
	ErrTransport = errors.New("bus transport error")
	// ErrPublish means a publish failed after local queueing succeeded.
	ErrPublish = errors.New("bus publish error")
	// ErrBackpressure means the outbound queue is full; the message was
	// refused locally.
	ErrBackpressure = errors.New("bus outbound queue full")
)

// State names the connection lifecycle phases.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// StateValue maps a State to the bus_connection_state gauge value.
func StateValue(s State) float64 {
	switch s {
	case StateConnecting:
		return 1
	case StateConnected:
		return 2
	case StateReconnecting:
		return 3
	default:
		return 0
	}
}

// Handler receives one decoded-at-the-wire message. Handlers must not block;
// decode errors are the handler's problem and must never panic the pump.
type Handler func(topic string, payload []byte)

// Bus is the transport capability. Subscriptions survive reconnects.
type Bus interface {
	// Connect blocks until a first session is established or the attempt
	// budget is exhausted, in which case it fails with ErrTransport.
	Connect(ctx context.Context) error

	// Subscribe registers a handler for a topic. Registered handlers are
	// re-subscribed automatically after a reconnect.
	Subscribe(topic string, qos byte, h Handler) error

	// Publish enqueues an outbound message. A transient disconnection
	// queues; a full queue fails with ErrBackpressure.
	Publish(ctx context.Context, topic string, qos byte, payload []byte) error

	// Disconnect is idempotent.
	Disconnect()

	// Connected reports whether a session is currently up.
	Connected() bool

	// LastConnected is the wall time the session was last known good; the
	// readiness endpoint compares it against the reconnect ceiling.
	LastConnected() time.Time
}

// Reconnect backoff parameters shared by transports.
const (
	initialReconnectDelay = 1 * time.Second
	maxReconnectDelay     = 60 * time.Second
	reconnectJitter       = 0.2
	defaultQueueSize      = 10000
)
