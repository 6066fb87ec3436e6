// Package ws fans registry events out to long-lived WebSocket sessions.
// Sessions are scoped globally (/ws) or to one device (/ws/device/{id}).
// Producers never block: each session has a bounded queue with an explicit
// drop policy, and a slow consumer can only ever hurt itself.
package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/modax/controld/internal/audit"
	"github.com/modax/controld/internal/events"
	"github.com/modax/controld/internal/metrics"
)

// Options bound the hub.
type Options struct {
	SendBuffer     int // per-session queue capacity
	MaxConnections int
	AllowedOrigins []string // "*" or exact matches; empty allows none
	Logger         *slog.Logger
}

// Hub owns all live sessions and the subscription on the event stream.
type Hub struct {
	opts     Options
	logger   *slog.Logger
	metrics  *metrics.Metrics
	audit    *audit.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[*Session]struct{}
	reserved int // handshakes holding a slot, not yet registered

	unsubscribe func()
}

// NewHub wires the hub onto the event bus. metrics and audit may be nil in
// tests.
func NewHub(bus *events.Bus, m *metrics.Metrics, al *audit.Logger, opts Options) *Hub {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 64
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	h := &Hub{
		opts:     opts,
		logger:   opts.Logger.With("component", "ws"),
		metrics:  m,
		audit:    al,
		sessions: make(map[*Session]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     checkOrigin(opts.AllowedOrigins),
	}
	if bus != nil {
		h.unsubscribe = bus.Subscribe(h.broadcast)
	}
	return h
}

// checkOrigin mirrors the HTTP CORS policy: wildcard or exact match.
// Requests without an Origin header (non-browser clients) are accepted.
func checkOrigin(origins []string) func(*http.Request) bool {
	allowed := make(map[string]bool, len(origins))
	wildcard := false
	for _, o := range origins {
		if o == "*" {
			wildcard = true
			continue
		}
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || wildcard || allowed[origin]
	}
}

// ServeHTTP upgrades the connection and runs the session until either side
// closes. The device scope, when present, comes from the route.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.reserve() {
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.unreserve()
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	s := newSession(h, conn, mux.Vars(r)["id"])
	h.register(s)
	if h.metrics != nil {
		h.metrics.WSConnections.Inc()
	}
	h.logger.Info("websocket session opened", "device_scope", s.deviceID, "remote", r.RemoteAddr)

	go s.writePump()
	s.readPump() // blocks until the client goes away
}

// reserve claims a connection slot before the upgrade. Pending reservations
// count against the cap so concurrent handshakes cannot overshoot it; the
// slot transfers to the session entry in register.
func (h *Hub) reserve() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.sessions)+h.reserved >= h.opts.MaxConnections {
		return false
	}
	h.reserved++
	return true
}

// unreserve returns a slot whose upgrade failed.
func (h *Hub) unreserve() {
	h.mu.Lock()
	h.reserved--
	h.mu.Unlock()
}

// register converts the reservation into a live session.
func (h *Hub) register(s *Session) {
	h.mu.Lock()
	h.reserved--
	h.sessions[s] = struct{}{}
	h.mu.Unlock()
}

// release drops the session from the live set.
func (h *Hub) release(s *Session) {
	h.mu.Lock()
	_, live := h.sessions[s]
	delete(h.sessions, s)
	h.mu.Unlock()
	if live {
		if h.metrics != nil {
			h.metrics.WSConnections.Dec()
		}
		h.logger.Info("websocket session closed", "device_scope", s.deviceID)
	}
}

// broadcast serializes the event once and enqueues it on every matching
// session. Runs on the event publisher's goroutine and must not block.
func (h *Hub) broadcast(ev events.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("event marshal failed", "type", string(ev.Type), "error", err)
		return
	}

	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		if s.deviceID != "" && ev.DeviceID != "" && s.deviceID != ev.DeviceID {
			continue
		}
		s.enqueue(ev.Type, payload)
	}
}

// Close detaches from the event bus and closes every live session.
func (h *Hub) Close() {
	if h.unsubscribe != nil {
		h.unsubscribe()
	}
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()
	for _, s := range sessions {
		s.close(websocket.CloseGoingAway, "server shutting down")
	}
}

// Sessions reports the live session count.
func (h *Hub) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

func (h *Hub) dropped(t events.Type) {
	if h.metrics != nil {
		h.metrics.WSDropped.WithLabelValues(string(t)).Inc()
	}
}
