package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modax/controld/internal/events"
)

func newTestHub(buffer int) *Hub {
	return NewHub(nil, nil, nil, Options{
		SendBuffer:     buffer,
		MaxConnections: 4,
		AllowedOrigins: []string{"*"},
	})
}

// register adds a session without a network connection; only the queue side
// is exercised.
func register(h *Hub, deviceID string) *Session {
	s := &Session{
		hub:      h,
		deviceID: deviceID,
		queue:    make([]queuedMsg, 0, h.opts.SendBuffer),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	h.mu.Lock()
	h.sessions[s] = struct{}{}
	h.mu.Unlock()
	return s
}

func queuedTypes(s *Session) []events.Type {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.Type, 0, len(s.queue))
	for _, m := range s.queue {
		out = append(out, m.eventType)
	}
	return out
}

func queuedTimestamps(t *testing.T, s *Session) []float64 {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []float64
	for _, m := range s.queue {
		var ev events.Event
		require.NoError(t, json.Unmarshal(m.payload, &ev))
		out = append(out, ev.Timestamp)
	}
	return out
}

func TestHub_BroadcastPreservesOrder(t *testing.T) {
	h := newTestHub(16)
	s := register(h, "")

	for i := 1; i <= 5; i++ {
		h.broadcast(events.Event{Type: events.TypeSensorData, DeviceID: "d1", Timestamp: float64(i)})
	}

	assert.Equal(t, []float64{1, 2, 3, 4, 5}, queuedTimestamps(t, s))
}

func TestHub_DeviceScopeFiltersOtherDevices(t *testing.T) {
	h := newTestHub(16)
	scoped := register(h, "d1")
	global := register(h, "")

	h.broadcast(events.Event{Type: events.TypeSensorData, DeviceID: "d1", Timestamp: 1})
	h.broadcast(events.Event{Type: events.TypeSensorData, DeviceID: "d2", Timestamp: 2})
	// System events carry no device id and reach every scope.
	h.broadcast(events.Event{Type: events.TypeSystemStatus, Timestamp: 3})

	assert.Equal(t, []float64{1, 3}, queuedTimestamps(t, scoped))
	assert.Equal(t, []float64{1, 2, 3}, queuedTimestamps(t, global))
}

func TestSession_FullQueueDropsOldestNonSafety(t *testing.T) {
	h := newTestHub(3)
	s := register(h, "")

	h.broadcast(events.Event{Type: events.TypeSensorData, DeviceID: "d1", Timestamp: 1})
	h.broadcast(events.Event{Type: events.TypeSafetyStatus, DeviceID: "d1", Timestamp: 2})
	h.broadcast(events.Event{Type: events.TypeSensorData, DeviceID: "d1", Timestamp: 3})
	// Queue full; the oldest non-safety message (ts 1) must give way.
	h.broadcast(events.Event{Type: events.TypeAIAnalysis, DeviceID: "d1", Timestamp: 4})

	assert.Equal(t, []float64{2, 3, 4}, queuedTimestamps(t, s))
	assert.Equal(t,
		[]events.Type{events.TypeSafetyStatus, events.TypeSensorData, events.TypeAIAnalysis},
		queuedTypes(s))
}

func TestSession_SafetyNeverDroppedSilently(t *testing.T) {
	h := newTestHub(2)
	s := register(h, "")

	// Fill the queue entirely with safety events.
	h.broadcast(events.Event{Type: events.TypeSafetyStatus, DeviceID: "d1", Timestamp: 1})
	h.broadcast(events.Event{Type: events.TypeSafetyStatus, DeviceID: "d1", Timestamp: 2})

	// A non-safety event is the one that gets dropped.
	h.broadcast(events.Event{Type: events.TypeSensorData, DeviceID: "d1", Timestamp: 3})
	assert.Equal(t, []float64{1, 2}, queuedTimestamps(t, s))
	assert.False(t, s.failed)

	// A further safety event cannot fit: the session is marked failed so the
	// writer closes it instead of dropping the event.
	h.broadcast(events.Event{Type: events.TypeSafetyStatus, DeviceID: "d1", Timestamp: 4})
	s.mu.Lock()
	failed := s.failed
	s.mu.Unlock()
	assert.True(t, failed)

	_, failedDrain := s.drain()
	assert.True(t, failedDrain)
}

func TestSession_FailedSessionIgnoresFurtherEvents(t *testing.T) {
	h := newTestHub(1)
	s := register(h, "")

	h.broadcast(events.Event{Type: events.TypeSafetyStatus, Timestamp: 1})
	h.broadcast(events.Event{Type: events.TypeSafetyStatus, Timestamp: 2}) // marks failed
	h.broadcast(events.Event{Type: events.TypeSensorData, Timestamp: 3})

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.True(t, s.failed)
	assert.Len(t, s.queue, 1)
}

func TestHub_ConnectionCap(t *testing.T) {
	h := newTestHub(4)
	for i := 0; i < h.opts.MaxConnections; i++ {
		register(h, "")
	}
	assert.False(t, h.reserve())
	assert.Equal(t, h.opts.MaxConnections, h.Sessions())
}

func TestHub_PendingReservationHoldsSlot(t *testing.T) {
	h := newTestHub(4)
	for i := 0; i < h.opts.MaxConnections-1; i++ {
		register(h, "")
	}

	// One slot left: the first handshake reserves it, a simultaneous second
	// handshake must be refused before either registers.
	assert.True(t, h.reserve())
	assert.False(t, h.reserve())
}

func TestHub_FailedUpgradeReturnsSlot(t *testing.T) {
	h := newTestHub(4)
	for i := 0; i < h.opts.MaxConnections-1; i++ {
		register(h, "")
	}

	require.True(t, h.reserve())
	h.unreserve()
	assert.True(t, h.reserve())
}

func TestHub_CloseSendsGoingAwayFrame(t *testing.T) {
	h := newTestHub(16)
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	require.Eventually(t, func() bool { return h.Sessions() == 1 }, time.Second, 10*time.Millisecond)

	h.Close()

	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)
}

func TestHub_ReleaseFreesSlot(t *testing.T) {
	h := newTestHub(4)
	var last *Session
	for i := 0; i < h.opts.MaxConnections; i++ {
		last = register(h, "")
	}
	h.release(last)
	assert.True(t, h.reserve())
}

func newOriginRequest(origin string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	if origin != "" {
		r.Header.Set("Origin", origin)
	}
	return r
}

func TestCheckOrigin(t *testing.T) {
	exact := checkOrigin([]string{"https://hmi.local"})
	wildcard := checkOrigin([]string{"*"})

	assert.True(t, exact(newOriginRequest("https://hmi.local")))
	assert.False(t, exact(newOriginRequest("https://evil.example")))
	assert.True(t, exact(newOriginRequest(""))) // non-browser client
	assert.True(t, wildcard(newOriginRequest("https://anywhere.example")))
}
