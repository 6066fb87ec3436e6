package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/modax/controld/internal/audit"
	"github.com/modax/controld/internal/events"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
	maxMsgSize = 4 * 1024 // clients only ever send control frames and pings
)

// closeSafetyOverflow is sent when a session's queue cannot accept a
// safety_status event. Safety events are never dropped silently; a consumer
// too slow for them loses the connection instead.
const closeSafetyOverflow = 4002

type queuedMsg struct {
	eventType events.Type
	payload   []byte
}

// Session is one WebSocket connection. The queue is a slice under a mutex
// rather than a channel so the producer can drop the oldest non-safety
// message when full; notify wakes the writer without ever blocking the
// producer.
type Session struct {
	hub      *Hub
	conn     *websocket.Conn
	deviceID string // empty for global scope

	mu     sync.Mutex
	queue  []queuedMsg
	failed bool // queue refused a safety event; writer must close

	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newSession(h *Hub, conn *websocket.Conn, deviceID string) *Session {
	return &Session{
		hub:      h,
		conn:     conn,
		deviceID: deviceID,
		queue:    make([]queuedMsg, 0, h.opts.SendBuffer),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// enqueue applies the back-pressure policy and never blocks. When the queue
// is full the oldest non-safety message is evicted; a safety_status event
// that still cannot fit marks the session failed.
func (s *Session) enqueue(t events.Type, payload []byte) {
	s.mu.Lock()
	if s.failed {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= s.hub.opts.SendBuffer {
		if !s.evictOldest() {
			// Queue entirely safety_status.
			if t == events.TypeSafetyStatus {
				s.failed = true
				s.mu.Unlock()
				s.wake()
				return
			}
			s.mu.Unlock()
			s.hub.dropped(t)
			return
		}
	}
	s.queue = append(s.queue, queuedMsg{eventType: t, payload: payload})
	s.mu.Unlock()
	s.wake()
}

// evictOldest drops the oldest non-safety message, reporting false when the
// whole queue is safety traffic. Called with s.mu held.
func (s *Session) evictOldest() bool {
	for i, m := range s.queue {
		if m.eventType != events.TypeSafetyStatus {
			s.hub.dropped(m.eventType)
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Session) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// drain takes the queued messages, or reports the session failed.
func (s *Session) drain() ([]queuedMsg, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed {
		return nil, true
	}
	msgs := s.queue
	s.queue = make([]queuedMsg, 0, s.hub.opts.SendBuffer)
	return msgs, false
}

// writePump owns every write on the connection: queued events, pings and
// the close frame.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close(websocket.CloseNormalClosure, "")
	}()

	for {
		select {
		case <-s.notify:
			msgs, failed := s.drain()
			if failed {
				s.closeSafety()
				return
			}
			for _, m := range msgs {
				s.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := s.conn.WriteMessage(websocket.TextMessage, m.payload); err != nil {
					return
				}
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// readPump discards client frames (the stream is one-way) and keeps the
// pong deadline fresh.
func (s *Session) readPump() {
	defer s.close(websocket.CloseNormalClosure, "")

	s.conn.SetReadLimit(maxMsgSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.hub.logger.Warn("websocket read failed", "device_scope", s.deviceID, "error", err)
			}
			return
		}
	}
}

// closeSafety terminates a session whose queue refused a safety event.
func (s *Session) closeSafety() {
	if s.hub.audit != nil {
		s.hub.audit.Emit(audit.EventSafetyTransition, audit.SeverityWarning, "ws:"+s.conn.RemoteAddr().String(), "session_closed_safety_overflow", map[string]any{
			"device_scope": s.deviceID,
		})
	}
	s.hub.dropped(events.TypeSafetyStatus)
	s.hub.logger.Warn("session closed: queue refused safety event", "device_scope", s.deviceID)
	s.close(closeSafetyOverflow, "safety event overflow")
}

// close shuts the session down exactly once. The close frame goes out via
// WriteControl, which is safe alongside writePump's data writes; readPump
// and writePump both funnel through here.
func (s *Session) close(code int, reason string) {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		s.conn.Close()
		s.hub.release(s)
	})
}
