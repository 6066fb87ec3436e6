// Package audit writes the append-only security audit stream: one JSON
// object per line to a file or stdout, separate from the application log.
package audit

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"
)

// Event types recorded on the audit stream.
const (
	EventAuthentication   = "authentication"
	EventAuthorization    = "authorization"
	EventControlExecuted  = "control_executed"
	EventControlBlocked   = "control_blocked"
	EventControlFailed    = "control_failed"
	EventSafetyTransition = "safety_transition"
	EventConfigChange     = "config_change"
)

// Severities.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Event is one audit record.
type Event struct {
	Timestamp string         `json:"timestamp_iso"`
	EventType string         `json:"event_type"`
	Severity  string         `json:"severity"`
	Actor     string         `json:"actor"`
	Action    string         `json:"action"`
	Context   map[string]any `json:"context,omitempty"`
}

// Logger serializes events to a single writer. Safe for concurrent use.
type Logger struct {
	mu  sync.Mutex
	enc *json.Encoder
	now func() time.Time
}

// NewLogger writes events to w; pass os.Stdout for the default sink.
func NewLogger(w io.Writer) *Logger {
	return &Logger{enc: json.NewEncoder(w), now: time.Now}
}

// Open returns a logger appending to path, or a stdout logger when path is
// empty. The returned closer is nil for stdout.
func Open(path string) (*Logger, io.Closer, error) {
	if path == "" {
		return NewLogger(os.Stdout), nil, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, nil, err
	}
	return NewLogger(f), f, nil
}

// Emit appends one event. Encoding failures are swallowed: the audit stream
// must never take down the control path.
func (l *Logger) Emit(eventType, severity, actor, action string, ctx map[string]any) {
	ev := Event{
		Timestamp: l.now().UTC().Format(time.RFC3339Nano),
		EventType: eventType,
		Severity:  severity,
		Actor:     actor,
		Action:    action,
		Context:   ctx,
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_ = l.enc.Encode(ev)
}
