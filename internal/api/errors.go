package api

import (
	"encoding/json"
	"net/http"
	"time"
)

// errorBody is the uniform error envelope returned by every endpoint.
type errorBody struct {
	Error      string       `json:"error"`
	Message    string       `json:"message"`
	StatusCode int          `json:"status_code"`
	Timestamp  string       `json:"timestamp"`
	Details    errorDetails `json:"details"`
}

type errorDetails struct {
	Path   string `json:"path"`
	Method string `json:"method"`
}

// Error kinds used in the envelope's error field.
const (
	errAuth       = "AuthError"
	errPermission = "PermissionError"
	errNotFound   = "NotFound"
	errValidation = "ValidationError"
	errRateLimit  = "RateLimited"
	errSafety     = "SafetyRefused"
	errUnavail    = "ServiceUnavailable"
	errInternal   = "InternalError"
)

// writeError renders the envelope. The message never carries credentials or
// internal state; callers pass operator-facing text only.
func writeError(w http.ResponseWriter, r *http.Request, status int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{
		Error:      kind,
		Message:    message,
		StatusCode: status,
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		Details:    errorDetails{Path: r.URL.Path, Method: r.Method},
	})
}

// writeJSON renders a success payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
