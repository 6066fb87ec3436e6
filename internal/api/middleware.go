package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/modax/controld/internal/audit"
	"github.com/modax/controld/internal/config"
)

type ctxKey int

const (
	ctxKeyRequestID ctxKey = iota
	ctxKeyPermissions
	ctxKeyActor
)

// RequestID returns the request id injected by the middleware chain.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

func permissionsFrom(ctx context.Context) map[config.Permission]bool {
	p, _ := ctx.Value(ctxKeyPermissions).(map[config.Permission]bool)
	return p
}

func actorFrom(ctx context.Context) string {
	a, _ := ctx.Value(ctxKeyActor).(string)
	if a == "" {
		return "anonymous"
	}
	return a
}

// statusRecorder captures the status code for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	return sr.ResponseWriter.Write(b)
}

// exemptPath reports whether the path skips auth and rate limiting.
// /metrics stays exempt from auth unless METRICS_AUTH_REQUIRED is set.
func (s *Server) exemptPath(path string) bool {
	switch path {
	case "/health", "/ready":
		return true
	case "/metrics":
		return !s.cfg.MetricsAuthRequired
	}
	return false
}

// requestIDMiddleware honors a caller-supplied X-Request-ID and generates one
// otherwise; the id is echoed on the response and threaded through the
// context for logs and audits.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyRequestID, id)))
	})
}

// accessLogMiddleware logs one structured line per request.
func (s *Server) accessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", RequestID(r.Context()),
			"remote", remoteIP(r),
		)
	})
}

// corsMiddleware applies the configured origin policy. Origins match exactly
// or via the "*" wildcard; preflights are answered here.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	wildcard := false
	allowed := make(map[string]bool, len(s.cfg.CORSOrigins))
	for _, o := range s.cfg.CORSOrigins {
		if o == "*" {
			wildcard = true
			continue
		}
		allowed[o] = true
	}
	methods := strings.Join(s.cfg.CORSAllowMethods, ", ")
	headers := strings.Join(s.cfg.CORSAllowHeaders, ", ")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			switch {
			case wildcard && !s.cfg.CORSAllowCredentials:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case wildcard || allowed[origin]:
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
				if s.cfg.CORSAllowCredentials {
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
			}
		}
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", methods)
			w.Header().Set("Access-Control-Allow-Headers", headers)
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authMiddleware resolves the X-API-Key header to a permission set. Handler
// registration wraps individual routes in requirePermission; this layer only
// authenticates.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.APIKeyEnabled || s.exemptPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get("X-API-Key")
		perms, ok := s.keys[key]
		if key == "" || !ok {
			s.audit.Emit(audit.EventAuthentication, audit.SeverityWarning, remoteIP(r), "api_key_rejected", map[string]any{
				"path":       r.URL.Path,
				"request_id": RequestID(r.Context()),
			})
			writeError(w, r, http.StatusUnauthorized, errAuth, "missing or invalid API key")
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyPermissions, perms)
		ctx = context.WithValue(ctx, ctxKeyActor, s.keyNames[key])
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requirePermission guards one handler. With auth disabled everything is
// permitted; the gate is configuration, not code.
func (s *Server) requirePermission(p config.Permission, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKeyEnabled {
			perms := permissionsFrom(r.Context())
			if !perms[p] && !perms[config.PermAdmin] {
				s.audit.Emit(audit.EventAuthorization, audit.SeverityWarning, actorFrom(r.Context()), "permission_denied", map[string]any{
					"path":       r.URL.Path,
					"permission": string(p),
					"request_id": RequestID(r.Context()),
				})
				writeError(w, r, http.StatusForbidden, errPermission, "insufficient permissions")
				return
			}
		}
		h(w, r)
	}
}

// rateLimiters holds one token bucket per API key (or per remote address when
// auth is off). Buckets are garbage-free: an idle client's limiter is just a
// map entry.
type rateLimiters struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
	now      func() time.Time
}

func newRateLimiters(count int, period time.Duration) *rateLimiters {
	return &rateLimiters{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(float64(count) / period.Seconds()),
		burst:    count,
		now:      time.Now,
	}
}

func (rl *rateLimiters) allow(key string) bool {
	rl.mu.Lock()
	l, ok := rl.limiters[key]
	if !ok {
		l = rate.NewLimiter(rl.limit, rl.burst)
		rl.limiters[key] = l
	}
	rl.mu.Unlock()
	return l.AllowN(rl.now(), 1)
}

// rateLimitMiddleware enforces the default per-key limit. Health, readiness
// and metrics are never limited.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	if s.limiters == nil {
		return next
	}
	retryAfter := strconv.Itoa(int(s.ratePeriod.Seconds()))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.exemptPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = remoteIP(r)
		}
		if !s.limiters.allow(key) {
			w.Header().Set("Retry-After", retryAfter)
			writeError(w, r, http.StatusTooManyRequests, errRateLimit, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// metricsMiddleware records request counts and latency per route template.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		endpoint := routeTemplate(r)
		s.metrics.APIRequests.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
		s.metrics.APIDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
	})
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
