// Package api serves the versioned HTTP surface: system status, device
// reads, command dispatch, exports and the operational endpoints. The
// middleware chain is, outermost first: request id, access log, CORS, auth,
// rate limit, metrics.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/modax/controld/internal/audit"
	"github.com/modax/controld/internal/bus"
	"github.com/modax/controld/internal/cache"
	"github.com/modax/controld/internal/command"
	"github.com/modax/controld/internal/config"
	"github.com/modax/controld/internal/metrics"
	"github.com/modax/controld/internal/registry"
	"github.com/modax/controld/internal/safety"
)

// readyGrace is how long after the last successful bus connection the
// process still reports ready; twice the reconnect backoff ceiling, so a
// single missed reconnect window never flaps readiness.
const readyGrace = 2 * time.Minute

// Cache TTLs for the read endpoints.
const (
	statusCacheTTL  = 2 * time.Second
	devicesCacheTTL = 5 * time.Second
)

// Deps carries everything the server reads or writes. All fields except
// Metrics and Hub are required.
type Deps struct {
	Registry      *registry.Registry
	Gate          *safety.Gate
	Dispatcher    *command.Dispatcher
	Bus           bus.Bus
	APICache      *cache.Cache
	AdvisoryCache *cache.Cache
	Audit         *audit.Logger
	Metrics       *metrics.Metrics
	Gatherer      prometheus.Gatherer
	Hub           http.Handler // mounted on /ws and /ws/device/{id}
	Logger        *slog.Logger
}

// Server owns the router and middleware state. Construct with New; the
// http.Server itself is owned by the caller.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	registry      *registry.Registry
	gate          *safety.Gate
	dispatcher    *command.Dispatcher
	bus           bus.Bus
	apiCache      *cache.Cache
	advisoryCache *cache.Cache
	audit         *audit.Logger
	metrics       *metrics.Metrics
	gatherer      prometheus.Gatherer
	hub           http.Handler

	keys     map[string]map[config.Permission]bool
	keyNames map[string]string

	limiters       *rateLimiters
	exportLimiters *rateLimiters
	ratePeriod     time.Duration

	router *mux.Router
}

// New builds the server and its route table.
func New(cfg *config.Config, d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:           cfg,
		logger:        logger.With("component", "api"),
		registry:      d.Registry,
		gate:          d.Gate,
		dispatcher:    d.Dispatcher,
		bus:           d.Bus,
		apiCache:      d.APICache,
		advisoryCache: d.AdvisoryCache,
		audit:         d.Audit,
		metrics:       d.Metrics,
		gatherer:      d.Gatherer,
		hub:           d.Hub,
		keys:          cfg.KeyPermissions(),
		keyNames:      keyNames(cfg),
	}

	if cfg.RateLimitEnabled {
		count, period, err := config.ParseRateLimit(cfg.RateLimitDefault)
		if err == nil {
			s.ratePeriod = period
			s.limiters = newRateLimiters(count, period)
			// Exports walk the full history ring; give them a tenth of
			// the default budget.
			exportCount := count / 10
			if exportCount < 1 {
				exportCount = 1
			}
			s.exportLimiters = newRateLimiters(exportCount, period)
		}
	}

	s.router = s.buildRouter()
	return s
}

// Handler returns the fully wired root handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(s.accessLogMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.authMiddleware)
	r.Use(s.rateLimitMiddleware)
	r.Use(s.metricsMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)

	metricsHandler := promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})
	if s.cfg.MetricsAuthRequired {
		r.Handle("/metrics", s.requirePermission(config.PermRead, metricsHandler.ServeHTTP)).Methods(http.MethodGet)
	} else {
		r.Handle("/metrics", metricsHandler).Methods(http.MethodGet)
	}

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/status", s.requirePermission(config.PermRead, s.handleStatus)).Methods(http.MethodGet)
	v1.HandleFunc("/devices", s.requirePermission(config.PermRead, s.handleDevices)).Methods(http.MethodGet)
	v1.HandleFunc("/devices/{id}/data", s.requirePermission(config.PermRead, s.handleDeviceData)).Methods(http.MethodGet)
	v1.HandleFunc("/devices/{id}/history", s.requirePermission(config.PermRead, s.handleDeviceHistory)).Methods(http.MethodGet)
	v1.HandleFunc("/devices/{id}/safety", s.requirePermission(config.PermRead, s.handleDeviceSafety)).Methods(http.MethodGet)
	v1.HandleFunc("/devices/{id}/ai-analysis", s.requirePermission(config.PermRead, s.handleDeviceAnalysis)).Methods(http.MethodGet)
	v1.HandleFunc("/control/command", s.requirePermission(config.PermControl, s.handleCommand)).Methods(http.MethodPost)
	v1.HandleFunc("/cnc/emergency-stop", s.requirePermission(config.PermControl, s.handleEmergencyStop)).Methods(http.MethodPost)
	v1.HandleFunc("/export/{id}/{format:csv|json}", s.requirePermission(config.PermRead, s.handleExport)).Methods(http.MethodGet)
	v1.HandleFunc("/cache/stats", s.requirePermission(config.PermRead, s.handleCacheStats)).Methods(http.MethodGet)

	if s.hub != nil {
		// The WS handshake carries the same API-key scheme as the REST
		// surface.
		r.Handle("/ws", s.requirePermission(config.PermRead, s.hub.ServeHTTP)).Methods(http.MethodGet)
		r.Handle("/ws/device/{id}", s.requirePermission(config.PermRead, s.hub.ServeHTTP)).Methods(http.MethodGet)
	}

	r.NotFoundHandler = s.requestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, errNotFound, "no such endpoint")
	}))
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, errValidation, "method not allowed")
	})
	return r
}

// routeTemplate resolves the mux route template for metric labels, falling
// back to the raw path for unmatched requests.
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}

// keyNames maps each configured key to a stable actor label for audit
// records, so key material itself never reaches the audit stream.
func keyNames(cfg *config.Config) map[string]string {
	out := make(map[string]string, 3)
	if cfg.HMIAPIKey != "" {
		out[cfg.HMIAPIKey] = "hmi"
	}
	if cfg.MonitoringAPIKey != "" {
		out[cfg.MonitoringAPIKey] = "monitoring"
	}
	if cfg.AdminAPIKey != "" {
		out[cfg.AdminAPIKey] = "admin"
	}
	return out
}
