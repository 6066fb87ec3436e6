package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/modax/controld/internal/advisory"
	"github.com/modax/controld/internal/audit"
	"github.com/modax/controld/internal/cache"
	"github.com/modax/controld/internal/command"
	"github.com/modax/controld/internal/model"
	"github.com/modax/controld/internal/registry"
)

const maxHistoryLimit = 1000

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports ready only while the bus has connected at least once
// within the grace window. Config is validated at startup, so a running
// process implies a valid config.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	last := s.bus.LastConnected()
	ready := s.bus.Connected() || (!last.IsZero() && time.Since(last) <= readyGrace)
	if !ready {
		writeError(w, r, http.StatusServiceUnavailable, errUnavail, "bus not connected")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ready",
		"bus_connected": s.bus.Connected(),
	})
}

// statusPayload is the system snapshot served on /api/v1/status.
type statusPayload struct {
	IsSafe         bool     `json:"is_safe"`
	DevicesOnline  []string `json:"devices_online"`
	LastUpdate     float64  `json:"last_update"`
	AIEnabled      bool     `json:"ai_enabled"`
	AILastAnalysis *float64 `json:"ai_last_analysis"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if v, ok := s.cacheGet(s.apiCache, "status"); ok {
		writeJSON(w, http.StatusOK, v)
		return
	}

	online := s.registry.OnlineIDs()
	if online == nil {
		online = []string{}
	}
	p := statusPayload{
		IsSafe:        s.gate.Evaluate(s.registry.OnlineSafety()),
		DevicesOnline: online,
		LastUpdate:    s.registry.LastUpdate(),
		AIEnabled:     s.cfg.AIEnabled,
	}
	if last := s.registry.LastAnalysis(); !last.IsZero() {
		sec := float64(last.UnixNano()) / 1e9
		p.AILastAnalysis = &sec
	}

	s.cachePut(s.apiCache, "status", p, statusCacheTTL)
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if v, ok := s.cacheGet(s.apiCache, "devices"); ok {
		writeJSON(w, http.StatusOK, v)
		return
	}

	devices := s.registry.Devices()
	if devices == nil {
		devices = []registry.DeviceInfo{}
	}
	payload := map[string]any{"devices": devices, "count": len(devices)}
	s.cachePut(s.apiCache, "devices", payload, devicesCacheTTL)
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleDeviceData(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	snap, ok := s.registry.GetSnapshot(id)
	if !ok {
		writeError(w, r, http.StatusNotFound, errNotFound, "unknown device")
		return
	}

	payload := map[string]any{
		"device_id":    snap.DeviceID,
		"online":       snap.Online,
		"last_seen":    float64(snap.LastSeen.UnixNano()) / 1e9,
		"sample_count": snap.SampleCount,
		"latest":       snap.LatestSample,
	}
	if agg, ok := s.registry.Aggregate(id); ok {
		payload["aggregate"] = agg
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleDeviceHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.registry.Known(id) {
		writeError(w, r, http.StatusNotFound, errNotFound, "unknown device")
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxHistoryLimit {
			writeError(w, r, http.StatusUnprocessableEntity, errValidation, "limit must be an integer in [1,1000]")
			return
		}
		limit = n
	}

	history := s.registry.History(id, limit)
	if history == nil {
		history = []model.Aggregate{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": id,
		"history":   history,
		"count":     len(history),
	})
}

func (s *Server) handleDeviceSafety(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	snap, ok := s.registry.GetSnapshot(id)
	if !ok {
		writeError(w, r, http.StatusNotFound, errNotFound, "unknown device")
		return
	}
	if snap.Safety == nil {
		writeError(w, r, http.StatusNotFound, errNotFound, "no safety report for device")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": id,
		"safety":    snap.Safety,
		"is_safe":   snap.Safety.IsSafe(),
	})
}

func (s *Server) handleDeviceAnalysis(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.registry.Known(id) {
		writeError(w, r, http.StatusNotFound, errNotFound, "unknown device")
		return
	}
	v, ok := s.cacheGet(s.advisoryCache, advisory.CacheKey(id))
	if !ok {
		writeError(w, r, http.StatusNotFound, errNotFound, "no advisory result for device")
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req model.CommandRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(&req); err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, errValidation, "malformed command body")
		return
	}

	err := s.dispatcher.Dispatch(r.Context(), req, actorFrom(r.Context()), RequestID(r.Context()))
	switch {
	case err == nil:
	case errors.Is(err, command.ErrInvalidCommand):
		writeError(w, r, http.StatusUnprocessableEntity, errValidation, err.Error())
		return
	case errors.Is(err, command.ErrUnknownDevice):
		writeError(w, r, http.StatusNotFound, errNotFound, err.Error())
		return
	case errors.Is(err, command.ErrSafetyRefused):
		writeError(w, r, http.StatusConflict, errSafety, err.Error())
		return
	default:
		writeError(w, r, http.StatusServiceUnavailable, errUnavail, "command publish failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "dispatched",
		"device_id":    req.DeviceID,
		"command_type": req.CommandType,
	})
}

// handleEmergencyStop flips the latched global estop. The body selects the
// direction; an empty body engages.
func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	body := struct {
		Engaged *bool `json:"engaged"`
	}{}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4*1024)).Decode(&body); err != nil {
			writeError(w, r, http.StatusUnprocessableEntity, errValidation, "malformed body")
			return
		}
	}
	engage := true
	if body.Engaged != nil {
		engage = *body.Engaged
	}

	changed := s.gate.SetEstop(engage)
	if changed {
		// Status is cached; a stale is_safe after an estop flip is not
		// acceptable.
		s.apiCache.Invalidate("status")
		severity := audit.SeverityCritical
		action := "estop_engaged"
		if !engage {
			severity = audit.SeverityWarning
			action = "estop_released"
		}
		s.audit.Emit(audit.EventConfigChange, severity, actorFrom(r.Context()), action, map[string]any{
			"request_id": RequestID(r.Context()),
		})
		s.logger.Warn("global estop changed", "engaged", engage, "request_id", RequestID(r.Context()))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"estop_engaged": engage,
		"changed":       changed,
		"is_safe":       s.gate.Evaluate(s.registry.OnlineSafety()),
	})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]cache.Stats{
		s.apiCache.Name():      s.apiCache.Stats(),
		s.advisoryCache.Name(): s.advisoryCache.Stats(),
	})
}

// cacheGet reads through the cache, keeping the hit/miss metrics in step
// with the cache's own counters.
func (s *Server) cacheGet(c *cache.Cache, key string) (any, bool) {
	v, ok := c.Get(key)
	if s.metrics != nil {
		if ok {
			s.metrics.CacheHits.WithLabelValues(c.Name()).Inc()
		} else {
			s.metrics.CacheMisses.WithLabelValues(c.Name()).Inc()
		}
	}
	return v, ok
}

func (s *Server) cachePut(c *cache.Cache, key string, v any, ttl time.Duration) {
	c.Put(key, v, ttl)
	if s.metrics != nil {
		s.metrics.CacheSize.WithLabelValues(c.Name()).Set(float64(c.Stats().Size))
	}
}
