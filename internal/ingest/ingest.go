// Package ingest pumps decoded bus messages into the registry. It is the
// single ingress worker: decode errors are logged and counted, never fatal,
// and no handler performs I/O or holds a lock across it.
package ingest

import (
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/modax/controld/internal/advisory"
	"github.com/modax/controld/internal/audit"
	"github.com/modax/controld/internal/bus"
	"github.com/modax/controld/internal/cache"
	"github.com/modax/controld/internal/metrics"
	"github.com/modax/controld/internal/model"
	"github.com/modax/controld/internal/registry"
	"github.com/modax/controld/internal/safety"
)

// Ingest owns the bus subscriptions for telemetry, safety and advisory
// echoes.
type Ingest struct {
	registry *registry.Registry
	gate     *safety.Gate
	cache    *cache.Cache
	cacheTTL time.Duration
	audit    *audit.Logger
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New wires the ingress worker; metrics and audit may be nil in tests.
func New(reg *registry.Registry, gate *safety.Gate, advisoryCache *cache.Cache, cacheTTL time.Duration, al *audit.Logger, m *metrics.Metrics, logger *slog.Logger) *Ingest {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingest{
		registry: reg,
		gate:     gate,
		cache:    advisoryCache,
		cacheTTL: cacheTTL,
		audit:    al,
		metrics:  m,
		logger:   logger.With("component", "ingest"),
	}
}

// Subscribe registers all inbound topics on the bus. Subscriptions survive
// reconnects; this is called once at startup.
func (i *Ingest) Subscribe(b bus.Bus) error {
	if err := b.Subscribe(bus.TopicSensorData, 0, i.onSample); err != nil {
		return err
	}
	if err := b.Subscribe(bus.TopicSensorSafety, 1, i.onSafety); err != nil {
		return err
	}
	return b.Subscribe(bus.TopicAIAnalysis, 1, i.onAdvisoryEcho)
}

func (i *Ingest) onSample(topic string, payload []byte) {
	i.countReceived(topic)

	var s model.SensorSample
	if err := json.Unmarshal(payload, &s); err != nil {
		i.countDecodeError(topic)
		i.logger.Warn("sensor payload decode failed", "topic", topic, "error", err)
		return
	}
	if err := model.ValidateSample(s); err != nil {
		i.rejectSample(err)
		return
	}
	if err := i.registry.AddSample(s); err != nil {
		if errors.Is(err, model.ErrValidation) {
			i.rejectSample(err)
			return
		}
		i.logger.Error("sample insert failed", "device_id", s.DeviceID, "error", err)
	}
}

func (i *Ingest) onSafety(topic string, payload []byte) {
	i.countReceived(topic)

	var st model.SafetyStatus
	if err := json.Unmarshal(payload, &st); err != nil {
		i.countDecodeError(topic)
		i.logger.Warn("safety payload decode failed", "topic", topic, "error", err)
		return
	}
	if err := model.ValidateSafety(st); err != nil {
		i.rejectSample(err)
		return
	}

	transitioned, nowSafe := i.registry.AddSafety(st)
	if transitioned && i.audit != nil {
		severity := audit.SeverityCritical
		if nowSafe {
			severity = audit.SeverityInfo
		}
		i.audit.Emit(audit.EventSafetyTransition, severity, "device:"+st.DeviceID, "safety_report", map[string]any{
			"device_id": st.DeviceID,
			"is_safe":   nowSafe,
		})
	}
	if i.metrics != nil {
		i.metrics.SetSystemSafe(i.gate.Evaluate(i.registry.OnlineSafety()))
	}
}

// onAdvisoryEcho caches advisory results republished on the bus by the
// analytics service, so deployments running analysis out-of-process still
// serve the ai-analysis endpoint.
func (i *Ingest) onAdvisoryEcho(topic string, payload []byte) {
	i.countReceived(topic)

	var res model.AdvisoryResult
	if err := json.Unmarshal(payload, &res); err != nil {
		i.countDecodeError(topic)
		i.logger.Warn("advisory echo decode failed", "topic", topic, "error", err)
		return
	}
	if res.DeviceID == "" {
		i.countDecodeError(topic)
		return
	}
	i.cache.Put(advisory.CacheKey(res.DeviceID), res, i.cacheTTL)
}

func (i *Ingest) countReceived(topic string) {
	if i.metrics != nil {
		i.metrics.BusMessagesReceived.WithLabelValues(topic).Inc()
	}
}

func (i *Ingest) countDecodeError(topic string) {
	if i.metrics != nil {
		i.metrics.BusDecodeErrors.WithLabelValues(topic).Inc()
	}
}

func (i *Ingest) rejectSample(err error) {
	if i.metrics != nil {
		i.metrics.SamplesRejected.Inc()
	}
	i.logger.Warn("payload rejected", "error", err)
}
