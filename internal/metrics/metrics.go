// Package metrics holds all Prometheus instrumentation for the control
// layer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/modax/controld/internal/bus"
)

// Metrics bundles every counter, gauge and histogram. Construct one per
// process (or per test registry) with New.
type Metrics struct {
	APIRequests *prometheus.CounterVec
	APIDuration *prometheus.HistogramVec

	BusMessagesReceived *prometheus.CounterVec
	BusPublish          *prometheus.CounterVec
	BusConnectionState  prometheus.Gauge
	BusDecodeErrors     *prometheus.CounterVec

	SamplesRejected prometheus.Counter

	AdvisoryRequests *prometheus.CounterVec
	AdvisoryDuration prometheus.Histogram

	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec
	CacheSize   *prometheus.GaugeVec

	CommandsDispatched *prometheus.CounterVec

	DevicesOnline prometheus.Gauge
	SystemSafe    prometheus.Gauge

	WSConnections prometheus.Gauge
	WSDropped     *prometheus.CounterVec
}

// New creates and registers all metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		APIRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "api_requests_total",
				Help: "API requests by method, endpoint and status code",
			},
			[]string{"method", "endpoint", "status"},
		),
		APIDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "api_request_duration_seconds",
				Help:    "API request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		BusMessagesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bus_messages_received_total",
				Help: "Inbound bus messages by topic",
			},
			[]string{"topic"},
		),
		BusPublish: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bus_publish_total",
				Help: "Outbound bus publishes by topic and result",
			},
			[]string{"topic", "result"},
		),
		BusConnectionState: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "bus_connection_state",
				Help: "Bus connection state: 0 disconnected, 1 connecting, 2 connected, 3 reconnecting",
			},
		),
		BusDecodeErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bus_decode_errors_total",
				Help: "Payloads that failed to decode, by topic",
			},
			[]string{"topic"},
		),
		SamplesRejected: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "samples_rejected_total",
				Help: "Telemetry payloads rejected by validation",
			},
		),
		AdvisoryRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "advisory_requests_total",
				Help: "Advisory service calls by result",
			},
			[]string{"result"},
		),
		AdvisoryDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "advisory_request_duration_seconds",
				Help:    "Advisory service call latency",
				Buckets: prometheus.DefBuckets,
			},
		),
		CacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_hits_total",
				Help: "Cache hits by cache name",
			},
			[]string{"cache"},
		),
		CacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_misses_total",
				Help: "Cache misses by cache name",
			},
			[]string{"cache"},
		),
		CacheSize: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cache_size",
				Help: "Live entries by cache name",
			},
			[]string{"cache"},
		),
		CommandsDispatched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "commands_dispatched_total",
				Help: "Command dispatch outcomes",
			},
			[]string{"result"},
		),
		DevicesOnline: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "devices_online",
				Help: "Devices that reported within the liveness TTL",
			},
		),
		SystemSafe: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "system_safe",
				Help: "System-safe predicate (1 safe, 0 unsafe)",
			},
		),
		WSConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ws_connections",
				Help: "Open WebSocket sessions",
			},
		),
		WSDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ws_messages_dropped_total",
				Help: "WebSocket messages dropped by back-pressure, by event type",
			},
			[]string{"type"},
		),
	}
}

// SetBusState records a connection state transition on the gauge.
func (m *Metrics) SetBusState(s bus.State) {
	m.BusConnectionState.Set(bus.StateValue(s))
}

// SetSystemSafe records the boolean predicate as 0/1.
func (m *Metrics) SetSystemSafe(safe bool) {
	if safe {
		m.SystemSafe.Set(1)
	} else {
		m.SystemSafe.Set(0)
	}
}
