package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modax/controld/internal/advisory"
	"github.com/modax/controld/internal/audit"
	"github.com/modax/controld/internal/bus"
	"github.com/modax/controld/internal/cache"
	"github.com/modax/controld/internal/model"
	"github.com/modax/controld/internal/registry"
	"github.com/modax/controld/internal/safety"
)

type fixture struct {
	bus      *bus.Local
	registry *registry.Registry
	cache    *cache.Cache
	auditBuf *bytes.Buffer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		bus:      bus.NewLocal(),
		registry: registry.New(registry.Options{}, nil),
		cache:    cache.New("advisory"),
		auditBuf: &bytes.Buffer{},
	}
	require.NoError(t, f.bus.Connect(context.Background()))

	i := New(f.registry, safety.NewGate(), f.cache, time.Minute, audit.NewLogger(f.auditBuf), nil, nil)
	require.NoError(t, i.Subscribe(f.bus))
	return f
}

func (f *fixture) inject(t *testing.T, topic string, v any) {
	t.Helper()
	payload, err := json.Marshal(v)
	require.NoError(t, err)
	f.bus.Inject(topic, payload)
}

func TestIngest_SensorSampleReachesRegistry(t *testing.T) {
	f := newFixture(t)
	f.inject(t, bus.TopicSensorData, model.SensorSample{
		DeviceID:      "d1",
		Timestamp:     float64(time.Now().Unix()),
		MotorCurrents: []float64{4.2},
		Vibration:     model.Vibration{X: 1, Y: 1, Z: 1},
		Temperatures:  []float64{40},
	})

	snap, ok := f.registry.GetSnapshot("d1")
	require.True(t, ok)
	assert.Equal(t, 1, snap.SampleCount)
}

func TestIngest_MalformedPayloadIsDroppedQuietly(t *testing.T) {
	f := newFixture(t)
	f.bus.Inject(bus.TopicSensorData, []byte("{not json"))
	f.bus.Inject(bus.TopicSensorSafety, []byte("also not json"))

	assert.False(t, f.registry.Known("d1"))
}

func TestIngest_InvalidSampleRejected(t *testing.T) {
	f := newFixture(t)
	f.inject(t, bus.TopicSensorData, model.SensorSample{
		DeviceID:      "d1",
		Timestamp:     float64(time.Now().Unix()),
		MotorCurrents: []float64{5000}, // beyond plausibility bounds
		Temperatures:  []float64{40},
	})
	assert.False(t, f.registry.Known("d1"))
}

func TestIngest_SafetyTransitionEmitsAudit(t *testing.T) {
	f := newFixture(t)
	f.inject(t, bus.TopicSensorSafety, model.SafetyStatus{
		DeviceID: "d1", Timestamp: 1, DoorClosed: true, TemperatureOK: true,
	})
	assert.NotContains(t, f.auditBuf.String(), audit.EventSafetyTransition,
		"first report is not a transition")

	f.inject(t, bus.TopicSensorSafety, model.SafetyStatus{
		DeviceID: "d1", Timestamp: 2, EmergencyStop: true, DoorClosed: true, TemperatureOK: true,
	})

	require.Contains(t, f.auditBuf.String(), audit.EventSafetyTransition)
	line := strings.TrimSpace(f.auditBuf.String())
	var ev audit.Event
	require.NoError(t, json.Unmarshal([]byte(line), &ev))
	assert.Equal(t, audit.SeverityCritical, ev.Severity)
	assert.Equal(t, false, ev.Context["is_safe"])
}

func TestIngest_AdvisoryEchoFillsCache(t *testing.T) {
	f := newFixture(t)
	f.inject(t, bus.TopicAIAnalysis, model.AdvisoryResult{
		DeviceID:     "d1",
		AnomalyScore: 0.4,
	})

	v, ok := f.cache.Get(advisory.CacheKey("d1"))
	require.True(t, ok)
	assert.Equal(t, 0.4, v.(model.AdvisoryResult).AnomalyScore)
}

func TestIngest_AdvisoryEchoWithoutDeviceIgnored(t *testing.T) {
	f := newFixture(t)
	f.inject(t, bus.TopicAIAnalysis, model.AdvisoryResult{AnomalyScore: 0.4})
	assert.Zero(t, f.cache.Stats().Size)
}
