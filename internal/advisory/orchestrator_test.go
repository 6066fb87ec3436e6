package advisory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modax/controld/internal/cache"
	"github.com/modax/controld/internal/events"
	"github.com/modax/controld/internal/model"
	"github.com/modax/controld/internal/registry"
)

func seedDevice(t *testing.T, reg *registry.Registry, id string, samples int) {
	t.Helper()
	for i := 0; i < samples; i++ {
		require.NoError(t, reg.AddSample(model.SensorSample{
			DeviceID:      id,
			Timestamp:     float64(time.Now().Unix()) + float64(i),
			MotorCurrents: []float64{4.0},
			Vibration:     model.Vibration{X: 1, Y: 1, Z: 1},
			Temperatures:  []float64{40},
		}))
	}
}

func TestOrchestrator_SuccessfulTickCachesResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req AnalysisRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		json.NewEncoder(w).Encode(model.AdvisoryResult{DeviceID: req.DeviceID, AnomalyScore: 0.2})
	}))
	defer srv.Close()

	bus := events.NewBus()
	var pushed []events.Event
	bus.Subscribe(func(ev events.Event) { pushed = append(pushed, ev) })

	reg := registry.New(registry.Options{WindowSeconds: 3600}, nil)
	seedDevice(t, reg, "d1", 6)

	c := cache.New("advisory")
	o := NewOrchestrator(reg, NewClient(srv.URL, time.Second), c, bus, nil, OrchestratorOptions{
		Interval:   30 * time.Second,
		MinSamples: 5,
	})

	o.Tick(context.Background())

	v, ok := c.Get(CacheKey("d1"))
	require.True(t, ok)
	assert.Equal(t, "d1", v.(model.AdvisoryResult).DeviceID)

	assert.False(t, reg.LastAnalysis().IsZero())
	assert.Len(t, reg.History("d1", 0), 1)

	require.Len(t, pushed, 1)
	assert.Equal(t, events.TypeAIAnalysis, pushed[0].Type)
	assert.Equal(t, "d1", pushed[0].DeviceID)
}

func TestOrchestrator_SkipsDevicesBelowMinSamples(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	reg := registry.New(registry.Options{WindowSeconds: 3600}, nil)
	seedDevice(t, reg, "d1", 3)

	o := NewOrchestrator(reg, NewClient(srv.URL, time.Second), cache.New("advisory"), nil, nil, OrchestratorOptions{
		Interval:   30 * time.Second,
		MinSamples: 5,
	})
	o.Tick(context.Background())

	assert.Zero(t, calls.Load())
}

func TestOrchestrator_AnalyzedDeviceNotRetriedWithinInterval(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"device_id":"d1"}`))
	}))
	defer srv.Close()

	reg := registry.New(registry.Options{WindowSeconds: 3600}, nil)
	seedDevice(t, reg, "d1", 6)

	o := NewOrchestrator(reg, NewClient(srv.URL, time.Second), cache.New("advisory"), nil, nil, OrchestratorOptions{
		Interval:   time.Hour,
		MinSamples: 5,
	})

	o.Tick(context.Background())
	o.Tick(context.Background())

	assert.Equal(t, int64(1), calls.Load())
}

func TestOrchestrator_CircuitOpensAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	reg := registry.New(registry.Options{WindowSeconds: 3600}, nil)
	seedDevice(t, reg, "d1", 6)

	c := cache.New("advisory")
	o := NewOrchestrator(reg, NewClient(srv.URL, time.Second), c, nil, nil, OrchestratorOptions{
		Interval:   time.Hour,
		MinSamples: 5,
	})

	// Failures never mark the device analyzed, so it stays eligible.
	for i := 0; i < consecutiveFailureLimit; i++ {
		o.Tick(context.Background())
	}
	assert.Equal(t, int64(consecutiveFailureLimit), calls.Load())

	// Circuit is now open: further ticks do not reach the service.
	o.Tick(context.Background())
	o.Tick(context.Background())
	assert.Equal(t, int64(consecutiveFailureLimit), calls.Load())

	_, ok := c.Get(CacheKey("d1"))
	assert.False(t, ok)
}

func TestOrchestrator_CacheTTLFloor(t *testing.T) {
	reg := registry.New(registry.Options{}, nil)
	o := NewOrchestrator(reg, NewClient("http://localhost", time.Second), cache.New("advisory"), nil, nil, OrchestratorOptions{
		Interval: 5 * time.Second,
	})
	assert.Equal(t, 10*time.Second, o.CacheTTL())

	o = NewOrchestrator(reg, NewClient("http://localhost", time.Second), cache.New("advisory"), nil, nil, OrchestratorOptions{
		Interval: 2 * time.Minute,
	})
	assert.Equal(t, 2*time.Minute, o.CacheTTL())
}

func TestOrchestrator_CancelledContextStopsBatch(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	reg := registry.New(registry.Options{WindowSeconds: 3600}, nil)
	seedDevice(t, reg, "d1", 6)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o := NewOrchestrator(reg, NewClient(srv.URL, time.Second), cache.New("advisory"), nil, nil, OrchestratorOptions{
		Interval:   time.Hour,
		MinSamples: 5,
	})
	o.Tick(ctx)

	// Semaphore acquisition fails under a cancelled context; nothing runs.
	assert.Zero(t, calls.Load())
}
