package advisory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modax/controld/internal/model"
)

func testAggregate(id string) model.Aggregate {
	return model.Aggregate{
		DeviceID:        id,
		TimeWindowStart: 100,
		TimeWindowEnd:   110,
		SampleCount:     12,
		CurrentMean:     []float64{4.1, 4.2},
		CurrentStd:      []float64{0.1, 0.2},
		CurrentMax:      []float64{4.5, 4.6},
		TemperatureMean: []float64{45.0},
		TemperatureStd:  []float64{0.5},
		TemperatureMax:  []float64{46.0},
	}
}

func TestClient_AnalyzeSuccess(t *testing.T) {
	var got AnalysisRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(model.AdvisoryResult{
			DeviceID:        got.DeviceID,
			AnomalyDetected: true,
			AnomalyScore:    0.87,
			Confidence:      0.9,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	res, err := c.Analyze(context.Background(), RequestFromAggregate(testAggregate("d1")))
	require.NoError(t, err)
	assert.Equal(t, "d1", res.DeviceID)
	assert.True(t, res.AnomalyDetected)
	assert.Equal(t, 12, got.SampleCount)
	assert.Equal(t, []float64{4.1, 4.2}, got.CurrentMean)
}

func TestClient_FillsMissingDeviceID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"anomaly_detected":false}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	res, err := c.Analyze(context.Background(), RequestFromAggregate(testAggregate("d9")))
	require.NoError(t, err)
	assert.Equal(t, "d9", res.DeviceID)
}

func TestClient_ClassifiesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	_, err := c.Analyze(context.Background(), RequestFromAggregate(testAggregate("d1")))
	require.Error(t, err)
	assert.Equal(t, FailureServer, Classify(err))
}

func TestClient_ClassifiesValidationError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	_, err := c.Analyze(context.Background(), RequestFromAggregate(testAggregate("d1")))
	require.Error(t, err)
	assert.Equal(t, FailureValidation, Classify(err))
}

func TestClient_ClassifiesDecodeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	_, err := c.Analyze(context.Background(), RequestFromAggregate(testAggregate("d1")))
	require.Error(t, err)
	assert.Equal(t, FailureDecode, Classify(err))
}

func TestClient_ClassifiesTimeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	c := NewClient(srv.URL, 50*time.Millisecond)
	start := time.Now()
	_, err := c.Analyze(context.Background(), RequestFromAggregate(testAggregate("d1")))
	require.Error(t, err)
	assert.Equal(t, FailureTimeout, Classify(err))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestClient_ClassifiesTransportError(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", 500*time.Millisecond)
	_, err := c.Analyze(context.Background(), RequestFromAggregate(testAggregate("d1")))
	require.Error(t, err)
	assert.Equal(t, FailureTransport, Classify(err))
}

func TestClassify_UnknownErrorDefaultsToTransport(t *testing.T) {
	assert.Equal(t, FailureTransport, Classify(context.Canceled))
}
