// Package advisory calls the external analytics service with device
// aggregates and orchestrates the periodic analysis cycle. The service is
// advisory only: nothing here ever gates a control command.
package advisory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/modax/controld/internal/model"
)

// FailureKind classifies non-fatal advisory failures for metrics and the
// circuit breaker.
type FailureKind string

const (
	FailureTimeout    FailureKind = "timeout"
	FailureTransport  FailureKind = "transport"
	FailureServer     FailureKind = "5xx"
	FailureValidation FailureKind = "4xx_validation"
	FailureDecode     FailureKind = "decode_error"
)

// Error wraps a classified advisory failure.
type Error struct {
	Kind FailureKind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("advisory %s: %v", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Classify extracts the failure kind, defaulting to transport.
func Classify(err error) FailureKind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return FailureTransport
}

// AnalysisRequest is the wire contract POSTed to the advisory service.
type AnalysisRequest struct {
	DeviceID        string               `json:"device_id"`
	TimeWindowStart float64              `json:"time_window_start"`
	TimeWindowEnd   float64              `json:"time_window_end"`
	CurrentMean     []float64            `json:"current_mean"`
	CurrentStd      []float64            `json:"current_std"`
	CurrentMax      []float64            `json:"current_max"`
	VibrationMean   model.VibrationStats `json:"vibration_mean"`
	VibrationStd    model.VibrationStats `json:"vibration_std"`
	VibrationMax    model.VibrationStats `json:"vibration_max"`
	TemperatureMean []float64            `json:"temperature_mean"`
	TemperatureMax  []float64            `json:"temperature_max"`
	SampleCount     int                  `json:"sample_count"`
}

// RequestFromAggregate projects an aggregate onto the wire contract.
func RequestFromAggregate(agg model.Aggregate) AnalysisRequest {
	return AnalysisRequest{
		DeviceID:        agg.DeviceID,
		TimeWindowStart: agg.TimeWindowStart,
		TimeWindowEnd:   agg.TimeWindowEnd,
		CurrentMean:     agg.CurrentMean,
		CurrentStd:      agg.CurrentStd,
		CurrentMax:      agg.CurrentMax,
		VibrationMean:   agg.VibrationMean,
		VibrationStd:    agg.VibrationStd,
		VibrationMax:    agg.VibrationMax,
		TemperatureMean: agg.TemperatureMean,
		TemperatureMax:  agg.TemperatureMax,
		SampleCount:     agg.SampleCount,
	}
}

// Client is a thin HTTP client for the advisory service. Every call carries
// an explicit deadline; timeouts never leak connections.
type Client struct {
	url     string
	timeout time.Duration
	http    *http.Client
}

// NewClient builds a client with the configured per-call timeout.
func NewClient(url string, timeout time.Duration) *Client {
	return &Client{
		url:     url,
		timeout: timeout,
		http:    &http.Client{Timeout: timeout},
	}
}

// Analyze POSTs the aggregate and decodes the diagnosis. Failures are
// returned as *Error with a FailureKind.
func (c *Client) Analyze(ctx context.Context, req AnalysisRequest) (model.AdvisoryResult, error) {
	var out model.AdvisoryResult

	body, err := json.Marshal(req)
	if err != nil {
		return out, &Error{Kind: FailureValidation, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return out, &Error{Kind: FailureTransport, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return out, &Error{Kind: FailureTimeout, Err: err}
		}
		return out, &Error{Kind: FailureTransport, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return out, &Error{Kind: FailureServer, Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return out, &Error{Kind: FailureValidation, Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return out, &Error{Kind: FailureServer, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, &Error{Kind: FailureDecode, Err: err}
	}
	if out.DeviceID == "" {
		out.DeviceID = req.DeviceID
	}
	return out, nil
}
