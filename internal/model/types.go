// Package model defines the wire-level data types exchanged with field
// devices and the advisory service, plus payload validation.
package model

import "math"

// Vibration is a tri-axial vibration reading in m/s².
// Magnitude is a pointer because some firmware revisions omit it; use
// EffectiveMagnitude to read it.
type Vibration struct {
	X         float64  `json:"x"`
	Y         float64  `json:"y"`
	Z         float64  `json:"z"`
	Magnitude *float64 `json:"magnitude,omitempty"`
}

// EffectiveMagnitude returns the device-supplied magnitude when present and
// finite, otherwise derives it from the axis components.
func (v Vibration) EffectiveMagnitude() float64 {
	if v.Magnitude != nil && isFinite(*v.Magnitude) {
		return *v.Magnitude
	}
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// SensorSample is one instantaneous reading published on modax/sensor/data.
type SensorSample struct {
	DeviceID      string    `json:"device_id"`
	Timestamp     float64   `json:"timestamp"`
	MotorCurrents []float64 `json:"motor_currents"`
	Vibration     Vibration `json:"vibration"`
	Temperatures  []float64 `json:"temperatures"`
}

// SafetyStatus is the latest per-device safety snapshot published on
// modax/sensor/safety.
type SafetyStatus struct {
	DeviceID         string  `json:"device_id"`
	Timestamp        float64 `json:"timestamp"`
	EmergencyStop    bool    `json:"emergency_stop"`
	DoorClosed       bool    `json:"door_closed"`
	OverloadDetected bool    `json:"overload_detected"`
	TemperatureOK    bool    `json:"temperature_ok"`
}

// IsSafe derives the per-device safety predicate.
func (s SafetyStatus) IsSafe() bool {
	return !s.EmergencyStop && s.DoorClosed && !s.OverloadDetected && s.TemperatureOK
}

// VibrationStats holds one statistic (mean, std or max) per vibration channel.
type VibrationStats struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Z         float64 `json:"z"`
	Magnitude float64 `json:"magnitude"`
}

// Aggregate is the statistical summary of a device's rolling window.
// Std is the population standard deviation; with fewer than two samples it
// is zero. Max >= mean holds componentwise.
type Aggregate struct {
	DeviceID        string         `json:"device_id"`
	TimeWindowStart float64        `json:"time_window_start"`
	TimeWindowEnd   float64        `json:"time_window_end"`
	SampleCount     int            `json:"sample_count"`
	CurrentMean     []float64      `json:"current_mean"`
	CurrentStd      []float64      `json:"current_std"`
	CurrentMax      []float64      `json:"current_max"`
	VibrationMean   VibrationStats `json:"vibration_mean"`
	VibrationStd    VibrationStats `json:"vibration_std"`
	VibrationMax    VibrationStats `json:"vibration_max"`
	TemperatureMean []float64      `json:"temperature_mean"`
	TemperatureStd  []float64      `json:"temperature_std"`
	TemperatureMax  []float64      `json:"temperature_max"`
}

// AdvisoryResult is the advisory service's diagnosis for one device. The
// control layer treats it as opaque beyond these fields; it never gates a
// command on it.
type AdvisoryResult struct {
	DeviceID                string   `json:"device_id"`
	TimestampMS             int64    `json:"timestamp_ms"`
	AnomalyDetected         bool     `json:"anomaly_detected"`
	AnomalyScore            float64  `json:"anomaly_score"`
	AnomalyDescription      string   `json:"anomaly_description"`
	PredictedWearLevel      float64  `json:"predicted_wear_level"`
	EstimatedRemainingHours int      `json:"estimated_remaining_hours"`
	Recommendations         []string `json:"recommendations"`
	Confidence              float64  `json:"confidence"`
}

// CommandRequest is an outbound control command for one device.
type CommandRequest struct {
	DeviceID    string            `json:"device_id"`
	CommandType string            `json:"command_type"`
	Parameters  map[string]string `json:"parameters,omitempty"`
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
