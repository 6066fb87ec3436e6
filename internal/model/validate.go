package model

import (
	"errors"
	"fmt"
)

// Plausibility bounds for inbound telemetry. Values outside these ranges are
// rejected as sensor faults rather than stored.
const (
	maxChannels    = 16
	maxCurrentAmps = 1000.0
	minTempC       = -100.0
	maxTempC       = 500.0
	maxVibration   = 1000.0
)

// ErrValidation marks a payload that failed plausibility validation.
var ErrValidation = errors.New("validation failed")

// ValidateSample checks a sensor sample for structural and plausibility
// errors. Rejected samples are counted by the caller, never inserted.
func ValidateSample(s SensorSample) error {
	if s.DeviceID == "" {
		return fmt.Errorf("%w: missing device_id", ErrValidation)
	}
	if !isFinite(s.Timestamp) || s.Timestamp <= 0 {
		return fmt.Errorf("%w: bad timestamp %v", ErrValidation, s.Timestamp)
	}
	if len(s.MotorCurrents) == 0 || len(s.MotorCurrents) > maxChannels {
		return fmt.Errorf("%w: motor_currents has %d channels", ErrValidation, len(s.MotorCurrents))
	}
	for i, c := range s.MotorCurrents {
		if !isFinite(c) || c < -maxCurrentAmps || c > maxCurrentAmps {
			return fmt.Errorf("%w: motor_currents[%d]=%v out of range", ErrValidation, i, c)
		}
	}
	if len(s.Temperatures) == 0 || len(s.Temperatures) > maxChannels {
		return fmt.Errorf("%w: temperatures has %d channels", ErrValidation, len(s.Temperatures))
	}
	for i, t := range s.Temperatures {
		if !isFinite(t) || t < minTempC || t > maxTempC {
			return fmt.Errorf("%w: temperatures[%d]=%v out of range", ErrValidation, i, t)
		}
	}
	for _, axis := range []struct {
		name string
		v    float64
	}{{"x", s.Vibration.X}, {"y", s.Vibration.Y}, {"z", s.Vibration.Z}} {
		if !isFinite(axis.v) || axis.v < -maxVibration || axis.v > maxVibration {
			return fmt.Errorf("%w: vibration.%s=%v out of range", ErrValidation, axis.name, axis.v)
		}
	}
	if m := s.Vibration.Magnitude; m != nil && (!isFinite(*m) || *m < 0 || *m > maxVibration) {
		return fmt.Errorf("%w: vibration.magnitude=%v out of range", ErrValidation, *m)
	}
	return nil
}

// ValidateSafety checks a safety snapshot.
func ValidateSafety(s SafetyStatus) error {
	if s.DeviceID == "" {
		return fmt.Errorf("%w: missing device_id", ErrValidation)
	}
	if !isFinite(s.Timestamp) || s.Timestamp <= 0 {
		return fmt.Errorf("%w: bad timestamp %v", ErrValidation, s.Timestamp)
	}
	return nil
}
