package model

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fptr(f float64) *float64 { return &f }

func TestEffectiveMagnitude_UsesSuppliedValue(t *testing.T) {
	v := Vibration{X: 3, Y: 4, Z: 0, Magnitude: fptr(9.9)}
	assert.Equal(t, 9.9, v.EffectiveMagnitude())
}

func TestEffectiveMagnitude_DerivesWhenMissing(t *testing.T) {
	v := Vibration{X: 3, Y: 4, Z: 0}
	assert.InDelta(t, 5.0, v.EffectiveMagnitude(), 1e-9)
}

func TestEffectiveMagnitude_DerivesWhenNotFinite(t *testing.T) {
	for _, bad := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		v := Vibration{X: 1, Y: 2, Z: 2, Magnitude: fptr(bad)}
		assert.InDelta(t, 3.0, v.EffectiveMagnitude(), 1e-9)
	}
}

func TestSafetyStatus_IsSafe(t *testing.T) {
	safe := SafetyStatus{DoorClosed: true, TemperatureOK: true}
	assert.True(t, safe.IsSafe())

	cases := map[string]SafetyStatus{
		"estop":     {EmergencyStop: true, DoorClosed: true, TemperatureOK: true},
		"door open": {DoorClosed: false, TemperatureOK: true},
		"overload":  {DoorClosed: true, OverloadDetected: true, TemperatureOK: true},
		"over temp": {DoorClosed: true, TemperatureOK: false},
	}
	for name, st := range cases {
		assert.False(t, st.IsSafe(), name)
	}
}

func validSample() SensorSample {
	return SensorSample{
		DeviceID:      "ESP32_FIELD_001",
		Timestamp:     1734567890.123,
		MotorCurrents: []float64{4.5, 4.3},
		Vibration:     Vibration{X: 1.2, Y: 1.1, Z: 1.3, Magnitude: fptr(2.1)},
		Temperatures:  []float64{45.5, 46.2},
	}
}

func TestValidateSample_Valid(t *testing.T) {
	require.NoError(t, ValidateSample(validSample()))
}

func TestValidateSample_Rejections(t *testing.T) {
	mutate := func(f func(*SensorSample)) SensorSample {
		s := validSample()
		f(&s)
		return s
	}

	cases := map[string]SensorSample{
		"missing device id": mutate(func(s *SensorSample) { s.DeviceID = "" }),
		"no currents":       mutate(func(s *SensorSample) { s.MotorCurrents = nil }),
		"too many currents": mutate(func(s *SensorSample) { s.MotorCurrents = make([]float64, 17) }),
		"current too large": mutate(func(s *SensorSample) { s.MotorCurrents[0] = 1001 }),
		"current nan":       mutate(func(s *SensorSample) { s.MotorCurrents[0] = math.NaN() }),
		"temp too low":      mutate(func(s *SensorSample) { s.Temperatures[0] = -101 }),
		"temp too high":     mutate(func(s *SensorSample) { s.Temperatures[0] = 501 }),
		"vibration bound":   mutate(func(s *SensorSample) { s.Vibration.X = 1001 }),
		"negative magnitude": mutate(func(s *SensorSample) {
			s.Vibration.Magnitude = fptr(-1)
		}),
	}
	for name, s := range cases {
		err := ValidateSample(s)
		require.Error(t, err, name)
		assert.ErrorIs(t, err, ErrValidation, name)
	}
}

func TestValidateSafety(t *testing.T) {
	require.NoError(t, ValidateSafety(SafetyStatus{DeviceID: "d1", Timestamp: 1}))
	err := ValidateSafety(SafetyStatus{Timestamp: 1})
	assert.ErrorIs(t, err, ErrValidation)
}
