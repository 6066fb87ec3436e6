package safety

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGate_NoOnlineDevicesIsUnsafe(t *testing.T) {
	g := NewGate()
	assert.False(t, g.Evaluate(nil))
}

func TestGate_AllSafeDevices(t *testing.T) {
	g := NewGate()
	online := []DeviceStatus{
		{DeviceID: "d1", Reported: true, Safe: true},
		{DeviceID: "d2", Reported: true, Safe: true},
	}
	assert.True(t, g.Evaluate(online))
}

func TestGate_UnreportedDeviceIsUnsafe(t *testing.T) {
	g := NewGate()
	online := []DeviceStatus{
		{DeviceID: "d1", Reported: true, Safe: true},
		{DeviceID: "d2"}, // online, never published a safety snapshot
	}
	assert.False(t, g.Evaluate(online))
}

func TestGate_OneUnsafeDevicePoisonsThePredicate(t *testing.T) {
	g := NewGate()
	online := []DeviceStatus{
		{DeviceID: "d1", Reported: true, Safe: true},
		{DeviceID: "d2", Reported: true, Safe: false},
	}
	assert.False(t, g.Evaluate(online))
}

func TestGate_EstopOverridesEverything(t *testing.T) {
	g := NewGate()
	online := []DeviceStatus{{DeviceID: "d1", Reported: true, Safe: true}}

	assert.True(t, g.SetEstop(true))
	assert.False(t, g.Evaluate(online))
	assert.True(t, g.Estop())

	// Setting the same value again reports no change.
	assert.False(t, g.SetEstop(true))

	assert.True(t, g.SetEstop(false))
	assert.True(t, g.Evaluate(online))
}
