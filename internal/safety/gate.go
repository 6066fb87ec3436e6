// Package safety holds the global emergency-stop flag and the system-safe
// predicate consulted before any command is dispatched.
package safety

import "sync/atomic"

// DeviceStatus is the per-device view the gate evaluates. Reported is false
// until the device has published at least one safety snapshot; an online
// device that has never reported is treated as unsafe.
type DeviceStatus struct {
	DeviceID string
	Reported bool
	Safe     bool
}

// Gate combines the global estop flag with registry state. The estop is the
// only mutable piece; evaluation is a pure function of its arguments.
type Gate struct {
	estop atomic.Bool
}

// NewGate returns a gate with the estop released.
func NewGate() *Gate {
	return &Gate{}
}

// SetEstop engages or releases the global estop. Returns true when the flag
// actually changed.
func (g *Gate) SetEstop(on bool) (changed bool) {
	return g.estop.Swap(on) != on
}

// Estop reports whether the global estop is engaged.
func (g *Gate) Estop() bool {
	return g.estop.Load()
}

// Evaluate returns the system-safe predicate over the online device set:
// true iff the estop is released, at least one device is online, and every
// online device has reported a safe status. No online devices means unsafe
// (commands are refused) but healthy.
func (g *Gate) Evaluate(online []DeviceStatus) bool {
	if g.estop.Load() || len(online) == 0 {
		return false
	}
	for _, d := range online {
		if !d.Reported || !d.Safe {
			return false
		}
	}
	return true
}
