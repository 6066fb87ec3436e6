// Package registry is the canonical owner of all per-device state: the
// rolling sample window, the latest safety snapshot, liveness and analysis
// timestamps. Mutations are serialized per device; reads hand out copies so
// callers never touch shared state without a lock.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/modax/controld/internal/events"
	"github.com/modax/controld/internal/model"
	"github.com/modax/controld/internal/safety"
)

// Options bound the per-device window and liveness.
type Options struct {
	WindowSeconds   int
	MaxDataPoints   int
	OnlineTTL       time.Duration
	HistoryCapacity int
}

func (o *Options) defaults() {
	if o.WindowSeconds <= 0 {
		o.WindowSeconds = 10
	}
	if o.MaxDataPoints <= 0 {
		o.MaxDataPoints = 1000
	}
	if o.OnlineTTL <= 0 {
		o.OnlineTTL = 30 * time.Second
	}
	if o.HistoryCapacity <= 0 {
		o.HistoryCapacity = 1000
	}
}

// device is exclusively owned by the Registry. Its mutex serializes all
// access; no cross-device lock exists.
type device struct {
	mu sync.Mutex

	id            string
	window        []model.SensorSample
	currentChans  int
	tempChans     int
	safety        *model.SafetyStatus
	lastSeen      time.Time
	lastAnalysis  time.Time
	history       []model.Aggregate // ring of recent aggregates
	historyOldest int
}

// DeviceInfo is the list-view projection for the devices endpoint.
type DeviceInfo struct {
	DeviceID    string  `json:"device_id"`
	Online      bool    `json:"online"`
	LastSeen    float64 `json:"last_seen"`
	SampleCount int     `json:"sample_count"`
	Safe        *bool   `json:"is_safe,omitempty"`
}

// Snapshot is a deep copy of one device's externally visible state.
type Snapshot struct {
	DeviceID     string
	Online       bool
	LastSeen     time.Time
	LatestSample *model.SensorSample
	Safety       *model.SafetyStatus
	SampleCount  int
}

// Registry maps device ids to state and publishes typed events for the
// fan-out. Devices are admitted lazily on first reception and never deleted;
// a silent device simply goes offline.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*device

	opts   Options
	events *events.Bus
	now    func() time.Time

	analysisMu   sync.Mutex
	lastAnalysis time.Time
}

// New creates an empty registry publishing to bus (may be nil in tests).
func New(opts Options, bus *events.Bus) *Registry {
	opts.defaults()
	return &Registry{
		devices: make(map[string]*device),
		opts:    opts,
		events:  bus,
		now:     time.Now,
	}
}

// SetClock overrides wall time; tests only.
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

func (r *Registry) getOrCreate(id string) *device {
	r.mu.RLock()
	d, ok := r.devices[id]
	r.mu.RUnlock()
	if ok {
		return d
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok = r.devices[id]; ok {
		return d
	}
	d = &device{id: id}
	r.devices[id] = d
	return d
}

// AddSample validates window consistency and appends the sample, evicting
// from the front by both count and time. The device's channel counts are
// established by its first accepted sample; a mismatching sample is
// rejected.
func (r *Registry) AddSample(s model.SensorSample) error {
	d := r.getOrCreate(s.DeviceID)
	now := r.now()

	d.mu.Lock()
	if d.currentChans == 0 && d.tempChans == 0 {
		d.currentChans = len(s.MotorCurrents)
		d.tempChans = len(s.Temperatures)
	} else if len(s.MotorCurrents) != d.currentChans || len(s.Temperatures) != d.tempChans {
		d.mu.Unlock()
		return fmt.Errorf("%w: channel count changed (currents %d→%d, temps %d→%d)",
			model.ErrValidation, d.currentChans, len(s.MotorCurrents), d.tempChans, len(s.Temperatures))
	}

	d.window = append(d.window, s)
	cutoff := unix(now) - float64(r.opts.WindowSeconds)
	drop := 0
	for i, smp := range d.window {
		if len(d.window)-i <= r.opts.MaxDataPoints && smp.Timestamp >= cutoff {
			break
		}
		drop = i + 1
	}
	if drop > 0 {
		d.window = append(d.window[:0], d.window[drop:]...)
	}
	d.lastSeen = now
	d.mu.Unlock()

	if r.events != nil {
		r.events.Publish(events.Event{
			Type:      events.TypeSensorData,
			DeviceID:  s.DeviceID,
			Timestamp: unix(now),
			Data:      s,
		})
	}
	return nil
}

// AddSafety overwrites the latest safety snapshot and reports whether the
// per-device is_safe predicate flipped, so the caller can emit the
// safety_transition audit event.
func (r *Registry) AddSafety(st model.SafetyStatus) (transitioned, nowSafe bool) {
	d := r.getOrCreate(st.DeviceID)
	now := r.now()

	d.mu.Lock()
	prev := d.safety
	cp := st
	d.safety = &cp
	d.lastSeen = now
	d.mu.Unlock()

	nowSafe = st.IsSafe()
	transitioned = prev != nil && prev.IsSafe() != nowSafe

	if r.events != nil {
		r.events.Publish(events.Event{
			Type:      events.TypeSafetyStatus,
			DeviceID:  st.DeviceID,
			Timestamp: unix(now),
			Data:      st,
		})
	}
	return transitioned, nowSafe
}

// Known reports whether the device has ever reported anything.
func (r *Registry) Known(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.devices[id]
	return ok
}

// GetSnapshot deep-copies one device's state.
func (r *Registry) GetSnapshot(id string) (Snapshot, bool) {
	r.mu.RLock()
	d, ok := r.devices[id]
	r.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}

	now := r.now()
	d.mu.Lock()
	defer d.mu.Unlock()

	snap := Snapshot{
		DeviceID:    d.id,
		Online:      now.Sub(d.lastSeen) <= r.opts.OnlineTTL,
		LastSeen:    d.lastSeen,
		SampleCount: len(d.window),
	}
	if n := len(d.window); n > 0 {
		last := copySample(d.window[n-1])
		snap.LatestSample = &last
	}
	if d.safety != nil {
		cp := *d.safety
		snap.Safety = &cp
	}
	return snap, true
}

// Aggregate computes the statistical summary of the device's current
// window. ok is false for unknown devices or empty windows.
func (r *Registry) Aggregate(id string) (model.Aggregate, bool) {
	r.mu.RLock()
	d, ok := r.devices[id]
	r.mu.RUnlock()
	if !ok {
		return model.Aggregate{}, false
	}

	d.mu.Lock()
	window := make([]model.SensorSample, len(d.window))
	copy(window, d.window)
	d.mu.Unlock()

	if len(window) == 0 {
		return model.Aggregate{}, false
	}
	return computeAggregate(id, window), true
}

// AppendHistory records a computed aggregate in the device's bounded ring.
func (r *Registry) AppendHistory(id string, agg model.Aggregate) {
	r.mu.RLock()
	d, ok := r.devices[id]
	r.mu.RUnlock()
	if !ok {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.history) < r.opts.HistoryCapacity {
		d.history = append(d.history, agg)
		return
	}
	d.history[d.historyOldest] = agg
	d.historyOldest = (d.historyOldest + 1) % len(d.history)
}

// History returns up to limit recent aggregates, oldest first.
func (r *Registry) History(id string, limit int) []model.Aggregate {
	r.mu.RLock()
	d, ok := r.devices[id]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.history)
	out := make([]model.Aggregate, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, d.history[(d.historyOldest+i)%n])
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Devices lists every known device, sorted by id.
func (r *Registry) Devices() []DeviceInfo {
	r.mu.RLock()
	ids := make([]string, 0, len(r.devices))
	for id := range r.devices {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)

	now := r.now()
	out := make([]DeviceInfo, 0, len(ids))
	for _, id := range ids {
		r.mu.RLock()
		d := r.devices[id]
		r.mu.RUnlock()
		if d == nil {
			continue
		}
		d.mu.Lock()
		info := DeviceInfo{
			DeviceID:    d.id,
			Online:      now.Sub(d.lastSeen) <= r.opts.OnlineTTL,
			LastSeen:    unix(d.lastSeen),
			SampleCount: len(d.window),
		}
		if d.safety != nil {
			safe := d.safety.IsSafe()
			info.Safe = &safe
		}
		d.mu.Unlock()
		out = append(out, info)
	}
	return out
}

// OnlineIDs returns the ids of currently online devices, sorted.
func (r *Registry) OnlineIDs() []string {
	var out []string
	for _, info := range r.Devices() {
		if info.Online {
			out = append(out, info.DeviceID)
		}
	}
	return out
}

// OnlineSafety projects the online device set for the safety gate.
func (r *Registry) OnlineSafety() []safety.DeviceStatus {
	r.mu.RLock()
	devs := make([]*device, 0, len(r.devices))
	for _, d := range r.devices {
		devs = append(devs, d)
	}
	r.mu.RUnlock()

	now := r.now()
	var out []safety.DeviceStatus
	for _, d := range devs {
		d.mu.Lock()
		if now.Sub(d.lastSeen) <= r.opts.OnlineTTL {
			st := safety.DeviceStatus{DeviceID: d.id}
			if d.safety != nil {
				st.Reported = true
				st.Safe = d.safety.IsSafe()
			}
			out = append(out, st)
		}
		d.mu.Unlock()
	}
	return out
}

// Eligible returns online devices due for an advisory analysis: enough
// samples and no analysis within the last interval.
func (r *Registry) Eligible(minSamples int, interval time.Duration) []string {
	now := r.now()
	var out []string
	for _, id := range r.OnlineIDs() {
		r.mu.RLock()
		d := r.devices[id]
		r.mu.RUnlock()
		if d == nil {
			continue
		}
		d.mu.Lock()
		due := len(d.window) >= minSamples && now.Sub(d.lastAnalysis) >= interval
		d.mu.Unlock()
		if due {
			out = append(out, id)
		}
	}
	return out
}

// MarkAnalyzed stamps last_analysis_at for the device and the registry.
func (r *Registry) MarkAnalyzed(id string) {
	now := r.now()
	r.mu.RLock()
	d := r.devices[id]
	r.mu.RUnlock()
	if d != nil {
		d.mu.Lock()
		d.lastAnalysis = now
		d.mu.Unlock()
	}
	r.analysisMu.Lock()
	r.lastAnalysis = now
	r.analysisMu.Unlock()
}

// LastAnalysis is the wall time of the most recent successful advisory
// analysis across all devices; zero if none yet.
func (r *Registry) LastAnalysis() time.Time {
	r.analysisMu.Lock()
	defer r.analysisMu.Unlock()
	return r.lastAnalysis
}

// LastUpdate is the most recent reception time across all devices as unix
// seconds; zero if nothing was ever received.
func (r *Registry) LastUpdate() float64 {
	r.mu.RLock()
	devs := make([]*device, 0, len(r.devices))
	for _, d := range r.devices {
		devs = append(devs, d)
	}
	r.mu.RUnlock()

	var latest time.Time
	for _, d := range devs {
		d.mu.Lock()
		if d.lastSeen.After(latest) {
			latest = d.lastSeen
		}
		d.mu.Unlock()
	}
	if latest.IsZero() {
		return 0
	}
	return unix(latest)
}

func copySample(s model.SensorSample) model.SensorSample {
	cp := s
	cp.MotorCurrents = append([]float64(nil), s.MotorCurrents...)
	cp.Temperatures = append([]float64(nil), s.Temperatures...)
	if s.Vibration.Magnitude != nil {
		m := *s.Vibration.Magnitude
		cp.Vibration.Magnitude = &m
	}
	return cp
}

func unix(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
