package advisory

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"

	"github.com/modax/controld/internal/cache"
	"github.com/modax/controld/internal/events"
	"github.com/modax/controld/internal/metrics"
	"github.com/modax/controld/internal/model"
	"github.com/modax/controld/internal/registry"
)

// CacheKey is the cache key for a device's latest advisory result.
func CacheKey(deviceID string) string {
	return "advisory:" + deviceID
}

// consecutiveFailureLimit trips a device's circuit; it then cools down for
// five analysis intervals before the next attempt.
const consecutiveFailureLimit = 5

// OrchestratorOptions tune the periodic analysis cycle.
type OrchestratorOptions struct {
	Interval    time.Duration
	MinSamples  int
	MaxInFlight int64
	Logger      *slog.Logger
}

// Orchestrator runs the periodic advisory cycle: snapshot eligible devices,
// call the service under bounded concurrency, cache results. All failures
// are non-fatal; the registry and API never wait on it.
type Orchestrator struct {
	registry *registry.Registry
	client   *Client
	cache    *cache.Cache
	events   *events.Bus
	metrics  *metrics.Metrics
	opts     OrchestratorOptions
	logger   *slog.Logger

	sem *semaphore.Weighted

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewOrchestrator wires the cycle. events and metrics may be nil in tests.
func NewOrchestrator(reg *registry.Registry, client *Client, c *cache.Cache, bus *events.Bus, m *metrics.Metrics, opts OrchestratorOptions) *Orchestrator {
	if opts.Interval <= 0 {
		opts.Interval = 60 * time.Second
	}
	if opts.MinSamples <= 0 {
		opts.MinSamples = 5
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 8
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Orchestrator{
		registry: reg,
		client:   client,
		cache:    c,
		events:   bus,
		metrics:  m,
		opts:     opts,
		logger:   opts.Logger.With("component", "advisory"),
		sem:      semaphore.NewWeighted(opts.MaxInFlight),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// CacheTTL is the advisory result TTL: one analysis interval, but at least
// ten seconds.
func (o *Orchestrator) CacheTTL() time.Duration {
	if o.opts.Interval < 10*time.Second {
		return 10 * time.Second
	}
	return o.opts.Interval
}

// Run fires the cycle every interval until ctx is cancelled. In-flight
// requests are cancelled with the context and their results discarded.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.Tick(ctx)
		}
	}
}

// Tick analyzes every eligible device, bounded to MaxInFlight concurrent
// calls, and blocks until the batch finishes or ctx is cancelled.
func (o *Orchestrator) Tick(ctx context.Context) {
	ids := o.registry.Eligible(o.opts.MinSamples, o.opts.Interval)
	if len(ids) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		if err := o.sem.Acquire(ctx, 1); err != nil {
			break // shutdown
		}
		wg.Add(1)
		go func(deviceID string) {
			defer wg.Done()
			defer o.sem.Release(1)
			o.analyzeDevice(ctx, deviceID)
		}(id)
	}
	wg.Wait()
}

// analyzeDevice computes the aggregate (brief registry lock, released before
// any I/O) and calls the service through the device's circuit breaker.
func (o *Orchestrator) analyzeDevice(ctx context.Context, deviceID string) {
	agg, ok := o.registry.Aggregate(deviceID)
	if !ok || agg.SampleCount < o.opts.MinSamples {
		return
	}

	cb := o.breakerFor(deviceID)
	start := time.Now()
	res, err := cb.Execute(func() (any, error) {
		return o.client.Analyze(ctx, RequestFromAggregate(agg))
	})
	elapsed := time.Since(start)

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			o.countResult("circuit_open")
			return
		}
		if ctx.Err() != nil {
			return // shutdown: discard, don't count against the device
		}
		kind := Classify(err)
		o.countResult(string(kind))
		o.logger.Warn("advisory analysis failed",
			"device_id", deviceID, "result", string(kind), "error", err)
		return
	}

	out := res.(model.AdvisoryResult)
	o.countResult("success")
	if o.metrics != nil {
		o.metrics.AdvisoryDuration.Observe(elapsed.Seconds())
	}

	o.cache.Put(CacheKey(deviceID), out, o.CacheTTL())
	o.registry.MarkAnalyzed(deviceID)
	o.registry.AppendHistory(deviceID, agg)

	if o.events != nil {
		o.events.Publish(events.Event{
			Type:      events.TypeAIAnalysis,
			DeviceID:  deviceID,
			Timestamp: float64(time.Now().UnixNano()) / 1e9,
			Data:      out,
		})
	}
}

func (o *Orchestrator) countResult(result string) {
	if o.metrics != nil {
		o.metrics.AdvisoryRequests.WithLabelValues(result).Inc()
	}
}

// breakerFor returns the device's circuit breaker, creating it on first
// use: open after 5 consecutive failures, half-open again after five
// intervals, reset on first success.
func (o *Orchestrator) breakerFor(deviceID string) *gobreaker.CircuitBreaker {
	o.mu.Lock()
	defer o.mu.Unlock()
	if cb, ok := o.breakers[deviceID]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        deviceID,
		MaxRequests: 1,
		Timeout:     consecutiveFailureLimit * o.opts.Interval,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= consecutiveFailureLimit
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			o.logger.Info("advisory circuit state change",
				"device_id", name, "from", from.String(), "to", to.String())
		},
	})
	o.breakers[deviceID] = cb
	return cb
}
