package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures the Redis Pub/Sub transport. It maps the topic
// catalog directly onto Redis channels, which is enough for deployments
// where devices publish through a Redis bridge instead of an MQTT broker.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int

	ConnectAttempts int
	QueueSize       int
	OnState         func(State)
	// OnPublish observes publish outcomes per topic
	// ("ok", "error", "backpressure").
	OnPublish func(topic, result string)
	Logger    *slog.Logger
}

// Redis is the alternative transport behind the same Bus interface. QoS is
// accepted for interface compatibility; Redis Pub/Sub is fire-and-forget, so
// everything is effectively QoS 0.
type Redis struct {
	opts   RedisOptions
	client *redis.Client
	logger *slog.Logger

	mu     sync.Mutex
	pubsub []*redis.PubSub

	queue chan outbound

	connected     atomic.Bool
	lastConnected atomic.Int64

	done      chan struct{}
	closeOnce sync.Once
}

// NewRedis builds the transport; no network I/O happens until Connect.
func NewRedis(opts RedisOptions) *Redis {
	if opts.ConnectAttempts <= 0 {
		opts.ConnectAttempts = 5
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Redis{
		opts: opts,
		client: redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		}),
		logger: opts.Logger.With("component", "bus.redis"),
		queue:  make(chan outbound, opts.QueueSize),
		done:   make(chan struct{}),
	}
}

// Connect pings the server, retrying with backoff up to the attempt budget.
// go-redis manages reconnection of the underlying connections after that.
func (r *Redis) Connect(ctx context.Context) error {
	if r.opts.OnState != nil {
		r.opts.OnState(StateConnecting)
	}
	var lastErr error
	for attempt := 0; attempt < r.opts.ConnectAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(reconnectDelay(attempt - 1)):
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrTransport, ctx.Err())
			}
		}
		if err := r.client.Ping(ctx).Err(); err != nil {
			lastErr = err
			r.logger.Warn("redis ping failed", "attempt", attempt+1, "error", err)
			continue
		}
		r.connected.Store(true)
		r.lastConnected.Store(time.Now().UnixNano())
		if r.opts.OnState != nil {
			r.opts.OnState(StateConnected)
		}
		go r.publishPump()
		go r.watchdog()
		return nil
	}
	if r.opts.OnState != nil {
		r.opts.OnState(StateDisconnected)
	}
	return fmt.Errorf("%w: connect budget exhausted: %v", ErrTransport, lastErr)
}

// Subscribe opens a dedicated Pub/Sub receiver for the channel. go-redis
// resubscribes automatically after a dropped connection.
func (r *Redis) Subscribe(topic string, _ byte, h Handler) error {
	ps := r.client.Subscribe(context.Background(), topic)
	if _, err := ps.Receive(context.Background()); err != nil {
		ps.Close()
		return fmt.Errorf("%w: subscribe %s: %v", ErrTransport, topic, err)
	}

	r.mu.Lock()
	r.pubsub = append(r.pubsub, ps)
	r.mu.Unlock()

	go func() {
		for msg := range ps.Channel() {
			func() {
				defer func() {
					if rec := recover(); rec != nil {
						r.logger.Error("subscriber handler panic", "topic", topic, "panic", rec)
					}
				}()
				h(msg.Channel, []byte(msg.Payload))
			}()
		}
	}()
	return nil
}

// Publish enqueues the message for the publisher pump.
func (r *Redis) Publish(_ context.Context, topic string, _ byte, payload []byte) error {
	select {
	case <-r.done:
		return fmt.Errorf("%w: transport closed", ErrPublish)
	default:
	}
	select {
	case r.queue <- outbound{topic: topic, payload: payload}:
		return nil
	default:
		r.observePublish(topic, "backpressure")
		return fmt.Errorf("%w: %d messages pending", ErrBackpressure, cap(r.queue))
	}
}

func (r *Redis) publishPump() {
	for {
		select {
		case <-r.done:
			return
		case msg := <-r.queue:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := r.client.Publish(ctx, msg.topic, msg.payload).Err()
			cancel()
			if err != nil {
				r.observePublish(msg.topic, "error")
				r.logger.Error("publish failed", "topic", msg.topic, "error", err)
				continue
			}
			r.observePublish(msg.topic, "ok")
		}
	}
}

// watchdog keeps Connected and LastConnected honest by pinging periodically.
func (r *Redis) watchdog() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			err := r.client.Ping(ctx).Err()
			cancel()
			if err != nil {
				if r.connected.Swap(false) && r.opts.OnState != nil {
					r.opts.OnState(StateReconnecting)
				}
				continue
			}
			r.lastConnected.Store(time.Now().UnixNano())
			if !r.connected.Swap(true) && r.opts.OnState != nil {
				r.opts.OnState(StateConnected)
			}
		}
	}
}

// Disconnect closes all Pub/Sub receivers and the client. Idempotent.
func (r *Redis) Disconnect() {
	r.closeOnce.Do(func() {
		close(r.done)
		r.mu.Lock()
		for _, ps := range r.pubsub {
			ps.Close()
		}
		r.pubsub = nil
		r.mu.Unlock()
		r.client.Close()
		r.connected.Store(false)
		if r.opts.OnState != nil {
			r.opts.OnState(StateDisconnected)
		}
	})
}

func (r *Redis) observePublish(topic, result string) {
	if r.opts.OnPublish != nil {
		r.opts.OnPublish(topic, result)
	}
}

// Connected reports whether the last ping succeeded.
func (r *Redis) Connected() bool { return r.connected.Load() }

// LastConnected is the wall time of the last successful ping.
func (r *Redis) LastConnected() time.Time {
	ns := r.lastConnected.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
