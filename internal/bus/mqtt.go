package bus

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTOptions configures the reference MQTT transport.
type MQTTOptions struct {
	Host     string
	Port     int
	Username string
	Password string

	UseTLS      bool
	CACerts     string
	CertFile    string
	KeyFile     string
	TLSInsecure bool

	ClientID string
	// ConnectAttempts bounds the initial Connect; zero means 5.
	ConnectAttempts int
	// QueueSize bounds the outbound publish queue; zero means 10000.
	QueueSize int

	// OnState, when set, observes connection state transitions.
	OnState func(State)
	// OnPublish, when set, observes publish outcomes per topic
	// ("ok", "error", "backpressure").
	OnPublish func(topic, result string)

	Logger *slog.Logger
}

type subscription struct {
	topic   string
	qos     byte
	handler Handler
}

type outbound struct {
	topic   string
	qos     byte
	payload []byte
}

// MQTT is the MQTT-3.1.1/5 transport. Reconnection is driven here rather
// than by the paho auto-reconnect so the backoff and resubscribe behavior
// matches the other transports: delay = min(60s, 1s·2^attempt) jittered
// ±20%, attempt reset on success.
type MQTT struct {
	opts   MQTTOptions
	client mqtt.Client
	logger *slog.Logger

	mu   sync.Mutex
	subs []subscription

	queue chan outbound

	connected     atomic.Bool
	lastConnected atomic.Int64 // unix nanos
	reconnecting  atomic.Bool

	done      chan struct{}
	closeOnce sync.Once
}

// NewMQTT builds the transport; no network I/O happens until Connect.
func NewMQTT(opts MQTTOptions) (*MQTT, error) {
	if opts.ConnectAttempts <= 0 {
		opts.ConnectAttempts = 5
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.ClientID == "" {
		opts.ClientID = "modax-controld"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	m := &MQTT{
		opts:   opts,
		logger: opts.Logger.With("component", "bus.mqtt"),
		queue:  make(chan outbound, opts.QueueSize),
		done:   make(chan struct{}),
	}

	scheme := "tcp"
	co := mqtt.NewClientOptions().
		SetClientID(opts.ClientID).
		SetAutoReconnect(false).
		SetOrderMatters(true).
		SetKeepAlive(30 * time.Second).
		SetConnectTimeout(10 * time.Second)

	if opts.Username != "" {
		co.SetUsername(opts.Username)
		co.SetPassword(opts.Password)
	}
	if opts.UseTLS {
		scheme = "tls"
		tc, err := m.tlsConfig()
		if err != nil {
			return nil, fmt.Errorf("mqtt tls config: %w", err)
		}
		co.SetTLSConfig(tc)
	}
	co.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, opts.Host, opts.Port))

	// Node-death message: the broker publishes this on our behalf if the
	// session dies without a clean disconnect.
	co.SetWill(TopicNodeStatus, `{"node":"controld","online":false}`, 1, true)

	co.SetOnConnectHandler(func(c mqtt.Client) {
		m.onConnect(c)
	})
	co.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		m.connected.Store(false)
		m.setState(StateDisconnected)
		m.logger.Warn("bus connection lost", "error", err)
		go m.reconnectLoop()
	})

	m.client = mqtt.NewClient(co)
	return m, nil
}

func (m *MQTT) tlsConfig() (*tls.Config, error) {
	tc := &tls.Config{MinVersion: tls.VersionTLS12}
	if m.opts.TLSInsecure {
		tc.InsecureSkipVerify = true
	}
	if m.opts.CACerts != "" {
		pem, err := os.ReadFile(m.opts.CACerts)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates parsed from %s", m.opts.CACerts)
		}
		tc.RootCAs = pool
	}
	if m.opts.CertFile != "" && m.opts.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(m.opts.CertFile, m.opts.KeyFile)
		if err != nil {
			return nil, err
		}
		tc.Certificates = []tls.Certificate{cert}
	}
	return tc, nil
}

// Connect establishes the first session, retrying with backoff up to the
// attempt budget. Fails with ErrTransport once the budget is exhausted.
func (m *MQTT) Connect(ctx context.Context) error {
	m.setState(StateConnecting)
	var lastErr error
	for attempt := 0; attempt < m.opts.ConnectAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(reconnectDelay(attempt - 1)):
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrTransport, ctx.Err())
			}
		}
		token := m.client.Connect()
		if err := waitToken(token, 15*time.Second); err != nil {
			lastErr = err
			m.logger.Warn("bus connect failed", "attempt", attempt+1, "error", err)
			continue
		}
		go m.publishPump()
		return nil
	}
	m.setState(StateDisconnected)
	return fmt.Errorf("%w: connect budget exhausted: %v", ErrTransport, lastErr)
}

// onConnect restores subscriptions and announces the node as online.
func (m *MQTT) onConnect(c mqtt.Client) {
	m.connected.Store(true)
	m.lastConnected.Store(time.Now().UnixNano())
	m.setState(StateConnected)
	m.logger.Info("bus connected", "broker", fmt.Sprintf("%s:%d", m.opts.Host, m.opts.Port))

	m.mu.Lock()
	subs := make([]subscription, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	for _, s := range subs {
		s := s
		token := c.Subscribe(s.topic, s.qos, func(_ mqtt.Client, msg mqtt.Message) {
			m.dispatch(s.handler, msg.Topic(), msg.Payload())
		})
		if err := waitToken(token, 10*time.Second); err != nil {
			m.logger.Error("resubscribe failed", "topic", s.topic, "error", err)
		}
	}

	c.Publish(TopicNodeStatus, 1, true, `{"node":"controld","online":true}`)
}

func (m *MQTT) dispatch(h Handler, topic string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("subscriber handler panic", "topic", topic, "panic", r)
		}
	}()
	h(topic, payload)
}

func (m *MQTT) reconnectLoop() {
	if !m.reconnecting.CompareAndSwap(false, true) {
		return
	}
	defer m.reconnecting.Store(false)

	for attempt := 0; ; attempt++ {
		select {
		case <-m.done:
			return
		case <-time.After(reconnectDelay(attempt)):
		}
		m.setState(StateReconnecting)
		m.logger.Info("bus reconnect attempt", "attempt", attempt+1)
		token := m.client.Connect()
		if waitToken(token, 15*time.Second) == nil {
			return
		}
	}
}

// Subscribe registers the handler now and across every future reconnect.
func (m *MQTT) Subscribe(topic string, qos byte, h Handler) error {
	m.mu.Lock()
	m.subs = append(m.subs, subscription{topic: topic, qos: qos, handler: h})
	m.mu.Unlock()

	if !m.connected.Load() {
		return nil // applied on next connect
	}
	token := m.client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		m.dispatch(h, msg.Topic(), msg.Payload())
	})
	if err := waitToken(token, 10*time.Second); err != nil {
		return fmt.Errorf("%w: subscribe %s: %v", ErrTransport, topic, err)
	}
	return nil
}

// Publish enqueues the message for the publisher pump. Only a full queue
// fails; a transient disconnection buffers.
func (m *MQTT) Publish(_ context.Context, topic string, qos byte, payload []byte) error {
	select {
	case <-m.done:
		return fmt.Errorf("%w: transport closed", ErrPublish)
	default:
	}
	select {
	case m.queue <- outbound{topic: topic, qos: qos, payload: payload}:
		return nil
	default:
		m.observePublish(topic, "backpressure")
		return fmt.Errorf("%w: %d messages pending", ErrBackpressure, cap(m.queue))
	}
}

// publishPump is the single writer to the MQTT client.
func (m *MQTT) publishPump() {
	for {
		select {
		case <-m.done:
			return
		case msg := <-m.queue:
			for !m.connected.Load() {
				select {
				case <-m.done:
					return
				case <-time.After(250 * time.Millisecond):
				}
			}
			token := m.client.Publish(msg.topic, msg.qos, false, msg.payload)
			if err := waitToken(token, 10*time.Second); err != nil {
				m.observePublish(msg.topic, "error")
				m.logger.Error("publish failed", "topic", msg.topic, "error", err)
				continue
			}
			m.observePublish(msg.topic, "ok")
		}
	}
}

// Disconnect announces the node as offline and closes the session. Safe to
// call more than once.
func (m *MQTT) Disconnect() {
	m.closeOnce.Do(func() {
		close(m.done)
		if m.client.IsConnected() {
			t := m.client.Publish(TopicNodeStatus, 1, true, `{"node":"controld","online":false}`)
			t.WaitTimeout(2 * time.Second)
			m.client.Disconnect(250)
		}
		m.connected.Store(false)
		m.setState(StateDisconnected)
	})
}

// Connected reports whether a session is currently up.
func (m *MQTT) Connected() bool { return m.connected.Load() }

// LastConnected is the wall time of the most recent successful session.
func (m *MQTT) LastConnected() time.Time {
	ns := m.lastConnected.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (m *MQTT) setState(s State) {
	if m.opts.OnState != nil {
		m.opts.OnState(s)
	}
}

func (m *MQTT) observePublish(topic, result string) {
	if m.opts.OnPublish != nil {
		m.opts.OnPublish(topic, result)
	}
}

// waitToken resolves a paho token, treating a timed-out wait as a failure
// rather than success.
func waitToken(token mqtt.Token, d time.Duration) error {
	if !token.WaitTimeout(d) {
		return fmt.Errorf("wait timed out after %s", d)
	}
	return token.Error()
}

// reconnectDelay is min(maxDelay, initial·2^attempt) jittered ±20%.
func reconnectDelay(attempt int) time.Duration {
	d := initialReconnectDelay << uint(attempt)
	if d <= 0 || d > maxReconnectDelay {
		d = maxReconnectDelay
	}
	jitter := 1 + reconnectJitter*(2*rand.Float64()-1)
	return time.Duration(float64(d) * jitter)
}
