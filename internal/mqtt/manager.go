package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"sensorwatch/internal/errs"
	"sensorwatch/internal/stats"
)

var (
	// ErrNotConnected is returned by Publish while the manager is not connected
	ErrNotConnected = errors.New("mqtt: not connected")

	// ErrClosed is returned when a shutdown interrupts a connect
	ErrClosed = errors.New("mqtt: connection closed")
)

const (
	// DefaultConnectTimeout bounds the wait for CONNACK
	DefaultConnectTimeout = 10 * time.Second

	// publishTimeout bounds the wait for a publish acknowledgement
	publishTimeout = 10 * time.Second

	gracefulQuiesce = 250 * time.Millisecond
	lostQuiesce     = 50 * time.Millisecond
	drainPause      = 100 * time.Millisecond
)

// MessageHandler receives every message delivered on the subscription.
// It runs on paho's delivery goroutine and must not block.
type MessageHandler func(topic string, payload []byte)

// Config holds the connection parameters
type Config struct {
	Broker         string // MQTT broker address (e.g., "tcp://localhost:1883")
	ClientIDPrefix string // Base of every client ID
	Username       string
	Password       string
	UseTLS         bool
	TLSInsecure    bool
	KeepAlive      time.Duration
	CleanSession   bool
	ConnectTimeout time.Duration

	Role           Role
	SubscribeTopic string
	SubscribeQoS   byte
	PublishTopic   string // default topic for Publish without override

	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
}

// Options carries the collaborators of a Manager. All fields are optional.
type Options struct {
	Factory ClientFactory
	Metrics stats.Metrics
	Logger  zerolog.Logger
	// OnFatal is called once the reconnect attempts are exhausted.
	OnFatal func(error)
	// Now and Sleep let tests control time.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Snapshot is a point-in-time view of the connection for the ops API
type Snapshot struct {
	State       string    `json:"state"`
	Connected   bool      `json:"connected"`
	Broker      string    `json:"broker"`
	ClientID    string    `json:"clientId"`
	Role        Role      `json:"role"`
	ConnectedAt time.Time `json:"connectedAt,omitempty"`
	Reconnects  int       `json:"reconnects"`
	LastError   string    `json:"lastError,omitempty"`
}

// Manager owns one logical broker connection and its state machine:
// DISCONNECTED -> CONNECTING -> CONNECTED -> RECOVERING -> CONNECTED | CLOSED.
type Manager struct {
	cfg     Config
	opts    Options
	handler MessageHandler
	logger  zerolog.Logger

	mu          sync.Mutex
	state       State
	client      Client
	clientID    string
	generation  uint64
	connectedAt time.Time
	reconnects  int
	lastErr     error

	// cancel stops an in-flight Connect or recovery; done closes when
	// the recovery goroutine returns.
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a manager in the DISCONNECTED state
func NewManager(cfg Config, handler MessageHandler, opts Options) *Manager {
	if cfg.ClientIDPrefix == "" {
		cfg.ClientIDPrefix = "sensorwatch"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Role == "" {
		cfg.Role = RoleSubscriber
	}
	if cfg.SubscribeTopic == "" {
		cfg.SubscribeTopic = "#"
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if cfg.ReconnectMaxDelay <= 0 {
		cfg.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = DefaultReconnectAttempts
	}

	if opts.Factory == nil {
		opts.Factory = PahoFactory
	}
	if opts.Metrics == nil {
		opts.Metrics = stats.Nop{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}

	return &Manager{
		cfg:     cfg,
		opts:    opts,
		handler: handler,
		logger:  opts.Logger,
		state:   StateDisconnected,
	}
}

// Connect opens a fresh connection and subscribes when the role requires it.
// A failed connect returns the manager to DISCONNECTED and is not retried.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateConnected:
		m.mu.Unlock()
		return nil
	case StateConnecting, StateRecovering:
		state := m.state
		m.mu.Unlock()
		return errs.New(errs.KindConnection, "connect", "busy", state.String())
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.generation++
	gen := m.generation
	m.cancel = cancel
	m.setStateLocked(StateConnecting)
	clientID := fmt.Sprintf("%s_%d", m.cfg.ClientIDPrefix, m.opts.Now().UnixMilli())
	m.mu.Unlock()

	m.logger.Info().Str("broker", m.cfg.Broker).Str("client_id", clientID).Msg("Connecting to broker")

	client, err := m.dial(ctx, clientID, gen)

	m.mu.Lock()
	if m.generation != gen {
		// Disconnect ran while we were dialing
		m.mu.Unlock()
		if client != nil {
			teardown(client, m.cfg, true)
		}
		return ErrClosed
	}
	m.cancel = nil
	if err != nil {
		m.lastErr = err
		m.setStateLocked(StateDisconnected)
		m.mu.Unlock()
		m.logger.Error().Err(err).Str("client_id", clientID).Msg("Failed to connect to broker")
		return errs.Wrap(errs.KindConnection, "connect", "connect_failed", err)
	}
	m.client = client
	m.clientID = clientID
	m.connectedAt = m.opts.Now()
	m.lastErr = nil
	m.setStateLocked(StateConnected)
	m.mu.Unlock()

	m.logger.Info().Str("client_id", clientID).Msg("Successfully connected")
	return nil
}

// dial creates a client, connects it and subscribes for the subscriber role
func (m *Manager) dial(ctx context.Context, clientID string, gen uint64) (Client, error) {
	opts := m.clientOptions(clientID, func(_ paho.Client, err error) {
		m.onConnectionLost(gen, err)
	})
	client := m.opts.Factory(opts)

	if err := waitToken(ctx, client.Connect(), m.cfg.ConnectTimeout); err != nil {
		client.Disconnect(0)
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	if m.cfg.Role == RoleSubscriber {
		tok := client.Subscribe(m.cfg.SubscribeTopic, m.cfg.SubscribeQoS, m.onMessage)
		if err := waitToken(ctx, tok, m.cfg.ConnectTimeout); err != nil {
			client.Disconnect(0)
			return nil, fmt.Errorf("failed to subscribe to %s: %w", m.cfg.SubscribeTopic, err)
		}
		m.logger.Info().Str("topic", m.cfg.SubscribeTopic).Uint8("qos", m.cfg.SubscribeQoS).Msg("Subscribed")
	}

	return client, nil
}

func (m *Manager) onMessage(_ paho.Client, msg paho.Message) {
	if m.handler != nil {
		m.handler(msg.Topic(), msg.Payload())
	}
}

// onConnectionLost moves a live connection to RECOVERING and starts the
// reconnect loop. Events from superseded clients are ignored.
func (m *Manager) onConnectionLost(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.generation || m.state != StateConnected {
		m.mu.Unlock()
		return
	}

	old := m.client
	m.client = nil
	m.lastErr = cause
	m.generation++
	next := m.generation

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done
	m.setStateLocked(StateRecovering)
	m.mu.Unlock()

	m.logger.Warn().Err(cause).Msg("Connection lost")
	go m.recover(ctx, cancel, done, old, next)
}

// recover tears down the lost client and retries on the doubling schedule
func (m *Manager) recover(ctx context.Context, cancel context.CancelFunc, done chan struct{}, old Client, gen uint64) {
	defer close(done)
	defer cancel()

	teardown(old, m.cfg, false)
	if err := m.opts.Sleep(ctx, drainPause); err != nil {
		return
	}

	lastErr := m.lastError()
	b := backoff.WithContext(NewReconnectBackOff(m.cfg.ReconnectBaseDelay, m.cfg.ReconnectMaxDelay, m.cfg.MaxReconnectAttempts), ctx)
	for attempt := 1; ; attempt++ {
		delay := b.NextBackOff()
		if delay == backoff.Stop {
			break
		}

		m.opts.Metrics.ReconnectAttempt(attempt, delay)
		m.logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("Reconnecting")
		if err := m.opts.Sleep(ctx, delay); err != nil {
			return
		}

		clientID := fmt.Sprintf("%s_%d_%d", m.cfg.ClientIDPrefix, m.opts.Now().UnixMilli(), attempt)
		client, err := m.dial(ctx, clientID, gen)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			lastErr = err
			m.logger.Warn().Err(err).Int("attempt", attempt).Str("client_id", clientID).Msg("Reconnect attempt failed")
			continue
		}

		m.mu.Lock()
		if m.generation != gen {
			m.mu.Unlock()
			teardown(client, m.cfg, true)
			return
		}
		m.client = client
		m.clientID = clientID
		m.connectedAt = m.opts.Now()
		m.reconnects++
		m.lastErr = nil
		m.cancel, m.done = nil, nil
		m.setStateLocked(StateConnected)
		m.mu.Unlock()

		m.logger.Info().Int("attempt", attempt).Str("client_id", clientID).Msg("Reconnected")
		return
	}

	m.mu.Lock()
	if m.generation != gen || ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	m.lastErr = lastErr
	m.cancel, m.done = nil, nil
	m.setStateLocked(StateClosed)
	m.mu.Unlock()

	fatal := errs.Wrap(errs.KindConnection, "reconnect", "reconnect_exhausted", lastErr)
	m.opts.Metrics.ReconnectExhausted()
	m.logger.Error().Err(fatal).Int("attempts", m.cfg.MaxReconnectAttempts).Msg("Giving up on broker connection")
	if m.opts.OnFatal != nil {
		m.opts.OnFatal(fatal)
	}
}

// Publish sends payload to topicOverride, or to the configured publish
// topic when the override is empty. It is a logged no-op returning
// ErrNotConnected unless the manager is CONNECTED.
func (m *Manager) Publish(ctx context.Context, payload []byte, qos byte, topicOverride string) error {
	m.mu.Lock()
	client, state := m.client, m.state
	m.mu.Unlock()

	topic := topicOverride
	if topic == "" {
		topic = m.cfg.PublishTopic
	}

	if state != StateConnected || client == nil {
		m.logger.Warn().Str("topic", topic).Str("state", state.String()).Msg("Publish skipped: not connected")
		return ErrNotConnected
	}
	if topic == "" {
		return errors.New("mqtt: no publish topic")
	}

	if err := waitToken(ctx, client.Publish(topic, qos, false, payload), publishTimeout); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	m.logger.Debug().Str("topic", topic).Uint8("qos", qos).Msg("Published")
	return nil
}

// Disconnect unsubscribes and closes the connection gracefully.
// It is idempotent and stops an in-flight reconnect.
func (m *Manager) Disconnect() {
	m.shutdown(false)
}

// ForceShutdown closes the connection without unsubscribing or quiescing.
// It is idempotent and stops an in-flight reconnect.
func (m *Manager) ForceShutdown() {
	m.shutdown(true)
}

func (m *Manager) shutdown(force bool) {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	client := m.client
	prev := m.state

	m.cancel, m.done = nil, nil
	m.client = nil
	m.generation++
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	teardown(client, m.cfg, force)

	if prev != StateDisconnected {
		m.logger.Info().Bool("force", force).Str("from", prev.String()).Msg("Disconnected from broker")
	}
}

// teardown releases a client. Unsubscribe is best effort.
func teardown(client Client, cfg Config, force bool) {
	if client == nil {
		return
	}
	quiesce := lostQuiesce
	if force {
		quiesce = 0
	} else {
		if cfg.Role == RoleSubscriber && client.IsConnected() {
			client.Unsubscribe(cfg.SubscribeTopic).WaitTimeout(gracefulQuiesce)
		}
		if client.IsConnected() {
			quiesce = gracefulQuiesce
		}
	}
	client.Disconnect(uint(quiesce.Milliseconds()))
}

// setStateLocked records a transition; m.mu must be held
func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	m.opts.Metrics.ConnectionState(s.String())
}

func (m *Manager) lastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// State returns the current state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ClientID returns the client ID of the current or most recent connection
func (m *Manager) ClientID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clientID
}

// IsConnected returns true if the manager is CONNECTED and the client
// reports a live connection
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateConnected && m.client != nil && m.client.IsConnected()
}

// Snapshot returns the connection details for status reporting
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Snapshot{
		State:       m.state.String(),
		Connected:   m.state == StateConnected,
		Broker:      m.cfg.Broker,
		ClientID:    m.clientID,
		Role:        m.cfg.Role,
		ConnectedAt: m.connectedAt,
		Reconnects:  m.reconnects,
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	return s
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
