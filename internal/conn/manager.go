// Package conn manages the single push-channel connection to the authority.
package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/markus-barta/lockfleet/internal/clock"
	"github.com/markus-barta/lockfleet/internal/events"
	"github.com/markus-barta/lockfleet/internal/protocol"
	"github.com/rs/zerolog"
)

// ErrNotConnected is returned by Emit when there is no open connection.
// The message is dropped.
var ErrNotConnected = errors.New("push channel not connected")

// State is the connection status.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Transport is one open push-channel connection.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context, token string) (Transport, error)
}

// Policy bounds reconnection.
type Policy struct {
	MaxRetries    int           // consecutive failures before giving up
	RetryDelay    time.Duration // first backoff delay
	MaxRetryDelay time.Duration
}

// DefaultPolicy returns the stock reconnect policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:    5,
		RetryDelay:    time.Second,
		MaxRetryDelay: 30 * time.Second,
	}
}

// session is the state of one connection attempt. A new session is created
// for every attempt; retryCount is carried across attempts.
type session struct {
	status     State
	retryCount int
	token      string
	transport  Transport
}

// Manager owns the push channel: it dials, reconnects with a bounded
// backoff, and publishes every inbound message on the bus.
type Manager struct {
	dialer Dialer
	bus    *events.Bus
	clock  clock.Clock
	log    zerolog.Logger
	policy Policy

	mu      sync.Mutex
	sess    *session // nil until Connect and after Disconnect
	gen     uint64   // bumped by Connect and Disconnect to fence off stale goroutines
	ctx     context.Context
	cancel  context.CancelFunc
	retry   *clock.Timer
	backoff *backoff.ExponentialBackOff

	writeMu sync.Mutex
}

// New creates a manager and attaches it as the bus emitter.
func New(dialer Dialer, bus *events.Bus, clk clock.Clock, policy Policy, log zerolog.Logger) *Manager {
	if policy.MaxRetries <= 0 {
		policy.MaxRetries = DefaultPolicy().MaxRetries
	}
	if policy.RetryDelay <= 0 {
		policy.RetryDelay = DefaultPolicy().RetryDelay
	}
	if policy.MaxRetryDelay < policy.RetryDelay {
		policy.MaxRetryDelay = policy.RetryDelay
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.RetryDelay
	b.MaxInterval = policy.MaxRetryDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	m := &Manager{
		dialer:  dialer,
		bus:     bus,
		clock:   clk,
		log:     log.With().Str("component", "conn").Logger(),
		policy:  policy,
		backoff: b,
	}
	bus.AttachEmitter(m)
	return m
}

// Connect opens the push channel with token. It is a no-op unless the
// manager is disconnected. Dialing happens in the background.
func (m *Manager) Connect(token string) {
	m.mu.Lock()
	if m.sess != nil && m.sess.status != Disconnected {
		status := m.sess.status
		m.mu.Unlock()
		m.log.Debug().Stringer("status", status).Msg("connect ignored, already active")
		return
	}

	m.stopRetryLocked()
	if m.cancel != nil {
		m.cancel()
	}
	m.gen++
	gen := m.gen
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.sess = &session{status: Connecting, token: token}
	m.backoff.Reset()
	st := m.statusLocked()
	m.mu.Unlock()

	m.publishState(st)
	go m.dial(gen)
}

// Disconnect tears the connection down, cancels any pending reconnect and
// clears the retry count. Safe to call at any time.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.gen++
	m.stopRetryLocked()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	var t Transport
	active := m.sess != nil
	if active {
		t = m.sess.transport
	}
	m.sess = nil
	m.mu.Unlock()

	if t != nil {
		if err := t.Close(); err != nil {
			m.log.Debug().Err(err).Msg("error closing transport")
		}
	}
	if active {
		m.log.Info().Msg("disconnected")
		m.publishState(protocol.ConnectionStatePayload{Status: Disconnected.String()})
	}
}

// State returns the current connection status.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return Disconnected
	}
	return m.sess.status
}

// Status returns status and retry count together.
func (m *Manager) Status() protocol.ConnectionStatePayload {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

// Emit sends a message to the authority. When not connected the message is
// dropped with a warning and ErrNotConnected is returned.
func (m *Manager) Emit(name protocol.EventName, payload any) error {
	m.mu.Lock()
	var t Transport
	if m.sess != nil && m.sess.status == Connected {
		t = m.sess.transport
	}
	m.mu.Unlock()

	if t == nil {
		m.log.Warn().Str("event", string(name)).Msg("not connected, dropping outbound message")
		return ErrNotConnected
	}

	msg, err := protocol.NewMessage(name, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := t.WriteMessage(data); err != nil {
		return fmt.Errorf("emit %s: %w", name, err)
	}
	return nil
}

// SubscribeDevice asks the authority for push updates about mac.
func (m *Manager) SubscribeDevice(mac string) error {
	return m.Emit(protocol.MessageSubscribeDevice, protocol.DeviceRef{MACAddress: mac})
}

// UnsubscribeDevice stops push updates about mac.
func (m *Manager) UnsubscribeDevice(mac string) error {
	return m.Emit(protocol.MessageUnsubscribeDevice, protocol.DeviceRef{MACAddress: mac})
}

// SendDeviceCommand relays command to the device through the authority.
func (m *Manager) SendDeviceCommand(mac string, command any) error {
	return m.Emit(protocol.MessageDeviceCommand, protocol.DeviceCommand{MACAddress: mac, Command: command})
}

// RequestDeviceState asks the authority to push the current state of mac.
func (m *Manager) RequestDeviceState(mac string) error {
	return m.Emit(protocol.MessageRequestDeviceState, protocol.DeviceRef{MACAddress: mac})
}

// dial performs one connection attempt for generation gen.
func (m *Manager) dial(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.sess == nil {
		m.mu.Unlock()
		return
	}
	ctx := m.ctx
	token := m.sess.token
	m.mu.Unlock()

	m.log.Debug().Msg("connecting")
	t, err := m.dialer.Dial(ctx, token)
	if err != nil {
		m.fail(gen, err)
		return
	}

	m.mu.Lock()
	if gen != m.gen || m.sess == nil {
		m.mu.Unlock()
		_ = t.Close()
		return
	}
	m.sess = &session{status: Connected, token: token, transport: t}
	m.backoff.Reset()
	st := m.statusLocked()
	m.mu.Unlock()

	m.log.Info().Msg("connected to authority")
	m.publishState(st)

	m.readLoop(gen, t)
}

// readLoop forwards inbound messages to the bus until the transport fails.
func (m *Manager) readLoop(gen uint64, t Transport) {
	for {
		data, err := t.ReadMessage()
		if err != nil {
			m.fail(gen, err)
			return
		}

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			m.log.Error().Err(err).Str("data", string(data)).Msg("failed to parse message")
			continue
		}
		if msg.Type == "" || msg.Type.Reserved() {
			m.log.Warn().Str("type", string(msg.Type)).Msg("dropping message with reserved or empty type")
			continue
		}
		if !msg.Type.Inbound() {
			m.log.Warn().Str("type", string(msg.Type)).Msg("dropping message with unknown type")
			continue
		}

		m.log.Debug().Str("type", string(msg.Type)).Msg("received message")
		m.bus.Publish(events.Event{Name: msg.Type, Payload: msg.Payload})
	}
}

// fail records a failed attempt or a dropped connection and either
// schedules the next attempt or gives up.
func (m *Manager) fail(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.gen || m.sess == nil {
		m.mu.Unlock()
		return
	}
	t := m.sess.transport
	retries := m.sess.retryCount + 1
	m.sess = &session{status: Disconnected, token: m.sess.token, retryCount: retries}
	st := m.statusLocked()
	m.mu.Unlock()

	if t != nil {
		if err := t.Close(); err != nil {
			m.log.Debug().Err(err).Msg("error closing transport")
		}
	}
	m.publishState(st)

	if retries >= m.policy.MaxRetries {
		m.log.Error().Err(cause).Int("attempts", retries).Msg("giving up on push channel")
		if err := events.Publish(m.bus, events.ConnectionFailed, protocol.ConnectionFailedPayload{
			Attempts: retries,
			Error:    cause.Error(),
		}); err != nil {
			m.log.Error().Err(err).Msg("failed to publish connection failure")
		}
		return
	}

	// Connect or Disconnect may have run while the lock was released.
	m.mu.Lock()
	if gen != m.gen || m.sess == nil || m.sess.status != Disconnected {
		m.mu.Unlock()
		return
	}
	delay := m.backoff.NextBackOff()
	if delay <= 0 {
		delay = m.policy.RetryDelay
	}
	m.retry = m.clock.AfterFunc(delay, func() { m.reconnect(gen) })
	m.mu.Unlock()

	m.log.Warn().Err(cause).Int("retry", retries).Dur("backoff", delay).Msg("connection lost, retrying")
}

func (m *Manager) reconnect(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.sess == nil || m.sess.status != Disconnected {
		m.mu.Unlock()
		return
	}
	m.retry = nil
	m.sess = &session{status: Connecting, token: m.sess.token, retryCount: m.sess.retryCount}
	st := m.statusLocked()
	m.mu.Unlock()

	m.publishState(st)
	go m.dial(gen)
}

func (m *Manager) stopRetryLocked() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
}

func (m *Manager) statusLocked() protocol.ConnectionStatePayload {
	if m.sess == nil {
		return protocol.ConnectionStatePayload{Status: Disconnected.String()}
	}
	return protocol.ConnectionStatePayload{Status: m.sess.status.String(), RetryCount: m.sess.retryCount}
}

func (m *Manager) publishState(st protocol.ConnectionStatePayload) {
	if err := events.Publish(m.bus, events.ConnectionState, st); err != nil {
		m.log.Error().Err(err).Msg("failed to publish connection state")
	}
}
