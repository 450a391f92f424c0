// Package connection owns the single publish/subscribe connection of the
// process: it tracks the connection state, keeps the static and scoped
// subscriptions alive across reconnects and hands decoded inbound
// messages to the event hub.
package connection

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/qcal/livelink/pkg/codec"
	"github.com/qcal/livelink/pkg/logging"
	"github.com/qcal/livelink/pkg/metrics"
	"github.com/qcal/livelink/pkg/pubsub"
	"github.com/qcal/livelink/pkg/topic"
	"github.com/qcal/livelink/pkg/transport"
)

// ErrDestroyed is returned by operations on a destroyed manager.
var ErrDestroyed = errors.New("connection: manager destroyed")

const stateEvent = "state"

// Config is the manager's static configuration.
type Config struct {
	Subscriptions []topic.Subscription
	Reconnect     ReconnectConfig
}

// Option configures a Manager.
type Option func(*Manager)

// WithMetrics records connection metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(mgr *Manager) { mgr.metrics = m }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(mgr *Manager) { mgr.now = now }
}

type dynamicTopic struct {
	qos  byte
	refs int
}

// Manager drives a transport through the Idle, Connecting, Connected and
// Error states.
type Manager struct {
	transport transport.Transport
	hub       *pubsub.Hub[pubsub.Envelope]
	static    []topic.Subscription
	reconnect ReconnectConfig
	metrics   *metrics.Metrics
	now       func() time.Time

	states *pubsub.Hub[State]
	seq    atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	state        State
	since        time.Time
	lastErr      error
	listening    bool
	destroyed    bool
	dynamic      map[string]*dynamicTopic
	backoff      time.Duration
	retries      int
	retryPending bool
}

// New creates a manager for t. Inbound messages are emitted on hub keyed
// by event name.
func New(t transport.Transport, hub *pubsub.Hub[pubsub.Envelope], cfg Config, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		transport: t,
		hub:       hub,
		static:    slices.Clone(cfg.Subscriptions),
		reconnect: cfg.Reconnect.withDefaults(),
		now:       time.Now,
		states:    pubsub.NewHub[State](),
		ctx:       ctx,
		cancel:    cancel,
		dynamic:   make(map[string]*dynamicTopic),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.since = m.now()
	m.backoff = m.reconnect.Initial
	return m
}

// Connect starts connecting in the background and returns immediately.
// It is a no-op while connecting or connected.
func (m *Manager) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return ErrDestroyed
	}
	if m.state == StateConnecting || m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	if !m.listening {
		m.transport.SetListener(transport.Listener{
			OnOpen:         m.handleOpen,
			OnReconnecting: m.handleReconnecting,
			OnError:        m.handleError,
			OnMessage:      m.handleMessage,
		})
		m.listening = true
	}
	m.retries = 0
	m.backoff = m.reconnect.Initial
	m.setStateLocked(StateConnecting, nil)
	m.mu.Unlock()

	m.notify(StateConnecting)
	go m.dial()
	return nil
}

func (m *Manager) dial() {
	logging.Debug("connecting transport")
	if err := m.transport.Connect(m.ctx); err != nil {
		if m.ctx.Err() != nil {
			return
		}
		m.handleError(fmt.Errorf("connection: connect: %w", err))
	}
}

func (m *Manager) handleOpen() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.setStateLocked(StateConnected, nil)
	m.backoff = m.reconnect.Initial
	m.retries = 0
	subs := m.subscriptionsLocked()
	m.mu.Unlock()

	logging.Info("connected", "subscriptions", len(subs))
	m.notify(StateConnected)

	for _, sub := range subs {
		if err := m.transport.Subscribe(sub.Topic, sub.QoS); err != nil {
			m.metrics.SubscribeFailed()
			logging.Error("subscribe failed", "topic", sub.Topic, "qos", sub.QoS, "error", err)
		}
	}
}

func (m *Manager) handleReconnecting() {
	m.mu.Lock()
	if m.destroyed || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	m.setStateLocked(StateConnecting, nil)
	m.mu.Unlock()

	logging.Warn("transport reconnecting")
	m.notify(StateConnecting)
}

func (m *Manager) handleError(err error) {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.setStateLocked(StateError, err)
	m.mu.Unlock()

	logging.Error("connection error", "error", err)
	m.notify(StateError)

	if cerr := m.transport.Close(); cerr != nil {
		logging.Debug("close after error failed", "error", cerr)
	}
	m.scheduleReconnect()
}

func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if !m.reconnect.Enabled || m.destroyed || m.retryPending {
		m.mu.Unlock()
		return
	}
	if m.reconnect.MaxRetries > 0 && m.retries >= m.reconnect.MaxRetries {
		m.mu.Unlock()
		logging.Error("giving up reconnecting", "attempts", m.reconnect.MaxRetries)
		return
	}
	m.retries++
	attempt := m.retries
	delay := m.reconnect.jitter(m.backoff)
	m.backoff = m.reconnect.nextBackoff(m.backoff)
	m.retryPending = true
	m.mu.Unlock()

	logging.Info("reconnecting", "attempt", attempt, "backoff", delay)

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-m.ctx.Done():
			return
		case <-timer.C:
		}

		m.mu.Lock()
		m.retryPending = false
		if m.destroyed || m.state != StateError {
			m.mu.Unlock()
			return
		}
		m.setStateLocked(StateConnecting, nil)
		m.mu.Unlock()

		m.metrics.Reconnecting()
		m.notify(StateConnecting)
		m.dial()
	}()
}

func (m *Manager) handleMessage(topicName string, payload []byte) {
	event := topic.EventName(topicName)
	env := pubsub.Envelope{
		Topic:    topicName,
		Event:    event,
		Data:     codec.Parse(payload),
		Raw:      payload,
		Seq:      m.seq.Add(1),
		Received: m.now(),
	}
	m.metrics.MessageReceived(event, !codec.IsJSON(payload))
	n := m.hub.Emit(event, env)
	logging.Trace("message", "topic", topicName, "event", event, "seq", env.Seq, "handlers", n)
}

// Subscribe adds a dynamic topic. Topics are reference counted: the
// transport subscription is made on the first call and the QoS of that
// call sticks until the last matching Unsubscribe.
func (m *Manager) Subscribe(topicName string, qos byte) error {
	if err := (topic.Subscription{Topic: topicName, QoS: qos}).Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return ErrDestroyed
	}
	if dt, ok := m.dynamic[topicName]; ok {
		dt.refs++
		m.mu.Unlock()
		return nil
	}
	m.dynamic[topicName] = &dynamicTopic{qos: qos, refs: 1}
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !connected {
		return nil
	}
	if err := m.transport.Subscribe(topicName, qos); err != nil {
		m.metrics.SubscribeFailed()
		logging.Error("subscribe failed", "topic", topicName, "qos", qos, "error", err)
		return fmt.Errorf("connection: subscribe %s: %w", topicName, err)
	}
	return nil
}

// Unsubscribe drops one reference to a dynamic topic.
func (m *Manager) Unsubscribe(topicName string) error {
	m.mu.Lock()
	dt, ok := m.dynamic[topicName]
	if !ok || m.destroyed {
		m.mu.Unlock()
		return nil
	}
	dt.refs--
	if dt.refs > 0 {
		m.mu.Unlock()
		return nil
	}
	delete(m.dynamic, topicName)
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !connected {
		return nil
	}
	if err := m.transport.Unsubscribe(topicName); err != nil {
		m.metrics.SubscribeFailed()
		logging.Error("unsubscribe failed", "topic", topicName, "error", err)
		return fmt.Errorf("connection: unsubscribe %s: %w", topicName, err)
	}
	return nil
}

// Publish sends payload on topicName. Byte slices and strings go out
// verbatim, anything else is JSON encoded. Failures are not retried.
func (m *Manager) Publish(topicName string, qos byte, payload any) error {
	data, err := codec.Encode(payload)
	if err != nil {
		m.metrics.PublishFailed()
		logging.Error("publish encode failed", "topic", topicName, "error", err)
		return fmt.Errorf("connection: publish %s: %w", topicName, err)
	}
	if err := m.transport.Publish(topicName, qos, data); err != nil {
		m.metrics.PublishFailed()
		logging.Error("publish failed", "topic", topicName, "qos", qos, "error", err)
		return fmt.Errorf("connection: publish %s: %w", topicName, err)
	}
	return nil
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status returns the state with its entry time and last error.
func (m *Manager) Status() pubsub.ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	status := pubsub.ConnectionStatus{State: m.state.String(), Since: m.since}
	if m.lastErr != nil {
		status.Error = m.lastErr.Error()
	}
	return status
}

// OnStateChange registers fn for every state transition.
func (m *Manager) OnStateChange(fn func(State)) *pubsub.Subscription {
	return m.states.On(stateEvent, fn)
}

// Topics returns the static topics followed by the live dynamic ones.
func (m *Manager) Topics() []topic.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscriptionsLocked()
}

// Destroy stops reconnecting, drops every subscription and closes the
// transport. The manager cannot be reused afterwards.
func (m *Manager) Destroy() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.destroyed = true
	m.cancel()
	connected := m.state == StateConnected
	subs := m.subscriptionsLocked()
	clear(m.dynamic)
	m.setStateLocked(StateIdle, nil)
	m.mu.Unlock()

	if connected && len(subs) > 0 {
		topics := make([]string, len(subs))
		for i, s := range subs {
			topics[i] = s.Topic
		}
		if err := m.transport.Unsubscribe(topics...); err != nil {
			logging.Warn("unsubscribe on destroy failed", "error", err)
		}
	}
	if err := m.transport.Close(); err != nil {
		logging.Warn("close transport failed", "error", err)
	}
	logging.Info("connection destroyed")
	m.notify(StateIdle)
}

func (m *Manager) setStateLocked(s State, err error) {
	if m.state != s {
		m.since = m.now()
	}
	m.state = s
	if err != nil {
		m.lastErr = err
	} else if s == StateConnected {
		m.lastErr = nil
	}
	m.metrics.SetConnectionState(int(s))
}

func (m *Manager) notify(s State) {
	m.states.Emit(stateEvent, s)
}

// subscriptionsLocked returns the static list in order followed by the
// dynamic topics sorted by name, so every resubscribe is identical.
func (m *Manager) subscriptionsLocked() []topic.Subscription {
	subs := make([]topic.Subscription, 0, len(m.static)+len(m.dynamic))
	subs = append(subs, m.static...)

	names := make([]string, 0, len(m.dynamic))
	for name := range m.dynamic {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		subs = append(subs, topic.Subscription{Topic: name, QoS: m.dynamic[name].qos})
	}
	return subs
}
