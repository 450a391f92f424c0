package transport

import (
	"context"
	"sync"
)

// SubscribeCall records one Subscribe invocation.
type SubscribeCall struct {
	Topic string
	QoS   byte
}

// PublishCall records one Publish invocation.
type PublishCall struct {
	Topic   string
	QoS     byte
	Payload []byte
}

// MockTransport is a mock implementation of Transport for testing
type MockTransport struct {
	mu sync.Mutex

	ConnectErr   error
	SubscribeErr error
	PublishErr   error
	// OpenOnConnect fires OnOpen from Connect, like a real transport.
	OpenOnConnect bool

	listener     Listener
	listenerSets int
	connects     int
	closes       int
	subscribes   []SubscribeCall
	unsubscribes []string
	publishes    []PublishCall
}

// NewMockTransport returns a mock that opens on Connect.
func NewMockTransport() *MockTransport {
	return &MockTransport{OpenOnConnect: true}
}

func (m *MockTransport) SetListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listener = l
	m.listenerSets++
}

func (m *MockTransport) Connect(ctx context.Context) error {
	m.mu.Lock()
	m.connects++
	err := m.ConnectErr
	open := m.OpenOnConnect
	l := m.listener
	m.mu.Unlock()

	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if open {
		l.Open()
	}
	return nil
}

func (m *MockTransport) Subscribe(topic string, qos byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribes = append(m.subscribes, SubscribeCall{Topic: topic, QoS: qos})
	return m.SubscribeErr
}

func (m *MockTransport) Unsubscribe(topics ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unsubscribes = append(m.unsubscribes, topics...)
	return nil
}

func (m *MockTransport) Publish(topic string, qos byte, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishes = append(m.publishes, PublishCall{Topic: topic, QoS: qos, Payload: payload})
	return m.PublishErr
}

func (m *MockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes++
	return nil
}

// SetConnectErr changes the error returned by subsequent Connect calls.
func (m *MockTransport) SetConnectErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ConnectErr = err
}

func (m *MockTransport) currentListener() Listener {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listener
}

// FireOpen simulates the transport reaching the connected state.
func (m *MockTransport) FireOpen() { m.currentListener().Open() }

// FireReconnecting simulates a library-driven reconnect attempt.
func (m *MockTransport) FireReconnecting() { m.currentListener().Reconnecting() }

// FireError simulates a transport failure.
func (m *MockTransport) FireError(err error) { m.currentListener().Error(err) }

// FireMessage simulates an inbound message.
func (m *MockTransport) FireMessage(topic string, payload []byte) {
	m.currentListener().Message(topic, payload)
}

// Subscribes returns a copy of every Subscribe call so far.
func (m *MockTransport) Subscribes() []SubscribeCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SubscribeCall(nil), m.subscribes...)
}

// Unsubscribes returns every topic passed to Unsubscribe so far.
func (m *MockTransport) Unsubscribes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.unsubscribes...)
}

// Publishes returns a copy of every Publish call so far.
func (m *MockTransport) Publishes() []PublishCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PublishCall(nil), m.publishes...)
}

// Connects returns how many times Connect was called.
func (m *MockTransport) Connects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connects
}

// Closes returns how many times Close was called.
func (m *MockTransport) Closes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes
}

// ListenerSets returns how many times SetListener was called.
func (m *MockTransport) ListenerSets() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listenerSets
}
