// Package transport defines the publish/subscribe connection the connection
// manager drives. Implementations live in subpackages (mqtt, ws, nats,
// redis); MockTransport is the in-process double used by tests.
package transport

import (
	"context"
	"errors"
)

// ErrNotConnected is returned by operations that need a live connection.
var ErrNotConnected = errors.New("transport not connected")

// Listener receives transport lifecycle and message callbacks. Any field may
// be nil. OnMessage is called from a single goroutine in arrival order.
type Listener struct {
	OnOpen         func()
	OnReconnecting func()
	OnError        func(error)
	OnMessage      func(topic string, payload []byte)
}

// Open invokes OnOpen if set.
func (l Listener) Open() {
	if l.OnOpen != nil {
		l.OnOpen()
	}
}

// Reconnecting invokes OnReconnecting if set.
func (l Listener) Reconnecting() {
	if l.OnReconnecting != nil {
		l.OnReconnecting()
	}
}

// Error invokes OnError if set.
func (l Listener) Error(err error) {
	if l.OnError != nil {
		l.OnError(err)
	}
}

// Message invokes OnMessage if set.
func (l Listener) Message(topic string, payload []byte) {
	if l.OnMessage != nil {
		l.OnMessage(topic, payload)
	}
}

// Transport is a topic-based publish/subscribe connection.
//
// Connect blocks until the connection is usable or fails, and fires OnOpen
// on success (and again after any library-driven reconnect). A transport
// may be connected again after Close. Subscribing an already subscribed
// topic must be harmless.
type Transport interface {
	SetListener(l Listener)
	Connect(ctx context.Context) error
	Subscribe(topic string, qos byte) error
	Unsubscribe(topics ...string) error
	Publish(topic string, qos byte, payload []byte) error
	Close() error
}
