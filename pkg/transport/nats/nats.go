// Package nats implements transport.Transport on a NATS connection.
//
// MQTT-style topics are mapped to subjects: "/" becomes ".", "+" becomes
// "*" and "#" becomes ">". QoS is accepted and ignored.
package nats

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/qcal/livelink/pkg/logging"
	"github.com/qcal/livelink/pkg/transport"
)

const (
	defaultTimeout = 5 * time.Second
	inboxSize      = 1024
)

// Config describes the NATS connection.
type Config struct {
	URL           string
	Name          string
	Token         string
	Username      string
	Password      string
	AutoReconnect bool
	Timeout       time.Duration
}

// Transport is a NATS transport.Transport. Messages from every
// subscription are funnelled through one channel so OnMessage sees them
// in arrival order from a single goroutine.
type Transport struct {
	cfg Config

	mu       sync.Mutex
	listener transport.Listener
	conn     *nats.Conn
	subs     map[string]*nats.Subscription
	inbox    chan *nats.Msg
	done     chan struct{}
}

var _ transport.Transport = (*Transport)(nil)

func New(cfg Config) *Transport {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Name == "" {
		cfg.Name = "livelink"
	}
	return &Transport{cfg: cfg, subs: make(map[string]*nats.Subscription)}
}

func (t *Transport) SetListener(l transport.Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listener = l
}

func (t *Transport) currentListener() transport.Listener {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.listener
}

// Subject maps an MQTT-style topic filter to a NATS subject.
func Subject(topic string) string {
	parts := strings.Split(strings.Trim(topic, "/"), "/")
	for i, p := range parts {
		switch p {
		case "+":
			parts[i] = "*"
		case "#":
			parts[i] = ">"
		}
	}
	return strings.Join(parts, ".")
}

// Topic maps a NATS subject back to a topic.
func Topic(subject string) string {
	return strings.ReplaceAll(subject, ".", "/")
}

func (t *Transport) options() []nats.Option {
	opts := []nats.Option{
		nats.Name(t.cfg.Name),
		nats.Timeout(t.cfg.Timeout),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logging.Warn("nats disconnected", "error", err)
			}
			if t.cfg.AutoReconnect && t.owns(nc) {
				t.currentListener().Reconnecting()
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info("nats reconnected", "url", nc.ConnectedUrl())
			t.currentListener().Open()
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			// Connections we closed ourselves are no longer owned.
			if !t.owns(nc) {
				return
			}
			err := nc.LastError()
			if err == nil {
				err = nats.ErrConnectionClosed
			}
			t.currentListener().Error(fmt.Errorf("transport/nats: connection closed: %w", err))
		}),
	}
	if !t.cfg.AutoReconnect {
		opts = append(opts, nats.NoReconnect())
	} else {
		opts = append(opts, nats.MaxReconnects(-1))
	}
	if t.cfg.Token != "" {
		opts = append(opts, nats.Token(t.cfg.Token))
	}
	if t.cfg.Username != "" {
		opts = append(opts, nats.UserInfo(t.cfg.Username, t.cfg.Password))
	}
	return opts
}

func (t *Transport) owns(nc *nats.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn == nc
}

func (t *Transport) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	nc, err := nats.Connect(t.cfg.URL, t.options()...)
	if err != nil {
		return fmt.Errorf("transport/nats: connect %s: %w", t.cfg.URL, err)
	}

	inbox := make(chan *nats.Msg, inboxSize)
	done := make(chan struct{})
	t.mu.Lock()
	t.conn = nc
	t.inbox = inbox
	t.done = done
	clear(t.subs)
	t.mu.Unlock()

	go t.dispatch(inbox, done)

	logging.Debug("nats connected", "url", nc.ConnectedUrl())
	t.currentListener().Open()
	return nil
}

func (t *Transport) dispatch(inbox <-chan *nats.Msg, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case msg := <-inbox:
			t.currentListener().Message(Topic(msg.Subject), msg.Data)
		}
	}
}

func (t *Transport) Subscribe(topic string, qos byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil || t.conn.IsClosed() {
		return transport.ErrNotConnected
	}
	if _, ok := t.subs[topic]; ok {
		return nil
	}
	sub, err := t.conn.ChanSubscribe(Subject(topic), t.inbox)
	if err != nil {
		return fmt.Errorf("transport/nats: subscribe %s: %w", topic, err)
	}
	t.subs[topic] = sub
	return nil
}

func (t *Transport) Unsubscribe(topics ...string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, topic := range topics {
		sub, ok := t.subs[topic]
		if !ok {
			continue
		}
		delete(t.subs, topic)
		if err := sub.Unsubscribe(); err != nil {
			return fmt.Errorf("transport/nats: unsubscribe %s: %w", topic, err)
		}
	}
	return nil
}

func (t *Transport) Publish(topic string, qos byte, payload []byte) error {
	t.mu.Lock()
	nc := t.conn
	t.mu.Unlock()
	if nc == nil || nc.IsClosed() {
		return transport.ErrNotConnected
	}
	if err := nc.Publish(Subject(topic), payload); err != nil {
		return fmt.Errorf("transport/nats: publish %s: %w", topic, err)
	}
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	nc, done := t.conn, t.done
	t.conn, t.inbox, t.done = nil, nil, nil
	clear(t.subs)
	t.mu.Unlock()

	if nc == nil {
		return nil
	}
	nc.Close()
	close(done)
	return nil
}
