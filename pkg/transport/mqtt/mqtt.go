// Package mqtt implements transport.Transport on top of the Eclipse Paho
// MQTT client. Brokers may be tcp://, ssl://, ws:// or wss:// URLs.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/qcal/livelink/pkg/logging"
	"github.com/qcal/livelink/pkg/transport"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultKeepAlive      = 30 * time.Second
	operationTimeout      = 10 * time.Second
	disconnectQuiesce     = 250 // milliseconds
)

// Config describes the broker connection.
type Config struct {
	URL            string
	ClientID       string
	Username       string
	Password       string
	CleanSession   bool
	AutoReconnect  bool
	ConnectTimeout time.Duration
	KeepAlive      time.Duration
}

// Transport is an MQTT transport.Transport.
type Transport struct {
	cfg Config

	mu       sync.Mutex
	client   paho.Client
	listener transport.Listener
}

var _ transport.Transport = (*Transport)(nil)

// New creates an unconnected MQTT transport. An empty ClientID is replaced
// by a random one.
func New(cfg Config) *Transport {
	if cfg.ClientID == "" {
		cfg.ClientID = "livelink-" + uuid.NewString()[:8]
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = defaultKeepAlive
	}
	return &Transport{cfg: cfg}
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

func (t *Transport) clientOptions() *paho.ClientOptions {
	opts := paho.NewClientOptions().
		AddBroker(t.cfg.URL).
		SetClientID(t.cfg.ClientID).
		SetCleanSession(t.cfg.CleanSession).
		SetAutoReconnect(t.cfg.AutoReconnect).
		SetConnectRetry(false).
		SetOrderMatters(true).
		SetConnectTimeout(t.cfg.ConnectTimeout).
		SetKeepAlive(t.cfg.KeepAlive)
	if t.cfg.Username != "" {
		opts.SetUsername(t.cfg.Username)
		opts.SetPassword(t.cfg.Password)
	}

	opts.SetOnConnectHandler(func(paho.Client) {
		t.currentListener().Open()
	})
	opts.SetReconnectingHandler(func(paho.Client, *paho.ClientOptions) {
		t.currentListener().Reconnecting()
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logging.Warn("mqtt connection lost", "broker", t.cfg.URL, "error", err)
		// With auto-reconnect paho redials on its own and reports it
		// through the reconnecting handler.
		if !t.cfg.AutoReconnect {
			t.currentListener().Error(fmt.Errorf("transport/mqtt: connection lost: %w", err))
		}
	})
	opts.SetDefaultPublishHandler(func(_ paho.Client, msg paho.Message) {
		t.currentListener().Message(msg.Topic(), msg.Payload())
	})
	return opts
}

// Connect dials the broker and blocks until the CONNACK or ctx ends.
func (t *Transport) Connect(ctx context.Context) error {
	client := paho.NewClient(t.clientOptions())

	t.mu.Lock()
	old := t.client
	t.client = client
	t.mu.Unlock()
	if old != nil && old.IsConnectionOpen() {
		old.Disconnect(disconnectQuiesce)
	}

	logging.Debug("mqtt connecting", "broker", t.cfg.URL, "client_id", t.cfg.ClientID)
	if err := wait(ctx, client.Connect()); err != nil {
		return fmt.Errorf("transport/mqtt: connect %s: %w", t.cfg.URL, err)
	}
	return nil
}

func (t *Transport) connected() (paho.Client, error) {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()
	if client == nil || !client.IsConnectionOpen() {
		return nil, transport.ErrNotConnected
	}
	return client, nil
}

func (t *Transport) Subscribe(topic string, qos byte) error {
	client, err := t.connected()
	if err != nil {
		return err
	}
	// nil callback routes messages to the default publish handler.
	if err := waitTimeout(client.Subscribe(topic, qos, nil)); err != nil {
		return fmt.Errorf("transport/mqtt: subscribe %s: %w", topic, err)
	}
	return nil
}

func (t *Transport) Unsubscribe(topics ...string) error {
	if len(topics) == 0 {
		return nil
	}
	client, err := t.connected()
	if err != nil {
		return err
	}
	if err := waitTimeout(client.Unsubscribe(topics...)); err != nil {
		return fmt.Errorf("transport/mqtt: unsubscribe: %w", err)
	}
	return nil
}

func (t *Transport) Publish(topic string, qos byte, payload []byte) error {
	client, err := t.connected()
	if err != nil {
		return err
	}
	if err := waitTimeout(client.Publish(topic, qos, false, payload)); err != nil {
		return fmt.Errorf("transport/mqtt: publish %s: %w", topic, err)
	}
	return nil
}

// Close disconnects. Paho does not call the connection-lost handler for an
// explicit disconnect.
func (t *Transport) Close() error {
	t.mu.Lock()
	client := t.client
	t.client = nil
	t.mu.Unlock()

	if client != nil && client.IsConnectionOpen() {
		client.Disconnect(disconnectQuiesce)
	}
	return nil
}

var errTimeout = errors.New("timed out")

func wait(ctx context.Context, tok paho.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func waitTimeout(tok paho.Token) error {
	if !tok.WaitTimeout(operationTimeout) {
		return errTimeout
	}
	return tok.Error()
}
