// Package ws implements transport.Transport over a plain WebSocket
// gateway speaking JSON frames.
//
// Outbound control frames:
//
//	{"action":"subscribe","topic":"status_updates/#","qos":1}
//	{"action":"unsubscribe","topic":"status_updates/#"}
//	{"action":"publish","topic":"job/cmd","qos":0,"payload":{...}}
//
// Inbound frames carry {"topic":"...","payload":...}. A JSON string payload
// is delivered as its text; any other JSON value is delivered as raw JSON.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/qcal/livelink/pkg/logging"
	"github.com/qcal/livelink/pkg/transport"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 1024 * 1024
)

// Actions carried by outbound control frames.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionPublish     = "publish"
)

// Frame is the JSON frame exchanged with the gateway.
type Frame struct {
	Action  string          `json:"action,omitempty"`
	Topic   string          `json:"topic"`
	QoS     byte            `json:"qos,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Config describes the gateway connection. Token is sent as ?token=;
// when empty and JWTSecret is set a token is minted per connect.
type Config struct {
	URL              string
	Token            string
	JWTSecret        string
	ClientID         string
	TokenTTL         time.Duration
	HandshakeTimeout time.Duration
}

// Transport is a WebSocket transport.Transport.
type Transport struct {
	cfg    Config
	dialer *websocket.Dialer

	mu         sync.Mutex
	listener   transport.Listener
	conn       *websocket.Conn
	done       chan struct{}
	subscribed map[string]bool

	writeMu sync.Mutex
}

var _ transport.Transport = (*Transport)(nil)

func New(cfg Config) *Transport {
	dialer := *websocket.DefaultDialer
	if cfg.HandshakeTimeout > 0 {
		dialer.HandshakeTimeout = cfg.HandshakeTimeout
	}
	return &Transport{
		cfg:        cfg,
		dialer:     &dialer,
		subscribed: make(map[string]bool),
	}
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

func (t *Transport) dialURL() (string, error) {
	u, err := url.Parse(t.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("transport/ws: invalid url: %w", err)
	}
	token := t.cfg.Token
	if token == "" && t.cfg.JWTSecret != "" {
		token, err = MintToken(t.cfg.JWTSecret, "livelink", t.cfg.ClientID, t.cfg.TokenTTL)
		if err != nil {
			return "", err
		}
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Connect dials the gateway, starts the read and ping loops and fires
// OnOpen.
func (t *Transport) Connect(ctx context.Context) error {
	target, err := t.dialURL()
	if err != nil {
		return err
	}

	conn, resp, err := t.dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("transport/ws: dial %s: %s: %w", t.cfg.URL, resp.Status, err)
		}
		return fmt.Errorf("transport/ws: dial %s: %w", t.cfg.URL, err)
	}

	done := make(chan struct{})
	t.mu.Lock()
	old, oldDone := t.conn, t.done
	t.conn = conn
	t.done = done
	clear(t.subscribed)
	t.mu.Unlock()
	if old != nil {
		close(oldDone)
		old.Close()
	}

	go t.readPump(conn, done)
	go t.pingLoop(conn, done)

	logging.Debug("websocket connected", "url", t.cfg.URL)
	t.currentListener().Open()
	return nil
}

func (t *Transport) readPump(conn *websocket.Conn, done chan struct{}) {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
				// Closed by us.
			default:
				t.currentListener().Error(fmt.Errorf("transport/ws: read: %w", err))
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(message, &frame); err != nil || frame.Topic == "" {
			logging.Warn("dropping malformed websocket frame", "size", len(message))
			continue
		}
		t.currentListener().Message(frame.Topic, PayloadBytes(frame.Payload))
	}
}

func (t *Transport) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			t.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			t.writeMu.Unlock()
			if err != nil {
				logging.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}

// PayloadBytes unwraps a JSON string payload to its text.
func PayloadBytes(raw json.RawMessage) []byte {
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return []byte(s)
		}
	}
	return raw
}

// PayloadJSON embeds payload as JSON, quoting it when it is not JSON.
func PayloadJSON(payload []byte) json.RawMessage {
	if json.Valid(payload) {
		return payload
	}
	quoted, _ := json.Marshal(string(payload))
	return quoted
}

func (t *Transport) write(frame Frame) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return transport.ErrNotConnected
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("transport/ws: write %s: %w", frame.Action, err)
	}
	return nil
}

func (t *Transport) Subscribe(topic string, qos byte) error {
	t.mu.Lock()
	already := t.subscribed[topic]
	t.mu.Unlock()
	if already {
		return nil
	}
	if err := t.write(Frame{Action: ActionSubscribe, Topic: topic, QoS: qos}); err != nil {
		return err
	}
	t.mu.Lock()
	t.subscribed[topic] = true
	t.mu.Unlock()
	return nil
}

func (t *Transport) Unsubscribe(topics ...string) error {
	var errs []error
	for _, topic := range topics {
		if err := t.write(Frame{Action: ActionUnsubscribe, Topic: topic}); err != nil {
			errs = append(errs, err)
			continue
		}
		t.mu.Lock()
		delete(t.subscribed, topic)
		t.mu.Unlock()
	}
	return errors.Join(errs...)
}

func (t *Transport) Publish(topic string, qos byte, payload []byte) error {
	return t.write(Frame{Action: ActionPublish, Topic: topic, QoS: qos, Payload: PayloadJSON(payload)})
}

// Close sends a close frame and drops the connection without firing
// OnError.
func (t *Transport) Close() error {
	t.mu.Lock()
	conn, done := t.conn, t.done
	t.conn, t.done = nil, nil
	clear(t.subscribed)
	t.mu.Unlock()
	if conn == nil {
		return nil
	}

	close(done)
	t.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	t.writeMu.Unlock()
	return conn.Close()
}
