package web

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/qcal/livelink/pkg/logging"
	"github.com/qcal/livelink/pkg/pubsub"
	"github.com/qcal/livelink/pkg/topic"
	"github.com/qcal/livelink/pkg/transport/ws"
)

const (
	// writeWait is the maximum time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// pongWait is how long the bridge waits for a pong after a ping.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxFrameSize = 1024 * 1024

	// sendBufferSize is the per-client outbound queue. Frames beyond it are
	// dropped for that client.
	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// bridgeClient is one WebSocket peer speaking the ws transport's frame
// protocol. Its subscriptions are forwarded to the connection manager, so a
// livelink process can act as the gateway for other ws clients.
type bridgeClient struct {
	srv  *Server
	conn *websocket.Conn
	send chan ws.Frame
	done chan struct{}

	mu      sync.Mutex
	filters map[string]*pubsub.Subscription
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.jwtSecret != "" {
		claims, err := ws.ParseToken(r.URL.Query().Get("token"), s.jwtSecret)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		logging.DebugContext(r.Context(), "bridge client authenticated", "subject", claims.Subject, "clientId", claims.ClientID)
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.WarnContext(r.Context(), "websocket upgrade failed", "error", err)
		return
	}

	c := &bridgeClient{
		srv:     s,
		conn:    conn,
		send:    make(chan ws.Frame, sendBufferSize),
		done:    make(chan struct{}),
		filters: make(map[string]*pubsub.Subscription),
	}
	logging.Info("bridge client connected", "remoteAddr", r.RemoteAddr)
	go c.writePump()
	c.readPump()
	logging.Info("bridge client disconnected", "remoteAddr", r.RemoteAddr)
}

func (c *bridgeClient) readPump() {
	defer c.cleanup()

	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var frame ws.Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				logging.Warn("bridge client closed unexpectedly", "error", err)
			}
			return
		}
		c.handle(frame)
	}
}

func (c *bridgeClient) handle(frame ws.Frame) {
	switch frame.Action {
	case ws.ActionSubscribe:
		c.subscribe(frame.Topic, frame.QoS)
	case ws.ActionUnsubscribe:
		c.unsubscribe(frame.Topic)
	case ws.ActionPublish:
		if err := c.srv.conn.Publish(frame.Topic, frame.QoS, ws.PayloadBytes(frame.Payload)); err != nil {
			logging.Warn("bridge publish failed", "topic", frame.Topic, "error", err)
		}
	default:
		logging.Debug("ignoring bridge frame", "action", frame.Action, "topic", frame.Topic)
	}
}

func (c *bridgeClient) subscribe(filter string, qos byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.filters[filter] != nil {
		return
	}
	if err := c.srv.conn.Subscribe(filter, qos); err != nil {
		logging.Warn("bridge subscribe failed", "topic", filter, "error", err)
		return
	}
	forward := func(env pubsub.Envelope) {
		if topic.MatchFilter(filter, env.Topic) {
			c.deliver(ws.Frame{Topic: env.Topic, Payload: ws.PayloadJSON(env.Raw)})
		}
	}
	// A filter that starts with a wildcard spans event names.
	switch event := topic.EventName(filter); event {
	case "+", "#":
		c.filters[filter] = c.srv.hub.OnAny(forward)
	default:
		c.filters[filter] = c.srv.hub.On(event, forward)
	}
}

func (c *bridgeClient) unsubscribe(filter string) {
	c.mu.Lock()
	sub := c.filters[filter]
	delete(c.filters, filter)
	c.mu.Unlock()
	if sub == nil {
		return
	}
	sub.Close()
	if err := c.srv.conn.Unsubscribe(filter); err != nil {
		logging.Warn("bridge unsubscribe failed", "topic", filter, "error", err)
	}
}

// deliver runs on the transport's delivery goroutine and never blocks.
func (c *bridgeClient) deliver(frame ws.Frame) {
	select {
	case <-c.done:
	case c.send <- frame:
	default:
		logging.Warn("bridge client too slow, dropping frame", "topic", frame.Topic)
	}
}

func (c *bridgeClient) cleanup() {
	close(c.done)
	c.mu.Lock()
	filters := c.filters
	c.filters = nil
	c.mu.Unlock()

	for filter, sub := range filters {
		sub.Close()
		if err := c.srv.conn.Unsubscribe(filter); err != nil {
			logging.Debug("bridge unsubscribe on close failed", "topic", filter, "error", err)
		}
	}
	c.conn.Close()
}

// writePump is the only goroutine writing to conn.
func (c *bridgeClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(frame); err != nil {
				logging.Debug("bridge write failed", "error", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
