// Package session follows the live stream of one scope (typically the job
// that is currently checked out) and swaps it atomically when the scope
// changes.
package session

import (
	"sync"
	"time"

	"github.com/qcal/livelink/pkg/codec"
	"github.com/qcal/livelink/pkg/logging"
	"github.com/qcal/livelink/pkg/metrics"
	"github.com/qcal/livelink/pkg/pubsub"
	"github.com/qcal/livelink/pkg/reconcile"
	"github.com/qcal/livelink/pkg/topic"
)

const updateEvent = "update"

// Subscriber is the part of the connection manager a session needs.
type Subscriber interface {
	Subscribe(topic string, qos byte) error
	Unsubscribe(topic string) error
}

// Config selects how scope keys become topics.
type Config struct {
	Marker   string `koanf:"marker"`
	Template string `koanf:"template"`
	QoS      byte   `koanf:"qos"`
}

// Option configures a Session.
type Option func(*Session)

// WithMetrics counts scope switches.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// Session holds at most one scope-specific subscription at a time.
type Session struct {
	conn     Subscriber
	hub      *pubsub.Hub[pubsub.Envelope]
	router   topic.Router
	template string
	qos      byte
	metrics  *metrics.Metrics
	now      func() time.Time

	updates *pubsub.Hub[pubsub.Envelope]
	latest  reconcile.Cell[pubsub.Envelope]

	// switchMu serialises SetScope so transport calls for consecutive
	// switches cannot interleave. mu guards the fields below and is the
	// only lock the message handler takes.
	switchMu   sync.Mutex
	mu         sync.Mutex
	key        string
	topic      string
	handle     *pubsub.Subscription
	generation uint64
	produced   time.Time // producer timestamp of the held value, if known
}

func New(conn Subscriber, hub *pubsub.Hub[pubsub.Envelope], cfg Config, opts ...Option) *Session {
	template := cfg.Template
	if template == "" {
		template = topic.DefaultTemplate
	}
	s := &Session{
		conn:     conn,
		hub:      hub,
		router:   topic.NewRouter(cfg.Marker),
		template: template,
		qos:      cfg.QoS,
		now:      time.Now,
		updates:  pubsub.NewHub[pubsub.Envelope](),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetScope switches the session to key. An empty key stops following any
// scope. Setting the current key again does nothing.
//
// The previous scope's value is cleared before the new topic is
// subscribed, and messages for the previous scope are dropped from the
// moment SetScope takes effect.
func (s *Session) SetScope(key string) error {
	s.switchMu.Lock()
	defer s.switchMu.Unlock()

	s.mu.Lock()
	if key == s.key {
		s.mu.Unlock()
		return nil
	}
	oldKey, oldTopic, oldHandle := s.key, s.topic, s.handle
	s.generation++
	gen := s.generation
	s.latest.Reset()
	s.produced = time.Time{}

	var newTopic string
	var handle *pubsub.Subscription
	if key != "" {
		newTopic = s.router.Topic(s.template, key)
		handle = s.hub.On(topic.EventName(newTopic), s.handler(gen))
	}
	s.key, s.topic, s.handle = key, newTopic, handle
	s.mu.Unlock()

	oldHandle.Close()
	if oldTopic != "" {
		if err := s.conn.Unsubscribe(oldTopic); err != nil {
			logging.Warn("unsubscribe previous scope failed", "scope", oldKey, "topic", oldTopic, "error", err)
		}
	}

	s.metrics.ScopeSwitched()
	logging.Info("scope changed", "from", oldKey, "to", key, "topic", newTopic)

	if newTopic == "" {
		return nil
	}
	if err := s.conn.Subscribe(newTopic, s.qos); err != nil {
		logging.Error("subscribe scope failed", "scope", key, "topic", newTopic, "error", err)
		return err
	}
	return nil
}

func (s *Session) handler(gen uint64) pubsub.Handler[pubsub.Envelope] {
	return func(env pubsub.Envelope) {
		produced := producedAt(env)

		s.mu.Lock()
		if gen != s.generation || !s.router.Matches(env.Topic, s.key) {
			s.mu.Unlock()
			return
		}
		// Push messages are ordered by arrival. Producer timestamps only
		// take part when a polled value is merged against them.
		accepted := s.latest.Offer(reconcile.Version{At: env.Received, Seq: env.Seq}, env)
		if accepted {
			s.produced = produced
		}
		s.mu.Unlock()

		if accepted {
			s.updates.Emit(updateEvent, env)
		}
	}
}

// producedAt returns the producer timestamp of a known event, or the zero
// time.
func producedAt(env pubsub.Envelope) time.Time {
	ev, err := codec.Decode(env.Event, env.Raw)
	if err != nil {
		return time.Time{}
	}
	ts, _ := codec.Timestamp(ev)
	return ts
}

// Ticket identifies one period of following a scope. Switching away and
// back to the same key yields a new ticket.
type Ticket struct {
	Key        string
	Generation uint64
}

// Ticket returns the ticket of the current scope. Key is empty when no
// scope is set.
func (s *Session) Ticket() Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Ticket{Key: s.key, Generation: s.generation}
}

// Polled is a value fetched over REST.
type Polled struct {
	Sent time.Time // local time the request was sent
	At   time.Time // producer timestamp from the response, zero when absent
	Data any
}

// Merge offers a polled value. It is rejected when t is no longer the
// current ticket or the held value is newer. Two producer timestamps are
// compared when both are known; otherwise the local send time is compared
// with the local arrival time of the held value, so a push that arrived
// while the request was in flight is kept.
func (s *Session) Merge(t Ticket, p Polled) bool {
	s.mu.Lock()
	if t.Key == "" || t.Key != s.key || t.Generation != s.generation {
		s.mu.Unlock()
		return false
	}
	now := s.now()
	ver := reconcile.Version{At: p.Sent}
	if _, held, ok := s.latest.Get(); ok {
		switch {
		case !p.At.IsZero() && !s.produced.IsZero():
			if !p.At.After(s.produced) {
				s.mu.Unlock()
				return false
			}
			ver = reconcile.Version{At: now}
		case !p.Sent.After(held.At):
			s.mu.Unlock()
			return false
		}
	}
	env := pubsub.Envelope{
		Topic:    s.topic,
		Event:    topic.EventName(s.topic),
		Data:     p.Data,
		Received: now,
	}
	s.latest.Set(ver, env)
	s.produced = p.At
	s.mu.Unlock()

	s.updates.Emit(updateEvent, env)
	return true
}

// Latest returns the newest value seen for the current scope.
func (s *Session) Latest() (pubsub.Envelope, bool) {
	env, _, ok := s.latest.Get()
	return env, ok
}

// Scope returns the current scope key.
func (s *Session) Scope() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key
}

// Topic returns the scope-specific topic, empty when no scope is set.
func (s *Session) Topic() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.topic
}

// OnUpdate registers fn for every accepted value of the current scope.
func (s *Session) OnUpdate(fn func(pubsub.Envelope)) *pubsub.Subscription {
	return s.updates.On(updateEvent, fn)
}

// Close drops the scope subscription.
func (s *Session) Close() error {
	return s.SetScope("")
}
