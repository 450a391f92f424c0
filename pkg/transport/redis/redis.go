// Package redis implements transport.Transport on Redis pub/sub.
//
// Topics are used as channel names unchanged. Topic filters containing
// "+" or "#" become PSUBSCRIBE glob patterns, where both wildcards map to
// "*" (a glob "*" also matches "/").
package redis

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/qcal/livelink/pkg/logging"
	"github.com/qcal/livelink/pkg/transport"
)

const operationTimeout = 5 * time.Second

// Config describes the Redis server. URL uses the redis:// or rediss://
// scheme understood by go-redis.
type Config struct {
	URL      string
	Password string
}

// Transport is a Redis pub/sub transport.Transport.
type Transport struct {
	cfg Config

	mu       sync.Mutex
	listener transport.Listener
	client   *goredis.Client
	pubsub   *goredis.PubSub
	topics   map[string]bool
}

var _ transport.Transport = (*Transport)(nil)

func New(cfg Config) *Transport {
	return &Transport{cfg: cfg, topics: make(map[string]bool)}
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

// Pattern converts an MQTT-style filter to a glob, reporting whether it
// contains wildcards.
func Pattern(topic string) (string, bool) {
	if !strings.ContainsAny(topic, "+#") {
		return topic, false
	}
	parts := strings.Split(topic, "/")
	for i, p := range parts {
		if p == "+" || p == "#" {
			parts[i] = "*"
		}
	}
	return strings.Join(parts, "/"), true
}

func (t *Transport) Connect(ctx context.Context) error {
	opts, err := goredis.ParseURL(t.cfg.URL)
	if err != nil {
		return fmt.Errorf("transport/redis: invalid url: %w", err)
	}
	if t.cfg.Password != "" {
		opts.Password = t.cfg.Password
	}

	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("transport/redis: ping %s: %w", opts.Addr, err)
	}
	ps := client.Subscribe(ctx)

	t.mu.Lock()
	t.client = client
	t.pubsub = ps
	clear(t.topics)
	t.mu.Unlock()

	go t.receive(ps)

	logging.Debug("redis connected", "addr", opts.Addr)
	t.currentListener().Open()
	return nil
}

// receive drains the pub/sub channel until it is closed. go-redis
// reconnects the subscription internally.
func (t *Transport) receive(ps *goredis.PubSub) {
	for msg := range ps.Channel() {
		t.currentListener().Message(msg.Channel, []byte(msg.Payload))
	}
}

func (t *Transport) active() (*goredis.Client, *goredis.PubSub, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return nil, nil, transport.ErrNotConnected
	}
	return t.client, t.pubsub, nil
}

func (t *Transport) Subscribe(topic string, qos byte) error {
	_, ps, err := t.active()
	if err != nil {
		return err
	}
	t.mu.Lock()
	already := t.topics[topic]
	t.mu.Unlock()
	if already {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()
	pattern, glob := Pattern(topic)
	if glob {
		err = ps.PSubscribe(ctx, pattern)
	} else {
		err = ps.Subscribe(ctx, pattern)
	}
	if err != nil {
		return fmt.Errorf("transport/redis: subscribe %s: %w", topic, err)
	}

	t.mu.Lock()
	t.topics[topic] = true
	t.mu.Unlock()
	return nil
}

func (t *Transport) Unsubscribe(topics ...string) error {
	_, ps, err := t.active()
	if err != nil {
		return err
	}
	var channels, patterns []string
	for _, topic := range topics {
		if p, glob := Pattern(topic); glob {
			patterns = append(patterns, p)
		} else {
			channels = append(channels, p)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()
	if len(channels) > 0 {
		if err := ps.Unsubscribe(ctx, channels...); err != nil {
			return fmt.Errorf("transport/redis: unsubscribe: %w", err)
		}
	}
	if len(patterns) > 0 {
		if err := ps.PUnsubscribe(ctx, patterns...); err != nil {
			return fmt.Errorf("transport/redis: punsubscribe: %w", err)
		}
	}

	t.mu.Lock()
	for _, topic := range topics {
		delete(t.topics, topic)
	}
	t.mu.Unlock()
	return nil
}

func (t *Transport) Publish(topic string, qos byte, payload []byte) error {
	client, _, err := t.active()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()
	if err := client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("transport/redis: publish %s: %w", topic, err)
	}
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	client, ps := t.client, t.pubsub
	t.client, t.pubsub = nil, nil
	clear(t.topics)
	t.mu.Unlock()

	if client == nil {
		return nil
	}
	if err := ps.Close(); err != nil {
		logging.Debug("redis pubsub close failed", "error", err)
	}
	return client.Close()
}
