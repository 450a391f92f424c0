package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/qcal/livelink/pkg/logging"
)

// ErrPublisherClosed is returned after Close.
var ErrPublisherClosed = errors.New("publisher is closed")

// TopicConfig configures buffering behavior for a topic
type TopicConfig struct {
	BufferSize int  // Number of events to buffer (0 = no buffering)
	ReplayAll  bool // If true, replay all buffered events; if false, only replay last event
}

// streamBuffer is the per-stream channel capacity.
const streamBuffer = 100

// SSEPublisher implements Publisher for Server-Sent Event streams
type SSEPublisher struct {
	mu          sync.RWMutex
	streams     map[string]map[*sseStream]bool // topic -> set of streams
	version     map[string]int                 // topic -> version counter
	eventBuffer map[string][]Event             // topic -> ring buffer of events
	topicConfig map[string]TopicConfig         // topic -> configuration
	defaults    TopicConfig                    // used for topics without explicit config
	closed      bool
}

// NewSSEPublisher creates a new SSE publisher. defaults applies to topics
// that were never passed to ConfigureTopic.
func NewSSEPublisher(defaults TopicConfig) *SSEPublisher {
	return &SSEPublisher{
		streams:     make(map[string]map[*sseStream]bool),
		version:     make(map[string]int),
		eventBuffer: make(map[string][]Event),
		topicConfig: make(map[string]TopicConfig),
		defaults:    defaults,
	}
}

// ConfigureTopic sets buffering configuration for a topic
func (p *SSEPublisher) ConfigureTopic(topic string, config TopicConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topicConfig[topic] = config
}

func (p *SSEPublisher) configFor(topic string) TopicConfig {
	if cfg, ok := p.topicConfig[topic]; ok {
		return cfg
	}
	return p.defaults
}

// Subscribe creates a new stream for a topic
func (p *SSEPublisher) Subscribe(ctx context.Context, topic string) (Stream, error) {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()
		return nil, ErrPublisherClosed
	}

	s := &sseStream{
		topic:     topic,
		events:    make(chan Event, streamBuffer),
		finished:  make(chan struct{}),
		publisher: p,
	}

	if p.streams[topic] == nil {
		p.streams[topic] = make(map[*sseStream]bool)
	}
	p.streams[topic][s] = true

	// Replay while still holding the lock so no newer event can overtake
	// the buffered ones.
	config := p.configFor(topic)
	buffered := p.eventBuffer[topic]
	if len(buffered) > 0 {
		replay := buffered
		if !config.ReplayAll {
			replay = buffered[len(buffered)-1:]
		}
		for _, event := range replay {
			select {
			case s.events <- event:
			default:
				logging.Warn("could not replay event to new stream", "topic", topic)
			}
		}
		logging.Debug("replayed events to new stream", "topic", topic, "count", len(replay))
	}

	p.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.finished:
		}
	}()

	return s, nil
}

// Publish sends an event to all streams of a topic
func (p *SSEPublisher) Publish(topic string, eventType string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPublisherClosed
	}

	p.version[topic]++
	event := Event{
		Topic:   topic,
		Type:    eventType,
		Data:    jsonData,
		Version: p.version[topic],
	}

	config := p.configFor(topic)
	if config.BufferSize > 0 {
		buffer := append(p.eventBuffer[topic], event)
		if len(buffer) > config.BufferSize {
			buffer = buffer[len(buffer)-config.BufferSize:]
		}
		p.eventBuffer[topic] = buffer
	}

	// Non-blocking: a slow reader loses events rather than stalling the hub.
	for s := range p.streams[topic] {
		select {
		case s.events <- event:
		default:
			logging.Warn("stream channel full, dropping event", "topic", topic, "version", event.Version)
		}
	}

	return nil
}

// Latest returns the most recent buffered event for topic.
func (p *SSEPublisher) Latest(topic string) (Event, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	buffer := p.eventBuffer[topic]
	if len(buffer) == 0 {
		return Event{}, false
	}
	return buffer[len(buffer)-1], true
}

// Close shuts down the publisher and all streams
func (p *SSEPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	for _, streams := range p.streams {
		for s := range streams {
			s.finish()
		}
	}
	p.streams = make(map[string]map[*sseStream]bool)

	return nil
}

// unsubscribe removes a stream (called by stream.Close())
func (p *SSEPublisher) unsubscribe(s *sseStream) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if streams := p.streams[s.topic]; streams != nil {
		if streams[s] {
			delete(streams, s)
			s.finish()
		}
		if len(streams) == 0 {
			delete(p.streams, s.topic)
		}
	}
}

// sseStream implements Stream
type sseStream struct {
	topic     string
	events    chan Event
	publisher *SSEPublisher
	closeOnce sync.Once
	finished  chan struct{}
}

// finish closes the event channel; callers hold the publisher lock.
func (s *sseStream) finish() {
	select {
	case <-s.finished:
	default:
		close(s.finished)
		close(s.events)
	}
}

// Topic returns the stream topic
func (s *sseStream) Topic() string {
	return s.topic
}

// Events returns a channel for receiving events. It is closed when the
// stream or the publisher is closed.
func (s *sseStream) Events() <-chan Event {
	return s.events
}

// Close closes the stream
func (s *sseStream) Close() error {
	s.closeOnce.Do(func() {
		s.publisher.unsubscribe(s)
	})
	return nil
}

// WriteSSE writes an event to an SSE response writer
// Format: "event: <type>\nid: <version>\ndata: {json}\n\n"
func WriteSSE(w io.Writer, event Event) error {
	jsonData, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if event.Type != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event.Type); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "id: %d\ndata: %s\n\n", event.Version, jsonData)
	return err
}
