package pubsub

import (
	"context"
	"encoding/json"
	"time"
)

// Envelope is one decoded inbound message as handed to subscribers.
type Envelope struct {
	Topic    string    `json:"topic"`    // Transport topic (e.g., "status_updates/1/j42")
	Event    string    `json:"event"`    // Routing key, the topic's first segment
	Data     any       `json:"data"`     // Parsed JSON, or the raw text when not JSON
	Raw      []byte    `json:"-"`        // Payload as received, for typed decoding
	Seq      uint64    `json:"seq"`      // Per-connection receive order
	Received time.Time `json:"received"` // Local receipt time
}

// Event represents an event on a Stream
type Event struct {
	Topic   string          `json:"topic"`   // Stream topic (e.g., "connection", "job_status_update")
	Type    string          `json:"type"`    // Event type (e.g., "state", "message")
	Data    json.RawMessage `json:"data"`    // Event payload
	Version int             `json:"version"` // Version number for ordering
}

// Stream is a channel-based subscription to one topic
type Stream interface {
	// Topic returns the subscription topic
	Topic() string

	// Events returns a channel for receiving events
	Events() <-chan Event

	// Close closes the subscription
	Close() error
}

// Publisher manages channel-based streams and event publishing
type Publisher interface {
	// Subscribe creates a new stream for a topic
	// Context cancellation will close the stream
	Subscribe(ctx context.Context, topic string) (Stream, error)

	// Publish sends an event to all streams of a topic
	Publish(topic string, eventType string, data interface{}) error

	// Close shuts down the publisher and all streams
	Close() error
}

// ConnectionStatus is published on the "connection" stream when the
// connection state changes.
type ConnectionStatus struct {
	State string    `json:"state"`           // idle, connecting, connected, error
	Since time.Time `json:"since"`           // When the state was entered
	Error string    `json:"error,omitempty"` // Last transport error, if any
}
