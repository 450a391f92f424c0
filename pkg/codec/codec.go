// Package codec turns raw transport payloads into values.
//
// Parse is the best-effort path used for every inbound message: JSON when it
// decodes, the original text when it does not. Decode is the typed path for
// the event names the console knows about.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Parse decodes raw as JSON. Payloads that are not valid JSON are returned
// unchanged as a string. Parse never fails.
func Parse(raw []byte) any {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

// IsJSON reports whether raw would be decoded as JSON by Parse.
func IsJSON(raw []byte) bool {
	return json.Valid(bytes.TrimSpace(raw)) && len(bytes.TrimSpace(raw)) > 0
}

// Known event names.
const (
	EventJobStatus   = "job_status_update"
	EventRunStatus   = "status_updates"
	EventNodesStatus = "nodes_status_updates"
)

var (
	ErrUnknownEvent   = errors.New("unknown event")
	ErrInvalidPayload = errors.New("invalid payload")
)

// DecodeError describes why a payload could not be decoded into a typed event.
type DecodeError struct {
	Event  string
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("decode %s: %v", e.Event, e.Err)
	}
	return fmt.Sprintf("decode %s: %v: %s", e.Event, e.Err, e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Event is implemented by every typed event.
type Event interface {
	EventName() string
}

// JobStatusUpdate is published on job_status_update when a job changes state.
type JobStatusUpdate struct {
	ID        int64      `json:"id"`
	Status    string     `json:"status"`
	Message   string     `json:"message,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

func (JobStatusUpdate) EventName() string { return EventJobStatus }

// RunStatusUpdate is published on status_updates/<root>/<scope> while a run progresses.
type RunStatusUpdate struct {
	ID        int64      `json:"id"`
	Name      string     `json:"name,omitempty"`
	Status    string     `json:"status"`
	Progress  float64    `json:"progress,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

func (RunStatusUpdate) EventName() string { return EventRunStatus }

// NodeStatusUpdate is published on nodes_status_updates/<root>/<scope>/... per graph node.
type NodeStatusUpdate struct {
	Node      string     `json:"node"`
	Status    string     `json:"status"`
	Message   string     `json:"message,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

func (NodeStatusUpdate) EventName() string { return EventNodesStatus }

// Decode validates raw against the shape registered for event.
func Decode(event string, raw []byte) (Event, error) {
	switch event {
	case EventJobStatus:
		var v JobStatusUpdate
		if err := decodeInto(event, raw, &v); err != nil {
			return nil, err
		}
		if v.Status == "" {
			return nil, &DecodeError{Event: event, Reason: "missing status", Err: ErrInvalidPayload}
		}
		return v, nil
	case EventRunStatus:
		var v RunStatusUpdate
		if err := decodeInto(event, raw, &v); err != nil {
			return nil, err
		}
		if v.Status == "" {
			return nil, &DecodeError{Event: event, Reason: "missing status", Err: ErrInvalidPayload}
		}
		return v, nil
	case EventNodesStatus:
		var v NodeStatusUpdate
		if err := decodeInto(event, raw, &v); err != nil {
			return nil, err
		}
		if v.Status == "" {
			return nil, &DecodeError{Event: event, Reason: "missing status", Err: ErrInvalidPayload}
		}
		if v.Node == "" {
			return nil, &DecodeError{Event: event, Reason: "missing node", Err: ErrInvalidPayload}
		}
		return v, nil
	}
	return nil, &DecodeError{Event: event, Err: ErrUnknownEvent}
}

func decodeInto(event string, raw []byte, v any) error {
	if !IsJSON(raw) {
		return &DecodeError{Event: event, Reason: "not JSON", Err: ErrInvalidPayload}
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &DecodeError{Event: event, Reason: err.Error(), Err: ErrInvalidPayload}
	}
	return nil
}

// Timestamp returns the producer timestamp carried by a typed event, if any.
func Timestamp(ev Event) (time.Time, bool) {
	var ts *time.Time
	switch v := ev.(type) {
	case JobStatusUpdate:
		ts = v.Timestamp
	case RunStatusUpdate:
		ts = v.Timestamp
	case NodeStatusUpdate:
		ts = v.Timestamp
	}
	if ts == nil {
		return time.Time{}, false
	}
	return *ts, true
}

// Encode prepares an outbound payload. Byte slices and strings are sent
// verbatim; anything else is JSON-encoded.
func Encode(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	case json.RawMessage:
		return v, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return b, nil
}
