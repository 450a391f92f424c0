package pubsub

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"
)

func TestEventBuffer(t *testing.T) {
	pub := NewSSEPublisher(TopicConfig{})
	defer pub.Close()

	pub.ConfigureTopic("job_status_update", TopicConfig{
		BufferSize: 3,
		ReplayAll:  true,
	})

	for i := 1; i <= 5; i++ {
		if err := pub.Publish("job_status_update", "message", map[string]int{"id": i}); err != nil {
			t.Fatalf("Failed to publish event %d: %v", i, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	stream, err := pub.Subscribe(ctx, "job_status_update")
	if err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	defer stream.Close()

	// Should receive the last 3 events (3, 4, 5)
	for received := 1; received <= 3; received++ {
		select {
		case event := <-stream.Events():
			if want := received + 2; event.Version != want {
				t.Errorf("Expected version %d, got %d", want, event.Version)
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("Timeout waiting for event %d", received)
		}
	}
}

func TestReplayLastOnly(t *testing.T) {
	pub := NewSSEPublisher(TopicConfig{BufferSize: 5})
	defer pub.Close()

	for i := 1; i <= 3; i++ {
		if err := pub.Publish("connection", "state", ConnectionStatus{State: "connecting"}); err != nil {
			t.Fatalf("Failed to publish event %d: %v", i, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	stream, err := pub.Subscribe(ctx, "connection")
	if err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	defer stream.Close()

	select {
	case event := <-stream.Events():
		if event.Version != 3 {
			t.Errorf("Expected version 3, got %d", event.Version)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Timeout waiting for event")
	}

	select {
	case event := <-stream.Events():
		t.Errorf("Received unexpected extra event version %d", event.Version)
	case <-time.After(50 * time.Millisecond):
	}

	latest, ok := pub.Latest("connection")
	if !ok || latest.Version != 3 {
		t.Errorf("Latest() = %+v, %v; want version 3", latest, ok)
	}
}

func TestNoBuffer(t *testing.T) {
	pub := NewSSEPublisher(TopicConfig{})
	defer pub.Close()

	for i := 1; i <= 3; i++ {
		if err := pub.Publish("status_updates", "message", map[string]int{"num": i}); err != nil {
			t.Fatalf("Failed to publish event %d: %v", i, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	stream, err := pub.Subscribe(ctx, "status_updates")
	if err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	defer stream.Close()

	select {
	case event := <-stream.Events():
		t.Errorf("Received unexpected replayed event version %d", event.Version)
	case <-time.After(50 * time.Millisecond):
	}

	if err := pub.Publish("status_updates", "message", map[string]int{"num": 4}); err != nil {
		t.Fatalf("Failed to publish new event: %v", err)
	}

	select {
	case event := <-stream.Events():
		if event.Version != 4 {
			t.Errorf("Expected version 4, got %d", event.Version)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Timeout waiting for new event")
	}
}

func TestStreamClosedOnContextCancel(t *testing.T) {
	pub := NewSSEPublisher(TopicConfig{})
	defer pub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := pub.Subscribe(ctx, "job_status_update")
	if err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	cancel()

	select {
	case _, ok := <-stream.Events():
		if ok {
			t.Error("Expected closed channel after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("Stream was not closed after context cancel")
	}
}

func TestPublishAfterClose(t *testing.T) {
	pub := NewSSEPublisher(TopicConfig{})
	stream, err := pub.Subscribe(context.Background(), "x")
	if err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	pub.Close()

	if _, ok := <-stream.Events(); ok {
		t.Error("Expected stream to be closed with the publisher")
	}
	if err := stream.Close(); err != nil {
		t.Errorf("Close after publisher close: %v", err)
	}
	if err := pub.Publish("x", "message", 1); err != ErrPublisherClosed {
		t.Errorf("Publish after Close = %v, want ErrPublisherClosed", err)
	}
	if _, err := pub.Subscribe(context.Background(), "x"); err != ErrPublisherClosed {
		t.Errorf("Subscribe after Close = %v, want ErrPublisherClosed", err)
	}
}

func TestWriteSSE(t *testing.T) {
	var buf bytes.Buffer
	err := WriteSSE(&buf, Event{Topic: "connection", Type: "state", Data: []byte(`{"state":"connected"}`), Version: 2})
	if err != nil {
		t.Fatalf("WriteSSE: %v", err)
	}

	out := buf.String()
	if !strings.HasPrefix(out, "event: state\nid: 2\ndata: {") {
		t.Errorf("unexpected frame %q", out)
	}
	if !strings.HasSuffix(out, "\n\n") {
		t.Errorf("frame must end with a blank line: %q", out)
	}
}
