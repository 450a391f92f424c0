package topic

import (
	"errors"
	"reflect"
	"testing"
)

func TestEventName(t *testing.T) {
	tests := []struct {
		topic string
		want  string
	}{
		{"job_status_update", "job_status_update"},
		{"status_updates/1/abc", "status_updates"},
		{"nodes_status_updates/1/j42/sub", "nodes_status_updates"},
		{"/leading", ""},
		{"", ""},
	}

	for _, tt := range tests {
		if got := EventName(tt.topic); got != tt.want {
			t.Errorf("EventName(%q) = %q, want %q", tt.topic, got, tt.want)
		}
	}
}

func TestToken(t *testing.T) {
	r := NewRouter("")

	tests := []struct {
		key  string
		want string
	}{
		{"proj/j42/workflow", "/j42"},
		{"proj/j42", "/j42"},
		{"a/j1/b/j7/c", "/j7"},
		{"42", "/42"},
		{"proj/run-9/", "/run-9"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := r.Token(tt.key); got != tt.want {
			t.Errorf("Token(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestTokenCustomMarker(t *testing.T) {
	r := NewRouter("#")
	if got := r.Token("snapshots#17/nodes"); got != "#17" {
		t.Errorf("Token() = %q, want %q", got, "#17")
	}
}

func TestMatches(t *testing.T) {
	r := NewRouter(DefaultMarker)

	tests := []struct {
		name  string
		topic string
		key   string
		want  bool
	}{
		{"nested topic", "nodes_status_updates/1/j42/sub", "proj/j42/workflow", true},
		{"topic ends with token", "status_updates/1/j42", "proj/j42", true},
		{"other scope", "nodes_status_updates/1/j43/sub", "proj/j42/workflow", false},
		{"prefix of longer id", "nodes_status_updates/1/j420/sub", "proj/j42/workflow", false},
		{"later occurrence", "x/j420/y/j42", "proj/j42", true},
		{"no scope", "nodes_status_updates/1/j42/sub", "", false},
		{"no scope on bare topic", "job_status_update", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.Matches(tt.topic, tt.key); got != tt.want {
				t.Errorf("Matches(%q, %q) = %v, want %v", tt.topic, tt.key, got, tt.want)
			}
		})
	}
}

func TestTopic(t *testing.T) {
	r := NewRouter("")

	if got := r.Topic("", "proj/j42/workflow"); got != "nodes_status_updates/1/j42/#" {
		t.Errorf("Topic(default) = %q", got)
	}
	if got := r.Topic("status_updates/1/{scope}", "7"); got != "status_updates/1/7" {
		t.Errorf("Topic(custom) = %q", got)
	}
	if got := r.Topic("", ""); got != "" {
		t.Errorf("Topic(empty key) = %q, want empty", got)
	}

	scoped := r.Topic("", "proj/j42/workflow")
	if !r.Matches("nodes_status_updates/1/j42/node_a", "proj/j42/workflow") {
		t.Errorf("messages under %q should match their scope", scoped)
	}
}

func TestSubscriptionValidate(t *testing.T) {
	tests := []struct {
		sub     Subscription
		wantErr bool
	}{
		{Subscription{Topic: "job_status_update", QoS: 0}, false},
		{Subscription{Topic: "nodes_status_updates/1/#", QoS: 2}, false},
		{Subscription{Topic: "  ", QoS: 0}, true},
		{Subscription{Topic: "x", QoS: 3}, true},
	}

	for _, tt := range tests {
		err := tt.sub.Validate()
		if (err != nil) != tt.wantErr {
			t.Errorf("Validate(%v) error = %v, wantErr %v", tt.sub, err, tt.wantErr)
		}
		if err != nil && !errors.Is(err, ErrInvalidSubscription) {
			t.Errorf("Validate(%v) error should wrap ErrInvalidSubscription", tt.sub)
		}
	}
}

func TestEvents(t *testing.T) {
	subs := []Subscription{
		{Topic: "nodes_status_updates/1/#", QoS: 0},
		{Topic: "job_status_update", QoS: 1},
		{Topic: "nodes_status_updates/2/#", QoS: 0},
	}
	want := []string{"nodes_status_updates", "job_status_update"}
	if got := Events(subs); !reflect.DeepEqual(got, want) {
		t.Errorf("Events() = %v, want %v", got, want)
	}
}

func TestMatchFilter(t *testing.T) {
	tests := []struct {
		filter, name string
		want         bool
	}{
		{"job_status_update", "job_status_update", true},
		{"job_status_update", "job_status_update/1", false},
		{"status_updates/#", "status_updates/1/j42", true},
		{"status_updates/#", "status_updates", true},
		{"status_updates/+/j42", "status_updates/1/j42", true},
		{"status_updates/+/j42", "status_updates/1/j43", false},
		{"status_updates/+", "status_updates/1/j42", false},
		{"#", "anything/at/all", true},
		{"a/#/b", "a/x/b", false},
	}

	for _, tt := range tests {
		if got := MatchFilter(tt.filter, tt.name); got != tt.want {
			t.Errorf("MatchFilter(%q, %q) = %v, want %v", tt.filter, tt.name, got, tt.want)
		}
	}
}
