// Package topic maps transport topics to in-process event names and decides
// whether a topic belongs to the currently followed scope.
//
// Topics are hierarchical: "<event>/<root>/<scope>/...". Only the first
// segment is used for fan-out; scope filtering happens per session.
package topic

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// DefaultMarker identifies the scope segment inside a composite scope key.
	DefaultMarker = "/j"
	// DefaultTemplate is the scope-specific topic a session subscribes to.
	DefaultTemplate = "nodes_status_updates/1/{scope}/#"

	scopePlaceholder = "{scope}"
)

// EventName returns the first path segment of topic.
func EventName(topic string) string {
	if i := strings.IndexByte(topic, '/'); i >= 0 {
		return topic[:i]
	}
	return topic
}

// Router derives scope tokens and scope topics from scope keys.
type Router struct {
	Marker string
}

// NewRouter returns a Router using marker, or DefaultMarker when empty.
func NewRouter(marker string) Router {
	if marker == "" {
		marker = DefaultMarker
	}
	return Router{Marker: marker}
}

// Token extracts the transport-level scope token from a scope key.
//
// The token starts at the last occurrence of the marker and runs up to the
// next "/" after it. Keys without the marker use their last path segment,
// prefixed with "/".
func (r Router) Token(scopeKey string) string {
	if scopeKey == "" {
		return ""
	}
	marker := r.Marker
	if marker == "" {
		marker = DefaultMarker
	}

	idx := strings.LastIndex(scopeKey, marker)
	if idx < 0 {
		key := strings.TrimRight(scopeKey, "/")
		if i := strings.LastIndexByte(key, '/'); i >= 0 {
			key = key[i+1:]
		}
		if key == "" {
			return ""
		}
		return "/" + key
	}

	rest := scopeKey[idx:]
	if end := strings.IndexByte(rest[len(marker):], '/'); end >= 0 {
		rest = rest[:len(marker)+end]
	}
	return rest
}

// Matches reports whether topic belongs to the scope identified by scopeKey.
// An empty scope key never matches.
func (r Router) Matches(topic, scopeKey string) bool {
	if scopeKey == "" {
		return false
	}
	token := r.Token(scopeKey)
	if token == "" {
		return false
	}

	for start := 0; start < len(topic); {
		i := strings.Index(topic[start:], token)
		if i < 0 {
			return false
		}
		end := start + i + len(token)
		if end == len(topic) || topic[end] == '/' {
			return true
		}
		start += i + 1
	}
	return false
}

// Topic renders template for scopeKey. The token's leading "/" is dropped so
// templates read naturally ("status_updates/1/{scope}").
func (r Router) Topic(template, scopeKey string) string {
	token := strings.TrimPrefix(r.Token(scopeKey), "/")
	if token == "" {
		return ""
	}
	if template == "" {
		template = DefaultTemplate
	}
	return strings.ReplaceAll(template, scopePlaceholder, token)
}

// Subscription is one entry of the static topic list.
type Subscription struct {
	Topic string `koanf:"topic" json:"topic"`
	QoS   byte   `koanf:"qos" json:"qos"`
}

var ErrInvalidSubscription = errors.New("invalid subscription")

// Validate checks the topic is set and QoS is 0, 1 or 2.
func (s Subscription) Validate() error {
	if strings.TrimSpace(s.Topic) == "" {
		return fmt.Errorf("%w: empty topic", ErrInvalidSubscription)
	}
	if s.QoS > 2 {
		return fmt.Errorf("%w: topic %q has qos %d", ErrInvalidSubscription, s.Topic, s.QoS)
	}
	return nil
}

func (s Subscription) String() string {
	return fmt.Sprintf("%s@%d", s.Topic, s.QoS)
}

// Events returns the distinct event names of subs, in order of first appearance.
func Events(subs []Subscription) []string {
	seen := make(map[string]bool, len(subs))
	var names []string
	for _, s := range subs {
		name := EventName(s.Topic)
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}

// MatchFilter reports whether name is matched by an MQTT-style filter, where
// "+" matches one segment and a trailing "#" matches the rest, including
// nothing.
func MatchFilter(filter, name string) bool {
	fs := strings.Split(filter, "/")
	ns := strings.Split(name, "/")
	for i, f := range fs {
		if f == "#" {
			return i == len(fs)-1
		}
		if i >= len(ns) {
			return false
		}
		if f != "+" && f != ns[i] {
			return false
		}
	}
	return len(fs) == len(ns)
}
