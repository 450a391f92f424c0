package pubsub

import (
	"runtime/debug"
	"sync"

	"github.com/qcal/livelink/pkg/logging"
)

// Handler receives one emitted value.
type Handler[T any] func(T)

// PanicHandler is told about a handler that panicked during Emit.
type PanicHandler func(event string, recovered any)

// Hub is a synchronous publish/subscribe registry keyed by event name.
//
// Handlers for one event run in registration order. The handler list is
// copy-on-write, so On and Close never disturb an Emit that is already
// running.
type Hub[T any] struct {
	mu       sync.RWMutex
	handlers map[string][]*entry[T]
	anyEvent []*entry[T]
	nextID   uint64
	onPanic  PanicHandler
}

type entry[T any] struct {
	id uint64
	fn Handler[T]
}

// HubOption configures a Hub.
type HubOption func(*hubOptions)

type hubOptions struct {
	onPanic PanicHandler
}

// WithPanicHandler sets the callback invoked when a handler panics.
func WithPanicHandler(fn PanicHandler) HubOption {
	return func(o *hubOptions) { o.onPanic = fn }
}

// NewHub creates an empty hub.
func NewHub[T any](opts ...HubOption) *Hub[T] {
	o := hubOptions{onPanic: logPanic}
	for _, opt := range opts {
		opt(&o)
	}
	return &Hub[T]{
		handlers: make(map[string][]*entry[T]),
		onPanic:  o.onPanic,
	}
}

func logPanic(event string, recovered any) {
	logging.Error("subscriber panicked", "event", event, "panic", recovered)
	logging.Debug("subscriber panic stack", "event", event, "stack", string(debug.Stack()))
}

// On registers fn for event. Registering the same function twice yields two
// independent registrations. Close the returned Subscription to remove it.
func (h *Hub[T]) On(event string, fn Handler[T]) *Subscription {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	current := h.handlers[event]
	next := make([]*entry[T], len(current), len(current)+1)
	copy(next, current)
	h.handlers[event] = append(next, &entry[T]{id: id, fn: fn})
	h.mu.Unlock()

	return &Subscription{
		event:  event,
		cancel: func() { h.off(event, id) },
	}
}

// OnAny registers fn for every event, after the handlers registered for
// that event by name. It is meant for taps whose interest cannot be
// expressed as one event name, such as wildcard topic filters.
func (h *Hub[T]) OnAny(fn Handler[T]) *Subscription {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	next := make([]*entry[T], len(h.anyEvent), len(h.anyEvent)+1)
	copy(next, h.anyEvent)
	h.anyEvent = append(next, &entry[T]{id: id, fn: fn})
	h.mu.Unlock()

	return &Subscription{
		cancel: func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.anyEvent = without(h.anyEvent, id)
		},
	}
}

func (h *Hub[T]) off(event string, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	next := without(h.handlers[event], id)
	if len(next) == 0 {
		delete(h.handlers, event)
		return
	}
	h.handlers[event] = next
}

// without returns a copy of list minus the entry with id.
func without[T any](list []*entry[T], id uint64) []*entry[T] {
	for i, e := range list {
		if e.id != id {
			continue
		}
		next := make([]*entry[T], 0, len(list)-1)
		next = append(next, list[:i]...)
		return append(next, list[i+1:]...)
	}
	return list
}

// Emit delivers v to every handler registered for event, then to every
// OnAny handler, as registered when Emit was called. It returns how many
// were invoked. A panicking handler does not stop delivery to the rest.
func (h *Hub[T]) Emit(event string, v T) int {
	h.mu.RLock()
	named, tapped := h.handlers[event], h.anyEvent
	h.mu.RUnlock()

	for _, e := range named {
		h.call(event, e.fn, v)
	}
	for _, e := range tapped {
		h.call(event, e.fn, v)
	}
	return len(named) + len(tapped)
}

func (h *Hub[T]) call(event string, fn Handler[T], v T) {
	defer func() {
		if r := recover(); r != nil && h.onPanic != nil {
			h.onPanic(event, r)
		}
	}()
	fn(v)
}

// Count returns the number of handlers registered for event.
func (h *Hub[T]) Count(event string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.handlers[event])
}

// Events returns the event names that currently have handlers.
func (h *Hub[T]) Events() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.handlers))
	for name := range h.handlers {
		names = append(names, name)
	}
	return names
}

// Subscription is the handle returned by Hub.On.
type Subscription struct {
	event  string
	once   sync.Once
	cancel func()
}

// Event returns the event name the subscription was registered for.
func (s *Subscription) Event() string {
	if s == nil {
		return ""
	}
	return s.event
}

// Close removes the registration. It is safe to call more than once and
// on a nil handle.
func (s *Subscription) Close() error {
	if s == nil {
		return nil
	}
	s.once.Do(s.cancel)
	return nil
}
