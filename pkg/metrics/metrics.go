package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "livelink"

// Metrics holds the live-update collectors on a private registry.
// All methods are safe on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	messagesReceived *prometheus.CounterVec
	handlerPanics    *prometheus.CounterVec
	payloadFallback  prometheus.Counter
	subscribeErrors  prometheus.Counter
	publishErrors    prometheus.Counter
	reconnects       prometheus.Counter
	connectionState  prometheus.Gauge
	scopeSwitches    prometheus.Counter
	pollErrors       prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{registry: reg}

	m.messagesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_received_total",
		Help:      "Inbound transport messages by event name.",
	}, []string{"event"})
	m.handlerPanics = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "handler_panics_total",
		Help:      "Subscriber handlers that panicked during delivery.",
	}, []string{"event"})
	m.payloadFallback = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payload_fallback_total",
		Help:      "Inbound payloads delivered as raw text because they were not JSON.",
	})
	m.subscribeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "subscribe_errors_total",
		Help:      "Failed topic subscribe or unsubscribe calls.",
	})
	m.publishErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "publish_errors_total",
		Help:      "Failed publish calls.",
	})
	m.reconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconnects_total",
		Help:      "Reconnect attempts after a transport error.",
	})
	m.connectionState = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connection_state",
		Help:      "Connection state: 0 idle, 1 connecting, 2 connected, 3 error.",
	})
	m.scopeSwitches = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scope_switches_total",
		Help:      "Scope changes applied by subscription sessions.",
	})
	m.pollErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "poll_errors_total",
		Help:      "Failed REST status polls.",
	})

	reg.MustRegister(
		m.messagesReceived,
		m.handlerPanics,
		m.payloadFallback,
		m.subscribeErrors,
		m.publishErrors,
		m.reconnects,
		m.connectionState,
		m.scopeSwitches,
		m.pollErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) MessageReceived(event string, fallback bool) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(event).Inc()
	if fallback {
		m.payloadFallback.Inc()
	}
}

func (m *Metrics) HandlerPanicked(event string) {
	if m == nil {
		return
	}
	m.handlerPanics.WithLabelValues(event).Inc()
}

func (m *Metrics) SubscribeFailed() {
	if m == nil {
		return
	}
	m.subscribeErrors.Inc()
}

func (m *Metrics) PublishFailed() {
	if m == nil {
		return
	}
	m.publishErrors.Inc()
}

func (m *Metrics) Reconnecting() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) SetConnectionState(state int) {
	if m == nil {
		return
	}
	m.connectionState.Set(float64(state))
}

func (m *Metrics) ScopeSwitched() {
	if m == nil {
		return
	}
	m.scopeSwitches.Inc()
}

func (m *Metrics) PollFailed() {
	if m == nil {
		return
	}
	m.pollErrors.Inc()
}
