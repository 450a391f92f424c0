package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/qcal/livelink/pkg/connection"
	"github.com/qcal/livelink/pkg/history"
	"github.com/qcal/livelink/pkg/logging"
	"github.com/qcal/livelink/pkg/metrics"
	"github.com/qcal/livelink/pkg/pubsub"
)

// SSE stream topics besides the event names.
const (
	TopicConnection = "connection"
	TopicScope      = "scope"
)

const (
	defaultHistoryLimit = 200
	shutdownTimeout     = 5 * time.Second
)

// Connection is the part of the connection manager the gateway uses.
type Connection interface {
	Status() pubsub.ConnectionStatus
	OnStateChange(fn func(connection.State)) *pubsub.Subscription
	Subscribe(topic string, qos byte) error
	Unsubscribe(topic string) error
	Publish(topic string, qos byte, payload any) error
}

// Scope is the part of the session the gateway uses.
type Scope interface {
	Scope() string
	Topic() string
	SetScope(key string) error
	Latest() (pubsub.Envelope, bool)
	OnUpdate(fn func(pubsub.Envelope)) *pubsub.Subscription
}

// History answers the history endpoints.
type History interface {
	GroupByDate(ctx context.Context, loc *time.Location, limit int) ([]history.DateGroup, error)
	Durations(ctx context.Context, since time.Time) ([]history.DurationStats, error)
}

// Options wires the gateway to the running components. History, Metrics
// and Session may be nil.
type Options struct {
	Conn    Connection
	Hub     *pubsub.Hub[pubsub.Envelope]
	Session Scope
	History History
	Metrics *metrics.Metrics
	// Events are the hub event names streamed over SSE. Others can be
	// added later with Bridge.
	Events []string
	// JWTSecret, when set, is required from WebSocket bridge clients as ?token=.
	JWTSecret string
}

// Server re-exposes the live stream over HTTP.
type Server struct {
	router    *mux.Router
	publisher *pubsub.SSEPublisher
	conn      Connection
	hub       *pubsub.Hub[pubsub.Envelope]
	session   Scope
	history   History
	metrics   *metrics.Metrics
	jwtSecret string

	mu      sync.Mutex
	bridged map[string]*pubsub.Subscription
	closed  bool
}

// NewServer creates the gateway and starts forwarding connection state and
// scope updates to SSE streams.
func NewServer(opts Options) *Server {
	// Only the current value is replayed to new subscribers.
	ssePublisher := pubsub.NewSSEPublisher(pubsub.TopicConfig{BufferSize: 1})
	ssePublisher.ConfigureTopic(TopicConnection, pubsub.TopicConfig{BufferSize: 1})
	ssePublisher.ConfigureTopic(TopicScope, pubsub.TopicConfig{BufferSize: 1})

	s := &Server{
		router:    mux.NewRouter(),
		publisher: ssePublisher,
		conn:      opts.Conn,
		hub:       opts.Hub,
		session:   opts.Session,
		history:   opts.History,
		metrics:   opts.Metrics,
		jwtSecret: opts.JWTSecret,
		bridged:   make(map[string]*pubsub.Subscription),
	}

	s.publishState()
	s.bridged[TopicConnection] = s.conn.OnStateChange(func(connection.State) { s.publishState() })
	if s.session != nil {
		s.bridged[TopicScope] = s.session.OnUpdate(func(env pubsub.Envelope) {
			s.publish(TopicScope, "update", env)
		})
	}

	for _, event := range opts.Events {
		s.Bridge(event)
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(logging.RequestIDMiddleware)

	// SSE subscription endpoint
	s.router.HandleFunc("/api/subscribe/{event}", s.handleSubscribe).Methods("GET")

	s.router.HandleFunc("/api/state", s.handleState).Methods("GET")
	s.router.HandleFunc("/api/scope", s.handleGetScope).Methods("GET")
	s.router.HandleFunc("/api/scope", s.handlePutScope).Methods("PUT")
	s.router.HandleFunc("/api/latest", s.handleLatest).Methods("GET")
	s.router.HandleFunc("/api/publish", s.handlePublish).Methods("POST")
	s.router.HandleFunc("/api/history", s.handleHistory).Methods("GET")
	s.router.HandleFunc("/api/history/durations", s.handleDurations).Methods("GET")
	s.router.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
	s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Bridge forwards hub messages for event to the SSE stream of the same
// name. Bridging an event twice does nothing.
func (s *Server) Bridge(event string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.bridged[event] != nil {
		return
	}
	s.bridged[event] = s.hub.On(event, func(env pubsub.Envelope) {
		s.publish(event, "message", env)
	})
	logging.Debug("bridging event to SSE", "event", event)
}

func (s *Server) publishState() {
	s.publish(TopicConnection, "state", s.conn.Status())
}

func (s *Server) publish(topic, eventType string, data any) {
	if err := s.publisher.Publish(topic, eventType, data); err != nil && !errors.Is(err, pubsub.ErrPublisherClosed) {
		logging.Warn("failed to publish SSE event", "topic", topic, "error", err)
	}
}

// Start serves on addr until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("starting gateway", "url", fmt.Sprintf("http://localhost%s", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("gateway: %w", err)
	case <-ctx.Done():
	}

	// Streams are closed first so Shutdown does not wait on them.
	s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("gateway shutdown: %w", err)
	}
	return nil
}

// Close stops forwarding and ends every open SSE stream.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := s.bridged
	s.bridged = nil
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	return s.publisher.Close()
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	event := mux.Vars(r)["event"]
	if !s.streams(event) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no stream for event %q", event))
		return
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	sub, err := s.publisher.Subscribe(r.Context(), event)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer sub.Close()

	// Send initial comment to establish connection (Safari compatibility)
	fmt.Fprintf(w, ": connected\n\n")
	flush(w)

	for event := range sub.Events() {
		if err := pubsub.WriteSSE(w, event); err != nil {
			logging.DebugContext(r.Context(), "SSE client went away", "topic", sub.Topic(), "error", err)
			return
		}
		flush(w)
	}
}

// streams reports whether event has an SSE stream. Only bridged events
// do, so clients cannot grow the hub with arbitrary names.
func (s *Server) streams(event string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bridged[event] != nil
}

func flush(w http.ResponseWriter) {
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.conn.Status())
}

type scopeResponse struct {
	Scope string `json:"scope"`
	Topic string `json:"topic"`
}

func (s *Server) handleGetScope(w http.ResponseWriter, r *http.Request) {
	if s.session == nil {
		writeError(w, http.StatusServiceUnavailable, "no session")
		return
	}
	writeJSON(w, http.StatusOK, scopeResponse{Scope: s.session.Scope(), Topic: s.session.Topic()})
}

func (s *Server) handlePutScope(w http.ResponseWriter, r *http.Request) {
	if s.session == nil {
		writeError(w, http.StatusServiceUnavailable, "no session")
		return
	}
	var req struct {
		Scope string `json:"scope"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if err := s.session.SetScope(req.Scope); err != nil {
		// The scope is switched even when the transport refused the topic.
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, scopeResponse{Scope: s.session.Scope(), Topic: s.session.Topic()})
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	if s.session == nil {
		writeError(w, http.StatusServiceUnavailable, "no session")
		return
	}
	env, ok := s.session.Latest()
	if !ok {
		writeError(w, http.StatusNotFound, "no value for the current scope")
		return
	}
	writeJSON(w, http.StatusOK, env)
}

type publishRequest struct {
	Topic   string          `json:"topic"`
	QoS     byte            `json:"qos"`
	Payload json.RawMessage `json:"payload"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.Topic == "" {
		writeError(w, http.StatusBadRequest, "topic is required")
		return
	}
	if req.QoS > 2 {
		writeError(w, http.StatusBadRequest, "qos must be 0, 1 or 2")
		return
	}

	// A JSON string is published as its text, anything else as JSON.
	var payload any = req.Payload
	var text string
	if err := json.Unmarshal(req.Payload, &text); err == nil {
		payload = text
	}
	if err := s.conn.Publish(req.Topic, req.QoS, payload); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"topic": req.Topic, "qos": req.QoS})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "history is disabled")
		return
	}

	loc := time.Local
	if tz := r.URL.Query().Get("tz"); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			writeError(w, http.StatusBadRequest, "unknown time zone "+tz)
			return
		}
		loc = l
	}
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	groups, err := s.history.GroupByDate(r.Context(), loc, limit)
	if err != nil {
		logging.ErrorContext(r.Context(), "history query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "history query failed")
		return
	}
	if groups == nil {
		groups = []history.DateGroup{}
	}
	writeJSON(w, http.StatusOK, groups)
}

func (s *Server) handleDurations(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "history is disabled")
		return
	}

	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC 3339 time")
			return
		}
		since = t
	}

	stats, err := s.history.Durations(r.Context(), since)
	if err != nil {
		logging.ErrorContext(r.Context(), "duration query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "history query failed")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
