// Package app wires the live-update components together. It owns every
// long-lived object; nothing in the module keeps package-level instances.
package app

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/qcal/livelink/pkg/api"
	"github.com/qcal/livelink/pkg/config"
	"github.com/qcal/livelink/pkg/connection"
	"github.com/qcal/livelink/pkg/history"
	"github.com/qcal/livelink/pkg/logging"
	"github.com/qcal/livelink/pkg/metrics"
	"github.com/qcal/livelink/pkg/pubsub"
	"github.com/qcal/livelink/pkg/session"
	"github.com/qcal/livelink/pkg/topic"
	"github.com/qcal/livelink/pkg/transport"
	"github.com/qcal/livelink/pkg/transport/mqtt"
	"github.com/qcal/livelink/pkg/transport/nats"
	"github.com/qcal/livelink/pkg/transport/redis"
	"github.com/qcal/livelink/pkg/transport/ws"
	"github.com/qcal/livelink/pkg/watcher"
	"github.com/qcal/livelink/pkg/web"
)

// NewTransport builds the transport selected by cfg.Kind.
func NewTransport(cfg config.TransportConfig) (transport.Transport, error) {
	switch cfg.Kind {
	case config.KindMQTT:
		return mqtt.New(mqtt.Config{
			URL:            cfg.URL,
			ClientID:       cfg.ClientID,
			Username:       cfg.Username,
			Password:       cfg.Password,
			CleanSession:   cfg.CleanSession,
			AutoReconnect:  cfg.AutoReconnect,
			ConnectTimeout: cfg.ConnectTimeout,
		}), nil
	case config.KindWS:
		return ws.New(ws.Config{
			URL:              cfg.URL,
			Token:            cfg.Token,
			JWTSecret:        cfg.JWTSecret,
			ClientID:         cfg.ClientID,
			HandshakeTimeout: cfg.ConnectTimeout,
		}), nil
	case config.KindNATS:
		return nats.New(nats.Config{
			URL:           cfg.URL,
			Name:          cfg.ClientID,
			Token:         cfg.Token,
			Username:      cfg.Username,
			Password:      cfg.Password,
			AutoReconnect: cfg.AutoReconnect,
			Timeout:       cfg.ConnectTimeout,
		}), nil
	case config.KindRedis:
		return redis.New(redis.Config{URL: cfg.URL, Password: cfg.Password}), nil
	}
	return nil, fmt.Errorf("unknown transport kind %q", cfg.Kind)
}

// Option configures an App.
type Option func(*App)

// WithTransport replaces the configured transport, for tests.
func WithTransport(t transport.Transport) Option {
	return func(a *App) { a.transport = t }
}

// App is the composition root.
type App struct {
	cfg       *config.Config
	transport transport.Transport

	Metrics *metrics.Metrics
	Hub     *pubsub.Hub[pubsub.Envelope]
	Conn    *connection.Manager
	Session *session.Session
	History *history.Store // nil when history is disabled

	recorder *history.Recorder
	recorded *pubsub.Subscription
	poller   *api.Poller

	closeOnce sync.Once
}

// New builds every component from cfg without connecting anything.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	a := &App{cfg: cfg, Metrics: metrics.New()}
	for _, opt := range opts {
		opt(a)
	}
	if a.transport == nil {
		t, err := NewTransport(cfg.Transport)
		if err != nil {
			return nil, err
		}
		a.transport = t
	}

	a.Hub = pubsub.NewHub[pubsub.Envelope](pubsub.WithPanicHandler(a.handlerPanicked))
	a.Conn = connection.New(a.transport, a.Hub, connection.Config{
		Subscriptions: cfg.Topics,
		Reconnect:     cfg.Reconnect,
	}, connection.WithMetrics(a.Metrics))
	a.Session = session.New(a.Conn, a.Hub, cfg.Session.Config, session.WithMetrics(a.Metrics))

	if cfg.History.Driver != "" {
		driver, err := history.ParseDriver(cfg.History.Driver)
		if err != nil {
			return nil, err
		}
		store, err := history.Open(history.Config{Driver: driver, DSN: cfg.History.DSN})
		if err != nil {
			return nil, err
		}
		a.History = store
		a.recorder = history.NewRecorder(store)
	}

	if cfg.API.BaseURL != "" {
		client := api.NewClient(cfg.API.BaseURL, cfg.API.Timeout).WithToken(cfg.API.Token)
		poller, err := api.NewPoller(client, a.Session, cfg.API.StatusPath, cfg.API.Interval, api.WithPollMetrics(a.Metrics))
		if err != nil {
			a.closeHistory()
			return nil, err
		}
		a.poller = poller
	}

	return a, nil
}

func (a *App) handlerPanicked(event string, recovered any) {
	a.Metrics.HandlerPanicked(event)
	logging.Error("subscriber panicked", "event", event, "panic", recovered)
	logging.Debug("subscriber panic stack", "event", event, "stack", string(debug.Stack()))
}

// Start connects and begins following the configured scope. It returns
// once dialing has started.
func (a *App) Start(ctx context.Context) error {
	if a.recorder != nil {
		a.recorded = a.recorder.Attach(a.Hub)
	}
	if err := a.Conn.Connect(ctx); err != nil {
		return err
	}
	if a.cfg.Session.Scope != "" {
		// A refused scope topic is retried on the next open.
		if err := a.Session.SetScope(a.cfg.Session.Scope); err != nil {
			logging.Warn("initial scope not subscribed yet", "scope", a.cfg.Session.Scope, "error", err)
		}
	}
	if a.poller != nil {
		if err := a.poller.Start(); err != nil {
			return err
		}
	}
	return nil
}

// Serve starts the app, the gateway and, when a config file was loaded,
// the config watcher. It blocks until ctx is cancelled or the gateway
// fails, then closes everything.
func (a *App) Serve(ctx context.Context, reload func() (*config.Config, error)) error {
	defer a.Close()
	if err := a.Start(ctx); err != nil {
		return err
	}

	opts := web.Options{
		Conn:      a.Conn,
		Hub:       a.Hub,
		Session:   a.Session,
		Metrics:   a.Metrics,
		Events:    topic.Events(a.cfg.Topics),
		JWTSecret: a.cfg.Gateway.JWTSecret,
	}
	if a.History != nil {
		opts.History = a.History
	}
	gateway := web.NewServer(opts)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return gateway.Start(gctx, a.cfg.Gateway.Addr)
	})
	if a.cfg.Path != "" && reload != nil {
		r := watcher.NewReloader(a.cfg.Path, a.cfg, reload, a.Apply)
		g.Go(func() error {
			if err := r.Run(gctx); err != nil {
				logging.Warn("config watcher stopped", "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Apply applies the live-reloadable settings of a reloaded configuration.
func (a *App) Apply(updated *config.Config, changes *watcher.ChangeAnalysis) {
	if changes.LogLevel {
		if level, err := logging.ParseLevel(updated.Log.Level); err == nil {
			logging.SetLevel(level)
			logging.Info("log level changed", "level", updated.Log.Level)
		}
	}
	if changes.Scope {
		if err := a.Session.SetScope(updated.Session.Scope); err != nil {
			logging.Warn("reloaded scope not subscribed", "scope", updated.Session.Scope, "error", err)
		}
	}
}

// Close stops polling and recording and destroys the connection.
func (a *App) Close() error {
	var errs []error
	a.closeOnce.Do(func() {
		if a.poller != nil {
			errs = append(errs, a.poller.Stop())
		}
		errs = append(errs, a.Session.Close())
		a.Conn.Destroy()
		if a.recorded != nil {
			a.recorded.Close()
		}
		if a.recorder != nil {
			errs = append(errs, a.recorder.Close())
		}
		errs = append(errs, a.closeHistory())
	})
	return errors.Join(errs...)
}

func (a *App) closeHistory() error {
	if a.History == nil {
		return nil
	}
	return a.History.Close()
}

// WaitConnected blocks until the connection is up or ctx ends.
func (a *App) WaitConnected(ctx context.Context) error {
	ready := make(chan struct{}, 1)
	sub := a.Conn.OnStateChange(func(s connection.State) {
		if s == connection.StateConnected {
			select {
			case ready <- struct{}{}:
			default:
			}
		}
	})
	defer sub.Close()

	if a.Conn.State() == connection.StateConnected {
		return nil
	}
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
