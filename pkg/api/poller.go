package api

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/qcal/livelink/pkg/logging"
	"github.com/qcal/livelink/pkg/metrics"
	"github.com/qcal/livelink/pkg/session"
)

// Merger receives polled values. session.Session implements it.
type Merger interface {
	Ticket() session.Ticket
	Merge(t session.Ticket, p session.Polled) bool
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithPollMetrics counts failed polls.
func WithPollMetrics(m *metrics.Metrics) PollerOption {
	return func(p *Poller) { p.metrics = m }
}

// Poller periodically fetches the status of the current scope and merges
// it into the session, complementing push updates.
type Poller struct {
	client   *Client
	merger   Merger
	path     string
	interval time.Duration
	timeout  time.Duration
	metrics  *metrics.Metrics
	now      func() time.Time

	cron gocron.Scheduler
}

// NewPoller creates a poller for path, where "{scope}" is replaced by the
// current scope key.
func NewPoller(client *Client, merger Merger, path string, interval time.Duration, opts ...PollerOption) (*Poller, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	p := &Poller{
		client:   client,
		merger:   merger,
		path:     path,
		interval: interval,
		timeout:  interval,
		now:      time.Now,
		cron:     s,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Start schedules the poll job, running the first poll immediately.
func (p *Poller) Start() error {
	_, err := p.cron.NewJob(
		gocron.DurationJob(p.interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
			defer cancel()
			if err := p.Poll(ctx); err != nil {
				p.metrics.PollFailed()
				logging.Warn("status poll failed", "error", err)
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return fmt.Errorf("gocron.NewJob failed for status poll: %w", err)
	}
	p.cron.Start()
	logging.Info("status poller started", "path", p.path, "interval", p.interval)
	return nil
}

// Stop waits for a running poll and stops the scheduler.
func (p *Poller) Stop() error {
	if err := p.cron.Shutdown(); err != nil {
		return fmt.Errorf("failed to shut down poller: %w", err)
	}
	return nil
}

// Poll fetches the current scope once. Nothing is fetched when no scope
// is set. The response is dropped if the scope changed while the request
// was in flight, even when it changed back.
func (p *Poller) Poll(ctx context.Context) error {
	ticket := p.merger.Ticket()
	if ticket.Key == "" {
		return nil
	}

	polled := session.Polled{Sent: p.now()}
	if err := p.client.Get(ctx, p.resolve(ticket.Key), &polled.Data); err != nil {
		return err
	}
	if ts, ok := timestampOf(polled.Data); ok {
		polled.At = ts
	}
	if !p.merger.Merge(ticket, polled) {
		logging.Debug("polled status dropped", "scope", ticket.Key)
	}
	return nil
}

func (p *Poller) resolve(scope string) string {
	return strings.ReplaceAll(p.path, "{scope}", url.PathEscape(scope))
}

func timestampOf(data any) (time.Time, bool) {
	obj, ok := data.(map[string]any)
	if !ok {
		return time.Time{}, false
	}
	for _, key := range []string{"timestamp", "updated_at", "updatedAt"} {
		s, ok := obj[key].(string)
		if !ok {
			continue
		}
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}
