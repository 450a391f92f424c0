package watcher

import (
	"context"
	"time"

	"github.com/qcal/livelink/pkg/logging"
)

// Debouncer batches rapid file system events. Editors usually produce
// several writes per save; only the settled state is interesting.
type Debouncer struct {
	input       <-chan ChangeEvent
	output      chan ChangeEvent
	quietPeriod time.Duration
	maxWait     time.Duration
}

// NewDebouncer creates a new event debouncer. A batch is flushed after
// quietPeriod without events, or maxWait after its first event.
func NewDebouncer(input <-chan ChangeEvent, quietPeriod, maxWait time.Duration) *Debouncer {
	return &Debouncer{
		input:       input,
		output:      make(chan ChangeEvent, 10),
		quietPeriod: quietPeriod,
		maxWait:     maxWait,
	}
}

// Start begins processing events with debouncing
func (d *Debouncer) Start(ctx context.Context) {
	go d.run(ctx)
}

// run processes events and applies debouncing logic
func (d *Debouncer) run(ctx context.Context) {
	defer close(d.output)

	var (
		quiet     <-chan time.Time
		deadline  <-chan time.Time
		pending   []string
		last      ChangeType
		hasEvents bool
	)

	flush := func() {
		quiet, deadline = nil, nil
		if !hasEvents {
			return
		}
		logging.Debug("flushing accumulated events", "count", len(pending))
		d.output <- ChangeEvent{Type: last, Paths: pending, Timestamp: time.Now()}
		pending = nil
		hasEvents = false
	}

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-d.input:
			if !ok {
				flush()
				return
			}
			pending = append(pending, event.Paths...)
			// The latest event decides whether the file ends up present.
			last = event.Type
			hasEvents = true

			quiet = time.After(d.quietPeriod)
			if deadline == nil {
				deadline = time.After(d.maxWait)
			}

		case <-quiet:
			flush()

		case <-deadline:
			flush()
		}
	}
}

// Output returns the channel of debounced events
func (d *Debouncer) Output() <-chan ChangeEvent {
	return d.output
}
