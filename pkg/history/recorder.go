package history

import (
	"context"
	"sync"
	"time"

	"github.com/qcal/livelink/pkg/codec"
	"github.com/qcal/livelink/pkg/logging"
	"github.com/qcal/livelink/pkg/pubsub"
)

const (
	defaultQueueSize = 256
	writeTimeout     = 5 * time.Second
)

// Recorder persists job status updates delivered on a hub. Hub handlers run
// on the transport's delivery goroutine, so records are queued and written
// by a separate goroutine.
type Recorder struct {
	store *Store
	queue chan JobStatusRecord

	wg sync.WaitGroup
	// mu orders enqueues against Close: once closed is set no record
	// enters the queue, so the final drain sees everything accepted.
	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewRecorder(store *Store) *Recorder {
	return &Recorder{
		store: store,
		queue: make(chan JobStatusRecord, defaultQueueSize),
		done:  make(chan struct{}),
	}
}

// Attach registers the recorder on hub and starts the writer. Close the
// returned subscription to stop receiving updates.
func (r *Recorder) Attach(hub *pubsub.Hub[pubsub.Envelope]) *pubsub.Subscription {
	r.wg.Add(1)
	go r.run()
	return hub.On(codec.EventJobStatus, r.handle)
}

func (r *Recorder) handle(env pubsub.Envelope) {
	ev, err := codec.Decode(env.Event, env.Raw)
	if err != nil {
		logging.Warn("skipping job status update", "topic", env.Topic, "error", err)
		return
	}
	job := ev.(codec.JobStatusUpdate)
	at := env.Received
	if ts, ok := codec.Timestamp(job); ok {
		at = ts
	}
	rec := JobStatusRecord{
		JobID:      job.ID,
		Status:     job.Status,
		Message:    job.Message,
		Topic:      env.Topic,
		ReceivedAt: at.UTC(),
	}
	r.enqueue(rec)
}

// enqueue never blocks. It reports whether rec will be written.
func (r *Recorder) enqueue(rec JobStatusRecord) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		logging.Debug("recorder closed, dropping update", "jobId", rec.JobID, "status", rec.Status)
		return false
	}
	select {
	case r.queue <- rec:
		return true
	default:
		logging.Warn("history queue full, dropping update", "jobId", rec.JobID, "status", rec.Status)
		return false
	}
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for {
		select {
		case rec := <-r.queue:
			r.write(rec)
		case <-r.done:
			// Drain what was queued before Close.
			for {
				select {
				case rec := <-r.queue:
					r.write(rec)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(rec JobStatusRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := r.store.Record(ctx, &rec); err != nil {
		logging.Error("failed to record job status", "jobId", rec.JobID, "error", err)
		return
	}
	logging.Trace("recorded job status", "id", rec.ID, "jobId", rec.JobID, "status", rec.Status)
}

// Close flushes queued records and stops the writer.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.done)
	}
	r.mu.Unlock()
	r.wg.Wait()
	return nil
}
