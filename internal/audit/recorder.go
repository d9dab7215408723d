package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	defaultQueueSize    = 1024
	defaultWriteTimeout = 5 * time.Second

	// QueueSinkName labels events dropped because the queue was full.
	QueueSinkName = "queue"
)

// Sink persists audit events.
type Sink interface {
	Name() string
	Write(ctx context.Context, ev Event) error
	Close() error
}

// MetricsInterface defines metrics methods needed by the recorder
type MetricsInterface interface {
	AuditErrorInc(sink string)
}

// Recorder queues events and writes them to every sink from a single
// background worker, so sink latency never reaches the request path.
type Recorder struct {
	sinks        []Sink
	metrics      MetricsInterface
	queue        chan Event
	writeTimeout time.Duration

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewRecorder starts a recorder over sinks. With no sinks, Record is a no-op.
func NewRecorder(metrics MetricsInterface, sinks ...Sink) *Recorder {
	r := &Recorder{
		sinks:        sinks,
		metrics:      metrics,
		queue:        make(chan Event, defaultQueueSize),
		writeTimeout: defaultWriteTimeout,
		done:         make(chan struct{}),
	}
	go r.run()
	return r
}

// Record enqueues ev without blocking. Events are dropped, logged and counted
// when the queue is full or the recorder is closed.
func (r *Recorder) Record(ev Event) {
	if len(r.sinks) == 0 {
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		log.Warn().EmbedObject(ev).Msg("Audit recorder closed, dropping event")
		return
	}

	select {
	case r.queue <- ev:
	default:
		log.Warn().EmbedObject(ev).Msg("Audit queue full, dropping event")
		if r.metrics != nil {
			r.metrics.AuditErrorInc(QueueSinkName)
		}
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for ev := range r.queue {
		r.write(ev)
	}
}

func (r *Recorder) write(ev Event) {
	for _, s := range r.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
		err := s.Write(ctx, ev)
		cancel()
		if err != nil {
			log.Error().
				Err(err).
				Str("sink", s.Name()).
				EmbedObject(ev).
				Msg("Failed to write audit event")
			if r.metrics != nil {
				r.metrics.AuditErrorInc(s.Name())
			}
		}
	}
}

// Close drains queued events, waiting at most until ctx is done, then closes
// every sink.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	var errs []error
	select {
	case <-r.done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
		log.Warn().Int("pending", len(r.queue)).Msg("Audit drain interrupted")
	}

	for _, s := range r.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
