package audit

import (
	"context"
	"sync"
	"time"

	"skolar.io/internal/ids"
)

// Event is one audit record. Events are advisory: the security path never
// waits on them and loss under backpressure is accepted.
type Event struct {
	ID           string         `json:"id"`
	OccurredAt   time.Time      `json:"occurred_at"`
	Action       string         `json:"action"`
	ActorID      string         `json:"actor_id,omitempty"`
	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
}

// Sink receives drained events. Sink errors are counted, not propagated.
type Sink interface {
	Write(ctx context.Context, e Event) error
}

// Metrics is the counter surface for dropped events.
type Metrics interface {
	AuditEventDropped()
}

// Recorder queues events on a bounded channel drained by a single goroutine,
// so a slow sink cannot block a caller.
type Recorder struct {
	ch      chan Event
	sinks   []Sink
	metrics Metrics
	now     func() time.Time

	closeOnce sync.Once
	done      chan struct{}
}

// Option configures Recorder.
type Option func(*Recorder)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(r *Recorder) {
		if fn != nil {
			r.now = fn
		}
	}
}

// WithMetrics wires the dropped-event counter.
func WithMetrics(m Metrics) Option {
	return func(r *Recorder) { r.metrics = m }
}

// NewRecorder starts the drain goroutine. Close releases it.
func NewRecorder(queueSize int, sinks []Sink, opts ...Option) *Recorder {
	if queueSize <= 0 {
		queueSize = 1024
	}
	r := &Recorder{
		ch:    make(chan Event, queueSize),
		sinks: sinks,
		now:   time.Now,
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.drain()
	return r
}

// Record enqueues an event. It never blocks: with a full queue the event is
// dropped and counted.
func (r *Recorder) Record(action, actorID, resourceType, resourceID string, details map[string]any) {
	e := Event{
		ID:           ids.NewFor(ids.PrefixAudit),
		OccurredAt:   r.now().UTC(),
		Action:       action,
		ActorID:      actorID,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Details:      details,
	}
	select {
	case r.ch <- e:
	default:
		if r.metrics != nil {
			r.metrics.AuditEventDropped()
		}
	}
}

// Close stops accepting events and waits for the queue to flush.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		close(r.ch)
		<-r.done
	})
}

func (r *Recorder) drain() {
	defer close(r.done)
	for e := range r.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		for _, sink := range r.sinks {
			// Each sink is independent; one failing must not starve the rest.
			_ = sink.Write(ctx, e)
		}
		cancel()
	}
}
