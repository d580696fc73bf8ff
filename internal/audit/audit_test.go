package audit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	fail   error
}

func (s *memSink) Write(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.events = append(s.events, e)
	return nil
}

func (s *memSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type dropCounter struct {
	n atomic.Int64
}

func (d *dropCounter) AuditEventDropped() { d.n.Add(1) }

func TestRecordFlushedOnClose(t *testing.T) {
	sink := &memSink{}
	rec := NewRecorder(16, []Sink{sink})

	rec.Record("login.succeeded", "idn_1", "tenant", "ten_1", map[string]any{"role": "staff"})
	rec.Record("login.failed", "", "identifier", "x@example.com", nil)
	rec.Close()

	if sink.count() != 2 {
		t.Fatalf("events = %d, want 2", sink.count())
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	e := sink.events[0]
	if e.Action != "login.succeeded" || e.ActorID != "idn_1" || e.ID == "" {
		t.Fatalf("event malformed: %+v", e)
	}
	if e.OccurredAt.IsZero() {
		t.Fatal("missing timestamp")
	}
}

func TestFailingSinkDoesNotStarveOthers(t *testing.T) {
	broken := &memSink{fail: errors.New("sink down")}
	healthy := &memSink{}
	rec := NewRecorder(16, []Sink{broken, healthy})

	rec.Record("tenant.suspended", "idn_admin", "tenant", "ten_1", nil)
	rec.Close()

	if healthy.count() != 1 {
		t.Fatalf("healthy sink got %d events, want 1", healthy.count())
	}
}

func TestFullQueueDropsAndCounts(t *testing.T) {
	// No sinks and no drain progress beyond channel capacity: overflow must
	// drop rather than block the caller.
	drops := &dropCounter{}
	block := make(chan struct{})
	slow := sinkFunc(func(ctx context.Context, _ Event) error {
		<-block
		return nil
	})
	rec := NewRecorder(1, []Sink{slow}, WithMetrics(drops))

	for i := 0; i < 50; i++ {
		rec.Record("noise", "", "", "", nil)
	}
	if drops.n.Load() == 0 {
		t.Fatal("expected drops with a saturated queue")
	}
	close(block)
	rec.Close()
}

func TestCloseIdempotent(t *testing.T) {
	rec := NewRecorder(4, nil)
	rec.Record("ping", "", "", "", nil)
	rec.Close()
	rec.Close()
}

type sinkFunc func(ctx context.Context, e Event) error

func (f sinkFunc) Write(ctx context.Context, e Event) error { return f(ctx, e) }
