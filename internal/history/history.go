// Package history exports lifecycle events (workload starts, stops and
// crashes, camera connectivity, disk and upload escalations) to audit sinks.
package history

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type EventType string

const (
	EventStart       EventType = "start"
	EventStop        EventType = "stop"
	EventCrash       EventType = "crash"
	EventStartFailed EventType = "start_failed"
	EventConnected   EventType = "connected"
	EventDisconnect  EventType = "disconnected"
	EventCleanup     EventType = "cleanup"
	EventDiskFatal   EventType = "disk_fatal"
	EventUploadLost  EventType = "upload_failed_permanent"
)

// Event is one row in the audit trail.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Component  string    `json:"component"` // workload|capture|disk|upload
	Source     string    `json:"source"`    // workload name, camera id or file name
	PID        int       `json:"pid,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

const (
	sendTimeout = 5 * time.Second
	queueSize   = 256
)

// Recorder fans events out to sinks. Sink failures are logged, never returned,
// so auditing cannot stall the control plane.
//
// Record delivers inline. Enqueue hands the event to a background sender
// and never blocks; when the buffer is full the event is dropped with a
// warning. Close flushes the buffer.
type Recorder struct {
	sinks []Sink
	log   *slog.Logger

	mu      sync.Mutex
	queue   chan Event
	closed  bool
	drained chan struct{}
}

func NewRecorder(log *slog.Logger, sinks ...Sink) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{sinks: sinks, log: log}
}

func (r *Recorder) Record(ctx context.Context, e Event) {
	if r == nil || len(r.sinks) == 0 {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
	defer cancel()
	for _, s := range r.sinks {
		if err := s.Send(ctx, e); err != nil {
			r.log.Warn("history sink send failed", "type", e.Type, "source", e.Source, "error", err)
		}
	}
}

// Enqueue stamps e and queues it for the background sender. After Close it
// delivers inline.
func (r *Recorder) Enqueue(e Event) {
	if r == nil || len(r.sinks) == 0 {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.Record(context.Background(), e)
		return
	}
	if r.queue == nil {
		r.queue = make(chan Event, queueSize)
		r.drained = make(chan struct{})
		go r.drain(r.queue, r.drained)
	}
	select {
	case r.queue <- e:
	default:
		r.log.Warn("history queue full, event dropped", "type", e.Type, "source", e.Source)
	}
	r.mu.Unlock()
}

func (r *Recorder) drain(q <-chan Event, done chan<- struct{}) {
	defer close(done)
	for e := range q {
		r.Record(context.Background(), e)
	}
}

// Close delivers queued events and stops the background sender.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	q, done := r.queue, r.drained
	r.mu.Unlock()
	if q != nil {
		close(q)
		<-done
	}
	return nil
}
