// Package supervisor time-gates workloads and drives the periodic disk and
// upload tasks from one coordinator goroutine.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/camwarden/internal/history"
	"github.com/loykin/camwarden/internal/metrics"
	"github.com/loykin/camwarden/internal/timewindow"
	"github.com/loykin/camwarden/internal/workload"
)

// ErrFatal marks a task error that must end the daemon.
var ErrFatal = errors.New("fatal condition")

// Entry pairs a workload with its activation policy.
type Entry struct {
	Workload   workload.Workload
	Activation timewindow.Activation
}

type Options struct {
	TickInterval time.Duration
	StopTimeout  time.Duration
	// Crash-loop protection: a workload that dies within MinUptime of its
	// start counts as a fast crash; the second and later consecutive fast
	// crashes delay the next start by BackoffBase doubling up to BackoffMax.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	MinUptime   time.Duration

	Logger  *slog.Logger
	History *history.Recorder
	Now     func() time.Time
}

type managed struct {
	w    workload.Workload
	act  timewindow.Activation
	busy atomic.Bool

	mu          sync.Mutex
	state       workload.State
	startedAt   time.Time
	starts      int
	crashes     int
	fastCrashes int
	notBefore   time.Time
	lastErr     string
}

type Supervisor struct {
	opts    Options
	log     *slog.Logger
	entries []*managed
	tasks   []*scheduledTask

	actions sync.WaitGroup
	running sync.WaitGroup
	fatal   chan error
	started atomic.Bool
}

// New validates the entries and returns a supervisor. Overlapping windows
// within one workload and duplicate names are rejected.
func New(opts Options, entries ...Entry) (*Supervisor, error) {
	if opts.TickInterval <= 0 {
		opts.TickInterval = 30 * time.Second
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Supervisor{
		opts:  opts,
		log:   opts.Logger.With("component", "supervisor"),
		fatal: make(chan error, 1),
	}
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e.Workload == nil {
			return nil, errors.New("supervisor: nil workload")
		}
		name := e.Workload.Name()
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("supervisor: duplicate workload %q", name)
		}
		seen[name] = struct{}{}
		if err := e.Activation.Validate(); err != nil {
			return nil, fmt.Errorf("supervisor: workload %q: %w", name, err)
		}
		s.entries = append(s.entries, &managed{w: e.Workload, act: e.Activation})
		metrics.SetState(name, workload.StateInactive.String(), workload.AllStates())
	}
	return s, nil
}

// Run drives the coordinator loop until ctx is cancelled or a task reports
// ErrFatal, then stops every workload before returning.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("supervisor already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.log.Info("supervisor started", "workloads", len(s.entries), "tasks", len(s.tasks), "tick", s.opts.TickInterval)
	now := time.Now()
	s.Tick(runCtx, s.opts.Now())
	nextHealth := now.Add(s.opts.TickInterval)
	for _, t := range s.tasks {
		t.next = now.Add(t.Interval)
		if t.RunAtStart {
			t.next = now
		}
	}

	timer := time.NewTimer(time.Until(s.nextDue(nextHealth)))
	defer timer.Stop()

	var result error
loop:
	for {
		select {
		case <-ctx.Done():
			s.log.Info("termination requested, stopping workloads")
			break loop
		case err := <-s.fatal:
			s.log.Error("fatal condition, shutting down", "error", err)
			result = err
			break loop
		case <-timer.C:
			now := time.Now()
			if !now.Before(nextHealth) {
				s.Tick(runCtx, s.opts.Now())
				nextHealth = now.Add(s.opts.TickInterval)
			}
			for _, t := range s.tasks {
				if !now.Before(t.next) {
					s.dispatchTask(runCtx, t)
					t.next = now.Add(t.Interval)
				}
			}
			timer.Reset(max(time.Until(s.nextDue(nextHealth)), 0))
		}
	}
	cancel()
	s.shutdown()
	return result
}

func (s *Supervisor) nextDue(health time.Time) time.Time {
	due := health
	for _, t := range s.tasks {
		if t.next.Before(due) {
			due = t.next
		}
	}
	return due
}

// shutdown waits for in-flight actions, stops every live workload in
// parallel with a bounded wait each, then waits for tasks to return.
func (s *Supervisor) shutdown() {
	s.actions.Wait()
	var wg sync.WaitGroup
	for _, m := range s.entries {
		if !m.w.Alive() {
			continue
		}
		wg.Add(1)
		go func(m *managed) {
			defer wg.Done()
			s.doStop(m, "shutdown")
		}(m)
	}
	wg.Wait()
	s.running.Wait()
	s.log.Info("supervisor stopped")
}

// Settle blocks until dispatched workload actions have finished.
func (s *Supervisor) Settle() { s.actions.Wait() }
