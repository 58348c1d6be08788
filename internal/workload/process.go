package workload

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/camwarden/internal/process"
)

// ProcessWorkload runs a child process. Prepare, when set, may adjust the
// spec right before every start (for example to pass the window end).
type ProcessWorkload struct {
	spec    process.Spec
	mu      sync.Mutex
	proc    *process.Process
	Prepare func(spec *process.Spec, now time.Time)
	log     *slog.Logger
	now     func() time.Time
}

func NewProcessWorkload(spec process.Spec, log *slog.Logger) *ProcessWorkload {
	if log == nil {
		log = slog.Default()
	}
	return &ProcessWorkload{
		spec: spec,
		proc: process.New(spec),
		log:  log.With("workload", spec.Name),
		now:  time.Now,
	}
}

func (w *ProcessWorkload) Name() string { return w.spec.Name }

func (w *ProcessWorkload) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if w.current().Alive() {
		return nil
	}
	spec := w.spec
	if w.Prepare != nil {
		w.Prepare(&spec, w.now())
	}
	// a fresh Process per start so a prepared spec takes effect
	p := process.New(spec)
	p.OnExit(func(err error) {
		if p.StopRequested() {
			return
		}
		w.log.Warn("workload exited", "pid", p.Snapshot().PID, "error", err)
	})
	if err := p.Start(); err != nil {
		if errors.Is(err, process.ErrAlreadyRunning) {
			return nil
		}
		return err
	}
	w.mu.Lock()
	w.proc = p
	w.mu.Unlock()
	w.log.Info("workload started", "pid", p.Snapshot().PID)
	return nil
}

func (w *ProcessWorkload) current() *process.Process {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.proc
}

func (w *ProcessWorkload) Alive() bool { return w.current().Alive() }

func (w *ProcessWorkload) PID() int { return w.current().Snapshot().PID }

// Stop terminates the process group gracefully, escalating to SIGKILL after
// timeout. A context deadline shorter than timeout wins.
func (w *ProcessWorkload) Stop(ctx context.Context, timeout time.Duration) error {
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = max(left, 0)
		}
	}
	p := w.current()
	if !p.Alive() {
		return nil
	}
	pid := p.Snapshot().PID
	err := p.Stop(timeout)
	w.log.Info("workload stopped", "pid", pid, "error", err)
	return err
}

// Status returns the last process snapshot.
func (w *ProcessWorkload) Status() process.Status { return w.current().Snapshot() }
