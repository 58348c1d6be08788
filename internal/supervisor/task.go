package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Task is a periodic job driven by the coordinator. A tick is skipped when
// the previous run of the same task is still in progress.
type Task struct {
	Name       string
	Interval   time.Duration
	RunAtStart bool
	Run        func(ctx context.Context) error
}

type scheduledTask struct {
	Task
	next    time.Time
	running atomic.Bool

	mu      sync.Mutex
	lastRun time.Time
	lastDur time.Duration
	lastErr string
	runs    int
	skipped int
}

// AddTask registers t; it must be called before Run.
func (s *Supervisor) AddTask(t Task) error {
	if s.started.Load() {
		return errors.New("supervisor: AddTask after Run")
	}
	if t.Name == "" || t.Run == nil {
		return errors.New("supervisor: task requires name and run func")
	}
	if t.Interval <= 0 {
		return fmt.Errorf("supervisor: task %q interval must be > 0", t.Name)
	}
	for _, ex := range s.tasks {
		if ex.Name == t.Name {
			return fmt.Errorf("supervisor: duplicate task %q", t.Name)
		}
	}
	s.tasks = append(s.tasks, &scheduledTask{Task: t})
	return nil
}

func (s *Supervisor) dispatchTask(ctx context.Context, t *scheduledTask) {
	if !t.running.CompareAndSwap(false, true) {
		t.mu.Lock()
		t.skipped++
		t.mu.Unlock()
		s.log.Debug("task still running, tick skipped", "task", t.Name)
		return
	}
	s.running.Add(1)
	go func() {
		defer s.running.Done()
		defer t.running.Store(false)
		start := time.Now()
		err := t.Run(ctx)

		t.mu.Lock()
		t.lastRun = start
		t.lastDur = time.Since(start)
		t.runs++
		t.lastErr = ""
		if err != nil {
			t.lastErr = err.Error()
		}
		t.mu.Unlock()

		switch {
		case err == nil:
		case errors.Is(err, ErrFatal):
			select {
			case s.fatal <- err:
			default:
			}
		case ctx.Err() != nil:
		default:
			s.log.Warn("task failed", "task", t.Name, "error", err)
		}
	}()
}
