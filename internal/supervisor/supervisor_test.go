package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/camwarden/internal/process"
	"github.com/loykin/camwarden/internal/timewindow"
	"github.com/loykin/camwarden/internal/workload"
)

type fakeWorkload struct {
	name     string
	alive    atomic.Bool
	starts   atomic.Int32
	stops    atomic.Int32
	startErr error
	// stopGate, when set, holds Stop until it is closed.
	stopGate chan struct{}

	mu  sync.Mutex
	log *[]string
}

func newFake(name string, log *[]string) *fakeWorkload {
	return &fakeWorkload{name: name, log: log}
}

func (f *fakeWorkload) Name() string { return f.name }

func (f *fakeWorkload) Start(context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	if f.alive.Load() {
		return nil
	}
	f.starts.Add(1)
	f.alive.Store(true)
	f.note("start " + f.name)
	return nil
}

func (f *fakeWorkload) Alive() bool { return f.alive.Load() }

func (f *fakeWorkload) Stop(context.Context, time.Duration) error {
	if f.stopGate != nil {
		<-f.stopGate
	}
	f.stops.Add(1)
	f.alive.Store(false)
	f.note("stop " + f.name)
	return nil
}

func (f *fakeWorkload) note(s string) {
	if f.log == nil {
		return
	}
	f.mu.Lock()
	*f.log = append(*f.log, s)
	f.mu.Unlock()
}

func day(h, m, s int) time.Time {
	return time.Date(2025, 1, 5, h, m, s, 0, time.Local)
}

var (
	captureWindow    = timewindow.During(timewindow.MustParse("11:00", "21:00"))
	processingWindow = timewindow.During(timewindow.MustParse("21:00", "06:00"))
)

func TestNewRejectsOverlappingWindows(t *testing.T) {
	act := timewindow.During(timewindow.MustParse("11:00", "15:00"), timewindow.MustParse("14:00", "16:00"))
	_, err := New(Options{}, Entry{Workload: newFake("capture", nil), Activation: act})
	require.Error(t, err)
	assert.ErrorIs(t, err, timewindow.ErrOverlap)
}

func TestNewRejectsDuplicateNames(t *testing.T) {
	_, err := New(Options{},
		Entry{Workload: newFake("capture", nil), Activation: captureWindow},
		Entry{Workload: newFake("capture", nil), Activation: processingWindow},
	)
	assert.Error(t, err)
}

func TestTickStartsInsideWindowAndStopsOutside(t *testing.T) {
	w := newFake("capture", nil)
	s, err := New(Options{}, Entry{Workload: w, Activation: captureWindow})
	require.NoError(t, err)
	ctx := context.Background()

	s.Tick(ctx, day(10, 59, 30))
	s.Settle()
	assert.False(t, w.Alive())

	s.Tick(ctx, day(11, 0, 0))
	s.Settle()
	assert.True(t, w.Alive())
	assert.Equal(t, "running", s.Status().Workloads[0].State)

	// duplicate ticks are harmless
	s.Tick(ctx, day(11, 0, 30))
	s.Settle()
	assert.EqualValues(t, 1, w.starts.Load())

	s.Tick(ctx, day(21, 0, 0))
	s.Settle()
	assert.False(t, w.Alive())
	assert.EqualValues(t, 1, w.stops.Load())
	assert.Equal(t, "inactive", s.Status().Workloads[0].State)
}

func TestBoundaryStopsAndStartsInSameTick(t *testing.T) {
	var events []string
	capture := newFake("capture", &events)
	processing := newFake("processing", &events)
	s, err := New(Options{},
		Entry{Workload: processing, Activation: processingWindow},
		Entry{Workload: capture, Activation: captureWindow},
	)
	require.NoError(t, err)
	ctx := context.Background()

	s.Tick(ctx, day(20, 59, 30))
	s.Settle()
	require.True(t, capture.Alive())
	require.False(t, processing.Alive())

	s.Tick(ctx, day(21, 0, 0))
	s.Settle()
	assert.False(t, capture.Alive())
	assert.True(t, processing.Alive())
	assert.ElementsMatch(t, []string{"start capture", "stop capture", "start processing"}, events)
}

func TestStartWaitsForStopOfSameTick(t *testing.T) {
	var events []string
	capture := newFake("capture", &events)
	processing := newFake("processing", &events)
	s, err := New(Options{},
		Entry{Workload: processing, Activation: processingWindow},
		Entry{Workload: capture, Activation: captureWindow},
	)
	require.NoError(t, err)
	ctx := context.Background()

	s.Tick(ctx, day(20, 59, 30))
	s.Settle()
	require.True(t, capture.Alive())

	capture.stopGate = make(chan struct{})
	s.Tick(ctx, day(21, 0, 0))
	assert.Never(t, processing.Alive, 100*time.Millisecond, 10*time.Millisecond)

	close(capture.stopGate)
	s.Settle()
	assert.True(t, processing.Alive())
	assert.Equal(t, []string{"start capture", "stop capture", "start processing"}, events)
}

func TestTouchingWindowsKeepWorkloadRunning(t *testing.T) {
	w := newFake("capture", nil)
	act := timewindow.During(timewindow.MustParse("11:00", "15:00"), timewindow.MustParse("15:00", "18:00"))
	s, err := New(Options{}, Entry{Workload: w, Activation: act})
	require.NoError(t, err)

	s.Tick(context.Background(), day(14, 59, 50))
	s.Settle()
	s.Tick(context.Background(), day(15, 0, 0))
	s.Settle()
	assert.True(t, w.Alive())
	assert.EqualValues(t, 0, w.stops.Load())
}

func TestExternallyKilledWorkloadRestartsWithinOneTick(t *testing.T) {
	w := newFake("capture", nil)
	s, err := New(Options{MinUptime: time.Minute}, Entry{Workload: w, Activation: captureWindow})
	require.NoError(t, err)
	ctx := context.Background()

	s.Tick(ctx, day(12, 0, 0))
	s.Settle()
	w.alive.Store(false) // killed externally

	s.Tick(ctx, day(12, 30, 0))
	s.Settle()
	assert.True(t, w.Alive())
	st := s.Status().Workloads[0]
	assert.Equal(t, "running", st.State)
	assert.Equal(t, 1, st.Crashes)
	assert.Equal(t, 2, st.Starts)
}

func TestCrashLoopBackoff(t *testing.T) {
	w := newFake("processing", nil)
	t0 := day(12, 0, 0)
	clock := t0
	s, err := New(Options{
		MinUptime: time.Minute, BackoffBase: 30 * time.Second, BackoffMax: 5 * time.Minute,
		Now: func() time.Time { return clock },
	}, Entry{Workload: w, Activation: captureWindow})
	require.NoError(t, err)
	ctx := context.Background()

	s.Tick(ctx, t0)
	s.Settle()
	w.alive.Store(false)

	// first fast crash restarts immediately
	s.Tick(ctx, t0.Add(5*time.Second))
	s.Settle()
	require.True(t, w.Alive())
	w.alive.Store(false)

	// second consecutive fast crash waits BackoffBase
	clock = t0.Add(10 * time.Second)
	s.Tick(ctx, clock)
	s.Settle()
	assert.False(t, w.Alive())
	assert.Equal(t, t0.Add(40*time.Second), s.Status().Workloads[0].NextStartAt)

	s.Tick(ctx, t0.Add(30*time.Second))
	s.Settle()
	assert.False(t, w.Alive())

	s.Tick(ctx, t0.Add(41*time.Second))
	s.Settle()
	assert.True(t, w.Alive())
	assert.EqualValues(t, 3, w.starts.Load())
}

func TestStartFailureIsRetried(t *testing.T) {
	w := newFake("processing", nil)
	w.startErr = errors.New("exec: not found")
	s, err := New(Options{MinUptime: time.Minute}, Entry{Workload: w, Activation: captureWindow})
	require.NoError(t, err)

	s.Tick(context.Background(), day(12, 0, 0))
	s.Settle()
	st := s.Status().Workloads[0]
	assert.Equal(t, "inactive", st.State)
	assert.Contains(t, st.LastError, "not found")

	w.startErr = nil
	s.Tick(context.Background(), day(12, 0, 30))
	s.Settle()
	assert.True(t, w.Alive())
}

func TestBackoffSchedule(t *testing.T) {
	base, limit := 10*time.Second, 60*time.Second
	assert.Equal(t, time.Duration(0), backoff(0, base, limit))
	assert.Equal(t, time.Duration(0), backoff(1, base, limit))
	assert.Equal(t, 10*time.Second, backoff(2, base, limit))
	assert.Equal(t, 20*time.Second, backoff(3, base, limit))
	assert.Equal(t, 40*time.Second, backoff(4, base, limit))
	assert.Equal(t, 60*time.Second, backoff(5, base, limit))
	assert.Equal(t, 60*time.Second, backoff(50, base, limit))
}

func insideWindow() time.Time { return day(12, 0, 0) }

func TestRunStopsWorkloadsOnCancel(t *testing.T) {
	w := newFake("capture", nil)
	s, err := New(Options{TickInterval: 20 * time.Millisecond, Now: insideWindow},
		Entry{Workload: w, Activation: captureWindow})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, w.Alive, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.False(t, w.Alive())
	assert.EqualValues(t, 1, w.stops.Load())
}

func TestFatalTaskEndsRun(t *testing.T) {
	w := newFake("capture", nil)
	s, err := New(Options{TickInterval: 20 * time.Millisecond, Now: insideWindow},
		Entry{Workload: w, Activation: captureWindow})
	require.NoError(t, err)
	require.NoError(t, s.AddTask(Task{
		Name:     "disk",
		Interval: 30 * time.Millisecond,
		Run: func(context.Context) error {
			if w.Alive() {
				return fmt.Errorf("%w: disk exhausted", ErrFatal)
			}
			return nil
		},
	}))

	err = s.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFatal)
	assert.False(t, w.Alive())
}

func TestSlowTaskDoesNotBlockHealthChecks(t *testing.T) {
	w := newFake("capture", nil)
	s, err := New(Options{TickInterval: 10 * time.Millisecond, Now: insideWindow},
		Entry{Workload: w, Activation: captureWindow})
	require.NoError(t, err)
	release := make(chan struct{})
	require.NoError(t, s.AddTask(Task{
		Name:       "scan",
		Interval:   5 * time.Millisecond,
		RunAtStart: true,
		Run: func(ctx context.Context) error {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil
		},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, w.Alive, time.Second, 5*time.Millisecond)
	w.alive.Store(false)
	// the scan is still blocked yet the crash is repaired
	require.Eventually(t, w.Alive, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return s.Status().Tasks[0].Skipped > 0 }, time.Second, 5*time.Millisecond)

	close(release)
	cancel()
	require.NoError(t, <-done)
	assert.GreaterOrEqual(t, s.Status().Tasks[0].Runs, 1)
}

func TestAddTaskValidation(t *testing.T) {
	s, err := New(Options{})
	require.NoError(t, err)
	assert.Error(t, s.AddTask(Task{Name: "x", Interval: time.Second}))
	noop := func(context.Context) error { return nil }
	assert.Error(t, s.AddTask(Task{Name: "x", Run: noop}))
	require.NoError(t, s.AddTask(Task{Name: "x", Interval: time.Second, Run: noop}))
	assert.Error(t, s.AddTask(Task{Name: "x", Interval: time.Second, Run: noop}))
}

func TestProcessWorkloadKilledExternallyIsRestarted(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix only")
	}
	w := workload.NewProcessWorkload(process.Spec{Name: "processing", Command: "sleep 30"}, nil)
	s, err := New(Options{StopTimeout: time.Second}, Entry{Workload: w, Activation: timewindow.Always()})
	require.NoError(t, err)
	ctx := context.Background()

	s.Tick(ctx, time.Now())
	s.Settle()
	require.True(t, w.Alive())
	first := w.PID()

	require.NoError(t, process.Signal(first, os.Kill))
	require.Eventually(t, func() bool { return !w.Alive() }, 2*time.Second, 10*time.Millisecond)

	s.Tick(ctx, time.Now())
	s.Settle()
	assert.True(t, w.Alive())
	assert.NotEqual(t, first, w.PID())
	assert.Equal(t, "running", s.Status().Workloads[0].State)

	require.NoError(t, w.Stop(ctx, time.Second))
}
