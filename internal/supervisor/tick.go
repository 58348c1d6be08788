package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/loykin/camwarden/internal/history"
	"github.com/loykin/camwarden/internal/metrics"
	"github.com/loykin/camwarden/internal/workload"
)

// Tick evaluates every workload against now. Actions run off the
// coordinator; a workload with an action in flight is skipped. Starts
// dispatched by a tick wait until every stop of the same tick has returned,
// so a window that ends as another begins is torn down first without
// delaying the next start to a later tick.
func (s *Supervisor) Tick(ctx context.Context, now time.Time) {
	var stops sync.WaitGroup
	for _, m := range s.entries {
		if m.busy.Load() {
			continue
		}
		should := m.act.Active(now)
		alive := m.w.Alive()
		if !alive {
			s.observeExit(ctx, m, now, should)
		}
		if !should && alive {
			stops.Add(1)
			if !s.dispatch(m, func() {
				defer stops.Done()
				s.doStop(m, "window closed")
			}) {
				stops.Done()
			}
		}
	}
	for _, m := range s.entries {
		if m.busy.Load() || !m.act.Active(now) || m.w.Alive() {
			continue
		}
		m.mu.Lock()
		wait := m.notBefore.Sub(now)
		m.mu.Unlock()
		if wait > 0 {
			s.log.Debug("restart deferred by backoff", "workload", m.w.Name(), "wait", wait.Round(time.Second))
			continue
		}
		s.dispatch(m, func() {
			stops.Wait()
			s.doStart(ctx, m, now)
		})
	}
}

// observeExit handles a workload found dead while the supervisor believed
// it running. Inside the window that is a crash.
func (s *Supervisor) observeExit(ctx context.Context, m *managed, now time.Time, inWindow bool) {
	m.mu.Lock()
	if m.state != workload.StateRunning {
		m.mu.Unlock()
		return
	}
	name := m.w.Name()
	if !inWindow {
		m.state = workload.StateInactive
		m.mu.Unlock()
		s.setState(name, workload.StateInactive)
		s.log.Info("workload exited after its window", "workload", name)
		return
	}
	m.state = workload.StateCrashed
	m.crashes++
	uptime := now.Sub(m.startedAt)
	delay := s.registerFailure(m, uptime)
	m.state = workload.StateInactive
	m.mu.Unlock()

	s.setState(name, workload.StateCrashed)
	metrics.IncCrash(name)
	s.log.Warn("workload crashed", "workload", name, "uptime", uptime.Round(time.Second), "restart_delay", delay)
	s.record(ctx, history.EventCrash, m, "uptime "+uptime.Round(time.Second).String())
	s.setState(name, workload.StateInactive)
}

// registerFailure updates crash-loop accounting and returns the delay
// before the next start. Caller holds m.mu.
func (s *Supervisor) registerFailure(m *managed, uptime time.Duration) time.Duration {
	if uptime < s.opts.MinUptime {
		m.fastCrashes++
	} else {
		m.fastCrashes = 0
	}
	delay := backoff(m.fastCrashes, s.opts.BackoffBase, s.opts.BackoffMax)
	m.notBefore = m.startedAt.Add(uptime).Add(delay)
	return delay
}

// backoff returns zero for the first fast crash, then base, 2*base, ...
// capped at limit.
func backoff(fast int, base, limit time.Duration) time.Duration {
	if fast <= 1 || base <= 0 {
		return 0
	}
	d := base
	for i := 2; i < fast; i++ {
		d *= 2
		if limit > 0 && d >= limit {
			return limit
		}
	}
	if limit > 0 && d > limit {
		return limit
	}
	return d
}

// dispatch runs fn in the background unless m already has an action in
// flight. It reports whether fn was scheduled.
func (s *Supervisor) dispatch(m *managed, fn func()) bool {
	if !m.busy.CompareAndSwap(false, true) {
		return false
	}
	s.actions.Add(1)
	go func() {
		defer s.actions.Done()
		defer m.busy.Store(false)
		fn()
	}()
	return true
}

func (s *Supervisor) doStart(ctx context.Context, m *managed, now time.Time) {
	name := m.w.Name()
	m.mu.Lock()
	m.state = workload.StateStarting
	m.mu.Unlock()
	s.setState(name, workload.StateStarting)

	err := m.w.Start(ctx)

	m.mu.Lock()
	if err != nil {
		m.state = workload.StateInactive
		m.lastErr = err.Error()
		m.startedAt = now
		delay := s.registerFailure(m, 0)
		m.mu.Unlock()
		s.setState(name, workload.StateInactive)
		s.log.Error("workload start failed", "workload", name, "error", err, "retry_delay", delay)
		s.record(ctx, history.EventStartFailed, m, err.Error())
		return
	}
	m.state = workload.StateRunning
	m.startedAt = now
	m.starts++
	m.lastErr = ""
	m.mu.Unlock()
	s.setState(name, workload.StateRunning)
	metrics.IncStart(name)
	s.log.Info("workload running", "workload", name, "activation", m.act.String())
	s.record(ctx, history.EventStart, m, "")
}

func (s *Supervisor) doStop(m *managed, reason string) {
	name := m.w.Name()
	m.mu.Lock()
	m.state = workload.StateStopping
	m.mu.Unlock()
	s.setState(name, workload.StateStopping)

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.StopTimeout+killGraceMargin)
	defer cancel()
	err := m.w.Stop(ctx, s.opts.StopTimeout)

	m.mu.Lock()
	m.state = workload.StateInactive
	m.fastCrashes = 0
	m.notBefore = time.Time{}
	if err != nil {
		m.lastErr = err.Error()
	}
	m.mu.Unlock()
	s.setState(name, workload.StateInactive)
	metrics.IncStop(name)
	if err != nil {
		s.log.Error("workload stop failed", "workload", name, "reason", reason, "error", err)
	} else {
		s.log.Info("workload stopped", "workload", name, "reason", reason)
	}
	detail := reason
	if err != nil {
		detail += ": " + err.Error()
	}
	s.record(context.Background(), history.EventStop, m, detail)
}

// killGraceMargin leaves room for SIGKILL escalation after StopTimeout.
const killGraceMargin = 5 * time.Second

func (s *Supervisor) setState(name string, st workload.State) {
	metrics.SetState(name, st.String(), workload.AllStates())
}

func (s *Supervisor) record(ctx context.Context, t history.EventType, m *managed, detail string) {
	if s.opts.History == nil {
		return
	}
	e := history.Event{Type: t, Component: "workload", Source: m.w.Name(), Detail: detail}
	if p, ok := m.w.(workload.PIDer); ok {
		e.PID = p.PID()
	}
	s.opts.History.Record(ctx, e)
}
