package supervisor

import (
	"fmt"
	"strings"
	"time"
)

type WorkloadStatus struct {
	Name        string    `json:"name" yaml:"name"`
	State       string    `json:"state" yaml:"state"`
	Activation  string    `json:"activation" yaml:"activation"`
	InWindow    bool      `json:"in_window" yaml:"in_window"`
	WindowEnd   time.Time `json:"window_end,omitzero" yaml:"window_end,omitempty"`
	Alive       bool      `json:"alive" yaml:"alive"`
	StartedAt   time.Time `json:"started_at,omitzero" yaml:"started_at,omitempty"`
	Starts      int       `json:"starts" yaml:"starts"`
	Crashes     int       `json:"crashes" yaml:"crashes"`
	NextStartAt time.Time `json:"next_start_at,omitzero" yaml:"next_start_at,omitempty"`
	LastError   string    `json:"last_error,omitempty" yaml:"last_error,omitempty"`
}

type TaskStatus struct {
	Name     string        `json:"name" yaml:"name"`
	Interval time.Duration `json:"interval" yaml:"interval"`
	Running  bool          `json:"running" yaml:"running"`
	LastRun  time.Time     `json:"last_run,omitzero" yaml:"last_run,omitempty"`
	LastDur  time.Duration `json:"last_duration" yaml:"last_duration"`
	Runs     int           `json:"runs" yaml:"runs"`
	Skipped  int           `json:"skipped" yaml:"skipped"`
	LastErr  string        `json:"last_error,omitempty" yaml:"last_error,omitempty"`
}

type Snapshot struct {
	At        time.Time        `json:"at" yaml:"at"`
	Workloads []WorkloadStatus `json:"workloads" yaml:"workloads"`
	Tasks     []TaskStatus     `json:"tasks" yaml:"tasks"`
}

func (s *Supervisor) Status() Snapshot {
	now := s.opts.Now()
	snap := Snapshot{At: now}
	for _, m := range s.entries {
		m.mu.Lock()
		ws := WorkloadStatus{
			Name:       m.w.Name(),
			State:      m.state.String(),
			Activation: m.act.String(),
			StartedAt:  m.startedAt,
			Starts:     m.starts,
			Crashes:    m.crashes,
			LastError:  m.lastErr,
		}
		if m.notBefore.After(now) {
			ws.NextStartAt = m.notBefore
		}
		m.mu.Unlock()
		ws.InWindow = m.act.Active(now)
		if end, ok := m.act.NextEnd(now); ok {
			ws.WindowEnd = end
		}
		ws.Alive = m.w.Alive()
		snap.Workloads = append(snap.Workloads, ws)
	}
	for _, t := range s.tasks {
		t.mu.Lock()
		snap.Tasks = append(snap.Tasks, TaskStatus{
			Name:     t.Name,
			Interval: t.Interval,
			Running:  t.running.Load(),
			LastRun:  t.lastRun,
			LastDur:  t.lastDur,
			Runs:     t.runs,
			Skipped:  t.skipped,
			LastErr:  t.lastErr,
		})
		t.mu.Unlock()
	}
	return snap
}

// Summary renders the workload part of the snapshot on one line.
func (s Snapshot) Summary() string {
	parts := make([]string, 0, len(s.Workloads))
	for _, w := range s.Workloads {
		parts = append(parts, fmt.Sprintf("%s=%s[%s]", w.Name, w.State, w.Activation))
	}
	return strings.Join(parts, " ")
}
