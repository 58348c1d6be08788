// Package workload defines the capability interface the supervisor drives
// and the process-backed implementations for capture and processing jobs.
package workload

import (
	"context"
	"time"
)

// Workload is an independently lifecycled job. Start must be idempotent:
// calling it while the workload is alive is a no-op.
type Workload interface {
	Name() string
	Start(ctx context.Context) error
	Alive() bool
	Stop(ctx context.Context, timeout time.Duration) error
}

// PIDer is implemented by workloads backed by an OS process.
type PIDer interface {
	PID() int
}

// State is the lifecycle state observed by the supervisor.
type State int32

const (
	StateInactive State = iota
	StateStarting
	StateRunning
	StateStopping
	StateCrashed
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// AllStates lists state names for gauges.
func AllStates() []string {
	return []string{
		StateInactive.String(), StateStarting.String(), StateRunning.String(),
		StateStopping.String(), StateCrashed.String(),
	}
}
