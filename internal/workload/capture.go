package workload

import (
	"log/slog"
	"time"

	"github.com/loykin/camwarden/internal/logger"
	"github.com/loykin/camwarden/internal/process"
	"github.com/loykin/camwarden/internal/timewindow"
)

// CaptureOptions configures the capture child process: the same binary
// re-executed with the "capture" verb.
type CaptureOptions struct {
	Name       string
	Executable string
	ConfigPath string
	Activation timewindow.Activation
	Env        []string
	Log        logger.Config
}

// NewCaptureWorkload returns a workload that runs every enabled camera in a
// child process. Each start passes the end of the current window as --until
// so the child stops itself even if the supervisor misses the boundary.
func NewCaptureWorkload(o CaptureOptions, log *slog.Logger) *ProcessWorkload {
	spec := process.Spec{
		Name: o.Name,
		Path: o.Executable,
		Args: []string{"capture", "--config", o.ConfigPath},
		Env:  o.Env,
		Log:  o.Log,
	}
	w := NewProcessWorkload(spec, log)
	act := o.Activation
	w.Prepare = func(s *process.Spec, now time.Time) {
		s.Args = append([]string(nil), s.Args...)
		if end, ok := act.NextEnd(now); ok {
			s.Args = append(s.Args, "--until", end.Format(time.RFC3339))
		}
	}
	return w
}
