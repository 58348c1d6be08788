package camwarden

import (
	"context"
	"fmt"
	"time"

	cfg "github.com/loykin/camwarden/internal/config"
	"github.com/loykin/camwarden/internal/process"
	"github.com/loykin/camwarden/internal/supervisor"
)

// commandTask runs one [[tasks]] entry to completion. A run that outlives
// its timeout is stopped and reported as failed.
func (d *Daemon) commandTask(tc cfg.TaskConfig) (supervisor.Task, error) {
	env, err := d.cfg.WorkloadEnv(cfg.WorkloadConfig{Env: tc.Env})
	if err != nil {
		return supervisor.Task{}, fmt.Errorf("task %s env: %w", tc.Name, err)
	}
	spec := process.Spec{
		Name:    tc.Name,
		Command: tc.Command,
		WorkDir: tc.WorkDir,
		Env:     env,
		Log:     d.cfg.Log.Logger(),
	}
	timeout := tc.Timeout
	if timeout <= 0 {
		timeout = tc.Interval
	}
	return supervisor.Task{
		Name:       tc.Name,
		Interval:   tc.Interval,
		RunAtStart: tc.RunAtStart,
		Run: func(ctx context.Context) error {
			return d.runCommand(ctx, spec, timeout)
		},
	}, nil
}

func (d *Daemon) runCommand(ctx context.Context, spec process.Spec, timeout time.Duration) error {
	p := process.New(spec)
	exited := make(chan error, 1)
	p.OnExit(func(err error) { exited <- err })
	if err := p.Start(); err != nil {
		return err
	}
	log := d.log.With("task", spec.Name, "pid", p.Snapshot().PID)
	log.Debug("task command started")
	started := time.Now()

	t := time.NewTimer(timeout)
	defer t.Stop()
	var err error
	select {
	case err = <-exited:
	case <-t.C:
		_ = p.Stop(d.cfg.Supervisor.StopTimeout)
		<-exited
		err = fmt.Errorf("timed out after %s", timeout)
	case <-ctx.Done():
		_ = p.Stop(d.cfg.Supervisor.StopTimeout)
		<-exited
		return ctx.Err()
	}
	took := time.Since(started).Round(time.Millisecond)
	if err != nil {
		return fmt.Errorf("task %s after %s: %w", spec.Name, took, err)
	}
	log.Info("task command finished", "took", took)
	return nil
}
