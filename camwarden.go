// Package camwarden wires the supervisor, capture workloads, disk guard and
// upload queue into one daemon. The cmd/camwarden CLI is a thin layer over
// this package; it can also be embedded.
package camwarden

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/camwarden/internal/capture"
	cfg "github.com/loykin/camwarden/internal/config"
	"github.com/loykin/camwarden/internal/diskguard"
	"github.com/loykin/camwarden/internal/history"
	"github.com/loykin/camwarden/internal/metrics"
	"github.com/loykin/camwarden/internal/process"
	"github.com/loykin/camwarden/internal/server"
	"github.com/loykin/camwarden/internal/store"
	"github.com/loykin/camwarden/internal/supervisor"
	"github.com/loykin/camwarden/internal/upload"
	"github.com/loykin/camwarden/internal/workload"
)

type Config = cfg.Config

// ErrUploadsDisabled is returned by SyncUploads when the upload section is off.
var ErrUploadsDisabled = errors.New("uploads are disabled")

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// Report is the daemon status document.
type Report = server.Report

// Daemon owns every long-lived component of a running controller.
type Daemon struct {
	cfg     *Config
	log     *slog.Logger
	hist    *history.Recorder
	closers []io.Closer

	sup     *supervisor.Supervisor
	disk    *diskguard.Manager
	uploads *Uploads
	pidfile process.PIDFile
	started time.Time
}

// DaemonOptions carries what the daemon cannot learn from the config file.
type DaemonOptions struct {
	// ConfigPath is passed to capture children.
	ConfigPath string
	// Executable is the binary re-executed for capture workloads; defaults
	// to the running executable.
	Executable string
	Logger     *slog.Logger
}

// NewDaemon builds the daemon from a validated config. Nothing runs until Run.
func NewDaemon(c *Config, o DaemonOptions) (*Daemon, error) {
	log := o.Logger
	if log == nil {
		log = slog.Default()
	}
	d := &Daemon{cfg: c, log: log, pidfile: process.PIDFile{Path: c.Supervisor.PIDFile}}
	for _, dir := range []string{c.Capture.Root, c.Disk.ResultsRoot} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	hist, closer, err := OpenHistory(c, log)
	if err != nil {
		return nil, err
	}
	d.hist = hist
	d.closers = append(d.closers, closer)

	if c.Upload.Enabled {
		ups, err := OpenUploads(c, log, hist, false)
		if err != nil {
			d.close()
			return nil, err
		}
		d.uploads = ups
		d.closers = append(d.closers, ups)
	}
	d.disk = NewDiskManager(c, log, hist)

	entries, err := d.workloads(o)
	if err != nil {
		d.close()
		return nil, err
	}
	d.sup, err = supervisor.New(supervisor.Options{
		TickInterval: c.Supervisor.TickInterval,
		StopTimeout:  c.Supervisor.StopTimeout,
		BackoffBase:  c.Supervisor.RestartBackoffBase,
		BackoffMax:   c.Supervisor.RestartBackoffMax,
		MinUptime:    c.Supervisor.MinUptime,
		Logger:       log,
		History:      hist,
	}, entries...)
	if err != nil {
		d.close()
		return nil, &cfg.ValidationError{Field: "workloads", Msg: err.Error()}
	}
	if err := d.addTasks(); err != nil {
		d.close()
		return nil, err
	}
	return d, nil
}

func (d *Daemon) workloads(o DaemonOptions) ([]supervisor.Entry, error) {
	exe := o.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
	}
	cfgPath := o.ConfigPath
	if cfgPath != "" {
		if abs, err := filepath.Abs(cfgPath); err == nil {
			cfgPath = abs
		}
	}
	logCfg := d.cfg.Log.Logger()
	entries := make([]supervisor.Entry, 0, len(d.cfg.Workloads))
	for _, wc := range d.cfg.Workloads {
		act, err := wc.Activation()
		if err != nil {
			return nil, &cfg.ValidationError{Field: "workloads." + wc.Name, Msg: err.Error()}
		}
		env, err := d.cfg.WorkloadEnv(wc)
		if err != nil {
			return nil, fmt.Errorf("workload %s env: %w", wc.Name, err)
		}
		var w workload.Workload
		switch wc.Kind {
		case cfg.KindCapture:
			w = workload.NewCaptureWorkload(workload.CaptureOptions{
				Name:       wc.Name,
				Executable: exe,
				ConfigPath: cfgPath,
				Activation: act,
				Env:        env,
				Log:        logCfg,
			}, d.log)
		default:
			w = workload.NewProcessWorkload(process.Spec{
				Name:    wc.Name,
				Command: wc.Command,
				WorkDir: wc.WorkDir,
				Env:     env,
				Log:     logCfg,
			}, d.log)
		}
		entries = append(entries, supervisor.Entry{Workload: w, Activation: act})
	}
	return entries, nil
}

func (d *Daemon) addTasks() error {
	tasks := []supervisor.Task{{
		Name:       "disk",
		Interval:   d.cfg.Disk.CheckInterval,
		RunAtStart: true,
		Run:        d.guardDisk,
	}, {
		Name:     "status",
		Interval: d.cfg.Supervisor.StatusInterval,
		Run:      d.logSummary,
	}}
	if d.uploads != nil {
		tasks = append(tasks, supervisor.Task{
			Name:       "upload",
			Interval:   d.cfg.Upload.RetryInterval,
			RunAtStart: true,
			Run: func(ctx context.Context) error {
				if _, err := d.uploads.Queue.RetryPass(ctx); err != nil {
					return err
				}
				_, err := d.uploads.Queue.Prune(ctx, 0)
				return err
			},
		})
	}
	for _, tc := range d.cfg.Tasks {
		t, err := d.commandTask(tc)
		if err != nil {
			return err
		}
		tasks = append(tasks, t)
	}
	for _, t := range tasks {
		if err := d.sup.AddTask(t); err != nil {
			return err
		}
	}
	return nil
}

// guardDisk runs one disk guard pass. Exhaustion ends the daemon unless
// exit_on_critical is turned off; then it is logged and retried next interval.
func (d *Daemon) guardDisk(ctx context.Context) error {
	_, err := d.disk.Guard(ctx)
	if errors.Is(err, diskguard.ErrResourceExhausted) && d.cfg.Disk.ExitOnCritical {
		return fmt.Errorf("%w: %w", supervisor.ErrFatal, err)
	}
	return err
}

func (d *Daemon) logSummary(ctx context.Context) error {
	rep, err := d.Report(ctx)
	if err != nil {
		return err
	}
	attrs := []any{"workloads", rep.Supervisor.Summary()}
	if rep.Disk != nil && !rep.Disk.At.IsZero() {
		attrs = append(attrs, "disk_free_gb", fmt.Sprintf("%.2f", float64(rep.Disk.Sample.Free)/cfg.GB))
		if rep.Disk.Forecast != nil {
			attrs = append(attrs, "forecast", rep.Disk.Forecast.Status)
		}
	}
	if rep.Uploads != nil {
		attrs = append(attrs, "pending", rep.Uploads[string(store.StatusPending)], "failed", rep.Uploads[string(store.StatusFailedPermanent)])
	}
	d.log.Info("status", attrs...)
	return nil
}

// Run acquires the PID file, starts the HTTP server and drives the
// supervisor until ctx is cancelled or a fatal condition occurs.
func (d *Daemon) Run(ctx context.Context) error {
	defer d.close()
	pid := os.Getpid()
	if err := d.pidfile.Acquire(pid); err != nil {
		return err
	}
	defer func() { _ = d.pidfile.Release(pid) }()
	d.started = time.Now()

	if d.cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
	}
	var srv *http.Server
	if d.cfg.Server.Enabled {
		srv = server.NewServer(d.cfg.Server.Listen, "/api", d)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.log.Error("status server stopped", "error", err)
			}
		}()
		d.log.Info("status server listening", "addr", d.cfg.Server.Listen)
	}

	if d.uploads != nil {
		if _, err := capture.Backfill(ctx, d.uploads.Queue, d.cfg.Capture.Root, d.log); err != nil {
			d.log.Warn("backfill of untracked segments failed", "root", d.cfg.Capture.Root, "error", err)
		}
	}

	err := d.sup.Run(ctx)

	if srv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(sctx)
		cancel()
	}
	return err
}

// Report implements server.Backend.
func (d *Daemon) Report(ctx context.Context) (Report, error) {
	rep := Report{PID: os.Getpid(), StartedAt: d.started, Supervisor: d.sup.Status()}
	last := d.disk.Last()
	rep.Disk = &last
	if d.uploads != nil {
		counts, err := d.uploads.Queue.Stats(ctx)
		if err != nil {
			return rep, err
		}
		rep.Uploads = make(map[string]int, len(counts))
		for k, v := range counts {
			rep.Uploads[string(k)] = v
		}
	}
	return rep, nil
}

// SyncUploads implements server.Backend.
func (d *Daemon) SyncUploads(ctx context.Context) (upload.PassResult, error) {
	if d.uploads == nil {
		return upload.PassResult{}, ErrUploadsDisabled
	}
	return d.uploads.Queue.RetryPass(ctx)
}

func (d *Daemon) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i].Close(); err != nil {
			d.log.Warn("close", "error", err)
		}
	}
	d.closers = nil
}

var _ server.Backend = (*Daemon)(nil)
