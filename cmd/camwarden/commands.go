package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loykin/camwarden"
	"github.com/loykin/camwarden/internal/capture"
	"github.com/loykin/camwarden/internal/config"
	"github.com/loykin/camwarden/internal/diskguard"
	"github.com/loykin/camwarden/internal/logger"
	"github.com/loykin/camwarden/internal/process"
	"github.com/loykin/camwarden/internal/store"
)

type command struct {
	global *GlobalFlags
}

func (c command) load() (*config.Config, error) {
	return config.Load(c.global.ConfigPath)
}

// consoleLogger logs to stderr only. One-shot verbs and the capture child use
// it; the child's stderr is already a rotating workload log.
func consoleLogger(cfg *config.Config) *slog.Logger {
	lc := cfg.Log.Logger()
	lc.File = logger.FileConfig{}
	log, _, _ := logger.New(lc, "", os.Stderr)
	return log
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func pidFile(cfg *config.Config) process.PIDFile {
	return process.PIDFile{Path: cfg.Supervisor.PIDFile}
}

func (c command) Start(f StartFlags) error {
	cfg, err := c.load()
	if err != nil {
		return err
	}
	pf := pidFile(cfg)
	if pid, ok := pf.Running(); ok {
		return fmt.Errorf("%w (pid %d)", process.ErrSingleInstance, pid)
	}
	if !f.Foreground {
		return daemonize(os.Stdout, c.global.ConfigPath, cfg.Log.Dir, pf, f.Wait)
	}

	log, closer, err := logger.New(cfg.Log.Logger(), "camwarden", os.Stderr)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()
	slog.SetDefault(log)

	d, err := camwarden.NewDaemon(cfg, camwarden.DaemonOptions{ConfigPath: c.global.ConfigPath, Logger: log})
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()
	if err := d.Run(ctx); err != nil {
		log.Error("daemon exited", "error", err)
		return err
	}
	return nil
}

func (c command) Stop(f StopFlags) error {
	cfg, err := c.load()
	if err != nil {
		return err
	}
	return stopDaemon(os.Stdout, pidFile(cfg), f.Timeout)
}

func (c command) Status(out io.Writer, f StatusFlags) error {
	cfg, err := c.load()
	if err != nil {
		return err
	}
	url := f.APIUrl
	if url == "" {
		url = apiURL(cfg.Server.Listen)
	}
	if cfg.Server.Enabled || f.APIUrl != "" {
		if rep, err := NewAPIClient(url, f.APITimeout).Status(); err == nil {
			return render(out, f.Output, rep, func(w io.Writer) { printReport(w, rep) })
		}
	}
	rep, err := localStatus(cfg)
	if err != nil {
		return err
	}
	return render(out, f.Output, rep, func(w io.Writer) { printLocalStatus(w, rep) })
}

// LocalStatus is what status can tell without the daemon API.
type LocalStatus struct {
	Running bool           `json:"running" yaml:"running"`
	PID     int            `json:"pid,omitempty" yaml:"pid,omitempty"`
	Uploads map[string]int `json:"uploads,omitempty" yaml:"uploads,omitempty"`
}

func localStatus(cfg *config.Config) (LocalStatus, error) {
	var st LocalStatus
	st.PID, st.Running = pidFile(cfg).Running()
	if !st.Running {
		st.PID = 0
	}
	if !cfg.Upload.Enabled {
		return st, nil
	}
	if _, err := os.Stat(cfg.Upload.TrackingDB); err != nil {
		return st, nil
	}
	repo, err := store.Open(cfg.Upload.TrackingDB)
	if err != nil {
		return st, err
	}
	defer func() { _ = repo.Close() }()
	counts, err := repo.Counts(context.Background())
	if err != nil {
		return st, err
	}
	st.Uploads = stringCounts(counts)
	return st, nil
}

func stringCounts(m map[store.Status]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[string(k)] = v
	}
	return out
}

func (c command) Capture(f CaptureFlags) error {
	cfg, err := c.load()
	if err != nil {
		return err
	}
	var until time.Time
	if f.Until != "" {
		if until, err = time.Parse(time.RFC3339, f.Until); err != nil {
			return &config.ValidationError{Field: "--until", Msg: err.Error()}
		}
	}
	log := consoleLogger(cfg)
	slog.SetDefault(log)
	hist, closer, err := camwarden.OpenHistory(cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	ctx, cancel := signalContext()
	defer cancel()
	return camwarden.RunCapture(ctx, cfg, log, hist, camwarden.CaptureOptions{Camera: f.Camera, Until: until})
}

func (c command) disk(cfg *config.Config) *diskguard.Manager {
	return camwarden.NewDiskManager(cfg, consoleLogger(cfg), nil)
}

func (c command) DiskCheck(out io.Writer, f DiskCheckFlags) error {
	cfg, err := c.load()
	if err != nil {
		return err
	}
	minFree := cfg.Disk.MinFreeBytes()
	if f.MinFreeSet {
		minFree = uint64(f.MinFreeGB * config.GB)
	}
	res, err := c.disk(cfg).Check(context.Background(), minFree, f.Cleanup, f.DryRun)
	if err != nil {
		return err
	}
	if err := render(out, f.Output, res, func(w io.Writer) { printCheck(w, res, minFree) }); err != nil {
		return err
	}
	if code := res.Health.ExitCode(); code != exitOK {
		return &exitError{code: code}
	}
	return nil
}

func (c command) DiskCleanup(out io.Writer, f DiskCleanupFlags) error {
	cfg, err := c.load()
	if err != nil {
		return err
	}
	target := cfg.Disk.MinFreeBytes()
	if f.TargetSet {
		target = uint64(f.TargetGB * config.GB)
	}
	res, err := c.disk(cfg).Cleanup(context.Background(), target, f.DryRun)
	printCleanup(out, res)
	return err
}

func (c command) uploads(cfg *config.Config) (*camwarden.Uploads, error) {
	if !cfg.Upload.Enabled {
		return nil, camwarden.ErrUploadsDisabled
	}
	return camwarden.OpenUploads(cfg, consoleLogger(cfg), nil, false)
}

func (c command) UploadSync(out io.Writer, f UploadFlags) error {
	cfg, err := c.load()
	if err != nil {
		return err
	}
	if !f.Local && cfg.Server.Enabled {
		url := f.APIUrl
		if url == "" {
			url = apiURL(cfg.Server.Listen)
		}
		client := NewAPIClient(url, f.APITimeout)
		if client.IsReachable() {
			res, err := client.SyncUploads()
			if err != nil {
				return err
			}
			printPass(out, res)
			return nil
		}
	}
	ups, err := c.uploads(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = ups.Close() }()
	ctx, cancel := signalContext()
	defer cancel()
	res, err := ups.Queue.RetryPass(ctx)
	printPass(out, res)
	return err
}

func (c command) UploadStats(out io.Writer, f UploadFlags) error {
	cfg, err := c.load()
	if err != nil {
		return err
	}
	ups, err := c.uploads(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = ups.Close() }()
	counts, err := ups.Queue.Stats(context.Background())
	if err != nil {
		return err
	}
	m := stringCounts(counts)
	return render(out, f.Output, m, func(w io.Writer) { printCounts(w, m) })
}

func (c command) UploadResync(out io.Writer) error {
	cfg, err := c.load()
	if err != nil {
		return err
	}
	ups, err := c.uploads(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = ups.Close() }()
	n, err := ups.Queue.Resync(context.Background())
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "%d artifact(s) returned to PENDING\n", n)
	return nil
}

func (c command) UploadBackfill(out io.Writer) error {
	cfg, err := c.load()
	if err != nil {
		return err
	}
	ups, err := c.uploads(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = ups.Close() }()
	ctx, cancel := signalContext()
	defer cancel()
	res, err := capture.Backfill(ctx, ups.Queue, cfg.Capture.Root, consoleLogger(cfg))
	_, _ = fmt.Fprintf(out, "Backfill: %d scanned, %d queued, %d skipped\n", res.Scanned, res.Queued, res.Skipped)
	return err
}

func (c command) UploadPrune(out io.Writer, f UploadFlags) error {
	cfg, err := c.load()
	if err != nil {
		return err
	}
	if f.Days < 0 {
		return &config.ValidationError{Field: "--days", Msg: "must be >= 0"}
	}
	ups, err := c.uploads(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = ups.Close() }()
	n, err := ups.Queue.Prune(context.Background(), time.Duration(f.Days)*24*time.Hour)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "%d tracking row(s) pruned\n", n)
	return nil
}
