package camwarden

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cfg "github.com/loykin/camwarden/internal/config"
	"github.com/loykin/camwarden/internal/diskguard"
	"github.com/loykin/camwarden/internal/process"
	"github.com/loykin/camwarden/internal/store"
	"github.com/loykin/camwarden/internal/supervisor"
	"github.com/loykin/camwarden/internal/timewindow"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func requireUnix(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

const daemonTOML = `
[supervisor]
tick_interval = "50ms"
stop_timeout = "1s"
pidfile = "%[1]s/run/camwarden.pid"

[log]
dir = "%[1]s/logs"

[[workloads]]
name = "processing"
command = "sleep 30"
continuous = true

[capture]
root = "%[1]s/videos"

[[cameras]]
id = "cam_1"
url = "rtsp://127.0.0.1:8554/live"
fps = 10
resolution = "640x480"

[disk]
results_root = "%[1]s/results"
min_free_gb = 0
one_day_estimate_gb = 0

[upload]
tracking_db = "%[1]s/data/tracking.db"
  [upload.object_store]
  type = "local"
  dir = "%[1]s/remote"
  [upload.index]
  dsn = "sqlite://%[1]s/data/index.db"

[server]
enabled = false
`

func loadTestConfig(t *testing.T) (*Config, string) {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "camwarden.toml")
	require.NoError(t, os.WriteFile(p, []byte(fmt.Sprintf(daemonTOML, dir)), 0o644))
	c, err := LoadConfig(p)
	require.NoError(t, err)
	return c, p
}

func TestDaemonReportAndSyncUploads(t *testing.T) {
	c, path := loadTestConfig(t)
	d, err := NewDaemon(c, DaemonOptions{ConfigPath: path, Logger: discard()})
	require.NoError(t, err)
	t.Cleanup(d.close)

	seg := filepath.Join(c.Capture.Root, "20250105", "cam_1", "cam_1_20250105_110000_640x480.mp4")
	require.NoError(t, os.MkdirAll(filepath.Dir(seg), 0o755))
	require.NoError(t, os.WriteFile(seg, []byte("frames"), 0o644))
	ctx := context.Background()
	require.NoError(t, d.uploads.Queue.Submit(ctx, store.Artifact{
		Filename:   filepath.Base(seg),
		LocalPath:  seg,
		Camera:     "cam_1",
		Resolution: "640x480",
		CapturedAt: time.Date(2025, 1, 5, 11, 0, 0, 0, time.Local),
		Duration:   10 * time.Minute,
	}))

	rep, err := d.Report(ctx)
	require.NoError(t, err)
	require.Len(t, rep.Supervisor.Workloads, 1)
	assert.Equal(t, "processing", rep.Supervisor.Workloads[0].Name)
	assert.True(t, rep.Supervisor.Workloads[0].InWindow)
	assert.Equal(t, 1, rep.Uploads[string(store.StatusPending)])

	res, err := d.SyncUploads(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.NoFileExists(t, seg)
	assert.FileExists(t, filepath.Join(c.Upload.ObjectStore.Dir, "20250105", "cam_1", filepath.Base(seg)))

	rep, err = d.Report(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Uploads[string(store.StatusPending)])
	assert.Equal(t, 1, rep.Uploads[string(store.StatusSuccess)])
}

func TestSyncUploadsDisabled(t *testing.T) {
	c, path := loadTestConfig(t)
	c.Upload.Enabled = false
	d, err := NewDaemon(c, DaemonOptions{ConfigPath: path, Logger: discard()})
	require.NoError(t, err)
	t.Cleanup(d.close)

	_, err = d.SyncUploads(context.Background())
	assert.ErrorIs(t, err, ErrUploadsDisabled)
	rep, err := d.Report(context.Background())
	require.NoError(t, err)
	assert.Nil(t, rep.Uploads)
}

func TestDaemonRunStartsAndStopsWorkloads(t *testing.T) {
	requireUnix(t)
	c, path := loadTestConfig(t)
	c.Metrics.Enabled = false
	d, err := NewDaemon(c, DaemonOptions{ConfigPath: path, Logger: discard()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	pf := process.PIDFile{Path: c.Supervisor.PIDFile}
	require.Eventually(t, func() bool {
		pid, ok := pf.Running()
		return ok && pid == os.Getpid()
	}, 2*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		ws := d.sup.Status().Workloads
		return len(ws) == 1 && ws[0].Alive
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
	assert.NoFileExists(t, c.Supervisor.PIDFile)
	assert.False(t, d.sup.Status().Workloads[0].Alive)
}

func TestDaemonRunRefusesSecondInstance(t *testing.T) {
	requireUnix(t)
	c, path := loadTestConfig(t)
	owner := process.PIDFile{Path: c.Supervisor.PIDFile}
	require.NoError(t, owner.Acquire(os.Getppid()))

	d, err := NewDaemon(c, DaemonOptions{ConfigPath: path, Logger: discard()})
	require.NoError(t, err)
	err = d.Run(context.Background())
	assert.ErrorIs(t, err, process.ErrSingleInstance)
}

func TestRunCaptureRejectsUnknownCamera(t *testing.T) {
	c, _ := loadTestConfig(t)
	err := RunCapture(context.Background(), c, nil, nil, CaptureOptions{Camera: "nope"})
	require.Error(t, err)
	assert.True(t, cfg.IsValidationError(err))
}

func TestRunCaptureReturnsWhenWindowClosed(t *testing.T) {
	c, _ := loadTestConfig(t)
	err := RunCapture(context.Background(), c, nil, nil, CaptureOptions{Until: time.Now().Add(-time.Minute)})
	assert.NoError(t, err)
}

func TestNewCameraEngineSelectsEncoder(t *testing.T) {
	c, _ := loadTestConfig(t)
	cam, ok := c.Camera("cam_1")
	require.True(t, ok)
	c.Capture.Encoder = "mjpeg"
	e, err := NewCameraEngine(c, cam, nil, discard(), nil, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, "cam_1", e.Camera())

	cam.Resolution = "bogus"
	_, err = NewCameraEngine(c, cam, nil, discard(), nil, time.Time{})
	assert.Error(t, err)
}

// fillingSampler reports a nearly full volume that grows fast.
type fillingSampler struct {
	mu    sync.Mutex
	calls int
}

func (f *fillingSampler) Sample(context.Context) (diskguard.Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return diskguard.Sample{
		Timestamp: time.Now().Add(time.Duration(f.calls) * time.Minute),
		Used:      uint64(f.calls) * 1000 * cfg.GB,
		Free:      cfg.GB,
	}, nil
}

func TestDaemonRunEndsOnDiskExhaustion(t *testing.T) {
	requireUnix(t)
	c, path := loadTestConfig(t)
	c.Metrics.Enabled = false
	require.True(t, c.Disk.ExitOnCritical)
	d, err := NewDaemon(c, DaemonOptions{ConfigPath: path, Logger: discard()})
	require.NoError(t, err)
	d.disk = diskguard.New(&fillingSampler{}, diskguard.Options{
		Roots:          []string{c.Capture.Root},
		MinFree:        100 * cfg.GB,
		OneDayEstimate: 50 * cfg.GB,
		RateWindow:     time.Millisecond,
		Captures:       []timewindow.Activation{timewindow.Always()},
		Logger:         discard(),
	})

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()
	select {
	case err = <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop on disk exhaustion")
	}
	require.Error(t, err)
	assert.ErrorIs(t, err, supervisor.ErrFatal)
	assert.ErrorIs(t, err, diskguard.ErrResourceExhausted)
	assert.NoFileExists(t, c.Supervisor.PIDFile)
}

func TestDaemonKeepsRunningWhenExitOnCriticalIsOff(t *testing.T) {
	c, path := loadTestConfig(t)
	c.Disk.ExitOnCritical = false
	d, err := NewDaemon(c, DaemonOptions{ConfigPath: path, Logger: discard()})
	require.NoError(t, err)
	t.Cleanup(d.close)
	d.disk = diskguard.New(&fillingSampler{}, diskguard.Options{
		Roots:          []string{c.Capture.Root},
		MinFree:        100 * cfg.GB,
		OneDayEstimate: 50 * cfg.GB,
		RateWindow:     time.Millisecond,
		Captures:       []timewindow.Activation{timewindow.Always()},
		Logger:         discard(),
	})

	err = d.guardDisk(context.Background())
	assert.ErrorIs(t, err, diskguard.ErrResourceExhausted)
	assert.False(t, errors.Is(err, supervisor.ErrFatal))
}

func TestDaemonRunsConfiguredTasks(t *testing.T) {
	requireUnix(t)
	c, path := loadTestConfig(t)
	c.Metrics.Enabled = false
	out := filepath.Join(t.TempDir(), "ran.txt")
	c.Tasks = []cfg.TaskConfig{{
		Name:       "mark",
		Command:    "sh -c 'echo ran >> " + out + "'",
		Interval:   time.Hour,
		Timeout:    5 * time.Second,
		RunAtStart: true,
	}, {
		Name:       "hang",
		Command:    "sleep 30",
		Interval:   time.Hour,
		Timeout:    50 * time.Millisecond,
		RunAtStart: true,
	}}
	d, err := NewDaemon(c, DaemonOptions{ConfigPath: path, Logger: discard()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	require.Eventually(t, func() bool {
		b, err := os.ReadFile(out)
		return err == nil && string(b) == "ran\n"
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func TestRunCommandTimesOut(t *testing.T) {
	requireUnix(t)
	c, path := loadTestConfig(t)
	d, err := NewDaemon(c, DaemonOptions{ConfigPath: path, Logger: discard()})
	require.NoError(t, err)
	t.Cleanup(d.close)

	start := time.Now()
	err = d.runCommand(context.Background(), process.Spec{Name: "hang", Command: "sleep 30"}, 50*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.Less(t, time.Since(start), 5*time.Second)

	err = d.runCommand(context.Background(), process.Spec{Name: "fail", Command: "sh -c 'exit 3'"}, time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit status 3")
}

func TestDaemonRunBackfillsUntrackedSegments(t *testing.T) {
	requireUnix(t)
	c, path := loadTestConfig(t)
	c.Metrics.Enabled = false
	seg := filepath.Join(c.Capture.Root, "20250105", "cam_1", "cam_1_20250105_110000_640x480.mp4")
	require.NoError(t, os.MkdirAll(filepath.Dir(seg), 0o755))
	require.NoError(t, os.WriteFile(seg, []byte("frames"), 0o644))
	d, err := NewDaemon(c, DaemonOptions{ConfigPath: path, Logger: discard()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(c.Upload.ObjectStore.Dir, "20250105", "cam_1", filepath.Base(seg)))
		return err == nil
	}, 5*time.Second, 20*time.Millisecond, "startup backfill queues the segment and the upload task delivers it")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
}
