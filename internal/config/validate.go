package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ValidationError marks a configuration problem. Restarting the daemon will not fix it.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Msg)
}

// IsValidationError reports whether err carries a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// Validate rejects states the supervisor must never start with.
func (c *Config) Validate() error {
	if c.Supervisor.TickInterval <= 0 {
		return invalid("supervisor.tick_interval", "must be > 0")
	}
	if c.Supervisor.StopTimeout <= 0 {
		return invalid("supervisor.stop_timeout", "must be > 0")
	}
	if err := c.validateWorkloads(); err != nil {
		return err
	}
	if err := c.validateCameras(); err != nil {
		return err
	}
	if err := c.validateCapture(); err != nil {
		return err
	}
	if err := c.validateDisk(); err != nil {
		return err
	}
	if err := c.validateTasks(); err != nil {
		return err
	}
	return c.validateUpload()
}

// reservedTasks are the built-in supervisor task names.
var reservedTasks = map[string]struct{}{"disk": {}, "status": {}, "upload": {}}

func (c *Config) validateTasks() error {
	seen := make(map[string]struct{}, len(c.Tasks))
	for i, t := range c.Tasks {
		field := fmt.Sprintf("tasks[%d]", i)
		if strings.TrimSpace(t.Name) == "" {
			return invalid(field, "name is required")
		}
		if _, ok := reservedTasks[t.Name]; ok {
			return invalid(field, "task name %q is reserved", t.Name)
		}
		if _, dup := seen[t.Name]; dup {
			return invalid(field, "duplicate task name %q", t.Name)
		}
		seen[t.Name] = struct{}{}
		if strings.TrimSpace(t.Command) == "" {
			return invalid(field, "task %q requires command", t.Name)
		}
		if t.Interval <= 0 {
			return invalid(field, "task %q: interval must be > 0", t.Name)
		}
		if t.Timeout < 0 {
			return invalid(field, "task %q: timeout must be >= 0", t.Name)
		}
	}
	return nil
}

func (c *Config) validateWorkloads() error {
	seen := make(map[string]struct{}, len(c.Workloads))
	for i, w := range c.Workloads {
		field := fmt.Sprintf("workloads[%d]", i)
		if strings.TrimSpace(w.Name) == "" {
			return invalid(field, "name is required")
		}
		if _, dup := seen[w.Name]; dup {
			return invalid(field, "duplicate workload name %q", w.Name)
		}
		seen[w.Name] = struct{}{}
		switch w.Kind {
		case KindCapture:
			if len(c.EnabledCameras()) == 0 {
				return invalid(field, "capture workload %q has no enabled cameras", w.Name)
			}
		case KindProcess:
			if strings.TrimSpace(w.Command) == "" {
				return invalid(field, "workload %q requires command", w.Name)
			}
		default:
			return invalid(field, "unknown kind %q", w.Kind)
		}
		if w.Continuous && len(w.Windows) > 0 {
			return invalid(field, "workload %q sets both continuous and windows", w.Name)
		}
		if _, err := w.Activation(); err != nil {
			return invalid(field, "workload %q: %v", w.Name, err)
		}
	}
	return nil
}

func (c *Config) validateCameras() error {
	seen := make(map[string]struct{}, len(c.Cameras))
	for i, cam := range c.Cameras {
		field := fmt.Sprintf("cameras[%d]", i)
		if strings.TrimSpace(cam.ID) == "" {
			return invalid(field, "id is required")
		}
		if strings.ContainsAny(cam.ID, "/\\ ") || strings.HasPrefix(cam.ID, ".") {
			return invalid(field, "camera id %q must be a plain file name", cam.ID)
		}
		if _, dup := seen[cam.ID]; dup {
			return invalid(field, "duplicate camera id %q", cam.ID)
		}
		seen[cam.ID] = struct{}{}
		u, err := url.Parse(cam.URL)
		if err != nil || u.Scheme != "rtsp" || u.Host == "" {
			return invalid(field, "camera %q: url must be rtsp://host[:port]/path", cam.ID)
		}
		if cam.FPS <= 0 {
			return invalid(field, "camera %q: fps must be > 0", cam.ID)
		}
		if floor := c.Capture.DisconnectFPSFloor; floor > 0 && cam.FPS <= floor {
			return invalid(field, "camera %q: fps %g must exceed capture.disconnect_fps_floor %g", cam.ID, cam.FPS, floor)
		}
		if _, _, err := cam.Size(); err != nil {
			return invalid(field, "camera %q: %v", cam.ID, err)
		}
	}
	return nil
}

func (c *Config) validateCapture() error {
	cp := c.Capture
	if cp.Root == "" {
		return invalid("capture.root", "must be set")
	}
	if cp.CheckpointInterval <= 0 {
		return invalid("capture.checkpoint_interval", "must be > 0")
	}
	if cp.DisconnectFPSFloor < 0 {
		return invalid("capture.disconnect_fps_floor", "must be >= 0")
	}
	if cp.FPSWindow <= 0 {
		return invalid("capture.fps_window", "must be > 0")
	}
	if cp.ReconnectInterval <= 0 {
		return invalid("capture.reconnect_interval", "must be > 0")
	}
	switch cp.Encoder {
	case "ffmpeg", "mjpeg":
	default:
		return invalid("capture.encoder", "unknown encoder %q (want ffmpeg or mjpeg)", cp.Encoder)
	}
	return nil
}

func (c *Config) validateDisk() error {
	d := c.Disk
	if d.MarginFraction < 0 || d.MarginFraction >= 1 {
		return invalid("disk.margin_fraction", "must be in [0,1)")
	}
	if d.ProtectedDays < 1 {
		return invalid("disk.protected_days", "must be >= 1")
	}
	if d.MinFreeGB < 0 || d.OneDayEstimateGB < 0 {
		return invalid("disk", "thresholds must be >= 0")
	}
	if d.CheckInterval <= 0 {
		return invalid("disk.check_interval", "must be > 0")
	}
	if d.RateWindow <= 0 {
		return invalid("disk.rate_window", "must be > 0")
	}
	return nil
}

func (c *Config) validateUpload() error {
	u := c.Upload
	if !u.Enabled {
		return nil
	}
	if u.TrackingDB == "" {
		return invalid("upload.tracking_db", "must be set")
	}
	if u.MaxAttempts < 1 {
		return invalid("upload.max_attempts", "must be >= 1")
	}
	if u.BatchSize < 1 || u.Concurrency < 1 {
		return invalid("upload", "batch_size and concurrency must be >= 1")
	}
	if u.RetryInterval <= 0 {
		return invalid("upload.retry_interval", "must be > 0")
	}
	if u.PruneDays < 0 {
		return invalid("upload.prune_success_days", "must be >= 0")
	}
	switch u.ObjectStore.Type {
	case "local":
		if u.ObjectStore.Dir == "" {
			return invalid("upload.object_store.dir", "required for local store")
		}
	case "minio", "s3":
		if u.ObjectStore.Endpoint == "" || u.ObjectStore.Bucket == "" {
			return invalid("upload.object_store", "endpoint and bucket are required for %s", u.ObjectStore.Type)
		}
	default:
		return invalid("upload.object_store.type", "unknown type %q", u.ObjectStore.Type)
	}
	if u.Index.DSN == "" {
		return invalid("upload.index.dsn", "must be set")
	}
	return nil
}
