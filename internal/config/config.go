package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/camwarden/internal/logger"
	"github.com/loykin/camwarden/internal/timewindow"
	"github.com/spf13/viper"
)

const (
	KindCapture = "capture"
	KindProcess = "process"

	GB = 1 << 30
)

// Config is the top-level TOML structure, loaded once at startup.
type Config struct {
	Supervisor SupervisorConfig `toml:"supervisor" mapstructure:"supervisor"`
	Log        LogConfig        `toml:"log" mapstructure:"log"`
	Env        []string         `toml:"env" mapstructure:"env"`
	EnvFiles   []string         `toml:"env_files" mapstructure:"env_files"`
	Workloads  []WorkloadConfig `toml:"workloads" mapstructure:"workloads"`
	Capture    CaptureConfig    `toml:"capture" mapstructure:"capture"`
	Cameras    []CameraConfig   `toml:"cameras" mapstructure:"cameras"`
	Disk       DiskConfig       `toml:"disk" mapstructure:"disk"`
	Upload     UploadConfig     `toml:"upload" mapstructure:"upload"`
	History    HistoryConfig    `toml:"history" mapstructure:"history"`
	Metrics    MetricsConfig    `toml:"metrics" mapstructure:"metrics"`
	Server     ServerConfig     `toml:"server" mapstructure:"server"`
	Tasks      []TaskConfig     `toml:"tasks" mapstructure:"tasks"`
}

type SupervisorConfig struct {
	TickInterval       time.Duration `toml:"tick_interval" mapstructure:"tick_interval"`
	StopTimeout        time.Duration `toml:"stop_timeout" mapstructure:"stop_timeout"`
	StatusInterval     time.Duration `toml:"status_interval" mapstructure:"status_interval"`
	PIDFile            string        `toml:"pidfile" mapstructure:"pidfile"`
	RestartBackoffBase time.Duration `toml:"restart_backoff_base" mapstructure:"restart_backoff_base"`
	RestartBackoffMax  time.Duration `toml:"restart_backoff_max" mapstructure:"restart_backoff_max"`
	MinUptime          time.Duration `toml:"min_uptime" mapstructure:"min_uptime"`
}

type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	Format     string `toml:"format" mapstructure:"format"`
	Color      bool   `toml:"color" mapstructure:"color"`
	Dir        string `toml:"dir" mapstructure:"dir"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

// Logger converts the section into logger.Config.
func (l LogConfig) Logger() logger.Config {
	return logger.Config{
		Level:  l.Level,
		Format: l.Format,
		Color:  l.Color,
		File: logger.FileConfig{
			Dir:        l.Dir,
			MaxSizeMB:  l.MaxSizeMB,
			MaxBackups: l.MaxBackups,
			MaxAgeDays: l.MaxAgeDays,
			Compress:   l.Compress,
		},
	}
}

type WindowConfig struct {
	Start string `toml:"start" mapstructure:"start"`
	End   string `toml:"end" mapstructure:"end"`
}

// WorkloadConfig describes one supervised job. Kind "capture" runs the
// capture engine for all enabled cameras; kind "process" runs Command.
type WorkloadConfig struct {
	Name       string         `toml:"name" mapstructure:"name"`
	Kind       string         `toml:"kind" mapstructure:"kind"`
	Command    string         `toml:"command" mapstructure:"command"`
	WorkDir    string         `toml:"workdir" mapstructure:"workdir"`
	Env        []string       `toml:"env" mapstructure:"env"`
	Continuous bool           `toml:"continuous" mapstructure:"continuous"`
	Windows    []WindowConfig `toml:"windows" mapstructure:"windows"`
}

func (w WorkloadConfig) Activation() (timewindow.Activation, error) {
	if w.Continuous {
		return timewindow.Always(), nil
	}
	ws := make([]timewindow.Window, 0, len(w.Windows))
	for _, wc := range w.Windows {
		tw, err := timewindow.Parse(wc.Start, wc.End)
		if err != nil {
			return timewindow.Activation{}, err
		}
		ws = append(ws, tw)
	}
	a := timewindow.During(ws...)
	return a, a.Validate()
}

// TaskConfig is a maintenance command run every Interval, killed after Timeout.
type TaskConfig struct {
	Name       string        `toml:"name" mapstructure:"name"`
	Command    string        `toml:"command" mapstructure:"command"`
	WorkDir    string        `toml:"workdir" mapstructure:"workdir"`
	Env        []string      `toml:"env" mapstructure:"env"`
	Interval   time.Duration `toml:"interval" mapstructure:"interval"`
	Timeout    time.Duration `toml:"timeout" mapstructure:"timeout"`
	RunAtStart bool          `toml:"run_at_start" mapstructure:"run_at_start"`
}

type CaptureConfig struct {
	Root               string        `toml:"root" mapstructure:"root"`
	CheckpointInterval time.Duration `toml:"checkpoint_interval" mapstructure:"checkpoint_interval"`
	DisconnectFPSFloor float64       `toml:"disconnect_fps_floor" mapstructure:"disconnect_fps_floor"`
	FPSWindow          time.Duration `toml:"fps_window" mapstructure:"fps_window"`
	ReconnectInterval  time.Duration `toml:"reconnect_interval" mapstructure:"reconnect_interval"`
	ReadTimeout        time.Duration `toml:"read_timeout" mapstructure:"read_timeout"`
	ProbeInterval      time.Duration `toml:"probe_interval" mapstructure:"probe_interval"`
	ProbeTimeout       time.Duration `toml:"probe_timeout" mapstructure:"probe_timeout"`
	MaxProbeRTT        time.Duration `toml:"max_probe_rtt" mapstructure:"max_probe_rtt"`
	Encoder            string        `toml:"encoder" mapstructure:"encoder"`
	FFmpegPath         string        `toml:"ffmpeg_path" mapstructure:"ffmpeg_path"`
}

type CameraConfig struct {
	ID         string  `toml:"id" mapstructure:"id"`
	URL        string  `toml:"url" mapstructure:"url"`
	Username   string  `toml:"username" mapstructure:"username"`
	Password   string  `toml:"password" mapstructure:"password"`
	FPS        float64 `toml:"fps" mapstructure:"fps"`
	Resolution string  `toml:"resolution" mapstructure:"resolution"`
	Division   string  `toml:"division" mapstructure:"division"`
	Enabled    *bool   `toml:"enabled" mapstructure:"enabled"`
}

func (c CameraConfig) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

// StreamURL returns the RTSP endpoint with credentials embedded.
func (c CameraConfig) StreamURL() string {
	u, err := url.Parse(c.URL)
	if err != nil {
		return c.URL
	}
	if c.Username != "" {
		u.User = url.UserPassword(c.Username, c.Password)
	}
	return u.String()
}

// Redacted returns the endpoint safe for logs.
func (c CameraConfig) Redacted() string {
	u, err := url.Parse(c.StreamURL())
	if err != nil {
		return "<invalid>"
	}
	return u.Redacted()
}

// Size parses Resolution ("WxH").
func (c CameraConfig) Size() (int, int, error) {
	return ParseResolution(c.Resolution)
}

func ParseResolution(s string) (int, int, error) {
	w, h, ok := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "x")
	if !ok {
		return 0, 0, fmt.Errorf("invalid resolution %q: want WxH", s)
	}
	wi, err1 := strconv.Atoi(w)
	hi, err2 := strconv.Atoi(h)
	if err1 != nil || err2 != nil || wi <= 0 || hi <= 0 {
		return 0, 0, fmt.Errorf("invalid resolution %q: want WxH", s)
	}
	return wi, hi, nil
}

type DiskConfig struct {
	Path             string        `toml:"path" mapstructure:"path"`
	ResultsRoot      string        `toml:"results_root" mapstructure:"results_root"`
	CheckInterval    time.Duration `toml:"check_interval" mapstructure:"check_interval"`
	RateWindow       time.Duration `toml:"rate_window" mapstructure:"rate_window"`
	MarginFraction   float64       `toml:"margin_fraction" mapstructure:"margin_fraction"`
	MinFreeGB        float64       `toml:"min_free_gb" mapstructure:"min_free_gb"`
	OneDayEstimateGB float64       `toml:"one_day_estimate_gb" mapstructure:"one_day_estimate_gb"`
	ProtectedDays    int           `toml:"protected_days" mapstructure:"protected_days"`
	MinRateGBPerHour float64       `toml:"min_rate_gb_per_hour" mapstructure:"min_rate_gb_per_hour"`
	ExitOnCritical   bool          `toml:"exit_on_critical" mapstructure:"exit_on_critical"`
}

func (d DiskConfig) MinFreeBytes() uint64        { return uint64(d.MinFreeGB * GB) }
func (d DiskConfig) OneDayEstimateBytes() uint64 { return uint64(d.OneDayEstimateGB * GB) }
func (d DiskConfig) MinRateBytesPerHour() float64 {
	return d.MinRateGBPerHour * GB
}

type ObjectStoreConfig struct {
	Type      string `toml:"type" mapstructure:"type"` // minio|local
	Endpoint  string `toml:"endpoint" mapstructure:"endpoint"`
	AccessKey string `toml:"access_key" mapstructure:"access_key"`
	SecretKey string `toml:"secret_key" mapstructure:"secret_key"`
	Bucket    string `toml:"bucket" mapstructure:"bucket"`
	Region    string `toml:"region" mapstructure:"region"`
	Secure    bool   `toml:"secure" mapstructure:"secure"`
	Dir       string `toml:"dir" mapstructure:"dir"`
	BaseURL   string `toml:"base_url" mapstructure:"base_url"`
}

type IndexConfig struct {
	DSN   string `toml:"dsn" mapstructure:"dsn"`
	Table string `toml:"table" mapstructure:"table"`
}

type UploadConfig struct {
	Enabled       bool              `toml:"enabled" mapstructure:"enabled"`
	TrackingDB    string            `toml:"tracking_db" mapstructure:"tracking_db"`
	RetryInterval time.Duration     `toml:"retry_interval" mapstructure:"retry_interval"`
	MaxAttempts   int               `toml:"max_attempts" mapstructure:"max_attempts"`
	BatchSize     int               `toml:"batch_size" mapstructure:"batch_size"`
	Concurrency   int               `toml:"concurrency" mapstructure:"concurrency"`
	Lease         time.Duration     `toml:"lease" mapstructure:"lease"`
	Timeout       time.Duration     `toml:"timeout" mapstructure:"timeout"`
	KeyPrefix     string            `toml:"key_prefix" mapstructure:"key_prefix"`
	PruneDays     int               `toml:"prune_success_days" mapstructure:"prune_success_days"`
	ObjectStore   ObjectStoreConfig `toml:"object_store" mapstructure:"object_store"`
	Index         IndexConfig       `toml:"index" mapstructure:"index"`
}

type HistoryConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	DSN     string `toml:"dsn" mapstructure:"dsn"`
}

type MetricsConfig struct {
	Enabled bool `toml:"enabled" mapstructure:"enabled"`
}

type ServerConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Listen  string `toml:"listen" mapstructure:"listen"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("supervisor.tick_interval", 30*time.Second)
	v.SetDefault("supervisor.stop_timeout", 10*time.Second)
	v.SetDefault("supervisor.status_interval", 5*time.Minute)
	v.SetDefault("supervisor.pidfile", "run/camwarden.pid")
	v.SetDefault("supervisor.restart_backoff_base", 30*time.Second)
	v.SetDefault("supervisor.restart_backoff_max", 10*time.Minute)
	v.SetDefault("supervisor.min_uptime", 60*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.dir", "logs")

	v.SetDefault("capture.root", "videos")
	v.SetDefault("capture.checkpoint_interval", 600*time.Second)
	v.SetDefault("capture.disconnect_fps_floor", 2.0)
	v.SetDefault("capture.fps_window", 5*time.Second)
	v.SetDefault("capture.reconnect_interval", 10*time.Second)
	v.SetDefault("capture.read_timeout", 5*time.Second)
	v.SetDefault("capture.probe_interval", 30*time.Second)
	v.SetDefault("capture.probe_timeout", 3*time.Second)
	v.SetDefault("capture.max_probe_rtt", 500*time.Millisecond)
	v.SetDefault("capture.encoder", "ffmpeg")
	v.SetDefault("capture.ffmpeg_path", "ffmpeg")

	v.SetDefault("disk.results_root", "results")
	v.SetDefault("disk.check_interval", 5*time.Minute)
	v.SetDefault("disk.rate_window", 60*time.Second)
	v.SetDefault("disk.margin_fraction", 0.2)
	v.SetDefault("disk.min_free_gb", 100.0)
	v.SetDefault("disk.one_day_estimate_gb", 50.0)
	v.SetDefault("disk.protected_days", 2)
	v.SetDefault("disk.min_rate_gb_per_hour", 0.01)
	v.SetDefault("disk.exit_on_critical", true)

	v.SetDefault("upload.enabled", true)
	v.SetDefault("upload.tracking_db", "data/upload_tracking.db")
	v.SetDefault("upload.retry_interval", 10*time.Minute)
	v.SetDefault("upload.max_attempts", 5)
	v.SetDefault("upload.batch_size", 50)
	v.SetDefault("upload.concurrency", 4)
	v.SetDefault("upload.lease", 15*time.Minute)
	v.SetDefault("upload.timeout", 5*time.Minute)
	v.SetDefault("upload.prune_success_days", 30)
	v.SetDefault("upload.object_store.type", "local")
	v.SetDefault("upload.object_store.dir", "remote")
	v.SetDefault("upload.object_store.endpoint", "")
	v.SetDefault("upload.object_store.access_key", "")
	v.SetDefault("upload.object_store.secret_key", "")
	v.SetDefault("upload.object_store.bucket", "camwarden")
	v.SetDefault("upload.index.dsn", "sqlite://data/index.db")
	v.SetDefault("upload.index.table", "segments")

	v.SetDefault("history.enabled", false)
	v.SetDefault("history.dsn", "")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.listen", "127.0.0.1:8089")
}

// Load reads, defaults and validates the TOML file at path.
// Any key can be overridden with CAMWARDEN_<SECTION>_<KEY>.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetEnvPrefix("CAMWARDEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return nil, &ValidationError{Field: "file", Msg: err.Error()}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, &ValidationError{Field: "file", Msg: err.Error()}
	}
	if c.Disk.Path == "" {
		c.Disk.Path = c.Capture.Root
	}
	for i := range c.Workloads {
		if c.Workloads[i].Kind == "" {
			c.Workloads[i].Kind = KindProcess
		}
	}
	for i := range c.Tasks {
		if c.Tasks[i].Timeout == 0 {
			c.Tasks[i].Timeout = c.Tasks[i].Interval
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// EnabledCameras returns cameras not explicitly disabled, in file order.
func (c *Config) EnabledCameras() []CameraConfig {
	out := make([]CameraConfig, 0, len(c.Cameras))
	for _, cam := range c.Cameras {
		if cam.IsEnabled() {
			out = append(out, cam)
		}
	}
	return out
}

func (c *Config) Camera(id string) (CameraConfig, bool) {
	for _, cam := range c.Cameras {
		if cam.ID == id {
			return cam, true
		}
	}
	return CameraConfig{}, false
}

// CaptureActivations returns the activations of every capture workload.
func (c *Config) CaptureActivations() []timewindow.Activation {
	var out []timewindow.Activation
	for _, w := range c.Workloads {
		if w.Kind != KindCapture {
			continue
		}
		if a, err := w.Activation(); err == nil {
			out = append(out, a)
		}
	}
	return out
}
