package camwarden

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loykin/camwarden/internal/capture"
	"github.com/loykin/camwarden/internal/capture/ffmpeg"
	cfg "github.com/loykin/camwarden/internal/config"
	"github.com/loykin/camwarden/internal/history"
)

// CaptureOptions selects what one capture session records.
type CaptureOptions struct {
	// Camera limits the session to one camera id; empty records all enabled cameras.
	Camera string
	// Until ends the session; zero runs until ctx is done.
	Until time.Time
}

// RunCapture records the selected cameras until ctx is done or Until
// passes. Finalized segments are queued for upload when uploads are enabled.
func RunCapture(ctx context.Context, c *cfg.Config, log *slog.Logger, hist *history.Recorder, o CaptureOptions) error {
	if log == nil {
		log = slog.Default()
	}
	cams := c.EnabledCameras()
	if o.Camera != "" {
		cam, ok := c.Camera(o.Camera)
		if !ok {
			return &cfg.ValidationError{Field: "camera", Msg: fmt.Sprintf("unknown camera %q", o.Camera)}
		}
		cams = []cfg.CameraConfig{cam}
	}
	if len(cams) == 0 {
		return &cfg.ValidationError{Field: "cameras", Msg: "no enabled cameras"}
	}
	if !o.Until.IsZero() && !o.Until.After(time.Now()) {
		log.Info("capture window already closed", "until", o.Until)
		return nil
	}

	var (
		sink capture.Sink
		ups  *Uploads
	)
	if c.Upload.Enabled {
		var err error
		ups, err = OpenUploads(c, log, hist, true)
		if err != nil {
			return err
		}
		defer func() { _ = ups.Close() }()
		sink = capture.QueueSink{Queue: ups.Queue}
	}

	engines := make([]*capture.Engine, 0, len(cams))
	for _, cam := range cams {
		e, err := NewCameraEngine(c, cam, sink, log, hist, o.Until)
		if err != nil {
			return fmt.Errorf("camera %s: %w", cam.ID, err)
		}
		engines = append(engines, e)
	}
	log.Info("capture starting", "cameras", len(engines), "until", o.Until)
	err := capture.RunAll(ctx, engines)

	if ups != nil {
		wctx, cancel := context.WithTimeout(context.Background(), c.Upload.Timeout)
		if werr := ups.Queue.Wait(wctx); werr != nil {
			log.Warn("uploads still in flight at exit, the retry pass will finish them", "error", werr)
		}
		cancel()
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// NewCameraEngine builds the engine for one camera with the configured
// decoder, encoder and reachability probe.
func NewCameraEngine(c *cfg.Config, cam cfg.CameraConfig, sink capture.Sink, log *slog.Logger, hist *history.Recorder, until time.Time) (*capture.Engine, error) {
	if log == nil {
		log = slog.Default()
	}
	w, h, err := cam.Size()
	if err != nil {
		return nil, err
	}
	src := &ffmpeg.Source{
		Binary:      c.Capture.FFmpegPath,
		URL:         cam.StreamURL(),
		FPS:         cam.FPS,
		Width:       w,
		Height:      h,
		ReadTimeout: c.Capture.ReadTimeout,
		Logger:      log.With("camera", cam.ID),
	}
	var (
		writers capture.WriterFactory
		ext     = ".mp4"
	)
	switch c.Capture.Encoder {
	case "mjpeg":
		writers = capture.MJPEGWriters{}
		ext = ".mjpeg"
	default:
		writers = ffmpeg.Writers{Binary: c.Capture.FFmpegPath, FPS: cam.FPS}
	}
	var prober capture.Prober
	if addr, err := capture.ProbeAddr(cam.URL); err == nil {
		prober = capture.TCPProber{Addr: addr, Timeout: c.Capture.ProbeTimeout}
	} else {
		log.Warn("reachability probe disabled", "camera", cam.ID, "error", err)
	}
	log.Info("camera configured", "camera", cam.ID, "url", cam.Redacted(), "resolution", cam.Resolution, "fps", cam.FPS)
	return capture.NewEngine(src, writers, sink, capture.Options{
		Camera:            cam.ID,
		Resolution:        cam.Resolution,
		Root:              c.Capture.Root,
		Ext:               ext,
		Checkpoint:        c.Capture.CheckpointInterval,
		FPSFloor:          c.Capture.DisconnectFPSFloor,
		FPSWindow:         c.Capture.FPSWindow,
		ReconnectInterval: c.Capture.ReconnectInterval,
		Until:             until,
		Prober:            prober,
		ProbeInterval:     c.Capture.ProbeInterval,
		MaxProbeRTT:       c.Capture.MaxProbeRTT,
		Logger:            log,
		History:           hist,
	})
}
