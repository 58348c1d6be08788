package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/camwarden/internal/history"
	"github.com/loykin/camwarden/internal/metrics"
)

const partialExt = ".partial"

type Options struct {
	Camera     string
	Resolution string
	Root       string
	Ext        string

	Checkpoint        time.Duration
	FPSFloor          float64
	FPSWindow         time.Duration
	ReconnectInterval time.Duration
	// Until ends the session; zero runs until ctx is done.
	Until time.Time

	Prober        Prober
	ProbeInterval time.Duration
	MaxProbeRTT   time.Duration

	// A failed sink hand-off is retried up to HandoffAttempts times in
	// total, waiting HandoffBackoff and doubling between tries.
	HandoffAttempts int
	HandoffBackoff  time.Duration

	Logger  *slog.Logger
	History *history.Recorder
	Now     func() time.Time
	// Sleep waits d or until ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Engine records one camera. Run may be called once.
type Engine struct {
	src     FrameSource
	writers WriterFactory
	sink    Sink
	opts    Options
	log     *slog.Logger

	mu       sync.Mutex
	health   Health
	segments []Segment
	handoffs sync.WaitGroup
}

func NewEngine(src FrameSource, writers WriterFactory, sink Sink, opts Options) (*Engine, error) {
	if src == nil || writers == nil {
		return nil, errors.New("capture engine needs a frame source and writer factory")
	}
	if opts.Camera == "" || opts.Root == "" {
		return nil, errors.New("capture engine needs a camera id and root")
	}
	if opts.Checkpoint <= 0 {
		return nil, errors.New("checkpoint interval must be > 0")
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = 10 * time.Second
	}
	if opts.FPSWindow <= 0 {
		opts.FPSWindow = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleep
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = 30 * time.Second
	}
	if opts.HandoffAttempts <= 0 {
		opts.HandoffAttempts = 6
	}
	if opts.HandoffBackoff <= 0 {
		opts.HandoffBackoff = time.Second
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		src:     src,
		writers: writers,
		sink:    sink,
		opts:    opts,
		log:     log.With("component", "capture", "camera", opts.Camera),
	}
	e.health = Health{Camera: opts.Camera, State: StateReconnecting, Reachable: true}
	return e, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (e *Engine) Camera() string { return e.opts.Camera }

// Health returns the current connection snapshot.
func (e *Engine) Health() Health {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.health
}

// Segments returns the segments finalized so far, in order.
func (e *Engine) Segments() []Segment {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Segment(nil), e.segments...)
}

func (e *Engine) update(fn func(h *Health)) {
	e.mu.Lock()
	fn(&e.health)
	e.mu.Unlock()
}

func (e *Engine) done(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	return !e.opts.Until.IsZero() && !e.opts.Now().Before(e.opts.Until)
}

// openSegment is the single segment currently being written.
type openSegment struct {
	seg     Segment
	partial string
	w       SegmentWriter
}

// Run records until ctx is done or Until passes. The open segment is
// always finalized before Run returns.
func (e *Engine) Run(ctx context.Context) error {
	session := uuid.NewString()
	log := e.log.With("session", session)
	e.update(func(h *Health) { h.Session = session })
	log.Info("capture session started", "until", e.opts.Until, "checkpoint", e.opts.Checkpoint)

	var probes sync.WaitGroup
	pctx, stopProbe := context.WithCancel(ctx)
	if e.opts.Prober != nil {
		probes.Add(1)
		go func() {
			defer probes.Done()
			e.probeLoop(pctx, log)
		}()
	}
	defer func() {
		stopProbe()
		probes.Wait()
	}()

	var (
		stream    Stream
		cur       *openSegment
		meter     = newFPSMeter(e.opts.FPSWindow)
		lostAt    time.Time
		markAt    time.Time
		reconnect bool
	)
	closeStream := func() {
		if stream != nil {
			_ = stream.Close()
			stream = nil
		}
	}
	// Cleanup must finish even when ctx is already cancelled.
	fctx := context.WithoutCancel(ctx)
	defer func() {
		if cur != nil {
			e.finalize(fctx, log, cur, e.opts.Now(), ReasonStop)
		}
		e.handoffs.Wait()
		closeStream()
		e.update(func(h *Health) {
			h.State = StateReconnecting
			h.FPS = 0
			h.Current = ""
		})
		metrics.SetConnected(e.opts.Camera, false)
		h := e.Health()
		log.Info("capture session ended",
			"segments", h.Segments, "recorded", h.Recorded.Round(time.Second),
			"disconnected", h.Disconnected.Round(time.Second),
			"reconnect_attempts", h.ReconnectAttempts, "reconnects", h.Reconnects,
			"coverage", fmt.Sprintf("%.1f%%", h.Coverage()*100))
	}()

	for !e.done(ctx) {
		if stream == nil {
			s, err := e.connect(ctx, log, reconnect)
			if err != nil {
				break
			}
			now := e.opts.Now()
			stream = s
			meter.reset(now)
			markAt = now
			if reconnect {
				lost := now.Sub(lostAt)
				e.update(func(h *Health) { h.Disconnected += lost; h.Reconnects++ })
				log.Info("camera reconnected", "after", lost.Round(time.Second))
			}
			e.update(func(h *Health) { h.State = StateConnected; h.LastSuccess = now })
			metrics.SetConnected(e.opts.Camera, true)
			e.opts.History.Enqueue(history.Event{Type: history.EventConnected, Component: "capture", Source: e.opts.Camera, Detail: session})
			reconnect = true
		}
		if cur == nil {
			seg, err := e.open(e.opts.Now())
			if err != nil {
				log.Error("open segment", "error", err)
				closeStream()
				lostAt = e.opts.Now()
				continue
			}
			cur = seg
		}

		f, err := stream.Read(ctx)
		now := e.opts.Now()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			e.disconnect(fctx, log, cur, now, ReasonDisconnect, err)
			cur = nil
			closeStream()
			lostAt = now
			continue
		}
		if f.At.IsZero() {
			f.At = now
		}
		if err := cur.w.Write(f); err != nil {
			log.Error("write frame", "path", cur.partial, "error", err)
			e.finalize(fctx, log, cur, now, ReasonWriteError)
			cur = nil
			continue
		}
		cur.seg.Frames++
		meter.add(now)
		fps, warm := meter.rate(now)
		elapsed := now.Sub(markAt)
		markAt = now
		e.update(func(h *Health) {
			h.FPS = fps
			h.LastSuccess = now
			h.Recorded += elapsed
		})
		metrics.SetFPS(e.opts.Camera, fps)

		if e.opts.FPSFloor > 0 && warm && fps < e.opts.FPSFloor {
			e.disconnect(fctx, log, cur, now, ReasonFPSFloor, fmt.Errorf("%.2f fps below floor %.2f", fps, e.opts.FPSFloor))
			cur = nil
			closeStream()
			lostAt = now
			continue
		}
		if now.Sub(cur.seg.Start) >= e.opts.Checkpoint {
			e.finalize(fctx, log, cur, now, ReasonCheckpoint)
			cur = nil
			seg, err := e.open(now)
			if err != nil {
				log.Error("open segment", "error", err)
				continue
			}
			cur = seg
		}
	}
	return nil
}

// connect opens the stream, retrying on a fixed interval. The first attempt
// of a session is immediate.
func (e *Engine) connect(ctx context.Context, log *slog.Logger, wait bool) (Stream, error) {
	for {
		if wait {
			d := e.opts.ReconnectInterval
			if !e.opts.Until.IsZero() {
				if left := e.opts.Until.Sub(e.opts.Now()); left < d {
					d = left
				}
			}
			if err := e.opts.Sleep(ctx, d); err != nil {
				return nil, err
			}
		}
		if e.done(ctx) {
			return nil, context.Canceled
		}
		s, err := e.src.Open(ctx)
		if wait {
			e.update(func(h *Health) { h.ReconnectAttempts++ })
			metrics.IncReconnect(e.opts.Camera, err == nil)
		}
		if err == nil {
			return s, nil
		}
		wait = true
		log.Debug("connect failed", "error", err, "retry_in", e.opts.ReconnectInterval)
	}
}

func (e *Engine) disconnect(ctx context.Context, log *slog.Logger, cur *openSegment, now time.Time, reason string, cause error) {
	label := "stream stalled"
	h := e.Health()
	if !h.Reachable {
		label = "camera offline"
	}
	log.Warn("camera disconnected", "kind", label, "reason", reason, "error", cause)
	e.finalize(ctx, log, cur, now, reason)
	e.update(func(h *Health) { h.State = StateReconnecting; h.FPS = 0 })
	metrics.SetConnected(e.opts.Camera, false)
	metrics.SetFPS(e.opts.Camera, 0)
	e.opts.History.Enqueue(history.Event{
		Type: history.EventDisconnect, Component: "capture", Source: e.opts.Camera,
		Detail: fmt.Sprintf("%s: %v", label, cause),
	})
}

func (e *Engine) open(start time.Time) (*openSegment, error) {
	final := SegmentPath(e.opts.Root, e.opts.Camera, start, e.opts.Resolution, e.opts.Ext)
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return nil, err
	}
	for seq := 1; exists(final) || exists(final+partialExt); seq++ {
		final = withSeq(SegmentPath(e.opts.Root, e.opts.Camera, start, e.opts.Resolution, e.opts.Ext), seq)
	}
	partial := final + partialExt
	w, err := e.writers.Create(partial, start)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", partial, err)
	}
	e.update(func(h *Health) { h.Current = final })
	return &openSegment{
		seg:     Segment{Camera: e.opts.Camera, Resolution: e.opts.Resolution, Start: start, Path: final},
		partial: partial,
		w:       w,
	}, nil
}

func exists(p string) bool {
	_, err := os.Lstat(p)
	return err == nil
}

// finalize closes the container, publishes it under its final name and
// hands it to the sink. Segments without frames are discarded.
func (e *Engine) finalize(ctx context.Context, log *slog.Logger, cur *openSegment, end time.Time, reason string) {
	seg := cur.seg
	seg.End = end
	seg.Reason = reason
	err := cur.w.Close()
	if seg.Frames == 0 {
		_ = os.Remove(cur.partial)
		e.update(func(h *Health) { h.Current = "" })
		return
	}
	if err != nil {
		log.Error("finalize segment", "path", cur.partial, "error", err)
		return
	}
	if err := os.Rename(cur.partial, seg.Path); err != nil {
		log.Error("publish segment", "path", seg.Path, "error", err)
		return
	}
	seg.Finalized = true
	e.mu.Lock()
	e.segments = append(e.segments, seg)
	e.health.Segments++
	e.health.Current = ""
	e.mu.Unlock()
	metrics.IncSegment(e.opts.Camera, reason)
	log.Info("segment finalized", "path", seg.Path, "reason", reason,
		"duration", seg.Duration().Round(time.Second), "frames", seg.Frames)
	if e.sink == nil {
		return
	}
	if err := e.sink.Segment(ctx, seg); err != nil {
		log.Warn("hand off segment failed, retrying", "path", seg.Path, "error", err)
		e.handoffs.Add(1)
		go func() {
			defer e.handoffs.Done()
			e.retryHandoff(context.WithoutCancel(ctx), log, seg)
		}()
	}
}

// retryHandoff keeps offering seg to the sink off the capture loop. A
// segment that is still untracked afterwards is picked up by Backfill.
func (e *Engine) retryHandoff(ctx context.Context, log *slog.Logger, seg Segment) {
	delay := e.opts.HandoffBackoff
	var err error
	for attempt := 2; attempt <= e.opts.HandoffAttempts; attempt++ {
		_ = sleep(ctx, delay)
		if err = e.sink.Segment(ctx, seg); err == nil {
			log.Info("segment handed off", "path", seg.Path, "attempt", attempt)
			return
		}
		delay *= 2
	}
	log.Error("hand off segment gave up, left for backfill", "path", seg.Path, "error", err)
}

func (e *Engine) probeLoop(ctx context.Context, log *slog.Logger) {
	t := time.NewTicker(e.opts.ProbeInterval)
	defer t.Stop()
	for {
		rtt, err := e.opts.Prober.Probe(ctx)
		if ctx.Err() != nil {
			return
		}
		reachable := err == nil
		prev := e.Health().Reachable
		e.update(func(h *Health) { h.Reachable = reachable; h.ProbeRTT = rtt })
		metrics.SetReachable(e.opts.Camera, reachable)
		switch {
		case prev && !reachable:
			log.Warn("camera unreachable", "error", err)
		case !prev && reachable:
			log.Info("camera reachable again", "rtt", rtt)
		}
		if reachable && e.opts.MaxProbeRTT > 0 && rtt > e.opts.MaxProbeRTT {
			log.Warn("camera link degraded", "rtt", rtt, "max_rtt", e.opts.MaxProbeRTT)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// RunAll runs every engine concurrently and returns when all have stopped.
func RunAll(ctx context.Context, engines []*Engine) error {
	var g errgroup.Group
	for _, e := range engines {
		g.Go(func() error {
			if err := e.Run(ctx); err != nil {
				return fmt.Errorf("camera %s: %w", e.Camera(), err)
			}
			return nil
		})
	}
	return g.Wait()
}
