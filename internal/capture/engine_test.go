package capture

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 1, 5, 11, 0, 0, 0, time.Local)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
	return c.t
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.Advance(d)
	return nil
}

// at returns the offset of t from t0 in seconds.
func at(t time.Time) float64 { return t.Sub(t0).Seconds() }

// fakeSource delivers one frame per second of fake time. A stream breaks
// once the clock reaches breakAt; Open fails while the clock is inside
// [breakAt, upAt).
type fakeSource struct {
	clock   *fakeClock
	breakAt time.Duration
	upAt    time.Duration
	// slowAfter stretches the frame interval to slowEvery on the first stream.
	slowAfter time.Duration
	slowEvery time.Duration
	cancelAt  time.Duration
	cancel    context.CancelFunc

	mu     sync.Mutex
	opens  int
	broken bool
}

func (s *fakeSource) Open(context.Context) (Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	off := s.clock.Now().Sub(t0)
	if s.broken && off < s.upAt {
		return nil, errors.New("dial tcp: connection refused")
	}
	s.opens++
	return &fakeStream{src: s, first: s.opens == 1}, nil
}

type fakeStream struct {
	src   *fakeSource
	first bool
}

func (f *fakeStream) Read(ctx context.Context) (Frame, error) {
	s := f.src
	step := time.Second
	if f.first && s.slowAfter > 0 && s.clock.Now().Sub(t0) >= s.slowAfter {
		step = s.slowEvery
	}
	now := s.clock.Advance(step)
	off := now.Sub(t0)
	if s.cancelAt > 0 && off >= s.cancelAt {
		s.cancel()
		return Frame{}, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.breakAt > 0 && !s.broken && off >= s.breakAt {
		s.broken = true
		return Frame{}, errors.New("read: connection reset by peer")
	}
	return Frame{Data: []byte{0xff, 0xd8, 0xff, 0xd9}, At: now}, nil
}

func (f *fakeStream) Close() error { return nil }

type collectSink struct {
	mu   sync.Mutex
	segs []Segment
}

func (c *collectSink) Segment(_ context.Context, s Segment) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.segs = append(c.segs, s)
	return nil
}

func newTestEngine(t *testing.T, src *fakeSource, sink Sink, mutate func(*Options)) (*Engine, string) {
	t.Helper()
	root := t.TempDir()
	opts := Options{
		Camera:            "camera_35",
		Resolution:        "1280x720",
		Root:              root,
		Ext:               ".mjpeg",
		Checkpoint:        600 * time.Second,
		FPSFloor:          0.5,
		FPSWindow:         5 * time.Second,
		ReconnectInterval: time.Second,
		Until:             t0.Add(1200 * time.Second),
		Now:               src.clock.Now,
		Sleep:             src.clock.Sleep,
	}
	if mutate != nil {
		mutate(&opts)
	}
	e, err := NewEngine(src, MJPEGWriters{}, sink, opts)
	require.NoError(t, err)
	return e, root
}

func spans(segs []Segment) [][2]float64 {
	out := make([][2]float64, len(segs))
	for i, s := range segs {
		out[i] = [2]float64{at(s.Start), at(s.End)}
	}
	return out
}

func partials(t *testing.T, root string) []string {
	t.Helper()
	var out []string
	require.NoError(t, filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err == nil && strings.HasSuffix(p, partialExt) {
			out = append(out, p)
		}
		return err
	}))
	return out
}

func TestSegmentsCoverDurationWithoutDisconnect(t *testing.T) {
	for _, d := range []time.Duration{1200 * time.Second, 1300 * time.Second, 599 * time.Second} {
		clock := &fakeClock{t: t0}
		sink := &collectSink{}
		e, root := newTestEngine(t, &fakeSource{clock: clock}, sink, func(o *Options) { o.Until = t0.Add(d) })
		require.NoError(t, e.Run(context.Background()))

		want := int(math.Ceil(d.Seconds() / 600))
		require.Len(t, sink.segs, want, "duration %s", d)
		for i, s := range sink.segs {
			assert.LessOrEqual(t, s.Duration(), 600*time.Second)
			assert.True(t, s.Finalized)
			assert.FileExists(t, s.Path)
			if i > 0 {
				assert.Equal(t, sink.segs[i-1].End, s.Start, "rotation leaves no gap")
			}
		}
		assert.Empty(t, partials(t, root))
		assert.Equal(t, sink.segs, e.Segments())
	}
}

func TestDisconnectExample(t *testing.T) {
	clock := &fakeClock{t: t0}
	src := &fakeSource{clock: clock, breakAt: 150 * time.Second, upAt: 158 * time.Second}
	sink := &collectSink{}
	e, root := newTestEngine(t, src, sink, nil)
	require.NoError(t, e.Run(context.Background()))

	assert.Equal(t, [][2]float64{{0, 150}, {158, 758}, {758, 1200}}, spans(sink.segs))
	assert.Equal(t, ReasonDisconnect, sink.segs[0].Reason)
	assert.Equal(t, ReasonCheckpoint, sink.segs[1].Reason)
	assert.Equal(t, ReasonStop, sink.segs[2].Reason)
	assert.Empty(t, partials(t, root))

	h := e.Health()
	assert.Equal(t, 8*time.Second, h.Disconnected)
	assert.Equal(t, 1, h.Reconnects)
	assert.Equal(t, 8, h.ReconnectAttempts)
	assert.Equal(t, 3, h.Segments)
	assert.Equal(t, StateReconnecting, h.State)
}

func TestFPSFloorTriggersDisconnect(t *testing.T) {
	clock := &fakeClock{t: t0}
	src := &fakeSource{clock: clock, slowAfter: 100 * time.Second, slowEvery: 3 * time.Second}
	sink := &collectSink{}
	e, _ := newTestEngine(t, src, sink, func(o *Options) { o.Until = t0.Add(300 * time.Second) })
	require.NoError(t, e.Run(context.Background()))

	require.GreaterOrEqual(t, len(sink.segs), 2)
	assert.Equal(t, ReasonFPSFloor, sink.segs[0].Reason)
	assert.Equal(t, 106.0, at(sink.segs[0].End))
	assert.Equal(t, 2, src.opens)
}

func TestStopFinalizesOpenSegment(t *testing.T) {
	clock := &fakeClock{t: t0}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src := &fakeSource{clock: clock, cancelAt: 30 * time.Second, cancel: cancel}
	sink := &collectSink{}
	e, root := newTestEngine(t, src, sink, func(o *Options) { o.Until = time.Time{} })
	require.NoError(t, e.Run(ctx))

	require.Len(t, sink.segs, 1)
	assert.Equal(t, ReasonStop, sink.segs[0].Reason)
	assert.Equal(t, [2]float64{0, 30}, spans(sink.segs)[0])
	assert.Empty(t, partials(t, root))
	b, err := os.ReadFile(sink.segs[0].Path)
	require.NoError(t, err)
	assert.Len(t, b, 29*4)
}

func TestSegmentNameCollisionGetsSequence(t *testing.T) {
	clock := &fakeClock{t: t0}
	e, root := newTestEngine(t, &fakeSource{clock: clock}, nil, nil)
	first := SegmentPath(root, "camera_35", t0, "1280x720", ".mjpeg")
	require.NoError(t, os.MkdirAll(filepath.Dir(first), 0o755))
	require.NoError(t, os.WriteFile(first, []byte("old"), 0o644))

	seg, err := e.open(t0)
	require.NoError(t, err)
	assert.Equal(t, withSeq(first, 1), seg.seg.Path)
	require.NoError(t, seg.w.Close())
}

func TestNewEngineValidation(t *testing.T) {
	_, err := NewEngine(nil, MJPEGWriters{}, nil, Options{Camera: "c", Root: "r", Checkpoint: time.Minute})
	require.Error(t, err)
	_, err = NewEngine(&fakeSource{}, MJPEGWriters{}, nil, Options{Camera: "c", Root: "r"})
	require.Error(t, err)
}

func TestRunAll(t *testing.T) {
	var engines []*Engine
	var sinks []*collectSink
	for i := 0; i < 3; i++ {
		clock := &fakeClock{t: t0}
		sink := &collectSink{}
		e, _ := newTestEngine(t, &fakeSource{clock: clock}, sink, func(o *Options) { o.Until = t0.Add(60 * time.Second) })
		engines = append(engines, e)
		sinks = append(sinks, sink)
	}
	require.NoError(t, RunAll(context.Background(), engines))
	for _, s := range sinks {
		assert.Len(t, s.segs, 1)
	}
}
