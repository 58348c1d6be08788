package capture

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/camwarden/internal/store"
	"github.com/loykin/camwarden/internal/upload"
)

// flakySink fails the first n hand-offs.
type flakySink struct {
	collectSink
	mu    sync.Mutex
	n     int
	calls int
}

func (f *flakySink) Segment(ctx context.Context, s Segment) error {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.n
	f.mu.Unlock()
	if fail {
		return errors.New("database is locked")
	}
	return f.collectSink.Segment(ctx, s)
}

func TestFailedHandoffIsRetried(t *testing.T) {
	clock := &fakeClock{t: t0}
	sink := &flakySink{n: 2}
	e, _ := newTestEngine(t, &fakeSource{clock: clock}, sink, func(o *Options) {
		o.Until = t0.Add(300 * time.Second)
		o.HandoffBackoff = time.Millisecond
	})
	require.NoError(t, e.Run(context.Background()))

	assert.Equal(t, 3, sink.calls)
	require.Len(t, sink.segs, 1)
	assert.FileExists(t, sink.segs[0].Path)
}

func TestHandoffGivesUpAfterAttempts(t *testing.T) {
	clock := &fakeClock{t: t0}
	sink := &flakySink{n: 100}
	e, _ := newTestEngine(t, &fakeSource{clock: clock}, sink, func(o *Options) {
		o.Until = t0.Add(300 * time.Second)
		o.HandoffAttempts = 3
		o.HandoffBackoff = time.Millisecond
	})
	require.NoError(t, e.Run(context.Background()))

	assert.Equal(t, 3, sink.calls)
	assert.Empty(t, sink.segs)
	assert.Len(t, e.Segments(), 1, "the segment stays on disk for backfill")
}

type nopObjects struct{}

func (nopObjects) Put(context.Context, string, string) (string, error) { return "mem://x", nil }

type nopIndex struct{}

func (nopIndex) Upsert(context.Context, upload.Record) error { return nil }

func newQueue(t *testing.T) (*upload.Queue, *store.SQLiteStore) {
	t.Helper()
	repo, err := store.Open(filepath.Join(t.TempDir(), "tracking.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	q, err := upload.New(repo, nopObjects{}, nopIndex{}, upload.Options{})
	require.NoError(t, err)
	return q, repo
}

func touch(t *testing.T, p string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte("frames"), 0o644))
}

func TestBackfillTracksUntrackedSegments(t *testing.T) {
	root := t.TempDir()
	q, repo := newQueue(t)
	ctx := context.Background()

	tracked := SegmentPath(root, "camera_35", t0, "1280x720", ".mp4")
	untracked := SegmentPath(root, "camera_35", t0.Add(10*time.Minute), "1280x720", ".mp4")
	open := SegmentPath(root, "camera_35", t0.Add(20*time.Minute), "1280x720", ".mp4") + partialExt
	for _, p := range []string{tracked, untracked, open,
		filepath.Join(root, "20250105", "camera_35", "notes.txt"),
		filepath.Join(root, "lost+found", "x", "camera_35_20250105_110000_1280x720.mp4"),
	} {
		touch(t, p)
	}
	require.NoError(t, QueueSink{Queue: q}.Segment(ctx, Segment{Path: tracked, Camera: "camera_35", Resolution: "1280x720", Start: t0}))

	res, err := Backfill(ctx, q, root, nil)
	require.NoError(t, err)
	assert.Equal(t, BackfillResult{Scanned: 3, Queued: 1, Skipped: 1}, res)

	a, err := repo.Get(ctx, filepath.Base(untracked))
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, a.Status)
	assert.Equal(t, "camera_35", a.Camera)
	assert.True(t, a.CapturedAt.Equal(t0.Add(10*time.Minute)))

	res, err = Backfill(ctx, q, root, nil)
	require.NoError(t, err)
	assert.Zero(t, res.Queued, "second run finds nothing new")
}

func TestBackfillMissingRoot(t *testing.T) {
	q, _ := newQueue(t)
	res, err := Backfill(context.Background(), q, filepath.Join(t.TempDir(), "none"), nil)
	require.NoError(t, err)
	assert.Zero(t, res)
}
