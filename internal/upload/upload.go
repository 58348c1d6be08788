// Package upload delivers locally durable artifacts to the remote object
// store and metadata index. An artifact is tracked as PENDING before any
// network call and its local file is removed only after both remote steps
// have succeeded.
package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/camwarden/internal/history"
	"github.com/loykin/camwarden/internal/metrics"
	"github.com/loykin/camwarden/internal/store"
)

// ErrInFlight is returned by Upload when another attempt holds the artifact.
var ErrInFlight = errors.New("upload already in flight")

const missingFile = "local file missing"

// ObjectStore is the remote blob store.
type ObjectStore interface {
	Put(ctx context.Context, key, localPath string) (url string, err error)
}

// Record is one row of the remote metadata index.
type Record struct {
	Key        string        `json:"key" yaml:"key"`
	Filename   string        `json:"filename" yaml:"filename"`
	Camera     string        `json:"camera" yaml:"camera"`
	Resolution string        `json:"resolution" yaml:"resolution"`
	CapturedAt time.Time     `json:"captured_at" yaml:"captured_at"`
	Duration   time.Duration `json:"duration" yaml:"duration"`
	Size       int64         `json:"size" yaml:"size"`
	URL        string        `json:"url" yaml:"url"`
}

// Index is the remote metadata index. Upsert must be a no-op for a key
// that already exists.
type Index interface {
	Upsert(ctx context.Context, r Record) error
}

type Options struct {
	MaxAttempts int
	BatchSize   int
	Concurrency int
	Lease       time.Duration
	Timeout     time.Duration
	KeyPrefix   string
	// PruneAfter is how long SUCCESS rows are kept; zero keeps them forever.
	PruneAfter time.Duration
	// UploadOnSubmit starts a delivery attempt in the background right after
	// Submit records the artifact.
	UploadOnSubmit bool
	Logger         *slog.Logger
	History        *history.Recorder
}

type Queue struct {
	repo    store.Repository
	objects ObjectStore
	index   Index
	opts    Options
	log     *slog.Logger
	wg      sync.WaitGroup
}

func New(repo store.Repository, objects ObjectStore, index Index, opts Options) (*Queue, error) {
	if repo == nil || objects == nil || index == nil {
		return nil, errors.New("upload queue needs a repository, object store and index")
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Lease <= 0 {
		opts.Lease = 15 * time.Minute
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Queue{repo: repo, objects: objects, index: index, opts: opts, log: log.With("component", "upload")}, nil
}

// KeyFor returns the remote key of an artifact: prefix/YYYYMMDD/camera/filename.
func KeyFor(prefix string, a store.Artifact) string {
	day := a.CapturedAt.Format("20060102")
	return path.Join(prefix, day, a.Camera, a.Filename)
}

// Submit records a new artifact as PENDING. It never touches the network
// itself; with UploadOnSubmit a background attempt follows. Submitting an
// already tracked filename is a no-op.
func (q *Queue) Submit(ctx context.Context, a store.Artifact) error {
	added, err := q.Track(ctx, a)
	if err != nil || !added || !q.opts.UploadOnSubmit {
		return err
	}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		if _, err := q.Upload(context.WithoutCancel(ctx), a.Filename); err != nil && !errors.Is(err, ErrInFlight) {
			q.log.Warn("upload attempt failed", "artifact", a.Filename, "error", err)
		}
	}()
	return nil
}

// Track records a as PENDING and reports whether it was new. It never
// starts an upload.
func (q *Queue) Track(ctx context.Context, a store.Artifact) (bool, error) {
	if a.Filename == "" || a.LocalPath == "" {
		return false, errors.New("artifact needs a filename and local path")
	}
	if a.RemoteKey == "" {
		a.RemoteKey = KeyFor(q.opts.KeyPrefix, a)
	}
	if a.Size == 0 {
		if fi, err := os.Stat(a.LocalPath); err == nil {
			a.Size = fi.Size()
		}
	}
	err := q.repo.MarkPending(ctx, a)
	if errors.Is(err, store.ErrExists) {
		q.log.Debug("artifact already tracked", "artifact", a.Filename)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	q.log.Info("artifact queued", "artifact", a.Filename, "camera", a.Camera, "size", a.Size)
	return true, nil
}

// Wait blocks until background attempts started by Submit have finished or
// ctx is done.
func (q *Queue) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Upload runs one delivery attempt for filename and returns the resulting
// status. A PUT that already succeeded on an earlier attempt is not repeated.
func (q *Queue) Upload(ctx context.Context, filename string) (store.Status, error) {
	a, ok, err := q.repo.Claim(ctx, filename, q.opts.Lease)
	if err != nil {
		return "", err
	}
	if !ok {
		cur, err := q.repo.Get(ctx, filename)
		if err != nil {
			return "", err
		}
		if cur.Status != store.StatusPending {
			return cur.Status, nil
		}
		return cur.Status, ErrInFlight
	}
	log := q.log.With("artifact", a.Filename, "camera", a.Camera)

	if a.RemoteURL == "" {
		if _, err := os.Stat(a.LocalPath); errors.Is(err, os.ErrNotExist) {
			return q.permanent(ctx, log, a, errors.New(missingFile))
		}
	}

	actx, cancel := context.WithTimeout(ctx, q.opts.Timeout)
	defer cancel()

	url := a.RemoteURL
	if url == "" {
		url, err = q.objects.Put(actx, a.RemoteKey, a.LocalPath)
		if err != nil {
			return q.failed(ctx, log, a, fmt.Errorf("put object: %w", err))
		}
		if err := q.repo.MarkUploaded(ctx, a.Filename, url); err != nil {
			return q.failed(ctx, log, a, err)
		}
		log.Debug("object stored", "url", url)
	}

	rec := Record{
		Key:        a.RemoteKey,
		Filename:   a.Filename,
		Camera:     a.Camera,
		Resolution: a.Resolution,
		CapturedAt: a.CapturedAt,
		Duration:   a.Duration,
		Size:       a.Size,
		URL:        url,
	}
	if err := q.index.Upsert(actx, rec); err != nil {
		return q.failed(ctx, log, a, fmt.Errorf("index upsert: %w", err))
	}
	if err := q.repo.MarkSuccess(ctx, a.Filename); err != nil {
		return "", err
	}
	metrics.IncUpload("success")
	if err := os.Remove(a.LocalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("remove delivered file", "path", a.LocalPath, "error", err)
	}
	log.Info("artifact delivered", "url", url, "attempts", a.Attempts+1)
	return store.StatusSuccess, nil
}

func (q *Queue) failed(ctx context.Context, log *slog.Logger, a store.Artifact, cause error) (store.Status, error) {
	if Classify(cause) == ClassPermanent {
		return q.permanent(ctx, log, a, cause)
	}
	st, err := q.repo.MarkAttemptFailed(ctx, a.Filename, cause.Error(), q.opts.MaxAttempts)
	if err != nil {
		return "", errors.Join(cause, err)
	}
	if st == store.StatusFailedPermanent {
		metrics.IncUpload("permanent")
		q.lost(ctx, log, a, cause)
		return st, cause
	}
	metrics.IncUpload("retry")
	log.Warn("upload attempt failed, will retry", "attempt", a.Attempts+1, "max_attempts", q.opts.MaxAttempts, "error", cause)
	return st, cause
}

func (q *Queue) permanent(ctx context.Context, log *slog.Logger, a store.Artifact, cause error) (store.Status, error) {
	if err := q.repo.MarkFailed(ctx, a.Filename, cause.Error()); err != nil {
		return "", errors.Join(cause, err)
	}
	metrics.IncUpload("permanent")
	q.lost(ctx, log, a, cause)
	return store.StatusFailedPermanent, cause
}

func (q *Queue) lost(ctx context.Context, log *slog.Logger, a store.Artifact, cause error) {
	log.Error("artifact marked FAILED_PERMANENT, local file kept", "path", a.LocalPath, "error", cause)
	q.opts.History.Record(ctx, history.Event{
		Type:      history.EventUploadLost,
		Component: "upload",
		Source:    a.Filename,
		Detail:    cause.Error(),
	})
}

// PassResult summarizes one retry pass.
type PassResult struct {
	Selected  int `json:"selected" yaml:"selected"`
	Succeeded int `json:"succeeded" yaml:"succeeded"`
	Retrying  int `json:"retrying" yaml:"retrying"`
	Permanent int `json:"permanent" yaml:"permanent"`
	Skipped   int `json:"skipped" yaml:"skipped"`
}

// RetryPass retries a bounded batch of PENDING artifacts, oldest first,
// with at most Concurrency uploads in flight.
func (q *Queue) RetryPass(ctx context.Context) (PassResult, error) {
	list, err := q.repo.ListPendingForRetry(ctx, q.opts.BatchSize, q.opts.MaxAttempts)
	if err != nil {
		return PassResult{}, err
	}
	res := PassResult{Selected: len(list)}
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(q.opts.Concurrency)
	for _, a := range list {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			st, err := q.Upload(ctx, a.Filename)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, ErrInFlight):
				res.Skipped++
			case st == store.StatusSuccess:
				res.Succeeded++
			case st == store.StatusFailedPermanent:
				res.Permanent++
			default:
				res.Retrying++
			}
			return nil
		})
	}
	_ = g.Wait()
	if _, err := q.Stats(ctx); err != nil {
		q.log.Warn("refresh upload backlog", "error", err)
	}
	if res.Selected > 0 {
		q.log.Info("retry pass finished", "selected", res.Selected, "succeeded", res.Succeeded,
			"retrying", res.Retrying, "permanent", res.Permanent, "skipped", res.Skipped)
	}
	return res, ctx.Err()
}

// Resync returns every FAILED_PERMANENT artifact to PENDING so the next
// retry pass redelivers it.
func (q *Queue) Resync(ctx context.Context) (int, error) {
	n, err := q.repo.ResetFailed(ctx)
	if err != nil {
		return 0, err
	}
	q.log.Info("failed artifacts reset to pending", "count", n)
	return n, nil
}

// Prune deletes SUCCESS rows older than age. A non-positive age uses
// PruneAfter; if that is zero too nothing is deleted.
func (q *Queue) Prune(ctx context.Context, age time.Duration) (int, error) {
	if age <= 0 {
		age = q.opts.PruneAfter
	}
	if age <= 0 {
		return 0, nil
	}
	n, err := q.repo.PruneSuccess(ctx, time.Now().Add(-age))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.log.Info("delivered artifacts pruned from tracking store", "count", n, "older_than", age)
	}
	return n, nil
}

// Stats returns artifact counts by status and updates the backlog gauge.
func (q *Queue) Stats(ctx context.Context) (map[store.Status]int, error) {
	counts, err := q.repo.Counts(ctx)
	if err != nil {
		return nil, err
	}
	m := make(map[string]int, len(counts))
	for k, v := range counts {
		m[string(k)] = v
	}
	metrics.SetUploadBacklog(m)
	return counts, nil
}
