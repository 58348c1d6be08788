package camwarden

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	cfg "github.com/loykin/camwarden/internal/config"
	"github.com/loykin/camwarden/internal/diskguard"
	"github.com/loykin/camwarden/internal/history"
	"github.com/loykin/camwarden/internal/history/factory"
	"github.com/loykin/camwarden/internal/remote"
	"github.com/loykin/camwarden/internal/store"
	"github.com/loykin/camwarden/internal/upload"
)

// OpenHistory builds the audit recorder. A disabled history section yields
// a recorder without sinks. The closer flushes queued events, then releases
// the sink connection.
func OpenHistory(c *cfg.Config, log *slog.Logger) (*history.Recorder, io.Closer, error) {
	if !c.History.Enabled || c.History.DSN == "" {
		return history.NewRecorder(log), nopCloser{}, nil
	}
	sink, err := factory.NewSinkFromDSN(c.History.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("history sink: %w", err)
	}
	rec := history.NewRecorder(log, sink)
	closer := historyCloser{rec: rec}
	if cl, ok := sink.(io.Closer); ok {
		closer.sink = cl
	}
	return rec, closer, nil
}

type historyCloser struct {
	rec  *history.Recorder
	sink io.Closer
}

func (h historyCloser) Close() error {
	err := h.rec.Close()
	if h.sink != nil {
		err = errors.Join(err, h.sink.Close())
	}
	return err
}

// Uploads bundles the upload queue with the stores it owns.
type Uploads struct {
	Queue *upload.Queue
	Store *store.SQLiteStore
	index *remote.SQLIndex
}

// OpenUploads opens the tracking store, the object store and the metadata
// index named by the upload section. uploadOnSubmit makes every Submit
// start an immediate delivery attempt.
func OpenUploads(c *cfg.Config, log *slog.Logger, hist *history.Recorder, uploadOnSubmit bool) (*Uploads, error) {
	repo, err := store.Open(c.Upload.TrackingDB)
	if err != nil {
		return nil, fmt.Errorf("open tracking store: %w", err)
	}
	objects, err := remote.NewObjectStore(c.Upload.ObjectStore)
	if err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("object store: %w", err)
	}
	index, err := remote.NewIndex(c.Upload.Index.DSN, c.Upload.Index.Table)
	if err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("metadata index: %w", err)
	}
	q, err := upload.New(repo, objects, index, upload.Options{
		MaxAttempts:    c.Upload.MaxAttempts,
		BatchSize:      c.Upload.BatchSize,
		Concurrency:    c.Upload.Concurrency,
		Lease:          c.Upload.Lease,
		Timeout:        c.Upload.Timeout,
		KeyPrefix:      c.Upload.KeyPrefix,
		PruneAfter:     time.Duration(c.Upload.PruneDays) * 24 * time.Hour,
		UploadOnSubmit: uploadOnSubmit,
		Logger:         log,
		History:        hist,
	})
	if err != nil {
		_ = index.Close()
		_ = repo.Close()
		return nil, err
	}
	return &Uploads{Queue: q, Store: repo, index: index}, nil
}

func (u *Uploads) Close() error {
	if u == nil {
		return nil
	}
	return errors.Join(u.index.Close(), u.Store.Close())
}

// NewDiskManager builds the disk guard for the capture volume. Retention
// units span the capture root and the results root.
func NewDiskManager(c *cfg.Config, log *slog.Logger, hist *history.Recorder) *diskguard.Manager {
	roots := []string{c.Capture.Root}
	if c.Disk.ResultsRoot != "" && c.Disk.ResultsRoot != c.Capture.Root {
		roots = append(roots, c.Disk.ResultsRoot)
	}
	return diskguard.New(diskguard.VolumeSampler{Path: c.Disk.Path}, diskguard.Options{
		Roots:            roots,
		MinFree:          c.Disk.MinFreeBytes(),
		OneDayEstimate:   c.Disk.OneDayEstimateBytes(),
		MarginFraction:   c.Disk.MarginFraction,
		ProtectedDays:    c.Disk.ProtectedDays,
		RateWindow:       c.Disk.RateWindow,
		MinRateBytesHour: c.Disk.MinRateBytesPerHour(),
		Captures:         c.CaptureActivations(),
		Logger:           log,
		History:          hist,
	})
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
