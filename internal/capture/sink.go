package capture

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/camwarden/internal/store"
	"github.com/loykin/camwarden/internal/upload"
)

// QueueSink submits finalized segments to the upload queue.
type QueueSink struct {
	Queue *upload.Queue
}

func (s QueueSink) Segment(ctx context.Context, seg Segment) error {
	return s.Queue.Submit(ctx, store.Artifact{
		Filename:   filepath.Base(seg.Path),
		LocalPath:  seg.Path,
		Camera:     seg.Camera,
		Resolution: seg.Resolution,
		CapturedAt: seg.Start,
		Duration:   seg.Duration(),
	})
}

type BackfillResult struct {
	Scanned int `json:"scanned" yaml:"scanned"`
	Queued  int `json:"queued" yaml:"queued"`
	Skipped int `json:"skipped" yaml:"skipped"`
}

// Backfill walks root/YYYYMMDD/camera and tracks every finalized segment
// that has no tracking row yet. Open segments and files whose names do not
// parse are skipped.
func Backfill(ctx context.Context, q *upload.Queue, root string, log *slog.Logger) (BackfillResult, error) {
	if log == nil {
		log = slog.Default()
	}
	var res BackfillResult
	if _, err := os.Stat(root); errors.Is(err, fs.ErrNotExist) {
		return res, nil
	}
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, _ := filepath.Rel(root, p)
		depth := strings.Count(rel, string(filepath.Separator))
		if d.IsDir() {
			if depth == 0 && rel != "." {
				if _, err := time.ParseInLocation(dayLayout, d.Name(), time.Local); err != nil {
					return fs.SkipDir
				}
			}
			if depth > 1 {
				return fs.SkipDir
			}
			return nil
		}
		if depth != 2 || strings.HasSuffix(p, partialExt) {
			return nil
		}
		res.Scanned++
		name, err := ParseSegmentName(d.Name(), time.Local)
		if err != nil {
			res.Skipped++
			log.Debug("backfill skips file", "path", p, "error", err)
			return nil
		}
		added, err := q.Track(ctx, store.Artifact{
			Filename:   d.Name(),
			LocalPath:  p,
			Camera:     name.Camera,
			Resolution: name.Resolution,
			CapturedAt: name.Start,
		})
		if err != nil {
			return err
		}
		if added {
			res.Queued++
		}
		return nil
	})
	if res.Queued > 0 {
		log.Info("untracked segments queued for upload", "root", root, "queued", res.Queued, "scanned", res.Scanned)
	}
	return res, err
}
