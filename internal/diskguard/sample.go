// Package diskguard keeps the capture volume from filling mid-shift. It
// forecasts usage until the capture windows close and deletes the oldest
// unprotected dated folders when the forecast or free space calls for it.
package diskguard

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/disk"
)

// Sample is one reading of the capture volume.
type Sample struct {
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
	Used      uint64    `json:"used_bytes" yaml:"used_bytes"`
	Free      uint64    `json:"free_bytes" yaml:"free_bytes"`
	Total     uint64    `json:"total_bytes" yaml:"total_bytes"`
}

type Sampler interface {
	Sample(ctx context.Context) (Sample, error)
}

// VolumeSampler reads usage of the filesystem holding Path.
type VolumeSampler struct {
	Path string
}

func (v VolumeSampler) Sample(ctx context.Context) (Sample, error) {
	u, err := disk.UsageWithContext(ctx, v.Path)
	if err != nil {
		return Sample{}, fmt.Errorf("disk usage %s: %w", v.Path, err)
	}
	return Sample{Timestamp: time.Now(), Used: u.Used, Free: u.Free, Total: u.Total}, nil
}

// MeasureRate samples twice, window apart, and returns the growth of used
// space in bytes per hour. Shrinking usage reports zero.
func MeasureRate(ctx context.Context, s Sampler, window time.Duration) (float64, error) {
	first, err := s.Sample(ctx)
	if err != nil {
		return 0, err
	}
	t := time.NewTimer(window)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-t.C:
	}
	second, err := s.Sample(ctx)
	if err != nil {
		return 0, err
	}
	return rate(first, second), nil
}

func rate(a, b Sample) float64 {
	elapsed := b.Timestamp.Sub(a.Timestamp).Hours()
	if elapsed <= 0 || b.Used <= a.Used {
		return 0
	}
	return float64(b.Used-a.Used) / elapsed
}
