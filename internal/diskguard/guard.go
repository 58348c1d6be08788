package diskguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/loykin/camwarden/internal/history"
	"github.com/loykin/camwarden/internal/metrics"
	"github.com/loykin/camwarden/internal/timewindow"
)

var (
	// ErrInsufficientSpace means cleanup ran out of deletable units before
	// reaching its target.
	ErrInsufficientSpace = errors.New("no deletable data left to reach free space target")
	// ErrResourceExhausted is the fatal condition: forecast CRITICAL and
	// less free space than one day of recording needs.
	ErrResourceExhausted = errors.New("disk space exhausted")
)

type Options struct {
	// Roots hold dated folders, typically the capture root then the results root.
	Roots            []string
	MinFree          uint64
	OneDayEstimate   uint64
	MarginFraction   float64
	ProtectedDays    int
	RateWindow       time.Duration
	MinRateBytesHour float64
	// Captures are the activations of capture workloads.
	Captures []timewindow.Activation
	Logger   *slog.Logger
	History  *history.Recorder
	Now      func() time.Time
	// SizeOf and Remove default to DirSize and os.RemoveAll.
	SizeOf func(path string) (uint64, error)
	Remove func(path string) error
}

type Manager struct {
	sampler Sampler
	opts    Options
	log     *slog.Logger

	mu   sync.Mutex
	last Report
}

func New(sampler Sampler, opts Options) *Manager {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.SizeOf == nil {
		opts.SizeOf = DirSize
	}
	if opts.Remove == nil {
		opts.Remove = os.RemoveAll
	}
	if opts.ProtectedDays < 1 {
		opts.ProtectedDays = 2
	}
	if opts.MarginFraction <= 0 {
		opts.MarginFraction = 0.2
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Manager{sampler: sampler, opts: opts, log: log.With("component", "disk")}
}

// CleanupResult reports what one cleanup call removed.
type CleanupResult struct {
	Freed        uint64   `json:"freed_bytes" yaml:"freed_bytes"`
	Deleted      []string `json:"deleted" yaml:"deleted"`
	DryRun       bool     `json:"dry_run,omitempty" yaml:"dry_run,omitempty"`
	Insufficient bool     `json:"insufficient,omitempty" yaml:"insufficient,omitempty"`
}

// Cleanup deletes unprotected units oldest first until current free space
// plus freed bytes reaches target. With dryRun nothing is removed. The
// returned error wraps ErrInsufficientSpace when the target was not reached.
func (m *Manager) Cleanup(ctx context.Context, target uint64, dryRun bool) (CleanupResult, error) {
	res := CleanupResult{DryRun: dryRun}
	s, err := m.sampler.Sample(ctx)
	if err != nil {
		return res, err
	}
	if s.Free >= target {
		return res, nil
	}
	units, err := Units(m.opts.Roots...)
	if err != nil {
		return res, fmt.Errorf("list retention units: %w", err)
	}
	protected := Protected(m.opts.Now(), m.opts.ProtectedDays)
	for _, u := range units {
		if s.Free+res.Freed >= target {
			break
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if protected[u.Day] {
			continue
		}
		var size uint64
		for _, p := range u.Paths {
			n, err := m.opts.SizeOf(p)
			if err != nil {
				return res, fmt.Errorf("size %s: %w", p, err)
			}
			size += n
		}
		if !dryRun {
			for _, p := range u.Paths {
				if err := m.opts.Remove(p); err != nil {
					return res, fmt.Errorf("remove %s: %w", p, err)
				}
			}
		}
		res.Freed += size
		res.Deleted = append(res.Deleted, u.Day)
		m.log.Info("retention unit removed", "day", u.Day, "bytes", size, "dry_run", dryRun)
	}
	if !dryRun && res.Freed > 0 {
		metrics.AddCleanupFreed(res.Freed)
		m.opts.History.Record(ctx, history.Event{
			Type:      history.EventCleanup,
			Component: "disk",
			Source:    m.source(),
			Detail:    fmt.Sprintf("freed %d bytes from %v", res.Freed, res.Deleted),
		})
	}
	if s.Free+res.Freed < target {
		res.Insufficient = true
		return res, fmt.Errorf("%w: free %s, target %s", ErrInsufficientSpace, formatGB(s.Free+res.Freed), formatGB(target))
	}
	return res, nil
}

type Health string

const (
	HealthHealthy  Health = "HEALTHY"
	HealthLow      Health = "LOW"
	HealthCritical Health = "CRITICAL"
)

// ExitCode maps health to the process exit convention.
func (h Health) ExitCode() int {
	switch h {
	case HealthHealthy:
		return 0
	case HealthCritical:
		return 2
	}
	return 1
}

// CheckResult is the outcome of a one-shot disk check.
type CheckResult struct {
	Sample  Sample         `json:"sample" yaml:"sample"`
	Health  Health         `json:"health" yaml:"health"`
	Cleanup *CleanupResult `json:"cleanup,omitempty" yaml:"cleanup,omitempty"`
}

// Check classifies free space against minFree and the one-day estimate.
// With cleanup, a LOW or CRITICAL volume is first cleaned toward minFree.
func (m *Manager) Check(ctx context.Context, minFree uint64, cleanup, dryRun bool) (CheckResult, error) {
	s, err := m.sampler.Sample(ctx)
	if err != nil {
		return CheckResult{}, err
	}
	res := CheckResult{Sample: s, Health: m.classify(s.Free, minFree)}
	if res.Health == HealthHealthy || !cleanup {
		return res, nil
	}
	cr, err := m.Cleanup(ctx, minFree, dryRun)
	res.Cleanup = &cr
	if err != nil && !errors.Is(err, ErrInsufficientSpace) {
		return res, err
	}
	if dryRun {
		res.Health = m.classify(s.Free+cr.Freed, minFree)
		return res, nil
	}
	if s, err = m.sampler.Sample(ctx); err == nil {
		res.Sample = s
		res.Health = m.classify(s.Free, minFree)
	}
	return res, nil
}

func (m *Manager) classify(free, minFree uint64) Health {
	switch {
	case free < m.opts.OneDayEstimate:
		return HealthCritical
	case free < minFree:
		return HealthLow
	}
	return HealthHealthy
}

// Report is the outcome of one periodic guard run.
type Report struct {
	At       time.Time      `json:"at" yaml:"at"`
	Sample   Sample         `json:"sample" yaml:"sample"`
	Capture  bool           `json:"capture_active" yaml:"capture_active"`
	Rate     float64        `json:"rate_bytes_per_hour" yaml:"rate_bytes_per_hour"`
	Forecast *UsageForecast `json:"forecast,omitempty" yaml:"forecast,omitempty"`
	Cleanup  *CleanupResult `json:"cleanup,omitempty" yaml:"cleanup,omitempty"`
	Fatal    bool           `json:"fatal,omitempty" yaml:"fatal,omitempty"`
}

// Last returns the most recent guard report.
func (m *Manager) Last() Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

func (m *Manager) setLast(r Report) {
	m.mu.Lock()
	m.last = r
	m.mu.Unlock()
}

// Guard runs sample, forecast and cleanup once. While a capture window is
// open the usage rate is measured and forecast to the window end; otherwise
// only the minimum free space is enforced. It returns ErrResourceExhausted
// when the forecast stays CRITICAL and free space is below one day's need.
func (m *Manager) Guard(ctx context.Context) (Report, error) {
	now := m.opts.Now()
	rep := Report{At: now}
	s, err := m.sampler.Sample(ctx)
	if err != nil {
		return rep, err
	}
	rep.Sample = s
	metrics.SetDiskFree(s.Free)

	target := m.opts.MinFree
	hours := RemainingActivityHours(now, m.opts.Captures...)
	rep.Capture = hours > 0
	if rep.Capture {
		r, err := MeasureRate(ctx, m.sampler, m.opts.RateWindow)
		if err != nil {
			return rep, err
		}
		rep.Rate = r
		metrics.SetDiskRate(r)
		if r >= m.opts.MinRateBytesHour && r > 0 {
			f := Forecast(s.Free, r, hours, m.opts.MarginFraction)
			rep.Forecast = &f
			metrics.SetForecast(string(f.Status), AllStatuses())
			m.log.Info("disk forecast", "status", f.Status, "free", formatGB(s.Free),
				"rate_per_hour", formatGB(uint64(r)), "remaining_hours", fmt.Sprintf("%.2f", hours),
				"predicted_free", formatGB(clampPositive(f.PredictedFree)))
			if f.Status != StatusSafe && f.Needed() > target {
				target = f.Needed()
			}
		} else {
			m.log.Debug("usage rate below forecast threshold", "rate_per_hour", r)
		}
	}

	if s.Free < target {
		cr, err := m.Cleanup(ctx, target, false)
		rep.Cleanup = &cr
		if err != nil && !errors.Is(err, ErrInsufficientSpace) {
			return rep, err
		}
		if err != nil {
			m.log.Warn("cleanup could not reach target", "target", formatGB(target), "freed", formatGB(cr.Freed))
		}
		s.Free += cr.Freed
	}

	if rep.Forecast != nil && rep.Forecast.Status == StatusCritical && s.Free < m.opts.OneDayEstimate {
		after := Forecast(s.Free, rep.Rate, hours, m.opts.MarginFraction)
		if after.Status == StatusCritical {
			rep.Fatal = true
		}
	}
	if !rep.Fatal && s.Free < m.opts.OneDayEstimate {
		m.log.Warn("free space below one day estimate", "free", formatGB(s.Free),
			"one_day_estimate", formatGB(m.opts.OneDayEstimate))
	}
	m.setLast(rep)
	if rep.Fatal {
		m.log.Error("disk space exhausted, operator intervention required",
			"free", formatGB(s.Free), "one_day_estimate", formatGB(m.opts.OneDayEstimate))
		m.opts.History.Record(ctx, history.Event{
			Type: history.EventDiskFatal, Component: "disk", Source: m.source(),
			Detail: fmt.Sprintf("free %s below one day estimate %s", formatGB(s.Free), formatGB(m.opts.OneDayEstimate)),
		})
		return rep, ErrResourceExhausted
	}
	return rep, nil
}

func (m *Manager) source() string {
	if len(m.opts.Roots) == 0 {
		return ""
	}
	return m.opts.Roots[0]
}

func clampPositive(v float64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}

func formatGB(b uint64) string {
	return fmt.Sprintf("%.2fGB", float64(b)/(1<<30))
}
