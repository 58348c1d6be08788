package diskguard

import (
	"time"

	"github.com/loykin/camwarden/internal/timewindow"
)

type Status string

const (
	StatusSafe     Status = "SAFE"
	StatusTight    Status = "TIGHT"
	StatusCritical Status = "CRITICAL"
)

// AllStatuses lists forecast states for gauges.
func AllStatuses() []string {
	return []string{string(StatusSafe), string(StatusTight), string(StatusCritical)}
}

// UsageForecast predicts free space when the capture windows close.
type UsageForecast struct {
	RateBytesPerHour float64 `json:"rate_bytes_per_hour" yaml:"rate_bytes_per_hour"`
	RemainingHours   float64 `json:"remaining_hours" yaml:"remaining_hours"`
	PredictedUsage   float64 `json:"predicted_usage" yaml:"predicted_usage"`
	PredictedFree    float64 `json:"predicted_free" yaml:"predicted_free"`
	SafetyMargin     float64 `json:"safety_margin" yaml:"safety_margin"`
	Status           Status  `json:"status" yaml:"status"`
}

// RemainingActivityHours is the time left today until the union of the
// capture activations closes.
func RemainingActivityHours(now time.Time, acts ...timewindow.Activation) float64 {
	return timewindow.RemainingHours(now, acts...)
}

func Forecast(free uint64, rate, remainingHours, marginFraction float64) UsageForecast {
	f := UsageForecast{RateBytesPerHour: rate, RemainingHours: remainingHours}
	f.PredictedUsage = rate * remainingHours
	f.PredictedFree = float64(free) - f.PredictedUsage
	f.SafetyMargin = f.PredictedUsage * marginFraction
	switch {
	case f.PredictedFree > f.SafetyMargin:
		f.Status = StatusSafe
	case f.PredictedFree > 0:
		f.Status = StatusTight
	default:
		f.Status = StatusCritical
	}
	return f
}

// Needed is the free space that would turn the forecast SAFE.
func (f UsageForecast) Needed() uint64 {
	return uint64(f.PredictedUsage+f.SafetyMargin) + 1
}
