package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "camwarden"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	workloadStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workload",
			Name:      "starts_total",
			Help:      "Number of successful workload starts.",
		}, []string{"name"},
	)
	workloadStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workload",
			Name:      "stops_total",
			Help:      "Number of supervisor-initiated stops (graceful or kill).",
		}, []string{"name"},
	)
	workloadCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workload",
			Name:      "crashes_total",
			Help:      "Number of workloads found dead inside their activation window.",
		}, []string{"name"},
	)
	workloadState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "workload",
			Name:      "state",
			Help:      "Current lifecycle state (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)

	segmentsFinalized = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "segments_finalized_total",
			Help:      "Number of segments closed, by reason (checkpoint, disconnect, shutdown).",
		}, []string{"camera", "reason"},
	)
	reconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "reconnects_total",
			Help:      "Number of stream reconnect attempts, by result.",
		}, []string{"camera", "result"},
	)
	captureFPS = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "fps",
			Help:      "Rolling frames-per-second estimate.",
		}, []string{"camera"},
	)
	captureConnected = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "connected",
			Help:      "1 while the stream is CONNECTED, 0 while RECONNECTING.",
		}, []string{"camera"},
	)
	cameraReachable = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "camera_reachable",
			Help:      "Result of the last reachability probe.",
		}, []string{"camera"},
	)

	diskFree = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "disk",
		Name:      "free_bytes",
		Help:      "Free bytes on the capture volume.",
	})
	diskRate = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "disk",
		Name:      "usage_rate_bytes_per_hour",
		Help:      "Last measured write rate on the capture volume.",
	})
	forecastStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "disk",
			Name:      "forecast_status",
			Help:      "Current forecast status (1 = current).",
		}, []string{"status"},
	)
	cleanupFreed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "disk",
		Name:      "cleanup_freed_bytes_total",
		Help:      "Bytes deleted by retention cleanup.",
	})

	uploadAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upload",
			Name:      "attempts_total",
			Help:      "Upload attempts by result (success, transient, permanent).",
		}, []string{"result"},
	)
	uploadBacklog = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "upload",
			Name:      "artifacts",
			Help:      "Tracked artifacts by status.",
		}, []string{"status"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		workloadStarts, workloadStops, workloadCrashes, workloadState,
		segmentsFinalized, reconnects, captureFPS, captureConnected, cameraReachable,
		diskFree, diskRate, forecastStatus, cleanupFreed,
		uploadAttempts, uploadBacklog,
	}
}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	for _, c := range collectors() {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler serves the default gatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Helpers below no-op until Register has succeeded.

func IncStart(name string) {
	if regOK.Load() {
		workloadStarts.WithLabelValues(name).Inc()
	}
}

func IncStop(name string) {
	if regOK.Load() {
		workloadStops.WithLabelValues(name).Inc()
	}
}

func IncCrash(name string) {
	if regOK.Load() {
		workloadCrashes.WithLabelValues(name).Inc()
	}
}

// SetState marks state as the only active state for name.
func SetState(name, state string, all []string) {
	if !regOK.Load() {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		workloadState.WithLabelValues(name, s).Set(v)
	}
}

func IncSegment(camera, reason string) {
	if regOK.Load() {
		segmentsFinalized.WithLabelValues(camera, reason).Inc()
	}
}

func IncReconnect(camera string, ok bool) {
	if regOK.Load() {
		result := "failure"
		if ok {
			result = "success"
		}
		reconnects.WithLabelValues(camera, result).Inc()
	}
}

func SetFPS(camera string, fps float64) {
	if regOK.Load() {
		captureFPS.WithLabelValues(camera).Set(fps)
	}
}

func SetConnected(camera string, connected bool) {
	if regOK.Load() {
		captureConnected.WithLabelValues(camera).Set(boolValue(connected))
	}
}

func SetReachable(camera string, reachable bool) {
	if regOK.Load() {
		cameraReachable.WithLabelValues(camera).Set(boolValue(reachable))
	}
}

func SetDiskFree(bytes uint64) {
	if regOK.Load() {
		diskFree.Set(float64(bytes))
	}
}

func SetDiskRate(bytesPerHour float64) {
	if regOK.Load() {
		diskRate.Set(bytesPerHour)
	}
}

func SetForecast(status string, all []string) {
	if !regOK.Load() {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == status {
			v = 1
		}
		forecastStatus.WithLabelValues(s).Set(v)
	}
}

func AddCleanupFreed(bytes uint64) {
	if regOK.Load() {
		cleanupFreed.Add(float64(bytes))
	}
}

func IncUpload(result string) {
	if regOK.Load() {
		uploadAttempts.WithLabelValues(result).Inc()
	}
}

func SetUploadBacklog(counts map[string]int) {
	if !regOK.Load() {
		return
	}
	for status, n := range counts {
		uploadBacklog.WithLabelValues(status).Set(float64(n))
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
