// Package metrics exposes the Prometheus instrumentation for the capture and
// change-detection pipelines.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CapturesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parkops_captures_total",
		Help: "Frame grabs by result (ok, failed, unmapped)",
	}, []string{"result"})

	CaptureSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "parkops_capture_seconds",
		Help:    "Wall time of one frame grab",
		Buckets: []float64{0.5, 1, 2, 5, 10, 15},
	})

	CombosInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "parkops_combos_inflight",
		Help: "Capture combinations currently holding a semaphore permit",
	})

	CombosRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parkops_combos_rejected_total",
		Help: "RunCombo calls refused because the semaphore was full or the combo was already running",
	})

	RetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parkops_task_retries_total",
		Help: "Failed-task retry attempts started",
	})

	MinuteFillTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parkops_minute_fill_total",
		Help: "Minute back-fill captures by result (ok, failed, skipped, rejected)",
	}, []string{"result"})

	DetectorRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parkops_detector_runs_total",
		Help: "Screenshot detection runs by result (done, failed)",
	}, []string{"result"})

	ChangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parkops_changes_total",
		Help: "Parking change events by type (arrive, leave, revoked)",
	}, []string{"type"})

	ChangeQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "parkops_change_queue_depth",
		Help: "Screenshots waiting in yolo_status=pending",
	})

	NVRProbeStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "parkops_nvr_up",
		Help: "NVR reachability per IP (1=online, 0=down)",
	}, []string{"nvr_ip"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parkops_http_requests_total",
		Help: "Ops API requests by method, route pattern, and status class",
	}, []string{"method", "route", "status"})
)

// Handler serves the default registry; mounted at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
