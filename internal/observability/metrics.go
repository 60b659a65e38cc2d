package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the orchestrator.
type Metrics struct {
	JobsSubmitted   prometheus.Counter
	JobsCompleted   *prometheus.CounterVec // labeled by detection path: callback | poll
	JobsFailed      *prometheus.CounterVec // labeled by reason: worker | timeout | unknown_status | submit
	UnknownCallback prometheus.Counter
	BatchesCreated  prometheus.Counter
	SweepDuration   prometheus.Histogram
	ActiveStreams   prometheus.Gauge
}

// New registers and returns the orchestrator metrics.
func New() *Metrics {
	return &Metrics{
		JobsSubmitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "agnosco_jobs_submitted_total",
			Help: "Number of jobs accepted for recognition",
		}),
		JobsCompleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "agnosco_jobs_completed_total",
			Help: "Number of jobs completed, by detection path",
		}, []string{"path"}),
		JobsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "agnosco_jobs_failed_total",
			Help: "Number of jobs failed, by reason",
		}, []string{"reason"}),
		UnknownCallback: promauto.NewCounter(prometheus.CounterOpts{
			Name: "agnosco_unknown_callbacks_total",
			Help: "Callbacks received for job ids not in the registry",
		}),
		BatchesCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "agnosco_batches_created_total",
			Help: "Number of batch submissions accepted",
		}),
		SweepDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "agnosco_sweep_duration_seconds",
			Help:    "Duration of reconciliation sweeps",
			Buckets: prometheus.DefBuckets,
		}),
		ActiveStreams: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "agnosco_active_streams",
			Help: "Number of open SSE subscriptions",
		}),
	}
}

// Handler returns the HTTP handler serving the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
