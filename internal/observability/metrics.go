package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's self-observability instruments.
type Metrics struct {
	EventsProcessed prometheus.Counter
	ValidationDrops prometheus.Counter
	PublishFailures prometheus.Counter
	BatchRows       prometheus.Counter
	JobErrors       *prometheus.CounterVec
	JobDuration     *prometheus.HistogramVec
}

// NewMetrics registers the engine's instruments on the given registerer
// (pass prometheus.DefaultRegisterer in production, a fresh registry in
// tests).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "analytics_events_processed_total",
			Help: "Events consumed from the queue and fully aggregated.",
		}),
		ValidationDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "analytics_validation_drops_total",
			Help: "Malformed or incomplete events dropped without requeue.",
		}),
		PublishFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "analytics_realtime_publish_failures_total",
			Help: "Best-effort realtime fan-out publishes that failed.",
		}),
		BatchRows: factory.NewCounter(prometheus.CounterOpts{
			Name: "analytics_batch_rows_total",
			Help: "Rows persisted to the durable store by the batch worker.",
		}),
		JobErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "analytics_job_errors_total",
			Help: "Background job failures by job name.",
		}, []string{"job"}),
		JobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "analytics_job_duration_seconds",
			Help:    "Background job run duration by job name.",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
	}
}
