package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	BatchesCreated      = prometheus.NewCounter(prometheus.CounterOpts{Name: "fleet_batches_created_total", Help: "Batches created"})
	BatchesCancelled    = prometheus.NewCounter(prometheus.CounterOpts{Name: "fleet_batches_cancelled_total", Help: "Batches cancelled by users"})
	ExecutionsStarted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "fleet_executions_started_total", Help: "Executions that began running"})
	ExecutionsSucceeded = prometheus.NewCounter(prometheus.CounterOpts{Name: "fleet_executions_succeeded_total", Help: "Executions that finished successfully"})
	ExecutionsFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "fleet_executions_failed_total", Help: "Executions that finished in failure"})
	AdmissionRejected   = prometheus.NewCounter(prometheus.CounterOpts{Name: "fleet_admission_rejected_total", Help: "Admissions rejected because queue and backlog were full"})
	RateLimitRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "fleet_rate_limit_rejects_total", Help: "Requests rejected by the rate limiter"})
	QueueRunning        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "fleet_admission_running", Help: "Executions currently holding admission slots"})
	QueueBacklog        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "fleet_admission_backlog", Help: "Executions parked in the admission backlog"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			BatchesCreated,
			BatchesCancelled,
			ExecutionsStarted,
			ExecutionsSucceeded,
			ExecutionsFailed,
			AdmissionRejected,
			RateLimitRejects,
			QueueRunning,
			QueueBacklog,
		)
	})
	return promhttp.Handler()
}
