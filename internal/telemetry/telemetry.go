// Package telemetry exposes Prometheus metrics for the pipeline.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insar_jobs_total",
			Help: "Total number of jobs reaching a terminal status.",
		},
		[]string{"status"},
	)

	pollAttemptsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "insar_poll_attempts_total",
			Help: "Total number of status polls against the remote service.",
		},
	)

	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "insar_active_workers",
			Help: "Number of workers currently processing a claimed job.",
		},
	)

	remoteCallDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "insar_remote_call_duration_seconds",
			Help:    "Histogram of remote processing-service call latencies.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 15, 60, 300},
		},
		[]string{"op"},
	)

	rateLimitDelaySeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "insar_rate_limit_delay_seconds",
			Help:    "Histogram of waits imposed by the remote-call rate limiter.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
	)

	samplesPersistedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "insar_samples_persisted_total",
			Help: "Total number of deformation samples committed.",
		},
	)

	samplesSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insar_samples_skipped_total",
			Help: "Total number of points skipped during extraction, by cause.",
		},
		[]string{"cause"},
	)

	jobsExpiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "insar_jobs_expired_total",
			Help: "Total number of jobs converted to expired by the sweep.",
		},
	)
)

// Handler returns the standard Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveJob records a terminal status transition.
func ObserveJob(status string) {
	jobsTotal.WithLabelValues(status).Inc()
}

// ObservePollAttempt records one status poll.
func ObservePollAttempt() {
	pollAttemptsTotal.Inc()
}

// IncActiveWorkers increments the active worker count.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active worker count.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveRemoteCall records the latency of one remote call.
func ObserveRemoteCall(op string, duration time.Duration) {
	remoteCallDurationSeconds.WithLabelValues(op).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(duration time.Duration) {
	rateLimitDelaySeconds.Observe(duration.Seconds())
}

// ObserveSamplesPersisted adds committed samples to the running total.
func ObserveSamplesPersisted(n int) {
	samplesPersistedTotal.Add(float64(n))
}

// ObserveSamplesSkipped adds skipped points to the per-cause total.
func ObserveSamplesSkipped(cause string, n int) {
	if n > 0 {
		samplesSkippedTotal.WithLabelValues(cause).Add(float64(n))
	}
}

// ObserveJobsExpired adds swept jobs to the running total.
func ObserveJobsExpired(n int) {
	if n > 0 {
		jobsExpiredTotal.Add(float64(n))
	}
}
