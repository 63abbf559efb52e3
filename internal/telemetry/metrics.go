package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "media_jobs_submitted_total", Help: "Jobs inserted through the API"}, []string{"type"})
	SubmitLimited = prometheus.NewCounter(prometheus.CounterOpts{Name: "media_submit_rate_limited_total", Help: "Submissions rejected by the rate limiter"})
	JobsClaimed   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "media_jobs_claimed_total", Help: "Jobs claimed by workers"}, []string{"type"})
	JobsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "media_jobs_completed_total", Help: "Jobs resolved as completed"}, []string{"type"})
	JobsFailed    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "media_jobs_failed_total", Help: "Jobs resolved as failed"}, []string{"type"})
	JobsReaped    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "media_jobs_reaped_total", Help: "Expired leases swept by the reaper"}, []string{"outcome"})
	PollErrors    = prometheus.NewCounter(prometheus.CounterOpts{Name: "media_poll_errors_total", Help: "Poll iterations that hit a store error"})
	InFlightGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "media_jobs_inflight", Help: "Jobs currently executing in this process"})
	PendingGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "media_jobs_pending", Help: "Jobs waiting to be claimed"})
	JobDuration   = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "media_job_duration_seconds",
		Help:    "Wall time from claim to resolution",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
	}, []string{"type"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			SubmitLimited,
			JobsClaimed,
			JobsCompleted,
			JobsFailed,
			JobsReaped,
			PollErrors,
			InFlightGauge,
			PendingGauge,
			JobDuration,
		)
	})
	return promhttp.Handler()
}
