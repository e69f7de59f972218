package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	SubmissionCounter = prometheus.NewCounter(prometheus.CounterOpts{Name: "analysis_requests_submitted_total", Help: "Total submitted analysis requests"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "analysis_rate_limit_rejects_total", Help: "Submissions rejected by rate limiter"})
	ClaimCounter      = prometheus.NewCounter(prometheus.CounterOpts{Name: "analysis_claims_total", Help: "Requests claimed by workers"})
	CompletedCounter  = prometheus.NewCounter(prometheus.CounterOpts{Name: "analysis_completed_total", Help: "Requests finished done"})
	FailedCounter     = prometheus.NewCounter(prometheus.CounterOpts{Name: "analysis_failed_total", Help: "Requests finished failed"})
	StaleFailures     = prometheus.NewCounter(prometheus.CounterOpts{Name: "analysis_stale_failures_total", Help: "Running requests failed by the stale monitor"})
	ScoresComputed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "analysis_match_scores_total", Help: "Match scores computed and stored"})
	RunningGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "analysis_running", Help: "Requests currently being processed by this worker"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			SubmissionCounter,
			RateLimitRejects,
			ClaimCounter,
			CompletedCounter,
			FailedCounter,
			StaleFailures,
			ScoresComputed,
			RunningGauge,
		)
	})
	return promhttp.Handler()
}
