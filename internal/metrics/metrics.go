// Package metrics exposes Prometheus collectors for the application pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	applicationsTotal          *prometheus.CounterVec
	applyAttemptsTotal         prometheus.Counter
	claimsTotal                *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	backoffDelaySeconds        *prometheus.HistogramVec
	rateLimitDelaySeconds      prometheus.Histogram
	sourceRequestsTotal        *prometheus.CounterVec
	supervisorRestartsTotal    *prometheus.CounterVec
	supervisorState            *prometheus.GaugeVec
	forcedTerminationsTotal    prometheus.Counter
	ledgerFlushesTotal         *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		applicationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autoapply_applications_total",
				Help: "Application results recorded in the ledger, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		applyAttemptsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "autoapply_apply_attempts_total",
				Help: "Apply calls issued against the job source, retries included.",
			},
		)

		claimsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autoapply_ledger_claims_total",
				Help: "Ledger claim attempts, labeled by result (won or lost).",
			},
			[]string{"result"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "autoapply_active_workers",
				Help: "Number of workers currently running.",
			},
		)

		backoffDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "autoapply_backoff_delay_seconds",
				Help:    "Scheduled backoff delays, labeled by kind.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 300, 600},
			},
			[]string{"kind"},
		)

		rateLimitDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "autoapply_rate_limit_delay_seconds",
				Help:    "Time spent waiting on the pool-wide request ceiling.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10},
			},
		)

		sourceRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autoapply_source_requests_total",
				Help: "Job source calls, labeled by operation and result.",
			},
			[]string{"operation", "result"},
		)

		supervisorRestartsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autoapply_supervisor_restarts_total",
				Help: "Restarts issued by the supervisor, labeled by dependent.",
			},
			[]string{"dependent"},
		)

		supervisorState = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "autoapply_supervisor_state",
				Help: "Current supervisor state per dependent (1 for the active state).",
			},
			[]string{"dependent", "state"},
		)

		forcedTerminationsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "autoapply_pool_forced_terminations_total",
				Help: "Workers that missed the shutdown deadline and were force-terminated.",
			},
		)

		ledgerFlushesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autoapply_ledger_flushes_total",
				Help: "Ledger flushes to durable storage, labeled by result.",
			},
			[]string{"result"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveApplication increments the outcome counter.
func ObserveApplication(outcome string) {
	Init()
	applicationsTotal.WithLabelValues(outcome).Inc()
}

// ObserveApplyAttempt counts one apply call.
func ObserveApplyAttempt() {
	Init()
	applyAttemptsTotal.Inc()
}

// ObserveClaim records whether a ledger claim was won.
func ObserveClaim(won bool) {
	Init()
	result := "lost"
	if won {
		result = "won"
	}
	claimsTotal.WithLabelValues(result).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveBackoff records a scheduled delay.
func ObserveBackoff(kind string, d time.Duration) {
	Init()
	backoffDelaySeconds.WithLabelValues(kind).Observe(d.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(d time.Duration) {
	Init()
	rateLimitDelaySeconds.Observe(d.Seconds())
}

// ObserveSourceRequest records a job source call.
func ObserveSourceRequest(operation, result string) {
	Init()
	sourceRequestsTotal.WithLabelValues(operation, result).Inc()
}

// ObserveRestart counts a supervisor restart of dependent.
func ObserveRestart(dependent string) {
	Init()
	supervisorRestartsTotal.WithLabelValues(dependent).Inc()
}

// SetSupervisorState marks state as the active state of dependent and clears the previous one.
func SetSupervisorState(dependent, previous, state string) {
	Init()
	if previous != "" && previous != state {
		supervisorState.WithLabelValues(dependent, previous).Set(0)
	}
	supervisorState.WithLabelValues(dependent, state).Set(1)
}

// ObserveForcedTermination counts a worker that missed the shutdown deadline.
func ObserveForcedTermination() {
	Init()
	forcedTerminationsTotal.Inc()
}

// ObserveLedgerFlush records a flush attempt.
func ObserveLedgerFlush(err error) {
	Init()
	result := "ok"
	if err != nil {
		result = "error"
	}
	ledgerFlushesTotal.WithLabelValues(result).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
