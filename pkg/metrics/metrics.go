// Package metrics holds the prometheus instrumentation for sync stages,
// upstream calls and the reporting API.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	gobreaker "github.com/sony/gobreaker/v2"
)

var (
	// Sync stage metrics
	SyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gsm_sync_stage_duration_seconds",
			Help:    "Duration of sync stages in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900, 1800},
		},
		[]string{"stage"},
	)

	SyncRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gsm_sync_records_total",
			Help: "Total number of records handled by sync stages",
		},
		[]string{"stage", "outcome"}, // added, updated, discarded, skipped
	)

	SyncErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gsm_sync_errors_total",
			Help: "Total number of fatal sync stage failures",
		},
		[]string{"stage"},
	)

	SyncLastSuccess = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gsm_sync_last_success_timestamp",
			Help: "Unix timestamp of the last successful sync stage",
		},
		[]string{"stage"},
	)

	// Upstream API metrics
	UpstreamRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gsm_upstream_requests_total",
			Help: "Total number of upstream API calls",
		},
		[]string{"operation", "result"}, // success, failure, rejected
	)

	UpstreamRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gsm_upstream_request_duration_seconds",
			Help:    "Duration of upstream API calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gsm_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gsm_circuit_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	// Reporting API metrics
	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gsm_api_requests_total",
			Help: "Total number of reporting API requests",
		},
		[]string{"method", "route", "status"},
	)

	APIRateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gsm_api_rate_limit_hits_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
	)
)

// RecordStage records the outcome counts and duration of one sync stage.
func RecordStage(
	stage string,
	duration time.Duration,
	added, updated, discarded, skipped int,
	err error,
) {
	SyncDuration.WithLabelValues(stage).Observe(duration.Seconds())

	if err != nil {
		SyncErrors.WithLabelValues(stage).Inc()

		return
	}

	SyncRecords.WithLabelValues(stage, "added").Add(float64(added))
	SyncRecords.WithLabelValues(stage, "updated").Add(float64(updated))
	SyncRecords.WithLabelValues(stage, "discarded").Add(float64(discarded))
	SyncRecords.WithLabelValues(stage, "skipped").Add(float64(skipped))
	SyncLastSuccess.WithLabelValues(stage).Set(float64(time.Now().Unix()))
}

// RecordUpstream records one upstream API call.
func RecordUpstream(operation, result string, duration time.Duration) {
	UpstreamRequests.WithLabelValues(operation, result).Inc()
	UpstreamRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// BreakerStateValue maps a breaker state onto the gauge value.
func BreakerStateValue(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
