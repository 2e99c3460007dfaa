package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Scan wall time by outcome (ok, cached, in_progress, failed).
	ScanDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jobfunnel_scan_duration_seconds",
			Help:    "Scan duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"provider", "outcome"},
	)

	ProviderRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobfunnel_provider_requests_total",
			Help: "Mail provider HTTP requests by status class",
		},
		[]string{"provider", "op", "status"},
	)

	ProviderRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobfunnel_provider_retries_total",
			Help: "Mail provider retries by reason",
		},
		[]string{"provider", "reason"}, // reason: transient, rate_limited, unauthorized
	)

	TokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobfunnel_token_refresh_total",
			Help: "OAuth token refresh attempts",
		},
		[]string{"provider", "outcome"},
	)

	Classifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobfunnel_classifications_total",
			Help: "Classified messages by method and event type",
		},
		[]string{"method", "event_type"},
	)

	// LLM call latency in milliseconds.
	LLMCallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jobfunnel_llm_call_latency_ms",
			Help:    "External classifier call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(50, 2, 10),
		},
		[]string{"status"},
	)

	PrefilterDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobfunnel_prefilter_decisions_total",
			Help: "Pre-filter keep/drop decisions by reason",
		},
		[]string{"decision", "reason"},
	)
)

func RecordScan(provider, outcome string, d time.Duration) {
	ScanDuration.WithLabelValues(provider, outcome).Observe(d.Seconds())
}

func RecordProviderRequest(provider, op, status string) {
	ProviderRequests.WithLabelValues(provider, op, status).Inc()
}

func RecordProviderRetry(provider, reason string) {
	ProviderRetries.WithLabelValues(provider, reason).Inc()
}

func RecordTokenRefresh(provider, outcome string) {
	TokenRefreshes.WithLabelValues(provider, outcome).Inc()
}

func RecordClassification(method, eventType string) {
	Classifications.WithLabelValues(method, eventType).Inc()
}

func RecordLLMCall(status string, d time.Duration) {
	LLMCallLatency.WithLabelValues(status).Observe(float64(d.Milliseconds()))
}

func RecordPrefilter(keep bool, reason string) {
	decision := "drop"
	if keep {
		decision = "keep"
	}
	PrefilterDecisions.WithLabelValues(decision, reason).Inc()
}
