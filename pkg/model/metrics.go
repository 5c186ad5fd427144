package model

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cohort",
		Subsystem: "gateway",
		Name:      "requests_total",
		Help:      "Backend chat calls by provider and outcome.",
	}, []string{"provider", "outcome"})
	metricRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cohort",
		Subsystem: "gateway",
		Name:      "retries_total",
		Help:      "Retries issued against a provider after a failed call.",
	}, []string{"provider"})
	metricFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cohort",
		Subsystem: "gateway",
		Name:      "fallbacks_total",
		Help:      "Requests handed from an exhausted primary to the fallback provider.",
	}, []string{"from", "to"})
	metricLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cohort",
		Subsystem: "gateway",
		Name:      "request_duration_seconds",
		Help:      "Latency of backend chat calls.",
		Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 60, 120},
	}, []string{"provider"})
	metricTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cohort",
		Subsystem: "gateway",
		Name:      "tokens_total",
		Help:      "Tokens consumed per provider, split by prompt and completion.",
	}, []string{"provider", "kind"})
)

func recordCall(provider string, elapsed time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	metricRequests.WithLabelValues(provider, outcome).Inc()
	metricLatency.WithLabelValues(provider).Observe(elapsed.Seconds())
}

func recordRetry(provider string) {
	metricRetries.WithLabelValues(provider).Inc()
}

func recordFallback(from, to string) {
	metricFallbacks.WithLabelValues(from, to).Inc()
}

func recordUsage(provider string, u *Usage) {
	if u == nil {
		return
	}
	metricTokens.WithLabelValues(provider, "prompt").Add(float64(u.PromptTokens))
	metricTokens.WithLabelValues(provider, "completion").Add(float64(u.CompletionTokens))
}
