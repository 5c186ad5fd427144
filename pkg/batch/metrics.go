package batch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cohort",
		Name:      "entries_total",
		Help:      "Interview entries that reached a terminal state, by status.",
	}, []string{"status"})
	metricInterviewDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "cohort",
		Name:      "interview_duration_seconds",
		Help:      "Wall time of completed interviews, retries included.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
	})
	metricEntriesRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "cohort",
		Name:      "entries_running",
		Help:      "Interviews currently holding a concurrency slot.",
	})
	metricInterviewRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cohort",
		Name:      "interview_retries_total",
		Help:      "Interview attempts beyond the first.",
	})
	metricRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cohort",
		Name:      "runs_total",
		Help:      "Finished runs, by terminal status.",
	}, []string{"status"})
)

func recordEntryStarted() {
	metricEntriesRunning.Inc()
}

func recordEntryFinished(status EntryStatus, elapsed time.Duration) {
	metricEntriesRunning.Dec()
	metricEntries.WithLabelValues(string(status)).Inc()
	if status == EntryCompleted {
		metricInterviewDuration.Observe(elapsed.Seconds())
	}
}

func recordRetry() {
	metricInterviewRetries.Inc()
}

func recordRunFinished(status RunStatus) {
	metricRuns.WithLabelValues(string(status)).Inc()
}
