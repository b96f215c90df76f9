package worker

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for task outcomes.
const (
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
	outcomeRetried   = "retried"
	outcomeCancelled = "cancelled"
)

var (
	tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conclave_worker_tasks_total",
			Help: "Total number of queue tasks processed, by phase and outcome.",
		},
		[]string{"phase", "outcome"},
	)

	phaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conclave_worker_phase_seconds",
			Help:    "Time spent handling one claimed task, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"phase"},
	)

	finalizeAttempts = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "conclave_worker_finalize_attempts",
			Help:    "Finalization attempts needed before a job finished.",
			Buckets: []float64{1, 2, 3, 4, 5, 8, 10},
		},
	)
)

func init() {
	prometheus.MustRegister(tasksTotal)
	prometheus.MustRegister(phaseDuration)
	prometheus.MustRegister(finalizeAttempts)

	// Pre-initialize label combinations so they appear in /metrics with
	// value 0 from startup, rather than only after first observation.
	for _, phase := range []string{"submit", "finalize"} {
		for _, outcome := range []string{outcomeCompleted, outcomeFailed, outcomeRetried, outcomeCancelled} {
			tasksTotal.WithLabelValues(phase, outcome)
		}
	}
}
