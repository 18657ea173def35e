package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/opsmend/opsmend/internal/domain"
)

const namespace = "opsmend"

var (
	runsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "runs_total",
			Help:      "Total workflow runs by terminal status",
		},
		[]string{"status"},
	)

	stageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "stage_duration_seconds",
			Help:      "Time spent in each workflow stage",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"stage"},
	)

	fixAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "fix_attempts_total",
			Help:      "Total remediation attempts by action and outcome",
		},
		[]string{"action", "outcome"},
	)
)

// recordRunCompleted records a finished run by terminal status.
func recordRunCompleted(status domain.Status) {
	runsCompleted.WithLabelValues(string(status)).Inc()
}

// recordStageDuration records time spent in one workflow stage.
func recordStageDuration(s stage, d time.Duration) {
	stageDuration.WithLabelValues(string(s)).Observe(d.Seconds())
}

// recordFixAttempt records one remediation attempt outcome.
func recordFixAttempt(action domain.FixAction, success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	fixAttempts.WithLabelValues(string(action), outcome).Inc()
}
