package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "opsmend"

var (
	alertsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "alerts_total",
			Help:      "Alerts received on the webhook by outcome",
		},
		[]string{"outcome"},
	)

	runsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "runs_in_flight",
			Help:      "Workflow runs submitted but not yet finished",
		},
	)
)

// Alert outcomes.
const (
	outcomeAccepted   = "accepted"
	outcomeSuppressed = "suppressed"
	outcomeNotFiring  = "not_firing"
)

// recordAlert records one webhook alert by outcome.
func recordAlert(outcome string) {
	alertsReceived.WithLabelValues(outcome).Inc()
}
