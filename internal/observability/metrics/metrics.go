// Package metrics registers the prometheus instruments shared by the
// workflow engines and the sweep loop.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stencil",
		Name:      "state_transitions_total",
		Help:      "State machine transitions by aggregate kind.",
	}, []string{"aggregate", "from", "to"})

	sweepRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stencil",
		Name:      "sweep_runs_total",
		Help:      "Sweep job executions by job name and outcome.",
	}, []string{"job", "outcome"})

	gatewayAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stencil",
		Name:      "gateway_refund_attempts_total",
		Help:      "Payment gateway refund dispatches by outcome.",
	}, []string{"outcome"})

	lockWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "stencil",
		Name:      "db_lock_wait_seconds",
		Help:      "Time spent acquiring row locks.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"resource"})
)

func IncTransition(aggregate, from, to string) {
	transitions.WithLabelValues(aggregate, from, to).Inc()
}

func IncSweepRun(job, outcome string) {
	sweepRuns.WithLabelValues(job, outcome).Inc()
}

func IncGatewayAttempt(outcome string) {
	gatewayAttempts.WithLabelValues(outcome).Inc()
}

func ObserveLockWait(resource string, seconds float64) {
	lockWait.WithLabelValues(resource).Observe(seconds)
}
