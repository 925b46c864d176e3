package engine

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for response outcomes.
const (
	outcomeApplied    = "applied"
	outcomePartial    = "partial"
	outcomeStale      = "stale"
	outcomeUnexpected = "unexpected"
	outcomeOpOK       = "op_ok"
	outcomeOpError    = "op_error"
)

// Metric label values for dispatch kinds.
const (
	performInit = "init"
	performRun  = "run"
	performSave = "save"
)

var (
	dispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tally_engine_dispatches_total",
			Help: "Total number of requests dispatched to engine processes.",
		},
		[]string{"perform"},
	)

	responsesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tally_engine_responses_total",
			Help: "Total number of engine responses by application outcome.",
		},
		[]string{"outcome"},
	)

	restartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tally_engine_restarts_total",
			Help: "Total number of completed engine restarts.",
		},
	)

	faultsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tally_engine_faults_total",
			Help: "Total number of engine faults (spawn failures and unexpected exits).",
		},
	)

	enginesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tally_engines_active",
			Help: "Number of engine slots with a live process.",
		},
	)
)

func init() {
	prometheus.MustRegister(dispatchesTotal)
	prometheus.MustRegister(responsesTotal)
	prometheus.MustRegister(restartsTotal)
	prometheus.MustRegister(faultsTotal)
	prometheus.MustRegister(enginesActive)

	// Pre-initialize label combinations so they appear in /metrics with
	// value 0 from startup, rather than only after first observation.
	for _, p := range []string{performInit, performRun, performSave} {
		dispatchesTotal.WithLabelValues(p)
	}
	for _, o := range []string{outcomeApplied, outcomePartial, outcomeStale, outcomeUnexpected, outcomeOpOK, outcomeOpError} {
		responsesTotal.WithLabelValues(o)
	}
}
