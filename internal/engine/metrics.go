package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/agentrun/internal/model"
)

// Metric label values for dispatch results.
const (
	dispatchOK           = "ok"
	dispatchError        = "error"
	dispatchUnconfigured = "unconfigured"
)

var (
	executionsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentrun_executions_created_total",
			Help: "Total number of executions created.",
		},
	)

	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrun_execution_transitions_total",
			Help: "Total number of committed execution status transitions.",
		},
		[]string{"from", "to"},
	)

	racesDiscarded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentrun_transition_races_discarded_total",
			Help: "Status updates rejected because a concurrent update already moved the execution.",
		},
	)

	cancelDeleteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentrun_cancel_job_delete_failures_total",
			Help: "Job deletions that failed during cancel; the cancel was still recorded.",
		},
	)

	dispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrun_dispatches_total",
			Help: "Total number of job submissions by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(executionsCreated)
	prometheus.MustRegister(transitionsTotal)
	prometheus.MustRegister(racesDiscarded)
	prometheus.MustRegister(cancelDeleteFailures)
	prometheus.MustRegister(dispatchesTotal)

	for _, from := range model.AllStatuses {
		for _, to := range model.AllowedTransitions(from) {
			transitionsTotal.WithLabelValues(string(from), string(to))
		}
	}
	for _, r := range []string{dispatchOK, dispatchError, dispatchUnconfigured} {
		dispatchesTotal.WithLabelValues(r)
	}
}
