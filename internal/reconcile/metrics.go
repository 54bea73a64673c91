package reconcile

import "github.com/prometheus/client_golang/prometheus"

// Actions counted by actionsTotal.
const (
	actionDispatch = "dispatch"
	actionStart    = "start"
	actionComplete = "complete"
	actionFail     = "fail"
	actionLost     = "lost"
	actionOrphan   = "orphan_delete"
	actionArchive  = "archive"
	actionSkipped  = "race_skipped"
)

var (
	sweepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrun_reconcile_sweeps_total",
			Help: "Total number of reconcile sweeps by result.",
		},
		[]string{"result"},
	)

	sweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentrun_reconcile_sweep_seconds",
			Help:    "Duration of a reconcile sweep, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	actionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrun_reconcile_actions_total",
			Help: "Total number of reconcile actions taken by kind.",
		},
		[]string{"action"},
	)
)

func init() {
	prometheus.MustRegister(sweepsTotal)
	prometheus.MustRegister(sweepDuration)
	prometheus.MustRegister(actionsTotal)

	for _, r := range []string{"ok", "error", "skipped"} {
		sweepsTotal.WithLabelValues(r)
	}
	for _, a := range []string{actionDispatch, actionStart, actionComplete, actionFail, actionLost, actionOrphan, actionArchive, actionSkipped} {
		actionsTotal.WithLabelValues(a)
	}
}
