package backend

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Operation names used as the op label.
const (
	OpCreate = "create"
	OpStatus = "status"
	OpDelete = "delete"
	OpLogs   = "logs"
	OpList   = "list"
)

// Metric label values for operation results.
const (
	resultOK           = "ok"
	resultNotFound     = "not_found"
	resultError        = "error"
	resultUnconfigured = "unconfigured"
)

var (
	operationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrun_backend_operations_total",
			Help: "Total number of job backend operations by backend, operation and result.",
		},
		[]string{"backend", "op", "result"},
	)

	operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentrun_backend_operation_seconds",
			Help:    "Duration of job backend calls to the orchestrator, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "op"},
	)
)

func init() {
	prometheus.MustRegister(operationsTotal)
	prometheus.MustRegister(operationDuration)
}

// Observe records the outcome of one orchestrator call. Adapters defer it
// with the time the call started.
func Observe(name, op string, start time.Time, err error) {
	operationDuration.WithLabelValues(name, op).Observe(time.Since(start).Seconds())
	result := resultOK
	switch {
	case errors.Is(err, ErrUnconfigured):
		result = resultUnconfigured
	case errors.Is(err, ErrJobNotFound):
		result = resultNotFound
	case err != nil:
		result = resultError
	}
	operationsTotal.WithLabelValues(name, op, result).Inc()
}
