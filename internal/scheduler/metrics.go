package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "expertgrid"
	subsystem = "scheduler"
)

var (
	dispatchedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "dispatched_total",
		Help:      "Total number of sub-jobs handed to experts",
	})

	outcomeCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "outcomes_total",
		Help:      "Total number of expert outcomes by status",
	}, []string{"status"})

	replanCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "replans_total",
		Help:      "Total number of sub-jobs spliced out for a finer decomposition",
	})

	rollbackCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "rollbacks_total",
		Help:      "Total number of predecessor rewinds caused by invalid input data",
	})

	deadlockCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "deadlocks_total",
		Help:      "Total number of runs stopped because no sub-job could make progress",
	})

	inflightGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "inflight",
		Help:      "Number of sub-jobs currently dispatched and not yet harvested",
	})

	executionDurationHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "execution_duration_seconds",
		Help:      "The latency distributions of expert executions",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2.0, 16),
	}, []string{"status"})
)

// InitMetrics registers all metrics in this file
func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(dispatchedCounter)
	registry.MustRegister(outcomeCounter)
	registry.MustRegister(replanCounter)
	registry.MustRegister(rollbackCounter)
	registry.MustRegister(deadlockCounter)
	registry.MustRegister(inflightGauge)
	registry.MustRegister(executionDurationHistogram)
}
