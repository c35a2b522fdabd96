// Package metrics holds the Prometheus collectors of the scheduler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mailsched"

// Lock acquisition outcomes
const (
	LockAcquired  = "acquired"
	LockDenied    = "denied"
	LockTakenOver = "taken_over"
	LockError     = "error"
)

var (
	Ticks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "ticks_total",
		Help:      "Scheduler ticks started.",
	})

	SkippedTicks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "ticks_skipped_total",
		Help:      "Ticks skipped because the previous tick was still running.",
	})

	DueSchedules = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "due_schedules",
		Help:      "Due schedules found by the last tick.",
	})

	LockAcquisitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "lock",
		Name:      "acquisitions_total",
		Help:      "Execution lock acquisition attempts by outcome.",
	}, []string{"outcome"})

	Executions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "execution",
		Name:      "finished_total",
		Help:      "Executions that reached a terminal status.",
	}, []string{"status", "trigger"})

	ExecutionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "execution",
		Name:      "duration_seconds",
		Help:      "Wall time of finished executions.",
		Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
	})

	EmailsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "emails_total",
		Help:      "Emails handled by the processing pipeline by result.",
	}, []string{"result"})

	StaleExecutions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "execution",
		Name:      "stale_cancelled_total",
		Help:      "RUNNING executions cancelled by the stale sweep.",
	})
)
