package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsStarted counts runs created by StartRun.
	RunsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "conductor",
			Subsystem: "pipeline",
			Name:      "runs_started_total",
			Help:      "Total number of pipeline runs started",
		},
	)

	// RunsFinished counts runs reaching a terminal status.
	// Labels: status (complete, failed, cancelled)
	RunsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "conductor",
			Subsystem: "pipeline",
			Name:      "runs_finished_total",
			Help:      "Total number of pipeline runs by terminal status",
		},
		[]string{"status"},
	)

	// StepsTotal counts settled steps.
	// Labels: status (complete, failed, skipped)
	StepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "conductor",
			Subsystem: "pipeline",
			Name:      "steps_total",
			Help:      "Total number of pipeline steps by outcome",
		},
		[]string{"status"},
	)

	// StepDuration tracks how long executed steps take, convergence included.
	StepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "conductor",
			Subsystem: "pipeline",
			Name:      "step_duration_seconds",
			Help:      "Duration of executed pipeline steps in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	// ConvergenceIterations tracks review iterations used per converged step.
	ConvergenceIterations = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "conductor",
			Subsystem: "pipeline",
			Name:      "convergence_iterations",
			Help:      "Review iterations used by steps with convergence criteria",
			Buckets:   []float64{1, 2, 3, 4, 5, 8},
		},
	)

	// ActiveLoops is the number of runs currently advanced by a loop.
	ActiveLoops = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "conductor",
			Subsystem: "pipeline",
			Name:      "active_loops",
			Help:      "Number of pipeline runs with an active execution loop",
		},
	)
)

func recordRunFinished(status RunStatus) {
	RunsFinished.WithLabelValues(string(status)).Inc()
}

func recordStep(status StepStatus) {
	StepsTotal.WithLabelValues(string(status)).Inc()
}
