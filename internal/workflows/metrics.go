package workflows

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/fyrsmithlabs/conductor/internal/workflows"

// Metrics for the maintenance activities
var (
	activityDuration     metric.Float64Histogram
	activityErrorCounter metric.Int64Counter
	workersHealedCounter metric.Int64Counter
	unhealthyCounter     metric.Int64Counter
)

// initMetrics initializes OpenTelemetry metrics for workflows.
// This is called once during package initialization.
func initMetrics() {
	meter := otel.Meter(instrumentationName)

	var err error

	// Activity duration histogram
	activityDuration, err = meter.Float64Histogram(
		"conductor.workflows.activity.duration",
		metric.WithDescription("Duration of maintenance activity executions"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create activity duration: %v", err))
	}

	// Activity error counter
	activityErrorCounter, err = meter.Int64Counter(
		"conductor.workflows.activity.errors",
		metric.WithDescription("Number of maintenance activity errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create activity error counter: %v", err))
	}

	// Heal actions, labelled restarted or terminated
	workersHealedCounter, err = meter.Int64Counter(
		"conductor.workflows.workers_healed",
		metric.WithDescription("Number of unhealthy workers restarted or terminated"),
		metric.WithUnit("{worker}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create workers healed counter: %v", err))
	}

	unhealthyCounter, err = meter.Int64Counter(
		"conductor.workflows.workers_unhealthy",
		metric.WithDescription("Number of unhealthy verdicts seen during supervision"),
		metric.WithUnit("{worker}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create unhealthy counter: %v", err))
	}
}

func init() {
	initMetrics()
}
