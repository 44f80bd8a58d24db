package workflows

import (
	"context"
	"fmt"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/fyrsmithlabs/conductor/internal/config"
)

// MaintenanceWorkflowID is the fixed id of the cron workflow, so repeated
// scheduling attaches to the existing run.
const MaintenanceWorkflowID = "conductor-maintenance"

// Dial connects to the Temporal frontend described by cfg.
func Dial(cfg config.TemporalConfig) (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to create Temporal client: %w", err)
	}
	return c, nil
}

// NewWorker creates a worker on taskQueue with the maintenance workflow and
// activities registered.
func NewWorker(c client.Client, taskQueue string, a *Activities) worker.Worker {
	w := worker.New(c, taskQueue, worker.Options{})
	w.RegisterWorkflow(MaintenanceWorkflow)
	w.RegisterActivity(a)
	return w
}

// Schedule starts the cron maintenance workflow. When it is already
// running the existing run is returned.
func Schedule(ctx context.Context, c client.Client, cfg config.TemporalConfig, mc MaintenanceConfig) (client.WorkflowRun, error) {
	run, err := c.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:           MaintenanceWorkflowID,
		TaskQueue:    cfg.TaskQueue,
		CronSchedule: cfg.Cron,
	}, MaintenanceWorkflow, mc)
	if err != nil {
		return nil, fmt.Errorf("failed to schedule maintenance workflow: %w", err)
	}
	return run, nil
}

// ConfigFrom builds a MaintenanceConfig from orchestrator settings.
func ConfigFrom(cfg config.OrchestratorConfig) MaintenanceConfig {
	return MaintenanceConfig{
		AutoHeal:        cfg.AutoHeal,
		CleanupMaxAge:   cfg.CleanupMaxAge.Duration(),
		CancelStaleWork: cfg.CancelStaleWorkEnabled(),
	}
}
