// Package workflows provides the Temporal workflow that keeps conductor's
// worker sessions healthy.
//
// MaintenanceWorkflow runs on a cron schedule. Each pass supervises every
// active worker, optionally healing unhealthy ones, and then prunes
// sessions that have been idle longer than the cleanup age. RunLocal runs
// the same pass on an in-process ticker when Temporal is not configured.
package workflows

import (
	"context"
	"errors"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductor/internal/orchestrator"
)

// MaintenanceWorkflow supervises workers and then cleans up stale sessions.
//
// An activity failure is recorded in the result and the other activity
// still runs. The run fails only when every activity it attempted failed.
func MaintenanceWorkflow(ctx workflow.Context, cfg MaintenanceConfig) (*MaintenanceResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting maintenance pass",
		"auto_heal", cfg.AutoHeal,
		"cleanup_max_age", cfg.CleanupMaxAge)

	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 3,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	var a *Activities
	result := &MaintenanceResult{}
	attempted, failed := 1, 0

	var supervised SuperviseResult
	err := workflow.ExecuteActivity(ctx, a.SuperviseWorkers, SuperviseInput{AutoHeal: cfg.AutoHeal}).Get(ctx, &supervised)
	if err != nil {
		logger.Error("Supervision failed", "error", err)
		result.Errors = append(result.Errors, FormatErrorForResult("failed to supervise workers", err))
		failed++
	} else {
		result.Supervise = &supervised
	}

	if cfg.CleanupMaxAge > 0 {
		attempted++
		var cleaned orchestrator.CleanupResult
		err = workflow.ExecuteActivity(ctx, a.CleanupSessions, CleanupInput{
			MaxAge:          cfg.CleanupMaxAge,
			CancelStaleWork: cfg.CancelStaleWork,
		}).Get(ctx, &cleaned)
		if err != nil {
			logger.Error("Cleanup failed", "error", err)
			result.Errors = append(result.Errors, FormatErrorForResult("failed to clean up sessions", err))
			failed++
		} else {
			result.Cleanup = &cleaned
		}
	}

	if failed == attempted {
		return result, NewWorkflowError("maintenance", ErrorSeverityCritical, errors.New(result.Errors[0]), "every activity failed")
	}

	logger.Info("Maintenance pass complete", "errors", len(result.Errors))
	return result, nil
}

// RunOnce performs one maintenance pass in process, mirroring
// MaintenanceWorkflow without Temporal.
func RunOnce(ctx context.Context, a *Activities, cfg MaintenanceConfig) *MaintenanceResult {
	result := &MaintenanceResult{}
	supervised, err := a.SuperviseWorkers(ctx, SuperviseInput{AutoHeal: cfg.AutoHeal})
	if err != nil {
		result.Errors = append(result.Errors, FormatErrorForResult("failed to supervise workers", err))
	} else {
		result.Supervise = supervised
	}
	if cfg.CleanupMaxAge > 0 {
		cleaned, err := a.CleanupSessions(ctx, CleanupInput{MaxAge: cfg.CleanupMaxAge, CancelStaleWork: cfg.CancelStaleWork})
		if err != nil {
			result.Errors = append(result.Errors, FormatErrorForResult("failed to clean up sessions", err))
		} else {
			result.Cleanup = cleaned
		}
	}
	return result
}

// RunLocal calls RunOnce every interval until ctx is done.
func RunLocal(ctx context.Context, interval time.Duration, a *Activities, cfg MaintenanceConfig) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result := RunOnce(ctx, a, cfg)
			for _, e := range result.Errors {
				a.logger.Warn("maintenance pass error", zap.String("error", e))
			}
		}
	}
}
