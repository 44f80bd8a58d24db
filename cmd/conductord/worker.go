package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductor/internal/services"
	"github.com/fyrsmithlabs/conductor/internal/workflows"
)

var scheduleMaintenance bool

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the Temporal maintenance worker",
	Long: `Run a Temporal worker for the maintenance workflow on temporal.task_queue.

The worker supervises the sessions of the store it is configured with, so it
should share store.driver postgres with the serving daemon.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := signalContext(cmd.Context())
		defer cancel()
		return runWorker(ctx)
	},
}

func init() {
	workerCmd.Flags().BoolVar(&scheduleMaintenance, "schedule", false, "also schedule the maintenance cron workflow")
}

func runWorker(ctx context.Context) error {
	e, err := newEnv(ctx, false)
	if err != nil {
		return err
	}
	logger := e.zap()
	defer e.close(context.Background())

	reg, err := services.Build(ctx, e.cfg, services.BuildOptions{Logger: logger, Telemetry: e.telemetry})
	if err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}
	defer func() {
		if err := reg.Close(context.Background()); err != nil {
			logger.Warn("failed to close services", zap.Error(err))
		}
	}()

	c, err := workflows.Dial(e.cfg.Temporal)
	if err != nil {
		return err
	}
	defer c.Close()

	if scheduleMaintenance {
		run, err := workflows.Schedule(ctx, c, e.cfg.Temporal, workflows.ConfigFrom(e.cfg.Orchestrator))
		if err != nil {
			return err
		}
		logger.Info("maintenance workflow scheduled", zap.String("workflow_id", run.GetID()))
	}

	w := workflows.NewWorker(c, e.cfg.Temporal.TaskQueue, reg.Maintenance())
	logger.Info("starting temporal worker",
		zap.String("host_port", e.cfg.Temporal.HostPort),
		zap.String("task_queue", e.cfg.Temporal.TaskQueue))

	interrupt := make(chan interface{})
	go func() {
		<-ctx.Done()
		close(interrupt)
	}()
	if err := w.Run(interrupt); err != nil {
		return fmt.Errorf("temporal worker failed: %w", err)
	}
	return nil
}
