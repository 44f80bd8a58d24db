package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductor/internal/config"
	"github.com/fyrsmithlabs/conductor/internal/pipeline"
	"github.com/fyrsmithlabs/conductor/internal/services"
)

var (
	runInputs   map[string]string
	runBackend  string
	runFromStep string
	runTimeout  time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run <pipeline-file>",
	Short: "Execute one pipeline file to completion",
	Long: `Execute a pipeline definition in process with an in-memory store and print
the final run state as JSON.

Examples:
  # Dry run with the echo backend
  conductord run release.yaml --input version=1.4.0

  # Drive real sessions with the configured process backend
  conductord run release.yaml --backend process --timeout 30m`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(cmd.Context())
		defer cancel()
		return runPipelineFile(ctx, args[0], cmd.OutOrStdout())
	},
}

func init() {
	runCmd.Flags().StringToStringVar(&runInputs, "input", nil, "run input as key=value (repeatable)")
	runCmd.Flags().StringVar(&runBackend, "backend", config.BackendEcho, "execution backend (echo, process, gateway)")
	runCmd.Flags().StringVar(&runFromStep, "from-step", "", "id of the first step to execute")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", time.Hour, "give up and cancel the run after this long")
}

func runPipelineFile(ctx context.Context, path string, out io.Writer) error {
	p, err := pipeline.LoadFile(path)
	if err != nil {
		return err
	}

	e, err := newEnv(ctx, true)
	if err != nil {
		return err
	}
	logger := e.zap()
	defer e.close(context.Background())

	cfg := *e.cfg
	cfg.Store.Driver = config.StoreMemory
	cfg.Backend.Kind = runBackend
	cfg.Pipeline.DefinitionsDir = ""
	cfg.NATS.Enabled = false

	reg, err := services.Build(ctx, &cfg, services.BuildOptions{Logger: logger, Telemetry: e.telemetry})
	if err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}
	defer func() {
		if err := reg.Close(context.Background()); err != nil {
			logger.Warn("failed to close services", zap.Error(err))
		}
	}()

	if _, err := reg.Pipelines().Put(ctx, p); err != nil {
		return err
	}

	input := make(map[string]any, len(runInputs))
	for k, v := range runInputs {
		input[k] = v
	}
	auto := true
	run, err := reg.Runner().StartRun(ctx, p.ID, input, pipeline.StartOptions{
		AutoContinue:  &auto,
		StartFromStep: runFromStep,
	})
	if err != nil {
		return err
	}

	final, waitErr := waitForRun(ctx, reg.Runner(), run.ID, cfg.Pipeline.PollInterval.Duration(), runTimeout)
	if waitErr != nil {
		// Leave nothing running behind the command.
		if cancelled, err := reg.Runner().CancelRun(context.Background(), run.ID); err == nil {
			final = cancelled
		}
	}
	if final != nil {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(final); err != nil {
			return fmt.Errorf("failed to write run state: %w", err)
		}
	}
	if waitErr != nil {
		return waitErr
	}
	if final.Status != pipeline.RunComplete {
		return fmt.Errorf("run %s finished %s", final.ID, final.Status)
	}
	return nil
}

// waitForRun polls until the run reaches a terminal status.
func waitForRun(ctx context.Context, runs *pipeline.Runner, runID string, interval, timeout time.Duration) (*pipeline.RunState, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		run, err := runs.GetRunStatus(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run.Status.IsTerminal() {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return run, fmt.Errorf("run %s did not finish: %w", runID, ctx.Err())
		case <-ticker.C:
		}
	}
}
