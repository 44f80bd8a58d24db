package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	httpserver "github.com/fyrsmithlabs/conductor/internal/http"
	"github.com/fyrsmithlabs/conductor/internal/services"
	"github.com/fyrsmithlabs/conductor/internal/workflows"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and background maintenance",
	Long: `Run the conductor daemon.

The HTTP API is served on server.host:server.http_port. Worker supervision
and session cleanup run every orchestrator.cleanup_interval, in process or
as a Temporal cron workflow when temporal.enabled is set.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := signalContext(cmd.Context())
		defer cancel()
		return serve(ctx)
	},
}

func serve(ctx context.Context) error {
	e, err := newEnv(ctx, false)
	if err != nil {
		return err
	}
	logger := e.zap()
	defer e.close(context.Background())

	logger.Info("starting conductor",
		zap.String("version", version),
		zap.String("store", e.cfg.Store.Driver),
		zap.String("backend", e.cfg.Backend.Kind),
		zap.Int("port", e.cfg.Server.Port))

	reg, err := services.Build(ctx, e.cfg, services.BuildOptions{Logger: logger, Telemetry: e.telemetry})
	if err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}
	defer func() {
		if err := reg.Close(context.Background()); err != nil {
			logger.Warn("failed to close services", zap.Error(err))
		}
	}()

	stopMaintenance, err := startMaintenance(ctx, e, reg)
	if err != nil {
		return err
	}
	defer stopMaintenance()

	srv, err := httpserver.NewServer(httpserver.Deps{
		Runs:      reg.Runner(),
		Pipelines: reg.Pipelines(),
		Workers:   reg.Orchestrator(),
		Reviewer:  reg.Convergence(),
		Events:    reg.Events(),
		Metrics:   httpserver.NewHTTPMetrics(logger.Named("http")),
	}, logger.Named("http"), &httpserver.Config{
		Host:    e.cfg.Server.Host,
		Port:    e.cfg.Server.Port,
		Version: version,
	})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received", zap.Duration("timeout", e.cfg.Server.ShutdownTimeout.Duration()))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), e.cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown failed: %w", err)
	}
	logger.Info("conductor stopped")
	return nil
}

// startMaintenance runs worker supervision and session cleanup. With
// Temporal enabled it starts an in-process worker and schedules the cron
// workflow; otherwise it ticks locally.
func startMaintenance(ctx context.Context, e *env, reg services.Registry) (func(), error) {
	mc := workflows.ConfigFrom(e.cfg.Orchestrator)

	if !e.cfg.Temporal.Enabled {
		mctx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			workflows.RunLocal(mctx, e.cfg.Orchestrator.CleanupInterval.Duration(), reg.Maintenance(), mc)
		}()
		return func() { cancel(); <-done }, nil
	}

	c, err := workflows.Dial(e.cfg.Temporal)
	if err != nil {
		return nil, err
	}
	w := workflows.NewWorker(c, e.cfg.Temporal.TaskQueue, reg.Maintenance())
	if err := w.Start(); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to start temporal worker: %w", err)
	}
	run, err := workflows.Schedule(ctx, c, e.cfg.Temporal, mc)
	if err != nil {
		w.Stop()
		c.Close()
		return nil, err
	}
	e.zap().Info("maintenance workflow scheduled",
		zap.String("workflow_id", run.GetID()),
		zap.String("cron", e.cfg.Temporal.Cron))
	return func() { w.Stop(); c.Close() }, nil
}
