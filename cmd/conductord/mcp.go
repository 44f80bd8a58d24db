package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	conductormcp "github.com/fyrsmithlabs/conductor/internal/mcp"
	"github.com/fyrsmithlabs/conductor/internal/services"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve conductor tools over MCP stdio",
	Long: `Serve pipeline, run, worker and review tools to an MCP client over stdio.

stdout carries the protocol, so logs are written to stderr.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := signalContext(cmd.Context())
		defer cancel()
		return serveMCP(ctx)
	},
}

func serveMCP(ctx context.Context) error {
	e, err := newEnv(ctx, true)
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

	srv, err := conductormcp.NewServer(&conductormcp.Config{Version: version}, conductormcp.Deps{
		Runs:      reg.Runner(),
		Pipelines: reg.Pipelines(),
		Workers:   reg.Orchestrator(),
		Reviewer:  reg.Convergence(),
		Metrics:   conductormcp.NewMetrics(logger.Named("mcp")),
	}, logger.Named("mcp"))
	if err != nil {
		return fmt.Errorf("failed to create mcp server: %w", err)
	}
	return srv.Run(ctx)
}
