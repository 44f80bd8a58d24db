// Package main implements conductord, the conductor daemon and CLI.
//
// conductord serves the HTTP API (serve), the MCP stdio server (mcp) and the
// Temporal maintenance worker (worker). The run and validate commands work
// on single pipeline files without a daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductor/internal/config"
	"github.com/fyrsmithlabs/conductor/internal/logging"
	"github.com/fyrsmithlabs/conductor/internal/telemetry"
)

// Build information, set via -ldflags.
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "conductord",
	Short: "Multi-agent pipeline orchestration daemon",
	Long: `conductord runs pipelines of agent steps, supervises the worker sessions
that execute them and drives review/improve loops until output converges.`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/conductor/config.yaml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(versionCmd)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// env holds the ambient components every long-running command needs.
type env struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
}

// loadConfig reads the config file named by --config, or the default path.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// newEnv loads configuration and starts telemetry and logging. When stderr
// is set, log output that would go to stdout is moved to stderr.
func newEnv(ctx context.Context, stderr bool) (*env, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	tcfg := telemetry.NewDefaultConfig()
	if err := cfg.Section("telemetry", tcfg); err != nil {
		return nil, fmt.Errorf("failed to decode telemetry config: %w", err)
	}
	tel, err := telemetry.New(ctx, tcfg, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	lcfg := logging.NewDefaultConfig()
	if err := cfg.Section("logging", lcfg); err != nil {
		return nil, fmt.Errorf("failed to decode logging config: %w", err)
	}
	if stderr && lcfg.Output.Stdout {
		lcfg.Output.Stdout = false
		lcfg.Output.Stderr = true
	}
	logger, err := logging.NewLogger(lcfg, tel.LoggerProvider())
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return &env{cfg: cfg, logger: logger, telemetry: tel}, nil
}

func (e *env) zap() *zap.Logger {
	return e.logger.Underlying()
}

// close flushes telemetry and the logger.
func (e *env) close(ctx context.Context) {
	if err := e.telemetry.Shutdown(ctx); err != nil {
		e.zap().Warn("telemetry shutdown failed", zap.Error(err))
	}
	_ = e.logger.Sync()
}
