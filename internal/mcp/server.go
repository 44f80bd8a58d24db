package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductor/internal/convergence"
	"github.com/fyrsmithlabs/conductor/internal/orchestrator"
	"github.com/fyrsmithlabs/conductor/internal/pipeline"
	"github.com/fyrsmithlabs/conductor/internal/session"
)

// RunService is the pipeline runner surface the tools expose.
type RunService interface {
	StartRun(ctx context.Context, pipelineID string, input map[string]any, opts pipeline.StartOptions) (*pipeline.RunState, error)
	PauseRun(ctx context.Context, runID string) (*pipeline.RunState, error)
	ResumeRun(ctx context.Context, runID string) (*pipeline.RunState, error)
	CancelRun(ctx context.Context, runID string) (*pipeline.RunState, error)
	TriggerNextStep(ctx context.Context, runID string) (*pipeline.RunState, error)
	GetRunStatus(ctx context.Context, runID string) (*pipeline.RunState, error)
	ListRuns(ctx context.Context, filter pipeline.RunFilter) ([]*pipeline.RunState, error)
}

// WorkerService is the orchestrator surface the tools expose.
type WorkerService interface {
	SpawnWorker(ctx context.Context, roleID, task string, opts orchestrator.SpawnOptions) (*orchestrator.SpawnResult, error)
	ListActiveWorkers(ctx context.Context) ([]*orchestrator.WorkerInfo, error)
	SuperviseWorker(ctx context.Context, key string) (*orchestrator.Health, error)
	TerminateWorker(ctx context.Context, key string, opts orchestrator.TerminateOptions) (*session.Session, error)
	RestartWorker(ctx context.Context, key string, opts orchestrator.RestartOptions) (*session.Session, error)
	Cleanup(ctx context.Context, maxAge time.Duration, cancelStaleWork bool) (*orchestrator.CleanupResult, error)
}

// Reviewer runs ad-hoc reviews.
type Reviewer interface {
	ReviewOnce(ctx context.Context, workItemID string, output map[string]any, criteria convergence.Criteria) (*convergence.Result, error)
}

var (
	_ RunService    = (*pipeline.Runner)(nil)
	_ WorkerService = (*orchestrator.Orchestrator)(nil)
	_ Reviewer      = (*convergence.Engine)(nil)
)

// errInvalidArgument marks tool calls rejected before reaching a service.
var errInvalidArgument = errors.New("invalid argument")

// Deps are the services behind the tools. Runs and Pipelines are required;
// worker and review tools are registered only when their service is set.
type Deps struct {
	Runs      RunService
	Pipelines pipeline.Store
	Workers   WorkerService
	Reviewer  Reviewer

	// Metrics records tool invocations when set.
	Metrics *Metrics
}

// Config configures the MCP server.
type Config struct {
	// Name is the implementation name (default: "conductor")
	Name string

	// Version is the implementation version (default: "dev")
	Version string
}

// Server exposes pipeline, run, worker and review operations as MCP tools.
type Server struct {
	mcp      *mcp.Server
	deps     Deps
	registry *ToolRegistry
	metrics  *Metrics
	logger   *zap.Logger
}

// NewServer creates an MCP server and registers its tools.
func NewServer(cfg *Config, deps Deps, logger *zap.Logger) (*Server, error) {
	if deps.Runs == nil {
		return nil, fmt.Errorf("run service is required")
	}
	if deps.Pipelines == nil {
		return nil, fmt.Errorf("pipeline store is required")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Name == "" {
		cfg.Name = "conductor"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		mcp:      mcp.NewServer(&mcp.Implementation{Name: cfg.Name, Version: cfg.Version}, nil),
		deps:     deps,
		registry: NewToolRegistry(),
		metrics:  deps.Metrics,
		logger:   logger,
	}
	if err := s.registerTools(); err != nil {
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}
	return s, nil
}

// Registry returns the tool metadata index.
func (s *Server) Registry() *ToolRegistry {
	return s.registry
}

// Run serves on the stdio transport until ctx is done or the client
// disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport", zap.Int("tools", s.registry.Count()))
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}

// Connect serves a single session over t.
func (s *Server) Connect(ctx context.Context, t mcp.Transport) (*mcp.ServerSession, error) {
	return s.mcp.Connect(ctx, t, nil)
}

func (s *Server) registerTools() error {
	for _, register := range []func() error{
		s.registerPipelineTools,
		s.registerRunTools,
		s.registerWorkerTools,
		s.registerReviewTools,
		s.registerSearchTools,
	} {
		if err := register(); err != nil {
			return err
		}
	}
	return nil
}

// addTool registers meta in the tool index and h with the MCP server. h
// returns the structured output and the one-line text summary.
func addTool[In, Out any](s *Server, meta *ToolMetadata, h func(ctx context.Context, in In) (Out, string, error)) error {
	if err := s.registry.Register(meta); err != nil {
		return err
	}
	tool := &mcp.Tool{
		Name:        meta.Name,
		Description: meta.Description,
		Meta:        mcp.Meta{"category": string(meta.Category), "defer_loading": meta.DeferLoading},
	}
	mcp.AddTool(s.mcp, tool, func(ctx context.Context, _ *mcp.CallToolRequest, in In) (*mcp.CallToolResult, Out, error) {
		done := s.metrics.Track(ctx, meta.Name)
		out, summary, err := h(ctx, in)
		done(err)
		if err != nil {
			s.logger.Debug("tool call failed", zap.String("tool", meta.Name), zap.Error(err))
			var zero Out
			return nil, zero, err
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: summary}},
		}, out, nil
	})
	return nil
}

func required(name, value string) error {
	if value == "" {
		return fmt.Errorf("%w: %s is required", errInvalidArgument, name)
	}
	return nil
}
