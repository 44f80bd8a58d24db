// Package http provides the REST API for conductor.
//
// Routes cover pipeline definitions, run lifecycle, worker supervision and
// ad-hoc reviews. GET /api/v1/runs/:id/events streams a run's events as
// server-sent events, and GET /metrics exposes the Prometheus registry.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductor/internal/convergence"
	"github.com/fyrsmithlabs/conductor/internal/events"
	"github.com/fyrsmithlabs/conductor/internal/orchestrator"
	"github.com/fyrsmithlabs/conductor/internal/pipeline"
	"github.com/fyrsmithlabs/conductor/internal/session"
)

// RunService is the pipeline runner surface the API exposes.
type RunService interface {
	StartRun(ctx context.Context, pipelineID string, input map[string]any, opts pipeline.StartOptions) (*pipeline.RunState, error)
	PauseRun(ctx context.Context, runID string) (*pipeline.RunState, error)
	ResumeRun(ctx context.Context, runID string) (*pipeline.RunState, error)
	CancelRun(ctx context.Context, runID string) (*pipeline.RunState, error)
	TriggerNextStep(ctx context.Context, runID string) (*pipeline.RunState, error)
	GetRunStatus(ctx context.Context, runID string) (*pipeline.RunState, error)
	ListRuns(ctx context.Context, filter pipeline.RunFilter) ([]*pipeline.RunState, error)
}

// WorkerService is the orchestrator surface the API exposes.
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

// Deps are the services behind the routes. Runs and Pipelines are required.
type Deps struct {
	Runs      RunService
	Pipelines pipeline.Store
	Workers   WorkerService
	Reviewer  Reviewer

	// Events enables GET /api/v1/runs/:id/events.
	Events *events.Bus

	// Gatherer backs GET /metrics (default: prometheus.DefaultGatherer).
	Gatherer prometheus.Gatherer

	// Metrics records request metrics when set.
	Metrics *HTTPMetrics
}

// Server provides HTTP endpoints for conductor.
type Server struct {
	echo    *echo.Echo
	deps    Deps
	logger  *zap.Logger
	config  *Config
	version string
}

// Config holds HTTP server configuration.
type Config struct {
	Host    string
	Port    int
	Version string
}

// NewServer creates a new HTTP server.
func NewServer(deps Deps, logger *zap.Logger, cfg *Config) (*Server, error) {
	if deps.Runs == nil {
		return nil, fmt.Errorf("run service cannot be nil")
	}
	if deps.Pipelines == nil {
		return nil, fmt.Errorf("pipeline store cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "127.0.0.1",
			Port: 9780,
		}
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	if deps.Metrics != nil {
		e.Use(deps.Metrics.MetricsMiddleware())
	}
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:    e,
		deps:    deps,
		logger:  logger,
		config:  cfg,
		version: cfg.Version,
	}

	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))

	v1 := s.echo.Group("/api/v1")

	v1.GET("/pipelines", s.handleListPipelines)
	v1.POST("/pipelines", s.handleCreatePipeline)
	v1.GET("/pipelines/:id", s.handleGetPipeline)
	v1.POST("/pipelines/:id/runs", s.handleStartRun)

	v1.GET("/runs", s.handleListRuns)
	v1.GET("/runs/:id", s.handleGetRun)
	v1.POST("/runs/:id/pause", s.runAction(s.deps.Runs.PauseRun))
	v1.POST("/runs/:id/resume", s.runAction(s.deps.Runs.ResumeRun))
	v1.POST("/runs/:id/cancel", s.runAction(s.deps.Runs.CancelRun))
	v1.POST("/runs/:id/next", s.runAction(s.deps.Runs.TriggerNextStep))
	if s.deps.Events != nil {
		v1.GET("/runs/:id/events", s.handleRunEvents)
	}

	if s.deps.Workers != nil {
		v1.GET("/workers", s.handleListWorkers)
		v1.POST("/workers", s.handleSpawnWorker)
		v1.POST("/workers/cleanup", s.handleCleanup)
		v1.GET("/workers/:key/health", s.handleWorkerHealth)
		v1.POST("/workers/:key/terminate", s.handleTerminateWorker)
		v1.POST("/workers/:key/restart", s.handleRestartWorker)
	}
	if s.deps.Reviewer != nil {
		v1.POST("/reviews", s.handleReview)
	}
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{Status: "ok", Version: s.version}
	if runs, err := s.deps.Runs.ListRuns(c.Request().Context(), pipeline.RunFilter{
		Statuses: []pipeline.RunStatus{pipeline.RunRunning},
	}); err == nil {
		resp.ActiveRuns = len(runs)
	} else {
		resp.Status = "degraded"
		s.logger.Warn("health check could not list runs", zap.Error(err))
	}
	if s.deps.Events != nil {
		resp.Subscribers = s.deps.Events.Subscribers()
	}
	return c.JSON(http.StatusOK, resp)
}

// httpError maps a service error onto a status code. Unexpected errors are
// logged and reported as 500 without their text.
func (s *Server) httpError(c echo.Context, err error) error {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		return he
	case orchestrator.IsNotFound(err):
		return echo.NewHTTPError(http.StatusNotFound, err.Error()).SetInternal(err)
	case errors.Is(err, pipeline.ErrInvalidRunTransition),
		errors.Is(err, pipeline.ErrRunBusy),
		isInvalidTransition(err):
		return echo.NewHTTPError(http.StatusConflict, err.Error()).SetInternal(err)
	case isValidation(err):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error()).SetInternal(err)
	}
	s.logger.Error("request failed",
		zap.String("method", c.Request().Method),
		zap.String("uri", c.Request().RequestURI),
		zap.Error(err))
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// Handler exposes the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}
