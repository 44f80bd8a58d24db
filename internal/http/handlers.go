package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductor/internal/expr"
	"github.com/fyrsmithlabs/conductor/internal/orchestrator"
	"github.com/fyrsmithlabs/conductor/internal/pipeline"
	"github.com/fyrsmithlabs/conductor/internal/workitem"
)

func isInvalidTransition(err error) bool {
	return errors.Is(err, workitem.ErrInvalidTransition)
}

func isValidation(err error) bool {
	return errors.Is(err, pipeline.ErrInvalidPipeline) ||
		errors.Is(err, expr.ErrSyntax) ||
		errors.Is(err, expr.ErrUnknownIdentifier)
}

func (s *Server) bind(c echo.Context, out any) error {
	if err := c.Bind(out); err != nil {
		s.logger.Debug("invalid request body", zap.String("uri", c.Request().RequestURI), zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return nil
}

// Pipelines

func (s *Server) handleListPipelines(c echo.Context) error {
	pipelines, err := s.deps.Pipelines.List(c.Request().Context())
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusOK, PipelineListResponse{Pipelines: pipelines})
}

func (s *Server) handleGetPipeline(c echo.Context) error {
	p, err := s.deps.Pipelines.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) handleCreatePipeline(c echo.Context) error {
	var p pipeline.Pipeline
	if err := s.bind(c, &p); err != nil {
		return err
	}
	created, err := s.deps.Pipelines.Create(c.Request().Context(), &p)
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusCreated, created)
}

func (s *Server) handleStartRun(c echo.Context) error {
	var req StartRunRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}
	run, err := s.deps.Runs.StartRun(c.Request().Context(), c.Param("id"), req.Input, pipeline.StartOptions{
		AutoContinue:  req.AutoContinue,
		StartFromStep: req.StartFromStep,
	})
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusCreated, run)
}

// Runs

func (s *Server) handleListRuns(c echo.Context) error {
	filter := pipeline.RunFilter{PipelineID: c.QueryParam("pipeline_id")}
	if raw := c.QueryParam("status"); raw != "" {
		for _, st := range strings.Split(raw, ",") {
			filter.Statuses = append(filter.Statuses, pipeline.RunStatus(strings.TrimSpace(st)))
		}
	}
	var err error
	if filter.Limit, err = intParam(c, "limit"); err != nil {
		return err
	}
	if filter.Offset, err = intParam(c, "offset"); err != nil {
		return err
	}

	runs, err := s.deps.Runs.ListRuns(c.Request().Context(), filter)
	if err != nil {
		return s.httpError(c, err)
	}
	if runs == nil {
		runs = []*pipeline.RunState{}
	}
	return c.JSON(http.StatusOK, RunListResponse{Runs: runs})
}

func (s *Server) handleGetRun(c echo.Context) error {
	run, err := s.deps.Runs.GetRunStatus(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

// runAction adapts a run lifecycle operation to a POST handler.
func (s *Server) runAction(op func(ctx context.Context, runID string) (*pipeline.RunState, error)) echo.HandlerFunc {
	return func(c echo.Context) error {
		run, err := op(c.Request().Context(), c.Param("id"))
		if err != nil {
			return s.httpError(c, err)
		}
		return c.JSON(http.StatusOK, run)
	}
}

// Workers

func (s *Server) handleListWorkers(c echo.Context) error {
	workers, err := s.deps.Workers.ListActiveWorkers(c.Request().Context())
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"workers": workers})
}

func (s *Server) handleSpawnWorker(c echo.Context) error {
	var req SpawnWorkerRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}
	if req.RoleID == "" || req.Task == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "role_id and task are required")
	}
	result, err := s.deps.Workers.SpawnWorker(c.Request().Context(), req.RoleID, req.Task, orchestrator.SpawnOptions{
		Title: req.Title,
		Label: req.Label,
		Input: req.Input,
		Tags:  req.Tags,
	})
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusCreated, result)
}

func (s *Server) handleWorkerHealth(c echo.Context) error {
	h, err := s.deps.Workers.SuperviseWorker(c.Request().Context(), c.Param("key"))
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusOK, h)
}

func (s *Server) handleTerminateWorker(c echo.Context) error {
	var req TerminateWorkerRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}
	sess, err := s.deps.Workers.TerminateWorker(c.Request().Context(), c.Param("key"), orchestrator.TerminateOptions{
		Reason:         req.Reason,
		CancelWork:     req.CancelWork,
		MarkWorkFailed: req.MarkWorkFailed,
		Force:          req.Force,
	})
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) handleRestartWorker(c echo.Context) error {
	var req RestartWorkerRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}
	sess, err := s.deps.Workers.RestartWorker(c.Request().Context(), c.Param("key"), orchestrator.RestartOptions{
		NewTask:            req.NewTask,
		PreserveTokenUsage: req.PreserveTokenUsage,
	})
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) handleCleanup(c echo.Context) error {
	var req CleanupRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}
	maxAge, err := time.ParseDuration(req.MaxAge)
	if err != nil || maxAge <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "max_age must be a positive duration")
	}
	cancelStale := req.CancelStaleWork == nil || *req.CancelStaleWork
	result, err := s.deps.Workers.Cleanup(c.Request().Context(), maxAge, cancelStale)
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// Reviews

func (s *Server) handleReview(c echo.Context) error {
	var req ReviewRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}
	if req.WorkItemID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "work_item_id is required")
	}
	result, err := s.deps.Reviewer.ReviewOnce(c.Request().Context(), req.WorkItemID, req.Output, req.Criteria)
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

func intParam(c echo.Context, name string) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, name+" must be a non-negative integer")
	}
	return n, nil
}
