package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/conductor/internal/convergence"
	"github.com/fyrsmithlabs/conductor/internal/orchestrator"
	"github.com/fyrsmithlabs/conductor/internal/pipeline"
)

// ===== PIPELINE TOOLS =====

type pipelineListInput struct{}

type pipelineListOutput struct {
	Pipelines any `json:"pipelines" jsonschema:"Pipeline definitions"`
	Count     int `json:"count" jsonschema:"Number of pipelines"`
}

type pipelineGetInput struct {
	PipelineID string `json:"pipeline_id" jsonschema:"Pipeline identifier"`
}

type pipelineOutput struct {
	Pipeline any `json:"pipeline" jsonschema:"Pipeline definition with ordered steps"`
}

func (s *Server) registerPipelineTools() error {
	err := addTool(s, &ToolMetadata{
		Name:        "pipeline_list",
		Description: "List the registered pipeline definitions",
		Category:    CategoryPipeline,
		Keywords:    []string{"definitions", "workflows"},
	}, func(ctx context.Context, _ pipelineListInput) (pipelineListOutput, string, error) {
		pipelines, err := s.deps.Pipelines.List(ctx)
		if err != nil {
			return pipelineListOutput{}, "", fmt.Errorf("failed to list pipelines: %w", err)
		}
		return pipelineListOutput{Pipelines: pipelines, Count: len(pipelines)},
			fmt.Sprintf("Found %d pipeline(s)", len(pipelines)), nil
	})
	if err != nil {
		return err
	}

	return addTool(s, &ToolMetadata{
		Name:        "pipeline_get",
		Description: "Get a pipeline definition and its steps",
		Category:    CategoryPipeline,
	}, func(ctx context.Context, in pipelineGetInput) (pipelineOutput, string, error) {
		if err := required("pipeline_id", in.PipelineID); err != nil {
			return pipelineOutput{}, "", err
		}
		p, err := s.deps.Pipelines.Get(ctx, in.PipelineID)
		if err != nil {
			return pipelineOutput{}, "", err
		}
		return pipelineOutput{Pipeline: p}, fmt.Sprintf("Pipeline %s has %d step(s)", p.ID, len(p.Steps)), nil
	})
}

// ===== RUN TOOLS =====

type runStartInput struct {
	PipelineID    string         `json:"pipeline_id" jsonschema:"Pipeline to run"`
	Input         map[string]any `json:"input,omitempty" jsonschema:"Run input visible to step templates and conditions"`
	AutoContinue  *bool          `json:"auto_continue,omitempty" jsonschema:"Override the pipeline's auto-continue flag"`
	StartFromStep string         `json:"start_from_step,omitempty" jsonschema:"Step id to start from; earlier steps are skipped"`
}

type runIDInput struct {
	RunID string `json:"run_id" jsonschema:"Run identifier"`
}

type runListInput struct {
	PipelineID string   `json:"pipeline_id,omitempty" jsonschema:"Only runs of this pipeline"`
	Statuses   []string `json:"statuses,omitempty" jsonschema:"Only runs in these statuses"`
	Limit      int      `json:"limit,omitempty" jsonschema:"Maximum runs to return (default: 20)"`
	Offset     int      `json:"offset,omitempty" jsonschema:"Runs to skip"`
}

type runOutput struct {
	Run any `json:"run" jsonschema:"Run state with per-step status"`
}

type runListOutput struct {
	Runs  any `json:"runs" jsonschema:"Matching runs, newest first"`
	Count int `json:"count" jsonschema:"Number of runs returned"`
}

const defaultRunListLimit = 20

func runSummary(run *pipeline.RunState) string {
	return fmt.Sprintf("Run %s is %s at step %d/%d", run.ID, run.Status, run.CurrentStep, len(run.Steps))
}

func (s *Server) registerRunTools() error {
	err := addTool(s, &ToolMetadata{
		Name:        "run_start",
		Description: "Start a pipeline run",
		Category:    CategoryRun,
		Keywords:    []string{"launch", "execute", "trigger"},
	}, func(ctx context.Context, in runStartInput) (runOutput, string, error) {
		if err := required("pipeline_id", in.PipelineID); err != nil {
			return runOutput{}, "", err
		}
		run, err := s.deps.Runs.StartRun(ctx, in.PipelineID, in.Input, pipeline.StartOptions{
			AutoContinue:  in.AutoContinue,
			StartFromStep: in.StartFromStep,
		})
		if err != nil {
			return runOutput{}, "", err
		}
		return runOutput{Run: run}, runSummary(run), nil
	})
	if err != nil {
		return err
	}

	err = addTool(s, &ToolMetadata{
		Name:        "run_list",
		Description: "List pipeline runs, optionally filtered by pipeline and status",
		Category:    CategoryRun,
	}, func(ctx context.Context, in runListInput) (runListOutput, string, error) {
		filter := pipeline.RunFilter{PipelineID: in.PipelineID, Limit: in.Limit, Offset: in.Offset}
		if filter.Limit <= 0 {
			filter.Limit = defaultRunListLimit
		}
		for _, st := range in.Statuses {
			filter.Statuses = append(filter.Statuses, pipeline.RunStatus(st))
		}
		runs, err := s.deps.Runs.ListRuns(ctx, filter)
		if err != nil {
			return runListOutput{}, "", fmt.Errorf("failed to list runs: %w", err)
		}
		if runs == nil {
			runs = []*pipeline.RunState{}
		}
		return runListOutput{Runs: runs, Count: len(runs)}, fmt.Sprintf("Found %d run(s)", len(runs)), nil
	})
	if err != nil {
		return err
	}

	actions := []struct {
		meta *ToolMetadata
		op   func(ctx context.Context, runID string) (*pipeline.RunState, error)
	}{
		{&ToolMetadata{Name: "run_get", Description: "Get the current state of a run", Category: CategoryRun, Keywords: []string{"status"}}, s.deps.Runs.GetRunStatus},
		{&ToolMetadata{Name: "run_pause", Description: "Pause a running run after its current step", Category: CategoryRun}, s.deps.Runs.PauseRun},
		{&ToolMetadata{Name: "run_resume", Description: "Resume a paused run", Category: CategoryRun}, s.deps.Runs.ResumeRun},
		{&ToolMetadata{Name: "run_cancel", Description: "Cancel a run and its in-flight work", Category: CategoryRun, Keywords: []string{"stop", "abort"}}, s.deps.Runs.CancelRun},
		{&ToolMetadata{Name: "run_next", Description: "Execute the next step of a manually advanced run", Category: CategoryRun, Keywords: []string{"step", "advance"}}, s.deps.Runs.TriggerNextStep},
	}
	for _, a := range actions {
		op := a.op
		err := addTool(s, a.meta, func(ctx context.Context, in runIDInput) (runOutput, string, error) {
			if err := required("run_id", in.RunID); err != nil {
				return runOutput{}, "", err
			}
			run, err := op(ctx, in.RunID)
			if err != nil {
				return runOutput{}, "", err
			}
			return runOutput{Run: run}, runSummary(run), nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// ===== WORKER TOOLS =====

type workerListInput struct{}

type workerListOutput struct {
	Workers any `json:"workers" jsonschema:"Active worker sessions with their work items and roles"`
	Count   int `json:"count" jsonschema:"Number of active workers"`
}

type workerSpawnInput struct {
	RoleID string         `json:"role_id" jsonschema:"Role the worker acts as"`
	Task   string         `json:"task" jsonschema:"Task text for the worker"`
	Title  string         `json:"title,omitempty" jsonschema:"Work item title (default: derived from the task)"`
	Label  string         `json:"label,omitempty" jsonschema:"Session label"`
	Input  map[string]any `json:"input,omitempty" jsonschema:"Work item input"`
	Tags   []string       `json:"tags,omitempty" jsonschema:"Work item tags"`
}

type sessionKeyInput struct {
	SessionKey string `json:"session_key" jsonschema:"Worker session key"`
}

type workerTerminateInput struct {
	SessionKey     string `json:"session_key" jsonschema:"Worker session key"`
	Reason         string `json:"reason,omitempty" jsonschema:"Reason recorded on the work item"`
	CancelWork     *bool  `json:"cancel_work,omitempty" jsonschema:"Cancel the linked work item (default: true)"`
	MarkWorkFailed bool   `json:"mark_work_failed,omitempty" jsonschema:"Fail the linked work item instead of cancelling it"`
	Force          bool   `json:"force,omitempty" jsonschema:"Kill the worker instead of stopping it gracefully"`
}

type workerRestartInput struct {
	SessionKey         string `json:"session_key" jsonschema:"Worker session key"`
	NewTask            string `json:"new_task,omitempty" jsonschema:"Replacement task text"`
	PreserveTokenUsage bool   `json:"preserve_token_usage,omitempty" jsonschema:"Carry token counters to the new session"`
}

type workerCleanupInput struct {
	MaxAge          string `json:"max_age" jsonschema:"Inactivity after which sessions are pruned, e.g. 1h"`
	CancelStaleWork *bool  `json:"cancel_stale_work,omitempty" jsonschema:"Cancel open work items of pruned sessions (default: true)"`
}

type resultOutput struct {
	Result any `json:"result" jsonschema:"Operation result"`
}

func (s *Server) registerWorkerTools() error {
	if s.deps.Workers == nil {
		s.logger.Warn("worker service not configured, skipping worker tools")
		return nil
	}
	w := s.deps.Workers

	err := addTool(s, &ToolMetadata{
		Name:        "worker_list",
		Description: "List active worker sessions",
		Category:    CategoryWorker,
		Keywords:    []string{"sessions", "agents"},
	}, func(ctx context.Context, _ workerListInput) (workerListOutput, string, error) {
		workers, err := w.ListActiveWorkers(ctx)
		if err != nil {
			return workerListOutput{}, "", fmt.Errorf("failed to list workers: %w", err)
		}
		if workers == nil {
			workers = []*orchestrator.WorkerInfo{}
		}
		return workerListOutput{Workers: workers, Count: len(workers)},
			fmt.Sprintf("Found %d active worker(s)", len(workers)), nil
	})
	if err != nil {
		return err
	}

	err = addTool(s, &ToolMetadata{
		Name:         "worker_spawn",
		Description:  "Spawn a worker for a role with a new work item",
		Category:     CategoryWorker,
		DeferLoading: true,
		Keywords:     []string{"agent", "assign"},
	}, func(ctx context.Context, in workerSpawnInput) (resultOutput, string, error) {
		if err := required("role_id", in.RoleID); err != nil {
			return resultOutput{}, "", err
		}
		if err := required("task", in.Task); err != nil {
			return resultOutput{}, "", err
		}
		res, err := w.SpawnWorker(ctx, in.RoleID, in.Task, orchestrator.SpawnOptions{
			Title: in.Title,
			Label: in.Label,
			Input: in.Input,
			Tags:  in.Tags,
		})
		if err != nil {
			return resultOutput{}, "", err
		}
		return resultOutput{Result: res}, fmt.Sprintf("Spawned worker %s for work item %s", res.Session.Key, res.WorkItem.ID), nil
	})
	if err != nil {
		return err
	}

	err = addTool(s, &ToolMetadata{
		Name:        "worker_health",
		Description: "Compute a health verdict for a worker session",
		Category:    CategoryWorker,
		Keywords:    []string{"supervise", "stale"},
	}, func(ctx context.Context, in sessionKeyInput) (resultOutput, string, error) {
		if err := required("session_key", in.SessionKey); err != nil {
			return resultOutput{}, "", err
		}
		h, err := w.SuperviseWorker(ctx, in.SessionKey)
		if err != nil {
			return resultOutput{}, "", err
		}
		return resultOutput{Result: h}, fmt.Sprintf("Worker %s: %s (%s)", h.SessionKey, h.Recommendation, h.Reason), nil
	})
	if err != nil {
		return err
	}

	err = addTool(s, &ToolMetadata{
		Name:         "worker_terminate",
		Description:  "Terminate a worker session and cancel or fail its work item",
		Category:     CategoryWorker,
		DeferLoading: true,
		Keywords:     []string{"kill", "stop"},
	}, func(ctx context.Context, in workerTerminateInput) (resultOutput, string, error) {
		if err := required("session_key", in.SessionKey); err != nil {
			return resultOutput{}, "", err
		}
		sess, err := w.TerminateWorker(ctx, in.SessionKey, orchestrator.TerminateOptions{
			Reason:         in.Reason,
			CancelWork:     in.CancelWork,
			MarkWorkFailed: in.MarkWorkFailed,
			Force:          in.Force,
		})
		if err != nil {
			return resultOutput{}, "", err
		}
		return resultOutput{Result: sess}, fmt.Sprintf("Worker %s is %s", sess.Key, sess.Status), nil
	})
	if err != nil {
		return err
	}

	err = addTool(s, &ToolMetadata{
		Name:         "worker_restart",
		Description:  "Replace a worker session with a fresh one on the same work item",
		Category:     CategoryWorker,
		DeferLoading: true,
	}, func(ctx context.Context, in workerRestartInput) (resultOutput, string, error) {
		if err := required("session_key", in.SessionKey); err != nil {
			return resultOutput{}, "", err
		}
		sess, err := w.RestartWorker(ctx, in.SessionKey, orchestrator.RestartOptions{
			NewTask:            in.NewTask,
			PreserveTokenUsage: in.PreserveTokenUsage,
		})
		if err != nil {
			return resultOutput{}, "", err
		}
		return resultOutput{Result: sess}, fmt.Sprintf("Worker %s replaced by %s", in.SessionKey, sess.Key), nil
	})
	if err != nil {
		return err
	}

	return addTool(s, &ToolMetadata{
		Name:         "worker_cleanup",
		Description:  "Prune worker sessions inactive for longer than max_age",
		Category:     CategoryWorker,
		DeferLoading: true,
		Keywords:     []string{"prune", "maintenance"},
	}, func(ctx context.Context, in workerCleanupInput) (resultOutput, string, error) {
		maxAge, err := time.ParseDuration(in.MaxAge)
		if err != nil || maxAge <= 0 {
			return resultOutput{}, "", fmt.Errorf("%w: max_age must be a positive duration", errInvalidArgument)
		}
		cancelStale := in.CancelStaleWork == nil || *in.CancelStaleWork
		res, err := w.Cleanup(ctx, maxAge, cancelStale)
		if err != nil {
			return resultOutput{}, "", fmt.Errorf("failed to clean up sessions: %w", err)
		}
		return resultOutput{Result: res},
			fmt.Sprintf("Pruned %d session(s), cancelled %d work item(s)", res.Pruned, res.CancelledWork), nil
	})
}

// ===== REVIEW TOOLS =====

type reviewInput struct {
	WorkItemID      string         `json:"work_item_id" jsonschema:"Work item whose output is reviewed"`
	Output          map[string]any `json:"output" jsonschema:"Output to review"`
	MinScore        *float64       `json:"min_score,omitempty" jsonschema:"Passing score between 0 and 1"`
	SuccessCriteria string         `json:"success_criteria,omitempty" jsonschema:"Predicate over score, feedback, passed and output"`
	ReviewerRole    string         `json:"reviewer_role,omitempty" jsonschema:"Reviewer role (default: reviewer)"`
	SelfReview      bool           `json:"self_review,omitempty" jsonschema:"Have the producing role review its own output"`
}

func (s *Server) registerReviewTools() error {
	if s.deps.Reviewer == nil {
		s.logger.Warn("reviewer not configured, skipping review tools")
		return nil
	}
	return addTool(s, &ToolMetadata{
		Name:         "review",
		Description:  "Run a single scored review of a work item's output",
		Category:     CategoryReview,
		DeferLoading: true,
		Keywords:     []string{"score", "convergence", "feedback"},
	}, func(ctx context.Context, in reviewInput) (resultOutput, string, error) {
		if err := required("work_item_id", in.WorkItemID); err != nil {
			return resultOutput{}, "", err
		}
		res, err := s.deps.Reviewer.ReviewOnce(ctx, in.WorkItemID, in.Output, convergence.Criteria{
			MinScore:        in.MinScore,
			SuccessCriteria: in.SuccessCriteria,
			ReviewerRole:    in.ReviewerRole,
			SelfReview:      in.SelfReview,
		})
		if err != nil {
			return resultOutput{}, "", err
		}
		return resultOutput{Result: res}, fmt.Sprintf("Review score %.2f, converged: %t", res.FinalScore, res.Converged), nil
	})
}
