package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductor/internal/convergence"
	"github.com/fyrsmithlabs/conductor/internal/events"
	"github.com/fyrsmithlabs/conductor/internal/logging"
	"github.com/fyrsmithlabs/conductor/internal/orchestrator"
	"github.com/fyrsmithlabs/conductor/internal/payload"
	"github.com/fyrsmithlabs/conductor/internal/telemetry"
	"github.com/fyrsmithlabs/conductor/internal/workitem"
)

const instrumentationName = "github.com/fyrsmithlabs/conductor/internal/pipeline"

// DefaultStepTimeout bounds the wait for a step's work item.
const DefaultStepTimeout = 300 * time.Second

// errRunStopped ends a loop quietly when the run left the running status
// underneath it.
var errRunStopped = errors.New("run is no longer running")

// Converger is the slice of the convergence engine the runner uses.
type Converger interface {
	Converge(ctx context.Context, req convergence.Request) (*convergence.Result, error)
}

// Config holds runner settings.
type Config struct {
	PollInterval time.Duration
	StepTimeout  time.Duration
}

// Deps are the runner's collaborators. Convergence may be nil when no
// pipeline uses convergence criteria; Emitter may be nil.
type Deps struct {
	Pipelines    Store
	Runs         RunStore
	WorkItems    workitem.Store
	Orchestrator convergence.Assigner
	Convergence  Converger
	Emitter      events.Emitter
	Telemetry    *telemetry.Telemetry
}

// StartOptions tune StartRun.
type StartOptions struct {
	// AutoContinue overrides the pipeline's flag.
	AutoContinue *bool

	// StartFromStep is the id of the first step to execute. Earlier steps
	// are marked skipped.
	StartFromStep string
}

// Runner executes pipeline runs.
type Runner struct {
	cfg       Config
	pipelines Store
	runs      RunStore
	items     workitem.Store
	orch      convergence.Assigner
	conv      Converger
	emitter   events.Emitter
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time

	// mu serializes read-modify-write cycles on run records.
	mu    sync.Mutex
	gates *gateTable

	base       context.Context
	baseCancel context.CancelFunc
}

// New creates a runner.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Runner, error) {
	if deps.Pipelines == nil {
		return nil, errors.New("pipeline store is required")
	}
	if deps.Runs == nil {
		return nil, errors.New("run store is required")
	}
	if deps.WorkItems == nil {
		return nil, errors.New("work item store is required")
	}
	if deps.Orchestrator == nil {
		return nil, errors.New("orchestrator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Emitter == nil {
		deps.Emitter = events.Nop
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = workitem.DefaultPollInterval
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultStepTimeout
	}

	base, cancel := context.WithCancel(context.Background())
	return &Runner{
		cfg:        cfg,
		pipelines:  deps.Pipelines,
		runs:       deps.Runs,
		items:      deps.WorkItems,
		orch:       deps.Orchestrator,
		conv:       deps.Convergence,
		emitter:    deps.Emitter,
		logger:     logger,
		tracer:     deps.Telemetry.Tracer(instrumentationName),
		now:        time.Now,
		gates:      newGateTable(),
		base:       base,
		baseCancel: cancel,
	}, nil
}

func (r *Runner) log(ctx context.Context) *zap.Logger {
	return logging.WithContext(ctx, r.logger)
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// StartRun creates a run with every step pending and, when auto-continue
// applies, starts advancing it in the background. It never waits for a
// step.
func (r *Runner) StartRun(ctx context.Context, pipelineID string, input map[string]any, opts StartOptions) (*RunState, error) {
	ctx, span := r.tracer.Start(ctx, "pipeline.StartRun")
	defer span.End()
	span.SetAttributes(attribute.String("pipeline_id", pipelineID))

	p, err := r.pipelines.Get(ctx, pipelineID)
	if err != nil {
		recordError(span, err)
		return nil, err
	}

	from := 0
	if opts.StartFromStep != "" {
		from = -1
		for i := range p.Steps {
			if p.Steps[i].ID == opts.StartFromStep {
				from = i
				break
			}
		}
		if from < 0 {
			err := fmt.Errorf("%w: %s in pipeline %s", ErrStepNotFound, opts.StartFromStep, p.ID)
			recordError(span, err)
			return nil, err
		}
	}

	auto := p.AutoContinue
	if opts.AutoContinue != nil {
		auto = *opts.AutoContinue
	}

	now := r.now()
	run := &RunState{
		ID:           uuid.New().String(),
		PipelineID:   p.ID,
		Status:       RunRunning,
		CurrentStep:  from,
		Steps:        make([]StepState, len(p.Steps)),
		Input:        payload.Clone(input),
		AutoContinue: auto,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	for i := range p.Steps {
		run.Steps[i] = StepState{StepID: p.Steps[i].ID, Status: StepPending}
		if i < from {
			run.Steps[i].Status = StepSkipped
			run.Steps[i].Reason = "skipped by startFromStep"
		}
	}
	if err := r.runs.Create(ctx, run); err != nil {
		err = fmt.Errorf("failed to create run: %w", err)
		recordError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("run_id", run.ID), attribute.Bool("auto_continue", auto))
	RunsStarted.Inc()

	ctx = logging.WithRunID(ctx, run.ID)
	r.log(ctx).Info("run started",
		zap.String("pipeline_id", p.ID),
		zap.Int("steps", len(p.Steps)),
		zap.Int("start_step", from),
		zap.Bool("auto_continue", auto))
	r.emit(ctx, events.New(events.RunStarted, run.ID, p.ID))

	if auto {
		r.launch(run.ID)
	}
	return run.Clone(), nil
}

// PauseRun stops a running run at its next step boundary. An in-flight
// step finishes and is recorded.
func (r *Runner) PauseRun(ctx context.Context, runID string) (*RunState, error) {
	ctx, span := r.tracer.Start(ctx, "pipeline.PauseRun")
	defer span.End()
	span.SetAttributes(attribute.String("run_id", runID))

	run, err := r.transition(ctx, runID, RunPaused, nil)
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	r.gates.stop(runID, false)

	ctx = logging.WithRunID(ctx, runID)
	r.log(ctx).Info("run paused", zap.Int("current_step", run.CurrentStep))
	r.emit(ctx, events.New(events.RunPaused, run.ID, run.PipelineID))
	return run, nil
}

// ResumeRun returns a paused run to running and restarts its loop when the
// run auto-continues.
func (r *Runner) ResumeRun(ctx context.Context, runID string) (*RunState, error) {
	ctx, span := r.tracer.Start(ctx, "pipeline.ResumeRun")
	defer span.End()
	span.SetAttributes(attribute.String("run_id", runID))

	run, err := r.transition(ctx, runID, RunRunning, nil)
	if err != nil {
		recordError(span, err)
		return nil, err
	}

	ctx = logging.WithRunID(ctx, runID)
	r.log(ctx).Info("run resumed", zap.Int("current_step", run.CurrentStep))
	if run.AutoContinue {
		r.launch(run.ID)
	}
	return run, nil
}

// CancelRun ends a run. The loop stops waiting on its current step and the
// step's worker is terminated.
func (r *Runner) CancelRun(ctx context.Context, runID string) (*RunState, error) {
	ctx, span := r.tracer.Start(ctx, "pipeline.CancelRun")
	defer span.End()
	span.SetAttributes(attribute.String("run_id", runID))

	var sessionKey string
	run, err := r.transition(ctx, runID, RunCancelled, func(run *RunState) {
		if run.CurrentStep >= len(run.Steps) {
			return
		}
		s := &run.Steps[run.CurrentStep]
		if s.Status == StepRunning || s.Status == StepConverging {
			sessionKey = s.SessionKey
			s.Status = StepFailed
			s.Error = "run cancelled"
			s.CompletedAt = r.stamp()
		}
	})
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	r.gates.stop(runID, true)

	ctx = logging.WithRunID(ctx, runID)
	if sessionKey != "" {
		if _, err := r.orch.TerminateWorker(ctx, sessionKey, orchestrator.TerminateOptions{Reason: "run cancelled"}); err != nil {
			r.log(ctx).Warn("failed to terminate step worker", zap.String("session_key", sessionKey), zap.Error(err))
		}
	}
	recordRunFinished(RunCancelled)
	r.log(ctx).Info("run cancelled", zap.Int("current_step", run.CurrentStep))
	r.emit(ctx, events.New(events.RunCancelled, run.ID, run.PipelineID))
	return run, nil
}

// TriggerNextStep advances a running run by exactly one step and returns
// the updated run. It fails with ErrRunBusy while a loop owns the run.
func (r *Runner) TriggerNextStep(ctx context.Context, runID string) (*RunState, error) {
	ctx, span := r.tracer.Start(ctx, "pipeline.TriggerNextStep")
	defer span.End()
	span.SetAttributes(attribute.String("run_id", runID))

	run, err := r.runs.Get(ctx, runID)
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	if run.Status != RunRunning {
		err := fmt.Errorf("%w: run %s is %s", ErrInvalidRunTransition, runID, run.Status)
		recordError(span, err)
		return nil, err
	}

	// The step is detached from ctx, which only bounds how long this call
	// waits. Pause, cancel and Close reach it through the gate.
	stepCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if !r.gates.claim(runID, cancel, false) {
		cancel()
		recordError(span, ErrRunBusy)
		return nil, ErrRunBusy
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer cancel()
		r.triggerStep(logging.WithRunID(stepCtx, runID), runID)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		err := fmt.Errorf("step of run %s is still running: %w", runID, ctx.Err())
		recordError(span, err)
		return nil, err
	}
	return r.runs.Get(ctx, runID)
}

// triggerStep settles one step for TriggerNextStep and releases the gate.
func (r *Runner) triggerStep(ctx context.Context, runID string) {
	if r.advance(ctx, runID) {
		// Settle the run now rather than on a further trigger.
		if cur, err := r.runs.Get(ctx, runID); err == nil && cur.Status == RunRunning && cur.CurrentStep >= len(cur.Steps) {
			r.completeRun(ctx, runID)
		}
	}
	if r.gates.release(runID) {
		// Resumed while the step ran: hand the gate to a background loop.
		loopCtx, loopCancel := context.WithCancel(r.base)
		r.gates.setCancel(runID, loopCancel)
		go r.loop(loopCtx, runID)
	}
}

// GetRunStatus returns the persisted run.
func (r *Runner) GetRunStatus(ctx context.Context, runID string) (*RunState, error) {
	return r.runs.Get(ctx, runID)
}

// ListRuns returns runs matching filter, newest first.
func (r *Runner) ListRuns(ctx context.Context, filter RunFilter) ([]*RunState, error) {
	return r.runs.List(ctx, filter)
}

// Active reports whether a loop currently owns runID.
func (r *Runner) Active(runID string) bool {
	return r.gates.active(runID)
}

// Recover restarts loops for auto-continue runs left running, typically by
// a previous process. It returns how many loops were started.
func (r *Runner) Recover(ctx context.Context) (int, error) {
	runs, err := r.runs.List(ctx, RunFilter{Statuses: []RunStatus{RunRunning}})
	if err != nil {
		return 0, fmt.Errorf("failed to list running runs: %w", err)
	}
	n := 0
	for _, run := range runs {
		if run.AutoContinue && r.launch(run.ID) {
			n++
		}
	}
	if n > 0 {
		r.logger.Info("recovered pipeline runs", zap.Int("count", n))
	}
	return n, nil
}

// Close stops every loop and waits for them to return or ctx to end. Runs
// stay in their persisted status and can be recovered later.
func (r *Runner) Close(ctx context.Context) error {
	r.gates.closeAll()
	err := r.gates.wait(ctx)
	r.baseCancel()
	return err
}

// transition moves a run to status, applying extra inside the same update.
func (r *Runner) transition(ctx context.Context, runID string, status RunStatus, extra func(run *RunState)) (*RunState, error) {
	return r.updateRun(ctx, runID, func(run *RunState) error {
		if !CanTransition(run.Status, status) {
			return fmt.Errorf("%w: run %s cannot go from %s to %s", ErrInvalidRunTransition, runID, run.Status, status)
		}
		run.Status = status
		if status.IsTerminal() {
			run.CompletedAt = r.stamp()
		}
		if extra != nil {
			extra(run)
		}
		return nil
	})
}

// updateRun re-reads the run, applies fn and persists the result.
func (r *Runner) updateRun(ctx context.Context, runID string, fn func(run *RunState) error) (*RunState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, err := r.runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if err := fn(run); err != nil {
		return nil, err
	}
	if err := r.runs.Update(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to persist run: %w", err)
	}
	return run, nil
}

func (r *Runner) stamp() *time.Time {
	t := r.now()
	return &t
}

func (r *Runner) emit(ctx context.Context, e events.Event) {
	if err := r.emitter.Emit(ctx, e); err != nil {
		r.log(ctx).Warn("failed to emit event",
			zap.String("kind", string(e.Kind)),
			zap.String("step_id", e.StepID),
			zap.Error(err))
	}
}
