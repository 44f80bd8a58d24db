package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductor/internal/convergence"
	"github.com/fyrsmithlabs/conductor/internal/events"
	"github.com/fyrsmithlabs/conductor/internal/expr"
	"github.com/fyrsmithlabs/conductor/internal/logging"
	"github.com/fyrsmithlabs/conductor/internal/orchestrator"
	"github.com/fyrsmithlabs/conductor/internal/workitem"
)

// launch starts a background loop for runID unless one already owns it,
// in which case that loop is told to keep going.
func (r *Runner) launch(runID string) bool {
	ctx, cancel := context.WithCancel(r.base)
	if !r.gates.claim(runID, cancel, true) {
		cancel()
		return false
	}
	go r.loop(ctx, runID)
	return true
}

// loop advances a run until it stops running or its gate closes. The
// caller must hold the gate.
func (r *Runner) loop(ctx context.Context, runID string) {
	ActiveLoops.Inc()
	defer ActiveLoops.Dec()
	ctx = logging.WithRunID(ctx, runID)
	r.log(ctx).Debug("run loop started")

	for {
		if r.gates.open(runID) && r.advance(ctx, runID) {
			continue
		}
		if r.gates.release(runID) {
			continue
		}
		r.log(ctx).Debug("run loop stopped")
		return
	}
}

// advance settles at most one step and reports whether the loop should
// take another.
func (r *Runner) advance(ctx context.Context, runID string) bool {
	run, err := r.runs.Get(ctx, runID)
	if err != nil {
		if ctx.Err() == nil {
			r.log(ctx).Error("failed to load run", zap.Error(err))
		}
		return false
	}
	if run.Status != RunRunning {
		return false
	}

	p, err := r.pipelines.Get(ctx, run.PipelineID)
	if err != nil {
		r.failRun(ctx, runID, fmt.Sprintf("failed to load pipeline: %v", err))
		return false
	}
	if len(p.Steps) != len(run.Steps) {
		r.failRun(ctx, runID, fmt.Sprintf("pipeline %s now has %d steps, run was created with %d",
			p.ID, len(p.Steps), len(run.Steps)))
		return false
	}
	if run.CurrentStep >= len(p.Steps) {
		r.completeRun(ctx, runID)
		return false
	}

	idx := run.CurrentStep
	step := &p.Steps[idx]
	ctx = logging.WithStepID(ctx, step.ID)

	switch run.Steps[idx].Status {
	case StepComplete, StepSkipped:
		return r.moveTo(ctx, runID, idx, idx+1)
	case StepFailed:
		return r.afterFailure(ctx, p, runID, idx, run.Steps[idx].Error)
	}

	if step.Condition != "" && !r.conditionHolds(ctx, step, run) {
		return r.skip(ctx, p, runID, idx, "condition not met")
	}

	started := time.Now()
	out, err := r.execute(ctx, p, runID, idx)
	switch {
	case errors.Is(err, errRunStopped):
		return false
	case ctx.Err() != nil:
		// Cancelled or shutting down; CancelRun records the step itself.
		return false
	case err != nil:
		StepDuration.Observe(time.Since(started).Seconds())
		return r.failStep(ctx, p, runID, idx, err.Error())
	}
	StepDuration.Observe(time.Since(started).Seconds())
	return r.completeStep(ctx, p, runID, idx, out)
}

// stepOutcome is the accepted result of an executed step.
type stepOutcome struct {
	output     map[string]any
	iterations int
	reviews    []convergence.Review
}

// execute runs one step: it files the work item, assigns a session, waits
// for a terminal status and routes the output through convergence when
// criteria apply. Timeouts and worker failures come back as plain errors.
func (r *Runner) execute(ctx context.Context, p *Pipeline, runID string, idx int) (*stepOutcome, error) {
	step := &p.Steps[idx]
	ctx, span := r.tracer.Start(ctx, "pipeline.step")
	defer span.End()
	span.SetAttributes(
		attribute.String("run_id", runID),
		attribute.String("step_id", step.ID),
		attribute.String("role_id", step.RoleID),
		attribute.Int("position", idx),
	)

	run, err := r.updateRun(ctx, runID, func(run *RunState) error {
		if run.Status != RunRunning || run.CurrentStep != idx {
			return errRunStopped
		}
		run.Steps[idx] = StepState{
			StepID:    step.ID,
			Status:    StepRunning,
			StartedAt: r.stamp(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.log(ctx).Info("step started", zap.String("role_id", step.RoleID), zap.Int("position", idx))
	ev := events.New(events.StepStarted, runID, p.ID)
	ev.StepID = step.ID
	r.emit(ctx, ev)

	input := ResolveInput(step, run)
	if step.OutputSchema != "" {
		input["_outputSchema"] = step.OutputSchema
	}
	item, err := r.items.Create(ctx, workitem.CreateInput{
		Type:        workitem.TypePipelineStep,
		RoleID:      step.RoleID,
		Title:       step.Title(),
		Description: step.Action,
		Input:       input,
		Tags:        []string{"pipeline", "pipeline:" + p.ID, "run:" + runID, "step:" + step.ID},
	})
	if err != nil {
		recordError(span, err)
		return nil, fmt.Errorf("failed to create work item: %w", err)
	}
	span.SetAttributes(attribute.String("work_item_id", item.ID))
	if err := r.setStep(ctx, runID, idx, func(s *StepState) { s.WorkItemID = item.ID }); err != nil {
		if _, cerr := r.items.Cancel(context.WithoutCancel(ctx), item.ID, "run stopped"); cerr != nil {
			r.log(ctx).Warn("failed to cancel unrecorded work item", zap.String("work_item_id", item.ID), zap.Error(cerr))
		}
		return nil, err
	}

	sess, err := r.orch.AssignSession(ctx, orchestrator.AssignInput{
		RoleID:     step.RoleID,
		Label:      step.Title(),
		WorkItemID: item.ID,
		Task:       step.Action,
		Input:      input,
	}, "")
	if err != nil {
		recordError(span, err)
		return nil, fmt.Errorf("failed to assign session: %w", err)
	}
	span.SetAttributes(attribute.String("session_key", sess.Key))
	if err := r.setStep(ctx, runID, idx, func(s *StepState) { s.SessionKey = sess.Key }); err != nil {
		// The run ended before the key was recorded, so CancelRun could not
		// stop this worker.
		if _, terr := r.orch.TerminateWorker(context.WithoutCancel(ctx), sess.Key, orchestrator.TerminateOptions{
			Reason: "run stopped",
		}); terr != nil {
			r.log(ctx).Warn("failed to terminate unrecorded worker", zap.String("session_key", sess.Key), zap.Error(terr))
		}
		return nil, err
	}

	timeout := step.Timeout.Or(r.cfg.StepTimeout)
	done, err := workitem.Wait(ctx, r.items, item.ID, workitem.WaitOptions{
		PollInterval: r.cfg.PollInterval,
		Timeout:      timeout,
	})
	switch {
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(err, workitem.ErrWaitTimeout):
		if _, terr := r.orch.TerminateWorker(context.WithoutCancel(ctx), sess.Key, orchestrator.TerminateOptions{
			Reason:         fmt.Sprintf("step timed out after %s", timeout),
			MarkWorkFailed: true,
		}); terr != nil {
			r.log(ctx).Warn("failed to terminate timed out worker", zap.Error(terr))
		}
		return nil, fmt.Errorf("step timed out after %s", timeout)
	case err != nil:
		return nil, fmt.Errorf("failed waiting for work item: %w", err)
	}

	switch done.Status {
	case workitem.StatusFailed:
		if done.Error == "" {
			return nil, errors.New("work item failed")
		}
		return nil, errors.New(done.Error)
	case workitem.StatusCancelled:
		return nil, fmt.Errorf("work item cancelled: %s", done.Error)
	}

	criteria := step.Convergence
	if criteria == nil {
		criteria = p.Convergence
	}
	if criteria == nil {
		return &stepOutcome{output: done.Output}, nil
	}
	return r.converge(ctx, p, runID, idx, done, *criteria)
}

func (r *Runner) converge(ctx context.Context, p *Pipeline, runID string, idx int, item *workitem.WorkItem, criteria convergence.Criteria) (*stepOutcome, error) {
	if r.conv == nil {
		return nil, errors.New("step has convergence criteria but no convergence engine is configured")
	}
	step := &p.Steps[idx]
	if _, err := r.updateRun(ctx, runID, func(run *RunState) error {
		if run.Status.IsTerminal() {
			return errRunStopped
		}
		run.Steps[idx].Status = StepConverging
		return nil
	}); err != nil {
		return nil, err
	}

	res, err := r.conv.Converge(ctx, convergence.Request{
		RunID:      runID,
		StepID:     step.ID,
		WorkItemID: item.ID,
		Output:     item.Output,
		Criteria:   criteria,
		OnIteration: func(ctx context.Context, review convergence.Review) error {
			ev := events.New(events.StepConverging, runID, p.ID)
			ev.StepID = step.ID
			ev.WorkItemID = review.WorkItemID
			ev.Iteration = review.Iteration
			score := review.Score
			ev.Score = &score
			r.emit(ctx, ev)
			return r.setStep(ctx, runID, idx, func(s *StepState) {
				s.Iterations = review.Iteration
				s.Reviews = append(s.Reviews, review)
			})
		},
	})
	if err != nil {
		return nil, fmt.Errorf("convergence failed: %w", err)
	}
	ConvergenceIterations.Observe(float64(res.Iterations))
	if !res.Converged {
		return nil, fmt.Errorf("output did not converge: %s", res.Reason)
	}
	return &stepOutcome{
		output:     res.FinalOutput,
		iterations: res.Iterations,
		reviews:    res.Reviews,
	}, nil
}

// setStep updates one step state unless the run has ended.
func (r *Runner) setStep(ctx context.Context, runID string, idx int, fn func(s *StepState)) error {
	_, err := r.updateRun(ctx, runID, func(run *RunState) error {
		if run.Status.IsTerminal() {
			return errRunStopped
		}
		fn(&run.Steps[idx])
		return nil
	})
	return err
}

// conditionHolds evaluates a step condition over the run input, prior
// outputs and run metadata. An evaluation error counts as false.
func (r *Runner) conditionHolds(ctx context.Context, step *Step, run *RunState) bool {
	ok, err := expr.Evaluate(step.Condition, map[string]any{
		"input": run.Input,
		"steps": run.StepOutputs(),
		"run": map[string]any{
			"id":          run.ID,
			"pipelineId":  run.PipelineID,
			"currentStep": run.CurrentStep,
		},
	})
	if err != nil {
		r.log(ctx).Warn("step condition evaluation failed",
			zap.String("condition", step.Condition), zap.Error(err))
		return false
	}
	return ok
}

func (r *Runner) moveTo(ctx context.Context, runID string, from, to int) bool {
	_, err := r.updateRun(ctx, runID, func(run *RunState) error {
		if run.Status != RunRunning {
			return errRunStopped
		}
		if run.CurrentStep == from {
			run.CurrentStep = to
		}
		return nil
	})
	return r.persisted(ctx, err)
}

func (r *Runner) skip(ctx context.Context, p *Pipeline, runID string, idx int, reason string) bool {
	_, err := r.updateRun(ctx, runID, func(run *RunState) error {
		if run.Status != RunRunning || run.CurrentStep != idx {
			return errRunStopped
		}
		s := &run.Steps[idx]
		s.Status = StepSkipped
		s.Reason = reason
		s.CompletedAt = r.stamp()
		run.CurrentStep = idx + 1
		return nil
	})
	if !r.persisted(ctx, err) {
		return false
	}
	recordStep(StepSkipped)
	r.log(ctx).Info("step skipped", zap.String("reason", reason))
	ev := events.New(events.StepSkipped, runID, p.ID)
	ev.StepID = p.Steps[idx].ID
	ev.Reason = reason
	r.emit(ctx, ev)
	return true
}

func (r *Runner) completeStep(ctx context.Context, p *Pipeline, runID string, idx int, out *stepOutcome) bool {
	var itemID string
	_, err := r.updateRun(ctx, runID, func(run *RunState) error {
		if run.Status.IsTerminal() {
			return errRunStopped
		}
		s := &run.Steps[idx]
		s.Status = StepComplete
		s.Output = out.output
		s.Error = ""
		s.Iterations = out.iterations
		if out.reviews != nil {
			s.Reviews = out.reviews
		}
		s.CompletedAt = r.stamp()
		itemID = s.WorkItemID
		if run.CurrentStep == idx {
			run.CurrentStep = idx + 1
		}
		return nil
	})
	if !r.persisted(ctx, err) {
		return false
	}
	recordStep(StepComplete)
	r.log(ctx).Info("step completed", zap.Int("iterations", out.iterations))
	ev := events.New(events.StepCompleted, runID, p.ID)
	ev.StepID = p.Steps[idx].ID
	ev.WorkItemID = itemID
	ev.Iteration = out.iterations
	ev.Output = out.output
	r.emit(ctx, ev)
	return true
}

func (r *Runner) failStep(ctx context.Context, p *Pipeline, runID string, idx int, msg string) bool {
	var itemID string
	_, err := r.updateRun(ctx, runID, func(run *RunState) error {
		if run.Status.IsTerminal() {
			return errRunStopped
		}
		s := &run.Steps[idx]
		s.Status = StepFailed
		s.Error = msg
		s.CompletedAt = r.stamp()
		itemID = s.WorkItemID
		return nil
	})
	if !r.persisted(ctx, err) {
		return false
	}
	recordStep(StepFailed)
	r.log(ctx).Warn("step failed", zap.String("error", msg), zap.Bool("optional", p.Steps[idx].Optional))
	ev := events.New(events.StepFailed, runID, p.ID)
	ev.StepID = p.Steps[idx].ID
	ev.WorkItemID = itemID
	ev.Error = msg
	r.emit(ctx, ev)
	return r.afterFailure(ctx, p, runID, idx, msg)
}

// afterFailure applies the stop-on-failure policy to a failed step.
func (r *Runner) afterFailure(ctx context.Context, p *Pipeline, runID string, idx int, msg string) bool {
	step := &p.Steps[idx]
	if p.StopOnFailure && !step.Optional {
		r.failRun(ctx, runID, fmt.Sprintf("step %s failed: %s", step.ID, msg))
		return false
	}
	return r.moveTo(ctx, runID, idx, idx+1)
}

func (r *Runner) failRun(ctx context.Context, runID, msg string) {
	run, err := r.transition(ctx, runID, RunFailed, func(run *RunState) {
		run.Error = msg
	})
	if err != nil {
		if !errors.Is(err, ErrInvalidRunTransition) {
			r.log(ctx).Error("failed to mark run failed", zap.String("reason", msg), zap.Error(err))
		}
		return
	}
	recordRunFinished(RunFailed)
	r.log(ctx).Warn("run failed", zap.String("error", msg), zap.Int("current_step", run.CurrentStep))
	ev := events.New(events.RunFailed, run.ID, run.PipelineID)
	ev.Error = msg
	r.emit(ctx, ev)
}

func (r *Runner) completeRun(ctx context.Context, runID string) {
	run, err := r.transition(ctx, runID, RunComplete, func(run *RunState) {
		run.Output = run.StepOutputs()
	})
	if err != nil {
		if !errors.Is(err, ErrInvalidRunTransition) {
			r.log(ctx).Error("failed to mark run complete", zap.Error(err))
		}
		return
	}
	recordRunFinished(RunComplete)
	r.log(ctx).Info("run completed", zap.Int("steps", len(run.Steps)))
	ev := events.New(events.RunCompleted, run.ID, run.PipelineID)
	ev.Output = run.Output
	r.emit(ctx, ev)
}

// persisted logs a failed primary write and reports whether the loop may
// continue.
func (r *Runner) persisted(ctx context.Context, err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, errRunStopped), ctx.Err() != nil:
		return false
	default:
		r.log(ctx).Error("failed to persist run state", zap.Error(err))
		return false
	}
}
