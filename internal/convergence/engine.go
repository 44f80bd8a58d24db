package convergence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductor/internal/expr"
	"github.com/fyrsmithlabs/conductor/internal/logging"
	"github.com/fyrsmithlabs/conductor/internal/orchestrator"
	"github.com/fyrsmithlabs/conductor/internal/role"
	"github.com/fyrsmithlabs/conductor/internal/session"
	"github.com/fyrsmithlabs/conductor/internal/telemetry"
	"github.com/fyrsmithlabs/conductor/internal/workitem"
)

const instrumentationName = "github.com/fyrsmithlabs/conductor/internal/convergence"

// Defaults applied to zero Config and Criteria fields.
const (
	DefaultMaxIterations      = 3
	DefaultMinScore           = 0.8
	DefaultReviewTimeout      = 180 * time.Second
	DefaultImprovementTimeout = 300 * time.Second
)

// Assigner is the slice of the worker orchestrator the engine uses.
type Assigner interface {
	AssignSession(ctx context.Context, in orchestrator.AssignInput, sessionKey string) (*session.Session, error)
	TerminateWorker(ctx context.Context, key string, opts orchestrator.TerminateOptions) (*session.Session, error)
}

// Config holds engine defaults.
type Config struct {
	MaxIterations      int
	MinScore           *float64 // nil means DefaultMinScore
	ReviewTimeout      time.Duration
	ImprovementTimeout time.Duration
	PollInterval       time.Duration

	// ReviewerRole is the default reviewer (default: role.ReviewerID).
	ReviewerRole string
}

func (c *Config) applyDefaults() {
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.MinScore == nil {
		c.MinScore = Score(DefaultMinScore)
	}
	if c.ReviewTimeout <= 0 {
		c.ReviewTimeout = DefaultReviewTimeout
	}
	if c.ImprovementTimeout <= 0 {
		c.ImprovementTimeout = DefaultImprovementTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = workitem.DefaultPollInterval
	}
	if c.ReviewerRole == "" {
		c.ReviewerRole = role.ReviewerID
	}
}

// Engine runs convergence loops.
type Engine struct {
	cfg    Config
	items  workitem.Store
	orch   Assigner
	logger *zap.Logger

	// Telemetry
	tracer           trace.Tracer
	iterationCounter metric.Int64Counter
	convergedCounter metric.Int64Counter
	scoreHistogram   metric.Float64Histogram
}

// New creates an engine. tel may be nil.
func New(cfg Config, items workitem.Store, orch Assigner, tel *telemetry.Telemetry, logger *zap.Logger) (*Engine, error) {
	if items == nil {
		return nil, errors.New("work item store is required")
	}
	if orch == nil {
		return nil, errors.New("orchestrator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()

	e := &Engine{
		cfg:    cfg,
		items:  items,
		orch:   orch,
		logger: logger,
		tracer: tel.Tracer(instrumentationName),
	}
	e.initMetrics(tel.Meter(instrumentationName))
	return e, nil
}

// initMetrics initializes OpenTelemetry metrics.
func (e *Engine) initMetrics(meter metric.Meter) {
	var err error

	e.iterationCounter, err = meter.Int64Counter(
		"conductor.convergence.iterations_total",
		metric.WithDescription("Total number of review iterations"),
		metric.WithUnit("{iteration}"),
	)
	if err != nil {
		e.logger.Warn("failed to create iteration counter", zap.Error(err))
	}

	e.convergedCounter, err = meter.Int64Counter(
		"conductor.convergence.results_total",
		metric.WithDescription("Total number of convergence loops by outcome"),
		metric.WithUnit("{result}"),
	)
	if err != nil {
		e.logger.Warn("failed to create result counter", zap.Error(err))
	}

	e.scoreHistogram, err = meter.Float64Histogram(
		"conductor.convergence.review_score",
		metric.WithDescription("Scores assigned by reviewers"),
	)
	if err != nil {
		e.logger.Warn("failed to create score histogram", zap.Error(err))
	}
}

// Defaults returns the effective engine defaults.
func (e *Engine) Defaults() Config {
	return e.cfg
}

// resolve fills zero criteria fields from the engine defaults and picks the
// reviewer for an item produced by producer.
func (e *Engine) resolve(c Criteria, producer string) (Criteria, string) {
	if c.MaxIterations <= 0 {
		c.MaxIterations = e.cfg.MaxIterations
	}
	if c.MinScore == nil {
		c.MinScore = Score(*e.cfg.MinScore)
	}
	reviewer := c.ReviewerRole
	if reviewer == "" && c.SelfReview && producer != "" {
		reviewer = producer
	}
	if reviewer == "" {
		reviewer = e.cfg.ReviewerRole
	}
	return c, reviewer
}

func (e *Engine) log(ctx context.Context) *zap.Logger {
	return logging.WithContext(ctx, e.logger)
}

// Converge reviews req.Output until it passes or the iteration budget is
// spent. Failed or timed-out reviews count as non-passing iterations. Only
// a missing work item or reviewer role aborts the loop with an error.
func (e *Engine) Converge(ctx context.Context, req Request) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "convergence.Converge")
	defer span.End()
	span.SetAttributes(
		attribute.String("run_id", req.RunID),
		attribute.String("step_id", req.StepID),
		attribute.String("work_item_id", req.WorkItemID),
	)

	original, err := e.items.Get(ctx, req.WorkItemID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to load work item under review: %w", err)
	}

	crit, reviewer := e.resolve(req.Criteria, original.RoleID)
	span.SetAttributes(
		attribute.Int("max_iterations", crit.MaxIterations),
		attribute.Float64("min_score", crit.Threshold()),
		attribute.String("reviewer_role", reviewer),
	)

	var predicate *expr.Expression
	if strings.TrimSpace(crit.SuccessCriteria) != "" {
		predicate, err = expr.Compile(crit.SuccessCriteria)
		if err != nil {
			e.log(ctx).Warn("ignoring invalid success criteria",
				zap.String("criteria", crit.SuccessCriteria), zap.Error(err))
		}
	}

	result := &Result{FinalOutput: req.Output}
	candidate := req.Output

	for i := 1; i <= crit.MaxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		review, err := e.review(ctx, req, original, candidate, crit, reviewer, i)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		if !review.Passed && predicate != nil {
			review.Passed = e.predicateHolds(ctx, predicate, review, candidate)
		}

		result.Reviews = append(result.Reviews, review)
		result.Iterations = i
		result.FinalScore = review.Score
		result.FinalOutput = candidate

		if e.iterationCounter != nil {
			e.iterationCounter.Add(ctx, 1, metric.WithAttributes(attribute.Bool("passed", review.Passed)))
		}
		if e.scoreHistogram != nil {
			e.scoreHistogram.Record(ctx, review.Score)
		}
		e.log(ctx).Info("review scored",
			zap.Int("iteration", i),
			zap.Float64("score", review.Score),
			zap.Bool("passed", review.Passed))

		if req.OnIteration != nil {
			if err := req.OnIteration(ctx, review); err != nil {
				e.log(ctx).Warn("iteration callback failed", zap.Int("iteration", i), zap.Error(err))
			}
		}

		if review.Passed {
			result.Converged = true
			e.recordResult(ctx, span, result)
			return result, nil
		}

		if i < crit.MaxIterations {
			if revised := e.improve(ctx, req, original, candidate, review); revised != nil {
				candidate = revised
			}
		}
	}

	result.Reason = fmt.Sprintf("score %.2f below minimum %.2f after %d iterations",
		result.FinalScore, crit.Threshold(), result.Iterations)
	e.recordResult(ctx, span, result)
	return result, nil
}

// ReviewOnce runs a single review iteration with no improvement.
func (e *Engine) ReviewOnce(ctx context.Context, workItemID string, output map[string]any, criteria Criteria) (*Result, error) {
	criteria.MaxIterations = 1
	return e.Converge(ctx, Request{
		WorkItemID: workItemID,
		Output:     output,
		Criteria:   criteria,
	})
}

func (e *Engine) recordResult(ctx context.Context, span trace.Span, r *Result) {
	span.SetAttributes(
		attribute.Bool("converged", r.Converged),
		attribute.Int("iterations", r.Iterations),
		attribute.Float64("final_score", r.FinalScore),
	)
	if e.convergedCounter != nil {
		e.convergedCounter.Add(ctx, 1, metric.WithAttributes(attribute.Bool("converged", r.Converged)))
	}
}

func (e *Engine) predicateHolds(ctx context.Context, p *expr.Expression, r Review, output map[string]any) bool {
	ok, err := p.Bool(map[string]any{
		"score":    r.Score,
		"feedback": r.Feedback,
		"passed":   r.Passed,
		"output":   output,
	})
	if err != nil {
		e.log(ctx).Warn("success criteria evaluation failed",
			zap.String("criteria", p.String()), zap.Error(err))
		return false
	}
	return ok
}

func traceTags(req Request, kind string) []string {
	tags := []string{"convergence", kind}
	if req.RunID != "" {
		tags = append(tags, "run:"+req.RunID)
	}
	if req.StepID != "" {
		tags = append(tags, "step:"+req.StepID)
	}
	return tags
}

// review files one review item and scores it.
func (e *Engine) review(ctx context.Context, req Request, original *workitem.WorkItem, candidate map[string]any,
	crit Criteria, reviewer string, iteration int) (Review, error) {
	ctx, span := e.tracer.Start(ctx, "convergence.review")
	defer span.End()
	span.SetAttributes(attribute.Int("iteration", iteration))

	r := Review{Iteration: iteration}
	item, err := e.items.Create(ctx, workitem.CreateInput{
		Type:        workitem.TypeConvergenceReview,
		RoleID:      reviewer,
		Title:       fmt.Sprintf("Review: %s (iteration %d)", original.Title, iteration),
		Description: reviewPrompt(original, crit.Threshold()),
		Input: map[string]any{
			"task":      original.Description,
			"title":     original.Title,
			"input":     original.Input,
			"output":    candidate,
			"min_score": crit.Threshold(),
			"iteration": iteration,
			"work_item": original.ID,
		},
		Tags: traceTags(req, "review"),
	})
	if err != nil {
		return r, fmt.Errorf("failed to create review work item: %w", err)
	}
	r.WorkItemID = item.ID

	done, key, err := e.await(ctx, item, reviewer, e.cfg.ReviewTimeout)
	r.ReviewerSessionKey = key
	r.Timestamp = time.Now()
	if err != nil {
		return r, err
	}
	if done == nil || done.Status != workitem.StatusComplete {
		r.Score = 0
		r.Feedback = failureText("review", done)
		return r, nil
	}

	r.Score, r.Feedback = ParseReview(done.Output)
	r.Passed = r.Score >= crit.Threshold()
	return r, nil
}

// improve asks the producing role to revise candidate. It returns nil when
// the revision fails, keeping the previous candidate.
func (e *Engine) improve(ctx context.Context, req Request, original *workitem.WorkItem, candidate map[string]any, r Review) map[string]any {
	ctx, span := e.tracer.Start(ctx, "convergence.improve")
	defer span.End()
	span.SetAttributes(attribute.Int("iteration", r.Iteration))

	producer := original.RoleID
	if producer == "" {
		producer = role.WorkerID
	}
	item, err := e.items.Create(ctx, workitem.CreateInput{
		Type:        workitem.TypeConvergenceImprovement,
		RoleID:      producer,
		Title:       fmt.Sprintf("Improve: %s (iteration %d)", original.Title, r.Iteration),
		Description: improvePrompt(original, r),
		Input: map[string]any{
			"task":      original.Description,
			"input":     original.Input,
			"output":    candidate,
			"feedback":  r.Feedback,
			"score":     r.Score,
			"iteration": r.Iteration,
			"work_item": original.ID,
		},
		Tags: traceTags(req, "improvement"),
	})
	if err != nil {
		e.log(ctx).Warn("failed to create improvement work item", zap.Error(err))
		return nil
	}

	done, _, err := e.await(ctx, item, producer, e.cfg.ImprovementTimeout)
	if err != nil {
		e.log(ctx).Warn("improvement could not be assigned", zap.Error(err))
		return nil
	}
	if done == nil || done.Status != workitem.StatusComplete || len(done.Output) == 0 {
		e.log(ctx).Warn("improvement did not complete, keeping previous output",
			zap.String("work_item_id", item.ID),
			zap.String("reason", failureText("improvement", done)))
		return nil
	}
	return done.Output
}

// await assigns a session to item and waits for a terminal status. A
// missing role is returned as an error; any other assignment failure or a
// timeout yields the last observed item with a nil error.
func (e *Engine) await(ctx context.Context, item *workitem.WorkItem, roleID string, timeout time.Duration) (*workitem.WorkItem, string, error) {
	sess, err := e.orch.AssignSession(ctx, orchestrator.AssignInput{
		RoleID:     roleID,
		WorkItemID: item.ID,
	}, "")
	if err != nil {
		if orchestrator.IsNotFound(err) {
			return nil, "", err
		}
		e.log(ctx).Warn("failed to assign session", zap.String("work_item_id", item.ID), zap.Error(err))
		latest, gerr := e.items.Get(ctx, item.ID)
		if gerr != nil {
			return nil, "", nil
		}
		return latest, "", nil
	}

	done, err := workitem.Wait(ctx, e.items, item.ID, workitem.WaitOptions{
		PollInterval: e.cfg.PollInterval,
		Timeout:      timeout,
	})
	switch {
	case err == nil:
		return done, sess.Key, nil
	case errors.Is(err, workitem.ErrWaitTimeout):
		e.log(ctx).Warn("timed out waiting for work item",
			zap.String("work_item_id", item.ID),
			zap.Duration("timeout", timeout))
		if _, terr := e.orch.TerminateWorker(context.WithoutCancel(ctx), sess.Key, orchestrator.TerminateOptions{
			Reason:         fmt.Sprintf("timed out after %s", timeout),
			MarkWorkFailed: true,
		}); terr != nil {
			e.log(ctx).Warn("failed to terminate timed out worker", zap.Error(terr))
		}
		return done, sess.Key, nil
	case ctx.Err() != nil:
		return nil, sess.Key, ctx.Err()
	default:
		e.log(ctx).Warn("failed waiting for work item", zap.String("work_item_id", item.ID), zap.Error(err))
		return nil, sess.Key, nil
	}
}

func failureText(kind string, item *workitem.WorkItem) string {
	switch {
	case item == nil:
		return kind + " failed"
	case item.Status.IsTerminal() && item.Error != "":
		return fmt.Sprintf("%s %s: %s", kind, item.Status, item.Error)
	case item.Status.IsTerminal():
		return fmt.Sprintf("%s %s", kind, item.Status)
	default:
		return kind + " timed out"
	}
}

func reviewPrompt(original *workitem.WorkItem, minScore float64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Review the output produced for the task %q.\n", original.Title)
	if original.Description != "" {
		fmt.Fprintf(&b, "Task: %s\n", original.Description)
	}
	fmt.Fprintf(&b, "Score it between 0 and 1; %.2f or higher is accepted.\n", minScore)
	b.WriteString(`Respond with {"score": <number>, "feedback": "<what to improve>"}.`)
	return b.String()
}

func improvePrompt(original *workitem.WorkItem, r Review) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Revise your output for the task %q.\n", original.Title)
	if original.Description != "" {
		fmt.Fprintf(&b, "Task: %s\n", original.Description)
	}
	fmt.Fprintf(&b, "The reviewer scored it %.2f with this feedback:\n%s", r.Score, r.Feedback)
	return b.String()
}
