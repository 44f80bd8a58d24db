package orchestrator

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductor/internal/backend"
	"github.com/fyrsmithlabs/conductor/internal/logging"
	"github.com/fyrsmithlabs/conductor/internal/role"
	"github.com/fyrsmithlabs/conductor/internal/session"
	"github.com/fyrsmithlabs/conductor/internal/telemetry"
	"github.com/fyrsmithlabs/conductor/internal/workitem"
)

const instrumentationName = "github.com/fyrsmithlabs/conductor/internal/orchestrator"

// DefaultStaleThreshold is the inactivity after which a worker is unhealthy.
const DefaultStaleThreshold = 300 * time.Second

// Config configures the orchestrator.
type Config struct {
	// StaleThreshold is the inactivity after which a worker is unhealthy
	// (default: 300s). Twice this recommends termination.
	StaleThreshold time.Duration

	// Now overrides the clock used for staleness (default: time.Now).
	Now func() time.Time
}

// Deps are the collaborators the orchestrator drives.
type Deps struct {
	WorkItems workitem.Store
	Sessions  session.Tracker
	Roles     role.Store

	// Backend runs sessions. When nil, sessions are tracked but nothing is
	// spawned; callers drive the Reporter callbacks themselves.
	Backend backend.Backend

	// Prompts resolves role prompt files. When nil, static instructions
	// are used.
	Prompts *role.PromptCache

	// Telemetry supplies the tracer and meter. Nil uses the global providers.
	Telemetry *telemetry.Telemetry
}

// Orchestrator binds roles and work items to worker sessions.
type Orchestrator struct {
	cfg     Config
	items   workitem.Store
	tracker session.Tracker
	roles   role.Store
	backend backend.Backend
	prompts *role.PromptCache
	logger  *zap.Logger

	// Telemetry
	tracer           trace.Tracer
	meter            metric.Meter
	assignCounter    metric.Int64Counter
	completeCounter  metric.Int64Counter
	failCounter      metric.Int64Counter
	terminateCounter metric.Int64Counter
	restartCounter   metric.Int64Counter
	staleRefCounter  metric.Int64Counter
	superviseCounter metric.Int64Counter
	pruneCounter     metric.Int64Counter
}

var _ backend.Reporter = (*Orchestrator)(nil)

// New creates an orchestrator.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Orchestrator, error) {
	if deps.WorkItems == nil {
		return nil, errors.New("work item store is required")
	}
	if deps.Sessions == nil {
		return nil, errors.New("session tracker is required")
	}
	if deps.Roles == nil {
		return nil, errors.New("role store is required")
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = DefaultStaleThreshold
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	o := &Orchestrator{
		cfg:     cfg,
		items:   deps.WorkItems,
		tracker: deps.Sessions,
		roles:   deps.Roles,
		backend: deps.Backend,
		prompts: deps.Prompts,
		logger:  logger,
		tracer:  deps.Telemetry.Tracer(instrumentationName),
		meter:   deps.Telemetry.Meter(instrumentationName),
	}
	o.initMetrics()
	return o, nil
}

// initMetrics initializes OpenTelemetry metrics.
func (o *Orchestrator) initMetrics() {
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&o.assignCounter, "conductor.orchestrator.sessions_assigned_total", "Total number of sessions assigned", "{session}"},
		{&o.completeCounter, "conductor.orchestrator.sessions_completed_total", "Total number of sessions that completed", "{session}"},
		{&o.failCounter, "conductor.orchestrator.sessions_failed_total", "Total number of sessions that failed", "{session}"},
		{&o.terminateCounter, "conductor.orchestrator.workers_terminated_total", "Total number of workers terminated", "{worker}"},
		{&o.restartCounter, "conductor.orchestrator.workers_restarted_total", "Total number of workers restarted", "{worker}"},
		{&o.staleRefCounter, "conductor.orchestrator.stale_references_total", "Total number of session links to missing work items", "{reference}"},
		{&o.superviseCounter, "conductor.orchestrator.supervisions_total", "Total number of health verdicts computed", "{verdict}"},
		{&o.pruneCounter, "conductor.orchestrator.sessions_pruned_total", "Total number of stale sessions pruned", "{session}"},
	}
	for _, c := range counters {
		counter, err := o.meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			o.logger.Warn("failed to create counter", zap.String("name", c.name), zap.Error(err))
			continue
		}
		*c.dst = counter
	}
}

// add increments counter when it was created.
func add(ctx context.Context, counter metric.Int64Counter, attrs ...attribute.KeyValue) {
	if counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// StaleThreshold returns the configured staleness threshold.
func (o *Orchestrator) StaleThreshold() time.Duration {
	return o.cfg.StaleThreshold
}

// Backend returns the execution backend, which may be nil.
func (o *Orchestrator) Backend() backend.Backend {
	return o.backend
}

func (o *Orchestrator) log(ctx context.Context) *zap.Logger {
	return logging.WithContext(ctx, o.logger)
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// linkedItem resolves a session's work item. A missing item is a stale
// reference: it is logged and reported as (nil, nil).
func (o *Orchestrator) linkedItem(ctx context.Context, sess *session.Session) (*workitem.WorkItem, error) {
	if sess.WorkItemID == "" {
		return nil, nil
	}
	item, err := o.items.Get(ctx, sess.WorkItemID)
	if errors.Is(err, workitem.ErrNotFound) {
		add(ctx, o.staleRefCounter)
		o.log(ctx).Warn("session references missing work item",
			zap.String("session_key", sess.Key),
			zap.String("work_item_id", sess.WorkItemID))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

func (o *Orchestrator) appendEvent(ctx context.Context, itemID, eventType, message string, data map[string]any) {
	err := o.items.AppendEvent(ctx, itemID, workitem.Event{
		Type:      eventType,
		Message:   message,
		Data:      data,
		Timestamp: o.cfg.Now(),
	})
	if err != nil {
		o.log(ctx).Warn("failed to append work item event",
			zap.String("work_item_id", itemID),
			zap.String("event", eventType),
			zap.Error(err))
	}
}
