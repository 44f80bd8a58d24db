package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductor/internal/backend"
	"github.com/fyrsmithlabs/conductor/internal/config"
	"github.com/fyrsmithlabs/conductor/internal/convergence"
	"github.com/fyrsmithlabs/conductor/internal/events"
	"github.com/fyrsmithlabs/conductor/internal/orchestrator"
	"github.com/fyrsmithlabs/conductor/internal/pipeline"
	"github.com/fyrsmithlabs/conductor/internal/postgres"
	"github.com/fyrsmithlabs/conductor/internal/role"
	"github.com/fyrsmithlabs/conductor/internal/session"
	"github.com/fyrsmithlabs/conductor/internal/telemetry"
	"github.com/fyrsmithlabs/conductor/internal/workflows"
	"github.com/fyrsmithlabs/conductor/internal/workitem"
)

// Registry provides access to every conductor component.
// Use accessor methods to retrieve individual components.
type Registry interface {
	WorkItems() workitem.Store
	Runs() pipeline.RunStore
	Pipelines() pipeline.Store
	Sessions() session.Tracker
	Roles() role.Store
	Backend() backend.Backend
	Events() *events.Bus
	Orchestrator() *orchestrator.Orchestrator
	Convergence() *convergence.Engine
	Runner() *pipeline.Runner
	Maintenance() *workflows.Activities

	// Close tears components down in reverse construction order.
	Close(ctx context.Context) error
}

// Closer releases one component.
type Closer func(ctx context.Context) error

// Options configures the registry with component instances.
type Options struct {
	WorkItems    workitem.Store
	Runs         pipeline.RunStore
	Pipelines    pipeline.Store
	Sessions     session.Tracker
	Roles        role.Store
	Backend      backend.Backend
	Events       *events.Bus
	Orchestrator *orchestrator.Orchestrator
	Convergence  *convergence.Engine
	Runner       *pipeline.Runner
	Maintenance  *workflows.Activities

	// Closers run in reverse order on Close.
	Closers []Closer
}

// registry is the concrete implementation of Registry.
type registry struct {
	workItems    workitem.Store
	runs         pipeline.RunStore
	pipelines    pipeline.Store
	sessions     session.Tracker
	roles        role.Store
	backend      backend.Backend
	events       *events.Bus
	orchestrator *orchestrator.Orchestrator
	convergence  *convergence.Engine
	runner       *pipeline.Runner
	maintenance  *workflows.Activities
	closers      []Closer
}

// NewRegistry creates a registry over already-built components.
func NewRegistry(opts Options) Registry {
	return &registry{
		workItems:    opts.WorkItems,
		runs:         opts.Runs,
		pipelines:    opts.Pipelines,
		sessions:     opts.Sessions,
		roles:        opts.Roles,
		backend:      opts.Backend,
		events:       opts.Events,
		orchestrator: opts.Orchestrator,
		convergence:  opts.Convergence,
		runner:       opts.Runner,
		maintenance:  opts.Maintenance,
		closers:      opts.Closers,
	}
}

func (r *registry) WorkItems() workitem.Store                { return r.workItems }
func (r *registry) Runs() pipeline.RunStore                  { return r.runs }
func (r *registry) Pipelines() pipeline.Store                { return r.pipelines }
func (r *registry) Sessions() session.Tracker                { return r.sessions }
func (r *registry) Roles() role.Store                        { return r.roles }
func (r *registry) Backend() backend.Backend                 { return r.backend }
func (r *registry) Events() *events.Bus                      { return r.events }
func (r *registry) Orchestrator() *orchestrator.Orchestrator { return r.orchestrator }
func (r *registry) Convergence() *convergence.Engine         { return r.convergence }
func (r *registry) Runner() *pipeline.Runner                 { return r.runner }
func (r *registry) Maintenance() *workflows.Activities       { return r.maintenance }

func (r *registry) Close(ctx context.Context) error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

// BuildOptions tune Build.
type BuildOptions struct {
	Logger    *zap.Logger
	Telemetry *telemetry.Telemetry

	// Backend replaces the configured execution backend.
	Backend backend.Backend
}

// Build constructs every component from cfg. On failure the components built
// so far are closed.
func Build(ctx context.Context, cfg *config.Config, opts BuildOptions) (reg Registry, err error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	o := Options{}
	defer func() {
		if err != nil {
			_ = NewRegistry(o).Close(ctx)
		}
	}()
	onClose := func(c Closer) { o.Closers = append(o.Closers, c) }

	switch cfg.Store.Driver {
	case config.StorePostgres:
		pool, err := postgres.Connect(ctx, cfg.Store.Postgres)
		if err != nil {
			return nil, err
		}
		onClose(func(context.Context) error { pool.Close(); return nil })
		if err := postgres.Migrate(ctx, pool); err != nil {
			return nil, err
		}
		o.WorkItems = postgres.NewWorkItemStore(pool)
		o.Runs = postgres.NewRunStore(pool)
	default:
		o.WorkItems = workitem.NewMemoryStore()
		o.Runs = pipeline.NewMemoryRunStore()
	}
	o.Sessions = session.NewMemoryTracker()

	var extra []*role.Role
	if cfg.Roles.File != "" {
		if extra, err = role.LoadFile(cfg.Roles.File); err != nil {
			return nil, fmt.Errorf("failed to load roles: %w", err)
		}
	}
	o.Roles = role.NewMemoryStore(extra...)

	prompts, err := role.NewPromptCache(cfg.Roles.WatchPrompts, logger.Named("prompts"))
	if err != nil {
		return nil, fmt.Errorf("failed to create prompt cache: %w", err)
	}
	onClose(func(context.Context) error { return prompts.Close() })

	o.Backend = opts.Backend
	if o.Backend == nil {
		if o.Backend, err = NewBackend(cfg.Backend, logger.Named("backend")); err != nil {
			return nil, err
		}
	}
	onClose(o.Backend.Close)

	o.Events = events.NewBus(logger.Named("events"))
	onClose(func(context.Context) error { o.Events.Close(); return nil })
	emitter := events.Emitter(o.Events)
	if cfg.NATS.Enabled {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("conductor"))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to nats: %w", err)
		}
		onClose(func(context.Context) error { return nc.Drain() })
		emitter = events.Multi(o.Events, events.NewNATSPublisher(nc, cfg.NATS.SubjectPrefix))
		logger.Info("publishing run events to nats", zap.String("url", cfg.NATS.URL))
	}

	o.Orchestrator, err = orchestrator.New(orchestrator.Config{
		StaleThreshold: cfg.Orchestrator.StaleThreshold.Duration(),
	}, orchestrator.Deps{
		WorkItems: o.WorkItems,
		Sessions:  o.Sessions,
		Roles:     o.Roles,
		Backend:   o.Backend,
		Prompts:   prompts,
		Telemetry: opts.Telemetry,
	}, logger.Named("orchestrator"))
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}

	o.Convergence, err = convergence.New(convergence.Config{
		MaxIterations:      cfg.Convergence.MaxIterations,
		MinScore:           cfg.Convergence.MinScore,
		ReviewTimeout:      cfg.Convergence.ReviewTimeout.Duration(),
		ImprovementTimeout: cfg.Convergence.ImprovementTimeout.Duration(),
		PollInterval:       cfg.Pipeline.PollInterval.Duration(),
		ReviewerRole:       cfg.Convergence.ReviewerRole,
	}, o.WorkItems, o.Orchestrator, opts.Telemetry, logger.Named("convergence"))
	if err != nil {
		return nil, fmt.Errorf("failed to create convergence engine: %w", err)
	}

	pipelines := pipeline.NewMemoryStore()
	o.Pipelines = pipelines
	if dir := cfg.Pipeline.DefinitionsDir; dir != "" {
		w := pipeline.NewWatcher(dir, pipelines, logger.Named("definitions"))
		n, err := w.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load pipeline definitions: %w", err)
		}
		logger.Info("loaded pipeline definitions", zap.String("dir", dir), zap.Int("count", n))
		if cfg.Pipeline.WatchDir {
			if err := w.Start(ctx); err != nil {
				return nil, err
			}
			onClose(func(context.Context) error { return w.Close() })
		}
	}

	o.Runner, err = pipeline.New(pipeline.Config{
		PollInterval: cfg.Pipeline.PollInterval.Duration(),
		StepTimeout:  cfg.Pipeline.StepTimeout.Duration(),
	}, pipeline.Deps{
		Pipelines:    o.Pipelines,
		Runs:         o.Runs,
		WorkItems:    o.WorkItems,
		Orchestrator: o.Orchestrator,
		Convergence:  o.Convergence,
		Emitter:      emitter,
		Telemetry:    opts.Telemetry,
	}, logger.Named("pipeline"))
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline runner: %w", err)
	}
	onClose(o.Runner.Close)
	if _, err := o.Runner.Recover(ctx); err != nil {
		logger.Warn("failed to recover pipeline runs", zap.Error(err))
	}

	o.Maintenance, err = workflows.NewActivities(o.Orchestrator, logger.Named("maintenance"))
	if err != nil {
		return nil, err
	}

	return NewRegistry(o), nil
}

// NewBackend creates the configured execution backend.
func NewBackend(cfg config.BackendConfig, logger *zap.Logger) (backend.Backend, error) {
	switch cfg.Kind {
	case config.BackendEcho, "":
		return backend.NewEcho(logger), nil
	case config.BackendProcess:
		b, err := backend.NewProcess(cfg.Process, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create process backend: %w", err)
		}
		return b, nil
	case config.BackendGateway:
		b, err := backend.NewGateway(cfg.Gateway, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create gateway backend: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown backend kind: %q", cfg.Kind)
	}
}
