package workflows

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductor/internal/logging"
	"github.com/fyrsmithlabs/conductor/internal/orchestrator"
	"github.com/fyrsmithlabs/conductor/internal/session"
)

// Supervisor is the slice of the orchestrator the maintenance activities
// drive.
type Supervisor interface {
	ListActiveWorkers(ctx context.Context) ([]*orchestrator.WorkerInfo, error)
	SuperviseWorker(ctx context.Context, key string) (*orchestrator.Health, error)
	RestartWorker(ctx context.Context, key string, opts orchestrator.RestartOptions) (*session.Session, error)
	TerminateWorker(ctx context.Context, key string, opts orchestrator.TerminateOptions) (*session.Session, error)
	Cleanup(ctx context.Context, maxAge time.Duration, cancelStaleWork bool) (*orchestrator.CleanupResult, error)
}

var _ Supervisor = (*orchestrator.Orchestrator)(nil)

// Activities holds the maintenance activities. Register a pointer with a
// Temporal worker; every exported method becomes an activity.
type Activities struct {
	orch   Supervisor
	logger *zap.Logger
}

// NewActivities creates the activity set.
func NewActivities(orch Supervisor, logger *zap.Logger) (*Activities, error) {
	if orch == nil {
		return nil, errors.New("supervisor is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Activities{orch: orch, logger: logger}, nil
}

// SuperviseWorkers computes a verdict for every active worker. With
// AutoHeal set, restart recommendations restart the worker and terminate
// recommendations terminate it and fail its work.
func (a *Activities) SuperviseWorkers(ctx context.Context, in SuperviseInput) (result *SuperviseResult, err error) {
	defer observe(ctx, "supervise_workers", time.Now(), &err)

	workers, err := a.orch.ListActiveWorkers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active workers: %w", err)
	}

	result = &SuperviseResult{}
	for _, w := range workers {
		key := w.Session.Key
		h, err := a.orch.SuperviseWorker(ctx, key)
		if err != nil {
			// The session may have been pruned since the listing.
			if !orchestrator.IsNotFound(err) {
				a.log(ctx).Warn("failed to supervise worker", zap.String("session_key", key), zap.Error(err))
			}
			continue
		}
		result.Checked++
		if h.IsHealthy {
			result.Healthy++
			continue
		}

		unhealthyCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("recommendation", string(h.Recommendation))))
		verdict := WorkerVerdict{
			SessionKey:     key,
			Recommendation: h.Recommendation,
			Reason:         h.Reason,
			Action:         ActionNone,
		}
		if in.AutoHeal {
			a.heal(ctx, h, &verdict, result)
		}
		result.Unhealthy = append(result.Unhealthy, verdict)
	}

	a.log(ctx).Info("supervised workers",
		zap.Int("checked", result.Checked),
		zap.Int("healthy", result.Healthy),
		zap.Int("restarted", result.Restarted),
		zap.Int("terminated", result.Terminated))
	return result, nil
}

func (a *Activities) heal(ctx context.Context, h *orchestrator.Health, v *WorkerVerdict, result *SuperviseResult) {
	switch h.Recommendation {
	case orchestrator.RecommendRestart:
		sess, err := a.orch.RestartWorker(ctx, h.SessionKey, orchestrator.RestartOptions{PreserveTokenUsage: true})
		if err != nil {
			v.Action = ActionFailed
			v.Error = err.Error()
			a.log(ctx).Warn("failed to restart worker", zap.String("session_key", h.SessionKey), zap.Error(err))
			return
		}
		v.Action = ActionRestarted
		v.NewSessionKey = sess.Key
		result.Restarted++
	case orchestrator.RecommendTerminate:
		_, err := a.orch.TerminateWorker(ctx, h.SessionKey, orchestrator.TerminateOptions{
			Reason:         h.Reason,
			MarkWorkFailed: true,
		})
		if err != nil {
			v.Action = ActionFailed
			v.Error = err.Error()
			a.log(ctx).Warn("failed to terminate worker", zap.String("session_key", h.SessionKey), zap.Error(err))
			return
		}
		v.Action = ActionTerminated
		result.Terminated++
	default:
		return
	}
	workersHealedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("action", v.Action)))
}

// CleanupSessions prunes sessions idle for longer than MaxAge.
func (a *Activities) CleanupSessions(ctx context.Context, in CleanupInput) (result *orchestrator.CleanupResult, err error) {
	defer observe(ctx, "cleanup_sessions", time.Now(), &err)

	result, err = a.orch.Cleanup(ctx, in.MaxAge, in.CancelStaleWork)
	if err != nil {
		return nil, fmt.Errorf("failed to clean up sessions: %w", err)
	}
	a.log(ctx).Info("cleaned up sessions",
		zap.Int("pruned", result.Pruned),
		zap.Int("cancelled_work", result.CancelledWork))
	return result, nil
}

func (a *Activities) log(ctx context.Context) *zap.Logger {
	return logging.WithContext(ctx, a.logger)
}

func observe(ctx context.Context, activity string, start time.Time, errp *error) {
	attrs := metric.WithAttributes(attribute.String("activity", activity))
	activityDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	if *errp != nil {
		activityErrorCounter.Add(ctx, 1, attrs)
	}
}
