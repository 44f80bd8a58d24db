package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductor/internal/role"
	"github.com/fyrsmithlabs/conductor/internal/session"
	"github.com/fyrsmithlabs/conductor/internal/workitem"
)

// Recommendation is the action SuperviseWorker suggests.
type Recommendation string

const (
	RecommendContinue  Recommendation = "continue"
	RecommendRestart   Recommendation = "restart"
	RecommendTerminate Recommendation = "terminate"
)

// Health is a point-in-time verdict on one worker.
type Health struct {
	SessionKey     string             `json:"session_key"`
	Status         session.Status     `json:"status"`
	IsActive       bool               `json:"is_active"`
	IsHealthy      bool               `json:"is_healthy"`
	StaleDuration  time.Duration      `json:"stale_duration"`
	LastActivityAt time.Time          `json:"last_activity_at"`
	Recommendation Recommendation     `json:"recommendation"`
	Reason         string             `json:"reason"`
	WorkItem       *workitem.WorkItem `json:"work_item,omitempty"`
}

// Verdict classifies a session given its staleness and the threshold.
func Verdict(sess *session.Session, stale, threshold time.Duration) (bool, Recommendation, string) {
	active := sess.Status.IsActive()
	healthy := active && stale < threshold
	switch {
	case healthy:
		return true, RecommendContinue, "worker is active"
	case !active && sess.Status == session.StatusError:
		return false, RecommendTerminate, fmt.Sprintf("worker stopped with error: %s", sess.Error)
	case stale > 2*threshold:
		return false, RecommendTerminate, fmt.Sprintf("no activity for %s", stale.Round(time.Second))
	case !active:
		return false, RecommendRestart, fmt.Sprintf("worker is %s", sess.Status)
	case stale >= threshold:
		return false, RecommendRestart, fmt.Sprintf("no activity for %s", stale.Round(time.Second))
	default:
		return false, RecommendContinue, "worker is active"
	}
}

// SuperviseWorker computes a health verdict for key without changing any
// state.
func (o *Orchestrator) SuperviseWorker(ctx context.Context, key string) (*Health, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.SuperviseWorker")
	defer span.End()
	span.SetAttributes(attribute.String("session_key", key))

	sess, err := o.tracker.Get(ctx, key)
	if err != nil {
		recordError(span, err)
		return nil, err
	}

	stale := o.cfg.Now().Sub(sess.LastActivityAt)
	if stale < 0 {
		stale = 0
	}
	healthy, rec, reason := Verdict(sess, stale, o.cfg.StaleThreshold)
	h := &Health{
		SessionKey:     sess.Key,
		Status:         sess.Status,
		IsActive:       sess.Status.IsActive(),
		IsHealthy:      healthy,
		StaleDuration:  stale,
		LastActivityAt: sess.LastActivityAt,
		Recommendation: rec,
		Reason:         reason,
	}

	item, err := o.linkedItem(ctx, sess)
	if err != nil {
		o.log(ctx).Debug("work item lookup failed", zap.String("session_key", key), zap.Error(err))
	}
	h.WorkItem = item

	span.SetAttributes(
		attribute.Bool("healthy", healthy),
		attribute.String("recommendation", string(rec)),
	)
	add(ctx, o.superviseCounter, attribute.String("recommendation", string(rec)))
	return h, nil
}

// WorkerInfo is an active session with its resolved references.
type WorkerInfo struct {
	Session  *session.Session   `json:"session"`
	WorkItem *workitem.WorkItem `json:"work_item,omitempty"`
	Role     *role.Role         `json:"role,omitempty"`
}

// ListActiveWorkers returns every session in an active status. Missing work
// items and roles are omitted.
func (o *Orchestrator) ListActiveWorkers(ctx context.Context) ([]*WorkerInfo, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.ListActiveWorkers")
	defer span.End()

	sessions, err := o.tracker.ActiveSessions(ctx)
	if err != nil {
		recordError(span, err)
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}

	out := make([]*WorkerInfo, 0, len(sessions))
	for _, sess := range sessions {
		info := &WorkerInfo{Session: sess}
		if item, err := o.linkedItem(ctx, sess); err != nil {
			o.log(ctx).Debug("work item lookup failed", zap.String("session_key", sess.Key), zap.Error(err))
		} else {
			info.WorkItem = item
		}
		r, err := o.roles.Get(ctx, sess.RoleID)
		switch {
		case err == nil:
			info.Role = r
		case errors.Is(err, role.ErrNotFound):
			o.log(ctx).Debug("session references missing role",
				zap.String("session_key", sess.Key), zap.String("role_id", sess.RoleID))
		default:
			o.log(ctx).Debug("role lookup failed", zap.String("session_key", sess.Key), zap.Error(err))
		}
		out = append(out, info)
	}
	span.SetAttributes(attribute.Int("count", len(out)))
	return out, nil
}

// CleanupResult reports what Cleanup removed.
type CleanupResult struct {
	Pruned        int `json:"pruned"`
	CancelledWork int `json:"cancelled_work"`
}

const staleCancelReason = "session inactive beyond cleanup age"

// Cleanup prunes sessions inactive for longer than maxAge. When
// cancelStaleWork is set, their open work items are cancelled first.
func (o *Orchestrator) Cleanup(ctx context.Context, maxAge time.Duration, cancelStaleWork bool) (*CleanupResult, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.Cleanup")
	defer span.End()
	span.SetAttributes(
		attribute.String("max_age", maxAge.String()),
		attribute.Bool("cancel_stale_work", cancelStaleWork),
	)

	if maxAge <= 0 {
		err := errors.New("max age must be positive")
		recordError(span, err)
		return nil, err
	}

	result := &CleanupResult{}
	cutoff := o.cfg.Now().Add(-maxAge)

	all, err := o.tracker.List(ctx, session.Filter{})
	if err != nil {
		recordError(span, err)
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	for _, sess := range all {
		if !sess.LastActivityAt.Before(cutoff) {
			continue
		}
		if sess.Status.IsActive() {
			o.stopBackend(ctx, sess.Key, true)
		}
		if !cancelStaleWork {
			continue
		}
		item, ok := o.openItem(ctx, sess)
		if !ok {
			continue
		}
		if _, err := o.items.Cancel(ctx, item.ID, staleCancelReason); err != nil {
			o.log(ctx).Warn("failed to cancel stale work item", zap.String("work_item_id", item.ID), zap.Error(err))
			continue
		}
		result.CancelledWork++
	}

	pruned, err := o.tracker.PruneStale(ctx, maxAge)
	if err != nil {
		recordError(span, err)
		return result, fmt.Errorf("failed to prune sessions: %w", err)
	}
	result.Pruned = pruned

	if pruned > 0 && o.pruneCounter != nil {
		o.pruneCounter.Add(ctx, int64(pruned))
	}
	o.log(ctx).Info("session cleanup finished",
		zap.Int("pruned", result.Pruned),
		zap.Int("cancelled_work", result.CancelledWork))
	return result, nil
}
