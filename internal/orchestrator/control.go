package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductor/internal/backend"
	"github.com/fyrsmithlabs/conductor/internal/session"
	"github.com/fyrsmithlabs/conductor/internal/workitem"
)

// TerminateOptions control TerminateWorker.
type TerminateOptions struct {
	Reason string

	// CancelWork cancels the linked work item. Nil means true.
	CancelWork *bool

	// MarkWorkFailed fails the linked item instead of cancelling it.
	MarkWorkFailed bool

	// Force asks the backend to kill rather than stop gracefully.
	Force bool
}

func (t TerminateOptions) cancelWork() bool {
	return t.CancelWork == nil || *t.CancelWork
}

// RestartOptions control RestartWorker.
type RestartOptions struct {
	// NewTask replaces the old session's task text.
	NewTask string

	// PreserveTokenUsage carries the old session's counters to the new one.
	PreserveTokenUsage bool
}

const defaultTerminateReason = "terminated by orchestrator"

// TerminateWorker stops the session and cancels or fails its work item,
// unless the item is already terminal.
func (o *Orchestrator) TerminateWorker(ctx context.Context, key string, opts TerminateOptions) (*session.Session, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.TerminateWorker")
	defer span.End()
	span.SetAttributes(attribute.String("session_key", key))

	reason := opts.Reason
	if reason == "" {
		reason = defaultTerminateReason
	}

	sess, err := o.tracker.Get(ctx, key)
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	if sess.Status.IsActive() {
		o.stopBackend(ctx, key, opts.Force)
		if sess, err = o.tracker.MarkStopped(ctx, key, 0, ""); err != nil {
			recordError(span, err)
			return nil, fmt.Errorf("failed to mark session stopped: %w", err)
		}
	}

	if item, ok := o.openItem(ctx, sess); ok {
		o.appendEvent(ctx, item.ID, workitem.EventSessionStopped, reason,
			map[string]any{"session_key": key})
		switch {
		case opts.MarkWorkFailed:
			if _, err := o.items.UpdateStatus(ctx, item.ID, workitem.StatusFailed, reason); err != nil {
				recordError(span, err)
				return sess, fmt.Errorf("failed to fail work item: %w", err)
			}
		case opts.cancelWork():
			if _, err := o.items.Cancel(ctx, item.ID, reason); err != nil {
				recordError(span, err)
				return sess, fmt.Errorf("failed to cancel work item: %w", err)
			}
		}
	}

	add(ctx, o.terminateCounter, attribute.String("role_id", sess.RoleID))
	o.log(ctx).Info("worker terminated",
		zap.String("session_key", key),
		zap.String("reason", reason))
	return sess, nil
}

// stopBackend asks the backend to stop key. Sessions the backend no longer
// runs are ignored.
func (o *Orchestrator) stopBackend(ctx context.Context, key string, force bool) {
	if o.backend == nil {
		return
	}
	err := o.backend.Stop(ctx, key, force)
	switch {
	case err == nil:
	case errors.Is(err, backend.ErrUnknownSession):
		o.log(ctx).Debug("backend has no such session", zap.String("session_key", key))
	default:
		o.log(ctx).Warn("failed to stop backend session", zap.String("session_key", key), zap.Error(err))
	}
}

// RestartWorker replaces a session with a fresh one for the same role and
// work item. The old session is only marked stopped; its record is otherwise
// left as it was.
func (o *Orchestrator) RestartWorker(ctx context.Context, key string, opts RestartOptions) (*session.Session, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.RestartWorker")
	defer span.End()
	span.SetAttributes(attribute.String("session_key", key))

	old, err := o.tracker.Get(ctx, key)
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	usage := old.Usage

	if old.Status.IsActive() {
		o.stopBackend(ctx, key, false)
		if _, err := o.tracker.MarkStopped(ctx, key, 0, ""); err != nil {
			recordError(span, err)
			return nil, fmt.Errorf("failed to mark session stopped: %w", err)
		}
	}

	itemID := ""
	item, err := o.linkedItem(ctx, old)
	if err != nil {
		recordError(span, err)
		return nil, fmt.Errorf("failed to load work item: %w", err)
	}
	if item != nil {
		itemID = item.ID
		if item.Status == workitem.StatusRunning || item.Status == workitem.StatusFailed {
			if _, err := o.items.UpdateStatus(ctx, item.ID, workitem.StatusQueued, ""); err != nil {
				recordError(span, err)
				return nil, fmt.Errorf("failed to requeue work item: %w", err)
			}
		}
		o.appendEvent(ctx, item.ID, workitem.EventSessionRestart, "session restarted",
			map[string]any{"previous_session_key": key})
	}

	task := opts.NewTask
	if task == "" {
		task = old.Task
	}
	var carry session.TokenUsage
	if opts.PreserveTokenUsage {
		carry = usage
	}

	fresh, err := o.assign(ctx, AssignInput{
		RoleID:     old.RoleID,
		Label:      old.Label,
		WorkItemID: itemID,
		Task:       task,
	}, "", carry)
	if err != nil {
		recordError(span, err)
		return nil, err
	}

	span.SetAttributes(attribute.String("new_session_key", fresh.Key))
	add(ctx, o.restartCounter, attribute.String("role_id", old.RoleID))
	o.log(ctx).Info("worker restarted",
		zap.String("session_key", key),
		zap.String("new_session_key", fresh.Key))
	return fresh, nil
}
