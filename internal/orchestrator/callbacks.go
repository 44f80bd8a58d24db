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

// StartSessionWork marks the session active and its work item running.
func (o *Orchestrator) StartSessionWork(ctx context.Context, key string) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.StartSessionWork")
	defer span.End()
	span.SetAttributes(attribute.String("session_key", key))

	sess, err := o.tracker.Get(ctx, key)
	if err != nil {
		recordError(span, err)
		return err
	}
	if sess.StoppedAt != nil {
		o.log(ctx).Debug("ignoring start of stopped session", zap.String("session_key", key))
		return nil
	}
	sess, err = o.tracker.MarkActive(ctx, key)
	if err != nil {
		recordError(span, err)
		return fmt.Errorf("failed to mark session active: %w", err)
	}

	item, err := o.linkedItem(ctx, sess)
	if err != nil {
		o.log(ctx).Warn("failed to load work item", zap.String("session_key", key), zap.Error(err))
		return nil
	}
	if item == nil || item.Status.IsTerminal() {
		return nil
	}
	if item.Status != workitem.StatusRunning {
		if _, err := o.items.UpdateStatus(ctx, item.ID, workitem.StatusRunning, ""); err != nil {
			recordError(span, err)
			return fmt.Errorf("failed to mark work item running: %w", err)
		}
	}
	o.appendEvent(ctx, item.ID, workitem.EventSessionStarted, "session started",
		map[string]any{"session_key": key})
	return nil
}

// RecordActivity credits usage to the session and refreshes its last
// activity timestamp.
func (o *Orchestrator) RecordActivity(ctx context.Context, key string, delta session.TokenUsage) error {
	if _, err := o.tracker.AddTokenUsage(ctx, key, delta); err != nil {
		return fmt.Errorf("failed to record session activity: %w", err)
	}
	o.log(ctx).Debug("session activity",
		zap.String("session_key", key),
		zap.Int64("tokens", delta.Total()))
	return nil
}

// HandleSessionComplete stops the session and completes its work item with
// output. An item that is gone or already finished is logged and left alone.
func (o *Orchestrator) HandleSessionComplete(ctx context.Context, key string, output map[string]any) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.HandleSessionComplete")
	defer span.End()
	span.SetAttributes(attribute.String("session_key", key))

	sess, err := o.tracker.MarkStopped(ctx, key, 0, "")
	if err != nil {
		recordError(span, err)
		return fmt.Errorf("failed to mark session stopped: %w", err)
	}
	add(ctx, o.completeCounter, attribute.String("role_id", sess.RoleID))
	o.log(ctx).Info("session completed",
		zap.String("session_key", key),
		zap.String("work_item_id", sess.WorkItemID))

	item, ok := o.openItem(ctx, sess)
	if !ok {
		return nil
	}

	if err := o.items.SetOutput(ctx, item.ID, output); err != nil {
		o.log(ctx).Error("failed to store work item output", zap.String("work_item_id", item.ID), zap.Error(err))
	}
	if item.Status != workitem.StatusRunning {
		if _, err := o.items.UpdateStatus(ctx, item.ID, workitem.StatusRunning, ""); err != nil {
			o.log(ctx).Error("failed to mark work item running", zap.String("work_item_id", item.ID), zap.Error(err))
		}
	}
	o.appendEvent(ctx, item.ID, workitem.EventSessionComplete, "session completed",
		map[string]any{"session_key": key})
	if _, err := o.items.UpdateStatus(ctx, item.ID, workitem.StatusComplete, ""); err != nil {
		recordError(span, err)
		o.log(ctx).Error("failed to complete work item", zap.String("work_item_id", item.ID), zap.Error(err))
	}
	return nil
}

// HandleSessionFailed stops the session with exitCode and fails its work
// item. An item that is gone or already finished is logged and left alone.
func (o *Orchestrator) HandleSessionFailed(ctx context.Context, key string, exitCode int, errText string) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.HandleSessionFailed")
	defer span.End()
	span.SetAttributes(
		attribute.String("session_key", key),
		attribute.Int("exit_code", exitCode),
	)

	if errText == "" {
		errText = fmt.Sprintf("worker exited with code %d", exitCode)
	}
	sess, err := o.tracker.MarkStopped(ctx, key, exitCode, errText)
	if err != nil {
		recordError(span, err)
		return fmt.Errorf("failed to mark session stopped: %w", err)
	}
	add(ctx, o.failCounter, attribute.String("role_id", sess.RoleID))
	o.log(ctx).Warn("session failed",
		zap.String("session_key", key),
		zap.String("work_item_id", sess.WorkItemID),
		zap.Int("exit_code", exitCode),
		zap.String("error", errText))

	item, ok := o.openItem(ctx, sess)
	if !ok {
		return nil
	}
	o.appendEvent(ctx, item.ID, workitem.EventSessionFailed, errText,
		map[string]any{"session_key": key, "exit_code": exitCode})
	if _, err := o.items.UpdateStatus(ctx, item.ID, workitem.StatusFailed, errText); err != nil {
		recordError(span, err)
		o.log(ctx).Error("failed to fail work item", zap.String("work_item_id", item.ID), zap.Error(err))
	}
	return nil
}

// openItem returns the session's work item when it still exists and is not
// terminal.
func (o *Orchestrator) openItem(ctx context.Context, sess *session.Session) (*workitem.WorkItem, bool) {
	item, err := o.linkedItem(ctx, sess)
	if err != nil {
		o.log(ctx).Warn("failed to load work item", zap.String("session_key", sess.Key), zap.Error(err))
		return nil, false
	}
	if item == nil {
		return nil, false
	}
	if item.Status.IsTerminal() {
		o.log(ctx).Debug("work item already finished",
			zap.String("work_item_id", item.ID),
			zap.String("status", string(item.Status)))
		return nil, false
	}
	return item, true
}

// SendMessage forwards text to a running session.
func (o *Orchestrator) SendMessage(ctx context.Context, key, text string) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.SendMessage")
	defer span.End()
	span.SetAttributes(attribute.String("session_key", key))

	sess, err := o.tracker.Get(ctx, key)
	if err != nil {
		recordError(span, err)
		return err
	}
	if !sess.Status.IsActive() {
		err := fmt.Errorf("session %s is %s", key, sess.Status)
		recordError(span, err)
		return err
	}
	if o.backend == nil {
		return backend.ErrNotSupported
	}
	if err := o.backend.Send(ctx, key, text); err != nil {
		recordError(span, err)
		if errors.Is(err, backend.ErrUnknownSession) {
			return fmt.Errorf("%w: %s", session.ErrNotFound, key)
		}
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}
