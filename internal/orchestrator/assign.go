package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductor/internal/backend"
	"github.com/fyrsmithlabs/conductor/internal/payload"
	"github.com/fyrsmithlabs/conductor/internal/role"
	"github.com/fyrsmithlabs/conductor/internal/session"
	"github.com/fyrsmithlabs/conductor/internal/workitem"
)

// AssignInput describes a session to bind to a role and optional work item.
type AssignInput struct {
	RoleID string
	Label  string

	// WorkItemID links the session to an existing item.
	WorkItemID string

	// Task is the instruction text for the worker. Defaults to the linked
	// item's description, then its title.
	Task string

	// Input is handed to the backend. Defaults to the linked item's input.
	Input map[string]any
}

// SpawnOptions tune the work item SpawnWorker creates.
type SpawnOptions struct {
	Title      string
	Type       string
	Input      map[string]any
	Tags       []string
	Label      string
	SessionKey string
}

// SpawnResult is the outcome of SpawnWorker.
type SpawnResult struct {
	Session  *session.Session   `json:"session"`
	WorkItem *workitem.WorkItem `json:"work_item"`
}

const maxTitleLen = 80

// AssignSession registers a session for in.RoleID and starts it on the
// backend. An empty sessionKey is generated from the role.
//
// When a work item is linked, a session_assigned event is appended and a
// pending item is promoted to queued. A spawn failure fails the session and
// its item before the error is returned.
func (o *Orchestrator) AssignSession(ctx context.Context, in AssignInput, sessionKey string) (*session.Session, error) {
	return o.assign(ctx, in, sessionKey, session.TokenUsage{})
}

// assign implements AssignSession. carry is credited to the new session
// before the backend can report any activity.
func (o *Orchestrator) assign(ctx context.Context, in AssignInput, sessionKey string, carry session.TokenUsage) (*session.Session, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.AssignSession")
	defer span.End()
	span.SetAttributes(
		attribute.String("role_id", in.RoleID),
		attribute.String("work_item_id", in.WorkItemID),
	)

	r, err := o.roles.Get(ctx, in.RoleID)
	if err != nil {
		recordError(span, err)
		return nil, fmt.Errorf("failed to resolve role: %w", err)
	}

	var item *workitem.WorkItem
	if in.WorkItemID != "" {
		item, err = o.items.Get(ctx, in.WorkItemID)
		if err != nil {
			recordError(span, err)
			return nil, fmt.Errorf("failed to resolve work item: %w", err)
		}
	}

	task := in.Task
	input := in.Input
	if item != nil {
		if task == "" {
			task = item.Description
		}
		if task == "" {
			task = item.Title
		}
		if input == nil {
			input = item.Input
		}
	}

	sess, err := o.tracker.Track(ctx, session.TrackInput{
		RoleID:     r.ID,
		Label:      in.Label,
		Task:       task,
		WorkItemID: in.WorkItemID,
	}, sessionKey)
	if err != nil {
		recordError(span, err)
		return nil, fmt.Errorf("failed to track session: %w", err)
	}
	span.SetAttributes(attribute.String("session_key", sess.Key))

	if carry != (session.TokenUsage{}) {
		if sess, err = o.tracker.AddTokenUsage(ctx, sess.Key, carry); err != nil {
			recordError(span, err)
			return nil, fmt.Errorf("failed to carry token usage: %w", err)
		}
	}

	if item != nil {
		o.appendEvent(ctx, item.ID, workitem.EventSessionAssigned, "session assigned",
			map[string]any{"session_key": sess.Key, "role_id": r.ID})
		if item.Status == workitem.StatusPending {
			if _, err := o.items.UpdateStatus(ctx, item.ID, workitem.StatusQueued, ""); err != nil {
				recordError(span, err)
				return nil, fmt.Errorf("failed to queue work item: %w", err)
			}
		}
	}

	add(ctx, o.assignCounter, attribute.String("role_id", r.ID))
	o.log(ctx).Info("session assigned",
		zap.String("session_key", sess.Key),
		zap.String("role_id", r.ID),
		zap.String("work_item_id", in.WorkItemID))

	if o.backend == nil {
		return sess, nil
	}

	req, err := o.spawnRequest(r, sess, task, input)
	if err == nil {
		err = o.backend.Spawn(ctx, req)
	}
	if err != nil {
		recordError(span, err)
		msg := fmt.Sprintf("failed to spawn worker: %v", err)
		if ferr := o.HandleSessionFailed(ctx, sess.Key, 1, msg); ferr != nil {
			o.log(ctx).Warn("failed to record spawn failure", zap.String("session_key", sess.Key), zap.Error(ferr))
		}
		return nil, fmt.Errorf("failed to spawn worker on %s backend: %w", o.backend.Name(), err)
	}
	return sess, nil
}

func (o *Orchestrator) spawnRequest(r *role.Role, sess *session.Session, task string, input map[string]any) (backend.SpawnRequest, error) {
	instructions := r.Instructions
	if o.prompts != nil {
		text, err := o.prompts.Instructions(r)
		if err != nil {
			return backend.SpawnRequest{}, err
		}
		instructions = text
	}
	return backend.SpawnRequest{
		SessionKey: sess.Key,
		Role: backend.RoleSpec{
			ID:           r.ID,
			Name:         r.Name,
			Model:        r.Model,
			Thinking:     r.Thinking,
			Instructions: instructions,
		},
		Task:       task,
		WorkItemID: sess.WorkItemID,
		Input:      payload.Clone(input),
		Reporter:   o,
	}, nil
}

// SpawnWorker creates a work item for task and assigns a session to it.
func (o *Orchestrator) SpawnWorker(ctx context.Context, roleID, task string, opts SpawnOptions) (*SpawnResult, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.SpawnWorker")
	defer span.End()
	span.SetAttributes(attribute.String("role_id", roleID))

	if strings.TrimSpace(task) == "" {
		err := errors.New("task is required")
		recordError(span, err)
		return nil, err
	}
	if _, err := o.roles.Get(ctx, roleID); err != nil {
		recordError(span, err)
		return nil, fmt.Errorf("failed to resolve role: %w", err)
	}

	title := opts.Title
	if title == "" {
		title = truncate(task, maxTitleLen)
	}
	item, err := o.items.Create(ctx, workitem.CreateInput{
		Type:        opts.Type,
		RoleID:      roleID,
		Title:       title,
		Description: task,
		Input:       opts.Input,
		Tags:        opts.Tags,
	})
	if err != nil {
		recordError(span, err)
		return nil, fmt.Errorf("failed to create work item: %w", err)
	}

	sess, err := o.AssignSession(ctx, AssignInput{
		RoleID:     roleID,
		Label:      opts.Label,
		WorkItemID: item.ID,
		Task:       task,
		Input:      opts.Input,
	}, opts.SessionKey)
	if err != nil {
		recordError(span, err)
		return nil, err
	}

	if latest, err := o.items.Get(ctx, item.ID); err == nil {
		item = latest
	}
	return &SpawnResult{Session: sess, WorkItem: item}, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
