package workitem

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/conductor/internal/payload"
)

var (
	// ErrNotFound is returned when a work item does not exist.
	ErrNotFound = errors.New("work item not found")

	// ErrInvalidTransition is returned when a status change is not allowed.
	ErrInvalidTransition = errors.New("invalid work item status transition")
)

// Store persists work items.
type Store interface {
	Create(ctx context.Context, in CreateInput) (*WorkItem, error)
	Get(ctx context.Context, id string) (*WorkItem, error)
	UpdateStatus(ctx context.Context, id string, status Status, errText string) (*WorkItem, error)
	AppendEvent(ctx context.Context, id string, event Event) error
	SetOutput(ctx context.Context, id string, output map[string]any) error
	Cancel(ctx context.Context, id string, reason string) (*WorkItem, error)
	List(ctx context.Context, filter Filter) (*Page, error)
	Delete(ctx context.Context, id string) error
}

var transitions = map[Status][]Status{
	StatusPending: {StatusQueued, StatusRunning, StatusFailed, StatusCancelled},
	StatusQueued:  {StatusPending, StatusRunning, StatusFailed, StatusCancelled},
	StatusRunning: {StatusQueued, StatusComplete, StatusFailed, StatusCancelled},
	StatusFailed:  {StatusQueued},
}

// CanTransition reports whether an item may move from one status to another.
// Re-applying the current status is always allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ApplyStatus moves item to status, stamping timestamps and the event log.
// Store implementations call it inside their own locking.
func ApplyStatus(item *WorkItem, status Status, errText string, now time.Time) error {
	if !CanTransition(item.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, item.Status, status)
	}
	if item.Status == status {
		return nil
	}

	from := item.Status
	item.Status = status
	item.UpdatedAt = now
	switch {
	case status == StatusRunning && item.StartedAt == nil:
		item.StartedAt = &now
	case status.IsTerminal():
		item.CompletedAt = &now
	case status == StatusQueued || status == StatusPending:
		item.CompletedAt = nil
	}
	if errText != "" || status == StatusQueued {
		item.Error = errText
	}

	item.Events = append(item.Events, Event{
		Type:      EventStatusChanged,
		Message:   fmt.Sprintf("%s -> %s", from, status),
		Data:      map[string]any{"from": string(from), "to": string(status)},
		Timestamp: now,
	})
	return nil
}

// NewItem builds a fresh item from in. The caller assigns persistence.
func NewItem(id string, in CreateInput, now time.Time) *WorkItem {
	status := in.Status
	if status == "" {
		status = StatusPending
	}
	itemType := in.Type
	if itemType == "" {
		itemType = TypeTask
	}
	return &WorkItem{
		ID:          id,
		Type:        itemType,
		RoleID:      in.RoleID,
		Title:       in.Title,
		Description: in.Description,
		Input:       payload.Clone(in.Input),
		Status:      status,
		Tags:        append([]string(nil), in.Tags...),
		Events: []Event{{
			Type:      EventCreated,
			Message:   in.Title,
			Timestamp: now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Matches reports whether item satisfies every set field in f.
func (f Filter) Matches(item *WorkItem) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if item.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.RoleID != "" && item.RoleID != f.RoleID {
		return false
	}
	if f.Type != "" && item.Type != f.Type {
		return false
	}
	if f.Tag != "" && !item.HasTag(f.Tag) {
		return false
	}
	return true
}

// Clone returns a deep copy of the item.
func (w *WorkItem) Clone() *WorkItem {
	if w == nil {
		return nil
	}
	cp := *w
	cp.Input = payload.Clone(w.Input)
	cp.Output = payload.Clone(w.Output)
	cp.Tags = append([]string(nil), w.Tags...)
	cp.Events = make([]Event, len(w.Events))
	for i, e := range w.Events {
		e.Data = payload.Clone(e.Data)
		cp.Events[i] = e
	}
	if w.StartedAt != nil {
		t := *w.StartedAt
		cp.StartedAt = &t
	}
	if w.CompletedAt != nil {
		t := *w.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
