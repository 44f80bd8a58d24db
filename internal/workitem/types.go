// Package workitem defines the persisted unit of work consumed by the
// orchestrator, the convergence engine and the pipeline runner.
//
// A work item is tracked independently of the session executing it, so a
// lost session can be replaced without losing the task. Every item carries
// an append-only event log.
package workitem

import (
	"time"
)

// Status is the lifecycle state of a work item.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusComplete  Status = "complete"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further work happens on an item in this status.
func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusFailed || s == StatusCancelled
}

// Well-known item types created by this module.
const (
	TypeTask                   = "task"
	TypePipelineStep           = "pipeline_step"
	TypeConvergenceReview      = "convergence_review"
	TypeConvergenceImprovement = "convergence_improvement"
)

// Well-known event types appended to item logs.
const (
	EventCreated         = "created"
	EventStatusChanged   = "status_changed"
	EventSessionAssigned = "session_assigned"
	EventSessionStarted  = "session_started"
	EventSessionComplete = "session_completed"
	EventSessionFailed   = "session_failed"
	EventSessionStopped  = "session_terminated"
	EventSessionRestart  = "session_restarted"
	EventOutputSet       = "output_set"
	EventCancelled       = "cancelled"
)

// WorkItem is a task with a status lifecycle and an event log.
type WorkItem struct {
	// ID is the unique identifier.
	ID string `json:"id"`

	// Type classifies the item (task, pipeline_step, convergence_review, ...).
	Type string `json:"type"`

	// RoleID is the role expected to perform the work.
	RoleID string `json:"role_id"`

	Title       string `json:"title"`
	Description string `json:"description"`

	Input  map[string]any `json:"input,omitempty"`
	Output map[string]any `json:"output,omitempty"`

	Status Status `json:"status"`

	// Error holds the failure or cancellation reason.
	Error string `json:"error,omitempty"`

	Tags   []string `json:"tags,omitempty"`
	Events []Event  `json:"events,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// HasTag reports whether the item carries tag.
func (w *WorkItem) HasTag(tag string) bool {
	for _, t := range w.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Event is one entry in a work item's append-only log.
type Event struct {
	Type      string         `json:"type"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// CreateInput holds the fields for a new work item.
type CreateInput struct {
	Type        string
	RoleID      string
	Title       string
	Description string
	Input       map[string]any
	Tags        []string

	// Status defaults to pending.
	Status Status
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Statuses []Status
	RoleID   string
	Type     string
	Tag      string

	// Limit defaults to 50; Offset skips that many matches.
	Limit  int
	Offset int
}

// Page is one slice of List results.
type Page struct {
	Items  []*WorkItem `json:"items"`
	Total  int         `json:"total"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
}

// DefaultListLimit is applied when Filter.Limit is zero.
const DefaultListLimit = 50
