package http

import (
	"github.com/fyrsmithlabs/conductor/internal/convergence"
	"github.com/fyrsmithlabs/conductor/internal/pipeline"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version,omitempty"`
	ActiveRuns  int    `json:"active_runs"`
	Subscribers int    `json:"event_subscribers"`
}

// StartRunRequest is the request body for POST /api/v1/pipelines/:id/runs.
type StartRunRequest struct {
	Input         map[string]any `json:"input"`
	AutoContinue  *bool          `json:"auto_continue,omitempty"`
	StartFromStep string         `json:"start_from_step,omitempty"`
}

// RunListResponse is the response body for GET /api/v1/runs.
type RunListResponse struct {
	Runs []*pipeline.RunState `json:"runs"`
}

// PipelineListResponse is the response body for GET /api/v1/pipelines.
type PipelineListResponse struct {
	Pipelines []*pipeline.Pipeline `json:"pipelines"`
}

// SpawnWorkerRequest is the request body for POST /api/v1/workers.
type SpawnWorkerRequest struct {
	RoleID string         `json:"role_id"`
	Task   string         `json:"task"`
	Title  string         `json:"title,omitempty"`
	Label  string         `json:"label,omitempty"`
	Input  map[string]any `json:"input,omitempty"`
	Tags   []string       `json:"tags,omitempty"`
}

// TerminateWorkerRequest is the request body for
// POST /api/v1/workers/:key/terminate.
type TerminateWorkerRequest struct {
	Reason         string `json:"reason,omitempty"`
	CancelWork     *bool  `json:"cancel_work,omitempty"`
	MarkWorkFailed bool   `json:"mark_work_failed,omitempty"`
	Force          bool   `json:"force,omitempty"`
}

// RestartWorkerRequest is the request body for
// POST /api/v1/workers/:key/restart.
type RestartWorkerRequest struct {
	NewTask            string `json:"new_task,omitempty"`
	PreserveTokenUsage bool   `json:"preserve_token_usage,omitempty"`
}

// CleanupRequest is the request body for POST /api/v1/workers/cleanup.
type CleanupRequest struct {
	MaxAge          string `json:"max_age"`
	CancelStaleWork *bool  `json:"cancel_stale_work,omitempty"`
}

// ReviewRequest is the request body for POST /api/v1/reviews.
type ReviewRequest struct {
	WorkItemID string               `json:"work_item_id"`
	Output     map[string]any       `json:"output"`
	Criteria   convergence.Criteria `json:"criteria"`
}
