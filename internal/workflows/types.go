package workflows

import (
	"time"

	"github.com/fyrsmithlabs/conductor/internal/orchestrator"
)

// MaintenanceConfig configures one maintenance pass.
type MaintenanceConfig struct {
	AutoHeal        bool          // Restart or terminate unhealthy workers per recommendation
	CleanupMaxAge   time.Duration // Prune sessions idle longer than this; zero skips cleanup
	CancelStaleWork bool          // Cancel open work items of pruned sessions
}

// MaintenanceResult summarises one maintenance pass.
type MaintenanceResult struct {
	Supervise *SuperviseResult            `json:"supervise,omitempty"`
	Cleanup   *orchestrator.CleanupResult `json:"cleanup,omitempty"`
	Errors    []string                    `json:"errors,omitempty"`
}

// SuperviseInput is the input of the SuperviseWorkers activity.
type SuperviseInput struct {
	AutoHeal bool
}

// Heal actions recorded on a WorkerVerdict.
const (
	ActionNone       = "none"
	ActionRestarted  = "restarted"
	ActionTerminated = "terminated"
	ActionFailed     = "failed"
)

// WorkerVerdict is the outcome for one unhealthy worker.
type WorkerVerdict struct {
	SessionKey     string                      `json:"session_key"`
	Recommendation orchestrator.Recommendation `json:"recommendation"`
	Reason         string                      `json:"reason"`
	Action         string                      `json:"action"`
	NewSessionKey  string                      `json:"new_session_key,omitempty"`
	Error          string                      `json:"error,omitempty"`
}

// SuperviseResult is the output of the SuperviseWorkers activity.
type SuperviseResult struct {
	Checked    int             `json:"checked"`
	Healthy    int             `json:"healthy"`
	Restarted  int             `json:"restarted"`
	Terminated int             `json:"terminated"`
	Unhealthy  []WorkerVerdict `json:"unhealthy,omitempty"`
}

// CleanupInput is the input of the CleanupSessions activity.
type CleanupInput struct {
	MaxAge          time.Duration
	CancelStaleWork bool
}
