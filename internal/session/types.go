// Package session tracks worker sessions: one tracked handle per running
// worker instance, keyed by a human-readable session key.
package session

import (
	"time"
)

// Status is the lifecycle state of a tracked session.
type Status string

const (
	StatusStarting Status = "starting"
	StatusActive   Status = "active"
	StatusIdle     Status = "idle"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

// ActiveStatuses are the statuses in which a worker is considered alive.
var ActiveStatuses = []Status{StatusStarting, StatusActive, StatusIdle}

// IsActive reports whether s is one of ActiveStatuses.
func (s Status) IsActive() bool {
	for _, a := range ActiveStatuses {
		if s == a {
			return true
		}
	}
	return false
}

// TokenUsage accumulates model token counters for a session.
type TokenUsage struct {
	InputTokens      int64   `json:"input_tokens"`
	OutputTokens     int64   `json:"output_tokens"`
	CacheReadTokens  int64   `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int64   `json:"cache_write_tokens,omitempty"`
	CostUSD          float64 `json:"cost_usd,omitempty"`
}

// Add returns the sum of u and delta.
func (u TokenUsage) Add(delta TokenUsage) TokenUsage {
	return TokenUsage{
		InputTokens:      u.InputTokens + delta.InputTokens,
		OutputTokens:     u.OutputTokens + delta.OutputTokens,
		CacheReadTokens:  u.CacheReadTokens + delta.CacheReadTokens,
		CacheWriteTokens: u.CacheWriteTokens + delta.CacheWriteTokens,
		CostUSD:          u.CostUSD + delta.CostUSD,
	}
}

// Total returns input plus output tokens.
func (u TokenUsage) Total() int64 {
	return u.InputTokens + u.OutputTokens
}

// Session is a tracked handle to one worker instance.
type Session struct {
	// Key is globally unique and embeds the role id.
	Key string `json:"key"`

	// ID is the backend's own identifier for the session, when it has one.
	ID string `json:"id"`

	RoleID string     `json:"role_id"`
	Label  string     `json:"label,omitempty"`
	Task   string     `json:"task,omitempty"`
	Status Status     `json:"status"`
	Usage  TokenUsage `json:"usage"`

	// WorkItemID is a non-owning reference; the item may no longer exist.
	WorkItemID string `json:"work_item_id,omitempty"`

	Error    string `json:"error,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`

	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	StoppedAt      *time.Time `json:"stopped_at,omitempty"`
}

// Clone returns a copy of the session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	if s.ExitCode != nil {
		code := *s.ExitCode
		cp.ExitCode = &code
	}
	if s.StoppedAt != nil {
		t := *s.StoppedAt
		cp.StoppedAt = &t
	}
	return &cp
}

// TrackInput describes a session to register.
type TrackInput struct {
	RoleID     string
	SessionID  string
	Label      string
	Task       string
	WorkItemID string
}

// Update is a partial update; nil fields are left unchanged.
type Update struct {
	Status         *Status
	Label          *string
	Task           *string
	WorkItemID     *string
	Error          *string
	LastActivityAt *time.Time
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	RoleID     string
	Statuses   []Status
	WorkItemID string
}

// Matches reports whether s satisfies the filter.
func (f Filter) Matches(s *Session) bool {
	if f.RoleID != "" && s.RoleID != f.RoleID {
		return false
	}
	if f.WorkItemID != "" && s.WorkItemID != f.WorkItemID {
		return false
	}
	if len(f.Statuses) > 0 {
		for _, st := range f.Statuses {
			if s.Status == st {
				return true
			}
		}
		return false
	}
	return true
}
