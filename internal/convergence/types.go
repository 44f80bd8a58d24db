// Package convergence drives the review and improve loop that accepts or
// rejects a step's output against a quality bar.
//
// Each iteration files a review work item for the reviewer role, waits for
// it, and scores the result. A passing score ends the loop. Otherwise the
// producing role is asked to revise the candidate using the reviewer's
// feedback, and the next iteration reviews the revision.
//
// Review and improvement items are ordinary work items tagged with the
// originating run and step, so they show up in work item listings.
package convergence

import (
	"context"
	"time"
)

// Criteria is the acceptance bar for a step's output. Zero fields take the
// engine defaults.
type Criteria struct {
	MaxIterations int `json:"max_iterations,omitempty" koanf:"max_iterations" toml:"max_iterations"`

	// MinScore is the passing score. Nil takes the engine default; an
	// explicit 0 passes every review.
	MinScore *float64 `json:"min_score,omitempty" koanf:"min_score" toml:"min_score"`

	// SuccessCriteria is an optional predicate over score, feedback, passed
	// and output. When it holds, a review passes regardless of MinScore.
	SuccessCriteria string `json:"success_criteria,omitempty" koanf:"success_criteria" toml:"success_criteria"`

	// ReviewerRole overrides the default reviewer.
	ReviewerRole string `json:"reviewer_role,omitempty" koanf:"reviewer_role" toml:"reviewer_role"`

	// SelfReview has the producing role review its own output when no
	// ReviewerRole is set.
	SelfReview bool `json:"self_review,omitempty" koanf:"self_review" toml:"self_review"`
}

// Score returns a pointer to v for Criteria.MinScore and Config.MinScore.
func Score(v float64) *float64 {
	return &v
}

// Threshold returns the passing score, or DefaultMinScore when unset.
func (c Criteria) Threshold() float64 {
	if c.MinScore == nil {
		return DefaultMinScore
	}
	return *c.MinScore
}

// Review is one scored iteration.
type Review struct {
	Iteration          int       `json:"iteration"`
	Score              float64   `json:"score"`
	Feedback           string    `json:"feedback"`
	Passed             bool      `json:"passed"`
	ReviewerSessionKey string    `json:"reviewer_session_key,omitempty"`
	WorkItemID         string    `json:"work_item_id,omitempty"`
	Timestamp          time.Time `json:"timestamp"`
}

// Result is the outcome of Converge.
type Result struct {
	Converged   bool           `json:"converged"`
	Iterations  int            `json:"iterations"`
	FinalOutput map[string]any `json:"final_output"`
	Reviews     []Review       `json:"reviews"`
	FinalScore  float64        `json:"final_score"`
	Reason      string         `json:"reason,omitempty"`
}

// IterationFunc observes every scored review. Its error is logged and does
// not stop the loop.
type IterationFunc func(ctx context.Context, review Review) error

// Request is the input to Converge.
type Request struct {
	RunID  string
	StepID string

	// WorkItemID is the item whose output is under review. Its title,
	// description, input and role describe the original task.
	WorkItemID string

	Output      map[string]any
	Criteria    Criteria
	OnIteration IterationFunc
}
