// Package pipeline sequences multi-step runs over the worker orchestrator.
//
// A Pipeline is an ordered list of steps, each delegated to a role. A run
// walks the steps in position order: it files a work item per step, asks
// the orchestrator for a session, waits for the item to finish and, when
// convergence criteria apply, routes the output through the convergence
// engine before accepting it. Run and step state is persisted after every
// transition so a run can be resumed after a restart.
package pipeline

import (
	"time"

	"github.com/fyrsmithlabs/conductor/internal/config"
	"github.com/fyrsmithlabs/conductor/internal/convergence"
	"github.com/fyrsmithlabs/conductor/internal/payload"
)

// Step is one unit of pipeline work.
type Step struct {
	ID     string `json:"id" koanf:"id" toml:"id"`
	Name   string `json:"name,omitempty" koanf:"name" toml:"name"`
	RoleID string `json:"role" koanf:"role" toml:"role"`

	// Action is the task text handed to the worker.
	Action string `json:"action" koanf:"action" toml:"action"`

	// Input may contain {{stepId.output.path}} placeholders.
	Input map[string]any `json:"input,omitempty" koanf:"input" toml:"input"`

	OutputSchema string                `json:"output_schema,omitempty" koanf:"output_schema" toml:"output_schema"`
	Convergence  *convergence.Criteria `json:"convergence,omitempty" koanf:"convergence" toml:"convergence"`

	// Optional steps never fail the run.
	Optional bool `json:"optional,omitempty" koanf:"optional" toml:"optional"`

	// Condition skips the step when it evaluates false.
	Condition string `json:"condition,omitempty" koanf:"condition" toml:"condition"`

	// Timeout overrides the runner's step timeout.
	Timeout config.Duration `json:"timeout,omitempty" koanf:"timeout" toml:"timeout"`

	// Position is the zero-based index in the pipeline, maintained by the
	// definition store.
	Position int `json:"position" koanf:"-" toml:"-"`
}

// Title returns the step name, falling back to its id.
func (s *Step) Title() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// Pipeline is an ordered list of steps.
type Pipeline struct {
	ID          string `json:"id" koanf:"id" toml:"id"`
	Name        string `json:"name" koanf:"name" toml:"name"`
	Description string `json:"description,omitempty" koanf:"description" toml:"description"`
	Steps       []Step `json:"steps" koanf:"steps" toml:"steps"`

	// AutoContinue runs the steps in a background loop. When false each
	// step is advanced by TriggerNextStep.
	AutoContinue bool `json:"auto_continue" koanf:"auto_continue" toml:"auto_continue"`

	// StopOnFailure fails the run on the first non-optional failed step.
	StopOnFailure bool `json:"stop_on_failure" koanf:"stop_on_failure" toml:"stop_on_failure"`

	// Convergence applies to steps without their own criteria.
	Convergence *convergence.Criteria `json:"convergence,omitempty" koanf:"convergence" toml:"convergence"`

	CreatedAt time.Time `json:"created_at" koanf:"-" toml:"-"`
	UpdatedAt time.Time `json:"updated_at" koanf:"-" toml:"-"`
}

// Clone returns a deep copy.
func (p *Pipeline) Clone() *Pipeline {
	if p == nil {
		return nil
	}
	c := *p
	c.Steps = make([]Step, len(p.Steps))
	for i, s := range p.Steps {
		s.Input = payload.Clone(s.Input)
		if s.Convergence != nil {
			crit := *s.Convergence
			s.Convergence = &crit
		}
		c.Steps[i] = s
	}
	if p.Convergence != nil {
		crit := *p.Convergence
		c.Convergence = &crit
	}
	return &c
}

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunPaused    RunStatus = "paused"
	RunComplete  RunStatus = "complete"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether the run can no longer change status.
func (s RunStatus) IsTerminal() bool {
	return s == RunComplete || s == RunFailed || s == RunCancelled
}

var runTransitions = map[RunStatus][]RunStatus{
	RunPending: {RunRunning, RunCancelled},
	RunRunning: {RunPaused, RunComplete, RunFailed, RunCancelled},
	RunPaused:  {RunRunning, RunCancelled},
}

// CanTransition reports whether a run may move from one status to another.
func CanTransition(from, to RunStatus) bool {
	for _, s := range runTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StepStatus is the state of one step within a run.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepRunning    StepStatus = "running"
	StepConverging StepStatus = "converging"
	StepComplete   StepStatus = "complete"
	StepFailed     StepStatus = "failed"
	StepSkipped    StepStatus = "skipped"
)

// Settled reports whether the loop may move past a step in this status.
func (s StepStatus) Settled() bool {
	return s == StepComplete || s == StepSkipped || s == StepFailed
}

// StepState is the per-run record of one step.
type StepState struct {
	StepID     string               `json:"step_id"`
	Status     StepStatus           `json:"status"`
	WorkItemID string               `json:"work_item_id,omitempty"`
	SessionKey string               `json:"session_key,omitempty"`
	Output     map[string]any       `json:"output,omitempty"`
	Error      string               `json:"error,omitempty"`
	Reason     string               `json:"reason,omitempty"`
	Iterations int                  `json:"iterations"`
	Reviews    []convergence.Review `json:"reviews,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// RunState is one execution of a pipeline. Steps holds exactly one entry
// per pipeline step, in position order, for the lifetime of the run.
type RunState struct {
	ID          string         `json:"id"`
	PipelineID  string         `json:"pipeline_id"`
	Status      RunStatus      `json:"status"`
	CurrentStep int            `json:"current_step"`
	Steps       []StepState    `json:"steps"`
	Input       map[string]any `json:"input,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`

	// AutoContinue is the effective setting for this run.
	AutoContinue bool `json:"auto_continue"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy.
func (r *RunState) Clone() *RunState {
	if r == nil {
		return nil
	}
	c := *r
	c.Input = payload.Clone(r.Input)
	c.Output = payload.Clone(r.Output)
	c.Steps = make([]StepState, len(r.Steps))
	for i, s := range r.Steps {
		s.Output = payload.Clone(s.Output)
		s.Reviews = append([]convergence.Review(nil), s.Reviews...)
		s.StartedAt = cloneTime(s.StartedAt)
		s.CompletedAt = cloneTime(s.CompletedAt)
		c.Steps[i] = s
	}
	c.CompletedAt = cloneTime(r.CompletedAt)
	return &c
}

// StepOutputs maps step id to output for every step that produced one.
func (r *RunState) StepOutputs() map[string]any {
	out := make(map[string]any, len(r.Steps))
	for _, s := range r.Steps {
		if s.Output != nil {
			out[s.StepID] = payload.Clone(s.Output)
		}
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
