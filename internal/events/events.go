// Package events defines the observable run and step events produced by the
// pipeline runner and the emitters that deliver them.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Kind identifies an event.
type Kind string

const (
	RunStarted   Kind = "run_started"
	RunCompleted Kind = "run_completed"
	RunFailed    Kind = "run_failed"
	RunPaused    Kind = "run_paused"
	RunCancelled Kind = "run_cancelled"

	StepStarted    Kind = "step_started"
	StepConverging Kind = "step_converging"
	StepCompleted  Kind = "step_completed"
	StepFailed     Kind = "step_failed"
	StepSkipped    Kind = "step_skipped"
)

// Kinds lists every event kind in lifecycle order.
var Kinds = []Kind{
	RunStarted, RunCompleted, RunFailed, RunPaused, RunCancelled,
	StepStarted, StepConverging, StepCompleted, StepFailed, StepSkipped,
}

// Terminal reports whether k ends a run.
func (k Kind) Terminal() bool {
	return k == RunCompleted || k == RunFailed || k == RunCancelled
}

// Event is a single run or step notification. Every event carries a run id;
// step events also carry the step id and, depending on kind, the iteration,
// output, error or skip reason.
type Event struct {
	ID         string         `json:"id"`
	Kind       Kind           `json:"kind"`
	RunID      string         `json:"run_id"`
	PipelineID string         `json:"pipeline_id,omitempty"`
	StepID     string         `json:"step_id,omitempty"`
	WorkItemID string         `json:"work_item_id,omitempty"`
	Iteration  int            `json:"iteration,omitempty"`
	Score      *float64       `json:"score,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// New returns an event with a fresh id and the current time.
func New(kind Kind, runID, pipelineID string) Event {
	return Event{
		ID:         uuid.NewString(),
		Kind:       kind,
		RunID:      runID,
		PipelineID: pipelineID,
		Timestamp:  time.Now().UTC(),
	}
}

// Emitter delivers events. Callers treat a returned error as a degraded
// secondary effect and keep going.
type Emitter interface {
	Emit(ctx context.Context, e Event) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, e Event) error

func (f EmitterFunc) Emit(ctx context.Context, e Event) error { return f(ctx, e) }

// Nop discards every event.
var Nop Emitter = EmitterFunc(func(context.Context, Event) error { return nil })

type multi []Emitter

// Multi fans an event out to every emitter. All emitters are attempted; the
// returned error joins their failures.
func Multi(emitters ...Emitter) Emitter {
	out := make(multi, 0, len(emitters))
	for _, e := range emitters {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}

func (m multi) Emit(ctx context.Context, e Event) error {
	var errs []error
	for _, em := range m {
		if err := em.Emit(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
