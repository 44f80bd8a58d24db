package pipeline

import (
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/conductor/internal/orchestrator"
)

var (
	// ErrPipelineNotFound is returned when a pipeline id does not exist.
	ErrPipelineNotFound = fmt.Errorf("pipeline %w", orchestrator.ErrNotFound)

	// ErrRunNotFound is returned when a run id does not exist.
	ErrRunNotFound = fmt.Errorf("run %w", orchestrator.ErrNotFound)

	// ErrStepNotFound is returned when a step id is not part of a pipeline.
	ErrStepNotFound = fmt.Errorf("step %w", orchestrator.ErrNotFound)

	// ErrInvalidRunTransition is returned for a status change the run
	// lifecycle does not allow.
	ErrInvalidRunTransition = errors.New("invalid run status transition")

	// ErrRunBusy is returned by TriggerNextStep while a loop owns the run.
	ErrRunBusy = errors.New("run is being advanced by another loop")

	// ErrInvalidPipeline wraps definition validation failures.
	ErrInvalidPipeline = errors.New("invalid pipeline")

	// ErrStepStatesLength is returned when an update would change the
	// number of step states of a run.
	ErrStepStatesLength = errors.New("step state count cannot change")
)
