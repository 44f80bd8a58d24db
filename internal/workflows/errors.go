package workflows

import (
	"fmt"
)

// ErrorSeverity classifies a maintenance failure.
type ErrorSeverity string

const (
	// ErrorSeverityCritical fails the workflow run.
	ErrorSeverityCritical ErrorSeverity = "critical"
	// ErrorSeverityHigh is recorded in the result but the run continues.
	ErrorSeverityHigh ErrorSeverity = "high"
)

// WorkflowError is returned by a maintenance run that achieved nothing.
type WorkflowError struct {
	Operation string
	Severity  ErrorSeverity
	Err       error
	Detail    string
}

func (e *WorkflowError) Error() string {
	msg := fmt.Sprintf("%s (%s): %v", e.Operation, e.Severity, e.Err)
	if e.Detail != "" {
		msg += "; " + e.Detail
	}
	return msg
}

func (e *WorkflowError) Unwrap() error {
	return e.Err
}

func NewWorkflowError(operation string, severity ErrorSeverity, err error, detail string) *WorkflowError {
	return &WorkflowError{Operation: operation, Severity: severity, Err: err, Detail: detail}
}

// FormatErrorForResult formats an error for the Errors slice of a result.
func FormatErrorForResult(operation string, err error) string {
	return fmt.Sprintf("%s: %v", operation, err)
}

// Maintenance error handling:
//
// CRITICAL (Propagate & Record):
//   - Every activity of the run failed, so nothing was maintained
//   - Pattern: add to result.Errors AND return a WorkflowError
//
// HIGH (Record but Continue):
//   - One activity failed while the other succeeded
//   - A single worker could not be healed
//   - Pattern: add to result.Errors, let the run continue
