// Package backend runs worker sessions. The orchestrator hands a backend a
// SpawnRequest and the backend drives the session asynchronously, reporting
// progress and the outcome through the request's Reporter.
//
// Three implementations exist: Process runs a local command per session,
// Gateway drives sessions on a remote HTTP gateway, and Scripted (with its
// Echo preset) produces outputs in-process for dry runs and tests.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/conductor/internal/session"
)

var (
	// ErrUnknownSession is returned by Stop and Send for keys the backend is
	// not running.
	ErrUnknownSession = errors.New("unknown session")

	// ErrNotSupported is returned by Send when the backend cannot deliver
	// mid-session messages.
	ErrNotSupported = errors.New("operation not supported by backend")
)

// Reporter receives session lifecycle callbacks. The worker orchestrator
// implements it.
type Reporter interface {
	StartSessionWork(ctx context.Context, key string) error
	RecordActivity(ctx context.Context, key string, delta session.TokenUsage) error
	HandleSessionComplete(ctx context.Context, key string, output map[string]any) error
	HandleSessionFailed(ctx context.Context, key string, exitCode int, errText string) error
}

// RoleSpec is the resolved role a session runs as.
type RoleSpec struct {
	ID           string `json:"id"`
	Name         string `json:"name,omitempty"`
	Model        string `json:"model,omitempty"`
	Thinking     string `json:"thinking,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

// SpawnRequest describes one session to start.
type SpawnRequest struct {
	SessionKey string         `json:"session_key"`
	Role       RoleSpec       `json:"role"`
	Task       string         `json:"task"`
	WorkItemID string         `json:"work_item_id,omitempty"`
	Input      map[string]any `json:"input,omitempty"`

	Reporter Reporter `json:"-"`
}

// Validate checks the fields every backend relies on.
func (r SpawnRequest) Validate() error {
	if r.SessionKey == "" {
		return fmt.Errorf("session key is required")
	}
	if r.Role.ID == "" {
		return fmt.Errorf("role id is required")
	}
	if r.Reporter == nil {
		return fmt.Errorf("reporter is required")
	}
	return nil
}

// Backend starts, stops and messages worker sessions.
type Backend interface {
	// Name identifies the backend in logs and health output.
	Name() string

	// Spawn begins running the session and returns once it is started.
	// The outcome is delivered later through req.Reporter.
	Spawn(ctx context.Context, req SpawnRequest) error

	// Stop asks a session to stop. A session stopped this way does not
	// report completion or failure; the caller already owns that outcome.
	Stop(ctx context.Context, sessionKey string, force bool) error

	// Send delivers a message to a running session.
	Send(ctx context.Context, sessionKey, message string) error

	// Close stops every session and waits for background work to end.
	Close(ctx context.Context) error
}

// ExitError carries a worker exit code through a plain error.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit code %d: %v", e.Code, e.Err)
}

func (e *ExitError) Unwrap() error { return e.Err }

// exitCode returns the code of an ExitError in err's chain, else 1.
func exitCode(err error) int {
	var ee *ExitError
	if errors.As(err, &ee) && ee.Code != 0 {
		return ee.Code
	}
	return 1
}
