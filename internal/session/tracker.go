package session

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no session has the requested key.
var ErrNotFound = errors.New("session not found")

// ErrDuplicateKey is returned when Track is given a key already in use.
var ErrDuplicateKey = errors.New("session key already tracked")

// Tracker persists worker sessions.
type Tracker interface {
	// Track registers a new session. An empty key is generated from the role.
	Track(ctx context.Context, in TrackInput, key string) (*Session, error)
	Get(ctx context.Context, key string) (*Session, error)
	Update(ctx context.Context, key string, upd Update) (*Session, error)
	MarkActive(ctx context.Context, key string) (*Session, error)

	// MarkStopped records the session end. A non-zero exit code or a
	// non-empty errText leaves the session in StatusError.
	MarkStopped(ctx context.Context, key string, exitCode int, errText string) (*Session, error)
	AddTokenUsage(ctx context.Context, key string, delta TokenUsage) (*Session, error)
	List(ctx context.Context, filter Filter) ([]*Session, error)
	ActiveSessions(ctx context.Context) ([]*Session, error)

	// PruneStale removes sessions whose last activity is older than maxAge
	// and returns how many were removed.
	PruneStale(ctx context.Context, maxAge time.Duration) (int, error)
}
