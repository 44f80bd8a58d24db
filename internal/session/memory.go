package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryTracker is a Tracker held in process memory.
type MemoryTracker struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	now      func() time.Time
}

// NewMemoryTracker creates an empty tracker.
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// WithClock replaces the time source. Intended for tests.
func (t *MemoryTracker) WithClock(now func() time.Time) *MemoryTracker {
	t.now = now
	return t
}

func (t *MemoryTracker) Track(ctx context.Context, in TrackInput, key string) (*Session, error) {
	if key == "" {
		key = NewKey(in.RoleID)
	}
	now := t.now()
	s := &Session{
		Key:            key,
		ID:             in.SessionID,
		RoleID:         in.RoleID,
		Label:          in.Label,
		Task:           in.Task,
		Status:         StatusStarting,
		WorkItemID:     in.WorkItemID,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivityAt: now,
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.sessions[key]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateKey, key)
	}
	t.sessions[key] = s
	return s.Clone(), nil
}

func (t *MemoryTracker) Get(ctx context.Context, key string) (*Session, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return s.Clone(), nil
}

// mutate applies fn to the stored session under the write lock.
func (t *MemoryTracker) mutate(key string, fn func(s *Session, now time.Time)) (*Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	now := t.now()
	fn(s, now)
	s.UpdatedAt = now
	return s.Clone(), nil
}

func (t *MemoryTracker) Update(ctx context.Context, key string, upd Update) (*Session, error) {
	return t.mutate(key, func(s *Session, now time.Time) {
		ApplyUpdate(s, upd)
	})
}

// ApplyUpdate copies the set fields of upd onto s.
func ApplyUpdate(s *Session, upd Update) {
	if upd.Status != nil {
		s.Status = *upd.Status
	}
	if upd.Label != nil {
		s.Label = *upd.Label
	}
	if upd.Task != nil {
		s.Task = *upd.Task
	}
	if upd.WorkItemID != nil {
		s.WorkItemID = *upd.WorkItemID
	}
	if upd.Error != nil {
		s.Error = *upd.Error
	}
	if upd.LastActivityAt != nil {
		s.LastActivityAt = *upd.LastActivityAt
	}
}

func (t *MemoryTracker) MarkActive(ctx context.Context, key string) (*Session, error) {
	return t.mutate(key, func(s *Session, now time.Time) {
		s.Status = StatusActive
		s.LastActivityAt = now
	})
}

func (t *MemoryTracker) MarkStopped(ctx context.Context, key string, exitCode int, errText string) (*Session, error) {
	return t.mutate(key, func(s *Session, now time.Time) {
		code := exitCode
		s.ExitCode = &code
		s.Error = errText
		s.StoppedAt = &now
		if exitCode != 0 || errText != "" {
			s.Status = StatusError
		} else {
			s.Status = StatusStopped
		}
	})
}

func (t *MemoryTracker) AddTokenUsage(ctx context.Context, key string, delta TokenUsage) (*Session, error) {
	return t.mutate(key, func(s *Session, now time.Time) {
		s.Usage = s.Usage.Add(delta)
		s.LastActivityAt = now
	})
}

func (t *MemoryTracker) List(ctx context.Context, filter Filter) ([]*Session, error) {
	t.mu.RLock()
	out := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		if filter.Matches(s) {
			out = append(out, s.Clone())
		}
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Key < out[j].Key
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (t *MemoryTracker) ActiveSessions(ctx context.Context) ([]*Session, error) {
	return t.List(ctx, Filter{Statuses: ActiveStatuses})
}

func (t *MemoryTracker) PruneStale(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := t.now().Add(-maxAge)

	t.mu.Lock()
	defer t.mu.Unlock()
	pruned := 0
	for key, s := range t.sessions {
		if s.LastActivityAt.Before(cutoff) {
			delete(t.sessions, key)
			pruned++
		}
	}
	return pruned, nil
}

// Reset drops every session.
func (t *MemoryTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions = make(map[string]*Session)
}
