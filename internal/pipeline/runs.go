package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// RunFilter narrows RunStore.List. Zero values match everything.
type RunFilter struct {
	PipelineID string
	Statuses   []RunStatus

	// Limit of zero means no limit.
	Limit  int
	Offset int
}

// Matches reports whether run passes the filter.
func (f RunFilter) Matches(run *RunState) bool {
	if f.PipelineID != "" && run.PipelineID != f.PipelineID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if run.Status == s {
			return true
		}
	}
	return false
}

// RunStore persists run state.
type RunStore interface {
	Create(ctx context.Context, run *RunState) error
	Get(ctx context.Context, id string) (*RunState, error)

	// Update replaces a run. It rejects a change in the number of step
	// states with ErrStepStatesLength.
	Update(ctx context.Context, run *RunState) error

	// List returns matching runs, newest first.
	List(ctx context.Context, filter RunFilter) ([]*RunState, error)
}

// MemoryRunStore is a RunStore held in process memory.
type MemoryRunStore struct {
	mu   sync.RWMutex
	runs map[string]*RunState
	now  func() time.Time
}

// NewMemoryRunStore creates an empty run store.
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{
		runs: make(map[string]*RunState),
		now:  time.Now,
	}
}

func (s *MemoryRunStore) Create(ctx context.Context, run *RunState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	c := run.Clone()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	c.UpdatedAt = c.CreatedAt
	s.runs[c.ID] = c
	return nil
}

func (s *MemoryRunStore) Get(ctx context.Context, id string) (*RunState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return run.Clone(), nil
}

func (s *MemoryRunStore) Update(ctx context.Context, run *RunState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.runs[run.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, run.ID)
	}
	if len(cur.Steps) != len(run.Steps) {
		return fmt.Errorf("%w: run %s has %d, update has %d", ErrStepStatesLength, run.ID, len(cur.Steps), len(run.Steps))
	}
	c := run.Clone()
	c.CreatedAt = cur.CreatedAt
	c.UpdatedAt = s.now()
	s.runs[c.ID] = c
	return nil
}

func (s *MemoryRunStore) List(ctx context.Context, filter RunFilter) ([]*RunState, error) {
	s.mu.RLock()
	var out []*RunState
	for _, run := range s.runs {
		if filter.Matches(run) {
			out = append(out, run.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return Window(out, filter.Limit, filter.Offset), nil
}

// Window applies offset and limit to a sorted slice.
func Window(runs []*RunState, limit, offset int) []*RunState {
	if offset > 0 {
		if offset >= len(runs) {
			return nil
		}
		runs = runs[offset:]
	}
	if limit > 0 && limit < len(runs) {
		runs = runs[:limit]
	}
	return runs
}
