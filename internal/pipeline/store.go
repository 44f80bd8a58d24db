package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/conductor/internal/expr"
)

// Store holds pipeline definitions.
type Store interface {
	Create(ctx context.Context, p *Pipeline) (*Pipeline, error)
	Get(ctx context.Context, id string) (*Pipeline, error)
	List(ctx context.Context) ([]*Pipeline, error)

	// Put creates or replaces a definition, keeping its creation time.
	Put(ctx context.Context, p *Pipeline) (*Pipeline, error)
	Delete(ctx context.Context, id string) error

	// InsertStep adds step at index at (clamped to the step count) and
	// renumbers positions.
	InsertStep(ctx context.Context, pipelineID string, step Step, at int) (*Pipeline, error)
	RemoveStep(ctx context.Context, pipelineID, stepID string) (*Pipeline, error)
}

// Validate checks a definition and renumbers its step positions.
func Validate(p *Pipeline) error {
	if p == nil {
		return fmt.Errorf("%w: nil pipeline", ErrInvalidPipeline)
	}
	seen := make(map[string]bool, len(p.Steps))
	for i := range p.Steps {
		s := &p.Steps[i]
		if strings.TrimSpace(s.ID) == "" {
			return fmt.Errorf("%w: step %d has no id", ErrInvalidPipeline, i)
		}
		if seen[s.ID] {
			return fmt.Errorf("%w: duplicate step id %q", ErrInvalidPipeline, s.ID)
		}
		seen[s.ID] = true
		if strings.TrimSpace(s.RoleID) == "" {
			return fmt.Errorf("%w: step %q has no role", ErrInvalidPipeline, s.ID)
		}
		if s.Condition != "" {
			if _, err := expr.Compile(s.Condition); err != nil {
				return fmt.Errorf("%w: step %q condition: %v", ErrInvalidPipeline, s.ID, err)
			}
		}
		if s.Timeout < 0 {
			return fmt.Errorf("%w: step %q has a negative timeout", ErrInvalidPipeline, s.ID)
		}
	}
	renumber(p.Steps)
	return nil
}

func renumber(steps []Step) {
	for i := range steps {
		steps[i].Position = i
	}
}

// MemoryStore is a Store held in process memory. Returned pipelines are
// copies.
type MemoryStore struct {
	mu        sync.RWMutex
	pipelines map[string]*Pipeline
	now       func() time.Time
}

// NewMemoryStore creates an empty definition store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pipelines: make(map[string]*Pipeline),
		now:       time.Now,
	}
}

func (s *MemoryStore) Create(ctx context.Context, p *Pipeline) (*Pipeline, error) {
	p = p.Clone()
	if err := Validate(p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Name == "" {
		p.Name = p.ID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pipelines[p.ID]; ok {
		return nil, fmt.Errorf("%w: pipeline %q already exists", ErrInvalidPipeline, p.ID)
	}
	now := s.now()
	p.CreatedAt, p.UpdatedAt = now, now
	s.pipelines[p.ID] = p
	return p.Clone(), nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Pipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pipelines[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPipelineNotFound, id)
	}
	return p.Clone(), nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*Pipeline, error) {
	s.mu.RLock()
	out := make([]*Pipeline, 0, len(s.pipelines))
	for _, p := range s.pipelines {
		out = append(out, p.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) Put(ctx context.Context, p *Pipeline) (*Pipeline, error) {
	p = p.Clone()
	if p.ID == "" {
		return nil, fmt.Errorf("%w: id is required", ErrInvalidPipeline)
	}
	if err := Validate(p); err != nil {
		return nil, err
	}
	if p.Name == "" {
		p.Name = p.ID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	p.CreatedAt, p.UpdatedAt = now, now
	if prev, ok := s.pipelines[p.ID]; ok {
		p.CreatedAt = prev.CreatedAt
	}
	s.pipelines[p.ID] = p
	return p.Clone(), nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pipelines[id]; !ok {
		return fmt.Errorf("%w: %s", ErrPipelineNotFound, id)
	}
	delete(s.pipelines, id)
	return nil
}

func (s *MemoryStore) InsertStep(ctx context.Context, pipelineID string, step Step, at int) (*Pipeline, error) {
	return s.mutate(pipelineID, func(p *Pipeline) error {
		if at < 0 || at > len(p.Steps) {
			at = len(p.Steps)
		}
		p.Steps = append(p.Steps, Step{})
		copy(p.Steps[at+1:], p.Steps[at:])
		p.Steps[at] = step
		return nil
	})
}

func (s *MemoryStore) RemoveStep(ctx context.Context, pipelineID, stepID string) (*Pipeline, error) {
	return s.mutate(pipelineID, func(p *Pipeline) error {
		for i := range p.Steps {
			if p.Steps[i].ID == stepID {
				p.Steps = append(p.Steps[:i], p.Steps[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("%w: %s in pipeline %s", ErrStepNotFound, stepID, pipelineID)
	})
}

// mutate applies fn to a copy and stores it only if the result validates.
func (s *MemoryStore) mutate(id string, fn func(p *Pipeline) error) (*Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.pipelines[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPipelineNotFound, id)
	}
	p := cur.Clone()
	if err := fn(p); err != nil {
		return nil, err
	}
	if err := Validate(p); err != nil {
		return nil, err
	}
	p.UpdatedAt = s.now()
	s.pipelines[id] = p
	return p.Clone(), nil
}
