package role

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrNotFound is returned when a role does not exist.
	ErrNotFound = errors.New("role not found")

	// ErrBuiltin is returned when attempting to delete a builtin role.
	ErrBuiltin = errors.New("builtin roles cannot be deleted")
)

// Store resolves roles by id.
type Store interface {
	Get(ctx context.Context, id string) (*Role, error)
	List(ctx context.Context) ([]*Role, error)
}

// MemoryStore is a Store held in memory, seeded with BuiltinRoles.
type MemoryStore struct {
	mu    sync.RWMutex
	roles map[string]*Role
}

// NewMemoryStore returns a store holding the builtin roles plus extra.
// Extra roles with a builtin id replace the builtin definition.
func NewMemoryStore(extra ...*Role) *MemoryStore {
	s := &MemoryStore{roles: make(map[string]*Role)}
	for _, r := range BuiltinRoles() {
		s.roles[r.ID] = r
	}
	for _, r := range extra {
		s.roles[r.ID] = r.Clone()
	}
	return s
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roles[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r.Clone(), nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*Role, error) {
	s.mu.RLock()
	out := make([]*Role, 0, len(s.roles))
	for _, r := range s.roles {
		out = append(out, r.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Put adds or replaces a role.
func (s *MemoryStore) Put(r *Role) error {
	if r == nil || r.ID == "" {
		return errors.New("role id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles[r.ID] = r.Clone()
	return nil
}

// Delete removes a non-builtin role.
func (s *MemoryStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roles[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if r.Builtin {
		return fmt.Errorf("%w: %s", ErrBuiltin, id)
	}
	delete(s.roles, id)
	return nil
}
