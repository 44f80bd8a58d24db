package workitem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/conductor/internal/payload"
)

// MemoryStore is a Store held in process memory. Returned items are copies.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*WorkItem
	now   func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string]*WorkItem),
		now:   time.Now,
	}
}

func (s *MemoryStore) Create(ctx context.Context, in CreateInput) (*WorkItem, error) {
	item := NewItem(uuid.New().String(), in, s.now())

	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[item.ID] = item
	return item.Clone(), nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*WorkItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return item.Clone(), nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, status Status, errText string) (*WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := ApplyStatus(item, status, errText, s.now()); err != nil {
		return nil, err
	}
	return item.Clone(), nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, id string, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}
	event.Data = payload.Clone(event.Data)
	item.Events = append(item.Events, event)
	item.UpdatedAt = event.Timestamp
	return nil
}

func (s *MemoryStore) SetOutput(ctx context.Context, id string, output map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	now := s.now()
	item.Output = payload.Clone(output)
	item.UpdatedAt = now
	item.Events = append(item.Events, Event{Type: EventOutputSet, Timestamp: now})
	return nil
}

func (s *MemoryStore) Cancel(ctx context.Context, id string, reason string) (*WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := CancelItem(item, reason, s.now()); err != nil {
		return nil, err
	}
	return item.Clone(), nil
}

// CancelItem applies a cancellation to item in place. Cancelling an already
// cancelled item is a no-op.
func CancelItem(item *WorkItem, reason string, now time.Time) error {
	if item.Status == StatusCancelled {
		return nil
	}
	if reason == "" {
		reason = "cancelled"
	}
	if err := ApplyStatus(item, StatusCancelled, reason, now); err != nil {
		return err
	}
	item.Events = append(item.Events, Event{Type: EventCancelled, Message: reason, Timestamp: now})
	return nil
}

func (s *MemoryStore) List(ctx context.Context, filter Filter) (*Page, error) {
	s.mu.RLock()
	matched := make([]*WorkItem, 0)
	for _, item := range s.items {
		if filter.Matches(item) {
			matched = append(matched, item.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})

	return Paginate(matched, filter), nil
}

// Paginate slices an ordered result set according to filter.
func Paginate(items []*WorkItem, filter Filter) *Page {
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	total := len(items)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return &Page{
		Items:  items[offset:end],
		Total:  total,
		Limit:  limit,
		Offset: offset,
	}
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.items, id)
	return nil
}

// Reset drops every item.
func (s *MemoryStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string]*WorkItem)
}
