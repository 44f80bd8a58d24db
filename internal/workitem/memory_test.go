package workitem

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	item, err := store.Create(ctx, CreateInput{
		RoleID: "writer",
		Title:  "draft intro",
		Input:  map[string]any{"topic": "go"},
		Tags:   []string{"run:1"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, item.ID)
	assert.Equal(t, StatusPending, item.Status)
	assert.Equal(t, TypeTask, item.Type)
	require.Len(t, item.Events, 1)
	assert.Equal(t, EventCreated, item.Events[0].Type)

	got, err := store.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, item.ID, got.ID)
	assert.True(t, got.HasTag("run:1"))

	// Returned items are copies.
	got.Input["topic"] = "rust"
	again, err := store.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, "go", again.Input["topic"])

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_StatusTransitions(t *testing.T) {
	tests := []struct {
		name    string
		path    []Status
		wantErr bool
	}{
		{name: "happy path", path: []Status{StatusQueued, StatusRunning, StatusComplete}},
		{name: "restart after failure", path: []Status{StatusRunning, StatusFailed, StatusQueued, StatusRunning}},
		{name: "same status is idempotent", path: []Status{StatusRunning, StatusRunning}},
		{name: "complete is terminal", path: []Status{StatusRunning, StatusComplete, StatusRunning}, wantErr: true},
		{name: "cannot complete from pending", path: []Status{StatusComplete}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := NewMemoryStore()
			item, err := store.Create(ctx, CreateInput{Title: "t"})
			require.NoError(t, err)

			var lastErr error
			for _, s := range tt.path {
				if _, err := store.UpdateStatus(ctx, item.ID, s, ""); err != nil {
					lastErr = err
					break
				}
			}
			if tt.wantErr {
				assert.ErrorIs(t, lastErr, ErrInvalidTransition)
			} else {
				assert.NoError(t, lastErr)
			}
		})
	}
}

func TestMemoryStore_TimestampsAndError(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	item, err := store.Create(ctx, CreateInput{Title: "t"})
	require.NoError(t, err)

	item, err = store.UpdateStatus(ctx, item.ID, StatusRunning, "")
	require.NoError(t, err)
	require.NotNil(t, item.StartedAt)
	assert.Nil(t, item.CompletedAt)

	item, err = store.UpdateStatus(ctx, item.ID, StatusFailed, "exit 2")
	require.NoError(t, err)
	require.NotNil(t, item.CompletedAt)
	assert.Equal(t, "exit 2", item.Error)

	item, err = store.UpdateStatus(ctx, item.ID, StatusQueued, "")
	require.NoError(t, err)
	assert.Nil(t, item.CompletedAt)
	assert.Empty(t, item.Error)
}

func TestMemoryStore_Cancel(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	item, err := store.Create(ctx, CreateInput{Title: "t"})
	require.NoError(t, err)

	cancelled, err := store.Cancel(ctx, item.ID, "no longer needed")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Equal(t, "no longer needed", cancelled.Error)

	// Second cancel is a no-op.
	again, err := store.Cancel(ctx, item.ID, "again")
	require.NoError(t, err)
	assert.Equal(t, "no longer needed", again.Error)

	done, err := store.Create(ctx, CreateInput{Title: "done"})
	require.NoError(t, err)
	_, err = store.UpdateStatus(ctx, done.ID, StatusRunning, "")
	require.NoError(t, err)
	_, err = store.UpdateStatus(ctx, done.ID, StatusComplete, "")
	require.NoError(t, err)
	_, err = store.Cancel(ctx, done.ID, "late")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestMemoryStore_EventsAndOutput(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	item, err := store.Create(ctx, CreateInput{Title: "t"})
	require.NoError(t, err)

	require.NoError(t, store.AppendEvent(ctx, item.ID, Event{Type: EventSessionAssigned, Message: "assigned"}))
	require.NoError(t, store.SetOutput(ctx, item.ID, map[string]any{"text": "hello"}))

	got, err := store.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Output["text"])

	types := make([]string, 0, len(got.Events))
	for _, e := range got.Events {
		types = append(types, e.Type)
		assert.False(t, e.Timestamp.IsZero())
	}
	assert.Equal(t, []string{EventCreated, EventSessionAssigned, EventOutputSet}, types)

	assert.ErrorIs(t, store.AppendEvent(ctx, "missing", Event{Type: "x"}), ErrNotFound)
	assert.ErrorIs(t, store.SetOutput(ctx, "missing", nil), ErrNotFound)
}

func TestMemoryStore_ListPaginates(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	for i := 0; i < 5; i++ {
		role := "a"
		if i%2 == 1 {
			role = "b"
		}
		_, err := store.Create(ctx, CreateInput{Title: fmt.Sprintf("item-%d", i), RoleID: role, Tags: []string{"batch"}})
		require.NoError(t, err)
	}

	page, err := store.List(ctx, Filter{RoleID: "a"})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	assert.Len(t, page.Items, 3)

	page, err = store.List(ctx, Filter{Tag: "batch", Limit: 2, Offset: 4})
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	assert.Len(t, page.Items, 1)

	page, err = store.List(ctx, Filter{Statuses: []Status{StatusRunning}})
	require.NoError(t, err)
	assert.Zero(t, page.Total)
}

func TestMemoryStore_Delete(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	item, err := store.Create(ctx, CreateInput{Title: "t"})
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, item.ID))
	_, err = store.Get(ctx, item.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, item.ID), ErrNotFound)
}
