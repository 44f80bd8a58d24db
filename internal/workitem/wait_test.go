package workitem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWait_ReturnsTerminalItem(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	item, err := store.Create(ctx, CreateInput{Title: "t"})
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = store.UpdateStatus(ctx, item.ID, StatusRunning, "")
		_, _ = store.UpdateStatus(ctx, item.ID, StatusComplete, "")
	}()

	got, err := Wait(ctx, store, item.ID, WaitOptions{PollInterval: 5 * time.Millisecond, Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, got.Status)
}

func TestWait_Timeout(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	item, err := store.Create(ctx, CreateInput{Title: "t"})
	require.NoError(t, err)

	got, err := Wait(ctx, store, item.ID, WaitOptions{PollInterval: 5 * time.Millisecond, Timeout: 30 * time.Millisecond})
	assert.ErrorIs(t, err, ErrWaitTimeout)
	require.NotNil(t, got)
	assert.Equal(t, StatusPending, got.Status)
}

func TestWait_NotFound(t *testing.T) {
	_, err := Wait(context.Background(), NewMemoryStore(), "missing", WaitOptions{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWait_ContextCancelled(t *testing.T) {
	store := NewMemoryStore()
	item, err := store.Create(context.Background(), CreateInput{Title: "t"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Wait(ctx, store, item.ID, WaitOptions{PollInterval: time.Millisecond, Timeout: time.Second})
	assert.ErrorIs(t, err, context.Canceled)
}
