package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestBus_SubscribeAndFilter(t *testing.T) {
	bus := NewBus(nil)
	ctx := context.Background()

	all, cancelAll := bus.Subscribe(4, nil)
	defer cancelAll()
	one, cancelOne := bus.Subscribe(4, ForRun("run-1"))
	defer cancelOne()
	assert.Equal(t, 2, bus.Subscribers())

	require.NoError(t, bus.Emit(ctx, New(RunStarted, "run-1", "p")))
	require.NoError(t, bus.Emit(ctx, New(RunStarted, "run-2", "p")))

	assert.Equal(t, "run-1", (<-all).RunID)
	assert.Equal(t, "run-2", (<-all).RunID)
	assert.Equal(t, "run-1", (<-one).RunID)
	assert.Empty(t, one)
}

func TestBus_DropsWhenFull(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	bus := NewBus(zap.New(core))
	ch, cancel := bus.Subscribe(1, nil)
	defer cancel()

	for i := 0; i < 3; i++ {
		require.NoError(t, bus.Emit(context.Background(), New(StepStarted, "r", "p")))
	}

	assert.Len(t, ch, 1)
	assert.Equal(t, int64(2), bus.Dropped())
	assert.Equal(t, 2, logs.FilterMessage("event dropped for slow subscriber").Len())
}

func TestBus_CancelClosesChannel(t *testing.T) {
	bus := NewBus(nil)
	ch, cancel := bus.Subscribe(0, nil)
	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, bus.Subscribers())
	assert.NoError(t, bus.Emit(context.Background(), New(RunPaused, "r", "p")))
}

func TestBus_Close(t *testing.T) {
	bus := NewBus(nil)
	ch, cancel := bus.Subscribe(1, nil)
	bus.Close()
	bus.Close()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)

	late, _ := bus.Subscribe(1, nil)
	_, ok = <-late
	assert.False(t, ok)
}
