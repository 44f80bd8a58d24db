package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/conductor/internal/orchestrator"
)

func positions(p *Pipeline) []int {
	out := make([]int, len(p.Steps))
	for i, s := range p.Steps {
		out[i] = s.Position
	}
	return out
}

func stepIDs(p *Pipeline) []string {
	out := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		out[i] = s.ID
	}
	return out
}

func TestMemoryStore_CreateRenumbers(t *testing.T) {
	s := NewMemoryStore()
	p, err := s.Create(context.Background(), &Pipeline{
		ID: "docs",
		Steps: []Step{
			{ID: "a", RoleID: "writer", Position: 7},
			{ID: "b", RoleID: "writer", Position: 3},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, positions(p))
	assert.Equal(t, "docs", p.Name)
	assert.False(t, p.CreatedAt.IsZero())

	_, err = s.Create(context.Background(), &Pipeline{ID: "docs"})
	assert.ErrorIs(t, err, ErrInvalidPipeline)

	generated, err := s.Create(context.Background(), &Pipeline{Name: "anonymous"})
	require.NoError(t, err)
	assert.NotEmpty(t, generated.ID)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		steps []Step
		want  string
	}{
		{name: "missing id", steps: []Step{{RoleID: "writer"}}, want: "has no id"},
		{name: "duplicate id", steps: []Step{{ID: "a", RoleID: "writer"}, {ID: "a", RoleID: "writer"}}, want: "duplicate step id"},
		{name: "missing role", steps: []Step{{ID: "a"}}, want: "has no role"},
		{name: "bad condition", steps: []Step{{ID: "a", RoleID: "writer", Condition: "input.x =="}}, want: "condition"},
		{name: "negative timeout", steps: []Step{{ID: "a", RoleID: "writer", Timeout: -1}}, want: "negative timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(&Pipeline{ID: "p", Steps: tt.steps})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidPipeline)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
	assert.Error(t, Validate(nil))
}

func TestMemoryStore_InsertAndRemoveStep(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, err := s.Create(ctx, &Pipeline{
		ID: "docs",
		Steps: []Step{
			{ID: "a", RoleID: "writer"},
			{ID: "c", RoleID: "writer"},
		},
	})
	require.NoError(t, err)

	p, err := s.InsertStep(ctx, "docs", Step{ID: "b", RoleID: "writer"}, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, stepIDs(p))
	assert.Equal(t, []int{0, 1, 2}, positions(p))

	p, err = s.InsertStep(ctx, "docs", Step{ID: "z", RoleID: "writer"}, 99)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "z"}, stepIDs(p))

	p, err = s.InsertStep(ctx, "docs", Step{ID: "first", RoleID: "writer"}, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "a", "b", "c", "z"}, stepIDs(p))
	assert.Equal(t, []int{0, 1, 2, 3, 4}, positions(p))

	p, err = s.RemoveStep(ctx, "docs", "b")
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "a", "c", "z"}, stepIDs(p))
	assert.Equal(t, []int{0, 1, 2, 3}, positions(p))

	_, err = s.InsertStep(ctx, "docs", Step{ID: "a", RoleID: "writer"}, 0)
	assert.ErrorIs(t, err, ErrInvalidPipeline)
	stored, err := s.Get(ctx, "docs")
	require.NoError(t, err)
	assert.Len(t, stored.Steps, 4)

	_, err = s.RemoveStep(ctx, "docs", "nope")
	assert.ErrorIs(t, err, ErrStepNotFound)

	_, err = s.InsertStep(ctx, "missing", Step{ID: "x", RoleID: "writer"}, 0)
	assert.ErrorIs(t, err, ErrPipelineNotFound)
	assert.True(t, orchestrator.IsNotFound(err))
}

func TestMemoryStore_PutKeepsCreatedAt(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	first, err := s.Put(ctx, &Pipeline{ID: "docs"})
	require.NoError(t, err)

	second, err := s.Put(ctx, &Pipeline{ID: "docs", Steps: []Step{{ID: "a", RoleID: "writer"}}})
	require.NoError(t, err)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.Len(t, second.Steps, 1)

	_, err = s.Put(ctx, &Pipeline{})
	assert.ErrorIs(t, err, ErrInvalidPipeline)

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.Delete(ctx, "docs"))
	assert.ErrorIs(t, s.Delete(ctx, "docs"), ErrPipelineNotFound)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, err := s.Create(ctx, &Pipeline{ID: "docs", Steps: []Step{{ID: "a", RoleID: "writer", Input: map[string]any{"k": "v"}}}})
	require.NoError(t, err)

	p, err := s.Get(ctx, "docs")
	require.NoError(t, err)
	p.Steps[0].Input["k"] = "changed"

	again, err := s.Get(ctx, "docs")
	require.NoError(t, err)
	assert.Equal(t, "v", again.Steps[0].Input["k"])
}

func TestMemoryRunStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryRunStore()
	run := &RunState{ID: "r1", PipelineID: "docs", Status: RunRunning, Steps: []StepState{{StepID: "a", Status: StepPending}}}
	require.NoError(t, s.Create(ctx, run))
	assert.Error(t, s.Create(ctx, run))

	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	got.Steps = append(got.Steps, StepState{StepID: "b"})
	assert.ErrorIs(t, s.Update(ctx, got), ErrStepStatesLength)

	got.Steps = got.Steps[:1]
	got.Steps[0].Status = StepComplete
	require.NoError(t, s.Update(ctx, got))
	got, err = s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, StepComplete, got.Steps[0].Status)

	assert.ErrorIs(t, s.Update(ctx, &RunState{ID: "missing"}), ErrRunNotFound)
	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)

	require.NoError(t, s.Create(ctx, &RunState{ID: "r2", PipelineID: "other", Status: RunFailed}))
	runs, err := s.List(ctx, RunFilter{Statuses: []RunStatus{RunFailed}})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "r2", runs[0].ID)

	runs, err = s.List(ctx, RunFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(RunRunning, RunPaused))
	assert.True(t, CanTransition(RunPaused, RunRunning))
	assert.True(t, CanTransition(RunPaused, RunCancelled))
	assert.False(t, CanTransition(RunPaused, RunComplete))
	assert.False(t, CanTransition(RunComplete, RunRunning))
	assert.False(t, CanTransition(RunCancelled, RunCancelled))
}
