package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEnv() map[string]any {
	return map[string]any{
		"input": map[string]any{
			"priority": float64(3),
			"mode":     "fast",
			"tags":     []any{"go", "backend"},
		},
		"steps": map[string]any{
			"plan": map[string]any{
				"output": map[string]any{
					"approved": true,
					"count":    "12",
					"items":    []any{map[string]any{"name": "a"}, map[string]any{"name": "b"}},
				},
			},
			"fix-bugs": map[string]any{"output": map[string]any{"ok": false}},
		},
		"score":    0.85,
		"passed":   true,
		"feedback": "looks good overall",
		"output":   nil,
		"labels":   []string{"x", "y"},
	}
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		src  string
		want bool
	}{
		{"true", true},
		{"false", false},
		{"score >= 0.8", true},
		{"score > 0.9", false},
		{"score >= 0.8 && passed", true},
		{"score > 0.9 || passed === true", true},
		{"!passed", false},
		{"!(score < 0.5)", true},
		{"input.priority == 3", true},
		{"input.priority == '3'", true},
		{"input.priority === '3'", false},
		{"input.priority !== 3", false},
		{"input.mode != 'slow'", true},
		{`input.mode == "fast"`, true},
		{"steps.plan.output.approved", true},
		{"steps.plan.output.count > 10", true},
		{"steps.plan.output.items.length == 2", true},
		{"steps.plan.output.items[1].name == 'b'", true},
		{"steps.plan.output.items.0.name == 'a'", true},
		{"steps['fix-bugs'].output.ok == false", true},
		{"steps.fix-bugs.output.ok", false},
		{"steps.missing.output.x == null", true},
		{"steps.missing.output.x", false},
		{"output == null", true},
		{"feedback contains 'good'", true},
		{"input.tags contains 'go'", true},
		{"input.tags contains 'rust'", false},
		{"steps.plan.output contains 'approved'", true},
		{"labels.length == 2", true},
		{"labels[0] == 'x'", true},
		{"feedback.length > 5", true},
		{"score > -1", true},
		{"score < .9", true},
		{"'b' > 'a'", true},
		{"input.mode > 3", false},
		{"1 == 1 && (2 > 3 || 'a' == 'a')", true},
	}
	env := testEnv()
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			got, err := Evaluate(tt.src, env)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluate_UnknownIdentifier(t *testing.T) {
	_, err := Evaluate("nope.field == 1", testEnv())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownIdentifier)
}

func TestEvaluate_ShortCircuit(t *testing.T) {
	ok, err := Evaluate("passed || nope.field", testEnv())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Evaluate("!passed && nope.field", testEnv())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCompile_Rejects(t *testing.T) {
	bad := []string{
		"",
		"   ",
		"score >=",
		"(score > 1",
		"score > 1)",
		"process.exit(1)",
		"score = 1",
		"a + b",
		"'unterminated",
		"steps[",
		"score 1",
		"require('fs')",
		"x;y",
	}
	for _, src := range bad {
		t.Run(src, func(t *testing.T) {
			_, err := Compile(src)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrSyntax)
		})
	}
}

func TestExpression_Eval(t *testing.T) {
	e, err := Compile("steps.plan.output.count")
	require.NoError(t, err)
	assert.Equal(t, "steps.plan.output.count", e.String())

	v, err := e.Eval(testEnv())
	require.NoError(t, err)
	assert.Equal(t, "12", v)
}

func TestTruthy(t *testing.T) {
	assert.False(t, Truthy(nil))
	assert.False(t, Truthy(""))
	assert.False(t, Truthy(0))
	assert.False(t, Truthy(0.0))
	assert.True(t, Truthy("x"))
	assert.True(t, Truthy(int64(2)))
	assert.True(t, Truthy([]any{}))
	assert.True(t, Truthy(map[string]any{}))
}
