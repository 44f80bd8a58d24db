package convergence

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseReview(t *testing.T) {
	tests := []struct {
		name     string
		output   map[string]any
		score    float64
		feedback string
	}{
		{
			name:     "numeric score",
			output:   map[string]any{"score": 0.92, "feedback": "solid"},
			score:    0.92,
			feedback: "solid",
		},
		{
			name:     "integer score",
			output:   map[string]any{"score": 1, "comments": "perfect"},
			score:    1,
			feedback: "perfect",
		},
		{
			name:   "numeric percentage",
			output: map[string]any{"score": 30},
			score:  0.3,
		},
		{
			name:   "negative score clamped",
			output: map[string]any{"score": -1},
			score:  0,
		},
		{
			name:   "percentage above 100 clamped",
			output: map[string]any{"score": 150},
			score:  1,
		},
		{
			name:     "string score",
			output:   map[string]any{"score": "0.7", "feedback": "ok"},
			score:    0.7,
			feedback: "ok",
		},
		{
			name:     "percentage in text",
			output:   map[string]any{"text": "Overall score: 85. Tighten the intro."},
			score:    0.85,
			feedback: "Overall score: 85. Tighten the intro.",
		},
		{
			name:     "first match wins",
			output:   map[string]any{"text": "Score = 0.4 (previous score: 0.9)"},
			score:    0.4,
			feedback: "Score = 0.4 (previous score: 0.9)",
		},
		{
			name:     "no score",
			output:   map[string]any{"feedback": "looks fine to me"},
			score:    DefaultScore,
			feedback: "looks fine to me",
		},
		{
			name:   "empty output",
			output: map[string]any{},
			score:  DefaultScore,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, feedback := ParseReview(tt.output)
			assert.InDelta(t, tt.score, score, 1e-9)
			if tt.feedback != "" {
				assert.Equal(t, tt.feedback, feedback)
			}
		})
	}
}

func TestExtractScore(t *testing.T) {
	tests := []struct {
		text string
		want float64
	}{
		{`score: 0.8`, 0.8},
		{`SCORE=1`, 1},
		{`"score": "0.65"`, 0.65},
		{`'score': 72`, 0.72},
		{`score:100`, 1},
		{`no rating here`, DefaultScore},
		{`scored highly`, DefaultScore},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.InDelta(t, tt.want, ExtractScore(tt.text), 1e-9)
		})
	}
}
