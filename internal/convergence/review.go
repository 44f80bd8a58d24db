package convergence

import (
	"encoding/json"
	"regexp"
	"strconv"

	"github.com/fyrsmithlabs/conductor/internal/payload"
)

// DefaultScore is assumed when a review carries no recognisable score.
const DefaultScore = 0.5

// scorePattern matches "score: 0.8", "Score=85" and "\"score\": \"0.7\"".
// The first match wins.
var scorePattern = regexp.MustCompile(`(?i)score["']?\s*[:=]\s*["']?(\d+(?:\.\d+)?)`)

// feedbackKeys are checked in order for the reviewer's feedback text.
var feedbackKeys = []string{"feedback", "comments", "text", "result"}

// ParseReview extracts a score in [0, 1] and feedback from reviewer output.
//
// A numeric score field is used directly. Otherwise the score is read from
// free text. Either way values above 1 are taken as percentages and the
// result is clamped to [0, 1]. Unparseable output scores DefaultScore.
func ParseReview(output map[string]any) (float64, string) {
	feedback := ""
	for _, key := range feedbackKeys {
		if s, ok := payload.String(output, key); ok {
			feedback = s
			break
		}
	}

	if score, ok := payload.Number(output, "score"); ok {
		return normalizeScore(score), feedback
	}

	text := feedback
	if s, ok := payload.String(output, "score"); ok {
		text = "score: " + s
	} else if text == "" || !scorePattern.MatchString(text) {
		if data, err := json.Marshal(output); err == nil {
			text = string(data)
		}
	}
	if feedback == "" {
		feedback = text
	}
	return ExtractScore(text), feedback
}

// ExtractScore finds the first "score: N" in text. N above 1 is divided by
// 100. Text without a score yields DefaultScore.
func ExtractScore(text string) float64 {
	m := scorePattern.FindStringSubmatch(text)
	if m == nil {
		return DefaultScore
	}
	score, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return DefaultScore
	}
	return normalizeScore(score)
}

// normalizeScore maps percentages to fractions and clamps to [0, 1].
func normalizeScore(score float64) float64 {
	if score > 1 {
		score /= 100
	}
	return min(max(score, 0), 1)
}
