package pipeline

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/fyrsmithlabs/conductor/internal/payload"
)

// Reserved keys added to every resolved step input.
const (
	RunInputKey    = "_runInput"
	StepOutputsKey = "_stepOutputs"
)

// placeholderPattern matches {{stepId.output}} and {{stepId.output.path}}.
// The path uses gjson syntax, so {{fetch.output.items.0.name}} works.
var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_-]+)\.output(?:\.([^{}\s]+))?\s*\}\}`)

// ResolveInput builds the input for step: its static input, the run input
// under RunInputKey and prior outputs under StepOutputsKey, with every
// placeholder substituted.
func ResolveInput(step *Step, run *RunState) map[string]any {
	outputs := run.StepOutputs()
	merged := payload.Merge(step.Input, map[string]any{
		RunInputKey:    run.Input,
		StepOutputsKey: outputs,
	})
	return Resolve(merged, outputs)
}

// Resolve substitutes placeholders in every string of in against outputs,
// keyed by step id. A string that is exactly one placeholder is replaced
// by the referenced value with its JSON type. Embedded placeholders are
// replaced by the value's text, or raw JSON for objects and arrays.
// Placeholders that do not resolve are left as written.
func Resolve(in map[string]any, outputs map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	r := &resolver{outputs: outputs, docs: make(map[string][]byte)}
	out, _ := r.value(in).(map[string]any)
	return out
}

type resolver struct {
	outputs map[string]any
	docs    map[string][]byte
}

func (r *resolver) value(v any) any {
	switch t := v.(type) {
	case string:
		return r.str(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = r.value(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = r.value(e)
		}
		return out
	default:
		return v
	}
}

func (r *resolver) str(s string) any {
	if !strings.Contains(s, "{{") {
		return s
	}
	if m := placeholderPattern.FindStringSubmatch(s); m != nil && m[0] == strings.TrimSpace(s) {
		if res, ok := r.lookup(m[1], m[2]); ok {
			return res.Value()
		}
		return s
	}
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		m := placeholderPattern.FindStringSubmatch(match)
		res, ok := r.lookup(m[1], m[2])
		if !ok {
			return match
		}
		if res.IsObject() || res.IsArray() {
			return res.Raw
		}
		return res.String()
	})
}

func (r *resolver) lookup(stepID, path string) (gjson.Result, bool) {
	out, ok := r.outputs[stepID]
	if !ok {
		return gjson.Result{}, false
	}
	doc, ok := r.docs[stepID]
	if !ok {
		data, err := json.Marshal(out)
		if err != nil {
			return gjson.Result{}, false
		}
		r.docs[stepID] = data
		doc = data
	}
	if path == "" {
		return gjson.ParseBytes(doc), true
	}
	res := gjson.GetBytes(doc, path)
	return res, res.Exists()
}
