package backend

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fyrsmithlabs/conductor/internal/session"
)

type outcome struct {
	key      string
	output   map[string]any
	failed   bool
	exitCode int
	errText  string
}

// recordingReporter captures callbacks and publishes the final outcome.
type recordingReporter struct {
	mu       sync.Mutex
	started  []string
	usage    session.TokenUsage
	activity int
	done     chan outcome
}

func newRecordingReporter() *recordingReporter {
	return &recordingReporter{done: make(chan outcome, 8)}
}

func (r *recordingReporter) StartSessionWork(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, key)
	return nil
}

func (r *recordingReporter) RecordActivity(_ context.Context, _ string, delta session.TokenUsage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.usage = r.usage.Add(delta)
	r.activity++
	return nil
}

func (r *recordingReporter) HandleSessionComplete(_ context.Context, key string, output map[string]any) error {
	r.done <- outcome{key: key, output: output}
	return nil
}

func (r *recordingReporter) HandleSessionFailed(_ context.Context, key string, exitCode int, errText string) error {
	r.done <- outcome{key: key, failed: true, exitCode: exitCode, errText: errText}
	return nil
}

func (r *recordingReporter) wait(t *testing.T) outcome {
	t.Helper()
	select {
	case o := <-r.done:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for session outcome")
		return outcome{}
	}
}

func (r *recordingReporter) startedKeys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.started...)
}

func (r *recordingReporter) totalUsage() session.TokenUsage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.usage
}

func spawnRequest(key string, rep Reporter) SpawnRequest {
	return SpawnRequest{
		SessionKey: key,
		Role:       RoleSpec{ID: "coder", Name: "Coder", Model: "model-x"},
		Task:       "write the thing",
		WorkItemID: "wi-1",
		Input:      map[string]any{"lang": "go"},
		Reporter:   rep,
	}
}
