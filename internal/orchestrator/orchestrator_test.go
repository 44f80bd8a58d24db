package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/conductor/internal/backend"
	"github.com/fyrsmithlabs/conductor/internal/logging"
	"github.com/fyrsmithlabs/conductor/internal/role"
	"github.com/fyrsmithlabs/conductor/internal/session"
	"github.com/fyrsmithlabs/conductor/internal/telemetry"
	"github.com/fyrsmithlabs/conductor/internal/workitem"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	orch     *Orchestrator
	items    *workitem.MemoryStore
	sessions *session.MemoryTracker
	roles    *role.MemoryStore
	clock    *fakeClock
	tel      *telemetry.TestTelemetry
	log      *logging.TestLogger
}

func newFixture(t *testing.T, b backend.Backend) *fixture {
	t.Helper()
	f := &fixture{
		items: workitem.NewMemoryStore(),
		roles: role.NewMemoryStore(&role.Role{ID: "writer", Name: "Writer", Instructions: "Write things."}),
		clock: newFakeClock(),
		tel:   telemetry.NewTestTelemetry(),
		log:   logging.NewTestLogger(),
	}
	f.sessions = session.NewMemoryTracker().WithClock(f.clock.Now)

	orch, err := New(Config{Now: f.clock.Now}, Deps{
		WorkItems: f.items,
		Sessions:  f.sessions,
		Roles:     f.roles,
		Backend:   b,
		Telemetry: f.tel.Telemetry,
	}, f.log.Underlying())
	require.NoError(t, err)
	f.orch = orch

	if b != nil {
		t.Cleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = b.Close(ctx)
		})
	}
	return f
}

func (f *fixture) createItem(t *testing.T, title string) *workitem.WorkItem {
	t.Helper()
	item, err := f.items.Create(context.Background(), workitem.CreateInput{
		RoleID:      "writer",
		Title:       title,
		Description: title + " in detail",
		Input:       map[string]any{"topic": title},
	})
	require.NoError(t, err)
	return item
}

func (f *fixture) waitItem(t *testing.T, id string) *workitem.WorkItem {
	t.Helper()
	item, err := workitem.Wait(context.Background(), f.items, id, workitem.WaitOptions{
		PollInterval: 5 * time.Millisecond,
		Timeout:      5 * time.Second,
	})
	require.NoError(t, err)
	return item
}

func (f *fixture) waitStatus(t *testing.T, id string, want workitem.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		item, err := f.items.Get(context.Background(), id)
		return err == nil && item.Status == want
	}, 5*time.Second, 5*time.Millisecond)
}

func hasEvent(item *workitem.WorkItem, eventType string) bool {
	for _, e := range item.Events {
		if e.Type == eventType {
			return true
		}
	}
	return false
}

func TestNew_RequiresStores(t *testing.T) {
	_, err := New(Config{}, Deps{}, nil)
	assert.Error(t, err)

	_, err = New(Config{}, Deps{WorkItems: workitem.NewMemoryStore()}, nil)
	assert.Error(t, err)

	o, err := New(Config{}, Deps{
		WorkItems: workitem.NewMemoryStore(),
		Sessions:  session.NewMemoryTracker(),
		Roles:     role.NewMemoryStore(),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultStaleThreshold, o.StaleThreshold())
	assert.Nil(t, o.Backend())
}

func TestAssignSession_PromotesPendingItem(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	item := f.createItem(t, "draft intro")

	sess, err := f.orch.AssignSession(ctx, AssignInput{RoleID: "writer", WorkItemID: item.ID}, "")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(sess.Key, "role:worker:writer:"), sess.Key)
	assert.Equal(t, session.StatusStarting, sess.Status)
	assert.Equal(t, item.ID, sess.WorkItemID)
	assert.Equal(t, "draft intro in detail", sess.Task)

	got, err := f.items.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, workitem.StatusQueued, got.Status)
	assert.True(t, hasEvent(got, workitem.EventSessionAssigned))

	f.tel.AssertSpanExists(t, "orchestrator.AssignSession")
	assert.Equal(t, int64(1), f.tel.CounterValue(t, "conductor.orchestrator.sessions_assigned_total",
		attribute.String("role_id", "writer")))
}

func TestAssignSession_ExplicitKey(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	sess, err := f.orch.AssignSession(ctx, AssignInput{RoleID: "writer", Task: "t"}, "custom-key")
	require.NoError(t, err)
	assert.Equal(t, "custom-key", sess.Key)

	_, err = f.orch.AssignSession(ctx, AssignInput{RoleID: "writer", Task: "t"}, "custom-key")
	assert.ErrorIs(t, err, session.ErrDuplicateKey)
}

func TestAssignSession_NotFound(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.orch.AssignSession(ctx, AssignInput{RoleID: "ghost"}, "")
	assert.True(t, IsNotFound(err))
	assert.ErrorIs(t, err, role.ErrNotFound)

	_, err = f.orch.AssignSession(ctx, AssignInput{RoleID: "writer", WorkItemID: "missing"}, "")
	assert.True(t, IsNotFound(err))
	assert.ErrorIs(t, err, workitem.ErrNotFound)

	all, err := f.sessions.List(ctx, session.Filter{})
	require.NoError(t, err)
	assert.Empty(t, all, "no session is tracked when a reference is missing")
}

func TestSpawnWorker_EchoCompletes(t *testing.T) {
	echo := backend.NewEcho(nil)
	f := newFixture(t, echo)
	ctx := context.Background()

	res, err := f.orch.SpawnWorker(ctx, "writer", "summarise the report", SpawnOptions{
		Input: map[string]any{"pages": 3},
		Tags:  []string{"adhoc"},
	})
	require.NoError(t, err)
	require.NotNil(t, res.WorkItem)
	assert.Equal(t, "summarise the report", res.WorkItem.Title)
	assert.True(t, res.WorkItem.HasTag("adhoc"))

	item := f.waitItem(t, res.WorkItem.ID)
	assert.Equal(t, workitem.StatusComplete, item.Status)
	assert.Equal(t, "summarise the report", item.Output["result"])
	assert.True(t, hasEvent(item, workitem.EventSessionStarted))
	assert.True(t, hasEvent(item, workitem.EventSessionComplete))

	sess, err := f.sessions.Get(ctx, res.Session.Key)
	require.NoError(t, err)
	assert.Equal(t, session.StatusStopped, sess.Status)

	spawned := echo.Spawned()
	require.Len(t, spawned, 1)
	assert.Equal(t, "Write things.", spawned[0].Role.Instructions)
	assert.Equal(t, float64(3), toFloat(spawned[0].Input["pages"]))
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case float64:
		return n
	}
	return -1
}

func TestSpawnWorker_Validation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.orch.SpawnWorker(ctx, "writer", "  ", SpawnOptions{})
	assert.Error(t, err)

	_, err = f.orch.SpawnWorker(ctx, "ghost", "task", SpawnOptions{})
	assert.True(t, IsNotFound(err))

	page, err := f.items.List(ctx, workitem.Filter{})
	require.NoError(t, err)
	assert.Zero(t, page.Total, "no item is created for an unknown role")
}

func TestSpawnWorker_ScriptFailure(t *testing.T) {
	script := func(context.Context, backend.SpawnRequest) (map[string]any, error) {
		return nil, &backend.ExitError{Code: 3, Err: errors.New("boom")}
	}
	f := newFixture(t, backend.NewScripted(script, nil))
	ctx := context.Background()

	res, err := f.orch.SpawnWorker(ctx, "writer", "explode", SpawnOptions{})
	require.NoError(t, err)

	item := f.waitItem(t, res.WorkItem.ID)
	assert.Equal(t, workitem.StatusFailed, item.Status)
	assert.Contains(t, item.Error, "boom")
	assert.True(t, hasEvent(item, workitem.EventSessionFailed))

	sess, err := f.sessions.Get(ctx, res.Session.Key)
	require.NoError(t, err)
	assert.Equal(t, session.StatusError, sess.Status)
	require.NotNil(t, sess.ExitCode)
	assert.Equal(t, 3, *sess.ExitCode)
	f.log.AssertLogged(t, zapcore.WarnLevel, "session failed")
}

// failingBackend rejects every spawn.
type failingBackend struct{ backend.Backend }

func (failingBackend) Name() string { return "failing" }

func (failingBackend) Spawn(context.Context, backend.SpawnRequest) error {
	return errors.New("gateway unreachable")
}

func (failingBackend) Close(context.Context) error { return nil }

func TestAssignSession_SpawnFailureFailsItem(t *testing.T) {
	f := newFixture(t, failingBackend{})
	ctx := context.Background()
	item := f.createItem(t, "doomed")

	_, err := f.orch.AssignSession(ctx, AssignInput{RoleID: "writer", WorkItemID: item.ID}, "k1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gateway unreachable")

	got, err := f.items.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, workitem.StatusFailed, got.Status)

	sess, err := f.sessions.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusError, sess.Status)
}

func TestStartSessionWork_MarksRunning(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	item := f.createItem(t, "work")

	sess, err := f.orch.AssignSession(ctx, AssignInput{RoleID: "writer", WorkItemID: item.ID}, "")
	require.NoError(t, err)
	require.NoError(t, f.orch.StartSessionWork(ctx, sess.Key))

	got, err := f.items.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, workitem.StatusRunning, got.Status)
	assert.NotNil(t, got.StartedAt)

	tracked, err := f.sessions.Get(ctx, sess.Key)
	require.NoError(t, err)
	assert.Equal(t, session.StatusActive, tracked.Status)

	assert.True(t, IsNotFound(f.orch.StartSessionWork(ctx, "nope")))
}

func TestHandleSessionComplete_PromotesQueuedItem(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	item := f.createItem(t, "fast")

	sess, err := f.orch.AssignSession(ctx, AssignInput{RoleID: "writer", WorkItemID: item.ID}, "")
	require.NoError(t, err)

	// Completion without a start callback still walks queued -> running -> complete.
	require.NoError(t, f.orch.HandleSessionComplete(ctx, sess.Key, map[string]any{"ok": true}))

	got, err := f.items.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, workitem.StatusComplete, got.Status)
	assert.Equal(t, true, got.Output["ok"])
}

func TestHandleSessionComplete_ToleratesStaleItem(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(t *testing.T, f *fixture, itemID string)
		status  workitem.Status
	}{
		{
			name: "deleted item",
			prepare: func(t *testing.T, f *fixture, itemID string) {
				require.NoError(t, f.items.Delete(context.Background(), itemID))
			},
		},
		{
			name: "cancelled item",
			prepare: func(t *testing.T, f *fixture, itemID string) {
				_, err := f.items.Cancel(context.Background(), itemID, "user")
				require.NoError(t, err)
			},
			status: workitem.StatusCancelled,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			ctx := context.Background()
			item := f.createItem(t, "x")
			sess, err := f.orch.AssignSession(ctx, AssignInput{RoleID: "writer", WorkItemID: item.ID}, "")
			require.NoError(t, err)
			tt.prepare(t, f, item.ID)

			assert.NoError(t, f.orch.HandleSessionComplete(ctx, sess.Key, map[string]any{"a": 1}))
			assert.NoError(t, f.orch.HandleSessionFailed(ctx, sess.Key, 2, "late failure"))

			if tt.status != "" {
				got, err := f.items.Get(ctx, item.ID)
				require.NoError(t, err)
				assert.Equal(t, tt.status, got.Status)
				assert.Nil(t, got.Output)
			} else {
				f.log.AssertLogged(t, zapcore.WarnLevel, "missing work item")
			}
		})
	}
}

func TestHandleSessionFailed_DefaultsErrorText(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	item := f.createItem(t, "x")
	sess, err := f.orch.AssignSession(ctx, AssignInput{RoleID: "writer", WorkItemID: item.ID}, "")
	require.NoError(t, err)

	require.NoError(t, f.orch.HandleSessionFailed(ctx, sess.Key, 137, ""))

	got, err := f.items.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, workitem.StatusFailed, got.Status)
	assert.Equal(t, "worker exited with code 137", got.Error)

	assert.True(t, IsNotFound(f.orch.HandleSessionFailed(ctx, "missing", 1, "x")))
}

func TestTerminateWorker(t *testing.T) {
	no := false
	tests := []struct {
		name     string
		opts     TerminateOptions
		finished bool
		want     workitem.Status
	}{
		{name: "cancels by default", opts: TerminateOptions{Reason: "budget"}, want: workitem.StatusCancelled},
		{name: "marks failed", opts: TerminateOptions{MarkWorkFailed: true}, want: workitem.StatusFailed},
		{name: "leaves work", opts: TerminateOptions{CancelWork: &no}, want: workitem.StatusRunning},
		{name: "terminal item untouched", opts: TerminateOptions{MarkWorkFailed: true}, finished: true, want: workitem.StatusComplete},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			ctx := context.Background()
			item := f.createItem(t, "long task")
			sess, err := f.orch.AssignSession(ctx, AssignInput{RoleID: "writer", WorkItemID: item.ID}, "")
			require.NoError(t, err)
			require.NoError(t, f.orch.StartSessionWork(ctx, sess.Key))
			if tt.finished {
				_, err := f.items.UpdateStatus(ctx, item.ID, workitem.StatusComplete, "")
				require.NoError(t, err)
			}

			stopped, err := f.orch.TerminateWorker(ctx, sess.Key, tt.opts)
			require.NoError(t, err)
			assert.Equal(t, session.StatusStopped, stopped.Status)

			got, err := f.items.Get(ctx, item.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Status)
			if tt.opts.Reason != "" {
				assert.Equal(t, tt.opts.Reason, got.Error)
			}
		})
	}
}

func TestTerminateWorker_StopsBackendSession(t *testing.T) {
	scripted := backend.NewScripted(backend.EchoScript, nil, backend.WithDelay(10*time.Second))
	f := newFixture(t, scripted)
	ctx := context.Background()

	res, err := f.orch.SpawnWorker(ctx, "writer", "slow", SpawnOptions{})
	require.NoError(t, err)
	f.waitStatus(t, res.WorkItem.ID, workitem.StatusRunning)

	_, err = f.orch.TerminateWorker(ctx, res.Session.Key, TerminateOptions{Force: true})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return errors.Is(scripted.Stop(ctx, res.Session.Key, false), backend.ErrUnknownSession)
	}, 5*time.Second, 10*time.Millisecond)
	item := f.waitItem(t, res.WorkItem.ID)
	assert.Equal(t, workitem.StatusCancelled, item.Status)

	_, err = f.orch.TerminateWorker(ctx, "missing", TerminateOptions{})
	assert.True(t, IsNotFound(err))
}

func TestRestartWorker_PreservesTokenUsage(t *testing.T) {
	for _, preserve := range []bool{true, false} {
		t.Run(fmt.Sprintf("preserve=%v", preserve), func(t *testing.T) {
			f := newFixture(t, nil)
			ctx := context.Background()
			item := f.createItem(t, "essay")

			old, err := f.orch.AssignSession(ctx, AssignInput{RoleID: "writer", WorkItemID: item.ID, Label: "essayist"}, "")
			require.NoError(t, err)
			require.NoError(t, f.orch.StartSessionWork(ctx, old.Key))
			usage := session.TokenUsage{InputTokens: 120, OutputTokens: 45, CostUSD: 0.01}
			require.NoError(t, f.orch.RecordActivity(ctx, old.Key, usage))

			fresh, err := f.orch.RestartWorker(ctx, old.Key, RestartOptions{
				NewTask:            "essay, shorter",
				PreserveTokenUsage: preserve,
			})
			require.NoError(t, err)

			assert.NotEqual(t, old.Key, fresh.Key)
			assert.Equal(t, "writer", fresh.RoleID)
			assert.Equal(t, item.ID, fresh.WorkItemID)
			assert.Equal(t, "essay, shorter", fresh.Task)
			assert.Equal(t, "essayist", fresh.Label)
			if preserve {
				assert.Equal(t, usage, fresh.Usage)
			} else {
				assert.Equal(t, session.TokenUsage{}, fresh.Usage)
			}

			prev, err := f.sessions.Get(ctx, old.Key)
			require.NoError(t, err)
			assert.Equal(t, session.StatusStopped, prev.Status)
			assert.Equal(t, usage, prev.Usage, "old session keeps its own counters")

			got, err := f.items.Get(ctx, item.ID)
			require.NoError(t, err)
			assert.Equal(t, workitem.StatusQueued, got.Status)
			assert.True(t, hasEvent(got, workitem.EventSessionRestart))
		})
	}
}

func TestRestartWorker_RequeuesFailedItem(t *testing.T) {
	f := newFixture(t, backend.NewEcho(nil))
	ctx := context.Background()
	item := f.createItem(t, "retry me")

	sess, err := f.sessions.Track(ctx, session.TrackInput{RoleID: "writer", WorkItemID: item.ID, Task: "retry me"}, "")
	require.NoError(t, err)
	require.NoError(t, f.orch.HandleSessionFailed(ctx, sess.Key, 1, "crashed"))

	failed, err := f.items.Get(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, workitem.StatusFailed, failed.Status)

	fresh, err := f.orch.RestartWorker(ctx, sess.Key, RestartOptions{})
	require.NoError(t, err)
	assert.Equal(t, "retry me", fresh.Task)

	done := f.waitItem(t, item.ID)
	assert.Equal(t, workitem.StatusComplete, done.Status)
	assert.Empty(t, done.Error)

	_, err = f.orch.RestartWorker(ctx, "missing", RestartOptions{})
	assert.True(t, IsNotFound(err))
}

func TestRestartWorker_StaleItemReference(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	item := f.createItem(t, "gone")

	sess, err := f.orch.AssignSession(ctx, AssignInput{RoleID: "writer", WorkItemID: item.ID}, "")
	require.NoError(t, err)
	require.NoError(t, f.items.Delete(ctx, item.ID))

	fresh, err := f.orch.RestartWorker(ctx, sess.Key, RestartOptions{})
	require.NoError(t, err)
	assert.Empty(t, fresh.WorkItemID)
	f.log.AssertLogged(t, zapcore.WarnLevel, "missing work item")
}

func TestVerdict(t *testing.T) {
	threshold := 300 * time.Second
	tests := []struct {
		name    string
		status  session.Status
		stale   time.Duration
		healthy bool
		want    Recommendation
	}{
		{"fresh active", session.StatusActive, time.Minute, true, RecommendContinue},
		{"fresh starting", session.StatusStarting, 0, true, RecommendContinue},
		{"mildly stale", session.StatusActive, 6 * time.Minute, false, RecommendRestart},
		{"ten minutes stale", session.StatusIdle, 10 * time.Minute, false, RecommendRestart},
		{"very stale", session.StatusActive, 11 * time.Minute, false, RecommendTerminate},
		{"stopped clean", session.StatusStopped, time.Minute, false, RecommendRestart},
		{"stopped with error", session.StatusError, time.Minute, false, RecommendTerminate},
		{"stopped long ago", session.StatusStopped, time.Hour, false, RecommendTerminate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			healthy, rec, reason := Verdict(&session.Session{Status: tt.status, Error: "x"}, tt.stale, threshold)
			assert.Equal(t, tt.healthy, healthy)
			assert.Equal(t, tt.want, rec)
			assert.NotEmpty(t, reason)
		})
	}
}

func TestSuperviseWorker_StaleSession(t *testing.T) {
	tests := []struct {
		name   string
		stop   bool
		expect []Recommendation
	}{
		{name: "active", expect: []Recommendation{RecommendRestart, RecommendTerminate}},
		{name: "stopped", stop: true, expect: []Recommendation{RecommendRestart, RecommendTerminate}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			ctx := context.Background()
			item := f.createItem(t, "watch")
			sess, err := f.orch.AssignSession(ctx, AssignInput{RoleID: "writer", WorkItemID: item.ID}, "")
			require.NoError(t, err)
			require.NoError(t, f.orch.StartSessionWork(ctx, sess.Key))
			if tt.stop {
				_, err := f.sessions.MarkStopped(ctx, sess.Key, 0, "")
				require.NoError(t, err)
			}
			f.clock.Advance(10 * time.Minute)

			before, err := f.sessions.Get(ctx, sess.Key)
			require.NoError(t, err)

			h, err := f.orch.SuperviseWorker(ctx, sess.Key)
			require.NoError(t, err)
			assert.False(t, h.IsHealthy)
			assert.Equal(t, !tt.stop, h.IsActive)
			assert.Equal(t, 10*time.Minute, h.StaleDuration)
			assert.Contains(t, tt.expect, h.Recommendation)
			require.NotNil(t, h.WorkItem)
			assert.Equal(t, item.ID, h.WorkItem.ID)

			after, err := f.sessions.Get(ctx, sess.Key)
			require.NoError(t, err)
			assert.Equal(t, before, after, "supervision must not mutate the session")
		})
	}
}

func TestSuperviseWorker_HealthyAndMissing(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	sess, err := f.orch.AssignSession(ctx, AssignInput{RoleID: "writer", Task: "t"}, "")
	require.NoError(t, err)
	require.NoError(t, f.orch.StartSessionWork(ctx, sess.Key))
	f.clock.Advance(30 * time.Second)

	h, err := f.orch.SuperviseWorker(ctx, sess.Key)
	require.NoError(t, err)
	assert.True(t, h.IsHealthy)
	assert.Equal(t, RecommendContinue, h.Recommendation)
	assert.Nil(t, h.WorkItem)

	_, err = f.orch.SuperviseWorker(ctx, "missing")
	assert.True(t, IsNotFound(err))

	f.tel.AssertSpanAttribute(t, "orchestrator.SuperviseWorker", "recommendation", "continue")
}

func TestListActiveWorkers_BestEffortEnrichment(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	withItem := f.createItem(t, "enriched")
	a, err := f.orch.AssignSession(ctx, AssignInput{RoleID: "writer", WorkItemID: withItem.ID}, "")
	require.NoError(t, err)

	gone := f.createItem(t, "deleted")
	b, err := f.orch.AssignSession(ctx, AssignInput{RoleID: "writer", WorkItemID: gone.ID}, "")
	require.NoError(t, err)
	require.NoError(t, f.items.Delete(ctx, gone.ID))

	orphan, err := f.sessions.Track(ctx, session.TrackInput{RoleID: "retired"}, "")
	require.NoError(t, err)

	done, err := f.orch.AssignSession(ctx, AssignInput{RoleID: "writer", Task: "t"}, "")
	require.NoError(t, err)
	require.NoError(t, f.orch.HandleSessionComplete(ctx, done.Key, nil))

	workers, err := f.orch.ListActiveWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 3)

	byKey := make(map[string]*WorkerInfo)
	for _, w := range workers {
		byKey[w.Session.Key] = w
	}
	require.Contains(t, byKey, a.Key)
	require.NotNil(t, byKey[a.Key].WorkItem)
	assert.Equal(t, withItem.ID, byKey[a.Key].WorkItem.ID)
	assert.Equal(t, "Writer", byKey[a.Key].Role.Name)

	require.Contains(t, byKey, b.Key)
	assert.Nil(t, byKey[b.Key].WorkItem)

	require.Contains(t, byKey, orphan.Key)
	assert.Nil(t, byKey[orphan.Key].Role)
	assert.NotContains(t, byKey, done.Key)
}

func TestCleanup(t *testing.T) {
	for _, cancelWork := range []bool{true, false} {
		t.Run(fmt.Sprintf("cancel=%v", cancelWork), func(t *testing.T) {
			f := newFixture(t, nil)
			ctx := context.Background()

			staleItem := f.createItem(t, "stale")
			stale, err := f.orch.AssignSession(ctx, AssignInput{RoleID: "writer", WorkItemID: staleItem.ID}, "")
			require.NoError(t, err)

			f.clock.Advance(2 * time.Hour)
			fresh, err := f.orch.AssignSession(ctx, AssignInput{RoleID: "writer", Task: "t"}, "")
			require.NoError(t, err)

			res, err := f.orch.Cleanup(ctx, time.Hour, cancelWork)
			require.NoError(t, err)
			assert.Equal(t, 1, res.Pruned)

			_, err = f.sessions.Get(ctx, stale.Key)
			assert.ErrorIs(t, err, session.ErrNotFound)
			_, err = f.sessions.Get(ctx, fresh.Key)
			assert.NoError(t, err)

			got, err := f.items.Get(ctx, staleItem.ID)
			require.NoError(t, err)
			if cancelWork {
				assert.Equal(t, 1, res.CancelledWork)
				assert.Equal(t, workitem.StatusCancelled, got.Status)
			} else {
				assert.Zero(t, res.CancelledWork)
				assert.Equal(t, workitem.StatusQueued, got.Status)
			}
		})
	}
}

func TestCleanup_RejectsNonPositiveAge(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.orch.Cleanup(context.Background(), 0, true)
	assert.Error(t, err)
}

func TestSendMessage(t *testing.T) {
	scripted := backend.NewScripted(backend.EchoScript, nil, backend.WithDelay(10*time.Second))
	f := newFixture(t, scripted)
	ctx := context.Background()

	res, err := f.orch.SpawnWorker(ctx, "writer", "chatty", SpawnOptions{})
	require.NoError(t, err)
	f.waitStatus(t, res.WorkItem.ID, workitem.StatusRunning)

	require.NoError(t, f.orch.SendMessage(ctx, res.Session.Key, "hurry up"))
	assert.Equal(t, []string{"hurry up"}, scripted.Messages(res.Session.Key))

	_, err = f.orch.TerminateWorker(ctx, res.Session.Key, TerminateOptions{})
	require.NoError(t, err)
	assert.Error(t, f.orch.SendMessage(ctx, res.Session.Key, "too late"))
	assert.True(t, IsNotFound(f.orch.SendMessage(ctx, "missing", "x")))
}

func TestSendMessage_NoBackend(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	sess, err := f.orch.AssignSession(ctx, AssignInput{RoleID: "writer", Task: "t"}, "")
	require.NoError(t, err)
	assert.ErrorIs(t, f.orch.SendMessage(ctx, sess.Key, "hi"), backend.ErrNotSupported)
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, IsNotFound(fmt.Errorf("wrap: %w", workitem.ErrNotFound)))
	assert.True(t, IsNotFound(session.ErrNotFound))
	assert.True(t, IsNotFound(role.ErrNotFound))
	assert.True(t, IsNotFound(fmt.Errorf("pipeline x: %w", ErrNotFound)))
	assert.False(t, IsNotFound(errors.New("other")))
	assert.False(t, IsNotFound(nil))
}
