package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/conductor/internal/convergence"
	"github.com/fyrsmithlabs/conductor/internal/events"
	"github.com/fyrsmithlabs/conductor/internal/logging"
	"github.com/fyrsmithlabs/conductor/internal/orchestrator"
	"github.com/fyrsmithlabs/conductor/internal/pipeline"
	"github.com/fyrsmithlabs/conductor/internal/session"
	"github.com/fyrsmithlabs/conductor/internal/workitem"
)

type mockRuns struct {
	mock.Mock
}

func (m *mockRuns) run(args mock.Arguments) (*pipeline.RunState, error) {
	run, _ := args.Get(0).(*pipeline.RunState)
	return run, args.Error(1)
}

func (m *mockRuns) StartRun(ctx context.Context, pipelineID string, input map[string]any, opts pipeline.StartOptions) (*pipeline.RunState, error) {
	return m.run(m.Called(ctx, pipelineID, input, opts))
}

func (m *mockRuns) PauseRun(ctx context.Context, runID string) (*pipeline.RunState, error) {
	return m.run(m.Called(ctx, runID))
}

func (m *mockRuns) ResumeRun(ctx context.Context, runID string) (*pipeline.RunState, error) {
	return m.run(m.Called(ctx, runID))
}

func (m *mockRuns) CancelRun(ctx context.Context, runID string) (*pipeline.RunState, error) {
	return m.run(m.Called(ctx, runID))
}

func (m *mockRuns) TriggerNextStep(ctx context.Context, runID string) (*pipeline.RunState, error) {
	return m.run(m.Called(ctx, runID))
}

func (m *mockRuns) GetRunStatus(ctx context.Context, runID string) (*pipeline.RunState, error) {
	return m.run(m.Called(ctx, runID))
}

func (m *mockRuns) ListRuns(ctx context.Context, filter pipeline.RunFilter) ([]*pipeline.RunState, error) {
	args := m.Called(ctx, filter)
	runs, _ := args.Get(0).([]*pipeline.RunState)
	return runs, args.Error(1)
}

type mockWorkers struct {
	mock.Mock
}

func (m *mockWorkers) SpawnWorker(ctx context.Context, roleID, task string, opts orchestrator.SpawnOptions) (*orchestrator.SpawnResult, error) {
	args := m.Called(ctx, roleID, task, opts)
	r, _ := args.Get(0).(*orchestrator.SpawnResult)
	return r, args.Error(1)
}

func (m *mockWorkers) ListActiveWorkers(ctx context.Context) ([]*orchestrator.WorkerInfo, error) {
	args := m.Called(ctx)
	w, _ := args.Get(0).([]*orchestrator.WorkerInfo)
	return w, args.Error(1)
}

func (m *mockWorkers) SuperviseWorker(ctx context.Context, key string) (*orchestrator.Health, error) {
	args := m.Called(ctx, key)
	h, _ := args.Get(0).(*orchestrator.Health)
	return h, args.Error(1)
}

func (m *mockWorkers) TerminateWorker(ctx context.Context, key string, opts orchestrator.TerminateOptions) (*session.Session, error) {
	args := m.Called(ctx, key, opts)
	s, _ := args.Get(0).(*session.Session)
	return s, args.Error(1)
}

func (m *mockWorkers) RestartWorker(ctx context.Context, key string, opts orchestrator.RestartOptions) (*session.Session, error) {
	args := m.Called(ctx, key, opts)
	s, _ := args.Get(0).(*session.Session)
	return s, args.Error(1)
}

func (m *mockWorkers) Cleanup(ctx context.Context, maxAge time.Duration, cancelStaleWork bool) (*orchestrator.CleanupResult, error) {
	args := m.Called(ctx, maxAge, cancelStaleWork)
	r, _ := args.Get(0).(*orchestrator.CleanupResult)
	return r, args.Error(1)
}

type reviewerFunc func(ctx context.Context, workItemID string, output map[string]any, criteria convergence.Criteria) (*convergence.Result, error)

func (f reviewerFunc) ReviewOnce(ctx context.Context, workItemID string, output map[string]any, criteria convergence.Criteria) (*convergence.Result, error) {
	return f(ctx, workItemID, output, criteria)
}

type testServer struct {
	server    *Server
	runs      *mockRuns
	workers   *mockWorkers
	pipelines *pipeline.MemoryStore
	bus       *events.Bus
	log       *logging.TestLogger
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		runs:      &mockRuns{},
		workers:   &mockWorkers{},
		pipelines: pipeline.NewMemoryStore(),
		bus:       events.NewBus(nil),
		log:       logging.NewTestLogger(),
	}
	t.Cleanup(ts.bus.Close)

	server, err := NewServer(Deps{
		Runs:      ts.runs,
		Pipelines: ts.pipelines,
		Workers:   ts.workers,
		Reviewer: reviewerFunc(func(_ context.Context, id string, output map[string]any, c convergence.Criteria) (*convergence.Result, error) {
			if id == "missing" {
				return nil, workitem.ErrNotFound
			}
			return &convergence.Result{Converged: true, Iterations: 1, FinalOutput: output, FinalScore: c.Threshold()}, nil
		}),
		Events:   ts.bus,
		Gatherer: prometheus.NewRegistry(),
	}, ts.log.Underlying(), nil)
	require.NoError(t, err)
	ts.server = server
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ts.server.echo.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestNewServer(t *testing.T) {
	runs := &mockRuns{}
	store := pipeline.NewMemoryStore()

	t.Run("uses defaults when config is nil", func(t *testing.T) {
		server, err := NewServer(Deps{Runs: runs, Pipelines: store}, zap.NewNop(), nil)
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1", server.config.Host)
		assert.Equal(t, 9780, server.config.Port)
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		_, err := NewServer(Deps{Runs: runs, Pipelines: store}, nil, nil)
		assert.ErrorContains(t, err, "logger is required")
	})

	t.Run("requires runs and pipelines", func(t *testing.T) {
		_, err := NewServer(Deps{Pipelines: store}, zap.NewNop(), nil)
		assert.ErrorContains(t, err, "run service")
		_, err = NewServer(Deps{Runs: runs}, zap.NewNop(), nil)
		assert.ErrorContains(t, err, "pipeline store")
	})
}

func TestHandleHealth(t *testing.T) {
	ts := setupTestServer(t)
	ts.runs.On("ListRuns", mock.Anything, pipeline.RunFilter{Statuses: []pipeline.RunStatus{pipeline.RunRunning}}).
		Return([]*pipeline.RunState{{ID: "r1"}}, nil)

	rec := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.ActiveRuns)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := setupTestServer(t)
	rec := ts.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPipelines(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/pipelines", map[string]any{
		"id":   "release",
		"name": "Release",
		"steps": []map[string]any{
			{"id": "draft", "role": "writer", "action": "Draft", "timeout": "90s"},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[pipeline.Pipeline](t, rec)
	assert.Equal(t, "release", created.ID)
	assert.Equal(t, 90*time.Second, created.Steps[0].Timeout.Duration())

	rec = ts.do(t, http.MethodPost, "/api/v1/pipelines", map[string]any{
		"id":    "broken",
		"steps": []map[string]any{{"id": "x"}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/pipelines", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[PipelineListResponse](t, rec).Pipelines, 1)

	rec = ts.do(t, http.MethodGet, "/api/v1/pipelines/release", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/pipelines/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartRun(t *testing.T) {
	ts := setupTestServer(t)
	auto := false
	ts.runs.On("StartRun", mock.Anything, "release", map[string]any{"topic": "go"}, pipeline.StartOptions{
		AutoContinue:  &auto,
		StartFromStep: "draft",
	}).Return(&pipeline.RunState{ID: "run-1", PipelineID: "release", Status: pipeline.RunRunning}, nil)
	ts.runs.On("StartRun", mock.Anything, "ghost", mock.Anything, mock.Anything).
		Return(nil, pipeline.ErrPipelineNotFound)

	rec := ts.do(t, http.MethodPost, "/api/v1/pipelines/release/runs", StartRunRequest{
		Input:         map[string]any{"topic": "go"},
		AutoContinue:  &auto,
		StartFromStep: "draft",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "run-1", decode[pipeline.RunState](t, rec).ID)

	rec = ts.do(t, http.MethodPost, "/api/v1/pipelines/ghost/runs", StartRunRequest{})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	ts.runs.AssertExpectations(t)
}

func TestRunLifecycleErrors(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		method string
		err    error
		want   int
	}{
		{"pause ok", "/api/v1/runs/r1/pause", "PauseRun", nil, http.StatusOK},
		{"resume invalid", "/api/v1/runs/r1/resume", "ResumeRun", pipeline.ErrInvalidRunTransition, http.StatusConflict},
		{"cancel missing", "/api/v1/runs/r1/cancel", "CancelRun", pipeline.ErrRunNotFound, http.StatusNotFound},
		{"next busy", "/api/v1/runs/r1/next", "TriggerNextStep", pipeline.ErrRunBusy, http.StatusConflict},
		{"next internal", "/api/v1/runs/r1/next", "TriggerNextStep", errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := setupTestServer(t)
			if tt.err != nil {
				ts.runs.On(tt.method, mock.Anything, "r1").Return(nil, tt.err)
			} else {
				ts.runs.On(tt.method, mock.Anything, "r1").Return(&pipeline.RunState{ID: "r1", Status: pipeline.RunPaused}, nil)
			}
			rec := ts.do(t, http.MethodPost, tt.path, nil)
			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusInternalServerError {
				assert.NotContains(t, rec.Body.String(), "disk full")
				ts.log.AssertLogged(t, zapcore.ErrorLevel, "request failed")
			}
		})
	}
}

func TestListRuns(t *testing.T) {
	ts := setupTestServer(t)
	ts.runs.On("ListRuns", mock.Anything, pipeline.RunFilter{
		PipelineID: "release",
		Statuses:   []pipeline.RunStatus{pipeline.RunRunning, pipeline.RunPaused},
		Limit:      5,
		Offset:     2,
	}).Return(nil, nil)

	rec := ts.do(t, http.MethodGet, "/api/v1/runs?pipeline_id=release&status=running,paused&limit=5&offset=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"runs":[]}`, strings.TrimSpace(rec.Body.String()))

	rec = ts.do(t, http.MethodGet, "/api/v1/runs?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWorkers(t *testing.T) {
	ts := setupTestServer(t)
	key := "role:worker:writer:abc123"

	ts.workers.On("ListActiveWorkers", mock.Anything).
		Return([]*orchestrator.WorkerInfo{{Session: &session.Session{Key: key}}}, nil)
	ts.workers.On("SuperviseWorker", mock.Anything, key).
		Return(&orchestrator.Health{SessionKey: key, Recommendation: orchestrator.RecommendRestart}, nil)
	ts.workers.On("SuperviseWorker", mock.Anything, "nope").Return(nil, session.ErrNotFound)
	ts.workers.On("TerminateWorker", mock.Anything, key, orchestrator.TerminateOptions{Reason: "stuck", Force: true}).
		Return(&session.Session{Key: key, Status: session.StatusStopped}, nil)
	ts.workers.On("RestartWorker", mock.Anything, key, orchestrator.RestartOptions{NewTask: "again"}).
		Return(&session.Session{Key: key + "-2"}, nil)
	ts.workers.On("SpawnWorker", mock.Anything, "writer", "Write docs", orchestrator.SpawnOptions{Title: "Docs"}).
		Return(&orchestrator.SpawnResult{Session: &session.Session{Key: key}}, nil)
	ts.workers.On("Cleanup", mock.Anything, time.Hour, true).Return(&orchestrator.CleanupResult{Pruned: 3}, nil)

	rec := ts.do(t, http.MethodGet, "/api/v1/workers", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/workers/"+key+"/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, orchestrator.RecommendRestart, decode[orchestrator.Health](t, rec).Recommendation)

	rec = ts.do(t, http.MethodGet, "/api/v1/workers/nope/health", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/workers/"+key+"/terminate", TerminateWorkerRequest{Reason: "stuck", Force: true})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/workers/"+key+"/restart", RestartWorkerRequest{NewTask: "again"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, key+"-2", decode[session.Session](t, rec).Key)

	rec = ts.do(t, http.MethodPost, "/api/v1/workers", SpawnWorkerRequest{RoleID: "writer", Task: "Write docs", Title: "Docs"})
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/workers", SpawnWorkerRequest{RoleID: "writer"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/workers/cleanup", CleanupRequest{MaxAge: "1h"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, decode[orchestrator.CleanupResult](t, rec).Pruned)

	rec = ts.do(t, http.MethodPost, "/api/v1/workers/cleanup", CleanupRequest{MaxAge: "soon"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	ts.workers.AssertExpectations(t)
}

func TestReview(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/reviews", ReviewRequest{
		WorkItemID: "item-1",
		Output:     map[string]any{"text": "draft"},
		Criteria:   convergence.Criteria{MinScore: convergence.Score(0.7)},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	result := decode[convergence.Result](t, rec)
	assert.True(t, result.Converged)
	assert.InDelta(t, 0.7, result.FinalScore, 1e-9)

	rec = ts.do(t, http.MethodPost, "/api/v1/reviews", ReviewRequest{WorkItemID: "missing"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/reviews", ReviewRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunEvents(t *testing.T) {
	ts := setupTestServer(t)
	ts.runs.On("GetRunStatus", mock.Anything, "r1").
		Return(&pipeline.RunState{ID: "r1", Status: pipeline.RunRunning}, nil)
	ts.runs.On("GetRunStatus", mock.Anything, "ghost").Return(nil, pipeline.ErrRunNotFound)

	srv := httptest.NewServer(ts.server.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/runs/ghost/events")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/v1/runs/r1/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return ts.bus.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)

	ctx := context.Background()
	other := events.New(events.StepStarted, "r2", "release")
	require.NoError(t, ts.bus.Emit(ctx, other))
	started := events.New(events.StepStarted, "r1", "release")
	started.StepID = "draft"
	require.NoError(t, ts.bus.Emit(ctx, started))
	require.NoError(t, ts.bus.Emit(ctx, events.New(events.RunCompleted, "r1", "release")))

	var kinds []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			kinds = append(kinds, strings.TrimPrefix(line, "event: "))
		}
	}
	assert.Equal(t, []string{"status", "step_started", "run_completed"}, kinds)
}
