package workflows

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/conductor/internal/logging"
	"github.com/fyrsmithlabs/conductor/internal/orchestrator"
	"github.com/fyrsmithlabs/conductor/internal/session"
)

type mockSupervisor struct {
	mock.Mock
}

func (m *mockSupervisor) ListActiveWorkers(ctx context.Context) ([]*orchestrator.WorkerInfo, error) {
	args := m.Called(ctx)
	workers, _ := args.Get(0).([]*orchestrator.WorkerInfo)
	return workers, args.Error(1)
}

func (m *mockSupervisor) SuperviseWorker(ctx context.Context, key string) (*orchestrator.Health, error) {
	args := m.Called(ctx, key)
	h, _ := args.Get(0).(*orchestrator.Health)
	return h, args.Error(1)
}

func (m *mockSupervisor) RestartWorker(ctx context.Context, key string, opts orchestrator.RestartOptions) (*session.Session, error) {
	args := m.Called(ctx, key, opts)
	s, _ := args.Get(0).(*session.Session)
	return s, args.Error(1)
}

func (m *mockSupervisor) TerminateWorker(ctx context.Context, key string, opts orchestrator.TerminateOptions) (*session.Session, error) {
	args := m.Called(ctx, key, opts)
	s, _ := args.Get(0).(*session.Session)
	return s, args.Error(1)
}

func (m *mockSupervisor) Cleanup(ctx context.Context, maxAge time.Duration, cancelStaleWork bool) (*orchestrator.CleanupResult, error) {
	args := m.Called(ctx, maxAge, cancelStaleWork)
	r, _ := args.Get(0).(*orchestrator.CleanupResult)
	return r, args.Error(1)
}

func activeWorker(key string) *orchestrator.WorkerInfo {
	return &orchestrator.WorkerInfo{Session: &session.Session{Key: key}}
}

func health(key string, rec orchestrator.Recommendation) *orchestrator.Health {
	return &orchestrator.Health{
		SessionKey:     key,
		IsHealthy:      rec == orchestrator.RecommendContinue,
		Recommendation: rec,
		Reason:         "no activity for 10m0s",
	}
}

func TestSuperviseWorkers(t *testing.T) {
	ctx := context.Background()

	t.Run("reports without healing", func(t *testing.T) {
		m := &mockSupervisor{}
		m.On("ListActiveWorkers", mock.Anything).Return([]*orchestrator.WorkerInfo{activeWorker("a"), activeWorker("b")}, nil)
		m.On("SuperviseWorker", mock.Anything, "a").Return(health("a", orchestrator.RecommendContinue), nil)
		m.On("SuperviseWorker", mock.Anything, "b").Return(health("b", orchestrator.RecommendRestart), nil)

		a, err := NewActivities(m, nil)
		require.NoError(t, err)
		result, err := a.SuperviseWorkers(ctx, SuperviseInput{})
		require.NoError(t, err)

		assert.Equal(t, 2, result.Checked)
		assert.Equal(t, 1, result.Healthy)
		require.Len(t, result.Unhealthy, 1)
		assert.Equal(t, "b", result.Unhealthy[0].SessionKey)
		assert.Equal(t, ActionNone, result.Unhealthy[0].Action)
		m.AssertNotCalled(t, "RestartWorker", mock.Anything, mock.Anything, mock.Anything)
		m.AssertExpectations(t)
	})

	t.Run("heals per recommendation", func(t *testing.T) {
		m := &mockSupervisor{}
		m.On("ListActiveWorkers", mock.Anything).
			Return([]*orchestrator.WorkerInfo{activeWorker("stale"), activeWorker("dead"), activeWorker("stuck"), activeWorker("gone")}, nil)
		m.On("SuperviseWorker", mock.Anything, "stale").Return(health("stale", orchestrator.RecommendRestart), nil)
		m.On("SuperviseWorker", mock.Anything, "dead").Return(health("dead", orchestrator.RecommendTerminate), nil)
		m.On("SuperviseWorker", mock.Anything, "stuck").Return(health("stuck", orchestrator.RecommendRestart), nil)
		m.On("SuperviseWorker", mock.Anything, "gone").Return(nil, orchestrator.ErrNotFound)
		m.On("RestartWorker", mock.Anything, "stale", orchestrator.RestartOptions{PreserveTokenUsage: true}).
			Return(&session.Session{Key: "stale-2"}, nil)
		m.On("RestartWorker", mock.Anything, "stuck", mock.Anything).
			Return(nil, errors.New("backend unavailable"))
		m.On("TerminateWorker", mock.Anything, "dead", orchestrator.TerminateOptions{
			Reason:         "no activity for 10m0s",
			MarkWorkFailed: true,
		}).Return(&session.Session{Key: "dead"}, nil)

		log := logging.NewTestLogger()
		a, err := NewActivities(m, log.Underlying())
		require.NoError(t, err)
		result, err := a.SuperviseWorkers(ctx, SuperviseInput{AutoHeal: true})
		require.NoError(t, err)

		assert.Equal(t, 3, result.Checked)
		assert.Equal(t, 1, result.Restarted)
		assert.Equal(t, 1, result.Terminated)
		require.Len(t, result.Unhealthy, 3)

		byKey := map[string]WorkerVerdict{}
		for _, v := range result.Unhealthy {
			byKey[v.SessionKey] = v
		}
		assert.Equal(t, ActionRestarted, byKey["stale"].Action)
		assert.Equal(t, "stale-2", byKey["stale"].NewSessionKey)
		assert.Equal(t, ActionTerminated, byKey["dead"].Action)
		assert.Equal(t, ActionFailed, byKey["stuck"].Action)
		assert.Equal(t, "backend unavailable", byKey["stuck"].Error)

		log.AssertLogged(t, zapcore.WarnLevel, "failed to restart worker")
		m.AssertExpectations(t)
	})

	t.Run("listing failure", func(t *testing.T) {
		m := &mockSupervisor{}
		m.On("ListActiveWorkers", mock.Anything).Return(nil, errors.New("boom"))
		a, err := NewActivities(m, nil)
		require.NoError(t, err)
		_, err = a.SuperviseWorkers(ctx, SuperviseInput{})
		assert.ErrorContains(t, err, "failed to list active workers")
	})
}

func TestCleanupSessions(t *testing.T) {
	m := &mockSupervisor{}
	m.On("Cleanup", mock.Anything, time.Hour, true).Return(&orchestrator.CleanupResult{Pruned: 2, CancelledWork: 1}, nil)
	a, err := NewActivities(m, nil)
	require.NoError(t, err)

	result, err := a.CleanupSessions(context.Background(), CleanupInput{MaxAge: time.Hour, CancelStaleWork: true})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Pruned)
	assert.Equal(t, 1, result.CancelledWork)
}

func TestRunOnce(t *testing.T) {
	m := &mockSupervisor{}
	m.On("ListActiveWorkers", mock.Anything).Return([]*orchestrator.WorkerInfo{}, nil)
	m.On("Cleanup", mock.Anything, time.Minute, false).Return(nil, errors.New("max age must be positive"))
	a, err := NewActivities(m, nil)
	require.NoError(t, err)

	result := RunOnce(context.Background(), a, MaintenanceConfig{CleanupMaxAge: time.Minute})
	require.NotNil(t, result.Supervise)
	assert.Equal(t, 0, result.Supervise.Checked)
	assert.Nil(t, result.Cleanup)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "failed to clean up sessions")
}

func TestNewActivities_RequiresSupervisor(t *testing.T) {
	_, err := NewActivities(nil, nil)
	assert.Error(t, err)
}
