package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductor/internal/payload"
	"github.com/fyrsmithlabs/conductor/internal/role"
	"github.com/fyrsmithlabs/conductor/internal/session"
)

// Script produces the output of one session. Returning an error fails the
// session; wrap it in an ExitError to choose the exit code.
type Script func(ctx context.Context, req SpawnRequest) (map[string]any, error)

// Scripted runs sessions in-process by calling a Script.
type Scripted struct {
	name   string
	script Script
	delay  time.Duration
	logger *zap.Logger
	runs   *runTracker

	mu       sync.Mutex
	messages map[string][]string
	spawned  []SpawnRequest
}

// ScriptedOption configures a Scripted backend.
type ScriptedOption func(*Scripted)

// WithDelay makes every session take d before producing output.
func WithDelay(d time.Duration) ScriptedOption {
	return func(s *Scripted) { s.delay = d }
}

// WithName overrides the backend name.
func WithName(name string) ScriptedOption {
	return func(s *Scripted) { s.name = name }
}

func NewScripted(script Script, logger *zap.Logger, opts ...ScriptedOption) *Scripted {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scripted{
		name:     "scripted",
		script:   script,
		logger:   logger,
		runs:     newRunTracker(),
		messages: make(map[string][]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewEcho returns a backend whose sessions complete with their own task and
// input, which is enough to dry-run a pipeline end to end.
func NewEcho(logger *zap.Logger, opts ...ScriptedOption) *Scripted {
	opts = append([]ScriptedOption{WithName("echo")}, opts...)
	return NewScripted(EchoScript, logger, opts...)
}

// EchoScript answers reviewers with a passing score and everyone else with
// their own task and input.
func EchoScript(_ context.Context, req SpawnRequest) (map[string]any, error) {
	if req.Role.ID == role.ReviewerID {
		return map[string]any{"score": 1.0, "feedback": "accepted by echo backend"}, nil
	}
	out := map[string]any{"result": req.Task, "role": req.Role.ID}
	if len(req.Input) > 0 {
		out["input"] = payload.Clone(req.Input)
	}
	return out, nil
}

func (s *Scripted) Name() string { return s.name }

func (s *Scripted) Spawn(ctx context.Context, req SpawnRequest) error {
	if err := req.Validate(); err != nil {
		return fmt.Errorf("invalid spawn request: %w", err)
	}
	s.mu.Lock()
	s.spawned = append(s.spawned, req)
	s.mu.Unlock()

	if !s.runs.start(req.SessionKey, func(ctx context.Context, r *run) { s.execute(ctx, r, req) }) {
		return fmt.Errorf("session %s already running", req.SessionKey)
	}
	return nil
}

func (s *Scripted) execute(ctx context.Context, r *run, req SpawnRequest) {
	log := s.logger.With(zap.String("session_key", req.SessionKey))
	rep := req.Reporter

	if err := rep.StartSessionWork(ctx, req.SessionKey); err != nil {
		log.Warn("failed to report session start", zap.Error(err))
	}

	if s.delay > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(s.delay):
		}
	}
	if s.runs.isStopped(r) {
		log.Debug("session stopped before completion")
		return
	}

	out, err := s.script(ctx, req)
	if s.runs.isStopped(r) {
		return
	}
	if ctx.Err() != nil && err == nil {
		err = ctx.Err()
	}

	// Report with a fresh context: the session context may already be done.
	reportCtx := context.WithoutCancel(ctx)
	if err != nil {
		if rerr := rep.HandleSessionFailed(reportCtx, req.SessionKey, exitCode(err), err.Error()); rerr != nil {
			log.Warn("failed to report session failure", zap.Error(rerr))
		}
		return
	}
	if rerr := rep.RecordActivity(reportCtx, req.SessionKey, session.TokenUsage{}); rerr != nil {
		log.Debug("failed to record activity", zap.Error(rerr))
	}
	if rerr := rep.HandleSessionComplete(reportCtx, req.SessionKey, out); rerr != nil {
		log.Warn("failed to report session completion", zap.Error(rerr))
	}
}

func (s *Scripted) Stop(_ context.Context, sessionKey string, _ bool) error {
	if !s.runs.stop(sessionKey) {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionKey)
	}
	return nil
}

// Send records the message. Scripts can read it with Messages.
func (s *Scripted) Send(_ context.Context, sessionKey, message string) error {
	if !s.runs.has(sessionKey) {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionKey)
	}
	s.mu.Lock()
	s.messages[sessionKey] = append(s.messages[sessionKey], message)
	s.mu.Unlock()
	return nil
}

// Messages returns the messages sent to a session.
func (s *Scripted) Messages(sessionKey string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.messages[sessionKey]...)
}

// Spawned returns every request received so far, in order.
func (s *Scripted) Spawned() []SpawnRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SpawnRequest(nil), s.spawned...)
}

func (s *Scripted) Close(ctx context.Context) error {
	return s.runs.close(ctx)
}
