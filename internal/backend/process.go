package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductor/internal/config"
	"github.com/fyrsmithlabs/conductor/internal/session"
)

const (
	// stderrTail bounds how much stderr ends up in a failure message.
	stderrTail = 2048

	// stopGrace is how long a SIGTERM'd worker gets before SIGKILL.
	stopGrace = 5 * time.Second

	maxLineBytes = 1 << 20
)

// Process runs each session as a local command.
//
// The command receives the SpawnRequest as a single JSON document on stdin.
// Each stdout line that is a JSON object with a "type" field is a protocol
// message:
//
//	{"type":"usage","input_tokens":120,"output_tokens":40}
//	{"type":"result","output":{...}}
//
// Other lines are collected as text. On exit 0 the session completes with
// the last result's output, or with the whole stdout parsed as a JSON object,
// or with {"text": stdout}. A non-zero exit fails the session with the tail
// of stderr.
type Process struct {
	cfg    config.ProcessBackendConfig
	logger *zap.Logger
	runs   *runTracker

	mu     sync.Mutex
	stdins map[string]*stdinWriter
	procs  map[string]*exec.Cmd
}

// stdinWriter serializes whole-line writes to one worker's stdin.
type stdinWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *stdinWriter) writeLine(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.w.Write(append(data, '\n'))
	return err
}

func NewProcess(cfg config.ProcessBackendConfig, logger *zap.Logger) (*Process, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("process backend requires a command")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Process{
		cfg:    cfg,
		logger: logger,
		runs:   newRunTracker(),
		stdins: make(map[string]*stdinWriter),
		procs:  make(map[string]*exec.Cmd),
	}, nil
}

func (p *Process) Name() string { return config.BackendProcess }

type processMessage struct {
	Type string `json:"type"`
	session.TokenUsage
	Output map[string]any `json:"output,omitempty"`
}

// Environment variables set for every worker command.
const (
	EnvSessionKey = "CONDUCTOR_SESSION_KEY"
	EnvRoleID     = "CONDUCTOR_ROLE_ID"
	EnvWorkItemID = "CONDUCTOR_WORK_ITEM_ID"
	EnvModel      = "CONDUCTOR_MODEL"
)

func (p *Process) command(ctx context.Context, req SpawnRequest) *exec.Cmd {
	cmd := exec.CommandContext(ctx, p.cfg.Command, p.cfg.Args...)
	cmd.Dir = p.cfg.WorkDir
	cmd.Env = append(os.Environ(),
		EnvSessionKey+"="+req.SessionKey,
		EnvRoleID+"="+req.Role.ID,
		EnvWorkItemID+"="+req.WorkItemID,
		EnvModel+"="+req.Role.Model,
	)
	for k, v := range p.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = stopGrace
	return cmd
}

func (p *Process) Spawn(ctx context.Context, req SpawnRequest) error {
	if err := req.Validate(); err != nil {
		return fmt.Errorf("invalid spawn request: %w", err)
	}
	envelope, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode task envelope: %w", err)
	}

	started := make(chan error, 1)
	ok := p.runs.start(req.SessionKey, func(runCtx context.Context, r *run) {
		p.execute(runCtx, r, req, envelope, started)
	})
	if !ok {
		return fmt.Errorf("session %s already running", req.SessionKey)
	}

	select {
	case err := <-started:
		return err
	case <-ctx.Done():
		p.runs.stop(req.SessionKey)
		return ctx.Err()
	}
}

func (p *Process) execute(ctx context.Context, r *run, req SpawnRequest, envelope []byte, started chan<- error) {
	log := p.logger.With(zap.String("session_key", req.SessionKey), zap.String("command", p.cfg.Command))
	cmd := p.command(ctx, req)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		started <- fmt.Errorf("failed to open stdin: %w", err)
		return
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		started <- fmt.Errorf("failed to open stdout: %w", err)
		return
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		started <- fmt.Errorf("failed to start worker command: %w", err)
		return
	}

	// The envelope goes first so Send never interleaves ahead of it.
	if _, err := stdin.Write(append(envelope, '\n')); err != nil {
		log.Warn("failed to write task envelope", zap.Error(err))
	}
	if !p.cfg.KeepStdinOpen {
		_ = stdin.Close()
	}

	p.mu.Lock()
	p.procs[req.SessionKey] = cmd
	if p.cfg.KeepStdinOpen {
		p.stdins[req.SessionKey] = &stdinWriter{w: stdin}
	}
	p.mu.Unlock()
	started <- nil
	defer func() {
		p.mu.Lock()
		delete(p.procs, req.SessionKey)
		delete(p.stdins, req.SessionKey)
		p.mu.Unlock()
	}()

	reportCtx := context.WithoutCancel(ctx)
	if err := req.Reporter.StartSessionWork(reportCtx, req.SessionKey); err != nil {
		log.Warn("failed to report session start", zap.Error(err))
	}

	result, text, readErr := p.readOutput(reportCtx, log, req, stdout)
	if readErr != nil {
		// Keep the pipe draining so the command can exit.
		_, _ = io.Copy(io.Discard, stdout)
	}
	waitErr := cmd.Wait()

	if p.runs.isStopped(r) {
		log.Debug("worker stopped on request")
		return
	}

	if readErr != nil {
		code := 1
		var ee *exec.ExitError
		if errors.As(waitErr, &ee) && ee.ExitCode() > 0 {
			code = ee.ExitCode()
		}
		log.Warn("failed to read worker output", zap.Error(readErr))
		if err := req.Reporter.HandleSessionFailed(reportCtx, req.SessionKey, code, readErr.Error()); err != nil {
			log.Warn("failed to report session failure", zap.Error(err))
		}
		return
	}

	if waitErr != nil {
		code := 1
		var ee *exec.ExitError
		if errors.As(waitErr, &ee) && ee.ExitCode() > 0 {
			code = ee.ExitCode()
		}
		msg := tail(stderr.String(), stderrTail)
		if msg == "" {
			msg = waitErr.Error()
		}
		log.Info("worker command failed", zap.Int("exit_code", code))
		if err := req.Reporter.HandleSessionFailed(reportCtx, req.SessionKey, code, msg); err != nil {
			log.Warn("failed to report session failure", zap.Error(err))
		}
		return
	}

	if result == nil {
		result = parseTextOutput(text)
	}
	if err := req.Reporter.HandleSessionComplete(reportCtx, req.SessionKey, result); err != nil {
		log.Warn("failed to report session completion", zap.Error(err))
	}
}

// readOutput consumes stdout, forwarding usage messages as activity. It
// stops at the first read error, including a line over maxLineBytes.
func (p *Process) readOutput(ctx context.Context, log *zap.Logger, req SpawnRequest, stdout io.Reader) (map[string]any, string, error) {
	var (
		result map[string]any
		text   strings.Builder
	)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Text()
		var msg processMessage
		if strings.HasPrefix(strings.TrimSpace(line), "{") && json.Unmarshal([]byte(line), &msg) == nil && msg.Type != "" {
			switch msg.Type {
			case "usage":
				if err := req.Reporter.RecordActivity(ctx, req.SessionKey, msg.TokenUsage); err != nil {
					log.Debug("failed to record activity", zap.Error(err))
				}
				continue
			case "result":
				result = msg.Output
				if result == nil {
					result = map[string]any{}
				}
				continue
			}
		}
		text.WriteString(line)
		text.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, "", fmt.Errorf("worker output line exceeds %d bytes: %w", maxLineBytes, err)
		}
		return nil, "", fmt.Errorf("failed to read worker output: %w", err)
	}
	return result, text.String(), nil
}

func parseTextOutput(text string) map[string]any {
	trimmed := strings.TrimSpace(text)
	var obj map[string]any
	if strings.HasPrefix(trimmed, "{") && json.Unmarshal([]byte(trimmed), &obj) == nil {
		return obj
	}
	return map[string]any{"text": trimmed}
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// Stop terminates a worker: SIGTERM with a grace period, or SIGKILL when
// force is set.
func (p *Process) Stop(_ context.Context, sessionKey string, force bool) error {
	p.mu.Lock()
	cmd := p.procs[sessionKey]
	p.mu.Unlock()

	if !p.runs.stop(sessionKey) {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionKey)
	}
	if force && cmd != nil && cmd.Process != nil {
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("failed to kill worker: %w", err)
		}
	}
	return nil
}

// Send writes {"type":"message","text":...} to the worker's stdin. It needs
// keep_stdin_open.
func (p *Process) Send(_ context.Context, sessionKey, message string) error {
	if !p.cfg.KeepStdinOpen {
		return fmt.Errorf("%w: stdin is closed after the task envelope", ErrNotSupported)
	}
	p.mu.Lock()
	w, ok := p.stdins[sessionKey]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionKey)
	}
	data, err := json.Marshal(map[string]string{"type": "message", "text": message})
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	// A worker that stops reading blocks only this session's senders.
	if err := w.writeLine(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (p *Process) Close(ctx context.Context) error {
	return p.runs.close(ctx)
}
