package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/conductor/internal/config"
	"github.com/fyrsmithlabs/conductor/internal/session"
)

// Remote session states reported by the gateway.
const (
	RemoteStarting  = "starting"
	RemoteRunning   = "running"
	RemoteCompleted = "completed"
	RemoteFailed    = "failed"
	RemoteStopped   = "stopped"
)

// maxPollFailures is how many consecutive failed status polls end a session.
const maxPollFailures = 5

// RemoteSession is the gateway's view of a session.
type RemoteSession struct {
	Key      string             `json:"session_key"`
	Status   string             `json:"status"`
	Output   map[string]any     `json:"output,omitempty"`
	Error    string             `json:"error,omitempty"`
	ExitCode int                `json:"exit_code,omitempty"`
	Usage    session.TokenUsage `json:"usage"`
}

// Gateway drives sessions on a remote agent gateway:
//
//	POST /v1/sessions                  start (body: SpawnRequest)
//	GET  /v1/sessions/{key}            status
//	POST /v1/sessions/{key}/stop       stop ({"force": bool})
//	POST /v1/sessions/{key}/messages   message ({"text": string})
//
// Every call waits on a shared rate limiter and is retried with exponential
// backoff on 429, 5xx and transport errors. Session progress is observed by
// polling and translated into Reporter callbacks.
type Gateway struct {
	base    *url.URL
	client  *http.Client
	limiter *rate.Limiter
	retry   RetryConfig
	poll    time.Duration
	logger  *zap.Logger
	runs    *runTracker
}

func NewGateway(cfg config.GatewayBackendConfig, logger *zap.Logger) (*Gateway, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("gateway backend requires a url")
	}
	base, err := url.Parse(strings.TrimSuffix(cfg.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid gateway url: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := &http.Client{Timeout: cfg.Timeout.Or(30 * time.Second)}
	if cfg.Token.IsSet() {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token.Value(), TokenType: "Bearer"})
		client = &http.Client{
			Timeout:   client.Timeout,
			Transport: &oauth2.Transport{Source: ts, Base: http.DefaultTransport},
		}
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Gateway{
		base:    base,
		client:  client,
		limiter: rate.NewLimiter(limit, burst),
		retry:   RetryConfig{MaxRetries: cfg.MaxRetries},
		poll:    cfg.PollInterval.Or(2 * time.Second),
		logger:  logger,
		runs:    newRunTracker(),
	}, nil
}

func (g *Gateway) Name() string { return config.BackendGateway }

func (g *Gateway) endpoint(parts ...string) string {
	u := *g.base
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.Join(escaped, "/")
	return u.String()
}

// do sends one request, retrying per g.retry, and decodes a JSON response
// into out when out is non-nil.
func (g *Gateway) do(ctx context.Context, name, method, target string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("failed to encode %s request: %w", name, err)
		}
	}

	return withRetry(ctx, g.retry, g.logger, name, func() error {
		if err := g.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("failed to build %s request: %w", name, err)
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := g.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return &StatusError{
				StatusCode: resp.StatusCode,
				Body:       strings.TrimSpace(string(msg)),
				RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			}
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", name, err)
		}
		return nil
	})
}

func (g *Gateway) Spawn(ctx context.Context, req SpawnRequest) error {
	if err := req.Validate(); err != nil {
		return fmt.Errorf("invalid spawn request: %w", err)
	}
	if err := g.do(ctx, "spawn", http.MethodPost, g.endpoint("v1", "sessions"), req, nil); err != nil {
		return fmt.Errorf("failed to spawn session on gateway: %w", err)
	}
	if !g.runs.start(req.SessionKey, func(runCtx context.Context, r *run) { g.watch(runCtx, r, req) }) {
		return fmt.Errorf("session %s already running", req.SessionKey)
	}
	return nil
}

// Status fetches the gateway's view of a session.
func (g *Gateway) Status(ctx context.Context, sessionKey string) (*RemoteSession, error) {
	var rs RemoteSession
	if err := g.do(ctx, "status", http.MethodGet, g.endpoint("v1", "sessions", sessionKey), nil, &rs); err != nil {
		return nil, err
	}
	return &rs, nil
}

// watch polls a session until it reaches a final state.
func (g *Gateway) watch(ctx context.Context, r *run, req SpawnRequest) {
	log := g.logger.With(zap.String("session_key", req.SessionKey))
	reportCtx := context.WithoutCancel(ctx)
	rep := req.Reporter

	var (
		started  bool
		seen     session.TokenUsage
		failures int
	)
	ticker := time.NewTicker(g.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		rs, err := g.Status(ctx, req.SessionKey)
		if g.runs.isStopped(r) {
			return
		}
		if err != nil {
			var se *StatusError
			if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
				g.report(reportCtx, log, rep, req.SessionKey, 1, "session no longer exists on gateway")
				return
			}
			failures++
			log.Warn("gateway status poll failed", zap.Int("consecutive_failures", failures), zap.Error(err))
			if failures >= maxPollFailures {
				g.report(reportCtx, log, rep, req.SessionKey, 1, fmt.Sprintf("lost contact with gateway: %v", err))
				return
			}
			continue
		}
		failures = 0

		if !started && rs.Status != RemoteStarting {
			started = true
			if err := rep.StartSessionWork(reportCtx, req.SessionKey); err != nil {
				log.Warn("failed to report session start", zap.Error(err))
			}
		}
		if delta := usageDelta(seen, rs.Usage); delta != (session.TokenUsage{}) || rs.Status == RemoteRunning {
			seen = rs.Usage
			if err := rep.RecordActivity(reportCtx, req.SessionKey, delta); err != nil {
				log.Debug("failed to record activity", zap.Error(err))
			}
		}

		switch rs.Status {
		case RemoteCompleted:
			if err := rep.HandleSessionComplete(reportCtx, req.SessionKey, rs.Output); err != nil {
				log.Warn("failed to report session completion", zap.Error(err))
			}
			return
		case RemoteFailed:
			code := rs.ExitCode
			if code == 0 {
				code = 1
			}
			g.report(reportCtx, log, rep, req.SessionKey, code, rs.Error)
			return
		case RemoteStopped:
			g.report(reportCtx, log, rep, req.SessionKey, 1, "session stopped by gateway")
			return
		}
	}
}

func (g *Gateway) report(ctx context.Context, log *zap.Logger, rep Reporter, key string, code int, msg string) {
	if msg == "" {
		msg = "session failed on gateway"
	}
	if err := rep.HandleSessionFailed(ctx, key, code, msg); err != nil {
		log.Warn("failed to report session failure", zap.Error(err))
	}
}

// usageDelta returns cur minus prev, treating a token counter reset as a
// fresh start. Cache and cost deltas never go negative.
func usageDelta(prev, cur session.TokenUsage) session.TokenUsage {
	if cur.InputTokens < prev.InputTokens || cur.OutputTokens < prev.OutputTokens {
		return cur
	}
	return session.TokenUsage{
		InputTokens:      cur.InputTokens - prev.InputTokens,
		OutputTokens:     cur.OutputTokens - prev.OutputTokens,
		CacheReadTokens:  max(cur.CacheReadTokens-prev.CacheReadTokens, 0),
		CacheWriteTokens: max(cur.CacheWriteTokens-prev.CacheWriteTokens, 0),
		CostUSD:          max(cur.CostUSD-prev.CostUSD, 0),
	}
}

func (g *Gateway) Stop(ctx context.Context, sessionKey string, force bool) error {
	known := g.runs.stop(sessionKey)
	err := g.do(ctx, "stop", http.MethodPost, g.endpoint("v1", "sessions", sessionKey, "stop"), map[string]bool{"force": force}, nil)
	var se *StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionKey)
	}
	if err != nil {
		return fmt.Errorf("failed to stop session on gateway: %w", err)
	}
	if !known {
		g.logger.Debug("stopped session not watched locally", zap.String("session_key", sessionKey))
	}
	return nil
}

func (g *Gateway) Send(ctx context.Context, sessionKey, message string) error {
	err := g.do(ctx, "send", http.MethodPost, g.endpoint("v1", "sessions", sessionKey, "messages"), map[string]string{"text": message}, nil)
	var se *StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionKey)
	}
	if err != nil {
		return fmt.Errorf("failed to send message via gateway: %w", err)
	}
	return nil
}

func (g *Gateway) Close(ctx context.Context) error {
	return g.runs.close(ctx)
}
