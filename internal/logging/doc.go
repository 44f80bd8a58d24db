// Package logging provides structured logging for conductor.
//
// It wraps Zap with:
//   - a Trace level (-2, below Debug) for poll-tick detail
//   - dual output (stdout + OpenTelemetry log bridge)
//   - correlation fields taken from the context: trace/span ids, run id,
//     step id, session key, request id
//   - redaction of secret-like fields (gateway tokens, database DSNs)
//   - level-aware sampling (errors are never sampled)
//
// Services keep taking a plain *zap.Logger. WithContext decorates one with
// the context's correlation fields:
//
//	ctx = logging.WithRunID(ctx, run.ID)
//	logging.WithContext(ctx, r.logger).Info("step completed", zap.String("step_id", id))
//
// Tests use NewTestLogger, which records entries through zaptest/observer.
package logging
