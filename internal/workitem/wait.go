package workitem

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrWaitTimeout is returned by Wait when the item is still not terminal
// after the timeout.
var ErrWaitTimeout = errors.New("timed out waiting for work item")

// Defaults for Wait.
const (
	DefaultPollInterval = time.Second
	DefaultWaitTimeout  = 300 * time.Second
)

// WaitOptions bounds a Wait call.
type WaitOptions struct {
	PollInterval time.Duration
	Timeout      time.Duration
}

// Wait polls store until the item reaches a terminal status and returns it.
//
// Expiry returns ErrWaitTimeout together with the last observed item so the
// caller can treat it as an ordinary failure. Context cancellation returns
// ctx.Err(). A missing item returns ErrNotFound immediately.
func Wait(ctx context.Context, store Store, id string, opts WaitOptions) (*WorkItem, error) {
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		item, err := store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if item.Status.IsTerminal() {
			return item, nil
		}

		select {
		case <-ctx.Done():
			return item, ctx.Err()
		case <-deadline.C:
			return item, fmt.Errorf("%w %s after %s (status %s)", ErrWaitTimeout, id, timeout, item.Status)
		case <-ticker.C:
		}
	}
}
