package backend

import (
	"context"
	"sync"
)

// runTracker keeps the cancel funcs of in-flight sessions and the stop
// flags that suppress reporting after a requested stop.
type runTracker struct {
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[string]*run
}

type run struct {
	cancel  context.CancelFunc
	stopped bool
}

func newRunTracker() *runTracker {
	base, cancel := context.WithCancel(context.Background())
	return &runTracker{base: base, cancel: cancel, running: make(map[string]*run)}
}

// start registers key and launches fn with a context that outlives the
// Spawn call but ends on Stop or Close.
func (t *runTracker) start(key string, fn func(ctx context.Context, r *run)) bool {
	ctx, cancel := context.WithCancel(t.base)
	r := &run{cancel: cancel}

	t.mu.Lock()
	if _, exists := t.running[key]; exists {
		t.mu.Unlock()
		cancel()
		return false
	}
	t.running[key] = r
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer t.finish(key)
		defer cancel()
		fn(ctx, r)
	}()
	return true
}

func (t *runTracker) finish(key string) {
	t.mu.Lock()
	delete(t.running, key)
	t.mu.Unlock()
}

// stop flags key as stopped on request and cancels its context.
func (t *runTracker) stop(key string) bool {
	t.mu.Lock()
	r, ok := t.running[key]
	if ok {
		r.stopped = true
	}
	t.mu.Unlock()
	if ok {
		r.cancel()
	}
	return ok
}

func (t *runTracker) isStopped(r *run) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return r.stopped
}

func (t *runTracker) has(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.running[key]
	return ok
}

// close cancels every session and waits until they return or ctx ends.
func (t *runTracker) close(ctx context.Context) error {
	t.mu.Lock()
	for _, r := range t.running {
		r.stopped = true
	}
	t.mu.Unlock()
	t.cancel()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
