package pipeline

import (
	"context"
	"sync"
)

// gate is the continuation flag of the one loop allowed to advance a run.
type gate struct {
	cont    bool
	resumed bool
	cancel  context.CancelFunc
}

// gateTable owns the per-run gates and counts the loops holding them.
type gateTable struct {
	mu     sync.Mutex
	gates  map[string]*gate
	closed bool
	wg     sync.WaitGroup
}

func newGateTable() *gateTable {
	return &gateTable{gates: make(map[string]*gate)}
}

// claim gives the caller ownership of runID. When another loop already
// owns it, claim returns false; with reopen set the owning loop is told to
// keep going instead.
func (t *gateTable) claim(runID string, cancel context.CancelFunc, reopen bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	if g, ok := t.gates[runID]; ok {
		if reopen {
			g.cont = true
			g.resumed = true
		}
		return false
	}
	t.gates[runID] = &gate{cont: true, cancel: cancel}
	t.wg.Add(1)
	return true
}

// setCancel replaces the cancel func of an owned gate.
func (t *gateTable) setCancel(runID string, cancel context.CancelFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if g, ok := t.gates[runID]; ok {
		g.cancel = cancel
	}
}

// open reports whether the owner of runID should take another step.
func (t *gateTable) open(runID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.gates[runID]
	return ok && g.cont
}

// active reports whether a loop owns runID.
func (t *gateTable) active(runID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.gates[runID]
	return ok
}

// stop closes the gate. The owner notices at its next step boundary; with
// interrupt set its context is cancelled so an in-flight wait returns.
func (t *gateTable) stop(runID string, interrupt bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.gates[runID]
	if !ok {
		return
	}
	g.cont = false
	if interrupt && g.cancel != nil {
		g.cancel()
	}
}

// release ends ownership. If the run was resumed while the owner was
// winding down, ownership is kept and release returns true.
func (t *gateTable) release(runID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.gates[runID]
	if !ok {
		return false
	}
	if g.resumed && !t.closed {
		g.resumed = false
		g.cont = true
		return true
	}
	delete(t.gates, runID)
	if g.cancel != nil {
		g.cancel()
	}
	t.wg.Done()
	return false
}

// closeAll stops every gate and refuses new claims.
func (t *gateTable) closeAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for _, g := range t.gates {
		g.cont = false
		if g.cancel != nil {
			g.cancel()
		}
	}
}

// wait blocks until every owner has released or ctx ends.
func (t *gateTable) wait(ctx context.Context) error {
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
