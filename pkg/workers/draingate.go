// Package workers tracks the background goroutines a connection spawns and
// coordinates their teardown: a registry with spawn/cancel/drain primitives
// plus the DrainGate barrier used during cleanup.
package workers

import "sync"

// DrainGate allows many concurrent holders but provides a barrier that
// waits for all holders to leave.
//
// Use acquires a non-exclusive slot and blocks while a drain is in
// progress. Drain waits for all outstanding slots to release and then holds
// the gate exclusively; new Use callers block until the drain holder
// releases.
type DrainGate struct {
	mu sync.RWMutex
}

// Use acquires a non-exclusive slot. The returned func releases it.
func (g *DrainGate) Use() (release func()) {
	g.mu.RLock()
	return g.mu.RUnlock
}

// Drain waits until every outstanding slot is released, then passes
// exclusively. The returned func releases the exclusive hold.
func (g *DrainGate) Drain() (release func()) {
	g.mu.Lock()
	return g.mu.Unlock
}
