package engine

import "sync/atomic"

// Guard is a single-flight gate for one job's action.
//
// It has two states, idle and running. TryAcquire never blocks and never
// queues; Release is unconditional and safe to call when already idle.
// A Guard is owned by exactly one job; when a job is replaced the old guard
// stays with whatever action is still holding it.
type Guard struct {
	running atomic.Bool
}

func NewGuard() *Guard { return &Guard{} }

// TryAcquire moves the guard from idle to running. It reports false, without
// side effects, if the guard is already running.
func (g *Guard) TryAcquire() bool {
	if g == nil {
		return false
	}
	return g.running.CompareAndSwap(false, true)
}

// Release moves the guard back to idle.
func (g *Guard) Release() {
	if g == nil {
		return
	}
	g.running.Store(false)
}

// Running is for diagnostics only; it can be stale by the time it returns.
func (g *Guard) Running() bool {
	if g == nil {
		return false
	}
	return g.running.Load()
}
