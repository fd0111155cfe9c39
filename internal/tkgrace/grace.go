// Package tkgrace provides epoch-based grace periods, which allow writers to
// wait until every concurrent lock-free reader has passed a safe point.
//
// Readers bracket their critical sections with Enter and Exit, and never
// block. A writer that has unpublished some state calls Synchronize, which
// returns only once every reader that could still observe the old state has
// exited its critical section. After Synchronize returns, the writer may
// safely reclaim or tear down that state.
package tkgrace

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Grace tracks lock-free reader critical sections across two alternating
// epochs. The zero value is ready to use.
type Grace struct {
	epoch   atomic.Uint64
	readers [2]atomic.Int64
	writers sync.Mutex
}

// Enter marks the beginning of a reader critical section and returns a token
// which must be passed to Exit. Enter never blocks.
func (g *Grace) Enter() uint64 {
	for {
		e := g.epoch.Load()
		g.readers[e&1].Add(1)

		// If the epoch is unchanged, the writer (if any) will observe our
		// increment and wait for us.
		if g.epoch.Load() == e {
			return e
		}

		// A writer advanced the epoch between the load and the increment.
		// Back out and retry against the new epoch, so we are never counted
		// against a grace period that has already begun.
		g.readers[e&1].Add(-1)
	}
}

// Exit marks the end of a reader critical section begun by Enter.
func (g *Grace) Exit(token uint64) {
	g.readers[token&1].Add(-1)
}

// Synchronize advances the epoch and waits until every reader that entered
// under the previous epoch has exited. Writers are serialized against each
// other, so at most two epochs are ever live.
func (g *Grace) Synchronize() {
	g.writers.Lock()
	defer g.writers.Unlock()

	prev := g.epoch.Load()
	g.epoch.Add(1)

	for g.readers[prev&1].Load() != 0 {
		runtime.Gosched()
	}
}
