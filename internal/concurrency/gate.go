package concurrency

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/erfianugrah/edgevidcache/internal/cacheerr"
)

// Gate is a counted semaphore with a soft_limit
// (permits available for immediate acquisition) and a hard_limit (maximum
// queue depth). Submissions beyond hard_limit fail fast with a
// cacheerr.ErrBackpressure error, which the orchestrator surfaces as a
// retryable fallback trigger rather than blocking indefinitely.
type Gate struct {
	sem        *semaphore.Weighted
	softLimit  int64
	hardLimit  int64
	queueDepth atomic.Int64
}

// NewGate creates a Gate. softLimit is the number of permits available for
// immediate acquisition; hardLimit bounds how many callers may be queued
// waiting for a permit before new submissions are rejected outright.
func NewGate(softLimit, hardLimit int) *Gate {
	if softLimit <= 0 {
		softLimit = 1
	}
	if hardLimit < softLimit {
		hardLimit = softLimit
	}
	return &Gate{
		sem:       semaphore.NewWeighted(int64(softLimit)),
		softLimit: int64(softLimit),
		hardLimit: int64(hardLimit),
	}
}

// Acquire blocks for a permit, honoring ctx cancellation, and fails fast
// with cacheerr.ErrBackpressure when the queue is already at hard_limit.
func (g *Gate) Acquire(ctx context.Context) (func(), error) {
	depth := g.queueDepth.Add(1)
	if depth > g.hardLimit {
		g.queueDepth.Add(-1)
		return nil, cacheerr.Concurrency("gate.acquire", cacheerr.ErrBackpressure)
	}

	if err := g.sem.Acquire(ctx, 1); err != nil {
		g.queueDepth.Add(-1)
		return nil, cacheerr.Concurrency("gate.acquire", err)
	}
	g.queueDepth.Add(-1)

	var released atomic.Bool
	release := func() {
		if released.CompareAndSwap(false, true) {
			g.sem.Release(1)
		}
	}
	return release, nil
}

// TryAcquire attempts a non-blocking acquisition, returning ok=false if no
// permit is immediately available (regardless of hard_limit).
func (g *Gate) TryAcquire() (release func(), ok bool) {
	if !g.sem.TryAcquire(1) {
		return nil, false
	}
	var released atomic.Bool
	return func() {
		if released.CompareAndSwap(false, true) {
			g.sem.Release(1)
		}
	}, true
}

// QueueDepth returns the current number of callers waiting on Acquire.
func (g *Gate) QueueDepth() int64 {
	return g.queueDepth.Load()
}
