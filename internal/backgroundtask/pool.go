// Package backgroundtask implements the in-process execution handle that
// request-bound goroutines publish work to when that work must survive
// client disconnection but needs direct, in-memory access to a live stream
// (e.g. the tee'd body the cache orchestrator writes through to the blob
// store) rather than a serializable message. It is the counterpart to
// repository.BackgroundQueue: the queue carries small, replayable,
// cross-process jobs keyed by cache identity; this pool carries work that
// is bound to the request's own in-memory objects and never needs to
// survive a process restart. Grounded on cmd/worker's own graceful-shutdown
// sync.WaitGroup pattern, generalized into a reusable handle instead of a
// one-off field in main().
package backgroundtask

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Pool tracks in-flight background goroutines so a graceful shutdown can
// wait (bounded by a timeout) for them to finish instead of killing them
// mid-write.
type Pool struct {
	wg     sync.WaitGroup
	logger *slog.Logger
}

// New creates a Pool.
func New(logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{logger: logger}
}

// Go spawns fn on a goroutine detached from ctx's cancellation (so a client
// disconnect does not abort the write) but still carrying ctx's values
// (request ID, logger). fn's error, if any, is logged under name; Go never
// propagates it to the caller, since by definition nothing is left waiting
// for this goroutine's result.
func (p *Pool) Go(ctx context.Context, name string, fn func(context.Context) error) {
	detached := context.WithoutCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := fn(detached); err != nil {
			p.logger.Warn("background task failed",
				slog.String("task", name), slog.String("error", err.Error()))
		}
	}()
}

// Shutdown waits for in-flight background goroutines to complete, bounded
// by timeout. It reports whether every goroutine finished before the
// deadline.
func (p *Pool) Shutdown(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
