// Package coalescer implements single-flight request deduplication keyed
// by cache identity: the first concurrent request for a given identity
// becomes the owner and does the real work; concurrent arrivals for the
// same identity attach as waiters and receive a tee'd copy of whatever the
// owner eventually produces, instead of each repeating the same upstream
// work.
package coalescer

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/erfianugrah/edgevidcache/internal/concurrency"
	"github.com/erfianugrah/edgevidcache/internal/infrastructure/metrics"
)

// ErrWaitTimeout is returned by Entry.WaitStarted when the owner has not
// begun producing a body within the configured bound. The caller should
// treat this exactly as if no in-flight work existed — proceed as an
// independent owner rather than fail the request.
var ErrWaitTimeout = errors.New("coalescer: bounded wait exceeded")

// Config holds the coalescer's tunables.
type Config struct {
	// MaxEntries bounds the in-flight table's size.
	MaxEntries int
	// EntryTTL bounds how long an in-flight entry may sit in the table —
	// a safety net against a leaked entry whose owner never released it.
	EntryTTL time.Duration
	// WaitTimeout bounds how long a waiter waits for the owner to start
	// producing a body before giving up and proceeding independently.
	WaitTimeout time.Duration
}

// DefaultConfig returns a 1,000-entry table with a 5-minute TTL and a
// 5-minute bounded wait, matching the in-flight table and waiter-timeout
// defaults.
func DefaultConfig() Config {
	return Config{MaxEntries: 1000, EntryTTL: 5 * time.Minute, WaitTimeout: 5 * time.Minute}
}

// Coalescer is the request coalescer: a single-flight map keyed by cache
// identity, backed by a bounded LRU in-flight table.
type Coalescer struct {
	table *concurrency.BoundedLRU[string, *Entry]
	cfg   Config
}

// New creates a Coalescer.
func New(cfg Config) *Coalescer {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 1000
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 5 * time.Minute
	}
	return &Coalescer{
		table: concurrency.New[string, *Entry](cfg.MaxEntries, cfg.EntryTTL),
		cfg:   cfg,
	}
}

// Entry is an in-flight entry: a pending tee that the owner will eventually
// start, and a channel other goroutines can wait on to know when that
// happens.
type Entry struct {
	tee     *concurrency.Tee
	started chan struct{}
	once    sync.Once
}

func newEntry() *Entry {
	return &Entry{tee: concurrency.NewPendingTee(), started: make(chan struct{})}
}

// Add registers the caller as a tee consumer. ok is false if the owner has
// already called Start — the caller missed the attach window and must
// treat this exactly like a WaitStarted timeout.
func (e *Entry) Add() (io.ReadCloser, bool) {
	return e.tee.Add()
}

// Start is called exactly once, by the owner, once it has a body in hand
// (or an error reader standing in for one on the failure path). It begins
// pumping to every consumer added so far and unblocks every WaitStarted
// call.
func (e *Entry) Start(source io.Reader) {
	e.tee.Start(source)
	e.once.Do(func() { close(e.started) })
}

// WaitStarted blocks until the owner calls Start, ctx is cancelled, or
// timeout elapses, whichever comes first.
func (e *Entry) WaitStarted(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-e.started:
		return nil
	case <-timer.C:
		return ErrWaitTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Acquire attaches to ci's in-flight work, becoming the owner if none
// exists yet. The caller MUST call Release(ci) in a finally-style guarantee
// once it's done being the owner (waiters must not call Release).
func (c *Coalescer) Acquire(ci string) (entry *Entry, isOwner bool) {
	candidate := newEntry()
	actual, loaded := c.table.LoadOrStore(ci, candidate)
	if !loaded {
		metrics.CoalescerRequestsTotal.WithLabelValues(metrics.CoalesceOwner).Inc()
		return actual, true
	}
	metrics.CoalescerRequestsTotal.WithLabelValues(metrics.CoalesceWaiter).Inc()
	return actual, false
}

// Release removes ci's in-flight entry. Only the owner calls this, after
// Start has been called (success or failure) — the finally-style guarantee
// that keeps a failed owner from leaking an entry that never unblocks its
// waiters' reads (Start itself already unblocked them; this just frees the
// table slot for the next miss).
func (c *Coalescer) Release(ci string) {
	c.table.Delete(ci)
}

// Wait attaches the caller to ci as a waiter and blocks (bounded by the
// coalescer's configured WaitTimeout) until the owner starts producing a
// body. On success it returns the waiter's own tee consumer. On timeout or
// a missed attach window it returns ErrWaitTimeout, and the caller should
// proceed as an independent owner (metrics already record this as the
// "timeout" outcome).
func (c *Coalescer) Wait(ctx context.Context, entry *Entry) (io.ReadCloser, error) {
	r, ok := entry.Add()
	if !ok {
		metrics.CoalescerRequestsTotal.WithLabelValues(metrics.CoalesceTimeout).Inc()
		return nil, ErrWaitTimeout
	}
	if err := entry.WaitStarted(ctx, c.cfg.WaitTimeout); err != nil {
		_ = r.Close()
		if errors.Is(err, ErrWaitTimeout) {
			metrics.CoalescerRequestsTotal.WithLabelValues(metrics.CoalesceTimeout).Inc()
		}
		return nil, err
	}
	return r, nil
}
