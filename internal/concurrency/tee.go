package concurrency

import (
	"io"
	"sync"
)

// Tee fans a single upstream io.Reader out to N consumers without ever
// materializing the full body: each consumer gets its own io.ReadCloser
// backed by an io.Pipe, and a single pump goroutine reads from the source
// once and writes to every pipe. This is the only sanctioned way to share a
// response body across a coalescer's waiters — no call site may read a
// body into a buffer solely to re-emit it.
//
// The source can be supplied either up front (NewTee) or lazily (Start),
// so an owner can publish a Tee the moment it claims ownership — letting
// concurrent waiters Add themselves while the owner is still doing the
// slow work of obtaining the body — and only call Start once that body is
// in hand.
type Tee struct {
	mu      sync.Mutex
	writers []*io.PipeWriter
	started bool
	source  io.Reader
}

// NewTee wraps a source that is already available. Call Add for each
// consumer before calling Start.
func NewTee(source io.Reader) *Tee {
	return &Tee{source: source}
}

// NewPendingTee creates a Tee with no source yet; consumers can Add
// themselves at any point before Start(source) is called.
func NewPendingTee() *Tee {
	return &Tee{}
}

// Add registers a new consumer and returns its reader. ok is false if the
// Tee has already started pumping — the caller missed the window and must
// treat this as a bounded-wait timeout (proceed independently rather than
// as a waiter).
func (t *Tee) Add() (r io.ReadCloser, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return nil, false
	}
	pr, pw := io.Pipe()
	t.writers = append(t.writers, pw)
	return pr, true
}

// Start begins pumping bytes to every registered consumer, from source if
// given (a nil source pumps from whatever was passed to NewTee). It is
// safe to call at most once; subsequent calls are no-ops. Pumping happens
// on a background goroutine so Start returns immediately.
func (t *Tee) Start(source io.Reader) {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return
	}
	t.started = true
	if source != nil {
		t.source = source
	}
	src := t.source
	writers := make([]*io.PipeWriter, len(t.writers))
	copy(writers, t.writers)
	t.mu.Unlock()

	go t.pump(src, writers)
}

func (t *Tee) pump(source io.Reader, writers []*io.PipeWriter) {
	if len(writers) == 0 {
		if closer, ok := source.(io.Closer); ok {
			_ = closer.Close()
		}
		return
	}

	ws := make([]io.Writer, len(writers))
	for i, w := range writers {
		ws[i] = w
	}
	mw := io.MultiWriter(ws...)

	_, err := io.Copy(mw, source)
	for _, w := range writers {
		w.CloseWithError(err)
	}
	if closer, ok := source.(io.Closer); ok {
		_ = closer.Close()
	}
}
