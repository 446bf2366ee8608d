package coalescer

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestCoalescer_FirstAcquireBecomesOwner(t *testing.T) {
	c := New(DefaultConfig())
	entry, isOwner := c.Acquire("ci1")
	if !isOwner {
		t.Fatalf("expected first acquire to become owner")
	}
	if entry == nil {
		t.Fatalf("expected a non-nil entry")
	}
}

func TestCoalescer_SecondAcquireBecomesWaiterOnSameEntry(t *testing.T) {
	c := New(DefaultConfig())
	ownerEntry, isOwner := c.Acquire("ci2")
	if !isOwner {
		t.Fatalf("expected owner on first acquire")
	}
	waiterEntry, isOwner2 := c.Acquire("ci2")
	if isOwner2 {
		t.Fatalf("expected second acquire to be a waiter")
	}
	if waiterEntry != ownerEntry {
		t.Fatalf("expected waiter to attach to the same in-flight entry")
	}
}

func TestCoalescer_WaiterReceivesOwnerBody(t *testing.T) {
	c := New(DefaultConfig())
	entry, isOwner := c.Acquire("ci3")
	if !isOwner {
		t.Fatalf("expected owner")
	}

	// Wait blocks until Start, so the waiter runs on its own goroutine.
	var waiterReader io.ReadCloser
	waitErr := make(chan error, 1)
	go func() {
		r, err := c.Wait(context.Background(), entry)
		waiterReader = r
		waitErr <- err
	}()
	time.Sleep(20 * time.Millisecond) // let the waiter attach before Start

	ownerReader, ok := entry.Add()
	if !ok {
		t.Fatalf("expected owner's own Add to succeed before Start")
	}

	entry.Start(strings.NewReader("transformed body"))
	c.Release("ci3")

	if err := <-waitErr; err != nil {
		t.Fatalf("unexpected wait error: %v", err)
	}

	// Tee consumers advance in lockstep, so both copies are read concurrently.
	ownerCh := make(chan []byte, 1)
	go func() {
		b, _ := io.ReadAll(ownerReader)
		ownerCh <- b
	}()
	waiterData, _ := io.ReadAll(waiterReader)
	ownerData := <-ownerCh
	if string(waiterData) != "transformed body" {
		t.Fatalf("waiter got %q", waiterData)
	}
	if string(ownerData) != "transformed body" {
		t.Fatalf("owner got %q", ownerData)
	}
}

func TestCoalescer_MultipleWaitersAllReceiveSameBody(t *testing.T) {
	c := New(DefaultConfig())
	entry, _ := c.Acquire("ci4")

	const waiters = 4
	readers := make([]io.ReadCloser, waiters)
	errs := make([]error, waiters)
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			readers[i], errs[i] = c.Wait(context.Background(), entry)
		}(i)
	}
	time.Sleep(20 * time.Millisecond) // let every waiter attach before Start

	entry.Start(strings.NewReader("shared payload"))
	c.Release("ci4")
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("waiter %d: unexpected error: %v", i, err)
		}
	}

	// Tee consumers advance in lockstep, so every waiter reads concurrently.
	results := make([][]byte, waiters)
	var rg sync.WaitGroup
	for i, r := range readers {
		rg.Add(1)
		go func(i int, r io.ReadCloser) {
			defer rg.Done()
			results[i], _ = io.ReadAll(r)
		}(i, r)
	}
	rg.Wait()
	for i, data := range results {
		if string(data) != "shared payload" {
			t.Fatalf("waiter %d got %q", i, data)
		}
	}
}

func TestCoalescer_AcquireAfterReleaseStartsNewWork(t *testing.T) {
	c := New(DefaultConfig())
	entry1, isOwner := c.Acquire("ci5")
	if !isOwner {
		t.Fatalf("expected owner")
	}
	entry1.Start(strings.NewReader("first"))
	c.Release("ci5")

	entry2, isOwner2 := c.Acquire("ci5")
	if !isOwner2 {
		t.Fatalf("expected a fresh owner after release")
	}
	if entry2 == entry1 {
		t.Fatalf("expected a distinct entry after release")
	}
}

func TestCoalescer_WaiterTimesOutWhenOwnerNeverStarts(t *testing.T) {
	c := New(Config{MaxEntries: 10, EntryTTL: time.Minute, WaitTimeout: 20 * time.Millisecond})
	entry, isOwner := c.Acquire("ci6")
	if !isOwner {
		t.Fatalf("expected owner")
	}

	_, err := c.Wait(context.Background(), entry)
	if !errors.Is(err, ErrWaitTimeout) {
		t.Fatalf("expected ErrWaitTimeout, got %v", err)
	}
	// Owner eventually starts anyway; must not panic even though the
	// waiter already gave up.
	entry.Start(strings.NewReader("late"))
	c.Release("ci6")
}

func TestCoalescer_WaitAttachAfterStartIsImmediateTimeout(t *testing.T) {
	c := New(DefaultConfig())
	entry, _ := c.Acquire("ci7")
	entry.Start(strings.NewReader("already running"))

	_, err := c.Wait(context.Background(), entry)
	if !errors.Is(err, ErrWaitTimeout) {
		t.Fatalf("expected ErrWaitTimeout for a waiter that arrives after Start, got %v", err)
	}
}

func TestCoalescer_WaitRespectsContextCancellation(t *testing.T) {
	c := New(DefaultConfig())
	entry, _ := c.Acquire("ci8")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Wait(ctx, entry)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	entry.Start(strings.NewReader("irrelevant"))
	c.Release("ci8")
}
