package concurrency

import (
	"testing"
	"time"
)

func TestBoundedLRU_EvictsOldestAtCapacity(t *testing.T) {
	lru := New[string, int](2, 0)
	lru.Set("a", 1)
	lru.Set("b", 2)
	lru.Set("c", 3)

	if _, ok := lru.Get("a"); ok {
		t.Fatalf("expected 'a' to be evicted once capacity exceeded")
	}
	if v, ok := lru.Get("b"); !ok || v != 2 {
		t.Fatalf("expected 'b' to survive, got %v, %v", v, ok)
	}
	if v, ok := lru.Get("c"); !ok || v != 3 {
		t.Fatalf("expected 'c' to survive, got %v, %v", v, ok)
	}
	if got := lru.Len(); got != 2 {
		t.Fatalf("expected len 2, got %d", got)
	}
}

func TestBoundedLRU_TouchOnGetPreventsEviction(t *testing.T) {
	lru := New[string, int](2, 0)
	lru.Set("a", 1)
	lru.Set("b", 2)

	lru.Get("a") // touch a, making b the eviction candidate
	lru.Set("c", 3)

	if _, ok := lru.Get("b"); ok {
		t.Fatalf("expected 'b' to be evicted as the least recently touched")
	}
	if _, ok := lru.Get("a"); !ok {
		t.Fatalf("expected 'a' to survive because it was touched")
	}
}

func TestBoundedLRU_ExpiredEntriesNotReadable(t *testing.T) {
	lru := New[string, int](10, 10*time.Millisecond)
	lru.Set("a", 1)

	time.Sleep(20 * time.Millisecond)

	if _, ok := lru.Get("a"); ok {
		t.Fatalf("expected expired entry to be unreadable")
	}
	if got := lru.Len(); got != 0 {
		t.Fatalf("expected expired entry to be evicted from bookkeeping, len=%d", got)
	}
}

func TestBoundedLRU_NeverExceedsMaxSize(t *testing.T) {
	lru := New[int, int](5, 0)
	for i := 0; i < 100; i++ {
		lru.Set(i, i)
		if lru.Len() > 5 {
			t.Fatalf("lru grew beyond max size: %d", lru.Len())
		}
	}
}

func TestBoundedLRU_Delete(t *testing.T) {
	lru := New[string, int](10, 0)
	lru.Set("a", 1)
	lru.Delete("a")
	if _, ok := lru.Get("a"); ok {
		t.Fatalf("expected 'a' to be deleted")
	}
}

func TestBoundedLRU_LoadOrStoreWinnerVsLoser(t *testing.T) {
	lru := New[string, int](10, 0)

	v, loaded := lru.LoadOrStore("lock:a", 1)
	if loaded {
		t.Fatalf("expected first caller to win the race")
	}
	if v != 1 {
		t.Fatalf("expected winner's value 1, got %d", v)
	}

	v, loaded = lru.LoadOrStore("lock:a", 2)
	if !loaded {
		t.Fatalf("expected second caller to observe an existing holder")
	}
	if v != 1 {
		t.Fatalf("expected loser to see the winner's value 1, got %d", v)
	}
}

func TestBoundedLRU_LoadOrStoreAfterExpiryReacquires(t *testing.T) {
	lru := New[string, int](10, 10*time.Millisecond)
	lru.LoadOrStore("lock:a", 1)

	time.Sleep(20 * time.Millisecond)

	v, loaded := lru.LoadOrStore("lock:a", 2)
	if loaded {
		t.Fatalf("expected expired lock to be reacquirable")
	}
	if v != 2 {
		t.Fatalf("expected new holder's value 2, got %d", v)
	}
}
