package versionregistry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/erfianugrah/edgevidcache/internal/domain/model"
)

type mockVersionStore struct {
	mu       sync.Mutex
	records  map[string]model.VersionRecord
	storeErr error
	storeN   atomic.Int32
	getErr   error
}

func newMockVersionStore() *mockVersionStore {
	return &mockVersionStore{records: make(map[string]model.VersionRecord)}
}

func (m *mockVersionStore) Get(ctx context.Context, ci string) (model.VersionRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return model.VersionRecord{}, false, m.getErr
	}
	rec, ok := m.records[ci]
	return rec, ok, nil
}

func (m *mockVersionStore) Store(ctx context.Context, ci string, rec model.VersionRecord, ttl time.Duration) error {
	m.storeN.Add(1)
	if m.storeErr != nil {
		return m.storeErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[ci] = rec
	return nil
}

func TestRegistry_NextMonotonicallyIncreasing(t *testing.T) {
	store := newMockVersionStore()
	reg := New(store, DefaultConfig(), nil)

	for want := uint64(1); want <= 5; want++ {
		got, err := reg.Next(context.Background(), "video:a.mp4", false)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != want {
			t.Fatalf("Next() = %d, want %d", got, want)
		}
		if err := reg.Store(context.Background(), "video:a.mp4", got, time.Minute); err != nil {
			t.Fatalf("store failed: %v", err)
		}
	}
}

func TestRegistry_GetAbsentIsZero(t *testing.T) {
	store := newMockVersionStore()
	reg := New(store, DefaultConfig(), nil)

	v, ok, err := reg.Get(context.Background(), "video:missing.mp4")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected absent record")
	}
	if v != 0 {
		t.Fatalf("expected 0, got %d", v)
	}
}

func TestRegistry_StoreRetriesOnFailureThenGivesUp(t *testing.T) {
	store := newMockVersionStore()
	store.storeErr = errors.New("rate limited")
	cfg := DefaultConfig()
	cfg.RetryBase = time.Millisecond
	cfg.RetryMax = 5 * time.Millisecond
	cfg.MaxAttempts = 3
	reg := New(store, cfg, nil)

	err := reg.Store(context.Background(), "video:a.mp4", 1, time.Minute)
	if err == nil {
		t.Fatalf("expected error after exhausting retries")
	}
	if got := store.storeN.Load(); got != int32(cfg.MaxAttempts) {
		t.Fatalf("expected %d attempts, got %d", cfg.MaxAttempts, got)
	}
}

func TestRegistry_ConcurrentNextCallsCoalesce(t *testing.T) {
	store := newMockVersionStore()
	reg := New(store, DefaultConfig(), nil)

	const n = 20
	results := make([]uint64, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			v, err := reg.Next(context.Background(), "video:hot.mp4", false)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			results[i] = v
		}(i)
	}
	wg.Wait()

	for _, v := range results {
		if v != 1 {
			t.Fatalf("expected every concurrent caller to observe version 1 (singleflight-coalesced read of an empty store), got %d", v)
		}
	}
}
