package orchestrator

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/erfianugrah/edgevidcache/internal/backgroundtask"
	"github.com/erfianugrah/edgevidcache/internal/blobstore"
	"github.com/erfianugrah/edgevidcache/internal/coalescer"
	"github.com/erfianugrah/edgevidcache/internal/domain/model"
	"github.com/erfianugrah/edgevidcache/internal/domain/repository"
	"github.com/erfianugrah/edgevidcache/internal/fallback"
	"github.com/erfianugrah/edgevidcache/internal/rangeio"
	"github.com/erfianugrah/edgevidcache/internal/refresher"
	"github.com/erfianugrah/edgevidcache/internal/versionregistry"
)

type memObject struct {
	data     []byte
	ctype    string
	metadata map[string]string
}

type memRawStore struct {
	mu      sync.Mutex
	objects map[string]memObject
}

func newMemRawStore() *memRawStore {
	return &memRawStore{objects: make(map[string]memObject)}
}

func (m *memRawStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string, metadata map[string]string, ttl time.Duration) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.objects[key] = memObject{data: data, ctype: contentType, metadata: metadata}
	m.mu.Unlock()
	return nil
}

func (m *memRawStore) Get(ctx context.Context, key string) (io.ReadCloser, repository.ObjectInfo, error) {
	m.mu.Lock()
	obj, ok := m.objects[key]
	m.mu.Unlock()
	if !ok {
		return nil, repository.ObjectInfo{}, repository.ErrObjectNotFound
	}
	info := repository.ObjectInfo{Key: key, Size: int64(len(obj.data)), ContentType: obj.ctype, Metadata: obj.metadata}
	return io.NopCloser(bytes.NewReader(obj.data)), info, nil
}

func (m *memRawStore) Stat(ctx context.Context, key string) (repository.ObjectInfo, error) {
	m.mu.Lock()
	obj, ok := m.objects[key]
	m.mu.Unlock()
	if !ok {
		return repository.ObjectInfo{}, repository.ErrObjectNotFound
	}
	return repository.ObjectInfo{Key: key, Size: int64(len(obj.data)), ContentType: obj.ctype, Metadata: obj.metadata}, nil
}

func (m *memRawStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

type memVersionStore struct {
	mu   sync.Mutex
	recs map[string]model.VersionRecord
}

func newMemVersionStore() *memVersionStore {
	return &memVersionStore{recs: make(map[string]model.VersionRecord)}
}

func (m *memVersionStore) Get(ctx context.Context, ci string) (model.VersionRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[ci]
	return rec, ok, nil
}

func (m *memVersionStore) Store(ctx context.Context, ci string, rec model.VersionRecord, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[ci] = rec
	return nil
}

type memQueue struct {
	mu    sync.Mutex
	tasks []model.BackgroundTask
}

func (q *memQueue) Publish(ctx context.Context, task model.BackgroundTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, task)
	return nil
}

func (q *memQueue) Consume(ctx context.Context, handler func(model.BackgroundTask) error) error {
	return nil
}

func (q *memQueue) Close() error { return nil }

type fakeTransformer struct {
	mu     sync.Mutex
	calls  int
	result *repository.TransformResult
	err    error
	body   string
}

func (f *fakeTransformer) Transform(ctx context.Context, sourcePath string, opts model.Options, version uint64) (*repository.TransformResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	r := *f.result
	r.Body = io.NopCloser(bytes.NewReader([]byte(f.body)))
	return &r, nil
}

func newTestOrchestrator(t *testing.T, transformer *fakeTransformer) (*Orchestrator, *memRawStore, *memQueue) {
	t.Helper()
	raw := newMemRawStore()
	blobCfg := blobstore.DefaultConfig()
	blobCfg.ChunkMaxBytes = 1 << 20
	blob := blobstore.New(raw, blobCfg, nil)

	versions := versionregistry.New(newMemVersionStore(), versionregistry.DefaultConfig(), nil)
	refresh := refresher.New(refresher.DefaultConfig(), nil)
	slicer := rangeio.New(blob)
	bg := backgroundtask.New(nil)
	queue := &memQueue{}
	coalesce := coalescer.New(coalescer.DefaultConfig())

	fbSeconds := func(status int) int64 { return int64(DefaultTTLConfig().ForStatus(status).Seconds()) }
	fbPipeline := fallback.New(fallback.Config{Enabled: true}, fbSeconds, fallback.Deps{})

	orch := New(DefaultConfig(), Deps{
		Blob:        blob,
		Coalescer:   coalesce,
		Versions:    versions,
		Refresher:   refresh,
		Slicer:      slicer,
		Fallback:    fbPipeline,
		Transformer: transformer,
		Queue:       queue,
		Background:  bg,
	})
	return orch, raw, queue
}

func TestHandle_MissStoresAndStreamsFromUpstream(t *testing.T) {
	transformer := &fakeTransformer{
		result: &repository.TransformResult{StatusCode: 200, ContentType: "video/mp4", ContentLength: 5},
		body:   "hello",
	}
	orch, raw, _ := newTestOrchestrator(t, transformer)

	rec := httptest.NewRecorder()
	orch.Handle(context.Background(), rec, Request{SourcePath: "videos/a.mp4", Options: model.Options{Mode: model.ModeVideo}})

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "hello" {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
	if rec.Header().Get("X-Cache-Status") != "MISS" {
		t.Fatalf("expected MISS, got %q", rec.Header().Get("X-Cache-Status"))
	}

	orch.bg.Shutdown(time.Second)
	if len(raw.objects) == 0 {
		t.Fatalf("expected the background store to have written something")
	}
}

func TestHandle_SecondRequestIsCacheHit(t *testing.T) {
	transformer := &fakeTransformer{
		result: &repository.TransformResult{StatusCode: 200, ContentType: "video/mp4", ContentLength: 5},
		body:   "hello",
	}
	orch, _, _ := newTestOrchestrator(t, transformer)

	req := Request{SourcePath: "videos/a.mp4", Options: model.Options{Mode: model.ModeVideo}}

	rec1 := httptest.NewRecorder()
	orch.Handle(context.Background(), rec1, req)
	orch.bg.Shutdown(time.Second)

	rec2 := httptest.NewRecorder()
	orch.Handle(context.Background(), rec2, req)

	if rec2.Header().Get("X-Cache-Status") != "HIT" {
		t.Fatalf("expected HIT on second request, got %q", rec2.Header().Get("X-Cache-Status"))
	}
	if rec2.Body.String() != "hello" {
		t.Fatalf("unexpected body %q", rec2.Body.String())
	}
	if transformer.calls != 1 {
		t.Fatalf("expected transformer called exactly once, got %d", transformer.calls)
	}
}

func TestHandle_BypassSkipsCacheAndNeverStores(t *testing.T) {
	transformer := &fakeTransformer{
		result: &repository.TransformResult{StatusCode: 200, ContentType: "video/mp4", ContentLength: 5},
		body:   "hello",
	}
	orch, raw, _ := newTestOrchestrator(t, transformer)

	req := Request{
		SourcePath: "videos/a.mp4",
		Options:    model.Options{Mode: model.ModeVideo},
		Query:      map[string][]string{"nocache": {"1"}},
	}

	rec := httptest.NewRecorder()
	orch.Handle(context.Background(), rec, req)
	orch.bg.Shutdown(100 * time.Millisecond)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(raw.objects) != 0 {
		t.Fatalf("bypassed request must never store, found %d objects", len(raw.objects))
	}

	rec2 := httptest.NewRecorder()
	orch.Handle(context.Background(), rec2, req)
	if transformer.calls != 2 {
		t.Fatalf("expected a second independent upstream call, got %d total calls", transformer.calls)
	}
}

func TestHandle_UpstreamErrorRoutesToFallbackTerminal(t *testing.T) {
	transformer := &fakeTransformer{
		result: &repository.TransformResult{StatusCode: 502},
		body:   "",
	}
	orch, _, _ := newTestOrchestrator(t, transformer)

	rec := httptest.NewRecorder()
	orch.Handle(context.Background(), rec, Request{SourcePath: "videos/a.mp4", Options: model.Options{Mode: model.ModeVideo}})

	if rec.Header().Get("X-Fallback-Failed") != "true" {
		t.Fatalf("expected terminal fallback header, got headers %+v", rec.Header())
	}
}
