// Package blobstore implements an abstraction over a blob KV that imposes
// a per-entry size ceiling, transparently splitting oversized artifacts
// into a manifest plus ordered chunk entries so callers never have to
// think about the ceiling.
package blobstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/erfianugrah/edgevidcache/internal/cacheerr"
	"github.com/erfianugrah/edgevidcache/internal/concurrency"
	"github.com/erfianugrah/edgevidcache/internal/domain/model"
	"github.com/erfianugrah/edgevidcache/internal/domain/repository"
	"github.com/erfianugrah/edgevidcache/internal/infrastructure/metrics"
	"github.com/erfianugrah/edgevidcache/internal/retry"
)

const (
	metaKindKey  = "kind"
	metaAMKey    = "am"
	kindSingle   = "single"
	kindManifest = "manifest"
)

// Config holds the blob store's tunables.
type Config struct {
	// ChunkMaxBytes is the blob store's per-entry size ceiling. Bodies at
	// or under this size are written as a single entry.
	ChunkMaxBytes int64

	// ChunkSizeTarget is the size each chunk is read and written at. Equal
	// to ChunkMaxBytes unless configured otherwise.
	ChunkSizeTarget int64

	// LockTimeout bounds how long a chunk lock may be held before it is
	// considered abandoned and reacquirable (30s by default).
	LockTimeout time.Duration

	// ChunkIOSoftLimit is the number of chunk read/write operations the
	// store's concurrency gate (C9) admits for immediate execution;
	// ChunkIOHardLimit bounds how many callers may queue behind it before
	// new chunk I/O fails fast with cacheerr.ErrBackpressure instead of
	// blocking indefinitely.
	ChunkIOSoftLimit int
	ChunkIOHardLimit int

	Retry retry.Config
}

// DefaultConfig returns a 20 MiB chunk ceiling, a 30s chunk lock timeout,
// a 16/64 chunk I/O gate, and the package-wide retry policy.
func DefaultConfig() Config {
	const chunkMax = 20 << 20
	return Config{
		ChunkMaxBytes:    chunkMax,
		ChunkSizeTarget:  chunkMax,
		LockTimeout:      30 * time.Second,
		ChunkIOSoftLimit: 16,
		ChunkIOHardLimit: 64,
		Retry:            retry.DefaultConfig(),
	}
}

// Store is the chunked blob store.
type Store struct {
	raw       repository.RawBlobStore
	cfg       Config
	locks     *concurrency.BoundedLRU[string, struct{}]
	chunkGate *concurrency.Gate
	logger    *slog.Logger
}

// New creates a Store over the given raw KV client.
func New(raw repository.RawBlobStore, cfg Config, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	lockTTL := cfg.LockTimeout
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	return &Store{
		raw:       raw,
		cfg:       cfg,
		locks:     concurrency.New[string, struct{}](4096, lockTTL),
		chunkGate: concurrency.NewGate(cfg.ChunkIOSoftLimit, cfg.ChunkIOHardLimit),
		logger:    logger,
	}
}

// PutOptions controls write-time exceptions to normal caching behavior.
type PutOptions struct {
	// Partial marks a body the origin itself served as a range (206 or
	// carrying Content-Range). Such bodies are never persisted — a partial
	// body cached under a full-content key would corrupt later reads, so
	// Put becomes a streamed no-op.
	Partial bool
}

// Put streams r into the store under ci. When am.TotalContentLength is
// known and fits within a single entry, it writes one entry; otherwise it
// splits the body into chunks plus a manifest entry. Each chunk (and the
// manifest) is buffered at up to one chunk's worth of bytes before being
// written with retry — satisfying the "no operation materializes more than
// one chunk in memory" invariant, since a single-entry body is by
// definition no larger than one chunk.
func (s *Store) Put(ctx context.Context, ci string, r io.Reader, am model.ArtifactMetadata, ttl time.Duration, opts PutOptions) error {
	if opts.Partial {
		s.logger.Debug("refusing to cache partial origin response", slog.String("cache_key", ci))
		return nil
	}

	if am.CreatedAt.IsZero() {
		am.CreatedAt = time.Now()
	}
	if ttl > 0 {
		am.ExpiresAt = am.CreatedAt.Add(ttl)
	}

	if !s.tryLock(ci) {
		s.logger.Warn("chunk lock held by another writer, abandoning store",
			slog.String("cache_key", ci))
		return nil
	}
	defer s.unlock(ci)

	if am.TotalContentLength > 0 && am.TotalContentLength <= s.cfg.ChunkMaxBytes {
		return s.putSingle(ctx, ci, r, am, am.TotalContentLength, ttl)
	}
	return s.putChunked(ctx, ci, r, am, ttl)
}

func (s *Store) tryLock(ci string) bool {
	_, loaded := s.locks.LoadOrStore(ci, struct{}{})
	return !loaded
}

func (s *Store) unlock(ci string) {
	s.locks.Delete(ci)
}

func (s *Store) putSingle(ctx context.Context, ci string, r io.Reader, am model.ArtifactMetadata, size int64, ttl time.Duration) error {
	var (
		data []byte
		err  error
	)
	if size > 0 {
		data = make([]byte, size)
		_, err = io.ReadFull(r, data)
	} else {
		data, err = io.ReadAll(r)
	}
	if err != nil {
		return fmt.Errorf("read source stream: %w", err)
	}

	am.TotalContentLength = int64(len(data))
	amJSON, err := json.Marshal(am)
	if err != nil {
		return fmt.Errorf("encode artifact metadata: %w", err)
	}
	meta := map[string]string{metaKindKey: kindSingle, metaAMKey: string(amJSON)}

	err = retry.Do(ctx, s.cfg.Retry, func(attempt int) error {
		err := s.raw.Put(ctx, ci, bytes.NewReader(data), int64(len(data)), am.ContentType, meta, ttl)
		if err != nil {
			s.logger.Warn("single-entry write failed, retrying",
				slog.String("cache_key", ci), slog.Int("attempt", attempt+1), slog.String("error", err.Error()))
		}
		return err
	})
	if err != nil {
		metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpSet, metrics.CacheStatusError, metrics.CacheTypeMinIO).Inc()
		return fmt.Errorf("put single entry: %w", err)
	}
	metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpSet, metrics.CacheStatusSuccess, metrics.CacheTypeMinIO).Inc()
	return nil
}

func (s *Store) putChunked(ctx context.Context, ci string, r io.Reader, am model.ArtifactMetadata, ttl time.Duration) error {
	chunkSize := s.cfg.ChunkSizeTarget
	if chunkSize <= 0 {
		chunkSize = s.cfg.ChunkMaxBytes
	}

	var chunkLengths []int64
	var total int64
	buf := make([]byte, chunkSize)

	// Chunks are written in ascending index order, so a reader resuming
	// after a crash can assume everything before the last complete chunk is
	// valid; the manifest is written strictly after every chunk it
	// references, below.
	for i := 0; ; i++ {
		n, readErr := io.ReadFull(r, buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			key := model.ChunkKey(ci, i)
			if err := s.writeChunk(ctx, key, chunk, ttl); err != nil {
				return fmt.Errorf("write chunk %d: %w", i, err)
			}
			chunkLengths = append(chunkLengths, int64(n))
			total += int64(n)
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("read source stream: %w", readErr)
		}
	}

	if len(chunkLengths) == 0 {
		// Empty body: a manifest with zero chunks would violate "last
		// chunk length > 0", so store it as an empty single entry instead.
		return s.putSingle(ctx, ci, bytes.NewReader(nil), am, 0, ttl)
	}

	chunkKeys := make([]string, len(chunkLengths))
	for i := range chunkKeys {
		chunkKeys[i] = model.ChunkKey(ci, i)
	}
	m := model.Manifest{
		ChunkCount:      len(chunkLengths),
		ChunkSizeTarget: chunkSize,
		TotalLength:     total,
		ChunkKeys:       chunkKeys,
		ChunkLengths:    chunkLengths,
	}

	am.TotalContentLength = total
	amJSON, err := json.Marshal(am)
	if err != nil {
		return fmt.Errorf("encode artifact metadata: %w", err)
	}
	manifestJSON, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	meta := map[string]string{metaKindKey: kindManifest, metaAMKey: string(amJSON)}

	err = retry.Do(ctx, s.cfg.Retry, func(attempt int) error {
		err := s.raw.Put(ctx, ci, bytes.NewReader(manifestJSON), int64(len(manifestJSON)), "application/json", meta, ttl)
		if err != nil {
			s.logger.Warn("manifest write failed, retrying",
				slog.String("cache_key", ci), slog.Int("attempt", attempt+1), slog.String("error", err.Error()))
		}
		return err
	})
	if err != nil {
		metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpSet, metrics.CacheStatusError, metrics.CacheTypeMinIO).Inc()
		return fmt.Errorf("put manifest: %w", err)
	}
	metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpSet, metrics.CacheStatusSuccess, metrics.CacheTypeMinIO).Inc()
	return nil
}

// writeChunk writes a single chunk, bounded by the store's C9 concurrency
// gate so a burst of parallel chunk writes across concurrent requests
// cannot overrun the backing store's connection pool: callers beyond the
// gate's hard limit fail fast with cacheerr.ErrBackpressure rather than
// queuing indefinitely.
func (s *Store) writeChunk(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	release, err := s.chunkGate.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	err = retry.Do(ctx, s.cfg.Retry, func(attempt int) error {
		err := s.raw.Put(ctx, key, bytes.NewReader(data), int64(len(data)), "application/octet-stream", nil, ttl)
		if err != nil {
			s.logger.Warn("chunk write failed, retrying",
				slog.String("chunk_key", key), slog.Int("attempt", attempt+1), slog.String("error", err.Error()))
		}
		return err
	})
	if err != nil {
		return err
	}
	metrics.ChunkOperationsTotal.WithLabelValues("put").Inc()
	return nil
}

// Get reads AM for ci and returns a stream over its body. When rng is nil
// the full body is streamed; otherwise only the bytes in [rng.Start,
// rng.End] are streamed, already trimmed to the exact window regardless of
// whether ci is a single entry or a manifest — the range slicer owns
// parsing the Range header into rng and building the HTTP response, not
// the chunk/byte arithmetic, since the manifest type is private to this
// package.
func (s *Store) Get(ctx context.Context, ci string, rng *model.ByteRange) (model.ArtifactMetadata, io.ReadCloser, error) {
	body, info, err := s.raw.Get(ctx, ci)
	if err != nil {
		if errors.Is(err, repository.ErrObjectNotFound) {
			return model.ArtifactMetadata{}, nil, err
		}
		return model.ArtifactMetadata{}, nil, fmt.Errorf("blob get: %w", err)
	}

	var am model.ArtifactMetadata
	if raw, ok := info.Metadata[metaAMKey]; ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &am); err != nil {
			body.Close()
			return model.ArtifactMetadata{}, nil, fmt.Errorf("decode artifact metadata: %w", err)
		}
	}

	if info.Metadata[metaKindKey] != kindManifest {
		metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpGet, metrics.CacheStatusHit, metrics.CacheTypeMinIO).Inc()
		if rng == nil {
			return am, body, nil
		}
		return am, &trimmedReader{r: body, skip: rng.Start, remaining: rng.Length()}, nil
	}

	manifestBytes, err := io.ReadAll(body)
	body.Close()
	if err != nil {
		return model.ArtifactMetadata{}, nil, fmt.Errorf("read manifest: %w", err)
	}
	var m model.Manifest
	if err := json.Unmarshal(manifestBytes, &m); err != nil {
		return model.ArtifactMetadata{}, nil, fmt.Errorf("decode manifest: %w", err)
	}
	metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpGet, metrics.CacheStatusHit, metrics.CacheTypeMinIO).Inc()

	first, last := 0, len(m.ChunkKeys)-1
	var skip, length int64 = 0, m.TotalLength
	if rng != nil {
		first, last = m.ChunkRange(rng.Start, rng.End)
		skip = rng.Start - m.ChunkOffset(first)
		length = rng.Length()
	}
	if first < 0 || last < first || last >= len(m.ChunkKeys) {
		return model.ArtifactMetadata{}, nil, cacheerr.Store("blobstore.get", cacheerr.ErrManifestMismatch, false)
	}

	stream := newChunkStreamReader(ctx, s.raw, s.chunkGate, m.ChunkKeys[first:last+1])
	if rng == nil {
		return am, stream, nil
	}
	return am, &trimmedReader{r: stream, skip: skip, remaining: length}, nil
}

// Stat returns ci's AM without opening its body, for callers (e.g. the
// TTL refresher's background executor) that only need metadata.
func (s *Store) Stat(ctx context.Context, ci string) (model.ArtifactMetadata, error) {
	info, err := s.raw.Stat(ctx, ci)
	if err != nil {
		return model.ArtifactMetadata{}, err
	}
	var am model.ArtifactMetadata
	if raw, ok := info.Metadata[metaAMKey]; ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &am); err != nil {
			return model.ArtifactMetadata{}, fmt.Errorf("decode artifact metadata: %w", err)
		}
	}
	return am, nil
}

// RefreshTTL attempts a metadata-only rewrite of ci's expiry: the same body,
// the same metadata, only the expiry changed. It returns (false, nil)
// without error when the underlying raw store does not implement
// repository.MetadataRewriter — the caller treats that as "skip rather
// than rewrite the body".
func (s *Store) RefreshTTL(ctx context.Context, ci string, am model.ArtifactMetadata, newExpiry time.Time, ttl time.Duration) (bool, error) {
	rewriter, ok := s.raw.(repository.MetadataRewriter)
	if !ok {
		return false, nil
	}

	info, err := s.raw.Stat(ctx, ci)
	if err != nil {
		return false, fmt.Errorf("stat for refresh: %w", err)
	}

	am.ExpiresAt = newExpiry
	amJSON, err := json.Marshal(am)
	if err != nil {
		return false, fmt.Errorf("encode artifact metadata: %w", err)
	}

	meta := make(map[string]string, len(info.Metadata)+1)
	for k, v := range info.Metadata {
		meta[k] = v
	}
	meta[metaAMKey] = string(amJSON)

	if err := rewriter.RewriteMetadata(ctx, ci, meta, ttl); err != nil {
		return false, fmt.Errorf("rewrite metadata: %w", err)
	}
	return true, nil
}

// Delete removes ci's manifest (and its chunks) or single-entry form.
// Deleting a key that does not exist is not an error.
func (s *Store) Delete(ctx context.Context, ci string) error {
	body, info, err := s.raw.Get(ctx, ci)
	if err != nil {
		if errors.Is(err, repository.ErrObjectNotFound) {
			return nil
		}
		return fmt.Errorf("blob get for delete: %w", err)
	}

	var chunkKeys []string
	if info.Metadata[metaKindKey] == kindManifest {
		data, readErr := io.ReadAll(body)
		body.Close()
		if readErr != nil {
			return fmt.Errorf("read manifest for delete: %w", readErr)
		}
		var m model.Manifest
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("decode manifest for delete: %w", err)
		}
		chunkKeys = m.ChunkKeys
	} else {
		body.Close()
	}

	for _, k := range chunkKeys {
		if err := s.raw.Delete(ctx, k); err != nil {
			s.logger.Warn("failed to delete chunk", slog.String("chunk_key", k), slog.String("error", err.Error()))
		}
	}
	metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpDelete, metrics.CacheStatusSuccess, metrics.CacheTypeMinIO).Inc()
	return s.raw.Delete(ctx, ci)
}

// chunkStreamReader lazily concatenates a manifest's chunk entries, holding
// at most one chunk's ReadCloser open at a time so no read materializes
// more than one chunk in memory. Each chunk open is bounded by the store's
// C9 concurrency gate: a caller beyond the gate's hard limit sees
// cacheerr.ErrBackpressure instead of piling up unbounded parallel GETs
// against the backing store.
type chunkStreamReader struct {
	ctx     context.Context
	raw     repository.RawBlobStore
	gate    *concurrency.Gate
	keys    []string
	idx     int
	cur     io.ReadCloser
	release func()
}

func newChunkStreamReader(ctx context.Context, raw repository.RawBlobStore, gate *concurrency.Gate, keys []string) *chunkStreamReader {
	return &chunkStreamReader{ctx: ctx, raw: raw, gate: gate, keys: keys}
}

func (c *chunkStreamReader) Read(p []byte) (int, error) {
	for {
		if c.cur == nil {
			if c.idx >= len(c.keys) {
				return 0, io.EOF
			}
			release, err := c.gate.Acquire(c.ctx)
			if err != nil {
				return 0, err
			}
			key := c.keys[c.idx]
			body, _, err := c.raw.Get(c.ctx, key)
			if err != nil {
				release()
				if errors.Is(err, repository.ErrObjectNotFound) {
					return 0, cacheerr.Store("blobstore.get_chunk",
						fmt.Errorf("%w: missing %s", cacheerr.ErrManifestMismatch, key), false)
				}
				return 0, fmt.Errorf("get chunk %s: %w", key, err)
			}
			metrics.ChunkOperationsTotal.WithLabelValues("get").Inc()
			c.cur = body
			c.release = release
		}

		n, err := c.cur.Read(p)
		if n > 0 {
			return n, nil
		}
		if err == io.EOF {
			c.cur.Close()
			c.cur = nil
			c.release()
			c.release = nil
			c.idx++
			continue
		}
		if err != nil {
			c.cur.Close()
			c.cur = nil
			c.release()
			c.release = nil
			return 0, err
		}
	}
}

func (c *chunkStreamReader) Close() error {
	if c.release != nil {
		c.release()
		c.release = nil
	}
	if c.cur != nil {
		return c.cur.Close()
	}
	return nil
}

// trimmedReader discards the first skip bytes of r and then limits the
// stream to remaining bytes, without buffering beyond a caller-sized read.
type trimmedReader struct {
	r         io.ReadCloser
	skip      int64
	remaining int64
}

func (t *trimmedReader) Read(p []byte) (int, error) {
	for t.skip > 0 {
		n := int64(len(p))
		if n > t.skip {
			n = t.skip
		}
		discarded, err := t.r.Read(p[:n])
		t.skip -= int64(discarded)
		if err != nil {
			return 0, err
		}
	}
	if t.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > t.remaining {
		p = p[:t.remaining]
	}
	n, err := t.r.Read(p)
	t.remaining -= int64(n)
	return n, err
}

func (t *trimmedReader) Close() error {
	return t.r.Close()
}
