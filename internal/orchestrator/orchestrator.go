// Package orchestrator implements the top-level cache-and-range-streaming
// state machine (C7): lookup, coalesce, transform, store, stream, with
// error routing into the fallback pipeline. Every other component package
// (cacheid, blobstore, coalescer, versionregistry, refresher, rangeio,
// fallback) is a leaf this orchestrator wires together; it holds no
// transformation or storage logic of its own.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/erfianugrah/edgevidcache/internal/backgroundtask"
	"github.com/erfianugrah/edgevidcache/internal/blobstore"
	"github.com/erfianugrah/edgevidcache/internal/cacheerr"
	"github.com/erfianugrah/edgevidcache/internal/cacheid"
	"github.com/erfianugrah/edgevidcache/internal/coalescer"
	"github.com/erfianugrah/edgevidcache/internal/concurrency"
	"github.com/erfianugrah/edgevidcache/internal/domain/model"
	"github.com/erfianugrah/edgevidcache/internal/domain/repository"
	"github.com/erfianugrah/edgevidcache/internal/fallback"
	"github.com/erfianugrah/edgevidcache/internal/infrastructure/metrics"
	"github.com/erfianugrah/edgevidcache/internal/infrastructure/versionkv"
	"github.com/erfianugrah/edgevidcache/internal/rangeio"
	"github.com/erfianugrah/edgevidcache/internal/refresher"
	"github.com/erfianugrah/edgevidcache/internal/versionregistry"
	"github.com/google/uuid"
)

// TTLConfig maps upstream status classes onto cache retention, per §6's
// "Configuration recognized by the core" table. A zero or negative value
// disables caching for that status class.
type TTLConfig struct {
	OK        time.Duration
	Redirect  time.Duration
	ClientErr time.Duration
	ServerErr time.Duration
}

// DefaultTTLConfig returns a one-hour success TTL, five-minute redirect and
// client-error TTLs, and a thirty-second server-error TTL (short, so a
// transient upstream outage doesn't get pinned for long).
func DefaultTTLConfig() TTLConfig {
	return TTLConfig{
		OK:        time.Hour,
		Redirect:  5 * time.Minute,
		ClientErr: 5 * time.Minute,
		ServerErr: 30 * time.Second,
	}
}

// ForStatus returns the configured TTL for an HTTP status code.
func (t TTLConfig) ForStatus(status int) time.Duration {
	switch {
	case status >= 200 && status < 300:
		return t.OK
	case status >= 300 && status < 400:
		return t.Redirect
	case status >= 400 && status < 500:
		return t.ClientErr
	case status >= 500:
		return t.ServerErr
	default:
		return 0
	}
}

// Config holds the orchestrator's tunables.
type Config struct {
	TTL               TTLConfig
	BypassQueryParams []string
	DebugQueryParam   string
	UpstreamTimeout   time.Duration
}

// DefaultConfig returns the default bypass parameter set (nocache, bypass,
// debug), a 30s upstream timeout, and DefaultTTLConfig.
func DefaultConfig() Config {
	return Config{
		TTL:               DefaultTTLConfig(),
		BypassQueryParams: []string{"nocache", "bypass", "debug"},
		DebugQueryParam:   "debug",
		UpstreamTimeout:   30 * time.Second,
	}
}

// Request is everything the orchestrator needs from an inbound HTTP
// request, already resolved by the thin HTTP entrypoint (path-pattern
// routing and option parsing are out of scope for the core per spec §1).
type Request struct {
	SourcePath  string
	Options     model.Options
	RangeHeader string
	Query       url.Values
	Conditional http.Header
}

// Orchestrator is the C7 cache orchestrator.
type Orchestrator struct {
	cfg         Config
	blob        *blobstore.Store
	coalesce    *coalescer.Coalescer
	versions    *versionregistry.Registry
	refresh     *refresher.Refresher
	slicer      *rangeio.Slicer
	fallbackP   *fallback.Pipeline
	transformer repository.Transformer
	queue       repository.BackgroundQueue
	bg          *backgroundtask.Pool
	metaCache   *versionkv.MetadataCache
	logger      *slog.Logger
}

// Deps bundles the orchestrator's collaborators for New, keeping the
// constructor's argument list a single struct rather than eleven positional
// parameters.
type Deps struct {
	Blob        *blobstore.Store
	Coalescer   *coalescer.Coalescer
	Versions    *versionregistry.Registry
	Refresher   *refresher.Refresher
	Slicer      *rangeio.Slicer
	Fallback    *fallback.Pipeline
	Transformer repository.Transformer
	Queue       repository.BackgroundQueue
	Background  *backgroundtask.Pool
	// MetaCache is an optional Redis-backed L1 cache-aside layer in front of
	// blob-store metadata reads; nil disables it and every lookup falls
	// through to the blob store directly.
	MetaCache *versionkv.MetadataCache
	Logger    *slog.Logger
}

// New creates an Orchestrator.
func New(cfg Config, d Deps) *Orchestrator {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:         cfg,
		blob:        d.Blob,
		coalesce:    d.Coalescer,
		versions:    d.Versions,
		refresh:     d.Refresher,
		slicer:      d.Slicer,
		fallbackP:   d.Fallback,
		transformer: d.Transformer,
		queue:       d.Queue,
		bg:          d.Background,
		metaCache:   d.MetaCache,
		logger:      logger,
	}
}

// Handle runs the full Idle -> Lookup -> {Hit|Miss} -> ... state machine for
// req, writing the response to w.
func (o *Orchestrator) Handle(ctx context.Context, w http.ResponseWriter, req Request) {
	ci := cacheid.Derive(req.SourcePath, req.Options)
	bypassed := o.isBypassed(req.Query)

	w.Header().Set("X-Cache-Key", ci)

	if !bypassed {
		if am, ok := o.lookup(ctx, ci); ok {
			o.serveHit(ctx, w, req, ci, am)
			return
		}
	}

	o.serveMiss(ctx, w, req, ci, bypassed)
}

// isBypassed reports whether req's query carries any configured bypass
// parameter (default: nocache, bypass, debug), regardless of value.
func (o *Orchestrator) isBypassed(q url.Values) bool {
	if q == nil {
		return false
	}
	for _, name := range o.cfg.BypassQueryParams {
		if q.Has(name) {
			return true
		}
	}
	return false
}

// lookup implements the Lookup state: Stat ci's metadata and treat an
// expired entry as a miss.
func (o *Orchestrator) lookup(ctx context.Context, ci string) (model.ArtifactMetadata, bool) {
	if o.metaCache != nil {
		if am, ok, err := o.metaCache.Get(ctx, ci); err != nil {
			o.logger.Warn("metadata cache get failed, falling through to blob store",
				slog.String("cache_key", ci), slog.String("error", err.Error()))
		} else if ok {
			if am.Expired(time.Now()) {
				metrics.CacheStatusTotal.WithLabelValues(metrics.CacheStatusMiss).Inc()
				return model.ArtifactMetadata{}, false
			}
			metrics.CacheStatusTotal.WithLabelValues(metrics.CacheStatusHit).Inc()
			return am, true
		}
	}

	am, err := o.blob.Stat(ctx, ci)
	if err != nil {
		if !errors.Is(err, repository.ErrObjectNotFound) {
			o.logger.Warn("blob stat failed, treating as cache miss",
				slog.String("cache_key", ci), slog.String("error", err.Error()))
		}
		metrics.CacheStatusTotal.WithLabelValues(metrics.CacheStatusMiss).Inc()
		return model.ArtifactMetadata{}, false
	}
	if am.Expired(time.Now()) {
		metrics.CacheStatusTotal.WithLabelValues(metrics.CacheStatusMiss).Inc()
		return model.ArtifactMetadata{}, false
	}
	metrics.CacheStatusTotal.WithLabelValues(metrics.CacheStatusHit).Inc()
	if o.metaCache != nil {
		if err := o.metaCache.Set(ctx, ci, am, am.RemainingTTL(time.Now())); err != nil {
			o.logger.Warn("metadata cache set failed", slog.String("cache_key", ci), slog.String("error", err.Error()))
		}
	}
	return am, true
}

// serveHit implements the Hit branch: schedule an opportunistic TTL
// refresh, then stream the body (ranged or whole) to w.
func (o *Orchestrator) serveHit(ctx context.Context, w http.ResponseWriter, req Request, ci string, am model.ArtifactMetadata) {
	now := time.Now()
	originalTTL := am.ExpiresAt.Sub(am.CreatedAt)
	o.refresh.Schedule(ctx, o.queue, ci, am, originalTTL)

	o.setCommonHeaders(w, am, ci, now, "HIT", metrics.CacheTypeMinIO)

	if req.RangeHeader != "" {
		if _, committed, err := o.slicer.Serve(ctx, w, ci, am, req.RangeHeader); err != nil {
			if !committed {
				o.handleHitReadError(ctx, w, req, ci, err)
				return
			}
			o.onStreamError(ctx, ci, err)
		}
		return
	}

	// Fetch the body before committing any status line: a chunk-gate
	// backpressure error (or any other Get failure) is still recoverable
	// here, same as the range path above.
	_, body, err := o.blob.Get(ctx, ci, nil)
	if err != nil {
		o.handleHitReadError(ctx, w, req, ci, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Length", strconv.FormatInt(am.TotalContentLength, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		o.onStreamError(ctx, ci, err)
	}
}

// handleHitReadError handles a blob-store read failure that occurred
// before any response status was committed. Per §7's ConcurrencyError
// propagation policy ("treat as a soft error; the orchestrator reissues
// the work as an independent owner"), a chunk-gate backpressure error —
// the retryable fallback trigger C9's gate is specified to produce — is
// recovered by re-running this request's Work state exactly as if it were
// an uncoalesced cache miss. Any other pre-commit read failure (e.g. a
// manifest mismatch) is logged and the stale entry scheduled for deletion,
// same as a failure that surfaces mid-stream.
func (o *Orchestrator) handleHitReadError(ctx context.Context, w http.ResponseWriter, req Request, ci string, err error) {
	if cacheerr.CategoryOf(err) == cacheerr.CategoryConcurrency {
		o.logger.Warn("chunk i/o backpressure on cache hit, reissuing as independent owner",
			slog.String("cache_key", ci), slog.String("error", err.Error()))
		o.runAsOwner(ctx, w, req, ci, false)
		return
	}
	o.onStreamError(ctx, ci, err)
}

// onStreamError handles an error surfacing mid-stream from the blob store
// (most notably a manifest/chunk mismatch): the response has already
// committed its status line, so there is nothing left to do for this
// request, but future requests should not repeat the failure — the entry
// is scheduled for background deletion.
func (o *Orchestrator) onStreamError(ctx context.Context, ci string, err error) {
	o.logger.Warn("error streaming cached body", slog.String("cache_key", ci), slog.String("error", err.Error()))
	if cacheerr.CategoryOf(err) != cacheerr.CategoryStore {
		return
	}
	if !errors.Is(err, cacheerr.ErrManifestMismatch) {
		return
	}
	if o.metaCache != nil {
		if delErr := o.metaCache.Delete(ctx, ci); delErr != nil {
			o.logger.Warn("metadata cache delete failed", slog.String("cache_key", ci), slog.String("error", delErr.Error()))
		}
	}
	task := model.BackgroundTask{ID: uuid.NewString(), Kind: model.TaskDeleteStaleManifest, CacheKey: ci}
	if pubErr := o.queue.Publish(ctx, task); pubErr != nil {
		o.logger.Warn("failed to schedule stale-manifest deletion",
			slog.String("cache_key", ci), slog.String("error", pubErr.Error()))
	}
}

// serveMiss implements Coalesce -> {Work -> Store -> Stream | Stream (as a
// waiter)}. Bypassed requests skip coalescing entirely: they always act as
// an independent owner and never store their result.
func (o *Orchestrator) serveMiss(ctx context.Context, w http.ResponseWriter, req Request, ci string, bypassed bool) {
	if bypassed {
		o.runAsOwner(ctx, w, req, ci, true)
		return
	}

	entry, isOwner := o.coalesce.Acquire(ci)
	if isOwner {
		defer o.coalesce.Release(ci)
		o.runAsOwner(ctx, w, req, ci, false, entry)
		return
	}

	body, err := o.coalesce.Wait(ctx, entry)
	if err != nil {
		// Bounded wait exceeded or the attach window was missed: proceed
		// exactly as if there were no in-flight work.
		o.runAsOwner(ctx, w, req, ci, false)
		return
	}
	defer body.Close()

	// An owner whose attempt produced no body starts its waiters on an empty
	// reader; a waiter that reads no bytes proceeds as an independent owner.
	var first [1]byte
	n, _ := io.ReadFull(body, first[:])
	if n == 0 {
		o.runAsOwner(ctx, w, req, ci, false)
		return
	}

	w.Header().Set("X-Cache-Status", "MISS")
	w.Header().Set("X-Cache-Source", "UPSTREAM")
	w.Header().Set("Accept-Ranges", "bytes")
	w.WriteHeader(http.StatusOK)
	_, err = w.Write(first[:n])
	if err == nil {
		_, err = io.Copy(w, body)
	}
	if err != nil {
		o.logger.Warn("error streaming coalesced body to waiter", slog.String("cache_key", ci), slog.String("error", err.Error()))
	}
}

// runAsOwner implements the Work state and its Store/Fallback successors.
// entry is non-nil exactly when this call is coalescer-tracked (not a
// bypassed request); when non-nil the owner fans its result out to any
// waiters that attached via entry, in addition to the response itself.
func (o *Orchestrator) runAsOwner(ctx context.Context, w http.ResponseWriter, req Request, ci string, bypassed bool, entry ...*coalescer.Entry) {
	var owned *coalescer.Entry
	if len(entry) > 0 {
		owned = entry[0]
	}

	version, err := o.versions.Next(ctx, ci, false)
	if err != nil {
		o.logger.Warn("version registry next failed, proceeding unversioned",
			slog.String("cache_key", ci), slog.String("error", err.Error()))
		version = 0
	}
	propVersion, propagate := model.PropagatedVersion(version)
	if !propagate {
		propVersion = 0
	}

	fetchCtx := ctx
	var cancel context.CancelFunc
	if o.cfg.UpstreamTimeout > 0 {
		fetchCtx, cancel = context.WithTimeout(ctx, o.cfg.UpstreamTimeout)
		defer cancel()
	}

	result, err := o.transformer.Transform(fetchCtx, req.SourcePath, req.Options, propVersion)
	if err != nil || result.StatusCode < 200 || result.StatusCode >= 300 {
		if owned != nil {
			owned.Start(io.LimitReader(new(errReader), 0))
		}
		o.runFallback(ctx, w, req, ci, result, err)
		return
	}

	if result.Partial {
		// The upstream itself answered with a range; spec §4.3/§4.8 forbid
		// caching such a body under the full-content key. Stream it
		// through untouched with no storage and no coalescer fan-out.
		if owned != nil {
			owned.Start(io.LimitReader(new(errReader), 0))
		}
		o.streamUncached(w, result)
		return
	}

	am := buildMetadata(req, result, version)
	ttl := o.cfg.TTL.ForStatus(result.StatusCode)
	willStore := !bypassed && ttl > 0

	// A bypassed request is never coalescer-tracked (serveMiss never calls
	// Acquire for one), so owned is always nil here and there are no
	// waiters to fan out to: read result.Body directly with no tee at all.
	var respR, storeR io.ReadCloser
	if owned == nil {
		respR = result.Body
	} else {
		var ok bool
		respR, ok = owned.Add()
		if !ok {
			// The entry already started (shouldn't happen before this
			// owner's own Start call, but handled defensively): fall back
			// to a private tee with no waiter fan-out.
			t := concurrency.NewPendingTee()
			respR, _ = t.Add()
			if willStore {
				storeR, _ = t.Add()
			}
			t.Start(result.Body)
			owned = nil
		} else {
			if willStore {
				storeR, ok = owned.Add()
				if !ok {
					storeR = nil
				}
			}
			owned.Start(result.Body)
		}
	}

	if willStore && storeR != nil {
		o.bg.Go(ctx, "blobstore.put", func(bgCtx context.Context) error {
			defer storeR.Close()
			return o.blob.Put(bgCtx, ci, storeR, am, ttl, blobstore.PutOptions{})
		})
		o.scheduleVersionStore(ctx, ci, version, ttl)
		if o.metaCache != nil {
			if err := o.metaCache.Set(ctx, ci, am, ttl); err != nil {
				o.logger.Warn("metadata cache set failed after store", slog.String("cache_key", ci), slog.String("error", err.Error()))
			}
		}
	}

	o.setCommonHeaders(w, am, ci, time.Now(), "MISS", metrics.CacheTypeMinIO)
	w.Header().Set("X-Cache-Source", "UPSTREAM")
	if am.Version >= 1 {
		w.Header().Set("X-Cache-Version", strconv.FormatUint(am.Version, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, respR); err != nil {
		o.logger.Warn("error streaming upstream body to client", slog.String("cache_key", ci), slog.String("error", err.Error()))
	}
	respR.Close()
}

func (o *Orchestrator) scheduleVersionStore(ctx context.Context, ci string, version uint64, artifactTTL time.Duration) {
	task := model.BackgroundTask{
		ID:         uuid.NewString(),
		Kind:       model.TaskStoreVersion,
		CacheKey:   ci,
		Version:    version,
		TTLSeconds: int64(artifactTTL.Seconds()),
	}
	if err := o.queue.Publish(ctx, task); err != nil {
		o.logger.Warn("failed to schedule version store", slog.String("cache_key", ci), slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) runFallback(ctx context.Context, w http.ResponseWriter, req Request, ci string, result *repository.TransformResult, transformErr error) {
	o.fallbackP.Handle(ctx, w, fallback.Request{
		SourcePath:  req.SourcePath,
		Options:     req.Options,
		Conditional: req.Conditional,
		CacheKey:    ci,
	}, result, transformErr)
}

// streamUncached copies result.Body straight to w with no caching
// metadata, for the "upstream response itself partial" carve-out.
func (o *Orchestrator) streamUncached(w http.ResponseWriter, result *repository.TransformResult) {
	defer result.Body.Close()
	for k, vs := range result.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("Accept-Ranges", "bytes")
	w.WriteHeader(result.StatusCode)
	_, _ = io.Copy(w, result.Body)
}

func (o *Orchestrator) setCommonHeaders(w http.ResponseWriter, am model.ArtifactMetadata, ci string, now time.Time, status, cacheType string) {
	if am.ContentType != "" {
		w.Header().Set("Content-Type", am.ContentType)
	}
	w.Header().Set("Accept-Ranges", "bytes")
	remaining := am.RemainingTTL(now)
	if remaining > 0 {
		w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int(remaining.Seconds())))
	}
	if len(am.CacheTags) > 0 {
		tags := am.CacheTags[0]
		for _, t := range am.CacheTags[1:] {
			tags += "," + t
		}
		w.Header().Set("Cache-Tag", tags)
	}
	w.Header().Set("X-Cache-Status", status)
	w.Header().Set("X-Cache-Key", ci)
	w.Header().Set("X-Cache-Age", fmt.Sprintf("%ds", int(now.Sub(am.CreatedAt).Seconds())))
	w.Header().Set("X-Cache-TTL", fmt.Sprintf("%ds", int(remaining.Seconds())))
	if am.Version >= 1 {
		w.Header().Set("X-Cache-Version", strconv.FormatUint(am.Version, 10))
	}
}

func buildMetadata(req Request, result *repository.TransformResult, version uint64) model.ArtifactMetadata {
	now := time.Now()
	am := model.ArtifactMetadata{
		SourcePath:         req.SourcePath,
		Mode:               req.Options.WithMode(),
		RequestedWidth:     req.Options.Width,
		RequestedHeight:    req.Options.Height,
		Derivative:         req.Options.Derivative,
		ContentType:        result.ContentType,
		TotalContentLength: result.ContentLength,
		CreatedAt:          now,
		Version:            version,
		CacheTags:          model.DedupedTags(splitCacheTags(result.Header.Get("Cache-Tag"))),
	}
	if req.Options.Time != nil {
		am.Time = *req.Options.Time
	}
	if req.Options.Columns != nil {
		am.Columns = *req.Options.Columns
	}
	if req.Options.Rows != nil {
		am.Rows = *req.Options.Rows
	}
	if req.Options.Interval != nil {
		am.Interval = *req.Options.Interval
	}
	if req.Options.Duration != nil {
		am.Duration = *req.Options.Duration
	}
	if req.Options.Format != nil {
		am.Format = *req.Options.Format
	}
	if req.Options.Quality != nil {
		am.Quality = *req.Options.Quality
	}
	if req.Options.Codec != nil {
		am.Codec = *req.Options.Codec
	}
	return am
}

func splitCacheTags(header string) []string {
	if header == "" {
		return nil
	}
	var tags []string
	start := 0
	for i := 0; i <= len(header); i++ {
		if i == len(header) || header[i] == ',' {
			if i > start {
				tags = append(tags, header[start:i])
			}
			start = i + 1
		}
	}
	return tags
}

// errReader is a zero-length reader used to unblock an owner's coalescer
// waiters with io.EOF when the owner's own attempt failed before producing
// a body — waiters then simply receive an empty read and, seeing no bytes
// with the request's own error state, fall through to their own
// independent-owner retry on the next attempt rather than hanging.
type errReader struct{}

func (e *errReader) Read(p []byte) (int, error) { return 0, io.EOF }
