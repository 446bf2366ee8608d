// Package refresher implements opportunistic TTL extension triggered
// after a cache hit, always scheduled on the background execution handle
// so the user-visible response never waits on it.
package refresher

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/erfianugrah/edgevidcache/internal/concurrency"
	"github.com/erfianugrah/edgevidcache/internal/domain/model"
	"github.com/erfianugrah/edgevidcache/internal/domain/repository"
)

// Config holds the refresh decision rule's thresholds and the cooldown
// window used to dampen thundering-herd refresh attempts on hot keys.
type Config struct {
	// MinElapsedPct is the fraction of the original TTL that must have
	// elapsed before a refresh is considered.
	MinElapsedPct float64

	// MinRemainingSeconds is the minimum remaining TTL a refresh requires
	// (refreshing an entry about to expire anyway wastes a write).
	MinRemainingSeconds int64

	// CooldownWindow rounds the refresh decision to this cadence per key,
	// via the refresher's own bounded LRU (the same primitive the request
	// coalescer uses for its in-flight table).
	CooldownWindow time.Duration
}

// DefaultConfig returns conservative thresholds: refresh once at least
// half the TTL has elapsed, provided at least a minute remains, with a
// one-minute per-key cooldown.
func DefaultConfig() Config {
	return Config{MinElapsedPct: 0.5, MinRemainingSeconds: 60, CooldownWindow: time.Minute}
}

// Refresher decides when a just-served cache hit's TTL should be
// opportunistically extended, and schedules that extension off the
// request path.
type Refresher struct {
	cfg      Config
	cooldown *concurrency.BoundedLRU[string, time.Time]
	logger   *slog.Logger
}

// New creates a Refresher with its own cooldown table (a separate
// instance of the same bounded-LRU primitive the request coalescer uses
// for its in-flight table).
func New(cfg Config, logger *slog.Logger) *Refresher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{
		cfg:      cfg,
		cooldown: concurrency.New[string, time.Time](10_000, cfg.CooldownWindow),
		logger:   logger,
	}
}

// due evaluates the elapsed/remaining decision rule and the per-key
// cooldown, marking the key on cooldown as a side effect when it returns
// true. Called only from Schedule so the cooldown is only consumed when a
// refresh is actually about to be dispatched.
func (r *Refresher) due(ci string, am model.ArtifactMetadata, originalTTL time.Duration, now time.Time) bool {
	if originalTTL <= 0 {
		return false
	}
	remaining := am.RemainingTTL(now)
	elapsed := originalTTL - remaining
	if float64(elapsed)/float64(originalTTL) < r.cfg.MinElapsedPct {
		return false
	}
	if remaining < time.Duration(r.cfg.MinRemainingSeconds)*time.Second {
		return false
	}
	if _, onCooldown := r.cooldown.Get(ci); onCooldown {
		return false
	}
	r.cooldown.Set(ci, now)
	return true
}

// Schedule enqueues a background refresh task for ci when the decision
// rule and cooldown both allow it. It never blocks the caller on the
// refresh itself completing — only on the queue publish, whose failure is
// logged and swallowed rather than propagated to the caller.
func (r *Refresher) Schedule(ctx context.Context, queue repository.BackgroundQueue, ci string, am model.ArtifactMetadata, originalTTL time.Duration) {
	if !r.due(ci, am, originalTTL, time.Now()) {
		return
	}

	task := model.BackgroundTask{
		ID:         uuid.NewString(),
		Kind:       model.TaskRefreshTTL,
		CacheKey:   ci,
		TTLSeconds: int64(originalTTL.Seconds()),
	}
	if err := queue.Publish(ctx, task); err != nil {
		r.logger.Warn("failed to schedule ttl refresh",
			slog.String("cache_key", ci), slog.String("error", err.Error()))
	}
}

// BlobRefresher is the subset of blobstore.Store the background worker
// needs to execute a scheduled refresh task: read current metadata, then
// attempt the metadata-only rewrite.
type BlobRefresher interface {
	Stat(ctx context.Context, ci string) (model.ArtifactMetadata, error)
	RefreshTTL(ctx context.Context, ci string, am model.ArtifactMetadata, newExpiry time.Time, ttl time.Duration) (bool, error)
}

// Execute performs a dequeued TaskRefreshTTL task: it reads the entry's
// current metadata and asks the store to rewrite just its expiry. A store
// that doesn't support metadata-only rewrites is logged and treated as a
// no-op rather than an error, since falling back to a full body rewrite
// would defeat the point of a cheap TTL bump.
func Execute(ctx context.Context, store BlobRefresher, task model.BackgroundTask, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	am, err := store.Stat(ctx, task.CacheKey)
	if err != nil {
		return err
	}

	ttl := time.Duration(task.TTLSeconds) * time.Second
	newExpiry := time.Now().Add(ttl)
	ok, err := store.RefreshTTL(ctx, task.CacheKey, am, newExpiry, ttl)
	if err != nil {
		return err
	}
	if !ok {
		logger.Debug("blob store does not support metadata-only refresh, skipping",
			slog.String("cache_key", task.CacheKey))
	}
	return nil
}
