// Package versionregistry implements a per-cache-identity monotonically
// increasing version counter, stored in a small key-value namespace
// separate from the artifact namespace, so bumping a version never touches
// the (possibly large, chunked) artifact body itself.
package versionregistry

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/erfianugrah/edgevidcache/internal/domain/model"
	"github.com/erfianugrah/edgevidcache/internal/domain/repository"
	"github.com/erfianugrah/edgevidcache/internal/retry"
)

// Config holds tunables for VersionRegistry.
type Config struct {
	// TTLMultiplier sets version-record retention as a multiple of the
	// artifact TTL (default 2 — version records must outlive the artifacts
	// they version, so a stale version number is never reused).
	TTLMultiplier int

	RetryBase time.Duration
	RetryMax  time.Duration
	MaxAttempts int
}

// DefaultConfig returns the default retry policy: base 200ms, doubling,
// capped at 2s, 3 attempts.
func DefaultConfig() Config {
	return Config{
		TTLMultiplier: 2,
		RetryBase:     200 * time.Millisecond,
		RetryMax:      2 * time.Second,
		MaxAttempts:   3,
	}
}

// Registry is the version registry.
type Registry struct {
	store  repository.VersionStore
	cfg    Config
	logger *slog.Logger

	// sfGroup coalesces concurrent Next calls for the same CI within this
	// process — a narrower, in-process optimization distinct from the
	// cross-request bounded-wait coalescer used on the read path.
	sfGroup singleflight.Group
}

// New creates a Registry.
func New(store repository.VersionStore, cfg Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: store, cfg: cfg, logger: logger}
}

// Get returns the current version for ci, or (0, false) if absent — absence
// is treated as version 0.
func (r *Registry) Get(ctx context.Context, ci string) (uint64, bool, error) {
	rec, ok, err := r.store.Get(ctx, ci)
	if err != nil {
		return 0, false, err
	}
	if !ok {
		return 0, false, nil
	}
	return rec.Version, true, nil
}

// Next atomically computes the next version for ci: initializes to 1 if no
// record exists (or force is true and none exists), otherwise increments
// the existing value. The result is NOT persisted by Next — callers (the
// orchestrator) schedule Store as a background task, keeping the registry
// off the request's critical path.
func (r *Registry) Next(ctx context.Context, ci string, force bool) (uint64, error) {
	v, err, _ := r.sfGroup.Do(ci, func() (any, error) {
		rec, ok, err := r.store.Get(ctx, ci)
		if err != nil {
			r.logger.Warn("version registry read failed, treating as absent",
				slog.String("cache_key", ci), slog.String("error", err.Error()))
			ok = false
		}
		if !ok {
			// No existing record: force or not, the sequence starts at 1.
			return uint64(1), nil
		}
		// A record exists: force is irrelevant here — increment.
		return rec.Version + 1, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(uint64), nil
}

// Store upserts a version record for ci with the registry's configured TTL
// multiplier applied to artifactTTL. It retries on rate-limit/conflict
// signals with exponential backoff (base 200ms, doubling, capped at 2s, 3
// attempts) and logs — never throws — when attempts are exhausted, since
// the registry is never allowed to block a response.
func (r *Registry) Store(ctx context.Context, ci string, version uint64, artifactTTL time.Duration) error {
	ttl := artifactTTL * time.Duration(r.cfg.TTLMultiplier)
	rec := model.VersionRecord{Version: version, UpdatedAt: time.Now()}

	rcfg := retry.Config{Base: r.cfg.RetryBase, Max: r.cfg.RetryMax, MaxAttempts: r.cfg.MaxAttempts}
	var lastErr error
	err := retry.Do(ctx, rcfg, func(attempt int) error {
		err := r.store.Store(ctx, ci, rec, ttl)
		if err != nil {
			lastErr = err
			r.logger.Warn("version store write failed, retrying",
				slog.String("cache_key", ci),
				slog.Int("attempt", attempt+1),
				slog.String("error", err.Error()),
			)
		}
		return err
	})
	if err != nil {
		r.logger.Error("version store write exhausted retries",
			slog.String("cache_key", ci), slog.String("error", lastErr.Error()))
	}
	return err
}
