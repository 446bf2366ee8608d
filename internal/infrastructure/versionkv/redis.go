// Package versionkv implements a version-record store over Redis: a KV
// namespace distinct from the artifact namespace, using explicit JSON
// encoding, a key prefix, and redis.Nil as the miss signal.
package versionkv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/erfianugrah/edgevidcache/internal/domain/model"
	"github.com/erfianugrah/edgevidcache/internal/infrastructure/metrics"
)

const versionKeyPrefix = "version:"

// recordJSON is the wire shape for a VersionRecord — kept distinct from
// model.VersionRecord so storage encoding doesn't couple to the domain
// type's Go field layout.
type recordJSON struct {
	Version   uint64 `json:"version"`
	UpdatedAt int64  `json:"updated_at"` // unix millis
}

// Store implements repository.VersionStore over a *redis.Client.
type Store struct {
	client *redis.Client
}

// NewStore creates a Redis-backed VersionStore.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

func (s *Store) Get(ctx context.Context, ci string) (model.VersionRecord, bool, error) {
	key := buildKey(ci)

	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpGet, metrics.CacheStatusMiss, metrics.CacheTypeRedis).Inc()
			return model.VersionRecord{}, false, nil
		}
		metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpGet, metrics.CacheStatusError, metrics.CacheTypeRedis).Inc()
		return model.VersionRecord{}, false, fmt.Errorf("redis get version: %w", err)
	}

	var rj recordJSON
	if err := json.Unmarshal(data, &rj); err != nil {
		return model.VersionRecord{}, false, fmt.Errorf("decode version record: %w", err)
	}

	metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpGet, metrics.CacheStatusHit, metrics.CacheTypeRedis).Inc()
	return model.VersionRecord{
		Version:   rj.Version,
		UpdatedAt: time.UnixMilli(rj.UpdatedAt),
	}, true, nil
}

func (s *Store) Store(ctx context.Context, ci string, rec model.VersionRecord, ttl time.Duration) error {
	key := buildKey(ci)

	data, err := json.Marshal(recordJSON{
		Version:   rec.Version,
		UpdatedAt: rec.UpdatedAt.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("encode version record: %w", err)
	}

	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpSet, metrics.CacheStatusError, metrics.CacheTypeRedis).Inc()
		return fmt.Errorf("redis set version: %w", err)
	}
	metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpSet, metrics.CacheStatusSuccess, metrics.CacheTypeRedis).Inc()
	return nil
}

func buildKey(ci string) string {
	return versionKeyPrefix + ci
}
