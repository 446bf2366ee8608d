package versionkv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/erfianugrah/edgevidcache/internal/domain/model"
)

const metadataKeyPrefix = "am:"

// MetadataCache is an L1 cache-aside layer in front of the blob store's AM
// reads, avoiding a MinIO stat/get round trip on every request for metadata
// that rarely changes between TTL refreshes: get, fall through on miss,
// best-effort set, never fail the caller on a cache error.
type MetadataCache struct {
	client *redis.Client
}

// NewMetadataCache creates a Redis-backed ArtifactMetadata cache.
func NewMetadataCache(client *redis.Client) *MetadataCache {
	return &MetadataCache{client: client}
}

// Get returns the cached metadata for ci, or (zero, false, nil) on a clean
// miss. Redis errors are returned so the caller can log and fall through
// to the authoritative store rather than fail the request.
func (c *MetadataCache) Get(ctx context.Context, ci string) (model.ArtifactMetadata, bool, error) {
	data, err := c.client.Get(ctx, metadataKeyPrefix+ci).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return model.ArtifactMetadata{}, false, nil
		}
		return model.ArtifactMetadata{}, false, fmt.Errorf("redis get metadata: %w", err)
	}

	var am model.ArtifactMetadata
	if err := json.Unmarshal(data, &am); err != nil {
		return model.ArtifactMetadata{}, false, fmt.Errorf("decode metadata: %w", err)
	}
	return am, true, nil
}

// Set stores am for ci with ttl. Errors are for the caller to log; they are
// never fatal to the request.
func (c *MetadataCache) Set(ctx context.Context, ci string, am model.ArtifactMetadata, ttl time.Duration) error {
	data, err := json.Marshal(am)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := c.client.Set(ctx, metadataKeyPrefix+ci, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set metadata: %w", err)
	}
	return nil
}

// Delete removes ci's cached metadata, used when the blob store detects a
// manifest mismatch and marks an entry for deletion.
func (c *MetadataCache) Delete(ctx context.Context, ci string) error {
	if err := c.client.Del(ctx, metadataKeyPrefix+ci).Err(); err != nil {
		return fmt.Errorf("redis del metadata: %w", err)
	}
	return nil
}
