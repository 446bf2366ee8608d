package model

// TaskKind enumerates the background jobs the orchestrator schedules on the
// background execution handle instead of doing inline, fire-and-forget
// goroutines.
type TaskKind string

const (
	TaskRefreshTTL      TaskKind = "refresh_ttl"
	TaskStoreVersion    TaskKind = "store_version"
	TaskStoreFallback   TaskKind = "store_fallback_body"
	TaskDeleteStaleManifest TaskKind = "delete_stale_manifest"
)

// BackgroundTask is the message shape published to the background queue
// (RabbitMQ in production, in-process in tests/small deployments) and
// consumed by cmd/worker.
type BackgroundTask struct {
	ID         string   `json:"id"`
	Kind       TaskKind `json:"kind"`
	CacheKey   string   `json:"cache_key"`
	Version    uint64   `json:"version,omitempty"`
	TTLSeconds int64    `json:"ttl_seconds,omitempty"`
	RetryCount int      `json:"retry_count"`
}
