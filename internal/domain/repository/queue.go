package repository

import (
	"context"

	"github.com/erfianugrah/edgevidcache/internal/domain/model"
)

// BackgroundQueue defines the interface for the host's background execution
// handle: deferred work is always enqueued through it, never fired off and
// forgotten on a bare goroutine. The orchestrator and refresher publish
// tasks; cmd/worker drains them.
type BackgroundQueue interface {
	// Publish enqueues a background task. Used by the API process to
	// schedule TTL refreshes, version-store writes, and stale-manifest
	// deletions without blocking the response.
	Publish(ctx context.Context, task model.BackgroundTask) error

	// Consume starts draining background tasks, calling handler for each.
	// Blocks until ctx is cancelled or the underlying channel closes.
	Consume(ctx context.Context, handler func(task model.BackgroundTask) error) error

	// Close gracefully closes the connection to the queue.
	Close() error
}
