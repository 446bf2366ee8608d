// Package metrics provides Prometheus metrics for observability: a set of
// namespaced CounterVecs registered via promauto, covering cache, chunk,
// range, coalescer, refresh, fallback, database, and background-queue
// operations.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "edgevidcache"

var (
	// CacheOperationsTotal tracks version-registry and blob-store read/write
	// operations.
	// Labels:
	//   - operation: get, set, delete
	//   - status: hit, miss, success, error
	//   - cache_type: redis, minio
	CacheOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_operations_total",
			Help:      "Total number of cache/blob-store operations",
		},
		[]string{"operation", "status", "cache_type"},
	)

	// CacheStatusTotal tracks the orchestrator's top-level hit/miss decision
	// per request.
	// Labels:
	//   - status: hit, miss
	CacheStatusTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_status_total",
			Help:      "Total requests by cache status",
		},
		[]string{"status"},
	)

	// ChunkOperationsTotal tracks chunked-artifact writes/reads.
	// Labels:
	//   - operation: put, get
	ChunkOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_operations_total",
			Help:      "Total number of chunk-level blob operations",
		},
		[]string{"operation"},
	)

	// RangeRequestsTotal tracks range-request outcomes.
	// Labels:
	//   - outcome: satisfiable, unsatisfiable
	RangeRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "range_requests_total",
			Help:      "Total range requests by outcome",
		},
		[]string{"outcome"},
	)

	// CoalescerRequestsTotal tracks request-coalescer single-flight behavior.
	// Labels:
	//   - result: owner, waiter, timeout
	CoalescerRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "coalescer_requests_total",
			Help:      "Total number of coalesced cache-miss requests",
		},
		[]string{"result"},
	)

	// SingleflightRequestsTotal tracks the VersionRegistry's in-process
	// singleflight coalescing (distinct from CoalescerRequestsTotal, which
	// is the cross-request coalescer on the read path).
	// Labels:
	//   - result: initiated, shared
	SingleflightRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "version_singleflight_requests_total",
			Help:      "Total number of version-registry singleflight requests",
		},
		[]string{"result"},
	)

	// RefreshTotal tracks TTL refresh decisions.
	// Labels:
	//   - result: refreshed, skipped, failed
	RefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ttl_refresh_total",
			Help:      "Total number of TTL refresh decisions",
		},
		[]string{"result"},
	)

	// FallbackTotal tracks fallback pipeline outcomes.
	// Labels:
	//   - reason: duration, direct_origin, storage_service, terminal
	FallbackTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_total",
			Help:      "Total number of fallback pipeline invocations by step reached",
		},
		[]string{"reason"},
	)

	// DBQueriesTotal tracks limit-registry (Postgres) queries.
	// Labels:
	//   - query_type: select, insert, update
	//   - table: duration_limits
	DBQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "db_queries_total",
			Help:      "Total number of database queries",
		},
		[]string{"query_type", "table"},
	)

	// BackgroundQueueTotal tracks background task publish/consume outcomes.
	// Labels:
	//   - operation: publish, consume
	//   - status: success, error
	BackgroundQueueTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "background_queue_total",
			Help:      "Total number of background queue operations",
		},
		[]string{"operation", "status"},
	)
)

// Cache operation status constants.
const (
	CacheStatusHit     = "hit"
	CacheStatusMiss    = "miss"
	CacheStatusSuccess = "success"
	CacheStatusError   = "error"
)

// Cache operation type constants.
const (
	CacheOpGet    = "get"
	CacheOpSet    = "set"
	CacheOpDelete = "delete"
)

// Cache type constants.
const (
	CacheTypeRedis = "redis"
	CacheTypeMinIO = "minio"
)

// Range outcome constants.
const (
	RangeSatisfiable   = "satisfiable"
	RangeUnsatisfiable = "unsatisfiable"
)

// Coalescer result constants.
const (
	CoalesceOwner   = "owner"
	CoalesceWaiter  = "waiter"
	CoalesceTimeout = "timeout"
)

// Singleflight result constants.
const (
	SingleflightInitiated = "initiated"
	SingleflightShared    = "shared"
)

// Refresh result constants.
const (
	RefreshDone    = "refreshed"
	RefreshSkipped = "skipped"
	RefreshFailed  = "failed"
)

// Fallback reason constants.
const (
	FallbackDuration       = "duration"
	FallbackDirectOrigin   = "direct_origin"
	FallbackStorageService = "storage_service"
	FallbackTerminal       = "terminal"
)

// DB query type constants.
const (
	DBQuerySelect = "select"
	DBQueryInsert = "insert"
	DBQueryUpdate = "update"
)

// Table name constants.
const (
	TableDurationLimits = "duration_limits"
)

// Background queue operation/status constants.
const (
	QueueOpPublish = "publish"
	QueueOpConsume = "consume"
	QueueStatusOK  = "success"
	QueueStatusErr = "error"
)
