// Package limitregistry implements the small Postgres-backed table that
// persists the duration ceilings FallbackPipeline step 1 observes from
// upstream "duration out of range" errors, so pre-emptive clamping survives
// a process restart rather than being relearned from the next failure.
package limitregistry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/erfianugrah/edgevidcache/internal/domain/repository"
	"github.com/erfianugrah/edgevidcache/internal/infrastructure/metrics"
)

// ClientConfig holds configuration for the PostgreSQL connection pool.
type ClientConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultClientConfig returns a ClientConfig with conservative pool sizing
// appropriate for a table this small and low-write.
func DefaultClientConfig(dsn string) ClientConfig {
	return ClientConfig{
		DSN:             dsn,
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// Client wraps a PostgreSQL connection pool.
type Client struct {
	pool *pgxpool.Pool
}

// NewClient creates a new PostgreSQL client with connection pooling,
// failing fast if the database is unreachable.
func NewClient(ctx context.Context, cfg ClientConfig) (*Client, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}

	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Client{pool: pool}, nil
}

// Pool returns the underlying connection pool, for constructing a Registry.
func (c *Client) Pool() *pgxpool.Pool { return c.pool }

// Ping verifies the database connection is alive.
func (c *Client) Ping(ctx context.Context) error { return c.pool.Ping(ctx) }

// Close closes all connections in the pool.
func (c *Client) Close() { c.pool.Close() }

// Stats mirrors pgxpool's connection statistics for the health endpoint.
type Stats struct {
	AcquireCount  int64
	AcquiredConns int32
	IdleConns     int32
	TotalConns    int32
	MaxConns      int32
}

// Stats returns current connection pool statistics.
func (c *Client) Stats() Stats {
	s := c.pool.Stat()
	return Stats{
		AcquireCount:  s.AcquireCount(),
		AcquiredConns: s.AcquiredConns(),
		IdleConns:     s.IdleConns(),
		TotalConns:    s.TotalConns(),
		MaxConns:      s.MaxConns(),
	}
}

// DBTX abstracts pgxpool.Pool and pgx.Tx for testability (pgxmock satisfies
// this against a *pgxpool.Pool-shaped interface in tests).
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Registry implements repository.LimitRegistry against a single
// duration_limits table, keyed by source path.
type Registry struct {
	db DBTX
}

// NewRegistry creates a Registry over db (normally a Client's Pool()).
func NewRegistry(db DBTX) *Registry {
	return &Registry{db: db}
}

// ObserveMaxDuration upserts sourcePath's duration ceiling. Repeated
// observations overwrite the prior value — the registry tracks the most
// recently observed ceiling, not a running minimum, since an upstream's
// limit can legitimately change between deploys.
func (r *Registry) ObserveMaxDuration(ctx context.Context, sourcePath string, maxSeconds int) error {
	const query = `
		INSERT INTO duration_limits (source_path, max_seconds, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (source_path) DO UPDATE
		SET max_seconds = EXCLUDED.max_seconds, updated_at = EXCLUDED.updated_at
	`
	_, err := r.db.Exec(ctx, query, sourcePath, maxSeconds, time.Now())
	if err != nil {
		metrics.DBQueriesTotal.WithLabelValues(metrics.DBQueryInsert, metrics.TableDurationLimits).Inc()
		return fmt.Errorf("observe max duration: %w", err)
	}
	metrics.DBQueriesTotal.WithLabelValues(metrics.DBQueryInsert, metrics.TableDurationLimits).Inc()
	return nil
}

// MaxDuration returns sourcePath's last observed ceiling, if any.
func (r *Registry) MaxDuration(ctx context.Context, sourcePath string) (int, bool, error) {
	const query = `SELECT max_seconds FROM duration_limits WHERE source_path = $1`

	var maxSeconds int
	err := r.db.QueryRow(ctx, query, sourcePath).Scan(&maxSeconds)
	metrics.DBQueriesTotal.WithLabelValues(metrics.DBQuerySelect, metrics.TableDurationLimits).Inc()
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("query max duration: %w", err)
	}
	return maxSeconds, true, nil
}

var _ repository.LimitRegistry = (*Registry)(nil)
