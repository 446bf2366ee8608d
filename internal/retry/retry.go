// Package retry implements the exponential-backoff policy shared by every
// component that writes to a rate-limited or conflict-prone backing store:
// base 200ms, doubling, capped at 2s, 3 attempts by default. Used by the
// version registry's record writes and the blob store's chunk/manifest
// writes alike, so the two don't each carry their own retry loop.
package retry

import (
	"context"
	"time"
)

// Config holds the backoff policy's tunables.
type Config struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// DefaultConfig returns the package's default policy: base 200ms,
// doubling, capped at 2s, 3 attempts.
func DefaultConfig() Config {
	return Config{Base: 200 * time.Millisecond, Max: 2 * time.Second, MaxAttempts: 3}
}

// Do calls fn up to cfg.MaxAttempts times, sleeping with doubling backoff
// (capped at cfg.Max) between attempts. fn receives the zero-based attempt
// index so the caller can vary its log message. Do returns the last error
// if every attempt fails, or nil on the first success. A cancelled ctx
// aborts the wait between attempts and returns ctx.Err().
func Do(ctx context.Context, cfg Config, fn func(attempt int) error) error {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := cfg.Base

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
			if backoff > cfg.Max {
				backoff = cfg.Max
			}
		}

		if err := fn(attempt); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}
