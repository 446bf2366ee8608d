package repository

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/erfianugrah/edgevidcache/internal/domain/model"
)

// TransformResult is the outcome of invoking the upstream media-transform
// collaborator.
type TransformResult struct {
	StatusCode  int
	ContentType string
	Body        io.ReadCloser
	// ContentLength is -1 when the upstream didn't send one.
	ContentLength int64
	// Partial is true when the upstream itself answered with 206 or a
	// Content-Range header — such bodies must never be cached.
	Partial bool
	// ErrorBody is populated (and Body left nil) on non-2xx responses, so
	// the fallback pipeline can parse duration/file-size error shapes
	// without re-reading a consumed stream.
	ErrorBody string
	Header    http.Header
}

// Transformer is the out-of-scope upstream media-transformation service:
// an HTTP endpoint that takes a parameter-encoded URL and returns a
// transformed media body.
type Transformer interface {
	// Transform issues the upstream transform fetch for sourcePath with the
	// given options and propagated version (0 means "do not append v=").
	Transform(ctx context.Context, sourcePath string, opts model.Options, version uint64) (*TransformResult, error)
}

// OriginFetcher is the direct-origin collaborator used by FallbackPipeline
// step 2.
type OriginFetcher interface {
	// Available reports whether a direct origin URL can be constructed for
	// sourcePath at all.
	Available(sourcePath string) bool

	// Fetch retrieves sourcePath directly from the origin, passing through
	// conditional headers. The caller closes the returned body.
	Fetch(ctx context.Context, sourcePath string, conditional http.Header) (*TransformResult, error)
}

// StorageOrigin is the storage-service collaborator used by FallbackPipeline
// step 3.
type StorageOrigin interface {
	Fetch(ctx context.Context, sourcePath string) (*TransformResult, error)
}

// VersionStore is the raw KV namespace backing the version registry. It is
// separate from RawBlobStore: version records live in their own namespace
// per artifact class.
type VersionStore interface {
	Get(ctx context.Context, ci string) (model.VersionRecord, bool, error)
	Store(ctx context.Context, ci string, rec model.VersionRecord, ttl time.Duration) error
}

// LimitRegistry persists the process-wide duration-limit observations used
// by FallbackPipeline step 1 so pre-emptive clamping survives restarts.
type LimitRegistry interface {
	// ObserveMaxDuration records that sourcePath's upstream rejected a
	// duration above maxSeconds.
	ObserveMaxDuration(ctx context.Context, sourcePath string, maxSeconds int) error

	// MaxDuration returns the last observed ceiling for sourcePath, if any.
	MaxDuration(ctx context.Context, sourcePath string) (int, bool, error)
}
