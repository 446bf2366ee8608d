package repository

import (
	"context"
	"io"
	"time"
)

// RawBlobStore defines the interface for the underlying per-key blob KV
// that the chunked blob store is built on top of. It imposes no chunking
// semantics of its own — ChunkedBlobStore owns the manifest/chunk split;
// this interface only knows how to put, get, stat, and delete a single
// key's bytes. Implementations are provided by the infrastructure layer
// (e.g. MinIO).
type RawBlobStore interface {
	// Put stores size bytes read from r under key, with contentType and an
	// opaque string-valued metadata map, expiring at ttl from now. size may
	// be -1 when unknown (streamed, unbuffered upload).
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string, metadata map[string]string, ttl time.Duration) error

	// Get returns a stream for key plus its stat'd metadata. Callers must
	// Close the returned ReadCloser.
	Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)

	// Stat returns metadata for key without reading its body.
	Stat(ctx context.Context, key string) (ObjectInfo, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// MetadataRewriter is an optional capability a RawBlobStore implementation
// may expose: an in-place rewrite of an entry's metadata (e.g. a refreshed
// expiry) without re-transferring its body. The TTL refresher checks for
// this via a type assertion and skips refreshing rather than rewriting the
// full body when a store doesn't support it.
type MetadataRewriter interface {
	RewriteMetadata(ctx context.Context, key string, metadata map[string]string, ttl time.Duration) error
}

// ObjectInfo describes a stored object's side-channel metadata.
type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	LastModified time.Time
	Metadata     map[string]string
}
