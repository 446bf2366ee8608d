// Package rangeio implements parsing of an HTTP Range
// header against a known total length and emitting a byte-window view
// over a chunk stream. The byte-exact trimming itself lives in
// internal/blobstore, which owns the manifest; this package owns the
// HTTP-facing parsing contract and the 206/416 response construction.
package rangeio

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/erfianugrah/edgevidcache/internal/domain/model"
	"github.com/erfianugrah/edgevidcache/internal/infrastructure/metrics"
)

const bytesPrefix = "bytes="

// Parse resolves a Range header value against totalLength, per this
// contract:
//
//	bytes=a-b  with 0 <= a <= b < L  -> window [a, b]
//	bytes=a-                         -> window [a, L-1]
//	bytes=-n   (suffix)               -> window [max(0, L-n), L-1]
//	anything else, a > b, or a >= L   -> unsatisfiable
func Parse(header string, totalLength int64) (model.ByteRange, bool) {
	if totalLength <= 0 {
		return model.ByteRange{}, false
	}
	spec, ok := strings.CutPrefix(header, bytesPrefix)
	if !ok {
		return model.ByteRange{}, false
	}
	if strings.Contains(spec, ",") {
		// Multi-range requests are an "other shape" per the parsing
		// contract; this engine serves at most one window per request.
		return model.ByteRange{}, false
	}

	dash := strings.IndexByte(spec, '-')
	if dash < 0 {
		return model.ByteRange{}, false
	}
	startStr, endStr := spec[:dash], spec[dash+1:]

	if startStr == "" {
		if endStr == "" {
			return model.ByteRange{}, false
		}
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return model.ByteRange{}, false
		}
		start := totalLength - n
		if start < 0 {
			start = 0
		}
		return model.ByteRange{Start: start, End: totalLength - 1}, true
	}

	a, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || a < 0 || a >= totalLength {
		return model.ByteRange{}, false
	}

	if endStr == "" {
		return model.ByteRange{Start: a, End: totalLength - 1}, true
	}

	b, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil || b < a || b >= totalLength {
		return model.ByteRange{}, false
	}
	return model.ByteRange{Start: a, End: b}, true
}

// WriteSatisfiable sets the 206 status plus Content-Range/Content-Length
// for rng. Must be called before any body bytes are written.
func WriteSatisfiable(w http.ResponseWriter, rng model.ByteRange, totalLength int64) {
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", rng.Start, rng.End, totalLength))
	w.Header().Set("Content-Length", strconv.FormatInt(rng.Length(), 10))
	w.WriteHeader(http.StatusPartialContent)
}

// WriteUnsatisfiable sets the 416 status plus Content-Range: bytes */L.
func WriteUnsatisfiable(w http.ResponseWriter, totalLength int64) {
	w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", totalLength))
	w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
}

// BlobGetter is the subset of blobstore.Store that Slicer needs, kept
// narrow so this package doesn't import blobstore directly.
type BlobGetter interface {
	Get(ctx context.Context, ci string, rng *model.ByteRange) (model.ArtifactMetadata, io.ReadCloser, error)
}

// Slicer serves range requests against a blob getter.
type Slicer struct {
	store BlobGetter
}

// New creates a Slicer over the given blob getter (normally blobstore.Store).
func New(store BlobGetter) *Slicer {
	return &Slicer{store: store}
}

// Serve parses header against am's total length, fetches the resolved
// window from the blob store, and writes status, headers, and body to w.
// It holds at most one I/O buffer's worth of bytes in memory at a time —
// the underlying store's stream is never read ahead of what io.Copy needs.
func (s *Slicer) Serve(ctx context.Context, w http.ResponseWriter, ci string, am model.ArtifactMetadata, header string) (model.ByteRange, bool, error) {
	rng, ok := Parse(header, am.TotalContentLength)
	if !ok {
		metrics.RangeRequestsTotal.WithLabelValues(metrics.RangeUnsatisfiable).Inc()
		WriteUnsatisfiable(w, am.TotalContentLength)
		return model.ByteRange{}, false, nil
	}

	_, body, err := s.store.Get(ctx, ci, &rng)
	if err != nil {
		return model.ByteRange{}, false, err
	}
	defer body.Close()

	metrics.RangeRequestsTotal.WithLabelValues(metrics.RangeSatisfiable).Inc()
	WriteSatisfiable(w, rng, am.TotalContentLength)
	if _, err := io.Copy(w, body); err != nil {
		return rng, true, fmt.Errorf("stream range body: %w", err)
	}
	return rng, true, nil
}
