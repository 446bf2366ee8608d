package rangeio

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/erfianugrah/edgevidcache/internal/domain/model"
)

func TestParse_ExplicitWindow(t *testing.T) {
	rng, ok := Parse("bytes=10-20", 100)
	if !ok {
		t.Fatalf("expected satisfiable")
	}
	if rng != (model.ByteRange{Start: 10, End: 20}) {
		t.Fatalf("got %+v", rng)
	}
}

func TestParse_OpenEnded(t *testing.T) {
	rng, ok := Parse("bytes=90-", 100)
	if !ok {
		t.Fatalf("expected satisfiable")
	}
	if rng != (model.ByteRange{Start: 90, End: 99}) {
		t.Fatalf("got %+v", rng)
	}
}

func TestParse_Suffix(t *testing.T) {
	rng, ok := Parse("bytes=-10", 100)
	if !ok {
		t.Fatalf("expected satisfiable")
	}
	if rng != (model.ByteRange{Start: 90, End: 99}) {
		t.Fatalf("got %+v", rng)
	}
}

func TestParse_SuffixLargerThanTotalClampsToZero(t *testing.T) {
	rng, ok := Parse("bytes=-500", 100)
	if !ok {
		t.Fatalf("expected satisfiable")
	}
	if rng != (model.ByteRange{Start: 0, End: 99}) {
		t.Fatalf("got %+v", rng)
	}
}

func TestParse_Unsatisfiable(t *testing.T) {
	cases := []string{
		"bytes=50-10",  // a > b
		"bytes=150-200", // a >= L
		"bytes=abc-def", // malformed
		"items=0-10",    // wrong unit
		"bytes=0-10,20-30", // multi-range
		"",
	}
	for _, header := range cases {
		if _, ok := Parse(header, 100); ok {
			t.Fatalf("expected %q to be unsatisfiable", header)
		}
	}
}

func TestParse_ZeroTotalLengthIsUnsatisfiable(t *testing.T) {
	if _, ok := Parse("bytes=0-10", 0); ok {
		t.Fatalf("expected unsatisfiable when total length is unknown")
	}
}

type fakeBlobGetter struct {
	body    string
	wantRng *model.ByteRange
	err     error
}

func (f *fakeBlobGetter) Get(ctx context.Context, ci string, rng *model.ByteRange) (model.ArtifactMetadata, io.ReadCloser, error) {
	if f.err != nil {
		return model.ArtifactMetadata{}, nil, f.err
	}
	f.wantRng = rng
	return model.ArtifactMetadata{}, io.NopCloser(strings.NewReader(f.body)), nil
}

func TestSlicer_ServeSatisfiableWritesHeadersAndBody(t *testing.T) {
	getter := &fakeBlobGetter{body: "HELLO"}
	s := New(getter)
	am := model.ArtifactMetadata{TotalContentLength: 11}
	w := httptest.NewRecorder()

	rng, ok, err := s.Serve(context.Background(), w, "ci1", am, "bytes=0-4")
	if err != nil {
		t.Fatalf("serve failed: %v", err)
	}
	if !ok {
		t.Fatalf("expected satisfiable")
	}
	if rng != (model.ByteRange{Start: 0, End: 4}) {
		t.Fatalf("got range %+v", rng)
	}
	if w.Code != 206 {
		t.Fatalf("expected 206, got %d", w.Code)
	}
	if got := w.Header().Get("Content-Range"); got != "bytes 0-4/11" {
		t.Fatalf("unexpected Content-Range: %s", got)
	}
	if got := w.Header().Get("Content-Length"); got != "5" {
		t.Fatalf("unexpected Content-Length: %s", got)
	}
	if w.Body.String() != "HELLO" {
		t.Fatalf("unexpected body: %s", w.Body.String())
	}
}

func TestSlicer_ServeUnsatisfiableWrites416(t *testing.T) {
	getter := &fakeBlobGetter{}
	s := New(getter)
	am := model.ArtifactMetadata{TotalContentLength: 11}
	w := httptest.NewRecorder()

	_, ok, err := s.Serve(context.Background(), w, "ci1", am, "bytes=50-60")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected unsatisfiable")
	}
	if w.Code != 416 {
		t.Fatalf("expected 416, got %d", w.Code)
	}
	if got := w.Header().Get("Content-Range"); got != "bytes */11" {
		t.Fatalf("unexpected Content-Range: %s", got)
	}
}

func TestSlicer_ServePropagatesStoreError(t *testing.T) {
	getter := &fakeBlobGetter{err: errors.New("boom")}
	s := New(getter)
	am := model.ArtifactMetadata{TotalContentLength: 11}
	w := httptest.NewRecorder()

	_, _, err := s.Serve(context.Background(), w, "ci1", am, "bytes=0-4")
	if err == nil {
		t.Fatalf("expected error to propagate")
	}
}
