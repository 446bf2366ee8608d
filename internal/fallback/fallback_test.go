package fallback

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/erfianugrah/edgevidcache/internal/domain/model"
	"github.com/erfianugrah/edgevidcache/internal/domain/repository"
)

func TestParseDurationCeiling(t *testing.T) {
	upper, unit, ok := parseDurationCeiling("duration must be between 1s and 10s")
	if !ok || upper != 10 || unit != "s" {
		t.Fatalf("got (%d, %q, %v)", upper, unit, ok)
	}

	if _, _, ok := parseDurationCeiling("some unrelated error"); ok {
		t.Fatalf("expected no match on unrelated error body")
	}
}

func TestToSeconds(t *testing.T) {
	cases := []struct {
		value int
		unit  string
		want  int
	}{
		{10, "s", 10},
		{2, "m", 120},
		{1, "h", 3600},
		{5, "", 5},
	}
	for _, c := range cases {
		if got := toSeconds(c.value, c.unit); got != c.want {
			t.Errorf("toSeconds(%d, %q) = %d, want %d", c.value, c.unit, got, c.want)
		}
	}
}

func TestIsFileSizeError(t *testing.T) {
	if !isFileSizeError("response exceeds maximum allowed size") {
		t.Fatalf("expected exceeds-maximum phrasing to match")
	}
	if !isFileSizeError("file size too large") {
		t.Fatalf("expected file size phrasing to match")
	}
	if isFileSizeError("duration out of range") {
		t.Fatalf("did not expect a match")
	}
}

func TestIs256MiBError(t *testing.T) {
	if !is256MiBError("video exceeds 256MiB limit") {
		t.Fatalf("expected match")
	}
	if !is256MiBError("video exceeds 256 mib limit") {
		t.Fatalf("expected case/space-insensitive match")
	}
	if is256MiBError("video exceeds 512MiB limit") {
		t.Fatalf("did not expect a match for a different size")
	}
}

func TestShouldTryOrigin(t *testing.T) {
	p := &Pipeline{}
	if p.shouldTryOrigin(http.StatusNotFound, "file size too large") {
		t.Fatalf("404 must never try origin regardless of body")
	}
	if !p.shouldTryOrigin(http.StatusBadGateway, "") {
		t.Fatalf("5xx must try origin")
	}
	if !p.shouldTryOrigin(http.StatusBadRequest, "file size exceeds maximum") {
		t.Fatalf("file-size 4xx must try origin")
	}
	if p.shouldTryOrigin(http.StatusBadRequest, "duration must be between 1s and 10s") {
		t.Fatalf("an unrelated 4xx must not try origin")
	}
}

type fakeTransformer struct {
	result *repository.TransformResult
	err    error
}

func (f *fakeTransformer) Transform(ctx context.Context, sourcePath string, opts model.Options, version uint64) (*repository.TransformResult, error) {
	return f.result, f.err
}

func newTerminalPipeline() *Pipeline {
	return New(DefaultConfig(), func(int) int64 { return 60 }, Deps{})
}

func TestHandle_NoRecoveryWritesTerminalJSON(t *testing.T) {
	p := newTerminalPipeline()
	rec := httptest.NewRecorder()

	result := &repository.TransformResult{StatusCode: http.StatusInternalServerError, Body: io.NopCloser(strings.NewReader(""))}
	p.Handle(context.Background(), rec, Request{SourcePath: "a.mp4"}, result, nil)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected original status preserved, got %d", rec.Code)
	}
	if rec.Header().Get("X-Fallback-Failed") != "true" {
		t.Fatalf("expected X-Fallback-Failed header")
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("expected JSON body: %v", err)
	}
	if body["statusCode"].(float64) != 500 {
		t.Fatalf("unexpected statusCode in body: %v", body["statusCode"])
	}
}

func TestHandle_DurationAdjustSucceeds(t *testing.T) {
	dur := "10s"
	transformer := &fakeTransformer{result: &repository.TransformResult{
		StatusCode:    http.StatusOK,
		ContentType:   "video/mp4",
		ContentLength: 4,
		Body:          io.NopCloser(strings.NewReader("data")),
	}}
	p := New(DefaultConfig(), func(int) int64 { return 60 }, Deps{Transformer: transformer})
	rec := httptest.NewRecorder()

	result := &repository.TransformResult{
		StatusCode: http.StatusBadRequest,
		ErrorBody:  "duration must be between 1s and 10s",
		Body:       io.NopCloser(strings.NewReader("")),
	}
	p.Handle(context.Background(), rec, Request{SourcePath: "a.mp4", Options: model.Options{Duration: &dur}}, result, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from adjusted retry, got %d", rec.Code)
	}
	if rec.Header().Get("X-Duration-Adjusted") != "true" {
		t.Fatalf("expected X-Duration-Adjusted header")
	}
	if rec.Body.String() != "data" {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
}

func TestHandle_DisabledGoesStraightToTerminal(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	p := New(cfg, func(int) int64 { return 60 }, Deps{})
	rec := httptest.NewRecorder()

	result := &repository.TransformResult{StatusCode: http.StatusBadGateway, Body: io.NopCloser(strings.NewReader(""))}
	p.Handle(context.Background(), rec, Request{SourcePath: "a.mp4"}, result, nil)

	if rec.Header().Get("X-Fallback-Reason") != "disabled" {
		t.Fatalf("expected disabled reason, got %q", rec.Header().Get("X-Fallback-Reason"))
	}
}
