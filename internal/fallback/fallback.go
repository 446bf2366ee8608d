// Package fallback implements the ordered recovery pipeline (C8) invoked
// whenever the upstream transformer answers with a non-2xx or fails
// outright: a duration-adjust retry, then a direct-origin fetch, then a
// storage-service fetch, and finally a terminal structured error response.
package fallback

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/erfianugrah/edgevidcache/internal/backgroundtask"
	"github.com/erfianugrah/edgevidcache/internal/blobstore"
	"github.com/erfianugrah/edgevidcache/internal/concurrency"
	"github.com/erfianugrah/edgevidcache/internal/domain/model"
	"github.com/erfianugrah/edgevidcache/internal/domain/repository"
	"github.com/erfianugrah/edgevidcache/internal/infrastructure/metrics"
)

// durationErrPattern matches upstream error bodies of the shape "duration
// must be between 1s and 10s", capturing the upper bound's numeral and unit.
var durationErrPattern = regexp.MustCompile(`(?i)duration\s+must\s+be\s+between\s+\d+\w*\s+and\s+(\d+)(\w*)`)

// fileSizeErrPattern matches upstream error bodies mentioning a file-size
// ceiling (excluding the more specific 256 MiB phrasing, checked separately).
var fileSizeErrPattern = regexp.MustCompile(`(?i)file\s*size|exceeds\s*maximum`)

var mib256Pattern = regexp.MustCompile(`(?i)256\s*mi?b`)

// Config holds the fallback pipeline's tunables.
type Config struct {
	Enabled bool
	// BadRequestOnly restricts the duration-adjust retry (step 1) to 400
	// responses only, matching a deployment that never expects a 4xx other
	// than a parsable duration error to be retry-worthy.
	BadRequestOnly bool
	// MaxRetries bounds step 1 to at most this many adjusted reissues (the
	// spec requires at most one; this exists so a future relaxation doesn't
	// need a new field).
	MaxRetries      int
	PreserveHeaders bool
}

// DefaultConfig enables the pipeline with one duration-adjust retry and
// forwards upstream/origin headers through to the client.
func DefaultConfig() Config {
	return Config{Enabled: true, BadRequestOnly: false, MaxRetries: 1, PreserveHeaders: true}
}

// Deps bundles the pipeline's collaborators.
type Deps struct {
	Transformer repository.Transformer
	Origin      repository.OriginFetcher
	Storage     repository.StorageOrigin
	Limits      repository.LimitRegistry
	Blob        *blobstore.Store
	Background  *backgroundtask.Pool
	Logger      *slog.Logger
}

// Pipeline is the C8 FallbackPipeline.
type Pipeline struct {
	cfg    Config
	ttlFor func(statusCode int) int64
	deps   Deps
	logger *slog.Logger
}

// New creates a Pipeline. ttlFor computes the store TTL (in seconds) for a
// given HTTP status, shared with the orchestrator's own TTL-by-status table
// so fallback-originated stores use the same retention rule.
func New(cfg Config, ttlFor func(statusCode int) int64, deps Deps) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{cfg: cfg, ttlFor: ttlFor, deps: deps, logger: logger}
}

// Request carries what the pipeline needs from the original request.
type Request struct {
	SourcePath  string
	Options     model.Options
	Conditional http.Header
	CacheKey    string
}

// Handle runs the ordered recovery steps against the failed transform
// result (result may be nil when the transform call itself errored rather
// than returning a response), writing the final outcome to w.
func (p *Pipeline) Handle(ctx context.Context, w http.ResponseWriter, req Request, result *repository.TransformResult, transformErr error) {
	origStatus, errBody := 0, ""
	if result != nil {
		origStatus = result.StatusCode
		errBody = result.ErrorBody
		if result.Body != nil {
			_ = result.Body.Close()
		}
	}
	if transformErr != nil {
		p.logger.Warn("transform call failed, entering fallback",
			slog.String("cache_key", req.CacheKey), slog.String("error", transformErr.Error()))
	}

	if !p.cfg.Enabled {
		p.terminal(w, origStatus, errBody, "disabled")
		return
	}

	if p.cfg.BadRequestOnly && origStatus != http.StatusBadRequest {
		// Duration-adjust only applies to 400s under this mode; every other
		// step still runs regardless of BadRequestOnly.
	} else if upper, unit, ok := parseDurationCeiling(errBody); ok && req.Options.Duration != nil {
		original := *req.Options.Duration
		adjusted := fmt.Sprintf("%d%s", upper, unit)
		if p.deps.Limits != nil {
			if err := p.deps.Limits.ObserveMaxDuration(ctx, req.SourcePath, toSeconds(upper, unit)); err != nil {
				p.logger.Warn("failed to persist observed duration ceiling",
					slog.String("source_path", req.SourcePath), slog.String("error", err.Error()))
			}
		}
		if p.cfg.MaxRetries > 0 && p.tryDurationAdjust(ctx, w, req, origStatus, original, adjusted) {
			return
		}
	}

	if p.shouldTryOrigin(origStatus, errBody) && p.deps.Origin != nil && p.deps.Origin.Available(req.SourcePath) {
		if p.tryOrigin(ctx, w, req, origStatus, errBody) {
			return
		}
	}

	if p.deps.Storage != nil {
		if p.tryStorage(ctx, w, req, origStatus) {
			return
		}
	}

	metrics.FallbackTotal.WithLabelValues(metrics.FallbackTerminal).Inc()
	p.terminal(w, origStatus, errBody, "terminal")
}

// tryDurationAdjust reissues the transform with duration clamped to the
// upstream-reported ceiling. It returns true once it has written a complete
// response to w; false means the caller should continue to the next step,
// having consumed nothing from w.
func (p *Pipeline) tryDurationAdjust(ctx context.Context, w http.ResponseWriter, req Request, origStatus int, original, adjusted string) bool {
	metrics.FallbackTotal.WithLabelValues(metrics.FallbackDuration).Inc()

	adjustedOpts := req.Options
	adjustedOpts.Duration = &adjusted

	result, err := p.deps.Transformer.Transform(ctx, req.SourcePath, adjustedOpts, 0)
	if err != nil || result.StatusCode < 200 || result.StatusCode >= 300 {
		if result != nil && result.Body != nil {
			_ = result.Body.Close()
		}
		p.logger.Warn("duration-adjust retry also failed",
			slog.String("source_path", req.SourcePath), slog.String("adjusted_duration", adjusted))
		return false
	}
	defer result.Body.Close()

	w.Header().Set("X-Fallback-Applied", "true")
	w.Header().Set("X-Fallback-Reason", metrics.FallbackDuration)
	w.Header().Set("X-Original-Error-Status", strconv.Itoa(origStatus))
	w.Header().Set("X-Duration-Adjusted", "true")
	w.Header().Set("X-Original-Duration", original)
	w.Header().Set("X-Adjusted-Duration", adjusted)
	if result.ContentType != "" {
		w.Header().Set("Content-Type", result.ContentType)
	}
	if result.ContentLength >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(result.ContentLength, 10))
	}
	w.WriteHeader(result.StatusCode)
	if _, err := io.Copy(w, result.Body); err != nil {
		p.logger.Warn("error streaming duration-adjusted body", slog.String("source_path", req.SourcePath), slog.String("error", err.Error()))
	}
	return true
}

// shouldTryOrigin implements step 2's gate: a direct origin fetch is only
// attempted for a server error, a file-size error, or a 256 MiB limit
// error — and never for a 404, regardless of error-body content.
func (p *Pipeline) shouldTryOrigin(statusCode int, errBody string) bool {
	if statusCode == http.StatusNotFound {
		return false
	}
	if statusCode >= 500 {
		return true
	}
	return isFileSizeError(errBody) || is256MiBError(errBody)
}

func (p *Pipeline) tryOrigin(ctx context.Context, w http.ResponseWriter, req Request, origStatus int, errBody string) bool {
	result, err := p.deps.Origin.Fetch(ctx, req.SourcePath, req.Conditional)
	if err != nil {
		p.logger.Warn("direct origin fetch failed", slog.String("source_path", req.SourcePath), slog.String("error", err.Error()))
		return false
	}
	defer func() {
		if result.Body != nil {
			_ = result.Body.Close()
		}
	}()

	reason := metrics.FallbackDirectOrigin
	metrics.FallbackTotal.WithLabelValues(reason).Inc()

	isFileSize := isFileSizeError(errBody)
	is256 := is256MiBError(errBody)
	store := !isFileSize && !result.Partial && result.StatusCode >= 200 && result.StatusCode < 300

	headers := map[string]string{
		"X-Fallback-Applied":      "true",
		"X-Fallback-Reason":       reason,
		"X-Original-Error-Status": strconv.Itoa(origStatus),
	}
	if is256 {
		headers["X-Video-Exceeds-256MiB"] = "true"
		headers["Cache-Control"] = "private, max-age=3600"
	}

	p.forward(ctx, w, req, result, headers, store, is256)
	return true
}

func (p *Pipeline) tryStorage(ctx context.Context, w http.ResponseWriter, req Request, origStatus int) bool {
	result, err := p.deps.Storage.Fetch(ctx, req.SourcePath)
	if err != nil {
		p.logger.Warn("storage-service fetch failed", slog.String("source_path", req.SourcePath), slog.String("error", err.Error()))
		return false
	}
	defer func() {
		if result.Body != nil {
			_ = result.Body.Close()
		}
	}()

	metrics.FallbackTotal.WithLabelValues(metrics.FallbackStorageService).Inc()
	store := !result.Partial && result.StatusCode >= 200 && result.StatusCode < 300

	headers := map[string]string{
		"X-Fallback-Applied":      "true",
		"X-Fallback-Reason":       metrics.FallbackStorageService,
		"X-Original-Error-Status": strconv.Itoa(origStatus),
	}
	p.forward(ctx, w, req, result, headers, store, false)
	return true
}

// forward streams result to w, optionally fanning a copy out to the
// background blob store first. cacheControlSet marks a result whose
// Cache-Control already comes from headers (the 256-MiB case); such a
// response is sent without a Content-Length header.
func (p *Pipeline) forward(ctx context.Context, w http.ResponseWriter, req Request, result *repository.TransformResult, headers map[string]string, store, cacheControlSet bool) {
	if p.cfg.PreserveHeaders {
		for k, vs := range result.Header {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
	}
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	if result.ContentType != "" {
		w.Header().Set("Content-Type", result.ContentType)
	}
	if _, ok := result.Header["Accept-Ranges"]; ok || result.Header.Get("Accept-Ranges") == "bytes" {
		w.Header().Set("Accept-Ranges", "bytes")
	}
	if !cacheControlSet && result.ContentLength >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(result.ContentLength, 10))
	}

	status := result.StatusCode
	if status == 0 {
		status = http.StatusOK
	}

	body := result.Body
	if store && p.deps.Blob != nil && p.deps.Background != nil && req.CacheKey != "" {
		t := concurrency.NewPendingTee()
		respR, _ := t.Add()
		storeR, _ := t.Add()
		t.Start(result.Body)
		body = respR

		am := model.ArtifactMetadata{
			SourcePath:         req.SourcePath,
			Mode:               req.Options.WithMode(),
			Derivative:         req.Options.Derivative,
			ContentType:        result.ContentType,
			TotalContentLength: result.ContentLength,
			CreatedAt:          time.Now(),
		}
		ttl := p.ttlFor(status)
		ci := req.CacheKey
		p.deps.Background.Go(ctx, "fallback.blobstore.put", func(bgCtx context.Context) error {
			defer storeR.Close()
			if ttl <= 0 {
				_, _ = io.Copy(io.Discard, storeR)
				return nil
			}
			return p.deps.Blob.Put(bgCtx, ci, storeR, am, time.Duration(ttl)*time.Second, blobstore.PutOptions{})
		})
	}

	w.WriteHeader(status)
	if _, err := io.Copy(w, body); err != nil {
		p.logger.Warn("error streaming fallback body", slog.String("source_path", req.SourcePath), slog.String("error", err.Error()))
	}
}

// terminal writes the structured JSON error body required of every
// collapsed fallback, per the {error, message, statusCode, details} shape.
func (p *Pipeline) terminal(w http.ResponseWriter, origStatus int, errBody, reason string) {
	status := origStatus
	if status < 400 || status > 599 {
		status = http.StatusBadGateway
	}

	const maxDetail = 256
	detail := errBody
	if len(detail) > maxDetail {
		detail = detail[:maxDetail]
	}

	w.Header().Set("X-Fallback-Applied", "true")
	if reason != "" {
		w.Header().Set("X-Fallback-Reason", reason)
	}
	w.Header().Set("X-Original-Error-Status", strconv.Itoa(origStatus))
	w.Header().Set("X-Fallback-Failed", "true")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	body := map[string]any{
		"error":      http.StatusText(status),
		"message":    "unable to satisfy request after exhausting fallback recovery",
		"statusCode": status,
		"details":    detail,
	}
	_ = json.NewEncoder(w).Encode(body)
}

func isFileSizeError(errBody string) bool {
	return fileSizeErrPattern.MatchString(errBody) || is256MiBError(errBody)
}

func is256MiBError(errBody string) bool {
	return mib256Pattern.MatchString(errBody)
}

// parseDurationCeiling extracts the upper bound's numeral and unit from an
// upstream error body of the shape "duration must be between 1s and 10s".
func parseDurationCeiling(errBody string) (upper int, unit string, ok bool) {
	m := durationErrPattern.FindStringSubmatch(errBody)
	if m == nil {
		return 0, "", false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, "", false
	}
	return n, m[2], true
}

func toSeconds(value int, unit string) int {
	switch unit {
	case "m", "min", "mins", "minute", "minutes":
		return value * 60
	case "h", "hr", "hrs", "hour", "hours":
		return value * 3600
	default:
		return value
	}
}
