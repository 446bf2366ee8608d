// Package transform implements repository.Transformer against the
// out-of-scope upstream media-transformation HTTP endpoint: an HTTP GET
// whose path carries a comma-separated parameter list and the source URL,
// per the "{scheme}://{host}{transform_base_path}/{params}/{source_url}"
// layout.
package transform

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/erfianugrah/edgevidcache/internal/domain/model"
	"github.com/erfianugrah/edgevidcache/internal/domain/repository"
)

// Config holds the upstream transformer's connection details.
type Config struct {
	Scheme            string
	Host              string
	TransformBasePath string
	// MaxErrorBodyBytes bounds how much of a non-2xx response body is read
	// into TransformResult.ErrorBody (the fallback pipeline only ever needs
	// a short prefix to classify the failure).
	MaxErrorBodyBytes int64
}

// DefaultConfig returns an http:// scheme, "/transform" base path, and a
// 4 KiB error-body cap.
func DefaultConfig() Config {
	return Config{Scheme: "http", TransformBasePath: "/transform", MaxErrorBodyBytes: 4096}
}

// Client is an HTTP repository.Transformer.
type Client struct {
	cfg  Config
	http *http.Client
}

var _ repository.Transformer = (*Client)(nil)

// New creates a Client using httpClient for outbound requests (typically
// &http.Client{Timeout: ...}, though the orchestrator also bounds each call
// with its own per-request context timeout).
func New(cfg Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.MaxErrorBodyBytes <= 0 {
		cfg.MaxErrorBodyBytes = 4096
	}
	return &Client{cfg: cfg, http: httpClient}
}

// Transform builds the upstream transform URL for sourcePath and opts and
// issues the fetch.
func (c *Client) Transform(ctx context.Context, sourcePath string, opts model.Options, version uint64) (*repository.TransformResult, error) {
	u := BuildURL(c.cfg, sourcePath, opts, version)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build transform request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transform fetch: %w", err)
	}

	result := &repository.TransformResult{
		StatusCode:    resp.StatusCode,
		ContentType:   resp.Header.Get("Content-Type"),
		ContentLength: resp.ContentLength,
		Header:        resp.Header,
		Partial:       resp.StatusCode == http.StatusPartialContent || resp.Header.Get("Content-Range") != "",
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxErrorBodyBytes))
		result.ErrorBody = string(body)
		return result, nil
	}

	result.Body = resp.Body
	return result, nil
}

// BuildURL constructs the upstream transform URL per the layout
// "{scheme}://{host}{transform_base_path}/{params}/{source_url}", appending
// v={version} only when version >= 2.
func BuildURL(cfg Config, sourcePath string, opts model.Options, version uint64) string {
	var params []string
	addInt := func(name string, v *int) {
		if v != nil {
			params = append(params, fmt.Sprintf("%s=%d", name, *v))
		}
	}
	addStr := func(name string, v *string) {
		if v != nil && *v != "" {
			params = append(params, fmt.Sprintf("%s=%s", name, *v))
		}
	}

	if opts.Derivative != "" {
		params = append(params, "derivative="+opts.Derivative)
	} else {
		addInt("width", opts.Width)
		addInt("height", opts.Height)
		switch opts.WithMode() {
		case model.ModeFrame:
			addStr("time", opts.Time)
			addStr("frame", opts.Frame)
		case model.ModeSpritesheet:
			addInt("columns", opts.Columns)
			addInt("rows", opts.Rows)
			addStr("interval", opts.Interval)
		case model.ModeVideo:
			addStr("format", opts.Format)
			addStr("quality", opts.Quality)
			addStr("codec", opts.Codec)
		}
	}
	addStr("duration", opts.Duration)

	path := strings.TrimLeft(sourcePath, "/")
	u := fmt.Sprintf("%s://%s%s/%s/%s", cfg.Scheme, cfg.Host, cfg.TransformBasePath, strings.Join(params, ","), path)

	if version >= 2 {
		sep := "?"
		if strings.Contains(u, "?") {
			sep = "&"
		}
		u += sep + "v=" + strconv.FormatUint(version, 10)
	}
	return u
}
