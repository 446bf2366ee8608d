// Package origin implements repository.OriginFetcher: a direct HTTP fetch
// against the source's origin server, used by FallbackPipeline step 2 when
// the upstream transformer itself is unavailable or rejects the request.
package origin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/erfianugrah/edgevidcache/internal/domain/repository"
)

// passthroughHeaders lists the conditional request headers forwarded to the
// origin on a fallback fetch, per §6's "observed headers" list.
var passthroughHeaders = []string{"If-None-Match", "If-Modified-Since", "Range"}

// Config holds the direct-origin collaborator's connection details.
type Config struct {
	Scheme            string
	Host              string
	MaxErrorBodyBytes int64
}

// DefaultConfig returns an https:// scheme and a 4 KiB error-body cap.
func DefaultConfig() Config {
	return Config{Scheme: "https", MaxErrorBodyBytes: 4096}
}

// Client is an HTTP repository.OriginFetcher.
type Client struct {
	cfg  Config
	http *http.Client
}

var _ repository.OriginFetcher = (*Client)(nil)

// New creates a Client. A zero-value cfg.Host means no direct origin is
// configured at all; Available always reports false in that case.
func New(cfg Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.MaxErrorBodyBytes <= 0 {
		cfg.MaxErrorBodyBytes = 4096
	}
	return &Client{cfg: cfg, http: httpClient}
}

// Available reports whether a direct origin URL can be constructed for
// sourcePath at all.
func (c *Client) Available(sourcePath string) bool {
	return c.cfg.Host != "" && sourcePath != ""
}

// Fetch retrieves sourcePath directly from the configured origin, passing
// through the client's conditional headers.
func (c *Client) Fetch(ctx context.Context, sourcePath string, conditional http.Header) (*repository.TransformResult, error) {
	u := fmt.Sprintf("%s://%s/%s", c.cfg.Scheme, c.cfg.Host, strings.TrimLeft(sourcePath, "/"))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build origin request: %w", err)
	}
	for _, name := range passthroughHeaders {
		if v := conditional.Get(name); v != "" {
			req.Header.Set(name, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("origin fetch: %w", err)
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
