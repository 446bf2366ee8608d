// Package handler holds the thin HTTP entrypoints that sit in front of the
// cache core. Path-pattern routing, Akamai/IMQuery-style parameter
// translation and debug UI rendering are explicitly out of scope for the
// core (see spec §1's non-goals); this file implements a minimal
// query-parameter surface just capable enough to drive it end to end.
package handler

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/erfianugrah/edgevidcache/internal/domain/model"
	"github.com/erfianugrah/edgevidcache/internal/orchestrator"
)

// Proxy adapts inbound HTTP requests into orchestrator.Request and renders
// the orchestrator's response.
type Proxy struct {
	orch *orchestrator.Orchestrator
}

// NewProxy creates a Proxy in front of orch.
func NewProxy(orch *orchestrator.Orchestrator) *Proxy {
	return &Proxy{orch: orch}
}

// ServeHTTP parses the inbound request's path and query into an
// orchestrator.Request and delegates to Handle. The source path is the
// request's URL path with its leading "/" removed; transform options come
// from query parameters.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	req := orchestrator.Request{
		SourcePath:  strings.TrimPrefix(r.URL.Path, "/"),
		Options:     parseOptions(q),
		RangeHeader: r.Header.Get("Range"),
		Query:       q,
		Conditional: r.Header,
	}

	p.orch.Handle(r.Context(), w, req)
}

// parseOptions builds a model.Options from query parameters. A named
// "derivative" takes precedence over dimension params, matching the cache
// identity rule that a derivative elides them entirely.
func parseOptions(q url.Values) model.Options {
	opts := model.Options{
		Mode:       model.Mode(q.Get("mode")),
		Derivative: q.Get("derivative"),
	}

	if opts.Derivative != "" {
		if d := strPtr(q, "duration"); d != nil {
			opts.Duration = d
		}
		return opts
	}

	opts.Width = intPtr(q, "w")
	opts.Height = intPtr(q, "h")

	switch opts.WithMode() {
	case model.ModeFrame:
		opts.Time = strPtr(q, "time")
		opts.Frame = strPtr(q, "frame")
	case model.ModeSpritesheet:
		opts.Columns = intPtr(q, "columns")
		opts.Rows = intPtr(q, "rows")
		opts.Interval = strPtr(q, "interval")
	case model.ModeVideo:
		opts.Format = strPtr(q, "format")
		opts.Quality = strPtr(q, "quality")
		opts.Codec = strPtr(q, "codec")
	}

	opts.Duration = strPtr(q, "duration")

	return opts
}

func strPtr(q url.Values, name string) *string {
	if !q.Has(name) {
		return nil
	}
	v := q.Get(name)
	return &v
}

func intPtr(q url.Values, name string) *int {
	if !q.Has(name) {
		return nil
	}
	n, err := strconv.Atoi(q.Get(name))
	if err != nil {
		return nil
	}
	return &n
}
