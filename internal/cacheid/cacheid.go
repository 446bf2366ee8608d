// Package cacheid implements the cache key deriver: it produces a
// deterministic cache identity from a source path and transform options,
// and normalizes URLs for versioning by stripping the "v" query parameter.
//
// Generation is total — it never fails. Any defect in the inputs falls back
// to the sentinel identity, because a broken cache key must never cascade
// into a broken request.
package cacheid

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/erfianugrah/edgevidcache/internal/domain/model"
)

// SentinelKey is returned when derivation hits corrupted input it cannot
// safely encode.
const SentinelKey = "video:error:fallback-key"

var sanitizeAllowed = func() [256]bool {
	var allowed [256]bool
	for c := 'A'; c <= 'Z'; c++ {
		allowed[c] = true
	}
	for c := 'a'; c <= 'z'; c++ {
		allowed[c] = true
	}
	for c := '0'; c <= '9'; c++ {
		allowed[c] = true
	}
	for _, c := range []byte{':', '/', '=', '.', '*', '-'} {
		allowed[c] = true
	}
	return allowed
}()

// Derive builds the Cache Identity for (sourcePath, opts).
func Derive(sourcePath string, opts model.Options) (ci string) {
	defer func() {
		if recover() != nil {
			ci = SentinelKey
		}
	}()

	path := strings.TrimLeft(sourcePath, "/")
	mode := opts.WithMode()

	var b strings.Builder
	b.WriteString(string(mode))
	b.WriteByte(':')
	b.WriteString(path)

	if opts.Derivative != "" {
		b.WriteString(":derivative=")
		b.WriteString(opts.Derivative)
		return sanitize(b.String())
	}

	appendIntParam(&b, "w", opts.Width)
	appendIntParam(&b, "h", opts.Height)

	switch mode {
	case model.ModeFrame:
		appendStrParam(&b, "t", opts.Time)
		appendStrParam(&b, "f", opts.Frame)
	case model.ModeSpritesheet:
		appendIntParam(&b, "cols", opts.Columns)
		appendIntParam(&b, "rows", opts.Rows)
		appendStrParam(&b, "interval", opts.Interval)
	case model.ModeVideo:
		appendStrParam(&b, "f", opts.Format)
		appendStrParam(&b, "q", opts.Quality)
		appendStrParam(&b, "c", opts.Codec)
	}

	return sanitize(b.String())
}

func appendIntParam(b *strings.Builder, name string, v *int) {
	if v == nil {
		return
	}
	b.WriteByte(':')
	b.WriteString(name)
	b.WriteByte('=')
	b.WriteString(strconv.Itoa(*v))
}

func appendStrParam(b *strings.Builder, name string, v *string) {
	if v == nil {
		return
	}
	b.WriteByte(':')
	b.WriteString(name)
	b.WriteByte('=')
	b.WriteString(*v)
}

// sanitize replaces every character outside [A-Za-z0-9:/=.*-] with '-'.
func sanitize(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if sanitizeAllowed[c] {
			out[i] = c
		} else {
			out[i] = '-'
		}
	}
	return string(out)
}

// StripVersionParam removes the "v" query parameter from a URL string so it
// can be used as normalized input to identity derivation
// rule 5 and the URL-normalization testable property.
func StripVersionParam(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	if !u.Query().Has("v") {
		return rawURL
	}
	q := u.Query()
	q.Del("v")
	u.RawQuery = q.Encode()
	return u.String()
}
