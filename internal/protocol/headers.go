package protocol

import (
	"net/http"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// hopByHop headers never travel past the relay in either direction.
var hopByHop = map[string]struct{}{
	"connection":        {},
	"keep-alive":        {},
	"transfer-encoding": {},
	"upgrade":           {},
}

// FlattenHeaders converts an http.Header into the single-valued map carried
// in request frames, joining repeated values and dropping hop-by-hop headers.
func FlattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vals := range h {
		if _, hop := hopByHop[strings.ToLower(k)]; hop {
			continue
		}
		out[k] = strings.Join(vals, ", ")
	}
	return out
}

// CopyResponseHeaders writes a response frame's headers onto dst, stripping
// hop-by-hop headers. Malformed names or values are skipped rather than
// aborting the response.
func CopyResponseHeaders(dst http.Header, src map[string]string) {
	for k, v := range src {
		if _, hop := hopByHop[strings.ToLower(k)]; hop {
			continue
		}
		if !httpguts.ValidHeaderFieldName(k) || !httpguts.ValidHeaderFieldValue(v) {
			continue
		}
		dst.Set(k, v)
	}
}
