// Package relay defines domain types shared across the tunnel relay.
// This package has no project imports -- it is the dependency root.
package relay

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// NewRunID mints the 128-bit relay run id. It is generated once at startup
// and included in traffic snapshots so consumers can detect process restarts.
func NewRunID() string {
	return uuid.NewString()
}

// Stats holds the process-wide counters reported by /health.
type Stats struct {
	Started time.Time

	Requests      atomic.Int64
	Errors        atomic.Int64
	RateLimited   atomic.Int64
	InvalidTokens atomic.Int64
}

// NewStats creates a Stats anchored at the current time.
func NewStats() *Stats {
	return &Stats{Started: time.Now()}
}

// Uptime returns the seconds elapsed since startup.
func (s *Stats) Uptime() int64 {
	return int64(time.Since(s.Started).Seconds())
}

// sensitiveKeys are matched by substring against lowercased header and
// attribute names before anything is logged.
var sensitiveKeys = []string{"secret", "token", "password", "authorization"}

// Sensitive reports whether a header or attribute name must be redacted
// from logs.
func Sensitive(key string) bool {
	k := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

// --- Request-scoped context ---

type contextKey int

const requestIDKey contextKey = iota

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext extracts the request ID, or "" if absent.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}
