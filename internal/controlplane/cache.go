package controlplane

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/maypok86/otter/v2"
)

// graceFactor extends a previously-good cache entry's usable lifetime when
// the control plane is unreachable. Within TTL an entry is fresh; between
// TTL and graceFactor*TTL it is honored only when revalidation fails.
const graceFactor = 5

// tokenEntry is a cached validation verdict.
type tokenEntry struct {
	valid   bool
	fetched time.Time
}

// TokenValidator answers "may this token serve traffic" with a TTL'd,
// size-bounded cache and fail-closed semantics: on upstream failure a
// known-valid entry is honored for up to graceFactor*TTL, anything else is
// rejected.
type TokenValidator struct {
	client       *Client // nil when validation is disabled
	tunnelDomain string
	ttl          time.Duration
	cache        *otter.Cache[string, tokenEntry]
}

// NewTokenValidator creates a validator. A nil client disables validation:
// every token is admitted and cached as valid.
func NewTokenValidator(client *Client, tunnelDomain string, ttl time.Duration, maxSize int) (*TokenValidator, error) {
	c, err := otter.New[string, tokenEntry](&otter.Options[string, tokenEntry]{
		MaximumSize:      maxSize,
		ExpiryCalculator: otter.ExpiryWriting[string, tokenEntry](graceFactor * ttl),
	})
	if err != nil {
		return nil, fmt.Errorf("create token cache: %w", err)
	}
	return &TokenValidator{
		client:       client,
		tunnelDomain: tunnelDomain,
		ttl:          ttl,
		cache:        c,
	}, nil
}

// Validate reports whether token may register and serve traffic.
func (v *TokenValidator) Validate(ctx context.Context, token string) bool {
	now := time.Now()

	if v.client == nil {
		v.cache.Set(token, tokenEntry{valid: true, fetched: now})
		return true
	}

	if e, ok := v.cache.GetIfPresent(token); ok && now.Sub(e.fetched) < v.ttl {
		return e.valid
	}

	allow, err := v.client.AllowTunnel(ctx, token+"."+v.tunnelDomain)
	if err == nil {
		v.cache.Set(token, tokenEntry{valid: allow, fetched: now})
		return allow
	}

	// Upstream failure: honor a previously-valid entry within the grace
	// window, reject everything else.
	if e, ok := v.cache.GetIfPresent(token); ok && e.valid && now.Sub(e.fetched) < graceFactor*v.ttl {
		slog.Warn("token validation failed, serving stale verdict",
			"error", err, "age", now.Sub(e.fetched).Round(time.Second))
		return true
	}
	slog.Warn("token validation failed, rejecting", "error", err)
	return false
}

// aliasEntry is a cached alias resolution. Only successful resolutions are
// cached; there is no negative caching.
type aliasEntry struct {
	token   string
	fetched time.Time
}

// AliasResolver maps persistent alias subdomains to tokens with the same
// TTL, bound, and grace discipline as TokenValidator.
type AliasResolver struct {
	client *Client
	ttl    time.Duration
	cache  *otter.Cache[string, aliasEntry]
}

// NewAliasResolver creates a resolver backed by client.
func NewAliasResolver(client *Client, ttl time.Duration, maxSize int) (*AliasResolver, error) {
	c, err := otter.New[string, aliasEntry](&otter.Options[string, aliasEntry]{
		MaximumSize:      maxSize,
		ExpiryCalculator: otter.ExpiryWriting[string, aliasEntry](graceFactor * ttl),
	})
	if err != nil {
		return nil, fmt.Errorf("create alias cache: %w", err)
	}
	return &AliasResolver{client: client, ttl: ttl, cache: c}, nil
}

// Resolve returns the token behind alias, or ok=false when the alias is
// unknown or the control plane is unavailable with nothing cached.
func (r *AliasResolver) Resolve(ctx context.Context, alias string) (string, bool) {
	now := time.Now()

	if e, ok := r.cache.GetIfPresent(alias); ok && now.Sub(e.fetched) < r.ttl {
		return e.token, true
	}

	token, err := r.client.ResolveAlias(ctx, alias)
	if err == nil {
		if token == "" {
			// Successful miss: the alias does not resolve. Drop any stale
			// mapping rather than serving it under grace.
			r.cache.Invalidate(alias)
			return "", false
		}
		r.cache.Set(alias, aliasEntry{token: token, fetched: now})
		return token, true
	}

	if e, ok := r.cache.GetIfPresent(alias); ok && now.Sub(e.fetched) < graceFactor*r.ttl {
		slog.Warn("alias resolution failed, serving stale mapping",
			"alias", alias, "error", err, "age", now.Sub(e.fetched).Round(time.Second))
		return e.token, true
	}
	return "", false
}
