// Package testutil provides shared test fakes for the relay.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
)

// ControlPlane is an httptest-backed fake of the management service's
// internal API: /internal/allow-tls and /internal/resolve-alias.
type ControlPlane struct {
	*httptest.Server

	Secret string

	mu      sync.Mutex
	allowed map[string]bool   // full domain -> allow
	aliases map[string]string // alias -> token
	failing bool
	calls   int
}

// NewControlPlane starts a fake control plane expecting the given secret.
func NewControlPlane(secret string) *ControlPlane {
	cp := &ControlPlane{
		Secret:  secret,
		allowed: make(map[string]bool),
		aliases: make(map[string]string),
	}
	cp.Server = httptest.NewServer(http.HandlerFunc(cp.handler))
	return cp
}

// Allow marks a full tunnel domain (token.tunnel-domain) as permitted.
func (cp *ControlPlane) Allow(domain string) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.allowed[domain] = true
}

// Deny marks a full tunnel domain as rejected.
func (cp *ControlPlane) Deny(domain string) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.allowed[domain] = false
}

// SetAlias maps alias to token. An empty token yields a null resolution.
func (cp *ControlPlane) SetAlias(alias, token string) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.aliases[alias] = token
}

// SetFailing makes every subsequent call return 500, simulating an outage.
func (cp *ControlPlane) SetFailing(failing bool) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.failing = failing
}

// Calls returns how many requests the fake has served.
func (cp *ControlPlane) Calls() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.calls
}

func (cp *ControlPlane) handler(w http.ResponseWriter, r *http.Request) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.calls++

	if cp.Secret != "" && r.Header.Get("x-relay-internal-secret") != cp.Secret {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if cp.failing {
		http.Error(w, "unavailable", http.StatusInternalServerError)
		return
	}

	switch {
	case strings.HasPrefix(r.URL.Path, "/internal/allow-tls"):
		domain := r.URL.Query().Get("domain")
		json.NewEncoder(w).Encode(map[string]bool{"allow": cp.allowed[domain]})
	case strings.HasPrefix(r.URL.Path, "/internal/resolve-alias"):
		alias := r.URL.Query().Get("alias")
		token, ok := cp.aliases[alias]
		if !ok || token == "" {
			json.NewEncoder(w).Encode(map[string]any{"token": nil})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"token": token})
	default:
		http.NotFound(w, r)
	}
}
