// Package server implements the relay's public ingress: tunnel traffic
// dispatch by hostname plus the secret-gated introspection endpoints.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	relay "github.com/agentcloud/tunnel-relay/internal"
	"github.com/agentcloud/tunnel-relay/internal/controlplane"
	"github.com/agentcloud/tunnel-relay/internal/pending"
	"github.com/agentcloud/tunnel-relay/internal/ratelimit"
	"github.com/agentcloud/tunnel-relay/internal/registry"
	"github.com/agentcloud/tunnel-relay/internal/telemetry"
	"github.com/agentcloud/tunnel-relay/internal/traffic"
)

// Deps holds all dependencies for the ingress handler.
type Deps struct {
	TunnelDomain   string
	AliasDomain    string
	Secret         string // gates introspection; empty disables the endpoints
	RunID          string
	MaxRequestSize int64
	PendingTimeout time.Duration

	Registry *registry.Registry
	Pending  *pending.Table
	Limiter  *ratelimit.Registry
	Aliases  *controlplane.AliasResolver // nil when no alias domain is configured
	Traffic  *traffic.Tracker
	Stats    *relay.Stats
	Metrics  *telemetry.Metrics
	Tracer   trace.Tracer        // nil = no spans
	Gatherer prometheus.Gatherer // nil = no /metrics endpoint
}

// New creates the ingress http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}
	s.introspect = s.introspectionRouter()

	var h http.Handler = http.HandlerFunc(s.dispatch)
	h = s.logging(h)
	h = metricsMiddleware(deps.Metrics)(h)
	h = s.requestID(h)
	h = s.recovery(h)
	return h
}

type server struct {
	deps       Deps
	introspect http.Handler
}

// dispatch sends introspection paths to the internal router unless the Host
// falls under a tunnel or alias domain, in which case the path belongs to
// the tunneled application.
func (s *server) dispatch(w http.ResponseWriter, r *http.Request) {
	if introspectionPath(r.URL.Path) && !s.isTunnelHost(r.Host) {
		s.introspect.ServeHTTP(w, r)
		return
	}
	s.handleTunnel(w, r)
}

func introspectionPath(path string) bool {
	switch path {
	case "/health", "/internal/connected-tokens", "/internal/traffic-stats", "/metrics":
		return true
	}
	return false
}

func (s *server) introspectionRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requireSecret)
	r.Get("/health", s.handleHealth)
	r.Get("/internal/connected-tokens", s.handleConnectedTokens)
	r.Get("/internal/traffic-stats", s.handleTrafficStats)
	if s.deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(
			s.deps.Gatherer, promhttp.HandlerOpts{},
		))
	}
	return r
}
