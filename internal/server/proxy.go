package server

import (
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentcloud/tunnel-relay/internal/identity"
	"github.com/agentcloud/tunnel-relay/internal/pending"
	"github.com/agentcloud/tunnel-relay/internal/protocol"
)

func (s *server) isTunnelHost(host string) bool {
	return identity.IsTunnelHost(host, s.deps.TunnelDomain, s.deps.AliasDomain)
}

// handleTunnel forwards one public request over the owning client's control
// connection and relays the paired response frame back to the caller.
func (s *server) handleTunnel(w http.ResponseWriter, r *http.Request) {
	s.deps.Stats.Requests.Add(1)

	ctx := r.Context()
	if s.deps.Tracer != nil {
		var span trace.Span
		ctx, span = s.deps.Tracer.Start(ctx, "relay.tunnel",
			trace.WithAttributes(attribute.String("http.host", r.Host)))
		defer span.End()
	}

	ident, ok := identity.ParseHost(r.Host, s.deps.TunnelDomain, s.deps.AliasDomain)
	if !ok {
		s.fail(w, http.StatusNotFound, "unknown host")
		return
	}

	token := ident.Label
	alias := ""
	if ident.Kind == identity.KindAlias {
		if s.deps.Aliases == nil {
			s.fail(w, http.StatusNotFound, "unknown host")
			return
		}
		resolved, ok := s.deps.Aliases.Resolve(ctx, ident.Label)
		if !ok {
			s.fail(w, http.StatusNotFound, "unknown host")
			return
		}
		alias = ident.Label
		token = resolved
	}

	if res := s.deps.Limiter.Allow(token); !res.Allowed {
		s.deps.Stats.RateLimited.Add(1)
		s.deps.Metrics.RateLimitRejects.Inc()
		w.Header().Set("Retry-After", strconv.Itoa(res.RetryAfterSeconds))
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	sess, ok := s.deps.Registry.Lookup(token)
	if !ok || !sess.Alive() {
		s.fail(w, http.StatusBadGateway, "Tunnel not connected")
		return
	}

	body, err := readBody(w, r, s.deps.MaxRequestSize)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.fail(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		s.fail(w, http.StatusBadRequest, "unreadable request body")
		return
	}

	id := uuid.NewString()
	frame := &protocol.Request{
		Type:    protocol.TypeRequest,
		ID:      id,
		Method:  r.Method,
		Path:    r.URL.RequestURI(),
		Headers: protocol.FlattenHeaders(r.Header),
		Body:    base64.StdEncoding.EncodeToString(body),
	}

	// The entry goes in before the frame goes out so a fast client cannot
	// answer an id we are not yet waiting on.
	entry := s.deps.Pending.Add(id, token, alias)
	s.deps.Metrics.PendingRequests.Inc()
	defer s.deps.Metrics.PendingRequests.Dec()

	if err := sess.Send(frame); err != nil {
		s.deps.Pending.Cancel(id)
		slog.LogAttrs(ctx, slog.LevelWarn, "dispatch failed",
			slog.String("request_id", id),
			slog.String("error", err.Error()),
		)
		s.fail(w, http.StatusBadGateway, "Tunnel not connected")
		return
	}
	s.deps.Metrics.FramesTotal.WithLabelValues(protocol.TypeRequest, "out").Inc()
	s.deps.Metrics.BytesRelayed.WithLabelValues("in").Add(float64(len(body)))
	s.deps.Traffic.RecordRequest(token, alias, int64(len(body)))

	timer := time.NewTimer(s.deps.PendingTimeout)
	defer timer.Stop()

	select {
	case res := <-entry.Wait():
		s.writeRelayed(w, res)

	case <-timer.C:
		if s.deps.Pending.Cancel(id) {
			s.fail(w, http.StatusGatewayTimeout, "tunnel timeout")
			return
		}
		// A response won the race against the deadline; deliver it.
		s.writeRelayed(w, <-entry.Wait())

	case <-ctx.Done():
		if !s.deps.Pending.Cancel(id) {
			<-entry.Wait()
		}
		slog.LogAttrs(ctx, slog.LevelDebug, "caller disconnected",
			slog.String("request_id", id),
		)
	}
}

// readBody reads the request body with the hard cap applied. A body of
// exactly max bytes is admitted.
func readBody(w http.ResponseWriter, r *http.Request, max int64) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, max)
	return io.ReadAll(r.Body)
}

func (s *server) writeRelayed(w http.ResponseWriter, res *pending.Result) {
	protocol.CopyResponseHeaders(w.Header(), res.Headers)
	w.WriteHeader(res.Status)
	if len(res.Body) > 0 {
		w.Write(res.Body)
	}
}

// fail writes a terminal ingress error. Bodies stay generic; detail goes to
// the logs.
func (s *server) fail(w http.ResponseWriter, status int, msg string) {
	s.deps.Stats.Errors.Add(1)
	http.Error(w, msg, status)
}
