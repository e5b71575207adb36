package server

import (
	"encoding/base64"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	relay "github.com/agentcloud/tunnel-relay/internal"
	"github.com/agentcloud/tunnel-relay/internal/controlplane"
	"github.com/agentcloud/tunnel-relay/internal/pending"
	"github.com/agentcloud/tunnel-relay/internal/protocol"
	"github.com/agentcloud/tunnel-relay/internal/ratelimit"
	"github.com/agentcloud/tunnel-relay/internal/registry"
	"github.com/agentcloud/tunnel-relay/internal/telemetry"
	"github.com/agentcloud/tunnel-relay/internal/testutil"
	"github.com/agentcloud/tunnel-relay/internal/traffic"
)

const (
	testTunnelDomain = "tunnels.example.net"
	testAliasDomain  = "apps.example.net"
	testSecret       = "s3cret"
	testRunID        = "run-0001"
)

type harness struct {
	handler  http.Handler
	registry *registry.Registry
	pending  *pending.Table
	limiter  *ratelimit.Registry
	traffic  *traffic.Tracker
	stats    *relay.Stats
	gatherer *prometheus.Registry
}

func newHarness(t *testing.T, mutate func(*Deps)) *harness {
	t.Helper()
	h := &harness{
		registry: registry.New(),
		pending:  pending.NewTable(),
		limiter:  ratelimit.NewRegistry(1000),
		traffic:  traffic.NewTracker(100),
		stats:    relay.NewStats(),
		gatherer: prometheus.NewRegistry(),
	}
	deps := Deps{
		TunnelDomain:   testTunnelDomain,
		AliasDomain:    testAliasDomain,
		Secret:         testSecret,
		RunID:          testRunID,
		MaxRequestSize: 1 << 20,
		PendingTimeout: 2 * time.Second,
		Registry:       h.registry,
		Pending:        h.pending,
		Limiter:        h.limiter,
		Traffic:        h.traffic,
		Stats:          h.stats,
		Metrics:        telemetry.NewMetrics(h.gatherer),
		Gatherer:       h.gatherer,
	}
	if mutate != nil {
		mutate(&deps)
	}
	h.limiter = deps.Limiter
	h.handler = New(deps)
	return h
}

// connect registers a live session backed by a pipe and serves request
// frames with respond, completing the pending table the way the control
// loop would. A nil respond swallows frames without answering.
func (h *harness) connect(t *testing.T, token string, respond func(*protocol.Request) *pending.Result) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	sess := registry.NewSession(token, 3000, serverConn, 1<<20)
	if old := h.registry.Register(sess); old != nil {
		old.Close()
	}
	t.Cleanup(func() {
		sess.Close()
		clientConn.Close()
	})

	go func() {
		reader := protocol.NewReader(clientConn, 1<<20)
		for {
			line, err := reader.Next()
			if err != nil {
				return
			}
			frame, err := protocol.Decode(line)
			if err != nil {
				return
			}
			req, ok := frame.(*protocol.Request)
			if !ok || respond == nil {
				continue
			}
			if res := respond(req); res != nil {
				h.pending.Complete(req.ID, res)
			}
		}
	}()
}

func (h *harness) get(host, path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "http://"+host+path, nil)
	req.Host = host
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)
	return w
}

func echoOK(body string) func(*protocol.Request) *pending.Result {
	return func(*protocol.Request) *pending.Result {
		return &pending.Result{
			Status:  http.StatusOK,
			Headers: map[string]string{"Content-Type": "text/plain"},
			Body:    []byte(body),
		}
	}
}

func TestTunnel_Passthrough(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	var seen *protocol.Request
	h.connect(t, "tok12345", func(req *protocol.Request) *pending.Result {
		seen = req
		return &pending.Result{
			Status: http.StatusCreated,
			Headers: map[string]string{
				"Content-Type":      "application/json",
				"Connection":        "close",
				"Transfer-Encoding": "chunked",
			},
			Body: []byte(`{"ok":true}`),
		}
	})

	req := httptest.NewRequest(http.MethodPost, "http://tok12345."+testTunnelDomain+"/api/items?x=1",
		strings.NewReader("payload"))
	req.Host = "tok12345." + testTunnelDomain
	req.Header.Set("X-Custom", "yes")
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %q", w.Code, w.Body.String())
	}
	if w.Body.String() != `{"ok":true}` {
		t.Errorf("body = %q", w.Body.String())
	}
	if w.Header().Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type = %q", w.Header().Get("Content-Type"))
	}
	// Hop-by-hop headers from the client's response never reach the caller.
	if w.Header().Get("Connection") != "" || w.Header().Get("Transfer-Encoding") != "" {
		t.Error("hop-by-hop headers leaked through")
	}
	if w.Header().Get("X-Request-Id") == "" {
		t.Error("X-Request-Id missing")
	}

	if seen == nil {
		t.Fatal("client never saw the request frame")
	}
	if seen.Method != http.MethodPost || seen.Path != "/api/items?x=1" {
		t.Errorf("forwarded frame = %s %s", seen.Method, seen.Path)
	}
	if seen.Headers["X-Custom"] != "yes" {
		t.Errorf("forwarded headers = %v", seen.Headers)
	}
	if body, _ := base64.StdEncoding.DecodeString(seen.Body); string(body) != "payload" {
		t.Errorf("forwarded body = %q", body)
	}

	byToken, _ := h.traffic.Snapshot()
	if len(byToken) != 1 || byToken[0].Requests != 1 {
		t.Errorf("traffic = %+v", byToken)
	}
	if h.pending.Len() != 0 {
		t.Errorf("pending table holds %d entries after completion", h.pending.Len())
	}
}

func TestTunnel_UnknownHost(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	for _, host := range []string{
		"example.com",
		testTunnelDomain,
		"a.b." + testTunnelDomain,
		"www." + testAliasDomain,
	} {
		if w := h.get(host, "/", nil); w.Code != http.StatusNotFound {
			t.Errorf("host %q: status = %d, want 404", host, w.Code)
		}
	}
}

func TestTunnel_NotConnected(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	w := h.get("tok12345."+testTunnelDomain, "/", nil)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Tunnel not connected") {
		t.Errorf("body = %q", w.Body.String())
	}
}

func TestTunnel_RateLimited(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(d *Deps) {
		d.Limiter = ratelimit.NewRegistry(1)
	})

	// First request is admitted (and then 502s on the missing tunnel).
	if w := h.get("tok12345."+testTunnelDomain, "/", nil); w.Code != http.StatusBadGateway {
		t.Fatalf("first status = %d", w.Code)
	}

	w := h.get("tok12345."+testTunnelDomain, "/", nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") != "60" {
		t.Errorf("Retry-After = %q", w.Header().Get("Retry-After"))
	}

	// Another identity is unaffected.
	if w := h.get("other999."+testTunnelDomain, "/", nil); w.Code != http.StatusBadGateway {
		t.Errorf("other identity status = %d", w.Code)
	}
	if h.stats.RateLimited.Load() != 1 {
		t.Errorf("RateLimited = %d", h.stats.RateLimited.Load())
	}
}

func TestTunnel_BodyTooLarge(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(d *Deps) {
		d.MaxRequestSize = 16
	})
	h.connect(t, "tok12345", echoOK("never"))

	req := httptest.NewRequest(http.MethodPost, "http://tok12345."+testTunnelDomain+"/",
		strings.NewReader(strings.Repeat("A", 64)))
	req.Host = "tok12345." + testTunnelDomain
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", w.Code)
	}
}

func TestTunnel_BodySizeBoundary(t *testing.T) {
	t.Parallel()
	const max = 16
	h := newHarness(t, func(d *Deps) {
		d.MaxRequestSize = max
	})
	h.connect(t, "tok12345", echoOK("ok"))

	post := func(n int) int {
		req := httptest.NewRequest(http.MethodPost, "http://tok12345."+testTunnelDomain+"/",
			strings.NewReader(strings.Repeat("A", n)))
		req.Host = "tok12345." + testTunnelDomain
		w := httptest.NewRecorder()
		h.handler.ServeHTTP(w, req)
		return w.Code
	}

	if code := post(max); code != http.StatusOK {
		t.Errorf("body of exactly max bytes: status = %d, want 200", code)
	}
	if code := post(max + 1); code != http.StatusRequestEntityTooLarge {
		t.Errorf("body of max+1 bytes: status = %d, want 413", code)
	}
}

func TestTunnel_Timeout(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(d *Deps) {
		d.PendingTimeout = 100 * time.Millisecond
	})
	// The client reads the frame but never answers.
	h.connect(t, "tok12345", nil)

	w := h.get("tok12345."+testTunnelDomain, "/", nil)
	if w.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", w.Code)
	}
	if h.pending.Len() != 0 {
		t.Errorf("pending table holds %d entries after timeout", h.pending.Len())
	}
}

func TestTunnel_AliasHost(t *testing.T) {
	t.Parallel()
	cp := testutil.NewControlPlane(testSecret)
	t.Cleanup(cp.Close)
	cp.SetAlias("myapp", "tok12345")

	client := controlplane.NewClient(cp.URL, testSecret, nil, nil)
	aliases, err := controlplane.NewAliasResolver(client, time.Minute, 100)
	if err != nil {
		t.Fatal(err)
	}

	h := newHarness(t, func(d *Deps) {
		d.Aliases = aliases
	})
	h.connect(t, "tok12345", echoOK("aliased"))

	w := h.get("myapp."+testAliasDomain, "/", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %q", w.Code, w.Body.String())
	}
	if w.Body.String() != "aliased" {
		t.Errorf("body = %q", w.Body.String())
	}

	// Counters accrue under both the alias and its token.
	byToken, byAlias := h.traffic.Snapshot()
	if len(byToken) != 1 || byToken[0].Identity != "tok12345" {
		t.Errorf("byToken = %+v", byToken)
	}
	if len(byAlias) != 1 || byAlias[0].Identity != "myapp" {
		t.Errorf("byAlias = %+v", byAlias)
	}

	// An alias the control plane does not know is an unknown host.
	if w := h.get("ghost."+testAliasDomain, "/", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown alias status = %d", w.Code)
	}
}

func TestTunnel_AliasWithoutResolver(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	if w := h.get("myapp."+testAliasDomain, "/", nil); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func secretHeader() http.Header {
	return http.Header{controlplane.SecretHeader: []string{testSecret}}
}

func TestIntrospection_RequiresSecret(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	for _, path := range []string{"/health", "/internal/connected-tokens", "/internal/traffic-stats", "/metrics"} {
		if w := h.get("relay.internal", path, nil); w.Code != http.StatusForbidden {
			t.Errorf("%s without secret: status = %d", path, w.Code)
		}
		bad := http.Header{controlplane.SecretHeader: []string{"wrong"}}
		if w := h.get("relay.internal", path, bad); w.Code != http.StatusForbidden {
			t.Errorf("%s with wrong secret: status = %d", path, w.Code)
		}
	}
}

func TestIntrospection_DisabledWithoutSecret(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(d *Deps) {
		d.Secret = ""
	})

	w := h.get("relay.internal", "/health", http.Header{controlplane.SecretHeader: []string{""}})
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, endpoints not disabled", w.Code)
	}
}

func TestIntrospection_Health(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.connect(t, "tok12345", nil)

	w := h.get("relay.internal", "/health", secretHeader())
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var body struct {
		Status            string `json:"status"`
		ActiveConnections int    `json:"activeConnections"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Status != "ok" || body.ActiveConnections != 1 {
		t.Errorf("health = %+v", body)
	}
}

func TestIntrospection_ConnectedTokens(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.connect(t, "bravo", nil)
	h.connect(t, "alpha", nil)

	w := h.get("relay.internal", "/internal/connected-tokens", secretHeader())
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var body struct {
		Tokens  []string        `json:"tokens"`
		Tunnels []registry.Info `json:"tunnels"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(body.Tokens) != 2 || body.Tokens[0] != "alpha" || body.Tokens[1] != "bravo" {
		t.Errorf("tokens = %v", body.Tokens)
	}
	if len(body.Tunnels) != 2 || body.Tunnels[0].TargetPort != 3000 {
		t.Errorf("tunnels = %+v", body.Tunnels)
	}
}

func TestIntrospection_TrafficStats(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.connect(t, "tok12345", echoOK("ok"))

	if w := h.get("tok12345."+testTunnelDomain, "/", nil); w.Code != http.StatusOK {
		t.Fatalf("tunnel request status = %d", w.Code)
	}

	w := h.get("relay.internal", "/internal/traffic-stats", secretHeader())
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var body trafficStatsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.RelayRunID != testRunID {
		t.Errorf("relayRunId = %q", body.RelayRunID)
	}
	if body.Totals.TokensTracked != 1 || body.Totals.Connected != 1 {
		t.Errorf("totals = %+v", body.Totals)
	}
	if len(body.ByToken) != 1 || body.ByToken[0].Identity != "tok12345" || body.ByToken[0].Requests != 1 {
		t.Errorf("byToken = %+v", body.ByToken)
	}
}

func TestIntrospection_Metrics(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	w := h.get("relay.internal", "/metrics", secretHeader())
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "relay_") {
		t.Error("metrics exposition missing relay namespace")
	}
}

func TestIntrospectionPath_OnTunnelHostIsTunneled(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	// /health on a tunnel host belongs to the tunneled application, not the
	// relay; with no session connected that's a 502, never a 403.
	w := h.get("tok12345."+testTunnelDomain, "/health", nil)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
}
