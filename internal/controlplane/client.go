// Package controlplane is the relay's client for the management service
// that owns accounts, tokens, and alias records. All calls are secret-gated
// and fail closed; the caches in this package add the stale-grace window.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/dnscache"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentcloud/tunnel-relay/internal/circuit"
)

// SecretHeader carries the shared internal secret on every call.
const SecretHeader = "x-relay-internal-secret"

// maxResponseBody caps control-plane response reads.
const maxResponseBody = 1 << 20

var errBreakerOpen = errors.New("control plane circuit open")

// Client talks to the control plane over a shared keep-alive HTTP client.
type Client struct {
	base    string
	secret  string
	http    *http.Client
	breaker *circuit.Breaker
	tracer  trace.Tracer
}

// NewClient creates a Client for the given origin. If resolver is non-nil,
// the transport dials through cached DNS lookups.
func NewClient(base, secret string, resolver *dnscache.Resolver, tracer trace.Tracer) *Client {
	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}

	return &Client{
		base:    strings.TrimRight(base, "/"),
		secret:  secret,
		http:    &http.Client{Transport: t, Timeout: 10 * time.Second},
		breaker: circuit.New(circuit.DefaultConfig()),
		tracer:  tracer,
	}
}

// AllowTunnel asks the control plane whether the given tunnel hostname may
// serve traffic. Any transport, status, or parse failure is an error.
func (c *Client) AllowTunnel(ctx context.Context, domain string) (bool, error) {
	body, err := c.get(ctx, "/internal/allow-tls?domain="+url.QueryEscape(domain))
	if err != nil {
		return false, err
	}
	allow := gjson.GetBytes(body, "allow")
	if !allow.Exists() || !allow.IsBool() {
		return false, fmt.Errorf("allow-tls: malformed response")
	}
	return allow.Bool(), nil
}

// ResolveAlias resolves a persistent alias to its current token. A null
// token is a successful miss: ("", nil).
func (c *Client) ResolveAlias(ctx context.Context, alias string) (string, error) {
	body, err := c.get(ctx, "/internal/resolve-alias?alias="+url.QueryEscape(alias))
	if err != nil {
		return "", err
	}
	token := gjson.GetBytes(body, "token")
	if token.Type != gjson.String {
		return "", nil
	}
	return token.String(), nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	if !c.breaker.Allow() {
		return nil, errBreakerOpen
	}

	if c.tracer != nil {
		var span trace.Span
		ctx, span = c.tracer.Start(ctx, "controlplane.get")
		defer span.End()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		c.breaker.RecordFailure()
		return nil, fmt.Errorf("control plane: %w", err)
	}
	req.Header.Set(SecretHeader, c.secret)

	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.RecordFailure()
		return nil, fmt.Errorf("control plane: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		c.breaker.RecordFailure()
		return nil, fmt.Errorf("control plane: read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.breaker.RecordFailure()
		return nil, fmt.Errorf("control plane: status %d", resp.StatusCode)
	}

	c.breaker.RecordSuccess()
	return body, nil
}
