package server

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/agentcloud/tunnel-relay/internal/controlplane"
	"github.com/agentcloud/tunnel-relay/internal/traffic"
)

// requireSecret gates the introspection endpoints on the shared internal
// secret. An unset secret disables the endpoints entirely.
func (s *server) requireSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get(controlplane.SecretHeader)
		if s.deps.Secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.deps.Secret)) != 1 {
			writeJSON(w, http.StatusForbidden, errorResponse("forbidden"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type healthResponse struct {
	Status            string `json:"status"`
	UptimeSeconds     int64  `json:"uptimeSeconds"`
	Requests          int64  `json:"requests"`
	Errors            int64  `json:"errors"`
	RateLimited       int64  `json:"rateLimited"`
	InvalidTokens     int64  `json:"invalidTokens"`
	ActiveConnections int    `json:"activeConnections"`
	PendingRequests   int    `json:"pendingRequests"`
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:            "ok",
		UptimeSeconds:     s.deps.Stats.Uptime(),
		Requests:          s.deps.Stats.Requests.Load(),
		Errors:            s.deps.Stats.Errors.Load(),
		RateLimited:       s.deps.Stats.RateLimited.Load(),
		InvalidTokens:     s.deps.Stats.InvalidTokens.Load(),
		ActiveConnections: s.deps.Registry.Len(),
		PendingRequests:   s.deps.Pending.Len(),
	})
}

// handleConnectedTokens sweeps dead sessions before answering so the control
// plane never sees a tunnel that cannot take traffic.
func (s *server) handleConnectedTokens(w http.ResponseWriter, _ *http.Request) {
	infos := s.deps.Registry.Snapshot()
	tokens := make([]string, 0, len(infos))
	for _, info := range infos {
		tokens = append(tokens, info.Token)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tokens":  tokens,
		"tunnels": infos,
	})
}

type trafficTotals struct {
	TokensTracked  int `json:"tokensTracked"`
	AliasesTracked int `json:"aliasesTracked"`
	Connected      int `json:"connected"`
	Pending        int `json:"pending"`
}

type trafficStatsResponse struct {
	RelayRunID string                  `json:"relayRunId"`
	Since      time.Time               `json:"since"`
	Timestamp  time.Time               `json:"timestamp"`
	Totals     trafficTotals           `json:"totals"`
	ByToken    []traffic.IdentityStats `json:"byToken"`
	ByAlias    []traffic.IdentityStats `json:"byAlias"`
}

func (s *server) handleTrafficStats(w http.ResponseWriter, _ *http.Request) {
	byToken, byAlias := s.deps.Traffic.Snapshot()
	writeJSON(w, http.StatusOK, trafficStatsResponse{
		RelayRunID: s.deps.RunID,
		Since:      s.deps.Stats.Started,
		Timestamp:  time.Now(),
		Totals: trafficTotals{
			TokensTracked:  len(byToken),
			AliasesTracked: len(byAlias),
			Connected:      s.deps.Registry.Len(),
			Pending:        s.deps.Pending.Len(),
		},
		ByToken: byToken,
		ByAlias: byAlias,
	})
}
