package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/agentcloud/tunnel-relay/internal/ratelimit"
	"github.com/agentcloud/tunnel-relay/internal/registry"
	"github.com/agentcloud/tunnel-relay/internal/traffic"
)

// Janitor periodically sweeps dead sessions, idle rate-limit windows, and
// oversized counter maps. The identity caches are self-expiring and
// size-bounded, so they need no sweep here.
type Janitor struct {
	interval time.Duration
	registry *registry.Registry
	limiter  *ratelimit.Registry
	traffic  *traffic.Tracker
}

// NewJanitor creates a janitor running every interval.
func NewJanitor(interval time.Duration, reg *registry.Registry, limiter *ratelimit.Registry, tracker *traffic.Tracker) *Janitor {
	return &Janitor{
		interval: interval,
		registry: reg,
		limiter:  limiter,
		traffic:  tracker,
	}
}

// Name returns the worker identifier.
func (j *Janitor) Name() string { return "janitor" }

// Run sweeps on a periodic schedule until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.sweep()
		}
	}
}

// sweep performs one pass and logs a single summary line.
func (j *Janitor) sweep() {
	deadSessions := j.registry.Sweep()
	idleWindows := j.limiter.Sweep()
	evictedCounters := j.traffic.EnforceCeiling()
	tokens, aliases := j.traffic.Sizes()

	slog.Info("janitor sweep",
		"deadSessions", deadSessions,
		"idleWindows", idleWindows,
		"evictedCounters", evictedCounters,
		"sessions", j.registry.Len(),
		"rateWindows", j.limiter.Len(),
		"tokenCounters", tokens,
		"aliasCounters", aliases,
	)
}
