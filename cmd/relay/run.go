package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/dnscache"
	"go.opentelemetry.io/otel/trace"

	relay "github.com/agentcloud/tunnel-relay/internal"
	"github.com/agentcloud/tunnel-relay/internal/config"
	"github.com/agentcloud/tunnel-relay/internal/control"
	"github.com/agentcloud/tunnel-relay/internal/controlplane"
	"github.com/agentcloud/tunnel-relay/internal/pending"
	"github.com/agentcloud/tunnel-relay/internal/ratelimit"
	"github.com/agentcloud/tunnel-relay/internal/registry"
	"github.com/agentcloud/tunnel-relay/internal/server"
	"github.com/agentcloud/tunnel-relay/internal/telemetry"
	"github.com/agentcloud/tunnel-relay/internal/traffic"
	"github.com/agentcloud/tunnel-relay/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	runID := relay.NewRunID()
	stats := relay.NewStats()

	slog.Info("starting relay",
		"version", version,
		"runId", runID,
		"http", cfg.HTTPAddr(),
		"ctrl", cfg.CtrlAddr(),
		"tunnelDomain", cfg.TunnelDomain,
		"aliasDomain", cfg.AliasDomain,
		"validateTokens", cfg.ValidateTokens,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Telemetry
	promReg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(promReg)

	var tracer trace.Tracer
	if cfg.TracingEndpoint != "" {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.TracingEndpoint, cfg.TracingSampleRate)
		if err != nil {
			return err
		}
		defer shutdown(context.Background())
		tracer = telemetry.Tracer("tunnel-relay")
	}

	// Outbound control-plane client, shared by validation and resolution.
	var cpClient *controlplane.Client
	resolver := &dnscache.Resolver{}
	if cfg.APIBase != "" {
		cpClient = controlplane.NewClient(cfg.APIBase, cfg.InternalSecret, resolver, tracer)
	}

	var validatorClient *controlplane.Client
	if cfg.ValidateTokens {
		validatorClient = cpClient
	}
	tokens, err := controlplane.NewTokenValidator(validatorClient, cfg.TunnelDomain, cfg.CacheTTL, cfg.MaxCacheSize)
	if err != nil {
		return err
	}

	var aliases *controlplane.AliasResolver
	if cfg.AliasDomain != "" {
		aliases, err = controlplane.NewAliasResolver(cpClient, cfg.CacheTTL, cfg.MaxCacheSize)
		if err != nil {
			return err
		}
	}

	// Shared relay state
	reg := registry.New()
	table := pending.NewTable()
	limiter := ratelimit.NewRegistry(cfg.RateLimitRequests)
	tracker := traffic.NewTracker(cfg.MaxCacheSize)

	// Ingress
	handler := server.New(server.Deps{
		TunnelDomain:   cfg.TunnelDomain,
		AliasDomain:    cfg.AliasDomain,
		Secret:         cfg.InternalSecret,
		RunID:          runID,
		MaxRequestSize: cfg.MaxRequestSize,
		PendingTimeout: cfg.PendingTimeout,
		Registry:       reg,
		Pending:        table,
		Limiter:        limiter,
		Aliases:        aliases,
		Traffic:        tracker,
		Stats:          stats,
		Metrics:        metrics,
		Tracer:         tracer,
		Gatherer:       promReg,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           handler,
		IdleTimeout:       cfg.KeepAliveTimeout,
		ReadHeaderTimeout: cfg.HeaderTimeout,
	}

	// Control channel
	tlsConf, err := control.TLSConfig(cfg)
	if err != nil {
		return err
	}
	ctrl := control.New(cfg.CtrlAddr(), tlsConf, control.Deps{
		Registry: reg,
		Pending:  table,
		Tokens:   tokens,
		Traffic:  tracker,
		Stats:    stats,
		Metrics:  metrics,
		MaxFrame: int(cfg.MaxRequestSize),
	})

	workers := []worker.Worker{
		ctrl,
		worker.NewJanitor(cfg.JanitorInterval, reg, limiter, tracker),
	}
	if cpClient != nil {
		workers = append(workers, worker.NewDNSRefresher(resolver, 5*time.Minute))
	}
	runner := worker.NewRunner(workers...)

	errCh := make(chan error, 2)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		if err := runner.Run(ctx); err != nil {
			errCh <- err
		}
	}()

	slog.Info("relay ready", "http", cfg.HTTPAddr(), "ctrl", cfg.CtrlAddr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	cancel()

	slog.Info("relay stopped")
	return nil
}
