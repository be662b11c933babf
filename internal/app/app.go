// Package app assembles the gateway from its configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/i2y/docsgate/configs"
	"github.com/i2y/docsgate/internal/adapter/inbound/httpapi"
	"github.com/i2y/docsgate/internal/adapter/inbound/linechan"
	"github.com/i2y/docsgate/internal/adapter/inbound/mcpserver"
	"github.com/i2y/docsgate/internal/adapter/outbound/cache"
	"github.com/i2y/docsgate/internal/adapter/outbound/connpool"
	"github.com/i2y/docsgate/internal/adapter/outbound/cratesio"
	"github.com/i2y/docsgate/internal/adapter/outbound/docsrs"
	"github.com/i2y/docsgate/internal/adapter/outbound/htmldoc"
	"github.com/i2y/docsgate/internal/adapter/outbound/memrepo"
	"github.com/i2y/docsgate/internal/adapter/outbound/metrics"
	"github.com/i2y/docsgate/internal/adapter/outbound/probe"
	"github.com/i2y/docsgate/internal/adapter/outbound/ratelimit"
	"github.com/i2y/docsgate/internal/adapter/outbound/redisstore"
	"github.com/i2y/docsgate/internal/adapter/outbound/tokenauth"
	"github.com/i2y/docsgate/internal/adapter/outbound/upstream"
	"github.com/i2y/docsgate/internal/usecase"
)

// App holds every wired component. Transports are built but not started.
type App struct {
	Config     *configs.Config
	Dispatcher *usecase.Dispatcher
	Health     *usecase.HealthAggregator
	Tools      *usecase.ServeToolsUseCase
	Metrics    *metrics.Recorder
	HTTP       *httpapi.Handlers
	Lines      *linechan.Server
	MCP        *mcpserver.Adapter

	pool    *connpool.Pool
	closers []func() error
	logger  *slog.Logger
}

// New wires the gateway. The returned App must be closed.
func New(ctx context.Context, cfg *configs.Config, logger *slog.Logger) (_ *App, err error) {
	a := &App{Config: cfg, logger: logger.With("component", "app")}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.Metrics = metrics.New()

	// --- Upstream access ---
	a.pool = connpool.New(connpool.Config{
		MaxPerTarget:   cfg.Pool.MaxPerTarget,
		AcquireTimeout: cfg.Pool.AcquireTimeout,
		IdleTimeout:    cfg.Pool.IdleTimeout,
		DialTimeout:    cfg.Pool.DialTimeout,
	}, logger)
	a.closers = append(a.closers, func() error { a.pool.Close(); return nil })
	for _, target := range []string{docsrs.Target, cratesio.Target} {
		labels := prometheus.Labels{"target": target}
		a.Metrics.TrackGauge("pool_in_use", "Upstream connections currently checked out", labels,
			func() float64 { return float64(a.pool.Stats(target).InUse) })
		a.Metrics.TrackGauge("pool_idle", "Idle upstream connections kept for reuse", labels,
			func() float64 { return float64(a.pool.Stats(target).Idle) })
	}

	httpClient := upstream.New(a.pool, upstream.Config{
		UserAgent:    cfg.Upstream.UserAgent,
		Timeout:      cfg.Upstream.Timeout,
		RetryDelay:   cfg.Upstream.RetryDelay,
		MaxBodyBytes: cfg.Upstream.MaxBodyBytes,
	}, logger)
	docs := docsrs.New(httpClient, cfg.Upstream.DocsBaseURL, logger)
	registry := cratesio.New(httpClient, cfg.Upstream.RegistryBaseURL, logger)
	logger.Debug("Upstream clients initialized.",
		slog.String("docs", cfg.Upstream.DocsBaseURL), slog.String("registry", cfg.Upstream.RegistryBaseURL))

	// --- Cache ---
	store, err := a.newStore(ctx)
	if err != nil {
		return nil, err
	}
	responseCache := cache.New(store, cfg.Upstream.HandlerTimeout, logger)

	// --- Health ---
	probes := []usecase.Probe{
		probe.Upstream(docsrs.Target, docs, cfg.Health.ProbeTimeout),
		probe.Upstream(cratesio.Target, registry, cfg.Health.ProbeTimeout),
		probe.Memory(cfg.Health.MemoryLimitBytes, nil),
	}
	if rs, ok := store.(*redisstore.Store); ok {
		probes = append(probes, probe.Store("cache", rs, cfg.Health.ProbeTimeout))
	}
	a.Health = usecase.NewHealthAggregator(probes, cfg.Health.ProbeTimeout, cfg.Health.SlowThreshold, logger)

	// --- Admission ---
	limiter := ratelimit.New(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst, ratelimit.WithIdleTTL(cfg.RateLimit.IdleTTL))
	a.Metrics.TrackGauge("rate_limit_clients", "Clients with a live token bucket", nil,
		func() float64 { return float64(limiter.Clients()) })

	auth, err := newAuthenticator(ctx, cfg.Auth, logger)
	if err != nil {
		return nil, err
	}

	// --- Use cases ---
	handlers := usecase.NewToolHandlers(docs, registry, htmldoc.New(), a.Health, logger,
		usecase.WithDocsLinkBase(cfg.Upstream.DocsBaseURL))
	a.Dispatcher = usecase.NewDispatcher(auth, limiter, responseCache, handlers, cfg.TTLs(), logger,
		usecase.WithMetrics(a.Metrics))

	a.Tools = usecase.NewServeToolsUseCase(memrepo.NewInMemoryToolRepository(logger), logger)
	if err := a.Tools.Register(ctx); err != nil {
		return nil, err
	}
	catalog, err := a.Tools.Execute(ctx)
	if err != nil {
		return nil, err
	}

	// --- Transports ---
	proxies, err := httpapi.ParseTrustedProxies(cfg.HTTP.TrustedProxies)
	if err != nil {
		return nil, err
	}
	a.HTTP = httpapi.NewHandlers(a.Dispatcher, a.Health, a.Tools, a.Metrics.Handler(), httpapi.Config{
		MaxInFlight:    cfg.HTTP.MaxInFlight,
		Backlog:        cfg.HTTP.Backlog,
		BacklogTimeout: cfg.HTTP.BacklogTimeout,
		EnablePOST:     cfg.Transport == configs.TransportHTTP || cfg.Transport == configs.TransportHybrid,
		EnableSSE:      cfg.Transport == configs.TransportSSE || cfg.Transport == configs.TransportHybrid,
		SSE: httpapi.SSEConfig{
			MaxSessions: cfg.HTTP.SSEMaxSessions,
			OutboxSize:  cfg.HTTP.SSEOutboxSize,
			MaxPending:  cfg.HTTP.SSEMaxPending,
			KeepAlive:   cfg.HTTP.SSEKeepAlive,
		},
		TrustedProxies: proxies,
	}, logger)
	a.closers = append(a.closers, func() error { a.HTTP.Shutdown(); return nil })
	a.Lines = linechan.New(a.Dispatcher, logger)
	a.MCP, err = mcpserver.New(a.Dispatcher, catalog, configs.Version, logger)
	if err != nil {
		return nil, err
	}

	a.logger.Info("Gateway assembled.",
		slog.String("transport", cfg.Transport),
		slog.String("cache_backend", cfg.Cache.Backend),
		slog.Bool("auth", auth.Enabled()),
		slog.Bool("rate_limit", limiter.Enabled()))
	return a, nil
}

func (a *App) newStore(ctx context.Context) (cache.Store, error) {
	cfg := a.Config.Cache
	switch cfg.Backend {
	case configs.CacheBackendRedis:
		rs, err := redisstore.New(ctx, redisstore.Config{
			Addr:      cfg.Redis.Addr,
			Username:  cfg.Redis.Username,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect cache backend: %w", err)
		}
		a.closers = append(a.closers, rs.Close)
		return rs, nil
	default:
		ms := cache.NewMemoryStore(cfg.Capacity, cache.WithShards(cfg.Shards))
		a.Metrics.TrackGauge("cache_entries", "Entries held by the in-memory response cache", nil,
			func() float64 { return float64(ms.Len()) })
		return ms, nil
	}
}

func newAuthenticator(ctx context.Context, cfg configs.AuthConfig, logger *slog.Logger) (usecase.Authenticator, error) {
	if !cfg.Enabled {
		return tokenauth.Disabled{}, nil
	}
	v, err := tokenauth.New(ctx, tokenauth.Config{
		Secret:         cfg.Secret,
		JWKSURL:        cfg.JWKSURL,
		Issuer:         cfg.Issuer,
		Audience:       cfg.Audience,
		Leeway:         cfg.Leeway,
		RequiredScopes: cfg.RequiredScopes,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create token validator: %w", err)
	}
	return v, nil
}

// Close releases pooled connections, push sessions and the cache backend.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
