package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/airfield-weather/internal/aggregator"
	"github.com/kjstillabower/airfield-weather/internal/cache"
	"github.com/kjstillabower/airfield-weather/internal/circuitbreaker"
	"github.com/kjstillabower/airfield-weather/internal/client"
	"github.com/kjstillabower/airfield-weather/internal/config"
	"github.com/kjstillabower/airfield-weather/internal/fetch"
	httphandler "github.com/kjstillabower/airfield-weather/internal/http"
	"github.com/kjstillabower/airfield-weather/internal/lifecycle"
	"github.com/kjstillabower/airfield-weather/internal/merge"
	"github.com/kjstillabower/airfield-weather/internal/observability"
	"github.com/kjstillabower/airfield-weather/internal/observation"
	"github.com/kjstillabower/airfield-weather/internal/policy"
	"github.com/kjstillabower/airfield-weather/internal/service"
	"github.com/kjstillabower/airfield-weather/internal/traffic"
)

// app is the wired service: pipeline, cache, refresher and HTTP router.
type app struct {
	cfg        *config.Config
	logger     *zap.Logger
	weather    *service.WeatherService
	refresher  *cache.Refresher
	router     http.Handler
	closeCache func() error
}

// newApp builds every component from cfg. Nothing is started.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
		Timeout:          cfg.BreakerTimeout,
		OnStateChange: func(source string, from, to circuitbreaker.State) {
			observability.SourceBreakerState.WithLabelValues(source).Set(float64(to))
			logger.Info("source breaker state change",
				zap.String("source", source),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	tracker := traffic.NewTracker()

	airports, profiles, sourceIDs, err := buildAirports(cfg)
	if err != nil {
		return nil, err
	}

	store, ping, closeCache, err := newCache(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	p := policy.Default()
	weather := service.NewWeatherService(service.Options{
		Airports:        airports,
		Fetcher:         fetch.New(breakers, tracker, cfg.FetchTimeout, logger),
		Breakers:        breakers,
		Cache:           store,
		Aggregator:      aggregator.New(p),
		Merger:          merge.New(p, profiles),
		FreshFor:        cfg.CacheTTL,
		Retention:       cfg.CacheRetention,
		CoalesceTimeout: cfg.RequestTimeout,
		Logger:          logger,
	})
	observability.SetTrackedAirports(cfg.AirportIDs())

	handler := httphandler.NewHandler(weather, &httphandler.HealthConfig{
		Breakers:         breakers,
		Tracker:          tracker,
		Sources:          sourceIDs,
		ErrorWindow:      cfg.HealthErrorWindow,
		DegradedErrorPct: cfg.HealthDegradedErrorPct,
		CachePing:        ping,
		StartTime:        time.Now(),
	}, logger)

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}

	return &app{
		cfg:        cfg,
		logger:     logger,
		weather:    weather,
		refresher:  cache.NewRefresher(weather, cfg.AirportIDs(), cfg.RefreshInterval, cfg.RequestTimeout, logger),
		closeCache: closeCache,
		router: httphandler.NewRouter(httphandler.RouterOptions{
			Handler:        handler,
			Logger:         logger,
			Limiter:        limiter,
			RequestTimeout: cfg.RequestTimeout,
			TestingMode:    cfg.TestingMode,
		}),
	}, nil
}

// buildAirports creates one HTTP source per configured feed and the freshness
// profile the merge uses for it.
func buildAirports(cfg *config.Config) ([]service.Airport, policy.Profiles, []string, error) {
	profiles := make(policy.Profiles)
	var ids []string
	var airports []service.Airport
	for _, a := range cfg.Airports {
		sa := service.Airport{ID: a.ID}
		for _, src := range a.Sources {
			kind, ok := observation.ParseSourceKind(src.Kind)
			if !ok {
				return nil, nil, nil, fmt.Errorf("source %s: unknown kind %q", src.ID, src.Kind)
			}
			hs, err := client.NewHTTPSource(client.Options{
				ID:             src.ID,
				Kind:           kind,
				URL:            src.URL,
				APIKey:         src.APIKey,
				UpdateInterval: src.UpdateInterval,
				Timeout:        cfg.SourceTimeout,
				RetryAttempts:  cfg.RetryAttempts,
				RetryBaseDelay: cfg.RetryBaseDelay,
				RetryMaxDelay:  cfg.RetryMaxDelay,
			})
			if err != nil {
				return nil, nil, nil, fmt.Errorf("airport %s: %w", a.ID, err)
			}
			if src.Role == config.RoleBackup {
				sa.Backup = append(sa.Backup, hs)
			} else {
				sa.Primary = append(sa.Primary, hs)
			}
			profiles[src.ID] = policy.SourceProfile{Kind: kind, Interval: src.UpdateInterval}
			ids = append(ids, src.ID)
			observability.SourceBreakerState.WithLabelValues(src.ID).Set(0)
		}
		airports = append(airports, sa)
	}
	return airports, profiles, ids, nil
}

// newCache selects the configured backend. ping is nil for the in-memory
// backend, which cannot become unreachable.
func newCache(ctx context.Context, cfg *config.Config, logger *zap.Logger) (cache.Cache, func(context.Context) error, func() error, error) {
	switch cfg.CacheBackend {
	case "memcached":
		mc, err := cache.NewMemcachedCache(cache.MemcachedOptions{
			Addrs:        cfg.MemcachedAddrs,
			Timeout:      cfg.MemcachedTimeout,
			MaxIdleConns: cfg.MemcachedMaxIdleConns,
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("memcached cache: %w", err)
		}
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
		return mc, mc.Ping, mc.Close, nil
	case "redis":
		rc, err := cache.NewRedisCache(ctx, cache.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Timeout:  cfg.RedisTimeout,
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("redis cache: %w", err)
		}
		logger.Info("cache backend: redis", zap.String("addr", cfg.RedisAddr))
		return rc, rc.Ping, rc.Close, nil
	default:
		logger.Info("cache backend: in_memory")
		return cache.NewInMemoryCache(), nil, func() error { return nil }, nil
	}
}

// start runs the first refresh round, marks the instance serving and
// schedules the rest. A failed first round is logged; the service still
// starts and answers from whatever later rounds produce.
func (a *app) start(ctx context.Context) error {
	if err := a.refresher.Warm(ctx); err != nil {
		a.logger.Warn("initial refresh incomplete", zap.Error(err))
	}
	lifecycle.SetPhase(lifecycle.PhaseServing)
	return a.refresher.Start(ctx)
}

// shutdown drains the server, stops refreshing and releases the cache.
func (a *app) shutdown(ctx context.Context, srv *http.Server) {
	lifecycle.SetShuttingDown(true)
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			a.logger.Error("server shutdown", zap.Error(err))
		}
	}

	inFlight := httphandler.InFlightCount()
	if inFlight > 0 {
		a.logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight))
	}
	if err := httphandler.WaitForInFlight(ctx, 50*time.Millisecond); err != nil {
		a.logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	a.refresher.Stop()

	if err := observability.FlushTelemetry(ctx, a.logger); err != nil {
		a.logger.Debug("telemetry flush", zap.Error(err))
	}
	if err := a.closeCache(); err != nil {
		a.logger.Error("cache close", zap.Error(err))
	}
}
