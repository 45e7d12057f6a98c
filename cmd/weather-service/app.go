package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/kjstillabower/city-weather-service/internal/cache"
	"github.com/kjstillabower/city-weather-service/internal/client"
	"github.com/kjstillabower/city-weather-service/internal/config"
	"github.com/kjstillabower/city-weather-service/internal/fetch"
	"github.com/kjstillabower/city-weather-service/internal/observability"
	"github.com/kjstillabower/city-weather-service/internal/service"
)

const breakerComponent = "weather_source"

// app is the fetch pipeline shared by serve and fetch: source, retry, cache, facade.
type app struct {
	store      cache.Store
	closeStore func() error
	source     client.DataSource
	cache      *cache.WeatherCache
	service    *service.WeatherService
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	store, closeStore, err := newStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	source := newSource(cfg, logger)
	orchestrator := fetch.NewOrchestrator(source, cfg.RetryPolicy(), func(city string, attempt int, delay time.Duration, err error) {
		logger.Debug("weather fetch retry scheduled",
			zap.String("city", city),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
		)
	})
	weatherCache := cache.NewWeatherCache(store, cfg.CacheTTL)
	return &app{
		store:      store,
		closeStore: closeStore,
		source:     source,
		cache:      weatherCache,
		service:    service.NewWeatherService(weatherCache, orchestrator, cfg.CityMinLength, cfg.CityMaxLength),
	}, nil
}

// Close releases the cache backend.
func (a *app) Close() error {
	if a.closeStore == nil {
		return nil
	}
	return a.closeStore()
}

func newStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (cache.Store, func() error, error) {
	switch cfg.CacheBackend {
	case config.BackendMemcached:
		s := cache.NewMemcachedStore(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
		return s, s.Close, nil
	case config.BackendRedis:
		s, err := cache.NewRedisStore(ctx, cache.RedisConfig{
			Addr:         cfg.RedisAddr,
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			DialTimeout:  cfg.RedisTimeout,
			ReadTimeout:  cfg.RedisTimeout,
			WriteTimeout: cfg.RedisTimeout,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("redis cache: %w", err)
		}
		logger.Info("cache backend: redis", zap.String("addr", cfg.RedisAddr))
		return s, s.Close, nil
	case config.BackendSQLite:
		s, err := cache.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite cache: %w", err)
		}
		logger.Info("cache backend: sqlite", zap.String("path", cfg.SQLitePath))
		return s, s.Close, nil
	case config.BackendInMemory, "":
		logger.Info("cache backend: in_memory")
		return cache.NewInMemoryStore(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown cache backend %q", cfg.CacheBackend)
	}
}

func newSource(cfg *config.Config, logger *zap.Logger) client.DataSource {
	seed := cfg.UpstreamSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	var source client.DataSource = client.NewSimulatedSource(cfg.UpstreamFailureRate, seed, cfg.UpstreamLatency)
	if !cfg.CircuitBreakerEnabled {
		return source
	}

	observability.CircuitBreakerState.WithLabelValues(breakerComponent).Set(0)
	logger.Info("circuit breaker enabled",
		zap.Int("failure_threshold", cfg.CircuitBreakerFailureThreshold),
		zap.Duration("timeout", cfg.CircuitBreakerTimeout),
	)
	return client.NewBreakerSource(source, client.BreakerConfig{
		Name:             breakerComponent,
		FailureThreshold: cfg.CircuitBreakerFailureThreshold,
		OpenTimeout:      cfg.CircuitBreakerTimeout,
		HalfOpenRequests: cfg.CircuitBreakerHalfOpenRequests,
		OnStateChange: func(from, to gobreaker.State) {
			observability.RecordCircuitBreakerTransition(breakerComponent, from.String(), to.String(), breakerStateValue(to))
			logger.Warn("circuit breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
