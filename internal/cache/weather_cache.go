package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kjstillabower/city-weather-service/internal/models"
	"github.com/kjstillabower/city-weather-service/internal/observability"
)

// FetchFunc produces a fresh record on a cache miss.
type FetchFunc func(ctx context.Context) (models.WeatherRecord, error)

// WeatherCache memoizes weather records per city for a fixed TTL on top of a Store.
// At most one fetch per city runs at a time; concurrent misses share its result.
type WeatherCache struct {
	store  Store
	ttl    time.Duration
	now    func() time.Time
	group  singleflight.Group
	misses *missTracker
}

// NewWeatherCache returns a cache over store. ttl <= 0 uses DefaultTTL.
func NewWeatherCache(store Store, ttl time.Duration) *WeatherCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &WeatherCache{
		store:  store,
		ttl:    ttl,
		now:    time.Now,
		misses: newMissTracker(),
	}
}

// TTL returns the freshness window.
func (c *WeatherCache) TTL() time.Duration { return c.ttl }

// GetOrFetch returns the fresh cached record for city, or runs fetch on a miss.
// fetch is not called on a hit. A successful fetch is stored; a failed one leaves
// the cache untouched and its error is returned unchanged. A caller whose ctx ends
// while waiting on another caller's fetch returns ctx.Err().
func (c *WeatherCache) GetOrFetch(ctx context.Context, city string, fetch FetchFunc) (models.WeatherRecord, error) {
	key := Key(city)
	backend := c.store.Name()
	logger := observability.LoggerFromContext(ctx)

	if rec, ok := c.lookup(ctx, key); ok {
		observability.CacheHitsTotal.WithLabelValues(backend).Inc()
		logger.Debug("cache hit", zap.String("key", key))
		return rec, nil
	}
	observability.CacheMissesTotal.WithLabelValues(backend).Inc()

	concurrent, done := c.misses.begin(key)
	defer done()
	if concurrent > 1 {
		observability.CacheStampedeDetectedTotal.WithLabelValues(observability.MetricCityLabel(city)).Inc()
	}
	logger.Debug("cache miss", zap.String("key", key), zap.Int("concurrent_misses", concurrent))

	return c.flight(ctx, key, city, fetch, true)
}

// Refresh fetches city and stores the result even when a fresh entry exists. On
// failure the existing entry is left as is. Concurrent callers for the same key
// share one fetch with GetOrFetch callers.
func (c *WeatherCache) Refresh(ctx context.Context, city string, fetch FetchFunc) (models.WeatherRecord, error) {
	return c.flight(ctx, Key(city), city, fetch, false)
}

// abandonedError marks a flight whose leader's context ended before the fetch
// finished. Callers sharing the flight that are still live start a new one.
type abandonedError struct {
	err error
}

func (e *abandonedError) Error() string { return e.err.Error() }

func (e *abandonedError) Unwrap() error { return e.err }

// flight runs fetch at most once per key at a time. With recheck, an entry
// filled by a flight that finished after the caller's lookup is returned as is.
func (c *WeatherCache) flight(ctx context.Context, key, city string, fetch FetchFunc, recheck bool) (models.WeatherRecord, error) {
	for {
		ch := c.group.DoChan(key, func() (interface{}, error) {
			if recheck {
				if rec, ok := c.lookup(ctx, key); ok {
					return rec, nil
				}
			}
			rec, err := fetch(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil, &abandonedError{err: err}
				}
				return nil, err
			}
			c.save(ctx, key, strings.TrimSpace(city), rec)
			return rec, nil
		})

		select {
		case res := <-ch:
			if res.Shared {
				observability.SingleflightSharedTotal.Inc()
			}
			if res.Err != nil {
				var abandoned *abandonedError
				if errors.As(res.Err, &abandoned) {
					if ctx.Err() == nil {
						observability.LoggerFromContext(ctx).Debug("shared fetch abandoned by its leader, refetching", zap.String("key", key))
						continue
					}
					return models.WeatherRecord{}, abandoned.err
				}
				return models.WeatherRecord{}, res.Err
			}
			return res.Val.(models.WeatherRecord), nil
		case <-ctx.Done():
			return models.WeatherRecord{}, fmt.Errorf("wait for weather fetch %s: %w", key, ctx.Err())
		}
	}
}

// lookup returns the stored record when present and younger than the TTL.
// Store errors degrade to a miss.
func (c *WeatherCache) lookup(ctx context.Context, key string) (models.WeatherRecord, bool) {
	start := time.Now()
	entry, ok, err := c.store.Get(ctx, key)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		observability.CacheErrorsTotal.WithLabelValues("get", categorizeStoreError(err)).Inc()
		observability.CacheOperationDurationSeconds.WithLabelValues("get", "error").Observe(elapsed)
		observability.LoggerFromContext(ctx).Warn("cache get failed", zap.String("key", key), zap.Error(err))
		return models.WeatherRecord{}, false
	}
	observability.CacheOperationDurationSeconds.WithLabelValues("get", "success").Observe(elapsed)
	if !ok || c.expired(entry) {
		return models.WeatherRecord{}, false
	}
	return entry.Record, true
}

func (c *WeatherCache) expired(e Entry) bool {
	return c.now().Sub(e.StoredAt) >= c.ttl
}

// save writes a fresh entry. Failures are logged and counted only; the fetched
// record is still returned to the caller.
func (c *WeatherCache) save(ctx context.Context, key, city string, rec models.WeatherRecord) {
	start := time.Now()
	err := c.store.Set(ctx, key, Entry{City: city, Record: rec, StoredAt: c.now()}, c.ttl)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		observability.CacheErrorsTotal.WithLabelValues("set", categorizeStoreError(err)).Inc()
		observability.CacheOperationDurationSeconds.WithLabelValues("set", "error").Observe(elapsed)
		observability.LoggerFromContext(ctx).Warn("cache set failed", zap.String("key", key), zap.Error(err))
		return
	}
	observability.CacheOperationDurationSeconds.WithLabelValues("set", "success").Observe(elapsed)
	observability.LoggerFromContext(ctx).Info("cache set", zap.String("key", key))
}

// categorizeStoreError returns a stable label for cache error metrics.
func categorizeStoreError(err error) string {
	errStr := err.Error()
	switch {
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline"):
		return "timeout"
	case strings.Contains(errStr, "connection") || strings.Contains(errStr, "network") || strings.Contains(errStr, "connect"):
		return "connection"
	case strings.Contains(errStr, "decode") || strings.Contains(errStr, "encode"):
		return "decode"
	default:
		return "unknown"
	}
}
