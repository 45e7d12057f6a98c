package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/city-weather-service/internal/cache"
	"github.com/kjstillabower/city-weather-service/internal/fetch"
	"github.com/kjstillabower/city-weather-service/internal/models"
	"github.com/kjstillabower/city-weather-service/internal/observability"
	"github.com/kjstillabower/city-weather-service/internal/validation"
)

// ErrInvalidInput is wrapped by every error caused by a malformed request.
var ErrInvalidInput = errors.New("invalid input")

// UnavailableError reports that weather for City could not be obtained after
// every allowed attempt. Reason is safe to show to clients.
type UnavailableError struct {
	City   string
	Reason string
	Err    error
}

func (e *UnavailableError) Error() string { return e.Reason }

func (e *UnavailableError) Unwrap() error { return e.Err }

// Cache is the read-through cache the service fronts.
type Cache interface {
	GetOrFetch(ctx context.Context, city string, fetch cache.FetchFunc) (models.WeatherRecord, error)
	Refresh(ctx context.Context, city string, fetch cache.FetchFunc) (models.WeatherRecord, error)
}

// Fetcher performs a fetch with bounded retries.
type Fetcher interface {
	FetchWithRetry(ctx context.Context, city string) (models.WeatherRecord, error)
	MaxAttempts() int
}

// WeatherService validates lookups and resolves them through the cache, falling
// back to a retried fetch on a miss.
type WeatherService struct {
	cache   Cache
	fetcher Fetcher
	minLen  int
	maxLen  int
}

// NewWeatherService creates a WeatherService. minLen and maxLen bound the city name
// in runes; zero values use the validation defaults.
func NewWeatherService(c Cache, f Fetcher, minLen, maxLen int) *WeatherService {
	if minLen <= 0 {
		minLen = validation.DefaultMinCityLength
	}
	if maxLen <= 0 {
		maxLen = validation.DefaultMaxCityLength
	}
	return &WeatherService{cache: c, fetcher: f, minLen: minLen, maxLen: maxLen}
}

// GetWeather returns the weather for city. Invalid names fail with an error wrapping
// ErrInvalidInput before the cache is touched; an exhausted fetch fails with
// *UnavailableError; anything else (cancellation) is returned wrapped.
func (s *WeatherService) GetWeather(ctx context.Context, city string) (models.WeatherRecord, error) {
	return s.resolve(ctx, city, s.cache.GetOrFetch)
}

// RefreshWeather fetches city with retries and replaces its cache entry even when
// the entry is still fresh. Errors are reported as by GetWeather; a failed refresh
// leaves the existing entry in place.
func (s *WeatherService) RefreshWeather(ctx context.Context, city string) (models.WeatherRecord, error) {
	return s.resolve(ctx, city, s.cache.Refresh)
}

type cacheOp func(ctx context.Context, city string, fetch cache.FetchFunc) (models.WeatherRecord, error)

func (s *WeatherService) resolve(ctx context.Context, city string, op cacheOp) (models.WeatherRecord, error) {
	name, err := validation.ValidateCity(city, s.minLen, s.maxLen)
	if err != nil {
		return models.WeatherRecord{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	start := time.Now()
	logger := observability.LoggerFromContext(ctx)
	observability.RecordWeatherQuery(name)

	rec, err := op(ctx, name, func(ctx context.Context) (models.WeatherRecord, error) {
		return s.fetcher.FetchWithRetry(ctx, name)
	})
	if err != nil {
		var exhausted *fetch.ExhaustedError
		if errors.As(err, &exhausted) {
			logger.Error("weather unavailable",
				zap.String("city", name),
				zap.Int("attempts", exhausted.Attempts),
				zap.Error(exhausted.LastErr),
			)
			return models.WeatherRecord{}, &UnavailableError{
				City:   name,
				Reason: unavailableReason(name, s.fetcher.MaxAttempts()),
				Err:    err,
			}
		}
		return models.WeatherRecord{}, fmt.Errorf("get weather for %s: %w", name, err)
	}

	logger.Debug("weather served", zap.String("city", name), zap.Duration("duration", time.Since(start)))
	return rec, nil
}

func unavailableReason(city string, attempts int) string {
	return fmt.Sprintf("Failed to fetch weather data for city: %s after %d attempts, please try again later.", city, attempts)
}
