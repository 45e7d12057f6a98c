package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/kjstillabower/city-weather-service/internal/models"
	"github.com/kjstillabower/city-weather-service/internal/observability"
)

// WeatherRefresher is implemented by the service layer. Warmer depends on it instead
// of the service package to avoid an import cycle.
type WeatherRefresher interface {
	RefreshWeather(ctx context.Context, city string) (models.WeatherRecord, error)
}

// Warmer prefetches weather for a fixed city list so the first user requests hit the cache.
type Warmer struct {
	refresher WeatherRefresher
	logger    *zap.Logger

	mu        sync.Mutex
	scheduler *gocron.Scheduler
}

// NewWarmer creates a Warmer. A nil logger is replaced with a no-op logger.
func NewWarmer(refresher WeatherRefresher, logger *zap.Logger) *Warmer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Warmer{refresher: refresher, logger: logger}
}

// Warm refetches every city concurrently, replacing cached entries even when they
// are still fresh. The returned error joins every per-city failure; nil means all
// cities were warmed. A city that fails keeps whatever entry it had.
func (w *Warmer) Warm(ctx context.Context, cities []string) error {
	if len(cities) == 0 {
		return nil
	}
	start := time.Now()
	observability.CacheWarmingTotal.Inc()
	w.logger.Info("warming cache", zap.Int("cities", len(cities)))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, city := range cities {
		wg.Add(1)
		go func(city string) {
			defer wg.Done()
			if _, err := w.refresher.RefreshWeather(ctx, city); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("warm %s: %w", city, err))
				mu.Unlock()
			}
		}(city)
	}
	wg.Wait()

	duration := time.Since(start).Seconds()
	observability.CacheWarmingDurationSeconds.Observe(duration)
	w.logger.Info("cache warming complete",
		zap.Int("cities", len(cities)),
		zap.Int("errors", len(errs)),
		zap.Float64("duration_seconds", duration),
	)
	if len(errs) > 0 {
		observability.CacheWarmingErrorsTotal.Inc()
		return errors.Join(errs...)
	}
	return nil
}

// Schedule re-warms cities every interval on a background scheduler until Stop.
// The first run happens one interval from now; call Warm for an immediate pass.
// A run still in progress when the next is due causes that tick to be skipped.
func (w *Warmer) Schedule(ctx context.Context, cities []string, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("warm interval must be positive, got %s", interval)
	}
	if len(cities) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.scheduler != nil {
		return errors.New("cache warming already scheduled")
	}

	s := gocron.NewScheduler(time.UTC)
	_, err := s.Every(interval).SingletonMode().WaitForSchedule().Do(func() {
		if err := w.Warm(ctx, cities); err != nil {
			w.logger.Warn("periodic cache warm failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule cache warming: %w", err)
	}
	s.StartAsync()
	w.scheduler = s
	w.logger.Info("cache warming scheduled", zap.Duration("interval", interval), zap.Int("cities", len(cities)))
	return nil
}

// Stop halts the periodic schedule, if any. Safe to call more than once.
func (w *Warmer) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.scheduler == nil {
		return
	}
	w.scheduler.Stop()
	w.scheduler = nil
}
