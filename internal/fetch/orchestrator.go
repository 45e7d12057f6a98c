// Package fetch drives repeated data source calls under a retry policy.
package fetch

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/city-weather-service/internal/client"
	"github.com/kjstillabower/city-weather-service/internal/models"
	"github.com/kjstillabower/city-weather-service/internal/observability"
	"github.com/kjstillabower/city-weather-service/internal/retry"
)

// ExhaustedError is returned once every attempt allowed by the policy has failed.
type ExhaustedError struct {
	City     string
	Attempts int
	LastErr  error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("fetch weather for %s: exhausted %d attempts: %v", e.City, e.Attempts, e.LastErr)
}

func (e *ExhaustedError) Unwrap() error {
	return e.LastErr
}

// Sleeper pauses for d or until ctx is done, returning ctx.Err() in the latter case.
type Sleeper func(ctx context.Context, d time.Duration) error

// RetryHook is called synchronously before each retry delay. attempt is the
// 0-based index of the attempt that just failed.
type RetryHook func(city string, attempt int, delay time.Duration, err error)

// Orchestrator calls a DataSource until it succeeds or the policy is exhausted.
// It holds no per-call state and is safe for concurrent use.
type Orchestrator struct {
	source  client.DataSource
	policy  retry.Policy
	sleep   Sleeper
	onRetry RetryHook
}

// NewOrchestrator returns an Orchestrator using real timers for retry delays.
// onRetry may be nil.
func NewOrchestrator(source client.DataSource, policy retry.Policy, onRetry RetryHook) *Orchestrator {
	return &Orchestrator{
		source:  source,
		policy:  policy,
		sleep:   SleepContext,
		onRetry: onRetry,
	}
}

// WithSleeper returns a copy of o that waits with sleep instead of real timers.
func (o *Orchestrator) WithSleeper(sleep Sleeper) *Orchestrator {
	cp := *o
	cp.sleep = sleep
	return &cp
}

// MaxAttempts returns the attempt budget of one FetchWithRetry call.
func (o *Orchestrator) MaxAttempts() int {
	return o.policy.Attempts()
}

// FetchWithRetry calls the data source for city, retrying failures after the
// policy's delays. Attempts are strictly sequential. Returns *ExhaustedError when
// the budget runs out, or the wrapped context error when ctx ends first.
func (o *Orchestrator) FetchWithRetry(ctx context.Context, city string) (models.WeatherRecord, error) {
	logger := observability.LoggerFromContext(ctx)
	maxAttempts := o.policy.Attempts()

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return models.WeatherRecord{}, fmt.Errorf("fetch weather for %s: %w", city, err)
		}

		rec, err := o.source.Fetch(ctx, city)
		if err == nil {
			if attempt > 0 {
				logger.Info("fetch succeeded after retry", zap.String("city", city), zap.Int("attempt", attempt+1))
			}
			return rec, nil
		}
		if ctx.Err() != nil {
			return models.WeatherRecord{}, fmt.Errorf("fetch weather for %s: %w", city, ctx.Err())
		}

		logger.Warn("fetch attempt failed",
			zap.String("city", city),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", maxAttempts),
			zap.String("category", string(client.CategorizeError(err))),
			zap.Error(err))

		delay, ok := o.policy.NextDelay(attempt)
		if !ok {
			observability.FetchExhaustedTotal.Inc()
			return models.WeatherRecord{}, &ExhaustedError{City: city, Attempts: attempt + 1, LastErr: err}
		}

		observability.FetchRetriesTotal.Inc()
		if o.onRetry != nil {
			o.onRetry(city, attempt, delay, err)
		}
		if err := o.sleep(ctx, delay); err != nil {
			logger.Info("fetch abandoned during retry delay", zap.String("city", city), zap.Int("attempt", attempt+1), zap.Error(err))
			return models.WeatherRecord{}, fmt.Errorf("fetch weather for %s: %w", city, err)
		}
	}
}

// SleepContext waits for d on a timer, returning early with ctx.Err() when ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
