package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/kjstillabower/city-weather-service/internal/models"
)

// BreakerConfig holds circuit breaker parameters.
type BreakerConfig struct {
	Name string
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold int
	// OpenTimeout is how long the circuit stays open before probing.
	OpenTimeout time.Duration
	// HalfOpenRequests is the number of probes allowed while half-open.
	HalfOpenRequests int
	// OnStateChange is optional, for logs and metrics.
	OnStateChange func(from, to gobreaker.State)
}

// BreakerSource guards a DataSource with a circuit breaker. While the circuit is
// open, calls fail fast with an error wrapping ErrUpstreamUnavailable so callers
// retry them like any other transient failure.
type BreakerSource struct {
	next DataSource
	cb   *gobreaker.CircuitBreaker
}

// NewBreakerSource wraps next. Zero config fields fall back to 5 failures,
// 30s open timeout and 1 half-open probe.
func NewBreakerSource(next DataSource, cfg BreakerConfig) *BreakerSource {
	if cfg.Name == "" {
		cfg.Name = "weather_source"
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.HalfOpenRequests <= 0 {
		cfg.HalfOpenRequests = 1
	}
	threshold := uint32(cfg.FailureThreshold)
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: uint32(cfg.HalfOpenRequests),
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// A caller giving up says nothing about upstream health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	}
	if cfg.OnStateChange != nil {
		onChange := cfg.OnStateChange
		settings.OnStateChange = func(_ string, from, to gobreaker.State) {
			onChange(from, to)
		}
	}
	return &BreakerSource{next: next, cb: gobreaker.NewCircuitBreaker(settings)}
}

// Fetch implements DataSource.
func (b *BreakerSource) Fetch(ctx context.Context, city string) (models.WeatherRecord, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Fetch(ctx, city)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return models.WeatherRecord{}, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
		}
		return models.WeatherRecord{}, err
	}
	return out.(models.WeatherRecord), nil
}

// State returns the current breaker state.
func (b *BreakerSource) State() gobreaker.State {
	return b.cb.State()
}
