package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/kjstillabower/city-weather-service/internal/models"
	"github.com/kjstillabower/city-weather-service/internal/observability"
)

// DataSource fetches weather for a city. Implementations are treated as unreliable:
// any call may fail, and callers must not assume anything about its timing.
type DataSource interface {
	Fetch(ctx context.Context, city string) (models.WeatherRecord, error)
}

// ErrUpstreamUnavailable marks a transient data source failure. The fetch
// orchestrator retries it.
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

// DefaultFailureRate is the share of simulated calls that fail.
const DefaultFailureRate = 0.2

// unknownValue fills every attribute for cities the upstream has no data for.
const unknownValue = "Unknown"

// SimulatedSource serves a fixed table of cities and fails a configurable share
// of calls at random. Safe for concurrent use.
type SimulatedSource struct {
	failureRate float64
	latency     time.Duration

	mu  sync.Mutex
	rng *rand.Rand

	records map[string]models.WeatherRecord
}

// NewSimulatedSource returns a source failing with probability failureRate
// (clamped to [0,1]). seed makes failures reproducible; latency is added to
// every call to mimic a remote round trip (0 disables it).
func NewSimulatedSource(failureRate float64, seed int64, latency time.Duration) *SimulatedSource {
	if failureRate < 0 {
		failureRate = 0
	}
	if failureRate > 1 {
		failureRate = 1
	}
	return &SimulatedSource{
		failureRate: failureRate,
		latency:     latency,
		rng:         rand.New(rand.NewSource(seed)),
		records: map[string]models.WeatherRecord{
			"cairo":        {Temperature: "30°C", Humidity: "50%", Conditions: "Clear sky"},
			"london":       {Temperature: "15°C", Humidity: "70%", Conditions: "Cloudy"},
			"saudi arabia": {Temperature: "40°C", Humidity: "30%", Conditions: "Sunny"},
			"new york":     {Temperature: "20°C", Humidity: "60%", Conditions: "Rainy"},
		},
	}
}

// Fetch returns the record for city. Cities outside the table succeed with
// "Unknown" placeholders. Fails with ErrUpstreamUnavailable on a simulated outage
// and with the context error when ctx ends during the simulated latency.
func (s *SimulatedSource) Fetch(ctx context.Context, city string) (models.WeatherRecord, error) {
	start := time.Now()

	if s.latency > 0 {
		timer := time.NewTimer(s.latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			recordCall("error", start)
			return models.WeatherRecord{}, fmt.Errorf("simulated upstream: %w", ctx.Err())
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		recordCall("error", start)
		return models.WeatherRecord{}, fmt.Errorf("simulated upstream: %w", err)
	}

	if s.fail() {
		recordCall("error", start)
		return models.WeatherRecord{}, fmt.Errorf("%w: failed to fetch weather data for city: %s", ErrUpstreamUnavailable, city)
	}

	recordCall("success", start)
	if rec, ok := s.records[strings.ToLower(strings.TrimSpace(city))]; ok {
		return rec, nil
	}
	return models.WeatherRecord{Temperature: unknownValue, Humidity: unknownValue, Conditions: unknownValue}, nil
}

func (s *SimulatedSource) fail() bool {
	if s.failureRate == 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64() < s.failureRate
}

func recordCall(status string, start time.Time) {
	observability.UpstreamFetchesTotal.WithLabelValues(status).Inc()
	observability.UpstreamFetchDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
}
