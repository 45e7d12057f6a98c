package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/city-weather-service/internal/lifecycle"
	"github.com/kjstillabower/city-weather-service/internal/models"
	"github.com/kjstillabower/city-weather-service/internal/observability"
	"github.com/kjstillabower/city-weather-service/internal/service"
	"github.com/kjstillabower/city-weather-service/internal/traffic"
)

const serviceName = "city-weather-service"

// WeatherGetter is the service the weather endpoint fronts.
type WeatherGetter interface {
	GetWeather(ctx context.Context, city string) (models.WeatherRecord, error)
}

// HealthConfig holds thresholds and probes for the health handler.
type HealthConfig struct {
	// DegradedWindow and DegradedErrorPct define the error-rate breach; either at zero disables it.
	DegradedWindow   time.Duration
	DegradedErrorPct int
	// CachePing, when set, is reported under checks.cache.
	CachePing func(ctx context.Context) error
	Version   string
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	weather  WeatherGetter
	outcomes *traffic.Tracker
	state    *lifecycle.State
	health   HealthConfig
	logger   *zap.Logger

	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler. nil outcomes, state or logger get fresh defaults.
func NewHandler(weather WeatherGetter, outcomes *traffic.Tracker, state *lifecycle.State, health HealthConfig, logger *zap.Logger) *Handler {
	if outcomes == nil {
		outcomes = traffic.NewTracker(0)
	}
	if state == nil {
		state = &lifecycle.State{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if health.Version == "" {
		health.Version = "dev"
	}
	return &Handler{
		weather:  weather,
		outcomes: outcomes,
		state:    state,
		health:   health,
		logger:   logger,
	}
}

// GetWeather handles GET /weather?city=<name>.
func (h *Handler) GetWeather(w http.ResponseWriter, r *http.Request) {
	city := r.URL.Query().Get("city")
	rec, err := h.weather.GetWeather(r.Context(), city)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.outcomes.Record(traffic.Success)
	writeJSON(w, http.StatusOK, models.NewWeatherResponse(strings.TrimSpace(city), rec))
}

// writeServiceError maps a service error to a status code and a client-safe body.
// Invalid input is the caller's fault and does not count against service health.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	logger := observability.LoggerFromContext(r.Context())

	if errors.Is(err, service.ErrInvalidInput) {
		logger.Debug("invalid weather request", zap.Error(err))
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.outcomes.Record(traffic.Failure)
	var unavailable *service.UnavailableError
	if errors.As(err, &unavailable) {
		logger.Warn("weather unavailable", zap.String("city", unavailable.City), zap.Error(err))
		writeError(w, http.StatusInternalServerError, unavailable.Reason)
		return
	}
	logger.Error("weather request failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "Internal server error")
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus()

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := map[string]string{"upstream": "healthy"}
	if result.status == "degraded" {
		checks["upstream"] = "unhealthy"
	}
	if h.health.CachePing != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		if err := h.health.CachePing(ctx); err != nil {
			checks["cache"] = "unhealthy"
			h.logger.Warn("cache ping failed", zap.Error(err))
		} else {
			checks["cache"] = "healthy"
		}
		cancel()
	}

	writeJSON(w, result.statusCode, map[string]interface{}{
		"status":    result.status,
		"service":   serviceName,
		"version":   h.health.Version,
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// computeHealthStatus evaluates conditions in priority order:
// shutting-down > degraded > healthy.
func (h *Handler) computeHealthStatus() healthResult {
	if h.state.ShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	}
	if h.health.DegradedWindow > 0 && h.health.DegradedErrorPct > 0 {
		c := h.outcomes.Window(h.health.DegradedWindow)
		if c.Total() > 0 && c.ErrorPct() >= float64(h.health.DegradedErrorPct) {
			return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach"}
		}
	}
	return healthResult{"healthy", http.StatusOK, ""}
}

// writeJSON writes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes {"error": message}.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, models.ErrorResponse{Error: message})
}
