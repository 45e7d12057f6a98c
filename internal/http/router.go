package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/city-weather-service/internal/auth"
	"github.com/kjstillabower/city-weather-service/internal/observability"
)

// RouterConfig holds the cross-cutting pieces wired around the handlers.
type RouterConfig struct {
	Logger         *zap.Logger
	Tokens         auth.TokenValidator
	Limiter        *rate.Limiter
	RequestTimeout time.Duration
	InFlight       *InFlightTracker
}

// NewRouter builds the service routes. /health and /metrics are open;
// GET /weather requires a bearer token and is rate limited and time bounded.
func NewRouter(h *Handler, cfg RouterConfig) *mux.Router {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)
	if cfg.InFlight != nil {
		router.Use(InFlightMiddleware(cfg.InFlight))
	}
	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)

	weather := router.Path("/weather").Subrouter()
	weather.Use(BearerAuthMiddleware(cfg.Tokens))
	weather.Use(RateLimitMiddleware(cfg.Limiter, h.outcomes))
	weather.Use(TimeoutMiddleware(cfg.RequestTimeout))
	weather.Methods(http.MethodGet).HandlerFunc(h.GetWeather)

	return router
}
