package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/city-weather-service/internal/auth"
	"github.com/kjstillabower/city-weather-service/internal/cache"
	"github.com/kjstillabower/city-weather-service/internal/config"
	httphandler "github.com/kjstillabower/city-weather-service/internal/http"
	"github.com/kjstillabower/city-weather-service/internal/lifecycle"
	"github.com/kjstillabower/city-weather-service/internal/observability"
	"github.com/kjstillabower/city-weather-service/internal/traffic"
)

const inFlightCheckInterval = 100 * time.Millisecond

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the weather HTTP API",
		Long:  "Loads config/{ENV_NAME}.yaml from the working directory and serves /weather, /health and /metrics until SIGINT or SIGTERM.",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := observability.NewLogger()
			if err != nil {
				return fmt.Errorf("logger: %w", err)
			}
			defer func() { _ = observability.FlushLogs(logger) }()

			cfg, err := config.Load()
			if err != nil {
				logger.Error("config", zap.Error(err))
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	observability.SetTrackedCities(append(append([]string(nil), cfg.TrackedCities...), cfg.WarmCities...))

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("cache close", zap.Error(err))
		}
	}()

	tokens, err := auth.NewStaticTokens(cfg.APITokens)
	if err != nil {
		return fmt.Errorf("api tokens: %w", err)
	}

	health := httphandler.HealthConfig{
		DegradedWindow:   cfg.DegradedWindow,
		DegradedErrorPct: cfg.DegradedErrorPct,
		Version:          version,
	}
	if p, ok := a.store.(cache.Pinger); ok {
		health.CachePing = p.Ping
	}

	outcomes := traffic.NewTracker(0)
	state := &lifecycle.State{}
	inFlight := &httphandler.InFlightTracker{}
	handler := httphandler.NewHandler(a.service, outcomes, state, health, logger)
	router := httphandler.NewRouter(handler, httphandler.RouterConfig{
		Logger:         logger,
		Tokens:         tokens,
		Limiter:        rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst),
		RequestTimeout: cfg.RequestTimeout,
		InFlight:       inFlight,
	})

	warmer := cache.NewWarmer(a.service, logger)
	defer warmer.Stop()
	if len(cfg.WarmCities) > 0 {
		// Retry delays can run for minutes; warming must not hold up the listener.
		go func() {
			if err := warmer.Warm(ctx, cfg.WarmCities); err != nil {
				logger.Warn("cache warming failed", zap.Error(err))
			}
		}()
		if cfg.WarmInterval > 0 {
			if err := warmer.Schedule(ctx, cfg.WarmCities, cfg.WarmInterval); err != nil {
				return err
			}
		}
	}

	if s, ok := a.store.(*cache.SQLiteStore); ok {
		purger, err := schedulePurge(ctx, s, cfg.CacheTTL, logger)
		if err != nil {
			return err
		}
		defer purger.Stop()
	}

	srv := newHTTPServer(cfg, router, ctx)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("graceful shutdown triggered")
	state.BeginShutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight.Count()))
	if err := inFlight.WaitForZero(shutdownCtx, inFlightCheckInterval); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", inFlight.Count()))
	}

	logger.Info("shutdown complete")
	return nil
}

// newHTTPServer returns the API server. Request contexts derive from base, so
// when base ends at shutdown, requests parked in a retry delay are abandoned
// instead of holding the drain open.
func newHTTPServer(cfg *config.Config, handler http.Handler, base context.Context) *http.Server {
	return &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           handler,
		BaseContext:       func(net.Listener) context.Context { return base },
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// Writes wait on the full retry schedule; the timeout middleware ends requests first.
		WriteTimeout: cfg.RequestTimeout + 10*time.Second,
	}
}

// schedulePurge deletes expired sqlite rows every ttl. Expired rows are already
// ignored on read; this only bounds the file size.
func schedulePurge(ctx context.Context, s *cache.SQLiteStore, ttl time.Duration, logger *zap.Logger) (*gocron.Scheduler, error) {
	if ttl <= 0 {
		ttl = cache.DefaultTTL
	}
	purger := gocron.NewScheduler(time.UTC)
	_, err := purger.Every(ttl).SingletonMode().WaitForSchedule().Do(func() {
		n, err := s.PurgeExpired(ctx)
		if err != nil {
			logger.Warn("sqlite cache purge failed", zap.Error(err))
			return
		}
		logger.Debug("sqlite cache purged", zap.Int64("rows", n))
	})
	if err != nil {
		return nil, fmt.Errorf("schedule sqlite purge: %w", err)
	}
	purger.StartAsync()
	return purger, nil
}
