package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kjstillabower/city-weather-service/internal/config"
	"github.com/kjstillabower/city-weather-service/internal/models"
	"github.com/kjstillabower/city-weather-service/internal/observability"
	"github.com/kjstillabower/city-weather-service/internal/service"
)

func newFetchCmd() *cobra.Command {
	var failureRate float64
	cmd := &cobra.Command{
		Use:   "fetch <city>",
		Short: "Fetch weather for one city through the cache and retry pipeline and print the JSON body",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := observability.NewLogger()
			if err != nil {
				return fmt.Errorf("logger: %w", err)
			}
			defer func() { _ = observability.FlushLogs(logger) }()

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			// A one-shot lookup has no use for a shared store.
			cfg.CacheBackend = config.BackendInMemory
			if cmd.Flags().Changed("failure-rate") {
				if failureRate < 0 || failureRate > 1 {
					return fmt.Errorf("--failure-rate must be between 0 and 1, got %v", failureRate)
				}
				cfg.UpstreamFailureRate = failureRate
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runFetch(ctx, cfg, logger, strings.Join(args, " "), cmd.OutOrStdout())
		},
	}
	cmd.Flags().Float64Var(&failureRate, "failure-rate", 0, "override upstream.failure_rate for this run")
	return cmd
}

func runFetch(ctx context.Context, cfg *config.Config, logger *zap.Logger, city string, out io.Writer) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	rec, err := a.service.GetWeather(observability.ContextWithLogger(ctx, logger), city)
	if err != nil {
		var unavailable *service.UnavailableError
		if errors.As(err, &unavailable) {
			return errors.New(unavailable.Reason)
		}
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(models.NewWeatherResponse(strings.TrimSpace(city), rec))
}
