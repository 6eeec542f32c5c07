package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Harvey-AU/podcore/internal/api"
	"github.com/Harvey-AU/podcore/internal/jobs"
	"github.com/Harvey-AU/podcore/internal/observability"
)

func (c *cli) workCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "work",
		Short: "Run the worker pool, the recurring schedule and the ops API until stopped",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return c.work(ctx)
		},
	}
}

func (c *cli) work(ctx context.Context) error {
	cfg := c.cfg

	obs, err := observability.Init(ctx, observability.Config{
		Enabled:      cfg.Observability.Enabled,
		ServiceName:  "podcore",
		Environment:  cfg.Env,
		OTLPEndpoint: cfg.Observability.OTLPEndpoint,
		OTLPHeaders:  cfg.Observability.OTLPHeaders,
		OTLPInsecure: cfg.Observability.OTLPInsecure,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialise observability providers")
	}
	if obs != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := obs.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("Failed to flush telemetry providers cleanly")
			}
		}()
	}

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.db.Migrate(ctx); err != nil {
		return err
	}

	a.pool.Start(ctx)
	if !jobs.StartListener(ctx, cfg.Database.ConnectionString(), a.pool.Notify) {
		log.Info().Dur("max_poll_interval", a.pool.Config().MaxPollInterval).Msg("Worker pool polling without wake-ups")
	}

	scheduler := jobs.NewScheduler(a.store)
	for _, r := range recurringJobs(cfg.Schedule) {
		if err := scheduler.Add(r); err != nil {
			a.pool.Stop()
			return err
		}
	}
	scheduler.Start()

	var metrics http.Handler
	if obs != nil {
		metrics = obs.MetricsHandler
	}
	handler := api.NewHandler(a.store, a.registry, a.searcher, a.db.GetDB(), api.Config{
		JWTSecret: cfg.Ops.JWTSecret,
		RateLimit: cfg.Ops.RateLimit,
		Version:   version,
		Metrics:   metrics,
	})
	server := &http.Server{
		Addr:              ":" + cfg.Ops.Port,
		Handler:           observability.WrapHandler(handler.Routes(), obs),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("port", cfg.Ops.Port).Msg("Ops API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
	case err = <-serverErr:
		sentry.CaptureException(err)
		log.Error().Err(err).Msg("Ops API failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Error().Err(shutdownErr).Msg("Ops API forced to shut down")
	}

	scheduler.Stop()
	a.pool.Stop()
	log.Info().Msg("Worker pool stopped")
	return err
}
