package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run workers, scheduler and HTTP API",
	Long: `Run the worker pool, the daily and hourly triggers and, when enabled,
the HTTP API with the vendor webhook. Stops on SIGINT or SIGTERM.`,
	RunE: runServe,
}

func runServe(_ *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	sched, err := a.scheduler()
	if err != nil {
		a.logger.Error().Err(err).Msg("create scheduler")
		return err
	}

	startMetrics(ctx, a.cfg, &a.logger)

	a.pool.Start(ctx)
	sched.Start(ctx)

	if a.cfg.API.Enabled {
		httpServer := a.httpServer()
		go func() {
			if err := httpServer.Start(); err != nil {
				a.logger.Error().Err(err).Msg("http server stopped")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = httpServer.Shutdown(shutdownCtx)
		}()
	} else {
		a.logger.Warn().Msg("HTTP API disabled, vendor webhooks will not be received")
	}

	a.logger.Info().Str("timezone", a.cfg.Dialer.Timezone).Int("workers", a.cfg.Workers.Concurrency).Msg("dialer started")

	<-ctx.Done()
	a.logger.Info().Msg("shutdown signal received")

	sched.Wait()
	a.pool.Wait()
	a.logger.Info().Msg("dialer stopped")
	return nil
}
