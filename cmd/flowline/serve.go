package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/petrijr/flowline/internal/metrics"
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Deploy the configured definitions and execute jobs until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
				defer stop()
				return a.serve(ctx)
			})
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	if a.cfg.Metrics.Tracing {
		shutdown := metrics.SetupTracing(&metrics.LogSpanProcessor{Logger: a.logger})
		a.closers = append(a.closers, shutdown)
	}

	if a.metrics != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.metrics.Handler())
		srv := &http.Server{
			Addr:              a.cfg.Metrics.Address,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		a.closers = append(a.closers, srv.Shutdown)
		a.logger.Info("metrics listening", slog.String("address", a.cfg.Metrics.Address))
	}

	if !a.cfg.Scheduler.Enabled {
		a.logger.Info("scheduler disabled; waiting for shutdown")
		<-ctx.Done()
		return nil
	}

	a.logger.Info("worker started",
		slog.String("lock_owner", a.rt.Worker.LockOwner()),
		slog.Int("concurrency", a.cfg.Scheduler.Concurrency),
	)
	err := a.rt.Run(ctx)
	a.logger.Info("worker stopped")
	return err
}
