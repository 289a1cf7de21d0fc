package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"qms/dispatch-service/internal/breaks"
	"qms/dispatch-service/internal/events"
	"qms/dispatch-service/internal/httpapi"
	"qms/dispatch-service/internal/schedule"
	"qms/dispatch-service/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the day-boundary scheduler",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	shutdownTracing := telemetry.Setup(ctx, telemetry.Config{
		ServiceName: "dispatch-service",
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
	}, logger)
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracing shutdown", zap.Error(err))
		}
	}()

	hub := events.NewHub(logger)
	a, err := newApp(ctx, cfg, logger, hub)
	if err != nil {
		return err
	}
	defer a.Close()

	gate := breaks.New(a.store,
		breaks.WithPublisher(events.Multi{a.kafka, hub}),
		breaks.WithLogger(a.logger))
	scheduler := schedule.New(a.store, a.engine,
		schedule.WithLogger(a.logger),
		schedule.WithGrace(cfg.ScheduleGrace))

	options := httpapi.Options{Events: hub}
	if cfg.SchedulerEnabled {
		options.Scheduler = scheduler
	}
	handler := httpapi.NewHandler(a.engine, gate, options)
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:     cfg.RateLimitPerMinute,
		IPBurst:         cfg.RateLimitBurst,
		BranchPerMinute: cfg.BranchRateLimitPerMinute,
		BranchBurst:     cfg.BranchRateLimitBurst,
	})
	server := httpapi.NewServer(":"+cfg.Port, httpapi.Wrap(handler.Routes(), limiter, a.logger))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("dispatch-service listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if cfg.SchedulerEnabled {
		g.Go(func() error {
			if err := scheduler.Start(gctx); err != nil {
				return err
			}
			<-gctx.Done()
			scheduler.Stop()
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		a.logger.Error("dispatch-service stopped", zap.Error(err))
		return err
	}
	a.logger.Info("dispatch-service stopped")
	return nil
}
