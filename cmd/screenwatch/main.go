// screenwatch - streams screen frames to a detection service and relays its
// results to the control and overlay surfaces
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/GriffinCanCode/screenwatch/internal/capture"
	"github.com/GriffinCanCode/screenwatch/internal/config"
	"github.com/GriffinCanCode/screenwatch/internal/connection"
	"github.com/GriffinCanCode/screenwatch/internal/connection/sio"
	"github.com/GriffinCanCode/screenwatch/internal/coordinator"
	"github.com/GriffinCanCode/screenwatch/internal/health"
	"github.com/GriffinCanCode/screenwatch/internal/history"
	"github.com/GriffinCanCode/screenwatch/internal/metrics"
	"github.com/GriffinCanCode/screenwatch/internal/screen"
	"github.com/GriffinCanCode/screenwatch/internal/server"
	"github.com/GriffinCanCode/screenwatch/internal/surface"
)

const shutdownTimeout = 5 * time.Second

func main() {
	cfg := config.Load()

	// Setup structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	if err := run(cfg); err != nil {
		slog.Error("screenwatch exited", "error", err)
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}

func run(cfg *config.Config) error {
	transports, err := sio.Transports(cfg.Transports)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	conn := connection.New(connection.Options{
		Endpoint:        cfg.DetectionURL,
		Transports:      transports,
		Attempts:        cfg.ReconnectAttempts,
		Delay:           cfg.ReconnectDelay,
		Timeout:         cfg.ConnectTimeout,
		BackgroundRetry: cfg.BackgroundRetry,
	}, m)

	signaler := surface.NewSignaler(surface.DefaultInboxSize)
	hub := server.New(signaler, reg)
	reporter := health.NewReporter()

	coord := coordinator.New(coordinator.Config{
		Sources:  screen.NewProvider(),
		Signaler: signaler,
		Host:     hub,
		Conn:     conn,
		Sampling: capture.Options{
			Interval: cfg.SampleInterval,
			Width:    cfg.FrameWidth,
			Height:   cfg.FrameHeight,
			Quality:  cfg.JPEGQuality,
			MaxBytes: cfg.MaxFrameBytes,
			Dedupe:   cfg.FrameDedupe,
		},
		Metrics:   m,
		Observers: []coordinator.Observer{reporter},
		History:   history.NewStore(cfg.ResultHistory),
	})

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           hub.Handler(coord),
		ReadHeaderTimeout: 10 * time.Second,
	}
	grpcServer := health.NewServer(reporter)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return conn.Run(ctx) })
	g.Go(func() error { return coord.Run(ctx) })
	g.Go(func() error { return health.Serve(ctx, cfg.HealthAddr, grpcServer) })
	g.Go(func() error {
		slog.Info("screenwatch starting", "http", cfg.HTTPAddr, "health", cfg.HealthAddr, "detection", cfg.DetectionURL, "transports", cfg.Transports)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down...")
		reporter.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("http shutdown error", "error", err)
		}
		return nil
	})

	return g.Wait()
}
