package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"automation-backend/internal/bootstrap"
	"automation-backend/internal/config"
	"automation-backend/internal/events"
	"automation-backend/internal/logging"
	"automation-backend/internal/metrics"
	"automation-backend/internal/telemetry"
	"automation-backend/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat).With("service", "worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := bootstrap.OpenStore(ctx, cfg)
	if err != nil {
		logger.Error("open store", "driver", cfg.StoreDriver, "err", err)
		os.Exit(1)
	}
	defer st.Close()

	rd, err := bootstrap.OpenRedis(ctx, cfg, logger)
	if err != nil {
		logger.Error("open redis", "err", err)
		os.Exit(1)
	}
	defer rd.Close()

	tel := telemetry.New()
	aggregator := metrics.NewAggregator(rd.Counters(st), st, bootstrap.Thresholds(cfg), logger)

	opts := worker.OptionsFromConfig(cfg)
	opts.Signal = rd.Signal()
	opts.DLQ = rd.DeadLetters()
	opts.Sink = events.Fanout{rd.Publisher(), aggregator, tel}
	opts.Metrics = tel
	opts.Logger = logger
	processor := worker.NewProcessor(st, opts)

	if err := worker.RegisterBuiltins(ctx, processor, worker.Deps{Config: cfg, Logger: logger}); err != nil {
		logger.Error("register handlers", "err", err)
		os.Exit(1)
	}

	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           tel.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return processor.Run(gctx) })
	g.Go(func() error {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", "addr", cfg.MetricsAddr, "err", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("worker stopped", "err", err)
		os.Exit(1)
	}
}
