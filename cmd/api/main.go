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

	"automation-backend/internal/admission"
	"automation-backend/internal/api"
	"automation-backend/internal/bootstrap"
	"automation-backend/internal/config"
	"automation-backend/internal/events"
	"automation-backend/internal/jobs"
	"automation-backend/internal/logging"
	"automation-backend/internal/metrics"
	"automation-backend/internal/ratelimit"
	"automation-backend/internal/schedule"
	"automation-backend/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat).With("service", "api")

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

	var limiter ratelimit.Limiter = ratelimit.Unlimited{}
	if rd.Enabled() && cfg.RateLimitCapacity > 0 {
		limiter = ratelimit.NewTokenBucket(rd.Client, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	}

	tel := telemetry.New()
	hub := events.NewHub()
	aggregator := metrics.NewAggregator(rd.Counters(st), st, bootstrap.Thresholds(cfg), logger)
	// Local events reach the local hub directly; the bus carries them to other processes.
	sink := events.Fanout{hub, aggregator, tel, rd.Publisher()}

	reg := bootstrap.NewRegistry(cfg)
	pipeline := admission.New(st, reg, admission.Options{
		Limiter:        limiter,
		Signal:         rd.Signal(),
		Sink:           sink,
		Metrics:        tel,
		IdempotencyTTL: cfg.IdempotencyTTL,
		Logger:         logger,
	})
	engine := schedule.NewEngine(st, pipeline, schedule.EngineOptions{
		Allowlist: cfg.SchedulerQueueAllowlist,
		Sink:      sink,
		Logger:    logger,
	})

	server := api.New(api.Deps{
		Config:     cfg,
		Admission:  pipeline,
		Jobs:       jobs.NewService(st, sink, logger),
		Schedules:  schedule.NewService(st, reg, engine, logger),
		Aggregator: aggregator,
		Registry:   reg,
		Hub:        hub,
		DLQ:        rd.DeadLetters(),
		Metrics:    tel,
		Health:     st.Ping,
		Logger:     logger,
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("api listening", "addr", httpServer.Addr, "store", cfg.StoreDriver, "redis", rd.Enabled())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if rd.Enabled() {
		g.Go(func() error {
			// Streams fall back to polling when the bridge is down.
			if err := rd.Bus.Forward(gctx, hub); err != nil {
				logger.Warn("event bridge stopped", "err", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("api stopped", "err", err)
		os.Exit(1)
	}
	logger.Info("api stopped")
}
