package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"automation-backend/internal/admission"
	"automation-backend/internal/bootstrap"
	"automation-backend/internal/config"
	"automation-backend/internal/events"
	"automation-backend/internal/logging"
	"automation-backend/internal/metrics"
	"automation-backend/internal/schedule"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat).With("service", "scheduler")

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

	aggregator := metrics.NewAggregator(rd.Counters(st), st, bootstrap.Thresholds(cfg), logger)
	sink := events.Fanout{rd.Publisher(), aggregator}

	pipeline := admission.New(st, bootstrap.NewRegistry(cfg), admission.Options{
		Signal:         rd.Signal(),
		Sink:           sink,
		IdempotencyTTL: cfg.IdempotencyTTL,
		Logger:         logger,
	})
	engine := schedule.NewEngine(st, pipeline, schedule.EngineOptions{
		Allowlist:    cfg.SchedulerQueueAllowlist,
		TickInterval: cfg.SchedulerTickInterval,
		BatchSize:    cfg.SchedulerBatchSize,
		Sink:         sink,
		Logger:       logger,
	})

	if err := engine.Run(ctx); err != nil {
		logger.Error("scheduler stopped", "err", err)
		os.Exit(1)
	}
	logger.Info("scheduler stopped")
}
