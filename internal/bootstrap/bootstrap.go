// Package bootstrap holds the wiring shared by the api, worker and scheduler
// binaries: store selection, the job type registry and the optional Redis
// side channels.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"automation-backend/internal/config"
	"automation-backend/internal/events"
	"automation-backend/internal/metrics"
	"automation-backend/internal/queue"
	"automation-backend/internal/registry"
	"automation-backend/internal/store"
	"automation-backend/internal/store/postgres"
	"automation-backend/internal/store/sqlite"
)

const counterKey = "automation:counters"

// OpenStore connects the configured driver and brings its schema up to date.
func OpenStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case "sqlite":
		st, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "postgres", "":
		st, err := postgres.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := st.RunMigrations(ctx); err != nil {
			st.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
}

// NewRegistry registers the built-in types and applies per-type overrides
// and the disabled list from configuration.
func NewRegistry(cfg config.Config) *registry.Registry {
	reg := registry.New(registry.Defaults{TimeoutSec: 300, MaxAttempts: 3}, registry.WithStrict(cfg.StrictJobTypes))
	registry.RegisterBuiltins(reg, nil)
	for jobType, o := range cfg.JobTypes {
		reg.Apply(jobType, o)
	}
	for _, jobType := range cfg.DisabledJobTypes {
		reg.SetEnabled(jobType, false)
	}
	return reg
}

// Redis bundles the Redis-backed side channels. A zero Redis means the
// process runs on store polling and in-memory counters.
type Redis struct {
	Client *redis.Client
	Queue  *queue.RedisQueue
	Bus    *events.RedisBus
}

// OpenRedis connects when REDIS_ADDR is set. An unreachable server is an
// error rather than a silent fallback.
func OpenRedis(ctx context.Context, cfg config.Config, logger *slog.Logger) (Redis, error) {
	if cfg.RedisAddr == "" {
		logger.Info("redis disabled; workers poll the store")
		return Redis{}, nil
	}
	client := queue.NewClient(cfg)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return Redis{}, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
	}
	return Redis{
		Client: client,
		Queue:  queue.NewRedisQueue(client, cfg.DLQName),
		Bus:    events.NewRedisBus(client, cfg.EventsChannel, logger),
	}, nil
}

func (r Redis) Enabled() bool { return r.Client != nil }

// Signal returns the wake-up channel, falling back to store polling.
func (r Redis) Signal() queue.Signal {
	if r.Queue == nil {
		return queue.Polling{}
	}
	return r.Queue
}

// DeadLetters is nil without Redis; the API then lists failed jobs instead.
func (r Redis) DeadLetters() queue.DeadLetters {
	if r.Queue == nil {
		return nil
	}
	return r.Queue
}

// Counters shares lifecycle counters across processes: in Redis when it is
// available, otherwise in the job database.
func (r Redis) Counters(fallback store.CounterStore) metrics.Counters {
	if r.Client == nil {
		return metrics.NewStoreCounters(fallback)
	}
	return metrics.NewRedisCounters(r.Client, counterKey)
}

// Publisher is the cross-process event sink, or a no-op without Redis.
func (r Redis) Publisher() events.Sink {
	if r.Bus == nil {
		return events.Discard
	}
	return r.Bus
}

func (r Redis) Close() {
	if r.Client != nil {
		_ = r.Client.Close()
	}
}

// Thresholds maps the alerting configuration onto the aggregator.
func Thresholds(cfg config.Config) metrics.Thresholds {
	return metrics.Thresholds{
		QueueStalled:        time.Duration(cfg.AlertQueueStalledSec) * time.Second,
		FailureRatePct:      cfg.AlertFailureRatePct,
		FailureMinCompleted: cfg.AlertFailureMinCompleted,
		DefaultWindow:       cfg.MetricsDefaultWindow,
	}
}
