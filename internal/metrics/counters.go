package metrics

import (
	"context"
	"fmt"
	"maps"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"

	"automation-backend/internal/store"
)

// Counters is a monotonic counter store with an explicit snapshot.
type Counters interface {
	Incr(ctx context.Context, field string, delta int64) error
	Snapshot(ctx context.Context) (map[string]int64, error)
}

// MemoryCounters keeps counters in process.
type MemoryCounters struct {
	mu sync.Mutex
	m  map[string]int64
}

func NewMemoryCounters() *MemoryCounters {
	return &MemoryCounters{m: make(map[string]int64)}
}

func (c *MemoryCounters) Incr(_ context.Context, field string, delta int64) error {
	c.mu.Lock()
	c.m[field] += delta
	c.mu.Unlock()
	return nil
}

func (c *MemoryCounters) Snapshot(context.Context) (map[string]int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.m), nil
}

// RedisCounters shares counters between processes in one Redis hash.
type RedisCounters struct {
	client *redis.Client
	key    string
}

func NewRedisCounters(client *redis.Client, key string) *RedisCounters {
	if key == "" {
		key = "metrics:counters"
	}
	return &RedisCounters{client: client, key: key}
}

func (c *RedisCounters) Incr(ctx context.Context, field string, delta int64) error {
	return c.client.HIncrBy(ctx, c.key, field, delta).Err()
}

func (c *RedisCounters) Snapshot(ctx context.Context) (map[string]int64, error) {
	raw, err := c.client.HGetAll(ctx, c.key).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(raw))
	for field, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("counter %s: %w", field, err)
		}
		out[field] = n
	}
	return out, nil
}

// StoreCounters keeps counters in the job database so processes sharing it
// agree without Redis.
type StoreCounters struct {
	store store.CounterStore
}

func NewStoreCounters(s store.CounterStore) *StoreCounters {
	return &StoreCounters{store: s}
}

func (c *StoreCounters) Incr(ctx context.Context, field string, delta int64) error {
	return c.store.IncrCounter(ctx, field, delta)
}

func (c *StoreCounters) Snapshot(ctx context.Context) (map[string]int64, error) {
	return c.store.Counters(ctx)
}
