// Package queue carries wake-up signals from producers to idle workers and
// keeps a dead-letter index of terminally failed jobs. The job store stays
// the source of truth; a lost signal only delays a claim until the next poll.
package queue

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"

	"automation-backend/internal/config"
)

// AllQueues is the wake list watched by workers that serve every queue.
const AllQueues = "*"

const defaultWakeCap = 64

// Signal wakes workers waiting on a queue.
type Signal interface {
	Notify(ctx context.Context, queue string) error
	// Wait blocks until a queue in queues is signalled or timeout elapses.
	// A nil queues slice waits on every queue.
	Wait(ctx context.Context, queues []string, timeout time.Duration) error
}

// DeadLetters records job ids that exhausted their attempts.
type DeadLetters interface {
	DLQPush(ctx context.Context, jobID string) error
	DLQPeek(ctx context.Context, count int64) ([]string, error)
}

// NewClient builds a Redis client from config.
func NewClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// RedisQueue keeps one capped wake list per queue plus a dead-letter list.
type RedisQueue struct {
	client     *redis.Client
	wakePrefix string
	wakeCap    int64
	dlqKey     string
}

// NewRedisQueue wraps client. dlqName defaults to "queue:dlq".
func NewRedisQueue(client *redis.Client, dlqName string) *RedisQueue {
	if dlqName == "" {
		dlqName = "queue:dlq"
	}
	return &RedisQueue{
		client:     client,
		wakePrefix: "queue:wake:",
		wakeCap:    defaultWakeCap,
		dlqKey:     dlqName,
	}
}

func (q *RedisQueue) wakeKey(queue string) string {
	return q.wakePrefix + queue
}

// Notify pushes a wake token for queue and for the catch-all list. Both
// lists are trimmed so tokens nobody consumes stay bounded.
func (q *RedisQueue) Notify(ctx context.Context, queue string) error {
	pipe := q.client.TxPipeline()
	for _, key := range []string{q.wakeKey(queue), q.wakeKey(AllQueues)} {
		pipe.LPush(ctx, key, time.Now().UnixMilli())
		pipe.LTrim(ctx, key, 0, q.wakeCap-1)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Wait blocks on the wake lists of queues. It returns nil both when woken and
// when the timeout elapses; the caller polls the store either way.
func (q *RedisQueue) Wait(ctx context.Context, queues []string, timeout time.Duration) error {
	keys := make([]string, 0, len(queues)+1)
	if queues == nil {
		keys = append(keys, q.wakeKey(AllQueues))
	}
	for _, name := range queues {
		keys = append(keys, q.wakeKey(name))
	}
	if len(keys) == 0 {
		return sleep(ctx, timeout)
	}
	if timeout < time.Second {
		timeout = time.Second
	}
	err := q.client.BLPop(ctx, timeout, keys...).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// wakeDepth returns the number of pending tokens for queue.
func (q *RedisQueue) wakeDepth(ctx context.Context, queue string) (int64, error) {
	return q.client.LLen(ctx, q.wakeKey(queue)).Result()
}

// DLQPush appends to the dead-letter queue for operational inspection.
func (q *RedisQueue) DLQPush(ctx context.Context, jobID string) error {
	return q.client.RPush(ctx, q.dlqKey, jobID).Err()
}

// DLQPeek reads the most recently dead-lettered job IDs, newest first.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	if count <= 0 {
		return nil, fmt.Errorf("count must be positive, got %d", count)
	}
	ids, err := q.client.LRange(ctx, q.dlqKey, -count, -1).Result()
	if err != nil {
		return nil, err
	}
	slices.Reverse(ids)
	return ids, nil
}

// Polling is the Signal used without Redis: Notify is a no-op and Wait sleeps.
type Polling struct{}

func (Polling) Notify(context.Context, string) error { return nil }

func (Polling) Wait(ctx context.Context, _ []string, timeout time.Duration) error {
	return sleep(ctx, timeout)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
