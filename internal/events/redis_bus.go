package events

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisBus bridges events between processes over a Redis pub/sub channel.
// Events carry the publishing bus's origin so a process never re-delivers
// its own events to its local hub.
type RedisBus struct {
	client  *redis.Client
	channel string
	origin  string
	logger  *slog.Logger
}

// NewRedisBus creates a bus publishing on channel.
func NewRedisBus(client *redis.Client, channel string, logger *slog.Logger) *RedisBus {
	if channel == "" {
		channel = "automation:events"
	}
	return &RedisBus{client: client, channel: channel, origin: uuid.NewString(), logger: logger}
}

// Publish implements Sink. Failures are logged; pub/sub is best effort.
func (b *RedisBus) Publish(ctx context.Context, e Event) {
	e.Origin = b.origin
	raw, err := json.Marshal(e)
	if err != nil {
		b.logger.Error("encode event", "type", e.Type, "err", err)
		return
	}
	if err := b.client.Publish(ctx, b.channel, raw).Err(); err != nil {
		b.logger.Warn("publish event", "type", e.Type, "job_id", e.JobID, "err", err)
	}
}

// Forward delivers events published by other processes to sink until ctx ends.
func (b *RedisBus) Forward(ctx context.Context, sink Sink) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var e Event
			if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
				b.logger.Warn("decode event", "err", err)
				continue
			}
			if e.Origin == b.origin {
				continue
			}
			sink.Publish(ctx, e)
		}
	}
}
