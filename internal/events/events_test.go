package events

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"automation-backend/internal/models"
)

func TestHubRoutesByJob(t *testing.T) {
	hub := NewHub()
	a := hub.Subscribe("a")
	defer a.Close()
	all := hub.Subscribe("")
	defer all.Close()

	hub.Publish(context.Background(), Event{Type: JobClaimed, JobID: "b"})
	hub.Publish(context.Background(), Event{Type: JobSucceeded, JobID: "a", Status: models.StatusSucceeded})

	select {
	case e := <-a.C():
		if e.JobID != "a" || !e.Terminal() {
			t.Fatalf("unexpected event: %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatalf("job subscriber got nothing")
	}
	if got := len(all.C()); got != 2 {
		t.Fatalf("catch-all subscriber has %d events, want 2", got)
	}
}

func TestHubDropsWhenFull(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe("a")
	defer sub.Close()
	for i := 0; i < defaultBufferSize+5; i++ {
		hub.Publish(context.Background(), Event{JobID: "a"})
	}
	if hub.Dropped() != 5 {
		t.Fatalf("dropped = %d, want 5", hub.Dropped())
	}
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe("a")
	sub.Close()
	sub.Close()
	hub.Publish(context.Background(), Event{JobID: "a"})
	if _, ok := <-sub.C(); ok {
		t.Fatalf("closed subscription delivered an event")
	}
}

func TestFanoutSkipsNil(t *testing.T) {
	var n int
	count := SinkFunc(func(context.Context, Event) { n++ })
	Fanout{count, nil, count}.Publish(context.Background(), Event{})
	if n != 2 {
		t.Fatalf("delivered %d, want 2", n)
	}
}

func TestRedisBusForwardsForeignEvents(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	producer := NewRedisBus(client, "test:events", logger)
	consumer := NewRedisBus(client, "test:events", logger)
	hub := NewHub()
	sub := hub.Subscribe("j1")
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- consumer.Forward(ctx, hub) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		// consumer's own events must not loop back
		consumer.Publish(ctx, Event{Type: JobClaimed, JobID: "j1"})
		producer.Publish(ctx, Event{Type: JobSucceeded, JobID: "j1", Status: models.StatusSucceeded})
		select {
		case e := <-sub.C():
			if e.Type != JobSucceeded {
				t.Fatalf("received own event: %+v", e)
			}
			cancel()
			if err := <-done; err != nil {
				t.Fatalf("forward: %v", err)
			}
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
	t.Fatalf("no event forwarded")
}
