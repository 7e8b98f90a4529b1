// Package events carries job lifecycle notifications to in-process
// subscribers, metric sinks and, through Redis pub/sub, other processes.
package events

import (
	"context"
	"time"

	"automation-backend/internal/models"
)

// Lifecycle event types.
const (
	JobCreated     = "job.created"
	JobClaimed     = "job.claimed"
	JobSucceeded   = "job.succeeded"
	JobRetried     = "job.retried"
	JobFailed      = "job.failed"
	JobCancelled   = "job.cancelled"
	ScheduleFired  = "schedule.fired"
	ScheduleFailed = "schedule.failed"
)

// Event is one lifecycle transition.
type Event struct {
	Type       string    `json:"type"`
	JobID      string    `json:"job_id,omitempty"`
	ScheduleID string    `json:"schedule_id,omitempty"`
	Queue      string    `json:"queue"`
	Status     string    `json:"status,omitempty"`
	Attempts   int       `json:"attempts,omitempty"`
	Code       string    `json:"code,omitempty"`
	At         time.Time `json:"at"`
	Origin     string    `json:"origin,omitempty"`
}

// ForJob builds an event describing job's current state.
func ForJob(eventType string, job models.Job) Event {
	e := Event{
		Type:     eventType,
		JobID:    job.ID,
		Queue:    job.Queue,
		Status:   job.Status,
		Attempts: job.Attempts,
		At:       time.Now().UTC(),
	}
	if job.Error != nil {
		e.Code = job.Error.Code
	}
	return e
}

// Terminal reports whether the event ends the job's lifecycle.
func (e Event) Terminal() bool {
	return models.IsTerminal(e.Status)
}

// Sink consumes lifecycle events. Publish must not block on slow consumers.
type Sink interface {
	Publish(ctx context.Context, e Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Event)

func (f SinkFunc) Publish(ctx context.Context, e Event) { f(ctx, e) }

// Fanout delivers every event to each sink in order.
type Fanout []Sink

func (f Fanout) Publish(ctx context.Context, e Event) {
	for _, s := range f {
		if s != nil {
			s.Publish(ctx, e)
		}
	}
}

// Discard drops every event.
var Discard Sink = SinkFunc(func(context.Context, Event) {})
