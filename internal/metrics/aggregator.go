// Package metrics aggregates lifecycle counters and derives queue health
// alerts, scoped to the queues a principal may see.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"automation-backend/internal/apperr"
	"automation-backend/internal/events"
	"automation-backend/internal/models"
	"automation-backend/internal/store"
)

// Alert codes and severities.
const (
	AlertQueueStalled = "QUEUE_STALLED"
	AlertFailureRate  = "FAILURE_RATE"

	SeverityWarn  = "warn"
	SeverityError = "error"
)

// Source is the read side of the job store used for point-in-time queries.
type Source interface {
	StatusCounts(ctx context.Context, queues []string) (map[string]int64, error)
	OldestQueued(ctx context.Context, queues []string, since, now time.Time) (models.Job, bool, error)
	CompletedSince(ctx context.Context, queues []string, since time.Time) (store.CompletedCounts, error)
}

// Thresholds configure alerting.
type Thresholds struct {
	QueueStalled        time.Duration
	FailureRatePct      float64
	FailureMinCompleted int
	DefaultWindow       time.Duration
}

// Query selects what a report covers. An empty Queue means every queue in scope.
type Query struct {
	Queue  string
	Window time.Duration
}

type Alert struct {
	Code     string         `json:"code"`
	Severity string         `json:"severity"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details"`
}

type Report struct {
	Queues      []string         `json:"queues"`
	WindowSec   int              `json:"window_sec"`
	Counters    map[string]int64 `json:"counters"`
	JobStatus   map[string]int64 `json:"job_status"`
	Alerts      []Alert          `json:"alerts"`
	GeneratedAt time.Time        `json:"generated_at"`
}

// Aggregator is both an events.Sink feeding the counters and the report builder.
type Aggregator struct {
	counters   Counters
	source     Source
	thresholds Thresholds
	logger     *slog.Logger
	now        func() time.Time
}

func NewAggregator(counters Counters, source Source, th Thresholds, logger *slog.Logger) *Aggregator {
	if th.DefaultWindow <= 0 {
		th.DefaultWindow = time.Hour
	}
	if counters == nil {
		counters = NewMemoryCounters()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		counters:   counters,
		source:     source,
		thresholds: th,
		logger:     logger,
		now:        time.Now,
	}
}

// counter fields are "<queue>|<event>" so reports can be filtered by scope.
func counterField(queue, event string) string {
	return queue + "|" + event
}

func splitField(field string) (queue, event string) {
	i := strings.LastIndex(field, "|")
	if i < 0 {
		return "", field
	}
	return field[:i], field[i+1:]
}

// Publish implements events.Sink.
func (a *Aggregator) Publish(ctx context.Context, e events.Event) {
	if err := a.counters.Incr(ctx, counterField(e.Queue, e.Type), 1); err != nil {
		a.logger.Warn("increment counter", "event", e.Type, "queue", e.Queue, "err", err)
	}
}

// Scope resolves the queues a principal sees for an optional explicit queue
// filter. nil means unrestricted.
func Scope(p models.Principal, queue string) ([]string, error) {
	queues, ok := p.Scope(queue)
	if !ok {
		return nil, apperr.Forbidden(fmt.Sprintf("queue %q is not allowed for this key", queue), p.QueueAllowlist)
	}
	return queues, nil
}

// Report builds counters, the status histogram and alerts for the window.
func (a *Aggregator) Report(ctx context.Context, p models.Principal, q Query) (Report, error) {
	queues, err := Scope(p, q.Queue)
	if err != nil {
		return Report{}, err
	}
	window := q.Window
	if window <= 0 {
		window = a.thresholds.DefaultWindow
	}
	now := a.now().UTC()

	snapshot, err := a.counters.Snapshot(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("snapshot counters: %w", err)
	}
	counters := make(map[string]int64)
	for field, n := range snapshot {
		queue, event := splitField(field)
		if queues != nil && !slices.Contains(queues, queue) {
			continue
		}
		counters[event] += n
	}

	status, err := a.source.StatusCounts(ctx, queues)
	if err != nil {
		return Report{}, fmt.Errorf("status counts: %w", err)
	}

	alerts := []Alert{}
	since := now.Add(-window)
	if alert, ok, err := a.queueStalled(ctx, queues, since, now); err != nil {
		return Report{}, err
	} else if ok {
		alerts = append(alerts, alert)
	}
	if alert, ok, err := a.failureRate(ctx, queues, since); err != nil {
		return Report{}, err
	} else if ok {
		alerts = append(alerts, alert)
	}

	return Report{
		Queues:      queues,
		WindowSec:   int(window / time.Second),
		Counters:    counters,
		JobStatus:   status,
		Alerts:      alerts,
		GeneratedAt: now,
	}, nil
}

// waitingSince is when a queued job became runnable.
func waitingSince(job models.Job) time.Time {
	if job.RunAt.After(job.CreatedAt) {
		return job.RunAt
	}
	return job.CreatedAt
}

// queueStalled reports at most one alert: the claimable queued job created in
// the window that has waited longest, if that exceeds the threshold.
func (a *Aggregator) queueStalled(ctx context.Context, queues []string, since, now time.Time) (Alert, bool, error) {
	if a.thresholds.QueueStalled <= 0 {
		return Alert{}, false, nil
	}
	job, found, err := a.source.OldestQueued(ctx, queues, since, now)
	if err != nil {
		return Alert{}, false, fmt.Errorf("oldest queued: %w", err)
	}
	if !found {
		return Alert{}, false, nil
	}
	age := now.Sub(waitingSince(job))
	if age <= a.thresholds.QueueStalled {
		return Alert{}, false, nil
	}
	return Alert{
		Code:     AlertQueueStalled,
		Severity: SeverityWarn,
		Message:  fmt.Sprintf("job %s has been queued in %s for %s", job.ID, job.Queue, age.Truncate(time.Second)),
		Details: map[string]any{
			"job_id":        job.ID,
			"queue":         job.Queue,
			"age_sec":       int(age / time.Second),
			"threshold_sec": int(a.thresholds.QueueStalled / time.Second),
		},
	}, true, nil
}

func (a *Aggregator) failureRate(ctx context.Context, queues []string, since time.Time) (Alert, bool, error) {
	counts, err := a.source.CompletedSince(ctx, queues, since)
	if err != nil {
		return Alert{}, false, fmt.Errorf("completed counts: %w", err)
	}
	completed := counts.Succeeded + counts.Failed + counts.Cancelled
	if completed == 0 || completed < int64(a.thresholds.FailureMinCompleted) {
		return Alert{}, false, nil
	}
	pct := float64(counts.Failed) / float64(completed) * 100
	if pct <= a.thresholds.FailureRatePct {
		return Alert{}, false, nil
	}
	return Alert{
		Code:     AlertFailureRate,
		Severity: SeverityError,
		Message:  fmt.Sprintf("%.1f%% of %d completed jobs failed", pct, completed),
		Details: map[string]any{
			"failed":        counts.Failed,
			"completed":     completed,
			"failure_pct":   pct,
			"threshold_pct": a.thresholds.FailureRatePct,
			"min_completed": a.thresholds.FailureMinCompleted,
		},
	}, true, nil
}
