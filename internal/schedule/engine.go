package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"automation-backend/internal/admission"
	"automation-backend/internal/apperr"
	"automation-backend/internal/events"
	"automation-backend/internal/models"
	"automation-backend/internal/store"
)

// Submitter admits a job on behalf of a principal.
type Submitter interface {
	Submit(ctx context.Context, principal models.Principal, req admission.Request, idempotencyKey string) (admission.Result, error)
}

type EngineOptions struct {
	// Allowlist scopes the system principal that schedules submit as. Nil is unrestricted.
	Allowlist    []string
	TickInterval time.Duration
	BatchSize    int
	Sink         events.Sink
	Logger       *slog.Logger
}

// Engine fires due schedules. Cooperating engines may run against one store:
// every fire uses a per-slot idempotency key and the cadence advance is
// conditional on the slot the engine observed.
type Engine struct {
	store     store.ScheduleStore
	submitter Submitter
	principal models.Principal
	tick      time.Duration
	batch     int
	sink      events.Sink
	logger    *slog.Logger
	now       func() time.Time
}

func NewEngine(st store.ScheduleStore, submitter Submitter, opts EngineOptions) *Engine {
	e := &Engine{
		store:     st,
		submitter: submitter,
		principal: models.SystemPrincipal(opts.Allowlist),
		tick:      opts.TickInterval,
		batch:     opts.BatchSize,
		sink:      opts.Sink,
		logger:    opts.Logger,
		now:       time.Now,
	}
	if e.tick <= 0 {
		e.tick = 5 * time.Second
	}
	if e.batch <= 0 {
		e.batch = 100
	}
	if e.sink == nil {
		e.sink = events.Discard
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Run ticks until ctx is cancelled. Store errors are logged and retried on
// the next tick.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("schedule engine started", "tick", e.tick, "batch", e.batch)
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()
	for {
		if _, err := e.Tick(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error("schedule tick", "err", err)
		}
		select {
		case <-ctx.Done():
			e.logger.Info("schedule engine stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick fires every enabled schedule whose next_run_at has passed and reports
// how many produced a job.
func (e *Engine) Tick(ctx context.Context) (int, error) {
	now := e.now().UTC().Truncate(time.Millisecond)
	due, err := e.store.DueSchedules(ctx, now, e.batch)
	if err != nil {
		return 0, fmt.Errorf("due schedules: %w", err)
	}
	fired := 0
	for _, sc := range due {
		ok, err := e.fire(ctx, sc, now)
		if err != nil {
			return fired, err
		}
		if ok {
			fired++
		}
	}
	return fired, nil
}

// fire submits one slot of sc and advances its cadence. Submission failures
// are recorded on the schedule; only store errors are returned.
func (e *Engine) fire(ctx context.Context, sc models.Schedule, now time.Time) (bool, error) {
	log := e.logger.With("schedule_id", sc.ID, "schedule", sc.Name)
	key := slotKey(sc)

	res, err := e.submitter.Submit(ctx, e.principal, requestFor(sc), key)
	if ae, ok := apperr.As(err); ok && ae.Code == apperr.CodeIdempotencyMismatch {
		// The slot already produced a job from an earlier definition of the schedule.
		return false, e.skipSlot(ctx, log, sc, now)
	}
	if err != nil {
		return false, e.recordFailure(ctx, log, sc, err, now)
	}
	next, err := NextRun(sc, now)
	if err != nil {
		return false, e.recordFailure(ctx, log, sc, err, now)
	}
	job := res.Jobs[0]
	advanced, err := e.store.RecordScheduleRun(ctx, store.ScheduleRun{
		ID:              sc.ID,
		ExpectedNextRun: sc.NextRunAt,
		NextRunAt:       next,
		JobID:           job.ID,
		FiredAt:         now,
	})
	if err != nil {
		return false, err
	}
	if !advanced {
		log.Debug("schedule slot already advanced", "job_id", job.ID)
		return false, nil
	}
	e.sink.Publish(ctx, events.Event{
		Type:       events.ScheduleFired,
		ScheduleID: sc.ID,
		JobID:      job.ID,
		Queue:      job.Queue,
		At:         now,
	})
	log.Info("schedule fired", "job_id", job.ID, "created", res.Created, "next_run_at", next)
	return true, nil
}

// slotKey is the idempotency key of one cadence slot.
func slotKey(sc models.Schedule) string {
	return fmt.Sprintf("schedule:%s:%d", sc.ID, sc.NextRunAt.Unix())
}

// skipSlot advances past a slot that already fired without creating a job.
// last_job_id keeps pointing at the job the slot produced.
func (e *Engine) skipSlot(ctx context.Context, log *slog.Logger, sc models.Schedule, now time.Time) error {
	next, err := NextRun(sc, now)
	if err != nil {
		return e.recordFailure(ctx, log, sc, err, now)
	}
	advanced, err := e.store.RecordScheduleRun(ctx, store.ScheduleRun{
		ID:              sc.ID,
		ExpectedNextRun: sc.NextRunAt,
		NextRunAt:       next,
		FiredAt:         now,
	})
	if err != nil {
		return err
	}
	log.Info("schedule slot already fired, skipping", "slot", sc.NextRunAt, "advanced", advanced, "next_run_at", next)
	return nil
}

// FireNow submits sc immediately, outside its cadence. next_run_at is left
// as is so the regular cadence resumes afterwards.
func (e *Engine) FireNow(ctx context.Context, sc models.Schedule) error {
	now := e.now().UTC().Truncate(time.Millisecond)
	log := e.logger.With("schedule_id", sc.ID, "schedule", sc.Name)
	key := fmt.Sprintf("schedule:%s:now:%d", sc.ID, now.UnixMilli())

	res, err := e.submitter.Submit(ctx, e.principal, requestFor(sc), key)
	if err != nil {
		return e.recordFailure(ctx, log, sc, err, now)
	}
	job := res.Jobs[0]
	if _, err := e.store.RecordScheduleRun(ctx, store.ScheduleRun{
		ID:              sc.ID,
		ExpectedNextRun: sc.NextRunAt,
		NextRunAt:       sc.NextRunAt,
		JobID:           job.ID,
		FiredAt:         now,
	}); err != nil {
		return err
	}
	e.sink.Publish(ctx, events.Event{Type: events.ScheduleFired, ScheduleID: sc.ID, JobID: job.ID, Queue: job.Queue, At: now})
	log.Info("schedule run now", "job_id", job.ID)
	return nil
}

func (e *Engine) recordFailure(ctx context.Context, log *slog.Logger, sc models.Schedule, cause error, now time.Time) error {
	msg := cause.Error()
	if ae, ok := apperr.As(cause); ok {
		msg = ae.Message
	} else if ctx.Err() != nil {
		return ctx.Err()
	}
	log.Warn("schedule submission failed", "err", cause)
	if err := e.store.RecordScheduleFailure(ctx, sc.ID, msg, now); err != nil {
		return err
	}
	e.sink.Publish(ctx, events.Event{
		Type:       events.ScheduleFailed,
		ScheduleID: sc.ID,
		Queue:      sc.Queue,
		Code:       failureCode(cause),
		At:         now,
	})
	return nil
}

func failureCode(err error) string {
	if ae, ok := apperr.As(err); ok {
		return ae.Code
	}
	return apperr.CodeInternal
}

func requestFor(sc models.Schedule) admission.Request {
	priority := sc.Priority
	return admission.Request{
		Type:        sc.Type,
		Queue:       sc.Queue,
		Input:       sc.Input,
		Priority:    &priority,
		TimeoutSec:  sc.TimeoutSec,
		MaxAttempts: sc.MaxAttempts,
		Tags:        sc.Tags,
	}
}
