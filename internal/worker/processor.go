package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"automation-backend/internal/config"
	"automation-backend/internal/events"
	"automation-backend/internal/jobs"
	"automation-backend/internal/models"
	"automation-backend/internal/queue"
	"automation-backend/internal/store"
	"automation-backend/internal/telemetry"
)

var errLeaseLost = errors.New("job is no longer running on this worker")

// Options configures a Processor. Zero values fall back to sane defaults.
type Options struct {
	WorkerID            string
	Queues              []string
	Concurrency         int
	PollInterval        time.Duration
	Lease               time.Duration
	HeartbeatInterval   time.Duration
	MaintenanceInterval time.Duration
	BackoffInitial      time.Duration
	BackoffMax          time.Duration

	Signal  queue.Signal
	DLQ     queue.DeadLetters
	Sink    events.Sink
	Metrics *telemetry.Metrics
	Logger  *slog.Logger
}

// OptionsFromConfig copies the worker settings out of cfg.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		WorkerID:            cfg.WorkerID,
		Queues:              cfg.WorkerQueues,
		Concurrency:         cfg.WorkerConcurrency,
		PollInterval:        cfg.WorkerPollInterval,
		Lease:               cfg.LeaseDuration,
		HeartbeatInterval:   cfg.HeartbeatInterval,
		MaintenanceInterval: cfg.MaintenanceInterval,
		BackoffInitial:      cfg.BackoffInitial,
		BackoffMax:          cfg.BackoffMax,
	}
}

// Processor drives the worker execution loop. Coordination with other
// workers happens only through conditional updates in the store.
type Processor struct {
	store    store.JobStore
	opts     Options
	logger   *slog.Logger
	sink     events.Sink
	signal   queue.Signal
	mu       sync.RWMutex
	handlers map[string]Handler
	now      func() time.Time
}

func NewProcessor(st store.JobStore, opts Options) *Processor {
	if opts.WorkerID == "" {
		opts.WorkerID = "worker"
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Lease <= 0 {
		opts.Lease = 30 * time.Second
	}
	if opts.HeartbeatInterval <= 0 || opts.HeartbeatInterval >= opts.Lease {
		opts.HeartbeatInterval = opts.Lease / 3
	}
	if opts.MaintenanceInterval <= 0 {
		opts.MaintenanceInterval = 5 * time.Second
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = 2 * time.Second
	}
	if opts.BackoffMax < opts.BackoffInitial {
		opts.BackoffMax = opts.BackoffInitial
	}
	p := &Processor{
		store:    st,
		opts:     opts,
		logger:   opts.Logger,
		sink:     opts.Sink,
		signal:   opts.Signal,
		handlers: make(map[string]Handler),
		now:      time.Now,
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.logger = p.logger.With("worker_id", opts.WorkerID)
	if p.sink == nil {
		p.sink = events.Discard
	}
	if p.signal == nil {
		p.signal = queue.Polling{}
	}
	return p
}

// RegisterHandler binds a handler to a job type.
func (p *Processor) RegisterHandler(jobType string, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	p.mu.Lock()
	p.handlers[jobType] = handler
	p.mu.Unlock()
}

func (p *Processor) handler(jobType string) (Handler, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.handlers[jobType]
	return h, ok
}

// Run starts Concurrency claim loops and the maintenance loop and blocks
// until ctx is cancelled. In-flight attempts finish their store writes.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.Info("worker started", "queues", p.opts.Queues, "concurrency", p.opts.Concurrency)
	g, gctx := errgroup.WithContext(ctx)
	for slot := 0; slot < p.opts.Concurrency; slot++ {
		g.Go(func() error { return p.claimLoop(gctx) })
	}
	g.Go(func() error { return p.RunMaintenance(gctx) })
	err := g.Wait()
	p.logger.Info("worker stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Processor) claimLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		claimed, err := p.ProcessNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Error("claim failed", "err", err)
			if err := sleepCtx(ctx, p.opts.PollInterval); err != nil {
				return nil
			}
			continue
		}
		if claimed {
			continue
		}
		if err := p.signal.Wait(ctx, p.opts.Queues, p.opts.PollInterval); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Warn("wait for wake signal", "err", err)
			if err := sleepCtx(ctx, p.opts.PollInterval); err != nil {
				return nil
			}
		}
	}
}

// ProcessNext claims and executes at most one job. It reports whether a job was claimed.
func (p *Processor) ProcessNext(ctx context.Context) (bool, error) {
	job, ok, err := p.store.ClaimNext(ctx, store.ClaimParams{
		Queues:   p.opts.Queues,
		WorkerID: p.opts.WorkerID,
		Now:      p.now().UTC(),
		Lease:    p.opts.Lease,
	})
	if err != nil {
		return false, fmt.Errorf("claim: %w", err)
	}
	if !ok {
		return false, nil
	}
	p.execute(ctx, job)
	return true, nil
}

func (p *Processor) execute(ctx context.Context, job models.Job) {
	log := p.logger.With("job_id", job.ID, "type", job.Type, "queue", job.Queue, "attempt", job.Attempts)
	// Final writes must land even when shutdown cancels ctx mid-attempt.
	writeCtx := context.WithoutCancel(ctx)

	p.appendEvent(writeCtx, job.ID, "claimed", fmt.Sprintf("worker=%s attempt=%d/%d", p.opts.WorkerID, job.Attempts, job.MaxAttempts))
	p.sink.Publish(writeCtx, events.ForJob(events.JobClaimed, job))

	handler, ok := p.handler(job.Type)
	if !ok {
		p.fail(writeCtx, log, job, Fail(models.CodeExecutionFailed, "no handler registered for type %q", job.Type))
		return
	}

	attemptCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	timeout := time.Duration(job.TimeoutSec) * time.Second
	attemptCtx, cancelTimeout := context.WithTimeoutCause(attemptCtx, timeout, context.DeadlineExceeded)
	defer cancelTimeout()

	stopHeartbeat := p.heartbeat(attemptCtx, log, job.ID, cancel)
	start := time.Now()
	result, err := runHandler(attemptCtx, handler, job)
	elapsed := time.Since(start)
	stopHeartbeat()

	if errors.Is(context.Cause(attemptCtx), errLeaseLost) {
		log.Warn("attempt abandoned, job no longer running", "elapsed", elapsed)
		p.observe(job.Type, "abandoned", elapsed)
		return
	}

	if err == nil {
		p.observe(job.Type, "succeeded", elapsed)
		p.succeed(writeCtx, log, job, result)
		return
	}

	switch {
	case errors.Is(context.Cause(attemptCtx), context.DeadlineExceeded) && ctx.Err() == nil:
		p.observe(job.Type, "timeout", elapsed)
		err = Fail(models.CodeTimeout, "attempt exceeded timeout of %ds", job.TimeoutSec)
	case ctx.Err() != nil:
		p.observe(job.Type, "interrupted", elapsed)
		err = Fail(models.CodeExecutionFailed, "worker shut down during the attempt")
	default:
		p.observe(job.Type, "failed", elapsed)
	}
	p.fail(writeCtx, log, job, err)
}

// runHandler converts a handler panic into an attempt failure.
func runHandler(ctx context.Context, h Handler, job models.Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Fail(models.CodeExecutionFailed, "handler panicked: %v", r).
				WithDetails(map[string]any{"stack": string(debug.Stack())})
		}
	}()
	return h.Execute(ctx, job)
}

// heartbeat extends the lease until stopped. If the store reports the job is
// no longer running (cancelled or lease reclaimed) the attempt is cancelled.
func (p *Processor) heartbeat(ctx context.Context, log *slog.Logger, jobID string, cancel context.CancelCauseFunc) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(p.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				now := p.now().UTC()
				alive, err := p.store.Heartbeat(ctx, jobID, now.Add(p.opts.Lease), now)
				if err != nil {
					if ctx.Err() == nil {
						log.Warn("heartbeat failed", "err", err)
					}
					continue
				}
				if !alive {
					cancel(errLeaseLost)
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

func (p *Processor) succeed(ctx context.Context, log *slog.Logger, job models.Job, result any) {
	now := p.now().UTC()
	ok, err := p.store.CompleteJob(ctx, job.ID, result, now)
	if err != nil {
		log.Error("complete job", "err", err)
		return
	}
	if !ok {
		log.Info("job finished after it stopped running, result dropped")
		return
	}
	p.appendEvent(ctx, job.ID, "succeeded", "worker completed job")
	job.Status = models.StatusSucceeded
	p.sink.Publish(ctx, events.ForJob(events.JobSucceeded, job))
	log.Info("job succeeded")
	p.wakeDependents(ctx, log, job.ID)
}

// wakeDependents signals the queues of queued jobs that may have become claimable.
func (p *Processor) wakeDependents(ctx context.Context, log *slog.Logger, jobID string) {
	refs, err := p.store.Dependents(ctx, jobID)
	if err != nil {
		log.Warn("load dependents", "err", err)
		return
	}
	woken := map[string]bool{}
	for _, ref := range refs {
		if ref.Status != models.StatusQueued || woken[ref.Queue] {
			continue
		}
		woken[ref.Queue] = true
		if err := p.signal.Notify(ctx, ref.Queue); err != nil {
			log.Warn("wake dependents", "queue", ref.Queue, "err", err)
		}
	}
}

func (p *Processor) fail(ctx context.Context, log *slog.Logger, job models.Job, cause error) {
	jobErr := toJobError(cause)
	now := p.now().UTC()
	retryAt := now.Add(backoffWithJitter(p.opts.BackoffInitial, p.opts.BackoffMax, job.Attempts))
	status, ok, err := p.store.FailAttempt(ctx, store.FailAttemptParams{
		ID:      job.ID,
		Error:   jobErr,
		RetryAt: retryAt,
		Now:     now,
	})
	if err != nil {
		log.Error("record failed attempt", "err", err)
		return
	}
	if !ok {
		log.Info("attempt failed after the job stopped running", "code", jobErr.Code)
		return
	}

	event := events.Event{
		JobID:    job.ID,
		Queue:    job.Queue,
		Status:   status,
		Attempts: job.Attempts,
		Code:     jobErr.Code,
		At:       now,
	}
	if status == models.StatusQueued {
		p.appendEvent(ctx, job.ID, "retry_scheduled", fmt.Sprintf("code=%s next_run=%s attempts=%d/%d",
			jobErr.Code, retryAt.Format(time.RFC3339), job.Attempts, job.MaxAttempts))
		event.Type = events.JobRetried
		p.sink.Publish(ctx, event)
		log.Warn("attempt failed, retry scheduled", "code", jobErr.Code, "error", jobErr.Message, "retry_at", retryAt)
		return
	}

	p.appendEvent(ctx, job.ID, "failed", fmt.Sprintf("code=%s %s", jobErr.Code, jobErr.Message))
	event.Type = events.JobFailed
	p.sink.Publish(ctx, event)
	log.Error("job failed", "code", jobErr.Code, "error", jobErr.Message)
	p.deadLetter(ctx, log, job.ID)
	if _, err := jobs.Cascade(ctx, p.store, p.sink, p.logger, now); err != nil {
		log.Warn("dependency cascade", "err", err)
	}
}

func (p *Processor) deadLetter(ctx context.Context, log *slog.Logger, jobID string) {
	if p.opts.DLQ == nil {
		return
	}
	if err := p.opts.DLQ.DLQPush(ctx, jobID); err != nil {
		log.Warn("push to dead-letter queue", "err", err)
	}
}

// RunMaintenance periodically reclaims expired leases and sweeps blocked dependents.
func (p *Processor) RunMaintenance(ctx context.Context) error {
	ticker := time.NewTicker(p.opts.MaintenanceInterval)
	defer ticker.Stop()
	for {
		if err := p.Maintain(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error("maintenance pass", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Maintain runs one maintenance pass.
func (p *Processor) Maintain(ctx context.Context) error {
	now := p.now().UTC()
	expired, err := p.store.ExpireLeases(ctx, now, now.Add(p.opts.BackoffInitial))
	if err != nil {
		return fmt.Errorf("expire leases: %w", err)
	}
	for _, ref := range expired {
		p.appendEvent(ctx, ref.ID, "lease_expired", "status="+ref.Status)
		e := events.Event{JobID: ref.ID, Queue: ref.Queue, Status: ref.Status, Code: models.CodeExecutionFailed, At: now}
		if ref.Status == models.StatusFailed {
			e.Type = events.JobFailed
			p.deadLetter(ctx, p.logger, ref.ID)
		} else {
			e.Type = events.JobRetried
		}
		p.sink.Publish(ctx, e)
	}
	if len(expired) > 0 {
		p.logger.Warn("reclaimed expired leases", "count", len(expired))
	}

	if _, err := jobs.Cascade(ctx, p.store, p.sink, p.logger, now); err != nil {
		return err
	}

	if p.opts.Metrics != nil {
		counts, err := p.store.StatusCounts(ctx, nil)
		if err != nil {
			return fmt.Errorf("status counts: %w", err)
		}
		p.opts.Metrics.SetStatusCounts(counts)
	}
	return nil
}

func (p *Processor) appendEvent(ctx context.Context, jobID, event, detail string) {
	if err := p.store.AppendEvent(ctx, jobID, event, detail); err != nil {
		p.logger.Warn("append job event", "job_id", jobID, "event", event, "err", err)
	}
}

func (p *Processor) observe(jobType, outcome string, elapsed time.Duration) {
	if p.opts.Metrics != nil {
		p.opts.Metrics.HandlerDuration.WithLabelValues(jobType, outcome).Observe(elapsed.Seconds())
	}
}

func toJobError(err error) models.JobError {
	var he *HandlerError
	if errors.As(err, &he) {
		code := he.Code
		if code == "" {
			code = models.CodeExecutionFailed
		}
		return models.JobError{Code: code, Message: he.Message, Details: he.Details}
	}
	return models.JobError{Code: models.CodeExecutionFailed, Message: err.Error()}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(max) {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
