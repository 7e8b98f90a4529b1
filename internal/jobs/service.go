// Package jobs serves reads and cancellation of persisted jobs, scoped to the
// caller's queue allowlist, and runs the dependency failure cascade.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"automation-backend/internal/apperr"
	"automation-backend/internal/events"
	"automation-backend/internal/models"
	"automation-backend/internal/store"
)

// maxCascadeRounds bounds one cascade; anything left is picked up by the next sweep.
const maxCascadeRounds = 64

// ListQuery filters a job listing.
type ListQuery struct {
	Queue  string
	Status string
	Type   string
	Limit  int
	Offset int
}

type Service struct {
	store  store.JobStore
	sink   events.Sink
	logger *slog.Logger
	now    func() time.Time
}

func NewService(st store.JobStore, sink events.Sink, logger *slog.Logger) *Service {
	if sink == nil {
		sink = events.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, sink: sink, logger: logger, now: time.Now}
}

// Get returns a job. Jobs outside the principal's scope are reported as missing.
func (s *Service) Get(ctx context.Context, p models.Principal, id string) (models.Job, error) {
	job, err := s.store.GetJob(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return models.Job{}, apperr.NotFound("job")
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("get job: %w", err)
	}
	if !p.AllowsQueue(job.Queue) {
		return models.Job{}, apperr.NotFound("job")
	}
	return job, nil
}

func (s *Service) List(ctx context.Context, p models.Principal, q ListQuery) ([]models.Job, error) {
	queues, ok := p.Scope(q.Queue)
	if !ok {
		return nil, apperr.Forbidden(fmt.Sprintf("queue %q is not allowed for this key", q.Queue), p.QueueAllowlist)
	}
	if q.Status != "" && !slices.Contains(models.Statuses, q.Status) {
		return nil, apperr.Validation("status must be one of %v", models.Statuses)
	}
	if q.Limit < 0 || q.Limit > 500 {
		return nil, apperr.Validation("limit must be between 1 and 500")
	}
	if q.Offset < 0 {
		return nil, apperr.Validation("offset must not be negative")
	}
	return s.store.ListJobs(ctx, store.JobFilter{
		Queues: queues,
		Status: q.Status,
		Type:   q.Type,
		Limit:  q.Limit,
		Offset: q.Offset,
	})
}

// Cancel flips a queued or running job to cancelled. A job that already
// finished is a conflict; its dependents are failed by the cascade.
func (s *Service) Cancel(ctx context.Context, p models.Principal, id string) (models.Job, error) {
	if _, err := s.Get(ctx, p, id); err != nil {
		return models.Job{}, err
	}
	now := s.now().UTC()
	job, ok, err := s.store.CancelJob(ctx, id, now)
	if errors.Is(err, store.ErrNotFound) {
		return models.Job{}, apperr.NotFound("job")
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("cancel job: %w", err)
	}
	if !ok {
		return models.Job{}, apperr.Conflict(fmt.Sprintf("job is already %s", job.Status),
			map[string]any{"job_id": job.ID, "status": job.Status})
	}
	if err := s.store.AppendEvent(ctx, id, "cancelled", "cancel requested by "+p.Name); err != nil {
		s.logger.Warn("append cancelled event", "job_id", id, "err", err)
	}
	s.sink.Publish(ctx, events.ForJob(events.JobCancelled, job))
	if _, err := Cascade(ctx, s.store, s.sink, s.logger, now); err != nil {
		s.logger.Warn("dependency cascade after cancel", "job_id", id, "err", err)
	}
	return job, nil
}

// Events returns the lifecycle log of a job, scoped like Get.
func (s *Service) Events(ctx context.Context, p models.Principal, id string, limit int) ([]models.JobEvent, error) {
	if _, err := s.Get(ctx, p, id); err != nil {
		return nil, err
	}
	return s.store.ListEvents(ctx, id, limit)
}

// Cascade fails queued jobs whose dependencies failed or were cancelled,
// repeating until a sweep finds nothing so chains fail transitively.
func Cascade(ctx context.Context, st store.JobStore, sink events.Sink, logger *slog.Logger, now time.Time) ([]models.JobRef, error) {
	var all []models.JobRef
	for round := 0; round < maxCascadeRounds; round++ {
		refs, err := st.FailBlocked(ctx, now)
		if err != nil {
			return all, fmt.Errorf("fail blocked jobs: %w", err)
		}
		if len(refs) == 0 {
			return all, nil
		}
		for _, ref := range refs {
			if err := st.AppendEvent(ctx, ref.ID, "dependency_failed", "a dependency failed or was cancelled"); err != nil {
				logger.Warn("append dependency_failed event", "job_id", ref.ID, "err", err)
			}
			sink.Publish(ctx, events.Event{
				Type:   events.JobFailed,
				JobID:  ref.ID,
				Queue:  ref.Queue,
				Status: models.StatusFailed,
				Code:   models.CodeDependencyFailed,
				At:     now,
			})
		}
		logger.Info("dependency cascade", "failed", len(refs), "round", round+1)
		all = append(all, refs...)
	}
	return all, nil
}
