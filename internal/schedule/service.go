package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"automation-backend/internal/apperr"
	"automation-backend/internal/models"
	"automation-backend/internal/registry"
	"automation-backend/internal/store"
)

// CreateRequest defines a new schedule. Exactly one of IntervalSec and Cron
// must be set.
type CreateRequest struct {
	Name        string         `json:"name" validate:"required,max=200"`
	Type        string         `json:"type" validate:"required,max=200"`
	Queue       string         `json:"queue" validate:"omitempty,queue_name"`
	Input       map[string]any `json:"input"`
	Tags        []string       `json:"tags" validate:"omitempty,max=20,dive,min=1,max=100"`
	Priority    *int           `json:"priority" validate:"omitempty,min=0,max=10"`
	TimeoutSec  *int           `json:"timeout_sec" validate:"omitempty,min=1,max=86400"`
	MaxAttempts *int           `json:"max_attempts" validate:"omitempty,min=1,max=20"`
	IntervalSec *int           `json:"interval_sec" validate:"omitempty,min=5,max=86400"`
	Cron        *string        `json:"cron" validate:"omitempty,max=200"`
	Enabled     *bool          `json:"enabled"`
	// RunNow makes the first fire due immediately.
	RunNow bool `json:"run_now"`
}

// UpdateRequest patches a schedule; nil fields are left unchanged. Setting
// IntervalSec clears Cron and vice versa.
type UpdateRequest struct {
	Name        *string        `json:"name" validate:"omitempty,min=1,max=200"`
	Type        *string        `json:"type" validate:"omitempty,min=1,max=200"`
	Queue       *string        `json:"queue" validate:"omitempty,queue_name"`
	Input       map[string]any `json:"input"`
	Tags        []string       `json:"tags" validate:"omitempty,max=20,dive,min=1,max=100"`
	Priority    *int           `json:"priority" validate:"omitempty,min=0,max=10"`
	TimeoutSec  *int           `json:"timeout_sec" validate:"omitempty,min=1,max=86400"`
	MaxAttempts *int           `json:"max_attempts" validate:"omitempty,min=1,max=20"`
	IntervalSec *int           `json:"interval_sec" validate:"omitempty,min=5,max=86400"`
	Cron        *string        `json:"cron" validate:"omitempty,max=200"`
	Enabled     *bool          `json:"enabled"`
	// RunNow fires the schedule once right after the update.
	RunNow bool `json:"run_now"`
}

type ListQuery struct {
	Queue   string
	Enabled *bool
	Limit   int
}

type Service struct {
	store    store.ScheduleStore
	registry *registry.Registry
	validate *validator.Validate
	engine   *Engine
	logger   *slog.Logger
	now      func() time.Time
}

// NewService builds the CRUD surface. engine serves run_now and may be nil,
// in which case run_now on update is rejected.
func NewService(st store.ScheduleStore, reg *registry.Registry, engine *Engine, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    st,
		registry: reg,
		validate: registry.NewValidate(),
		engine:   engine,
		logger:   logger,
		now:      time.Now,
	}
}

func (s *Service) Create(ctx context.Context, p models.Principal, req CreateRequest) (models.Schedule, error) {
	queue := req.Queue
	if queue == "" {
		queue = models.DefaultQueue
	}
	if !p.AllowsQueue(queue) {
		return models.Schedule{}, forbidden(p, queue)
	}
	if errs := registry.FieldErrors("schedule", "", s.validate.Struct(req)); len(errs) > 0 {
		return models.Schedule{}, validationError(errs)
	}
	if (req.IntervalSec == nil) == (req.Cron == nil) {
		return models.Schedule{}, apperr.Validation("schedule requires exactly one of interval_sec or cron")
	}

	now := s.now().UTC().Truncate(time.Millisecond)
	sc := models.Schedule{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Type:        req.Type,
		Queue:       queue,
		Input:       req.Input,
		Tags:        req.Tags,
		TimeoutSec:  req.TimeoutSec,
		MaxAttempts: req.MaxAttempts,
		Enabled:     true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if sc.Input == nil {
		sc.Input = map[string]any{}
	}
	if sc.Tags == nil {
		sc.Tags = []string{}
	}
	if req.Priority != nil {
		sc.Priority = *req.Priority
	}
	if req.Enabled != nil {
		sc.Enabled = *req.Enabled
	}
	if req.IntervalSec != nil {
		sc.SetInterval(*req.IntervalSec)
	} else {
		sc.SetCron(*req.Cron)
	}
	if err := s.checkTemplate(sc); err != nil {
		return models.Schedule{}, err
	}
	next, err := NextRun(sc, now)
	if err != nil {
		return models.Schedule{}, err
	}
	sc.NextRunAt = next
	if req.RunNow {
		sc.NextRunAt = now
	}
	if err := s.store.CreateSchedule(ctx, sc); err != nil {
		return models.Schedule{}, fmt.Errorf("create schedule: %w", err)
	}
	s.logger.Info("schedule created", "schedule_id", sc.ID, "name", sc.Name, "queue", sc.Queue, "by", p.Name)
	return sc, nil
}

// Get returns a schedule. Schedules outside the principal's scope are reported as missing.
func (s *Service) Get(ctx context.Context, p models.Principal, id string) (models.Schedule, error) {
	sc, err := s.store.GetSchedule(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return models.Schedule{}, apperr.NotFound("schedule")
	}
	if err != nil {
		return models.Schedule{}, fmt.Errorf("get schedule: %w", err)
	}
	if !p.AllowsQueue(sc.Queue) {
		return models.Schedule{}, apperr.NotFound("schedule")
	}
	return sc, nil
}

func (s *Service) List(ctx context.Context, p models.Principal, q ListQuery) ([]models.Schedule, error) {
	queues, ok := p.Scope(q.Queue)
	if !ok {
		return nil, forbidden(p, q.Queue)
	}
	if q.Limit < 0 || q.Limit > 500 {
		return nil, apperr.Validation("limit must be between 1 and 500")
	}
	return s.store.ListSchedules(ctx, store.ScheduleFilter{Queues: queues, Enabled: q.Enabled, Limit: q.Limit})
}

// Update applies a patch. A cadence change or re-enable recomputes
// next_run_at from now.
func (s *Service) Update(ctx context.Context, p models.Principal, id string, req UpdateRequest) (models.Schedule, error) {
	sc, err := s.Get(ctx, p, id)
	if err != nil {
		return models.Schedule{}, err
	}
	if req.Queue != nil && !p.AllowsQueue(*req.Queue) {
		return models.Schedule{}, forbidden(p, *req.Queue)
	}
	if errs := registry.FieldErrors("schedule", "", s.validate.Struct(req)); len(errs) > 0 {
		return models.Schedule{}, validationError(errs)
	}
	if req.IntervalSec != nil && req.Cron != nil {
		return models.Schedule{}, apperr.Validation("schedule accepts only one of interval_sec or cron")
	}
	if req.RunNow && s.engine == nil {
		return models.Schedule{}, apperr.Validation("run_now is not available on this server")
	}

	wasEnabled := sc.Enabled
	cadenceChanged := false
	if req.Name != nil {
		sc.Name = *req.Name
	}
	if req.Type != nil {
		sc.Type = *req.Type
	}
	if req.Queue != nil {
		sc.Queue = *req.Queue
	}
	if req.Input != nil {
		sc.Input = req.Input
	}
	if req.Tags != nil {
		sc.Tags = req.Tags
	}
	if req.Priority != nil {
		sc.Priority = *req.Priority
	}
	if req.TimeoutSec != nil {
		sc.TimeoutSec = req.TimeoutSec
	}
	if req.MaxAttempts != nil {
		sc.MaxAttempts = req.MaxAttempts
	}
	if req.IntervalSec != nil {
		sc.SetInterval(*req.IntervalSec)
		cadenceChanged = true
	}
	if req.Cron != nil {
		sc.SetCron(*req.Cron)
		cadenceChanged = true
	}
	if req.Enabled != nil {
		sc.Enabled = *req.Enabled
	}
	if err := s.checkTemplate(sc); err != nil {
		return models.Schedule{}, err
	}

	now := s.now().UTC().Truncate(time.Millisecond)
	if cadenceChanged || (sc.Enabled && !wasEnabled) {
		next, err := NextRun(sc, now)
		if err != nil {
			return models.Schedule{}, err
		}
		sc.NextRunAt = next
	}
	sc.UpdatedAt = now
	if err := s.store.UpdateSchedule(ctx, sc); err != nil {
		return models.Schedule{}, fmt.Errorf("update schedule: %w", err)
	}
	s.logger.Info("schedule updated", "schedule_id", sc.ID, "by", p.Name, "run_now", req.RunNow)

	if req.RunNow {
		if err := s.engine.FireNow(ctx, sc); err != nil {
			return models.Schedule{}, fmt.Errorf("run schedule now: %w", err)
		}
		return s.Get(ctx, p, id)
	}
	return sc, nil
}

// checkTemplate validates the job template the schedule will submit, and the
// cron expression when one is set.
func (s *Service) checkTemplate(sc models.Schedule) error {
	if sc.Cron != nil {
		if _, err := ParseCron(*sc.Cron); err != nil {
			return apperr.Validation("schedule cron %q is invalid: %v", *sc.Cron, err)
		}
	}
	if s.registry == nil {
		return nil
	}
	if errs := s.registry.Validate(sc.Type, sc.Input); len(errs) > 0 {
		return validationError(errs)
	}
	return nil
}

func forbidden(p models.Principal, queue string) error {
	return apperr.Forbidden(fmt.Sprintf("queue %q is not allowed for this key", queue), p.QueueAllowlist)
}

func validationError(errs []registry.ValidationError) *apperr.Error {
	return apperr.New(apperr.CodeValidation, errs[0].Message, map[string]any{
		"field":  errs[0].Field,
		"errors": errs,
	})
}
