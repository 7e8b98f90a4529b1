// Package admission validates, authorizes, deduplicates and persists new
// jobs. It is the only producer of queued jobs.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"automation-backend/internal/apperr"
	"automation-backend/internal/events"
	"automation-backend/internal/models"
	"automation-backend/internal/queue"
	"automation-backend/internal/ratelimit"
	"automation-backend/internal/registry"
	"automation-backend/internal/store"
	"automation-backend/internal/telemetry"
)

// Job kinds reported by SubmitIntent.
const (
	KindIntent  = "intent"
	KindToolDoc = "tool_doc"
)

// Result is the outcome of an admission. Created is false on an idempotent replay.
type Result struct {
	Jobs    []models.Job `json:"jobs"`
	Kinds   []string     `json:"kinds,omitempty"`
	Created bool         `json:"created"`
}

// Options carries the optional collaborators of a Pipeline.
type Options struct {
	Limiter        ratelimit.Limiter
	Signal         queue.Signal
	Sink           events.Sink
	Metrics        *telemetry.Metrics
	Validate       *validator.Validate
	IdempotencyTTL time.Duration
	Logger         *slog.Logger
}

// Pipeline admits jobs into the store.
type Pipeline struct {
	store          store.JobStore
	registry       *registry.Registry
	validate       *validator.Validate
	limiter        ratelimit.Limiter
	signal         queue.Signal
	sink           events.Sink
	metrics        *telemetry.Metrics
	idempotencyTTL time.Duration
	logger         *slog.Logger
	now            func() time.Time
}

func New(st store.JobStore, reg *registry.Registry, opts Options) *Pipeline {
	p := &Pipeline{
		store:          st,
		registry:       reg,
		validate:       opts.Validate,
		limiter:        opts.Limiter,
		signal:         opts.Signal,
		sink:           opts.Sink,
		metrics:        opts.Metrics,
		idempotencyTTL: opts.IdempotencyTTL,
		logger:         opts.Logger,
		now:            time.Now,
	}
	if p.validate == nil {
		p.validate = registry.NewValidate()
	}
	if p.limiter == nil {
		p.limiter = ratelimit.Unlimited{}
	}
	if p.signal == nil {
		p.signal = queue.Polling{}
	}
	if p.sink == nil {
		p.sink = events.Discard
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// item is one job being admitted. callerIndex is -1 for synthesized jobs.
type item struct {
	req         Request
	kind        string
	callerIndex int
	extraDeps   []int
}

// Submit admits a single job. depends_on_last_job refers to the most recent
// job in the same queue.
func (p *Pipeline) Submit(ctx context.Context, principal models.Principal, req Request, idempotencyKey string) (Result, error) {
	return p.admit(ctx, principal, []item{{req: req, kind: KindIntent, callerIndex: 0}}, "", idempotencyKey)
}

// SubmitBatch admits every job or none. depends_on_last_job refers to the
// previous item; depends_on_idx to 1-based positions of earlier items.
func (p *Pipeline) SubmitBatch(ctx context.Context, principal models.Principal, req BatchRequest) (Result, error) {
	if len(req.Jobs) == 0 {
		return Result{}, p.reject(apperr.Validation("jobs must not be empty"))
	}
	if len(req.Jobs) > MaxBatchSize {
		return Result{}, p.reject(apperr.Validation("jobs must have at most %d items", MaxBatchSize))
	}
	items := make([]item, len(req.Jobs))
	for i, r := range req.Jobs {
		items[i] = item{req: r, kind: KindIntent, callerIndex: i}
	}
	return p.admit(ctx, principal, items, "", req.IdempotencyKey)
}

// SubmitIntent admits a declared batch plus a documentation lookup for every
// distinct binary run by a tool.exec job. Each declared job using a binary
// depends on that binary's lookup.
func (p *Pipeline) SubmitIntent(ctx context.Context, principal models.Principal, req IntentRequest) (Result, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return Result{}, p.reject(apperr.Validation("intent requires text"))
	}
	if len(text) > 4000 {
		return Result{}, p.reject(apperr.Validation("intent text must be at most 4000 characters"))
	}
	if len(req.Jobs) == 0 {
		return Result{}, p.reject(apperr.Validation("jobs must not be empty"))
	}

	var docs []item
	declared := make([]item, len(req.Jobs))
	docIndex := map[string]int{}
	for i, r := range req.Jobs {
		declared[i] = item{req: r, kind: KindIntent, callerIndex: i}
		if req.SkipToolDocs || r.Type != registry.TypeToolExec {
			continue
		}
		bin := commandBinary(r.Input)
		if bin == "" {
			continue
		}
		pos, ok := docIndex[bin]
		if !ok {
			pos = len(docs)
			docIndex[bin] = pos
			docs = append(docs, item{req: toolDocRequest(bin, r.Queue), kind: KindToolDoc, callerIndex: -1})
		}
		declared[i].extraDeps = append(declared[i].extraDeps, pos)
	}
	items := append(docs, declared...)
	if len(items) > MaxBatchSize {
		return Result{}, p.reject(apperr.Validation("intent expands to more than %d jobs", MaxBatchSize))
	}
	return p.admit(ctx, principal, items, text, req.IdempotencyKey)
}

func toolDocRequest(bin, queue string) Request {
	timeout, attempts := 30, 1
	return Request{
		Type:        registry.TypeToolExec,
		Queue:       queue,
		Input:       map[string]any{"command": bin, "args": []any{"--help"}},
		TimeoutSec:  &timeout,
		MaxAttempts: &attempts,
		Tags:        []string{KindToolDoc},
	}
}

// commandBinary returns the first word of a tool.exec command.
func commandBinary(input map[string]any) string {
	command, _ := registry.NormalizeToolExec(input)["command"].(string)
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func (p *Pipeline) admit(ctx context.Context, principal models.Principal, items []item, seed, key string) (Result, error) {
	now := p.now().UTC().Truncate(time.Millisecond)
	jobs := make([]models.Job, len(items))
	callerPos := map[int]int{}
	var prints []fingerprintItem
	for pos, it := range items {
		job, err := p.buildJob(principal, it.req, now)
		if err != nil {
			return Result{}, p.reject(withIndex(err, it.callerIndex, len(items) > 1))
		}
		jobs[pos] = job
		if it.callerIndex >= 0 {
			callerPos[it.callerIndex] = pos
			prints = append(prints, fingerprintItem{
				Type: job.Type, Queue: job.Queue, Input: job.Input,
				Priority: job.Priority, TimeoutSec: job.TimeoutSec, MaxAttempts: job.MaxAttempts,
			})
		}
	}

	kinds := make([]string, len(items))
	for i, it := range items {
		kinds[i] = it.kind
	}
	var fp string
	if key != "" {
		var err error
		if fp, err = fingerprint(seed, prints); err != nil {
			return Result{}, err
		}
		// Replays do not consume rate limit tokens.
		prior, found, err := p.store.LookupIdempotency(ctx, key)
		if err != nil {
			return Result{}, fmt.Errorf("lookup idempotency key: %w", err)
		}
		if found {
			return p.replayed(key, fp, prior, kinds)
		}
	}

	if allowed, _, err := p.limiter.Allow(ctx, principal.Name); err != nil {
		p.logger.Warn("rate limiter unavailable", "principal", principal.Name, "err", err)
	} else if !allowed {
		if p.metrics != nil {
			p.metrics.RateLimitRejects.Inc()
		}
		return Result{}, p.reject(apperr.New(apperr.CodeRateLimited, "rate limit exceeded", map[string]any{"principal": principal.Name}))
	}

	for pos, it := range items {
		deps, err := p.resolveDependencies(ctx, principal, it, pos, jobs, callerPos)
		if err != nil {
			return Result{}, p.reject(withIndex(err, it.callerIndex, len(items) > 1))
		}
		jobs[pos].DependsOn = deps
	}

	params := store.CreateJobsParams{Jobs: jobs}
	if key != "" {
		for i := range params.Jobs {
			params.Jobs[i].IdempotencyKey = &key
		}
		params.IdempotencyKey = key
		params.Fingerprint = fp
		params.IdempotencyTTL = p.idempotencyTTL
	}

	res, err := p.store.CreateJobs(ctx, params)
	if err != nil {
		return Result{}, fmt.Errorf("create jobs: %w", err)
	}
	if res.Replayed {
		// Another request with the same key committed between the lookup and the insert.
		return p.replayed(key, fp, res, kinds)
	}

	p.announce(ctx, principal, items, res.Jobs, seed)
	return Result{Jobs: res.Jobs, Kinds: kinds, Created: true}, nil
}

func (p *Pipeline) replayed(key, fp string, prior store.CreateJobsResult, kinds []string) (Result, error) {
	if prior.Fingerprint != fp {
		return Result{}, p.reject(apperr.IdempotencyMismatch(key))
	}
	if len(prior.Jobs) != len(kinds) {
		kinds = nil
	}
	return Result{Jobs: prior.Jobs, Kinds: kinds, Created: false}, nil
}

// buildJob applies authorization, shape validation, registry validation and
// defaults in that order.
func (p *Pipeline) buildJob(principal models.Principal, req Request, now time.Time) (models.Job, error) {
	queueName := req.Queue
	if queueName == "" {
		queueName = models.DefaultQueue
	}
	if !principal.AllowsQueue(queueName) {
		return models.Job{}, apperr.Forbidden(fmt.Sprintf("queue %q is not allowed for this key", queueName), principal.QueueAllowlist)
	}
	if errs := registry.FieldErrors("job", "", p.validate.Struct(req)); len(errs) > 0 {
		return models.Job{}, validationError(errs)
	}
	input := req.Input
	if input == nil {
		input = map[string]any{}
	}
	if errs := p.registry.Validate(req.Type, input); len(errs) > 0 {
		return models.Job{}, validationError(errs)
	}

	defaults := p.registry.Defaults(req.Type)
	job := models.Job{
		ID:          uuid.NewString(),
		Type:        req.Type,
		Queue:       queueName,
		Status:      models.StatusQueued,
		TimeoutSec:  defaults.TimeoutSec,
		MaxAttempts: defaults.MaxAttempts,
		Input:       input,
		Tags:        req.Tags,
		CallbackURL: req.CallbackURL,
		RunAt:       now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if job.Tags == nil {
		job.Tags = []string{}
	}
	if req.Priority != nil {
		job.Priority = *req.Priority
	}
	if req.TimeoutSec != nil {
		job.TimeoutSec = *req.TimeoutSec
	}
	if req.MaxAttempts != nil {
		job.MaxAttempts = *req.MaxAttempts
	}
	if req.RunAt != nil && req.RunAt.After(now) {
		job.RunAt = req.RunAt.UTC().Truncate(time.Millisecond)
	}
	if req.DelaySec > 0 {
		job.RunAt = now.Add(time.Duration(req.DelaySec) * time.Second)
	}
	return job, nil
}

// resolveDependencies turns absolute ids and batch aliases into a deduplicated
// list of job ids. Absolute ids must exist and be visible to the principal.
func (p *Pipeline) resolveDependencies(ctx context.Context, principal models.Principal, it item, pos int, jobs []models.Job, callerPos map[int]int) ([]string, error) {
	var deps []string
	add := func(id string) {
		if !slices.Contains(deps, id) {
			deps = append(deps, id)
		}
	}

	for _, id := range it.req.DependsOn {
		dep, err := p.store.GetJob(ctx, id)
		if errors.Is(err, store.ErrNotFound) || (err == nil && !principal.AllowsQueue(dep.Queue)) {
			return nil, apperr.New(apperr.CodeValidation, fmt.Sprintf("depends_on references unknown job %s", id),
				map[string]any{"field": "depends_on", "job_id": id})
		}
		if err != nil {
			return nil, fmt.Errorf("load dependency %s: %w", id, err)
		}
		add(dep.ID)
	}

	for _, idx := range it.req.DependsOnIdx {
		target, ok := callerPos[idx-1]
		if !ok || idx-1 >= it.callerIndex || it.callerIndex < 0 {
			return nil, apperr.New(apperr.CodeValidation,
				fmt.Sprintf("depends_on_idx %d must reference an earlier job in the batch", idx),
				map[string]any{"field": "depends_on_idx", "value": idx})
		}
		add(jobs[target].ID)
	}

	if it.req.DependsOnLastJob {
		switch {
		case it.callerIndex > 0:
			add(jobs[callerPos[it.callerIndex-1]].ID)
		default:
			id, err := p.store.LatestJobID(ctx, jobs[pos].Queue)
			if errors.Is(err, store.ErrNotFound) {
				return nil, apperr.New(apperr.CodeValidation,
					fmt.Sprintf("depends_on_last_job found no earlier job in queue %q", jobs[pos].Queue),
					map[string]any{"field": "depends_on_last_job"})
			}
			if err != nil {
				return nil, fmt.Errorf("latest job: %w", err)
			}
			add(id)
		}
	}

	for _, target := range it.extraDeps {
		add(jobs[target].ID)
	}
	if deps == nil {
		deps = []string{}
	}
	return deps, nil
}

func (p *Pipeline) announce(ctx context.Context, principal models.Principal, items []item, jobs []models.Job, seed string) {
	queues := map[string]struct{}{}
	for i, job := range jobs {
		detail := fmt.Sprintf("principal=%s queue=%s priority=%d", principal.Name, job.Queue, job.Priority)
		if seed != "" && i < len(items) {
			detail += " kind=" + items[i].kind
		}
		if err := p.store.AppendEvent(ctx, job.ID, "created", detail); err != nil {
			p.logger.Warn("append created event", "job_id", job.ID, "err", err)
		}
		p.sink.Publish(ctx, events.ForJob(events.JobCreated, job))
		queues[job.Queue] = struct{}{}
	}
	for name := range queues {
		if err := p.signal.Notify(ctx, name); err != nil {
			p.logger.Warn("wake workers", "queue", name, "err", err)
		}
	}
}

func (p *Pipeline) reject(err error) error {
	if e, ok := apperr.As(err); ok && p.metrics != nil {
		p.metrics.AdmissionRejects.WithLabelValues(e.Code).Inc()
	}
	return err
}

// validationError reports the first offending field and lists all of them.
func validationError(errs []registry.ValidationError) *apperr.Error {
	return apperr.New(apperr.CodeValidation, errs[0].Message, map[string]any{
		"field":  errs[0].Field,
		"errors": errs,
	})
}

// withIndex tags a batch item's error with its 1-based position.
func withIndex(err error, callerIndex int, batch bool) error {
	e, ok := apperr.As(err)
	if !ok || !batch || callerIndex < 0 {
		return err
	}
	details := make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		details[k] = v
	}
	details["index"] = callerIndex + 1
	return apperr.New(e.Code, e.Message, details)
}
