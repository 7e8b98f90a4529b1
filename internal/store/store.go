// Package store defines the durable state behind the job engine. Every job
// status change is a single conditional update keyed on the expected previous
// status; idempotency records are written in the same transaction as the jobs
// they produce.
package store

import (
	"context"
	"errors"
	"time"

	"automation-backend/internal/models"
)

// ErrNotFound is returned when a job or schedule does not exist.
var ErrNotFound = errors.New("store: not found")

// CreateJobsParams inserts a batch of jobs, optionally bound to an idempotency key.
type CreateJobsParams struct {
	Jobs           []models.Job
	IdempotencyKey string
	Fingerprint    string
	IdempotencyTTL time.Duration
}

// CreateJobsResult reports the jobs created, or the jobs previously bound to the key.
type CreateJobsResult struct {
	Jobs []models.Job
	// Replayed is set when the key already existed; Fingerprint is then the stored one.
	Replayed    bool
	Fingerprint string
}

// JobFilter narrows job listings. A nil Queues slice means every queue.
type JobFilter struct {
	Queues []string
	Status string
	Type   string
	Limit  int
	Offset int
}

// ClaimParams selects the next eligible job for a worker.
type ClaimParams struct {
	Queues   []string
	WorkerID string
	Now      time.Time
	Lease    time.Duration
}

// FailAttemptParams records a failed attempt on a running job.
type FailAttemptParams struct {
	ID      string
	Error   models.JobError
	RetryAt time.Time
	Now     time.Time
}

// CompletedCounts are terminal transitions observed inside a window.
type CompletedCounts struct {
	Succeeded int64
	Failed    int64
	Cancelled int64
}

// ScheduleFilter narrows schedule listings. A nil Queues slice means every queue.
type ScheduleFilter struct {
	Queues  []string
	Enabled *bool
	Limit   int
}

// ScheduleRun records a successful fire and advances the cadence. The update
// only applies while next_run_at still equals ExpectedNextRun. An empty JobID
// keeps the previous last_job_id.
type ScheduleRun struct {
	ID              string
	ExpectedNextRun time.Time
	NextRunAt       time.Time
	JobID           string
	FiredAt         time.Time
}

// JobStore is the job table, its dependency edges, event log and idempotency ledger.
type JobStore interface {
	CreateJobs(ctx context.Context, p CreateJobsParams) (CreateJobsResult, error)
	// LookupIdempotency returns the jobs bound to an unexpired key, with Replayed set.
	LookupIdempotency(ctx context.Context, key string) (CreateJobsResult, bool, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	ListJobs(ctx context.Context, f JobFilter) ([]models.Job, error)
	LatestJobID(ctx context.Context, queue string) (string, error)

	// ClaimNext moves the best eligible queued job to running and increments attempts.
	ClaimNext(ctx context.Context, p ClaimParams) (models.Job, bool, error)
	// Heartbeat extends the lease of a running job; false means it is no longer running.
	Heartbeat(ctx context.Context, id string, leaseUntil, now time.Time) (bool, error)
	CompleteJob(ctx context.Context, id string, result any, now time.Time) (bool, error)
	// FailAttempt re-queues the job or fails it terminally once attempts are exhausted.
	// It returns the resulting status.
	FailAttempt(ctx context.Context, p FailAttemptParams) (string, bool, error)
	CancelJob(ctx context.Context, id string, now time.Time) (models.Job, bool, error)
	// FailBlocked fails queued jobs depending on a failed or cancelled job.
	FailBlocked(ctx context.Context, now time.Time) ([]models.JobRef, error)
	// ExpireLeases treats running jobs with an expired lease as failed attempts.
	ExpireLeases(ctx context.Context, now, retryAt time.Time) ([]models.JobRef, error)
	Dependents(ctx context.Context, id string) ([]models.JobRef, error)

	AppendEvent(ctx context.Context, jobID, event, detail string) error
	ListEvents(ctx context.Context, jobID string, limit int) ([]models.JobEvent, error)

	StatusCounts(ctx context.Context, queues []string) (map[string]int64, error)
	// OldestQueued returns the claimable queued job that has waited longest, among
	// jobs created since the given time.
	OldestQueued(ctx context.Context, queues []string, since, now time.Time) (models.Job, bool, error)
	CompletedSince(ctx context.Context, queues []string, since time.Time) (CompletedCounts, error)
}

// ScheduleStore holds recurring schedule definitions.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, s models.Schedule) error
	GetSchedule(ctx context.Context, id string) (models.Schedule, error)
	ListSchedules(ctx context.Context, f ScheduleFilter) ([]models.Schedule, error)
	UpdateSchedule(ctx context.Context, s models.Schedule) error
	DueSchedules(ctx context.Context, now time.Time, limit int) ([]models.Schedule, error)
	RecordScheduleRun(ctx context.Context, r ScheduleRun) (bool, error)
	RecordScheduleFailure(ctx context.Context, id, message string, now time.Time) error
}

// CounterStore keeps the lifecycle counters for processes sharing one database.
type CounterStore interface {
	IncrCounter(ctx context.Context, field string, delta int64) error
	Counters(ctx context.Context) (map[string]int64, error)
}

// Store is the full persistence surface.
type Store interface {
	JobStore
	ScheduleStore
	CounterStore
	Ping(ctx context.Context) error
	Close()
}
