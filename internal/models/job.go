package models

import (
	"time"
)

// Job lifecycle states persisted by the store.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// DefaultQueue is used when a request names no queue.
const DefaultQueue = "default"

// Priority bounds; higher runs first within a queue.
const (
	MinPriority = 0
	MaxPriority = 10
)

// Statuses lists every job state in lifecycle order.
var Statuses = []string{StatusQueued, StatusRunning, StatusSucceeded, StatusFailed, StatusCancelled}

// IsTerminal reports whether no further transition can leave status.
func IsTerminal(status string) bool {
	switch status {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsCancellable reports whether a cancel request may still flip status.
func IsCancellable(status string) bool {
	return status == StatusQueued || status == StatusRunning
}

// Error codes recorded on jobs by the execution core.
const (
	CodeTimeout          = "TIMEOUT"
	CodeExecutionFailed  = "EXECUTION_FAILED"
	CodeDependencyFailed = "DEPENDENCY_FAILED"
	CodeNotConfigured    = "NOT_CONFIGURED"
)

// JobError is the terminal failure recorded on a job.
type JobError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Job is a unit of work persisted in the store.
type Job struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	Queue          string         `json:"queue"`
	Status         string         `json:"status"`
	Priority       int            `json:"priority"`
	TimeoutSec     int            `json:"timeout_sec"`
	MaxAttempts    int            `json:"max_attempts"`
	Attempts       int            `json:"attempts"`
	Input          map[string]any `json:"input"`
	Result         any            `json:"result"`
	Error          *JobError      `json:"error"`
	DependsOn      []string       `json:"depends_on"`
	IdempotencyKey *string        `json:"idempotency_key,omitempty"`
	Tags           []string       `json:"tags"`
	CallbackURL    *string        `json:"callback_url,omitempty"`
	RunAt          time.Time      `json:"run_at"`
	WorkerID       *string        `json:"worker_id,omitempty"`
	LeaseExpiresAt *time.Time     `json:"lease_expires_at,omitempty"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	FinishedAt     *time.Time     `json:"finished_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// JobRef identifies a job touched by a bulk transition.
type JobRef struct {
	ID     string `json:"id"`
	Queue  string `json:"queue"`
	Status string `json:"status"`
}

// JobEvent is a row of a job's lifecycle log.
type JobEvent struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
