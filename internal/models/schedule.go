package models

import "time"

// Interval cadence bounds in seconds.
const (
	MinIntervalSec = 5
	MaxIntervalSec = 86400
)

// Schedule is a template that periodically produces jobs.
// Exactly one of IntervalSec and Cron is set.
type Schedule struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Type         string         `json:"type"`
	Queue        string         `json:"queue"`
	Input        map[string]any `json:"input"`
	Tags         []string       `json:"tags"`
	Priority     int            `json:"priority"`
	TimeoutSec   *int           `json:"timeout_sec"`
	MaxAttempts  *int           `json:"max_attempts"`
	IntervalSec  *int           `json:"interval_sec"`
	Cron         *string        `json:"cron"`
	Enabled      bool           `json:"enabled"`
	NextRunAt    time.Time      `json:"next_run_at"`
	LastRunAt    *time.Time     `json:"last_run_at,omitempty"`
	LastJobID    *string        `json:"last_job_id,omitempty"`
	LastError    *string        `json:"last_error,omitempty"`
	FailureCount int            `json:"failure_count"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// SetInterval switches the cadence to a fixed interval and clears any cron.
func (s *Schedule) SetInterval(sec int) {
	s.IntervalSec = &sec
	s.Cron = nil
}

// SetCron switches the cadence to a cron expression and clears any interval.
func (s *Schedule) SetCron(expr string) {
	s.Cron = &expr
	s.IntervalSec = nil
}
