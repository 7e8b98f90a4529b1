package store

import (
	"encoding/json"
	"fmt"

	"automation-backend/internal/models"
)

// Shared column encoding for the SQL backends.

// MarshalJSON encodes v, mapping nil to SQL NULL.
func MarshalJSON(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(raw) == "null" {
		return nil, nil
	}
	return raw, nil
}

// JobColumns are the encoded JSON columns of a job row.
type JobColumns struct {
	Input     []byte
	Result    []byte
	Error     []byte
	DependsOn []byte
	Tags      []byte
}

// EncodeJob marshals the JSON-valued fields of job.
func EncodeJob(job models.Job) (JobColumns, error) {
	var c JobColumns
	var err error
	input := job.Input
	if input == nil {
		input = map[string]any{}
	}
	if c.Input, err = json.Marshal(input); err != nil {
		return c, fmt.Errorf("marshal input: %w", err)
	}
	if c.Result, err = MarshalJSON(job.Result); err != nil {
		return c, fmt.Errorf("marshal result: %w", err)
	}
	if job.Error != nil {
		if c.Error, err = json.Marshal(job.Error); err != nil {
			return c, fmt.Errorf("marshal error: %w", err)
		}
	}
	deps := job.DependsOn
	if deps == nil {
		deps = []string{}
	}
	if c.DependsOn, err = json.Marshal(deps); err != nil {
		return c, fmt.Errorf("marshal depends_on: %w", err)
	}
	tags := job.Tags
	if tags == nil {
		tags = []string{}
	}
	if c.Tags, err = json.Marshal(tags); err != nil {
		return c, fmt.Errorf("marshal tags: %w", err)
	}
	return c, nil
}

// DecodeJob fills the JSON-valued fields of job from raw columns.
func DecodeJob(job *models.Job, c JobColumns) error {
	if len(c.Input) > 0 {
		if err := json.Unmarshal(c.Input, &job.Input); err != nil {
			return fmt.Errorf("unmarshal input: %w", err)
		}
	}
	if job.Input == nil {
		job.Input = map[string]any{}
	}
	if len(c.Result) > 0 {
		if err := json.Unmarshal(c.Result, &job.Result); err != nil {
			return fmt.Errorf("unmarshal result: %w", err)
		}
	}
	if len(c.Error) > 0 {
		job.Error = &models.JobError{}
		if err := json.Unmarshal(c.Error, job.Error); err != nil {
			return fmt.Errorf("unmarshal error: %w", err)
		}
	}
	job.DependsOn = []string{}
	if len(c.DependsOn) > 0 {
		if err := json.Unmarshal(c.DependsOn, &job.DependsOn); err != nil {
			return fmt.Errorf("unmarshal depends_on: %w", err)
		}
	}
	job.Tags = []string{}
	if len(c.Tags) > 0 {
		if err := json.Unmarshal(c.Tags, &job.Tags); err != nil {
			return fmt.Errorf("unmarshal tags: %w", err)
		}
	}
	return nil
}

// ScheduleColumns are the encoded JSON columns of a schedule row.
type ScheduleColumns struct {
	Input []byte
	Tags  []byte
}

func EncodeSchedule(s models.Schedule) (ScheduleColumns, error) {
	var c ScheduleColumns
	var err error
	input := s.Input
	if input == nil {
		input = map[string]any{}
	}
	if c.Input, err = json.Marshal(input); err != nil {
		return c, fmt.Errorf("marshal input: %w", err)
	}
	tags := s.Tags
	if tags == nil {
		tags = []string{}
	}
	if c.Tags, err = json.Marshal(tags); err != nil {
		return c, fmt.Errorf("marshal tags: %w", err)
	}
	return c, nil
}

func DecodeSchedule(s *models.Schedule, c ScheduleColumns) error {
	if len(c.Input) > 0 {
		if err := json.Unmarshal(c.Input, &s.Input); err != nil {
			return fmt.Errorf("unmarshal input: %w", err)
		}
	}
	if s.Input == nil {
		s.Input = map[string]any{}
	}
	s.Tags = []string{}
	if len(c.Tags) > 0 {
		if err := json.Unmarshal(c.Tags, &s.Tags); err != nil {
			return fmt.Errorf("unmarshal tags: %w", err)
		}
	}
	return nil
}

// DependencyError is recorded on a job whose dependency did not succeed.
func DependencyError(dependencyID, dependencyStatus string) models.JobError {
	return models.JobError{
		Code:    models.CodeDependencyFailed,
		Message: fmt.Sprintf("dependency %s finished as %s", dependencyID, dependencyStatus),
		Details: map[string]any{
			"dependency_id":     dependencyID,
			"dependency_status": dependencyStatus,
		},
	}
}

// LeaseExpiredError is recorded when a worker stopped heartbeating a running job.
func LeaseExpiredError(workerID string) models.JobError {
	details := map[string]any{}
	if workerID != "" {
		details["worker_id"] = workerID
	}
	return models.JobError{
		Code:    models.CodeExecutionFailed,
		Message: "lease expired before the attempt finished",
		Details: details,
	}
}
