package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"automation-backend/internal/models"
	"automation-backend/internal/store"
)

const scheduleColumns = `id, name, type, queue, input, tags, priority, timeout_sec, max_attempts, interval_sec, cron,
enabled, next_run_at, last_run_at, last_job_id, last_error, failure_count, created_at, updated_at`

func scanSchedule(row rowScanner) (models.Schedule, error) {
	var (
		sc                          models.Schedule
		cols                        store.ScheduleColumns
		timeout, attempts, interval pgtype.Int4
		cron, lastJob, lastErr      pgtype.Text
		lastRun                     pgtype.Timestamptz
	)
	if err := row.Scan(&sc.ID, &sc.Name, &sc.Type, &sc.Queue, &cols.Input, &cols.Tags, &sc.Priority, &timeout,
		&attempts, &interval, &cron, &sc.Enabled, &sc.NextRunAt, &lastRun, &lastJob, &lastErr, &sc.FailureCount,
		&sc.CreatedAt, &sc.UpdatedAt); err != nil {
		return models.Schedule{}, err
	}
	if err := store.DecodeSchedule(&sc, cols); err != nil {
		return models.Schedule{}, err
	}
	sc.TimeoutSec = intPtr(timeout)
	sc.MaxAttempts = intPtr(attempts)
	sc.IntervalSec = intPtr(interval)
	sc.Cron = textPtr(cron)
	sc.NextRunAt = sc.NextRunAt.UTC()
	sc.LastRunAt = timePtr(lastRun)
	sc.LastJobID = textPtr(lastJob)
	sc.LastError = textPtr(lastErr)
	sc.CreatedAt = sc.CreatedAt.UTC()
	sc.UpdatedAt = sc.UpdatedAt.UTC()
	return sc, nil
}

func (s *Store) CreateSchedule(ctx context.Context, sc models.Schedule) error {
	cols, err := store.EncodeSchedule(sc)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO schedules (id, name, type, queue, input, tags, priority, timeout_sec, max_attempts, interval_sec, cron,
		  enabled, next_run_at, last_run_at, last_job_id, last_error, failure_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`, sc.ID, sc.Name, sc.Type, sc.Queue, cols.Input, cols.Tags, sc.Priority, sc.TimeoutSec, sc.MaxAttempts,
		sc.IntervalSec, sc.Cron, sc.Enabled, sc.NextRunAt, sc.LastRunAt, sc.LastJobID, sc.LastError,
		sc.FailureCount, sc.CreatedAt, sc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

func (s *Store) GetSchedule(ctx context.Context, id string) (models.Schedule, error) {
	sc, err := scanSchedule(s.pool.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Schedule{}, fmt.Errorf("schedule %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return models.Schedule{}, fmt.Errorf("scan schedule: %w", err)
	}
	return sc, nil
}

func (s *Store) ListSchedules(ctx context.Context, f store.ScheduleFilter) ([]models.Schedule, error) {
	clause, args := queueFilter("queue", f.Queues, nil)
	query := `SELECT ` + scheduleColumns + ` FROM schedules WHERE TRUE` + clause
	if f.Enabled != nil {
		args = append(args, *f.Enabled)
		query += fmt.Sprintf(" AND enabled = $%d", len(args))
	}
	args = append(args, limitOrDefault(f.Limit))
	query += fmt.Sprintf(" ORDER BY created_at ASC, id ASC LIMIT $%d", len(args))
	return s.querySchedules(ctx, query, args...)
}

func (s *Store) querySchedules(ctx context.Context, query string, args ...any) ([]models.Schedule, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()
	out := []models.Schedule{}
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *Store) UpdateSchedule(ctx context.Context, sc models.Schedule) error {
	cols, err := store.EncodeSchedule(sc)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE schedules SET name = $2, type = $3, queue = $4, input = $5, tags = $6, priority = $7, timeout_sec = $8,
		  max_attempts = $9, interval_sec = $10, cron = $11, enabled = $12, next_run_at = $13, updated_at = $14
		WHERE id = $1
	`, sc.ID, sc.Name, sc.Type, sc.Queue, cols.Input, cols.Tags, sc.Priority, sc.TimeoutSec, sc.MaxAttempts,
		sc.IntervalSec, sc.Cron, sc.Enabled, sc.NextRunAt, sc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("schedule %s: %w", sc.ID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) DueSchedules(ctx context.Context, now time.Time, limit int) ([]models.Schedule, error) {
	return s.querySchedules(ctx, `SELECT `+scheduleColumns+` FROM schedules
		WHERE enabled AND next_run_at <= $1
		ORDER BY next_run_at ASC LIMIT $2`, now, limitOrDefault(limit))
}

// RecordScheduleRun advances the cadence only if no other tick got there first.
func (s *Store) RecordScheduleRun(ctx context.Context, r store.ScheduleRun) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE schedules SET next_run_at = $2, last_run_at = $3, last_job_id = COALESCE(NULLIF($4::text, ''), last_job_id),
		  last_error = NULL, updated_at = $3
		WHERE id = $1 AND next_run_at = $5
	`, r.ID, r.NextRunAt, r.FiredAt, r.JobID, r.ExpectedNextRun)
	if err != nil {
		return false, fmt.Errorf("record schedule run: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) RecordScheduleFailure(ctx context.Context, id, message string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE schedules SET last_error = $2, failure_count = failure_count + 1, updated_at = $3 WHERE id = $1
	`, id, message, now)
	if err != nil {
		return fmt.Errorf("record schedule failure: %w", err)
	}
	return nil
}
