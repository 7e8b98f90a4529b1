package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"automation-backend/internal/models"
	"automation-backend/internal/store"
)

const scheduleColumns = `id, name, type, queue, input, tags, priority, timeout_sec, max_attempts, interval_sec, cron,
enabled, next_run_at, last_run_at, last_job_id, last_error, failure_count, created_at, updated_at`

func scanSchedule(row rowScanner) (models.Schedule, error) {
	var (
		sc                            models.Schedule
		input, tags                   string
		timeout, attempts, interval   sql.NullInt64
		cron, lastJob, lastErr        sql.NullString
		enabled                       int
		nextRun, createdAt, updatedAt int64
		lastRun                       sql.NullInt64
	)
	if err := row.Scan(&sc.ID, &sc.Name, &sc.Type, &sc.Queue, &input, &tags, &sc.Priority, &timeout, &attempts,
		&interval, &cron, &enabled, &nextRun, &lastRun, &lastJob, &lastErr, &sc.FailureCount,
		&createdAt, &updatedAt); err != nil {
		return models.Schedule{}, err
	}
	if err := store.DecodeSchedule(&sc, store.ScheduleColumns{Input: []byte(input), Tags: []byte(tags)}); err != nil {
		return models.Schedule{}, err
	}
	sc.TimeoutSec = intPtr(timeout)
	sc.MaxAttempts = intPtr(attempts)
	sc.IntervalSec = intPtr(interval)
	sc.Cron = textPtr(cron)
	sc.Enabled = enabled != 0
	sc.NextRunAt = fromMillis(nextRun)
	sc.LastRunAt = timePtr(lastRun)
	sc.LastJobID = textPtr(lastJob)
	sc.LastError = textPtr(lastErr)
	sc.CreatedAt = fromMillis(createdAt)
	sc.UpdatedAt = fromMillis(updatedAt)
	return sc, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *Store) CreateSchedule(ctx context.Context, sc models.Schedule) error {
	cols, err := store.EncodeSchedule(sc)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO schedules (id, name, type, queue, input, tags, priority, timeout_sec, max_attempts, interval_sec, cron,
		  enabled, next_run_at, last_run_at, last_job_id, last_error, failure_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sc.ID, sc.Name, sc.Type, sc.Queue, string(cols.Input), string(cols.Tags), sc.Priority,
		nullInt(sc.TimeoutSec), nullInt(sc.MaxAttempts), nullInt(sc.IntervalSec), nullString(sc.Cron),
		boolInt(sc.Enabled), millis(sc.NextRunAt), nullMillis(sc.LastRunAt), nullString(sc.LastJobID),
		nullString(sc.LastError), sc.FailureCount, millis(sc.CreatedAt), millis(sc.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

func (s *Store) GetSchedule(ctx context.Context, id string) (models.Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	sc, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Schedule{}, fmt.Errorf("schedule %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return models.Schedule{}, fmt.Errorf("scan schedule: %w", err)
	}
	return sc, nil
}

func (s *Store) ListSchedules(ctx context.Context, f store.ScheduleFilter) ([]models.Schedule, error) {
	var args []any
	clause, args := inClause("queue", f.Queues, args)
	query := `SELECT ` + scheduleColumns + ` FROM schedules WHERE 1 = 1` + clause
	if f.Enabled != nil {
		query += " AND enabled = ?"
		args = append(args, boolInt(*f.Enabled))
	}
	query += " ORDER BY created_at ASC, id ASC LIMIT ?"
	args = append(args, limitOrDefault(f.Limit))
	return s.querySchedules(ctx, query, args...)
}

func (s *Store) querySchedules(ctx context.Context, query string, args ...any) ([]models.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
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

// UpdateSchedule overwrites the administrator-editable fields of a schedule.
func (s *Store) UpdateSchedule(ctx context.Context, sc models.Schedule) error {
	cols, err := store.EncodeSchedule(sc)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET name = ?, type = ?, queue = ?, input = ?, tags = ?, priority = ?, timeout_sec = ?,
		  max_attempts = ?, interval_sec = ?, cron = ?, enabled = ?, next_run_at = ?, updated_at = ?
		WHERE id = ?
	`, sc.Name, sc.Type, sc.Queue, string(cols.Input), string(cols.Tags), sc.Priority, nullInt(sc.TimeoutSec),
		nullInt(sc.MaxAttempts), nullInt(sc.IntervalSec), nullString(sc.Cron), boolInt(sc.Enabled),
		millis(sc.NextRunAt), millis(sc.UpdatedAt), sc.ID)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("schedule %s: %w", sc.ID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) DueSchedules(ctx context.Context, now time.Time, limit int) ([]models.Schedule, error) {
	return s.querySchedules(ctx, `SELECT `+scheduleColumns+` FROM schedules
		WHERE enabled = 1 AND next_run_at <= ?
		ORDER BY next_run_at ASC LIMIT ?`, millis(now), limitOrDefault(limit))
}

func (s *Store) RecordScheduleRun(ctx context.Context, r store.ScheduleRun) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET next_run_at = ?, last_run_at = ?, last_job_id = COALESCE(NULLIF(?, ''), last_job_id),
		  last_error = NULL, updated_at = ?
		WHERE id = ? AND next_run_at = ?
	`, millis(r.NextRunAt), millis(r.FiredAt), r.JobID, millis(r.FiredAt), r.ID, millis(r.ExpectedNextRun))
	if err != nil {
		return false, fmt.Errorf("record schedule run: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) RecordScheduleFailure(ctx context.Context, id, message string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET last_error = ?, failure_count = failure_count + 1, updated_at = ? WHERE id = ?
	`, message, millis(now), id)
	if err != nil {
		return fmt.Errorf("record schedule failure: %w", err)
	}
	return nil
}
