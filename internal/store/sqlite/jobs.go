package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"automation-backend/internal/models"
	"automation-backend/internal/store"
)

const jobColumns = `id, type, queue, status, priority, timeout_sec, max_attempts, attempts, input, result, error,
depends_on, idempotency_key, tags, callback_url, run_at, worker_id, lease_expires_at, started_at, finished_at,
created_at, updated_at`

// failAttemptSet re-queues a running job or fails it once attempts are exhausted.
// SQLite evaluates every SET expression against the old row.
const failAttemptSet = `
  status = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'queued' END,
  error = CASE WHEN attempts >= max_attempts THEN ? ELSE NULL END,
  result = NULL,
  run_at = CASE WHEN attempts >= max_attempts THEN run_at ELSE ? END,
  finished_at = CASE WHEN attempts >= max_attempts THEN ? ELSE NULL END,
  worker_id = NULL,
  lease_expires_at = NULL,
  updated_at = ?`

func scanJob(row rowScanner) (models.Job, error) {
	var (
		job                              models.Job
		input, depends, tags             string
		result, jobErr, idem, cb, worker sql.NullString
		runAt, createdAt, updatedAt      int64
		lease, started, finished         sql.NullInt64
	)
	if err := row.Scan(&job.ID, &job.Type, &job.Queue, &job.Status, &job.Priority, &job.TimeoutSec,
		&job.MaxAttempts, &job.Attempts, &input, &result, &jobErr, &depends, &idem, &tags, &cb,
		&runAt, &worker, &lease, &started, &finished, &createdAt, &updatedAt); err != nil {
		return models.Job{}, err
	}
	cols := store.JobColumns{
		Input:     []byte(input),
		Result:    bytesOf(result),
		Error:     bytesOf(jobErr),
		DependsOn: []byte(depends),
		Tags:      []byte(tags),
	}
	if err := store.DecodeJob(&job, cols); err != nil {
		return models.Job{}, err
	}
	job.IdempotencyKey = textPtr(idem)
	job.CallbackURL = textPtr(cb)
	job.WorkerID = textPtr(worker)
	job.RunAt = fromMillis(runAt)
	job.LeaseExpiresAt = timePtr(lease)
	job.StartedAt = timePtr(started)
	job.FinishedAt = timePtr(finished)
	job.CreatedAt = fromMillis(createdAt)
	job.UpdatedAt = fromMillis(updatedAt)
	return job, nil
}

// CreateJobs inserts a batch of jobs, honoring the idempotency key if provided.
// The key row is written first inside the transaction so a concurrent request
// with the same key observes it instead of creating jobs of its own.
func (s *Store) CreateJobs(ctx context.Context, p store.CreateJobsParams) (store.CreateJobsResult, error) {
	now := time.Now().UTC()
	if p.IdempotencyKey != "" {
		if res, found, err := s.replay(ctx, p.IdempotencyKey, now); err != nil {
			return store.CreateJobsResult{}, err
		} else if found {
			return res, nil
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.CreateJobsResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if p.IdempotencyKey != "" {
		ids := make([]string, len(p.Jobs))
		for i, j := range p.Jobs {
			ids[i] = j.ID
		}
		idsJSON, err := json.Marshal(ids)
		if err != nil {
			return store.CreateJobsResult{}, fmt.Errorf("marshal job ids: %w", err)
		}
		var expires any
		if p.IdempotencyTTL > 0 {
			expires = millis(now.Add(p.IdempotencyTTL))
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO idempotency_keys (key, fingerprint, job_ids, created_at, expires_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (key) DO UPDATE SET
			  fingerprint = excluded.fingerprint,
			  job_ids = excluded.job_ids,
			  created_at = excluded.created_at,
			  expires_at = excluded.expires_at
			WHERE idempotency_keys.expires_at IS NOT NULL AND idempotency_keys.expires_at <= ?
		`, p.IdempotencyKey, p.Fingerprint, string(idsJSON), millis(now), expires, millis(now))
		if err != nil {
			return store.CreateJobsResult{}, fmt.Errorf("insert idempotency key: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			if err := tx.Rollback(); err != nil {
				return store.CreateJobsResult{}, fmt.Errorf("rollback after idempotency conflict: %w", err)
			}
			replayed, found, err := s.replay(ctx, p.IdempotencyKey, now)
			if err != nil {
				return store.CreateJobsResult{}, err
			}
			if !found {
				return store.CreateJobsResult{}, errors.New("idempotency conflict but no existing record found")
			}
			return replayed, nil
		}
	}

	for _, job := range p.Jobs {
		if err := insertJob(ctx, tx, job); err != nil {
			return store.CreateJobsResult{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return store.CreateJobsResult{}, fmt.Errorf("commit: %w", err)
	}
	return store.CreateJobsResult{Jobs: p.Jobs, Fingerprint: p.Fingerprint}, nil
}

func insertJob(ctx context.Context, tx *sql.Tx, job models.Job) error {
	cols, err := store.EncodeJob(job)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (id, type, queue, status, priority, timeout_sec, max_attempts, attempts, input, result, error,
		  depends_on, idempotency_key, tags, callback_url, run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, job.ID, job.Type, job.Queue, job.Status, job.Priority, job.TimeoutSec, job.MaxAttempts, job.Attempts,
		string(cols.Input), nullText(cols.Result), nullText(cols.Error), string(cols.DependsOn),
		nullString(job.IdempotencyKey), string(cols.Tags), nullString(job.CallbackURL),
		millis(job.RunAt), millis(job.CreatedAt), millis(job.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	for i, dep := range job.DependsOn {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO job_dependencies (job_id, depends_on, position) VALUES (?, ?, ?)
		`, job.ID, dep, i); err != nil {
			return fmt.Errorf("insert dependency: %w", err)
		}
	}
	return nil
}

func (s *Store) LookupIdempotency(ctx context.Context, key string) (store.CreateJobsResult, bool, error) {
	return s.replay(ctx, key, time.Now().UTC())
}

func (s *Store) replay(ctx context.Context, key string, now time.Time) (store.CreateJobsResult, bool, error) {
	var fingerprint, idsJSON string
	err := s.db.QueryRowContext(ctx, `
		SELECT fingerprint, job_ids FROM idempotency_keys
		WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)
	`, key, millis(now)).Scan(&fingerprint, &idsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return store.CreateJobsResult{}, false, nil
	}
	if err != nil {
		return store.CreateJobsResult{}, false, fmt.Errorf("query idempotency key: %w", err)
	}
	var ids []string
	if err := json.Unmarshal([]byte(idsJSON), &ids); err != nil {
		return store.CreateJobsResult{}, false, fmt.Errorf("unmarshal job ids: %w", err)
	}
	jobs := make([]models.Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.GetJob(ctx, id)
		if err != nil {
			return store.CreateJobsResult{}, false, err
		}
		jobs = append(jobs, job)
	}
	return store.CreateJobsResult{Jobs: jobs, Replayed: true, Fingerprint: fingerprint}, true, nil
}

func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

func (s *Store) ListJobs(ctx context.Context, f store.JobFilter) ([]models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1 = 1`
	var args []any
	var clause string
	clause, args = inClause("queue", f.Queues, args)
	query += clause
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, f.Status)
	}
	if f.Type != "" {
		query += " AND type = ?"
		args = append(args, f.Type)
	}
	query += " ORDER BY created_at DESC, seq DESC LIMIT ? OFFSET ?"
	args = append(args, limitOrDefault(f.Limit), max(f.Offset, 0))
	return s.queryJobs(ctx, query, args...)
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...any) ([]models.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()
	out := []models.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *Store) LatestJobID(ctx context.Context, queue string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM jobs WHERE queue = ? ORDER BY created_at DESC, seq DESC LIMIT 1
	`, queue).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("latest job in %s: %w", queue, store.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("query latest job: %w", err)
	}
	return id, nil
}

// ClaimNext is a single UPDATE guarded by status = 'queued'; the subquery only
// picks jobs whose dependencies have all succeeded.
func (s *Store) ClaimNext(ctx context.Context, p store.ClaimParams) (models.Job, bool, error) {
	now := millis(p.Now)
	args := []any{p.WorkerID, now, millis(p.Now.Add(p.Lease)), now, now}
	var clause string
	clause, args = inClause("j.queue", p.Queues, args)
	row := s.db.QueryRowContext(ctx, `
		UPDATE jobs SET status = 'running', attempts = attempts + 1, worker_id = ?, started_at = ?,
		  lease_expires_at = ?, updated_at = ?
		WHERE id = (
		  SELECT j.id FROM jobs j
		  WHERE j.status = 'queued' AND j.run_at <= ? AND j.attempts < j.max_attempts`+clause+`
		    AND NOT EXISTS (
		      SELECT 1 FROM job_dependencies d LEFT JOIN jobs p ON p.id = d.depends_on
		      WHERE d.job_id = j.id AND (p.status IS NULL OR p.status <> 'succeeded'))
		  ORDER BY j.priority DESC, j.created_at ASC, j.seq ASC
		  LIMIT 1)
		AND status = 'queued'
		RETURNING `+jobColumns, args...)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("claim job: %w", err)
	}
	return job, true, nil
}

func (s *Store) Heartbeat(ctx context.Context, id string, leaseUntil, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET lease_expires_at = ?, updated_at = ? WHERE id = ? AND status = 'running'
	`, millis(leaseUntil), millis(now), id)
	if err != nil {
		return false, fmt.Errorf("heartbeat: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) CompleteJob(ctx context.Context, id string, result any, now time.Time) (bool, error) {
	raw, err := store.MarshalJSON(result)
	if err != nil {
		return false, fmt.Errorf("marshal result: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'succeeded', result = ?, error = NULL, worker_id = NULL, lease_expires_at = NULL,
		  finished_at = ?, updated_at = ?
		WHERE id = ? AND status = 'running'
	`, nullText(raw), millis(now), millis(now), id)
	if err != nil {
		return false, fmt.Errorf("complete job: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) FailAttempt(ctx context.Context, p store.FailAttemptParams) (string, bool, error) {
	raw, err := json.Marshal(p.Error)
	if err != nil {
		return "", false, fmt.Errorf("marshal error: %w", err)
	}
	var status string
	err = s.db.QueryRowContext(ctx, `UPDATE jobs SET`+failAttemptSet+`
		WHERE id = ? AND status = 'running'
		RETURNING status
	`, string(raw), millis(p.RetryAt), millis(p.Now), millis(p.Now), p.ID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("fail attempt: %w", err)
	}
	return status, true, nil
}

func (s *Store) CancelJob(ctx context.Context, id string, now time.Time) (models.Job, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE jobs SET status = 'cancelled', worker_id = NULL, lease_expires_at = NULL, finished_at = ?, updated_at = ?
		WHERE id = ? AND status IN ('queued', 'running')
		RETURNING `+jobColumns, millis(now), millis(now), id)
	job, err := scanJob(row)
	if err == nil {
		return job, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, false, fmt.Errorf("cancel job: %w", err)
	}
	current, err := s.GetJob(ctx, id)
	if err != nil {
		return models.Job{}, false, err
	}
	return current, false, nil
}

type blockedJob struct {
	id, dependency, depStatus string
}

func (s *Store) FailBlocked(ctx context.Context, now time.Time) ([]models.JobRef, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	rows, err := tx.QueryContext(ctx, `
		SELECT d.job_id, d.depends_on, p.status
		FROM job_dependencies d
		JOIN jobs j ON j.id = d.job_id
		JOIN jobs p ON p.id = d.depends_on
		WHERE j.status = 'queued' AND p.status IN ('failed', 'cancelled')
		ORDER BY d.job_id, d.position
	`)
	if err != nil {
		return nil, fmt.Errorf("query blocked jobs: %w", err)
	}
	var blocked []blockedJob
	seen := map[string]bool{}
	for rows.Next() {
		var b blockedJob
		if err := rows.Scan(&b.id, &b.dependency, &b.depStatus); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan blocked job: %w", err)
		}
		if seen[b.id] {
			continue
		}
		seen[b.id] = true
		blocked = append(blocked, b)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	refs := []models.JobRef{}
	for _, b := range blocked {
		raw, err := json.Marshal(store.DependencyError(b.dependency, b.depStatus))
		if err != nil {
			return nil, fmt.Errorf("marshal error: %w", err)
		}
		var queue string
		err = tx.QueryRowContext(ctx, `
			UPDATE jobs SET status = 'failed', error = ?, result = NULL, finished_at = ?, updated_at = ?
			WHERE id = ? AND status = 'queued'
			RETURNING queue
		`, string(raw), millis(now), millis(now), b.id).Scan(&queue)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("fail blocked job: %w", err)
		}
		refs = append(refs, models.JobRef{ID: b.id, Queue: queue, Status: models.StatusFailed})
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return refs, nil
}

func (s *Store) ExpireLeases(ctx context.Context, now, retryAt time.Time) ([]models.JobRef, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, worker_id FROM jobs WHERE status = 'running' AND lease_expires_at IS NOT NULL AND lease_expires_at < ?
	`, millis(now))
	if err != nil {
		return nil, fmt.Errorf("query expired leases: %w", err)
	}
	type expired struct {
		id     string
		worker sql.NullString
	}
	var found []expired
	for rows.Next() {
		var e expired
		if err := rows.Scan(&e.id, &e.worker); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan expired lease: %w", err)
		}
		found = append(found, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	refs := []models.JobRef{}
	for _, e := range found {
		raw, err := json.Marshal(store.LeaseExpiredError(e.worker.String))
		if err != nil {
			return nil, fmt.Errorf("marshal error: %w", err)
		}
		var status, queue string
		err = s.db.QueryRowContext(ctx, `UPDATE jobs SET`+failAttemptSet+`
			WHERE id = ? AND status = 'running' AND lease_expires_at < ?
			RETURNING status, queue
		`, string(raw), millis(retryAt), millis(now), millis(now), e.id, millis(now)).Scan(&status, &queue)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("expire lease: %w", err)
		}
		refs = append(refs, models.JobRef{ID: e.id, Queue: queue, Status: status})
	}
	return refs, nil
}

func (s *Store) Dependents(ctx context.Context, id string) ([]models.JobRef, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT j.id, j.queue, j.status FROM job_dependencies d JOIN jobs j ON j.id = d.job_id
		WHERE d.depends_on = ?
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query dependents: %w", err)
	}
	defer rows.Close()
	refs := []models.JobRef{}
	for rows.Next() {
		var r models.JobRef
		if err := rows.Scan(&r.ID, &r.Queue, &r.Status); err != nil {
			return nil, fmt.Errorf("scan dependent: %w", err)
		}
		refs = append(refs, r)
	}
	return refs, rows.Err()
}

func (s *Store) AppendEvent(ctx context.Context, jobID, event, detail string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_events (job_id, event, detail, ts) VALUES (?, ?, ?, ?)
	`, jobID, event, detail, millis(time.Now()))
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, jobID string, limit int) ([]models.JobEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, event, detail, ts FROM job_events WHERE job_id = ? ORDER BY id ASC LIMIT ?
	`, jobID, limitOrDefault(limit))
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	out := []models.JobEvent{}
	for rows.Next() {
		var e models.JobEvent
		var ts int64
		if err := rows.Scan(&e.JobID, &e.Event, &e.Detail, &ts); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Recorded = fromMillis(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) StatusCounts(ctx context.Context, queues []string) (map[string]int64, error) {
	counts := make(map[string]int64, len(models.Statuses))
	for _, st := range models.Statuses {
		counts[st] = 0
	}
	var args []any
	clause, args := inClause("queue", queues, args)
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs WHERE 1 = 1`+clause+` GROUP BY status`, args...)
	if err != nil {
		return nil, fmt.Errorf("count statuses: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (s *Store) OldestQueued(ctx context.Context, queues []string, since, now time.Time) (models.Job, bool, error) {
	args := []any{millis(since), millis(now)}
	clause, args := inClause("j.queue", queues, args)
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs j
		WHERE j.status = 'queued' AND j.created_at >= ? AND j.run_at <= ? AND j.attempts < j.max_attempts`+clause+`
		  AND NOT EXISTS (
		    SELECT 1 FROM job_dependencies d LEFT JOIN jobs p ON p.id = d.depends_on
		    WHERE d.job_id = j.id AND (p.status IS NULL OR p.status <> 'succeeded'))
		ORDER BY MAX(j.created_at, j.run_at) ASC, j.seq ASC LIMIT 1`, args...)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("oldest queued: %w", err)
	}
	return job, true, nil
}

func (s *Store) CompletedSince(ctx context.Context, queues []string, since time.Time) (store.CompletedCounts, error) {
	args := []any{millis(since)}
	clause, args := inClause("queue", queues, args)
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs
		WHERE finished_at IS NOT NULL AND finished_at >= ? AND status IN ('succeeded', 'failed', 'cancelled')`+clause+`
		GROUP BY status`, args...)
	if err != nil {
		return store.CompletedCounts{}, fmt.Errorf("count completed: %w", err)
	}
	defer rows.Close()
	var out store.CompletedCounts
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return store.CompletedCounts{}, fmt.Errorf("scan completed count: %w", err)
		}
		switch status {
		case models.StatusSucceeded:
			out.Succeeded = n
		case models.StatusFailed:
			out.Failed = n
		case models.StatusCancelled:
			out.Cancelled = n
		}
	}
	return out, rows.Err()
}

func limitOrDefault(limit int) int {
	switch {
	case limit <= 0:
		return 50
	case limit > 500:
		return 500
	}
	return limit
}
