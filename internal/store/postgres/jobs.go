package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"automation-backend/internal/models"
	"automation-backend/internal/store"
)

const jobColumns = `id, type, queue, status, priority, timeout_sec, max_attempts, attempts, input, result, error,
depends_on, idempotency_key, tags, callback_url, run_at, worker_id, lease_expires_at, started_at, finished_at,
created_at, updated_at`

// failAttemptSet re-queues a running job or fails it once attempts are exhausted.
// Postgres evaluates every SET expression against the old row.
// Parameters: $1 error, $2 retry at, $3 now.
const failAttemptSet = `
  status = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'queued' END,
  error = CASE WHEN attempts >= max_attempts THEN $1::jsonb ELSE NULL END,
  result = NULL,
  run_at = CASE WHEN attempts >= max_attempts THEN run_at ELSE $2::timestamptz END,
  finished_at = CASE WHEN attempts >= max_attempts THEN $3::timestamptz ELSE NULL END,
  worker_id = NULL,
  lease_expires_at = NULL,
  updated_at = $3`

func scanJob(row rowScanner) (models.Job, error) {
	var (
		job                      models.Job
		cols                     store.JobColumns
		idem, cb, worker         pgtype.Text
		lease, started, finished pgtype.Timestamptz
	)
	if err := row.Scan(&job.ID, &job.Type, &job.Queue, &job.Status, &job.Priority, &job.TimeoutSec,
		&job.MaxAttempts, &job.Attempts, &cols.Input, &cols.Result, &cols.Error, &cols.DependsOn, &idem,
		&cols.Tags, &cb, &job.RunAt, &worker, &lease, &started, &finished, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return models.Job{}, err
	}
	if err := store.DecodeJob(&job, cols); err != nil {
		return models.Job{}, err
	}
	job.IdempotencyKey = textPtr(idem)
	job.CallbackURL = textPtr(cb)
	job.WorkerID = textPtr(worker)
	job.RunAt = job.RunAt.UTC()
	job.LeaseExpiresAt = timePtr(lease)
	job.StartedAt = timePtr(started)
	job.FinishedAt = timePtr(finished)
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return job, nil
}

// CreateJobs inserts a batch of jobs, honoring the idempotency key if provided.
func (s *Store) CreateJobs(ctx context.Context, p store.CreateJobsParams) (store.CreateJobsResult, error) {
	now := time.Now().UTC()
	// If an idempotency key already exists, short-circuit before creating anything.
	if p.IdempotencyKey != "" {
		if res, found, err := s.replay(ctx, p.IdempotencyKey); err != nil {
			return store.CreateJobsResult{}, err
		} else if found {
			return res, nil
		}
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return store.CreateJobsResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if p.IdempotencyKey != "" {
		ids := make([]string, len(p.Jobs))
		for i, j := range p.Jobs {
			ids[i] = j.ID
		}
		var expires *time.Time
		if p.IdempotencyTTL > 0 {
			t := now.Add(p.IdempotencyTTL)
			expires = &t
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO idempotency_keys (key, fingerprint, job_ids, created_at, expires_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (key) DO UPDATE SET
			  fingerprint = EXCLUDED.fingerprint,
			  job_ids = EXCLUDED.job_ids,
			  created_at = EXCLUDED.created_at,
			  expires_at = EXCLUDED.expires_at
			WHERE idempotency_keys.expires_at IS NOT NULL AND idempotency_keys.expires_at <= $4
		`, p.IdempotencyKey, p.Fingerprint, ids, now, expires)
		if err != nil {
			return store.CreateJobsResult{}, fmt.Errorf("insert idempotency key: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// Someone else holds the key; return what they created.
			if err := tx.Rollback(ctx); err != nil {
				return store.CreateJobsResult{}, fmt.Errorf("rollback after idempotency conflict: %w", err)
			}
			existing, found, err := s.replay(ctx, p.IdempotencyKey)
			if err != nil {
				return store.CreateJobsResult{}, err
			}
			if !found {
				return store.CreateJobsResult{}, errors.New("idempotency conflict but no existing record found")
			}
			return existing, nil
		}
	}

	for _, job := range p.Jobs {
		if err := insertJob(ctx, tx, job); err != nil {
			return store.CreateJobsResult{}, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return store.CreateJobsResult{}, fmt.Errorf("commit: %w", err)
	}
	return store.CreateJobsResult{Jobs: p.Jobs, Fingerprint: p.Fingerprint}, nil
}

func insertJob(ctx context.Context, tx pgx.Tx, job models.Job) error {
	cols, err := store.EncodeJob(job)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (id, type, queue, status, priority, timeout_sec, max_attempts, attempts, input, result, error,
		  depends_on, idempotency_key, tags, callback_url, run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`, job.ID, job.Type, job.Queue, job.Status, job.Priority, job.TimeoutSec, job.MaxAttempts, job.Attempts,
		cols.Input, cols.Result, cols.Error, cols.DependsOn, job.IdempotencyKey, cols.Tags, job.CallbackURL,
		job.RunAt, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	for i, dep := range job.DependsOn {
		if _, err := tx.Exec(ctx, `
			INSERT INTO job_dependencies (job_id, depends_on, position) VALUES ($1, $2, $3)
		`, job.ID, dep, i); err != nil {
			return fmt.Errorf("insert dependency: %w", err)
		}
	}
	return nil
}

func (s *Store) LookupIdempotency(ctx context.Context, key string) (store.CreateJobsResult, bool, error) {
	return s.replay(ctx, key)
}

// replay returns the jobs bound to an unexpired idempotency key.
func (s *Store) replay(ctx context.Context, key string) (store.CreateJobsResult, bool, error) {
	var fingerprint string
	var ids []string
	err := s.pool.QueryRow(ctx, `
		SELECT fingerprint, job_ids FROM idempotency_keys WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())
	`, key).Scan(&fingerprint, &ids)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.CreateJobsResult{}, false, nil
	}
	if err != nil {
		return store.CreateJobsResult{}, false, fmt.Errorf("query idempotency key: %w", err)
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

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

func (s *Store) ListJobs(ctx context.Context, f store.JobFilter) ([]models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE TRUE`
	var args []any
	var clause string
	clause, args = queueFilter("queue", f.Queues, args)
	query += clause
	if f.Status != "" {
		args = append(args, f.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.Type != "" {
		args = append(args, f.Type)
		query += fmt.Sprintf(" AND type = $%d", len(args))
	}
	args = append(args, limitOrDefault(f.Limit), max(f.Offset, 0))
	query += fmt.Sprintf(" ORDER BY created_at DESC, seq DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	return s.queryJobs(ctx, query, args...)
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...any) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, query, args...)
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
	err := s.pool.QueryRow(ctx, `
		SELECT id FROM jobs WHERE queue = $1 ORDER BY created_at DESC, seq DESC LIMIT 1
	`, queue).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("latest job in %s: %w", queue, store.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("query latest job: %w", err)
	}
	return id, nil
}

// ClaimNext locks the best eligible row with SKIP LOCKED and flips it to
// running in the same statement.
func (s *Store) ClaimNext(ctx context.Context, p store.ClaimParams) (models.Job, bool, error) {
	args := []any{p.WorkerID, p.Now, p.Now.Add(p.Lease)}
	var clause string
	clause, args = queueFilter("j.queue", p.Queues, args)
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs SET status = 'running', attempts = attempts + 1, worker_id = $1, started_at = $2,
		  lease_expires_at = $3, updated_at = $2
		WHERE id = (
		  SELECT j.id FROM jobs j
		  WHERE j.status = 'queued' AND j.run_at <= $2 AND j.attempts < j.max_attempts`+clause+`
		    AND NOT EXISTS (
		      SELECT 1 FROM job_dependencies d LEFT JOIN jobs dep ON dep.id = d.depends_on
		      WHERE d.job_id = j.id AND (dep.status IS NULL OR dep.status <> 'succeeded'))
		  ORDER BY j.priority DESC, j.created_at ASC, j.seq ASC
		  LIMIT 1
		  FOR UPDATE OF j SKIP LOCKED)
		AND status = 'queued'
		RETURNING `+jobColumns, args...)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("claim job: %w", err)
	}
	return job, true, nil
}

func (s *Store) Heartbeat(ctx context.Context, id string, leaseUntil, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET lease_expires_at = $2, updated_at = $3 WHERE id = $1 AND status = 'running'
	`, id, leaseUntil, now)
	if err != nil {
		return false, fmt.Errorf("heartbeat: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) CompleteJob(ctx context.Context, id string, result any, now time.Time) (bool, error) {
	raw, err := store.MarshalJSON(result)
	if err != nil {
		return false, fmt.Errorf("marshal result: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = 'succeeded', result = $2, error = NULL, worker_id = NULL, lease_expires_at = NULL,
		  finished_at = $3, updated_at = $3
		WHERE id = $1 AND status = 'running'
	`, id, raw, now)
	if err != nil {
		return false, fmt.Errorf("complete job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) FailAttempt(ctx context.Context, p store.FailAttemptParams) (string, bool, error) {
	raw, err := json.Marshal(p.Error)
	if err != nil {
		return "", false, fmt.Errorf("marshal error: %w", err)
	}
	var status string
	err = s.pool.QueryRow(ctx, `UPDATE jobs SET`+failAttemptSet+`
		WHERE id = $4 AND status = 'running'
		RETURNING status
	`, raw, p.RetryAt, p.Now, p.ID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("fail attempt: %w", err)
	}
	return status, true, nil
}

func (s *Store) CancelJob(ctx context.Context, id string, now time.Time) (models.Job, bool, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `
		UPDATE jobs SET status = 'cancelled', worker_id = NULL, lease_expires_at = NULL, finished_at = $2, updated_at = $2
		WHERE id = $1 AND status IN ('queued', 'running')
		RETURNING `+jobColumns, id, now))
	if err == nil {
		return job, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
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
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	rows, err := tx.Query(ctx, `
		SELECT DISTINCT ON (d.job_id) d.job_id, d.depends_on, dep.status
		FROM job_dependencies d
		JOIN jobs j ON j.id = d.job_id
		JOIN jobs dep ON dep.id = d.depends_on
		WHERE j.status = 'queued' AND dep.status IN ('failed', 'cancelled')
		ORDER BY d.job_id, d.position
	`)
	if err != nil {
		return nil, fmt.Errorf("query blocked jobs: %w", err)
	}
	blocked, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (blockedJob, error) {
		var b blockedJob
		err := row.Scan(&b.id, &b.dependency, &b.depStatus)
		return b, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan blocked jobs: %w", err)
	}

	refs := []models.JobRef{}
	for _, b := range blocked {
		raw, err := json.Marshal(store.DependencyError(b.dependency, b.depStatus))
		if err != nil {
			return nil, fmt.Errorf("marshal error: %w", err)
		}
		var queue string
		err = tx.QueryRow(ctx, `
			UPDATE jobs SET status = 'failed', error = $2, result = NULL, finished_at = $3, updated_at = $3
			WHERE id = $1 AND status = 'queued'
			RETURNING queue
		`, b.id, raw, now).Scan(&queue)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("fail blocked job: %w", err)
		}
		refs = append(refs, models.JobRef{ID: b.id, Queue: queue, Status: models.StatusFailed})
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return refs, nil
}

func (s *Store) ExpireLeases(ctx context.Context, now, retryAt time.Time) ([]models.JobRef, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, worker_id FROM jobs WHERE status = 'running' AND lease_expires_at < $1
	`, now)
	if err != nil {
		return nil, fmt.Errorf("query expired leases: %w", err)
	}
	type expired struct {
		id     string
		worker pgtype.Text
	}
	found, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (expired, error) {
		var e expired
		err := row.Scan(&e.id, &e.worker)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan expired leases: %w", err)
	}

	refs := []models.JobRef{}
	for _, e := range found {
		raw, err := json.Marshal(store.LeaseExpiredError(e.worker.String))
		if err != nil {
			return nil, fmt.Errorf("marshal error: %w", err)
		}
		var status, queue string
		err = s.pool.QueryRow(ctx, `UPDATE jobs SET`+failAttemptSet+`
			WHERE id = $4 AND status = 'running' AND lease_expires_at < $3
			RETURNING status, queue
		`, raw, retryAt, now, e.id).Scan(&status, &queue)
		if errors.Is(err, pgx.ErrNoRows) {
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
	rows, err := s.pool.Query(ctx, `
		SELECT j.id, j.queue, j.status FROM job_dependencies d JOIN jobs j ON j.id = d.job_id
		WHERE d.depends_on = $1
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query dependents: %w", err)
	}
	refs, err := pgx.CollectRows(rows, pgx.RowToStructByPos[models.JobRef])
	if err != nil {
		return nil, fmt.Errorf("scan dependents: %w", err)
	}
	return refs, nil
}

// AppendEvent adds a lifecycle log row.
func (s *Store) AppendEvent(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_events (job_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, jobID string, limit int) ([]models.JobEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, event, detail, ts FROM job_events WHERE job_id = $1 ORDER BY id ASC LIMIT $2
	`, jobID, limitOrDefault(limit))
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	events, err := pgx.CollectRows(rows, pgx.RowToStructByPos[models.JobEvent])
	if err != nil {
		return nil, fmt.Errorf("scan events: %w", err)
	}
	for i := range events {
		events[i].Recorded = events[i].Recorded.UTC()
	}
	return events, nil
}

func (s *Store) StatusCounts(ctx context.Context, queues []string) (map[string]int64, error) {
	counts := make(map[string]int64, len(models.Statuses))
	for _, st := range models.Statuses {
		counts[st] = 0
	}
	clause, args := queueFilter("queue", queues, nil)
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs WHERE TRUE`+clause+` GROUP BY status`, args...)
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
	clause, args := queueFilter("j.queue", queues, []any{since, now})
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs j
		WHERE j.status = 'queued' AND j.created_at >= $1 AND j.run_at <= $2 AND j.attempts < j.max_attempts`+clause+`
		  AND NOT EXISTS (
		    SELECT 1 FROM job_dependencies d LEFT JOIN jobs dep ON dep.id = d.depends_on
		    WHERE d.job_id = j.id AND (dep.status IS NULL OR dep.status <> 'succeeded'))
		ORDER BY GREATEST(j.created_at, j.run_at) ASC, j.seq ASC LIMIT 1`, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("oldest queued: %w", err)
	}
	return job, true, nil
}

func (s *Store) CompletedSince(ctx context.Context, queues []string, since time.Time) (store.CompletedCounts, error) {
	clause, args := queueFilter("queue", queues, []any{since})
	var out store.CompletedCounts
	err := s.pool.QueryRow(ctx, `SELECT
		  COUNT(*) FILTER (WHERE status = 'succeeded'),
		  COUNT(*) FILTER (WHERE status = 'failed'),
		  COUNT(*) FILTER (WHERE status = 'cancelled')
		FROM jobs WHERE finished_at >= $1`+clause, args...).Scan(&out.Succeeded, &out.Failed, &out.Cancelled)
	if err != nil {
		return store.CompletedCounts{}, fmt.Errorf("count completed: %w", err)
	}
	return out, nil
}
