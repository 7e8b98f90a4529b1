// Package sqlite is the embedded single-node store. It serializes access
// through one connection, so every conditional update is trivially atomic.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  id TEXT NOT NULL UNIQUE,
  type TEXT NOT NULL,
  queue TEXT NOT NULL,
  status TEXT NOT NULL,
  priority INTEGER NOT NULL DEFAULT 0,
  timeout_sec INTEGER NOT NULL,
  max_attempts INTEGER NOT NULL,
  attempts INTEGER NOT NULL DEFAULT 0,
  input TEXT NOT NULL,
  result TEXT,
  error TEXT,
  depends_on TEXT NOT NULL DEFAULT '[]',
  idempotency_key TEXT,
  tags TEXT NOT NULL DEFAULT '[]',
  callback_url TEXT,
  run_at INTEGER NOT NULL,
  worker_id TEXT,
  lease_expires_at INTEGER,
  started_at INTEGER,
  finished_at INTEGER,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  CHECK (attempts <= max_attempts),
  CHECK (result IS NULL OR error IS NULL)
);
CREATE INDEX IF NOT EXISTS jobs_claim_idx ON jobs (status, queue, priority DESC, created_at, seq);
CREATE INDEX IF NOT EXISTS jobs_finished_idx ON jobs (finished_at);

CREATE TABLE IF NOT EXISTS job_dependencies (
  job_id TEXT NOT NULL,
  depends_on TEXT NOT NULL,
  position INTEGER NOT NULL,
  PRIMARY KEY (job_id, depends_on)
);
CREATE INDEX IF NOT EXISTS job_dependencies_dep_idx ON job_dependencies (depends_on);

CREATE TABLE IF NOT EXISTS idempotency_keys (
  key TEXT PRIMARY KEY,
  fingerprint TEXT NOT NULL,
  job_ids TEXT NOT NULL,
  created_at INTEGER NOT NULL,
  expires_at INTEGER
);

CREATE TABLE IF NOT EXISTS job_events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  job_id TEXT NOT NULL,
  event TEXT NOT NULL,
  detail TEXT NOT NULL,
  ts INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS job_events_job_idx ON job_events (job_id, id);

CREATE TABLE IF NOT EXISTS schedules (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  type TEXT NOT NULL,
  queue TEXT NOT NULL,
  input TEXT NOT NULL,
  tags TEXT NOT NULL,
  priority INTEGER NOT NULL DEFAULT 0,
  timeout_sec INTEGER,
  max_attempts INTEGER,
  interval_sec INTEGER,
  cron TEXT,
  enabled INTEGER NOT NULL,
  next_run_at INTEGER NOT NULL,
  last_run_at INTEGER,
  last_job_id TEXT,
  last_error TEXT,
  failure_count INTEGER NOT NULL DEFAULT 0,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  CHECK (interval_sec IS NULL OR cron IS NULL)
);
CREATE INDEX IF NOT EXISTS schedules_due_idx ON schedules (enabled, next_run_at);

CREATE TABLE IF NOT EXISTS job_counters (
  field TEXT PRIMARY KEY,
  n INTEGER NOT NULL DEFAULT 0
);
`

// Store persists jobs and schedules in a SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path. Use ":memory:" for tests.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA journal_mode = WAL"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func textPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

func nullText(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

func nullString(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func bytesOf(v sql.NullString) []byte {
	if !v.Valid {
		return nil
	}
	return []byte(v.String)
}

// inClause renders "AND <col> IN (?, ...)" for a queue scope. A nil scope
// matches everything; an empty, non-nil scope matches nothing.
func inClause(col string, values []string, args []any) (string, []any) {
	if values == nil {
		return "", args
	}
	if len(values) == 0 {
		return " AND 1 = 0", args
	}
	marks := make([]string, len(values))
	for i, v := range values {
		marks[i] = "?"
		args = append(args, v)
	}
	return fmt.Sprintf(" AND %s IN (%s)", col, strings.Join(marks, ", ")), args
}
