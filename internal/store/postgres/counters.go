package postgres

import (
	"context"
	"fmt"
)

func (s *Store) IncrCounter(ctx context.Context, field string, delta int64) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO job_counters (field, n) VALUES ($1, $2)
ON CONFLICT (field) DO UPDATE SET n = job_counters.n + EXCLUDED.n`, field, delta)
	if err != nil {
		return fmt.Errorf("incr counter %s: %w", field, err)
	}
	return nil
}

func (s *Store) Counters(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT field, n FROM job_counters`)
	if err != nil {
		return nil, fmt.Errorf("read counters: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int64)
	for rows.Next() {
		var (
			field string
			n     int64
		)
		if err := rows.Scan(&field, &n); err != nil {
			return nil, err
		}
		out[field] = n
	}
	return out, rows.Err()
}
