package store

import (
	"context"
	"time"
)

// ContextStats is the per-context aggregate maintained by the
// maintenance cycle.
type ContextStats struct {
	ContextKey     string
	CandidateCount int
	SuccessCount   int
	FailureCount   int
	SuccessRate    float64
	UpdatedAt      time.Time
}

// RecomputeContextStats rebuilds the context_stats table from the
// candidates table. Reads taken between cycles may be one cycle stale;
// that only biases ranking, never correctness.
func (s *Store) RecomputeContextStats(ctx context.Context) error {
	now := time.Now().UnixMilli()
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO context_stats
			(context_key, candidate_count, success_count, failure_count, success_rate, updated_at)
		SELECT context_key,
		       COUNT(*),
		       SUM(success_count),
		       SUM(failure_count),
		       CASE WHEN SUM(success_count) + SUM(failure_count) = 0 THEN 0
		            ELSE CAST(SUM(success_count) AS REAL) / (SUM(success_count) + SUM(failure_count))
		       END,
		       ?
		FROM candidates
		GROUP BY context_key
		ON CONFLICT(context_key) DO UPDATE SET
			candidate_count = excluded.candidate_count,
			success_count   = excluded.success_count,
			failure_count   = excluded.failure_count,
			success_rate    = excluded.success_rate,
			updated_at      = excluded.updated_at`, now)
	return err
}

// ListContextStats returns all aggregates ordered worst-first so
// reports surface trouble at the top.
func (s *Store) ListContextStats(ctx context.Context) ([]*ContextStats, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT context_key, candidate_count, success_count, failure_count, success_rate, updated_at
		FROM context_stats
		ORDER BY success_rate ASC, context_key ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ContextStats
	for rows.Next() {
		var cs ContextStats
		var updatedAt int64
		if err := rows.Scan(&cs.ContextKey, &cs.CandidateCount, &cs.SuccessCount,
			&cs.FailureCount, &cs.SuccessRate, &updatedAt); err != nil {
			return nil, err
		}
		cs.UpdatedAt = time.UnixMilli(updatedAt)
		out = append(out, &cs)
	}
	return out, rows.Err()
}
