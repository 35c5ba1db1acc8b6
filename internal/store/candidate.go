package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hazyhaar/glane/strategy"
)

// InsertCandidate registers a candidate with zero counters. If a
// candidate with the same (context, fingerprint) already exists the
// insert is a no-op, so seeds can be re-registered on every run.
func (s *Store) InsertCandidate(ctx context.Context, c *strategy.Candidate) error {
	stratJSON, err := c.Strategy.MarshalText()
	if err != nil {
		return err
	}
	if c.DiscoveredAt.IsZero() {
		c.DiscoveredAt = time.Now()
	}

	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO candidates
			(id, context_key, fingerprint, strategy, tier, high_priority, discovered_at)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(context_key, fingerprint) DO NOTHING`,
		c.ID, c.Context.Key(), c.Strategy.Fingerprint(), string(stratJSON),
		string(c.Tier), boolInt(c.HighPriority), c.DiscoveredAt.UnixMilli(),
	)
	return err
}

// RecordOutcome folds one attempt into the matching candidate's
// counters as a single atomic increment, creating the row first if the
// candidate was never registered. The merge is commutative: concurrent
// sessions may interleave increments in any order.
func (s *Store) RecordOutcome(ctx context.Context, c *strategy.Candidate, success bool, errClass strategy.ErrorClass) error {
	if err := s.InsertCandidate(ctx, c); err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	var res sql.Result
	var err error
	if success {
		res, err = s.DB.ExecContext(ctx, `
			UPDATE candidates SET
				success_count = success_count + 1,
				last_success  = ?,
				last_error    = ''
			WHERE context_key = ? AND fingerprint = ?`,
			now, c.Context.Key(), c.Strategy.Fingerprint())
	} else {
		res, err = s.DB.ExecContext(ctx, `
			UPDATE candidates SET
				failure_count = failure_count + 1,
				last_failure  = ?,
				last_error    = ?
			WHERE context_key = ? AND fingerprint = ?`,
			now, string(errClass), c.Context.Key(), c.Strategy.Fingerprint())
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: candidate vanished during outcome merge: %s", c.Strategy)
	}
	return nil
}

// ListCandidates returns all candidates for a context ordered by
// discovery time then ID, the stable base order ranking starts from.
func (s *Store) ListCandidates(ctx context.Context, key string) ([]*strategy.Candidate, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, context_key, strategy, tier, high_priority,
		       success_count, failure_count, discovered_at, last_success, last_failure
		FROM candidates
		WHERE context_key = ?
		ORDER BY discovered_at ASC, id ASC`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCandidates(rows)
}

// ListCandidatesByTier returns a context's candidates of one tier.
func (s *Store) ListCandidatesByTier(ctx context.Context, key string, tier strategy.Tier) ([]*strategy.Candidate, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, context_key, strategy, tier, high_priority,
		       success_count, failure_count, discovered_at, last_success, last_failure
		FROM candidates
		WHERE context_key = ? AND tier = ?
		ORDER BY discovered_at ASC, id ASC`, key, string(tier))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCandidates(rows)
}

// DeleteCandidate removes a candidate by ID.
func (s *Store) DeleteCandidate(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM candidates WHERE id = ?`, id)
	return err
}

// SetHighPriority flags or unflags a candidate as protected from
// pruning.
func (s *Store) SetHighPriority(ctx context.Context, id string, high bool) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE candidates SET high_priority = ? WHERE id = ?`, boolInt(high), id)
	return err
}

// PromoteTier moves a candidate to a new tier. Discovered candidates
// that keep succeeding become learned.
func (s *Store) PromoteTier(ctx context.Context, id string, tier strategy.Tier) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE candidates SET tier = ? WHERE id = ?`, string(tier), id)
	return err
}

// ListContextKeys returns every context key with at least one candidate.
func (s *Store) ListContextKeys(ctx context.Context) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT DISTINCT context_key FROM candidates ORDER BY context_key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func scanCandidates(rows *sql.Rows) ([]*strategy.Candidate, error) {
	var out []*strategy.Candidate
	for rows.Next() {
		var (
			c           strategy.Candidate
			key, stratJSON, tier string
			highPriority         int
			discoveredAt         int64
			lastSuccess, lastFailure sql.NullInt64
		)
		if err := rows.Scan(&c.ID, &key, &stratJSON, &tier, &highPriority,
			&c.SuccessCount, &c.FailureCount, &discoveredAt, &lastSuccess, &lastFailure); err != nil {
			return nil, err
		}

		strat, err := strategy.ParseStrategy([]byte(stratJSON))
		if err != nil {
			return nil, fmt.Errorf("store: candidate %s: %w", c.ID, err)
		}
		c.Strategy = strat
		c.Context = contextFromKey(key)
		c.Tier = strategy.Tier(tier)
		c.HighPriority = highPriority == 1
		c.DiscoveredAt = time.UnixMilli(discoveredAt)
		if lastSuccess.Valid {
			c.LastSuccess = time.UnixMilli(lastSuccess.Int64)
		}
		if lastFailure.Valid {
			c.LastFailure = time.UnixMilli(lastFailure.Int64)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// contextFromKey reverses strategy.Context.Key.
func contextFromKey(key string) strategy.Context {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '#' {
			return strategy.Context{
				SiteTemplate: key[:i],
				Field:        strategy.FieldType(key[i+1:]),
			}
		}
	}
	return strategy.Context{SiteTemplate: key}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
