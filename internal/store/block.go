package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/hazyhaar/glane/strategy"
)

// InsertBlockEvent records one bot-detection incident.
func (s *Store) InsertBlockEvent(ctx context.Context, id string, ev strategy.BlockEvent) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO block_events (id, domain, signature, at) VALUES (?,?,?,?)`,
		id, ev.Domain, ev.Signature, at.UnixMilli())
	return err
}

// CountRecentBlockEvents returns how many block events a domain has
// inside the rolling window ending now. Events outside the window never
// influence backoff.
func (s *Store) CountRecentBlockEvents(ctx context.Context, domain string, window time.Duration) (int, error) {
	cutoff := time.Now().Add(-window).UnixMilli()
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM block_events WHERE domain = ? AND at >= ?`,
		domain, cutoff).Scan(&n)
	return n, err
}

// LastBlockSignature returns the most recent signature for a domain, or
// "" if the domain has no recorded events.
func (s *Store) LastBlockSignature(ctx context.Context, domain string) (string, error) {
	var sig string
	err := s.DB.QueryRowContext(ctx,
		`SELECT signature FROM block_events WHERE domain = ? ORDER BY at DESC LIMIT 1`,
		domain).Scan(&sig)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return sig, nil
}

// SweepBlockEvents deletes events older than the cutoff and returns the
// number removed.
func (s *Store) SweepBlockEvents(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM block_events WHERE at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
