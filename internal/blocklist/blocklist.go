// Package blocklist maintains the durable set of blocked IPs consulted on
// every inbound request.
package blocklist

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/bodegaops/gatekeeper/internal/model"
)

// Store reads and writes blocked_ips rows. Repeated blocks of the same
// address upsert the row and bump its attempt counter.
type Store struct {
	db *sql.DB
}

// NewStore creates a blocklist store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Lookup returns the block entry for an IP, or nil if none exists. An
// entry whose blocked_until has passed is deleted lazily and reported as
// absent.
func (s *Store) Lookup(ctx context.Context, ip string) (*model.BlockedIP, error) {
	var b model.BlockedIP
	err := s.db.QueryRowContext(ctx, `
		SELECT ip, reason, blocked_at, blocked_until, attempts
		FROM blocked_ips WHERE ip = ?
	`, ip).Scan(&b.IP, &b.Reason, &b.BlockedAt, &b.BlockedUntil, &b.Attempts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("blocklist lookup: %w", err)
	}

	if !b.Active(time.Now().UTC()) {
		// Expired row; harmless, remove it on the way out.
		_, _ = s.db.ExecContext(ctx, `DELETE FROM blocked_ips WHERE ip = ? AND blocked_until IS NOT NULL AND blocked_until <= ?`,
			ip, time.Now().UTC())
		return nil, nil
	}

	return &b, nil
}

// Block upserts a block entry. A nil until blocks indefinitely. Repeat
// blocks of the same IP update reason/expiry and increment attempts in a
// single statement.
func (s *Store) Block(ctx context.Context, ip, reason string, until *time.Time) error {
	var nullUntil sql.NullTime
	if until != nil {
		nullUntil = sql.NullTime{Time: until.UTC(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blocked_ips (ip, reason, blocked_at, blocked_until, attempts)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT(ip) DO UPDATE SET
			reason = excluded.reason,
			blocked_until = excluded.blocked_until,
			attempts = attempts + 1
	`, ip, reason, time.Now().UTC(), nullUntil)
	if err != nil {
		return fmt.Errorf("blocking %s: %w", ip, err)
	}
	return nil
}

// BlockFor blocks an IP for a bounded duration.
func (s *Store) BlockFor(ctx context.Context, ip, reason string, d time.Duration) error {
	until := time.Now().UTC().Add(d)
	return s.Block(ctx, ip, reason, &until)
}

// Unblock removes a block entry. Returns true if a row was deleted.
func (s *Store) Unblock(ctx context.Context, ip string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM blocked_ips WHERE ip = ?`, ip)
	if err != nil {
		return false, fmt.Errorf("unblocking %s: %w", ip, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// List returns all block entries, most recent first.
func (s *Store) List(ctx context.Context) ([]model.BlockedIP, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ip, reason, blocked_at, blocked_until, attempts
		FROM blocked_ips
		ORDER BY blocked_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("listing blocked IPs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.BlockedIP
	for rows.Next() {
		var b model.BlockedIP
		if err := rows.Scan(&b.IP, &b.Reason, &b.BlockedAt, &b.BlockedUntil, &b.Attempts); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// PurgeExpired removes entries whose temporary block has lapsed. Run from
// the scheduler; lookups already skip expired rows.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM blocked_ips
		WHERE blocked_until IS NOT NULL AND blocked_until <= ?
	`, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Count returns the number of currently stored block entries.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM blocked_ips`).Scan(&n)
	return n, err
}
