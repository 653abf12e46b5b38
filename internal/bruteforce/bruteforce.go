// Package bruteforce implements the failed-login lockout ledger. Failures
// are counted per identifier inside a sliding window; crossing the
// class threshold locks the identifier out, and an IP-class lockout also
// escalates into the durable blocklist.
package bruteforce

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/bodegaops/gatekeeper/internal/blocklist"
	"github.com/bodegaops/gatekeeper/internal/events"
	"github.com/bodegaops/gatekeeper/internal/model"
)

// Identifier class prefixes. Every ledger row is namespaced so an IP and
// an account with the same spelling never share a counter.
const (
	IPPrefix      = "ip:"
	AccountPrefix = "account:"
)

// IPIdentifier builds the ledger identifier for a client address.
func IPIdentifier(ip string) string {
	return IPPrefix + ip
}

// AccountIdentifier builds the canonical ledger identifier for a login
// name. Phone-style logins (digits, spaces, separators) are reduced to
// their digits so "+34 600 11 22 33" and "600112233" share one counter.
func AccountIdentifier(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if digits := digitsOnly(trimmed); digits != "" && isPhoneLike(trimmed) {
		return AccountPrefix + digits
	}
	return AccountPrefix + strings.ToLower(trimmed)
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isPhoneLike(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case unicode.IsDigit(r):
		case r == '+' || r == '-' || r == ' ' || r == '(' || r == ')' || r == '.':
		default:
			return false
		}
	}
	return true
}

// Policy holds the lockout thresholds and timing knobs.
type Policy struct {
	MaxAttemptsPerIP      int
	MaxAttemptsPerAccount int
	Lockout               time.Duration
	Window                time.Duration
}

// DefaultPolicy returns the stock policy: 10 per IP, 5 per account,
// 30 minute lockout over a 15 minute window.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttemptsPerIP:      10,
		MaxAttemptsPerAccount: 5,
		Lockout:               30 * time.Minute,
		Window:                15 * time.Minute,
	}
}

func (p Policy) thresholdFor(identifier string) int {
	if strings.HasPrefix(identifier, IPPrefix) {
		return p.MaxAttemptsPerIP
	}
	return p.MaxAttemptsPerAccount
}

// Notifier receives lockout announcements. Implementations must not
// influence the lockout outcome; the ledger ignores their errors.
type Notifier interface {
	NotifyAdmins(ctx context.Context, eventType string, details map[string]any)
}

// Result is the outcome of a ledger operation.
type Result struct {
	Locked      bool `json:"locked"`
	Attempts    int  `json:"attempts"`
	Remaining   int  `json:"remaining_attempts"`
	MinutesLeft int  `json:"minutes_left"`
}

// Ledger is the SQL-backed failed-attempt counter. All mutations are
// single-statement upserts so concurrent failures are never lost. Storage
// failures degrade open: callers get an unlocked Result and the error is
// logged, never turned into a lockout.
type Ledger struct {
	db       *sql.DB
	policy   Policy
	blocks   *blocklist.Store
	events   *events.Service
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewLedger creates a lockout ledger. blocks and ev may not be nil;
// the notifier is optional and set later via SetNotifier.
func NewLedger(db *sql.DB, policy Policy, blocks *blocklist.Store, ev *events.Service, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		db:     db,
		policy: policy,
		blocks: blocks,
		events: ev,
		logger: logger,
		now:    time.Now,
	}
}

// SetNotifier wires the admin notifier. Called once during startup; the
// notifier package depends on the ledger's models, not the other way
// around.
func (l *Ledger) SetNotifier(n Notifier) {
	l.notifier = n
}

// RecordFailedAttempt counts one failure against an identifier and
// reports the resulting lock state. While an identifier is locked its
// counter and lock expiry stay frozen. An expired lock resets the row to
// a fresh window with this failure as attempt one.
func (l *Ledger) RecordFailedAttempt(ctx context.Context, identifier, ip string) Result {
	now := l.now().UTC().Truncate(time.Second)
	threshold := l.policy.thresholdFor(identifier)

	l.purgeStale(ctx, now)

	var (
		attempts    int
		lockedUntil sql.NullTime
	)
	// Timestamps are bound to whole seconds so the stored text form
	// compares correctly against excluded.last_attempt_at.
	err := l.db.QueryRowContext(ctx, `
		INSERT INTO brute_force_attempts (identifier, attempts, locked_until, first_attempt_at, last_attempt_at)
		VALUES (?, 1, NULL, ?, ?)
		ON CONFLICT(identifier) DO UPDATE SET
			attempts = CASE
				WHEN locked_until IS NOT NULL AND locked_until > excluded.last_attempt_at THEN attempts
				WHEN locked_until IS NOT NULL THEN 1
				ELSE attempts + 1
			END,
			first_attempt_at = CASE
				WHEN locked_until IS NOT NULL AND locked_until > excluded.last_attempt_at THEN first_attempt_at
				WHEN locked_until IS NOT NULL THEN excluded.first_attempt_at
				ELSE first_attempt_at
			END,
			locked_until = CASE
				WHEN locked_until IS NOT NULL AND locked_until > excluded.last_attempt_at THEN locked_until
				ELSE NULL
			END,
			last_attempt_at = CASE
				WHEN locked_until IS NOT NULL AND locked_until > excluded.last_attempt_at THEN last_attempt_at
				ELSE excluded.last_attempt_at
			END
		RETURNING attempts, locked_until
	`, identifier, now, now).Scan(&attempts, &lockedUntil)
	if err != nil {
		l.logger.Error("lockout ledger write failed, treating identifier as unlocked",
			"identifier", identifier, "ip", ip, "error", err)
		return Result{Remaining: threshold}
	}

	if lockedUntil.Valid && lockedUntil.Time.After(now) {
		return lockedResult(attempts, lockedUntil.Time, now)
	}

	if attempts < threshold {
		return Result{Attempts: attempts, Remaining: threshold - attempts}
	}

	until := now.Add(l.policy.Lockout)
	res, err := l.db.ExecContext(ctx, `
		UPDATE brute_force_attempts
		SET locked_until = ?
		WHERE identifier = ? AND locked_until IS NULL
	`, until, identifier)
	if err != nil {
		l.logger.Error("lockout ledger lock write failed, treating identifier as unlocked",
			"identifier", identifier, "ip", ip, "error", err)
		return Result{Attempts: attempts, Remaining: 0}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost the race to a concurrent failure; report its lock.
		return l.CheckLock(ctx, identifier)
	}

	l.announceLockout(ctx, identifier, ip, attempts, until)
	return lockedResult(attempts, until, now)
}

// CheckLock reports the current lock state of an identifier without
// recording anything. Rows outside the attempt window count as clean.
func (l *Ledger) CheckLock(ctx context.Context, identifier string) Result {
	now := l.now().UTC().Truncate(time.Second)
	threshold := l.policy.thresholdFor(identifier)

	var row model.BruteForceAttempt
	err := l.db.QueryRowContext(ctx, `
		SELECT identifier, attempts, locked_until, first_attempt_at, last_attempt_at
		FROM brute_force_attempts WHERE identifier = ?
	`, identifier).Scan(&row.Identifier, &row.Attempts, &row.LockedUntil, &row.FirstAttemptAt, &row.LastAttemptAt)
	if err == sql.ErrNoRows {
		return Result{Remaining: threshold}
	}
	if err != nil {
		l.logger.Error("lockout ledger read failed, treating identifier as unlocked",
			"identifier", identifier, "error", err)
		return Result{Remaining: threshold}
	}

	if row.LockedUntil.Valid && row.LockedUntil.Time.After(now) {
		return lockedResult(row.Attempts, row.LockedUntil.Time, now)
	}
	if now.Sub(row.LastAttemptAt) > l.policy.Window {
		return Result{Remaining: threshold}
	}

	remaining := threshold - row.Attempts
	if remaining < 0 {
		remaining = 0
	}
	return Result{Attempts: row.Attempts, Remaining: remaining}
}

// ClearAttempts removes the ledger rows for an identifier. Account
// identifiers also clear the historical spellings of the same login
// (raw, lowercase, digits-only) so a successful login leaves no stale
// counter behind. Returns the number of rows removed.
func (l *Ledger) ClearAttempts(ctx context.Context, identifier string) (int64, error) {
	variants := clearVariants(identifier)

	placeholders := strings.Repeat("?,", len(variants))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(variants))
	for i, v := range variants {
		args[i] = v
	}

	res, err := l.db.ExecContext(ctx,
		`DELETE FROM brute_force_attempts WHERE identifier IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("clearing attempts for %s: %w", identifier, err)
	}
	return res.RowsAffected()
}

// ClearAll wipes the whole ledger. Admin surface only.
func (l *Ledger) ClearAll(ctx context.Context) (int64, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM brute_force_attempts`)
	if err != nil {
		return 0, fmt.Errorf("clearing lockout ledger: %w", err)
	}
	return res.RowsAffected()
}

// List returns all ledger rows, most recently active first.
func (l *Ledger) List(ctx context.Context) ([]model.BruteForceAttempt, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT identifier, attempts, locked_until, first_attempt_at, last_attempt_at
		FROM brute_force_attempts
		ORDER BY last_attempt_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("listing lockout ledger: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.BruteForceAttempt
	for rows.Next() {
		var a model.BruteForceAttempt
		if err := rows.Scan(&a.Identifier, &a.Attempts, &a.LockedUntil, &a.FirstAttemptAt, &a.LastAttemptAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// LockedAccounts returns the account-class rows whose lock is still in
// force.
func (l *Ledger) LockedAccounts(ctx context.Context) ([]model.BruteForceAttempt, error) {
	now := l.now().UTC().Truncate(time.Second)
	rows, err := l.db.QueryContext(ctx, `
		SELECT identifier, attempts, locked_until, first_attempt_at, last_attempt_at
		FROM brute_force_attempts
		WHERE identifier LIKE 'account:%' AND locked_until IS NOT NULL AND locked_until > ?
		ORDER BY locked_until DESC
	`, now)
	if err != nil {
		return nil, fmt.Errorf("listing locked accounts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.BruteForceAttempt
	for rows.Next() {
		var a model.BruteForceAttempt
		if err := rows.Scan(&a.Identifier, &a.Attempts, &a.LockedUntil, &a.FirstAttemptAt, &a.LastAttemptAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// PurgeStale removes unlocked rows whose last failure fell out of the
// attempt window. Locked rows survive until their lock expires even when
// idle longer than the window.
func (l *Ledger) PurgeStale(ctx context.Context) (int64, error) {
	now := l.now().UTC().Truncate(time.Second)
	res, err := l.db.ExecContext(ctx, `
		DELETE FROM brute_force_attempts
		WHERE last_attempt_at < ?
		  AND (locked_until IS NULL OR locked_until <= ?)
	`, now.Add(-l.policy.Window), now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (l *Ledger) purgeStale(ctx context.Context, now time.Time) {
	if _, err := l.db.ExecContext(ctx, `
		DELETE FROM brute_force_attempts
		WHERE last_attempt_at < ?
		  AND (locked_until IS NULL OR locked_until <= ?)
	`, now.Add(-l.policy.Window), now); err != nil {
		l.logger.Warn("failed to purge stale lockout rows", "error", err)
	}
}

func (l *Ledger) announceLockout(ctx context.Context, identifier, ip string, attempts int, until time.Time) {
	details := map[string]any{
		"identifier":   identifier,
		"attempts":     attempts,
		"locked_until": until.Format(time.RFC3339),
	}

	if strings.HasPrefix(identifier, IPPrefix) {
		blockedIP := strings.TrimPrefix(identifier, IPPrefix)
		reason := fmt.Sprintf("Brute force: %d failed login attempts", attempts)
		if err := l.blocks.Block(ctx, blockedIP, reason, &until); err != nil {
			l.logger.Error("failed to escalate lockout into blocklist",
				"ip", blockedIP, "error", err)
		}
	}

	l.events.Log(ctx, ip, model.EventBruteForceLocked, details, nil)
	l.logger.Warn("identifier locked out after repeated failures",
		"identifier", identifier, "ip", ip, "attempts", attempts, "locked_until", until)

	if l.notifier != nil {
		l.notifier.NotifyAdmins(ctx, model.EventBruteForceLocked, details)
	}
}

// clearVariants expands an account identifier into the spellings older
// clients may have produced for the same login.
func clearVariants(identifier string) []string {
	variants := []string{identifier}
	seen := map[string]bool{identifier: true}

	add := func(v string) {
		if v != "" && !seen[v] {
			seen[v] = true
			variants = append(variants, v)
		}
	}

	if raw, ok := strings.CutPrefix(identifier, AccountPrefix); ok {
		add(AccountPrefix + strings.ToLower(raw))
		add(AccountPrefix + digitsOnly(raw))
		add(raw)
		add(strings.ToLower(raw))
		add(digitsOnly(raw))
	}
	return variants
}

func lockedResult(attempts int, until, now time.Time) Result {
	minutes := int(math.Ceil(until.Sub(now).Minutes()))
	if minutes < 1 {
		minutes = 1
	}
	return Result{Locked: true, Attempts: attempts, MinutesLeft: minutes}
}
