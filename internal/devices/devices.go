// Package devices tracks issued sessions and the devices they came from.
// Device identity is a best-effort header digest used for anomaly
// detection, never as an authorization gate.
package devices

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mileusna/useragent"

	"github.com/bodegaops/gatekeeper/internal/events"
	"github.com/bodegaops/gatekeeper/internal/geoip"
	"github.com/bodegaops/gatekeeper/internal/model"
)

// SuspiciousDeviceThreshold is the number of distinct devices a user may
// appear from inside the look-back window before the activity is flagged.
const (
	SuspiciousDeviceThreshold = 3
	deviceLookback            = 7 * 24 * time.Hour
)

// Fingerprint derives the device fingerprint from the client headers.
// Same headers, same fingerprint; absent headers still produce a stable
// value.
func Fingerprint(r *http.Request) string {
	raw := r.UserAgent() + "|" + r.Header.Get("Accept-Language") + "|" + r.Header.Get("Accept-Encoding")
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:16])
}

// DeviceLabel renders a user agent as a short human-readable label.
func DeviceLabel(ua string) string {
	parsed := useragent.Parse(ua)
	switch {
	case parsed.Name != "" && parsed.OS != "":
		return parsed.Name + " on " + parsed.OS
	case parsed.Name != "":
		return parsed.Name
	default:
		return "Unknown device"
	}
}

// Registry owns the user_sessions and user_devices tables.
type Registry struct {
	db          *sql.DB
	geo         *geoip.Lookup
	events      *events.Service
	logger      *slog.Logger
	maxSessions int
	now         func() time.Time
}

// NewRegistry creates a session/device registry. geo may be nil when no
// GeoIP database is configured; device rows then carry an empty country.
func NewRegistry(db *sql.DB, geo *geoip.Lookup, ev *events.Service, maxSessions int, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if maxSessions <= 0 {
		maxSessions = 10
	}
	return &Registry{
		db:          db,
		geo:         geo,
		events:      ev,
		logger:      logger,
		maxSessions: maxSessions,
		now:         time.Now,
	}
}

// RegisterDevice upserts the device row for a user. A repeat sighting
// refreshes last_seen_at, user agent, address, and country.
func (r *Registry) RegisterDevice(ctx context.Context, userID int64, fingerprint, ua, ip string) error {
	country := ""
	if r.geo != nil {
		country = r.geo.Country(ip)
	}

	now := r.now().UTC().Truncate(time.Second)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO user_devices (user_id, device_fingerprint, user_agent, label, ip_address, country, last_seen_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, device_fingerprint) DO UPDATE SET
			user_agent = excluded.user_agent,
			label = excluded.label,
			ip_address = excluded.ip_address,
			country = excluded.country,
			last_seen_at = excluded.last_seen_at
	`, userID, fingerprint, ua, DeviceLabel(ua), ip, country, now, now)
	if err != nil {
		return fmt.Errorf("registering device for user %d: %w", userID, err)
	}
	return nil
}

// DetectSuspiciousActivity reports whether the user has appeared from
// more distinct devices than the threshold inside the look-back window.
// A positive finding is recorded as a security event; it never blocks
// the login itself.
func (r *Registry) DetectSuspiciousActivity(ctx context.Context, userID int64, ip string) bool {
	now := r.now().UTC().Truncate(time.Second)

	var distinct int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT device_fingerprint)
		FROM user_devices
		WHERE user_id = ? AND last_seen_at >= ?
	`, userID, now.Add(-deviceLookback)).Scan(&distinct)
	if err != nil {
		r.logger.Error("device look-back query failed", "user_id", userID, "error", err)
		return false
	}

	if distinct <= SuspiciousDeviceThreshold {
		return false
	}

	r.events.Log(ctx, ip, model.EventSuspiciousDevice, map[string]any{
		"distinct_devices": distinct,
		"window_days":      7,
	}, &userID)
	r.logger.Warn("user active from unusually many devices",
		"user_id", userID, "distinct_devices", distinct)
	return true
}

// CreateSession stores a freshly issued token. When the user already has
// the maximum number of sessions, the longest-idle ones are evicted to
// make room.
func (r *Registry) CreateSession(ctx context.Context, token string, userID int64, fingerprint, ip string) error {
	now := r.now().UTC().Truncate(time.Second)

	_, err := r.db.ExecContext(ctx, `
		DELETE FROM user_sessions
		WHERE user_id = ? AND token IN (
			SELECT token FROM user_sessions
			WHERE user_id = ?
			ORDER BY last_seen_at DESC
			LIMIT -1 OFFSET ?
		)
	`, userID, userID, r.maxSessions-1)
	if err != nil {
		return fmt.Errorf("evicting old sessions for user %d: %w", userID, err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO user_sessions (token, user_id, device_fingerprint, ip_address, last_seen_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, token, userID, fingerprint, ip, now, now)
	if err != nil {
		return fmt.Errorf("creating session for user %d: %w", userID, err)
	}
	return nil
}

// Session returns the session for a token, or nil when the token is
// unknown.
func (r *Registry) Session(ctx context.Context, token string) (*model.UserSession, error) {
	var s model.UserSession
	err := r.db.QueryRowContext(ctx, `
		SELECT token, user_id, device_fingerprint, ip_address, last_seen_at, created_at
		FROM user_sessions WHERE token = ?
	`, token).Scan(&s.Token, &s.UserID, &s.Fingerprint, &s.IPAddress, &s.LastSeenAt, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	return &s, nil
}

// RefreshSession bumps a session's last_seen_at and current address.
// Returns false when the token is unknown.
func (r *Registry) RefreshSession(ctx context.Context, token, ip string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE user_sessions SET last_seen_at = ?, ip_address = ? WHERE token = ?
	`, r.now().UTC().Truncate(time.Second), ip, token)
	if err != nil {
		return false, fmt.Errorf("refreshing session: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeleteSession removes one session (logout). Returns true if it existed.
func (r *Registry) DeleteSession(ctx context.Context, token string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM user_sessions WHERE token = ?`, token)
	if err != nil {
		return false, fmt.Errorf("deleting session: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeleteUserSessions removes every session a user holds.
func (r *Registry) DeleteUserSessions(ctx context.Context, userID int64) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM user_sessions WHERE user_id = ?`, userID)
	if err != nil {
		return 0, fmt.Errorf("deleting sessions for user %d: %w", userID, err)
	}
	return res.RowsAffected()
}

// DevicesForUser lists a user's known devices, most recently seen first.
func (r *Registry) DevicesForUser(ctx context.Context, userID int64) ([]model.UserDevice, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT user_id, device_fingerprint, user_agent, label, ip_address, country, last_seen_at, created_at
		FROM user_devices
		WHERE user_id = ?
		ORDER BY last_seen_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing devices for user %d: %w", userID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.UserDevice
	for rows.Next() {
		var d model.UserDevice
		if err := rows.Scan(&d.UserID, &d.Fingerprint, &d.UserAgent, &d.Label, &d.IPAddress, &d.Country, &d.LastSeenAt, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ActiveSessionCount counts sessions refreshed inside the activity window.
func (r *Registry) ActiveSessionCount(ctx context.Context) (int, error) {
	now := r.now().UTC().Truncate(time.Second)

	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM user_sessions WHERE last_seen_at > ?
	`, now.Add(-model.SessionActiveWindow)).Scan(&n)
	return n, err
}

// CleanupStaleSessions drops sessions idle for longer than the stale
// threshold. Run from the scheduler.
func (r *Registry) CleanupStaleSessions(ctx context.Context) (int64, error) {
	now := r.now().UTC().Truncate(time.Second)

	res, err := r.db.ExecContext(ctx, `
		DELETE FROM user_sessions WHERE last_seen_at < ?
	`, now.Add(-model.SessionStaleThreshold))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
