// Package events provides the append-only security event audit trail.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/bodegaops/gatekeeper/internal/model"
)

// Service writes and reads security events. Writes are fire-and-forget
// from the guards' point of view: a failed insert is logged, never
// surfaced into a pipeline decision.
type Service struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewService creates a security event service.
func NewService(db *sql.DB, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{db: db, logger: logger}
}

// Log appends one event. details is marshaled to JSON; nil becomes {}.
func (s *Service) Log(ctx context.Context, ip, eventType string, details map[string]any, userID *int64) {
	detailsJSON := "{}"
	if details != nil {
		if b, err := json.Marshal(details); err == nil {
			detailsJSON = string(b)
		}
	}

	var nullUserID sql.NullInt64
	if userID != nil {
		nullUserID = sql.NullInt64{Int64: *userID, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO security_events (ip, event_type, details, user_id, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, ip, eventType, detailsJSON, nullUserID, time.Now().UTC())
	if err != nil {
		s.logger.Error("failed to record security event",
			"event_type", eventType, "ip", ip, "error", err)
	}
}

// Recent returns the most recent events, newest first.
func (s *Service) Recent(ctx context.Context, limit int) ([]model.SecurityEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ip, event_type, details, user_id, created_at
		FROM security_events
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing security events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.SecurityEvent
	for rows.Next() {
		var ev model.SecurityEvent
		if err := rows.Scan(&ev.ID, &ev.IP, &ev.EventType, &ev.Details, &ev.UserID, &ev.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// CountSince returns the number of events of one type recorded since the
// given instant. Used by the admin stats endpoint.
func (s *Service) CountSince(ctx context.Context, eventType string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM security_events
		WHERE event_type = ? AND created_at >= ?
	`, eventType, since).Scan(&n)
	return n, err
}

// DeleteOlderThan removes events past the retention horizon.
func (s *Service) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM security_events WHERE created_at < ?
	`, time.Now().UTC().Add(-age))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
