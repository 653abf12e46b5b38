// Package logging provides a slog handler that tees WARN and ERROR
// records into the security_events table, so operational failures of the
// security subsystem itself leave an audit trace.
package logging

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"

	"github.com/bodegaops/gatekeeper/internal/model"
)

// EventLogHandler wraps another slog.Handler and also writes records at
// or above its threshold into the security event table.
type EventLogHandler struct {
	inner slog.Handler
	db    *sql.DB
	level slog.Level
}

// NewEventLogHandler creates a handler that forwards everything to inner
// and records WARN+ into the database.
func NewEventLogHandler(inner slog.Handler, db *sql.DB) *EventLogHandler {
	return &EventLogHandler{
		inner: inner,
		db:    db,
		level: slog.LevelWarn,
	}
}

// Enabled implements slog.Handler.
func (h *EventLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h *EventLogHandler) Handle(ctx context.Context, r slog.Record) error {
	if err := h.inner.Handle(ctx, r); err != nil {
		return err
	}

	if r.Level >= h.level {
		h.writeEvent(r)
	}

	return nil
}

// WithAttrs implements slog.Handler.
func (h *EventLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &EventLogHandler{inner: h.inner.WithAttrs(attrs), db: h.db, level: h.level}
}

// WithGroup implements slog.Handler.
func (h *EventLogHandler) WithGroup(name string) slog.Handler {
	return &EventLogHandler{inner: h.inner.WithGroup(name), db: h.db, level: h.level}
}

// writeEvent records one log record as a SECURITY_STORE_DEGRADED-class
// audit entry. A background context is used so the event lands even when
// the request context is already cancelled.
func (h *EventLogHandler) writeEvent(r slog.Record) {
	details := map[string]any{
		"message": r.Message,
		"level":   r.Level.String(),
	}
	ip := ""
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "ip" {
			ip = a.Value.String()
			return true
		}
		details[a.Key] = a.Value.String()
		return true
	})

	detailsJSON := "{}"
	if b, err := json.Marshal(details); err == nil {
		detailsJSON = string(b)
	}

	// Best-effort: a failing audit insert must not fail the logger.
	_, _ = h.db.ExecContext(context.Background(), `
		INSERT INTO security_events (ip, event_type, details, user_id)
		VALUES (?, ?, ?, NULL)
	`, ip, model.EventSecurityStoreDegraded, detailsJSON)
}
