package model

import (
	"database/sql"
	"time"
)

// Notification severities.
const (
	NotifyInfo    = "info"
	NotifyWarning = "warning"
	NotifyError   = "error"
)

// Notification is a persisted per-user notification row. Security
// notifications are written with AdminOnly set and carry the originating
// event payload in Data.
type Notification struct {
	ID         int64        `json:"id"`
	UserID     int64        `json:"user_id"`
	Title      string       `json:"titulo"`
	Message    string       `json:"mensaje"`
	Type       string       `json:"tipo"`
	AdminOnly  bool         `json:"admin_only"`
	ReplyToken string       `json:"-"`
	Data       string       `json:"data"` // JSON object
	ReadAt     sql.NullTime `json:"-"`
	CreatedAt  time.Time    `json:"created_at"`
}

// PushToken is a stored mobile push token for a user.
type PushToken struct {
	UserID    int64     `json:"user_id"`
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"created_at"`
}
