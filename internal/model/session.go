package model

import "time"

// Session activity thresholds. These are policy constants, not structural
// invariants: a session is active while refreshed inside the activity
// window and becomes eligible for cleanup after the stale threshold.
const (
	SessionActiveWindow   = time.Hour
	SessionStaleThreshold = 7 * 24 * time.Hour
)

// UserDevice identifies a browser/client configuration seen for a user.
// The fingerprint is a digest of client-supplied headers and is best-effort;
// it is never used as an authorization gate on its own.
type UserDevice struct {
	UserID      int64     `json:"user_id"`
	Fingerprint string    `json:"device_fingerprint"`
	UserAgent   string    `json:"user_agent"`
	Label       string    `json:"label"` // human-readable, e.g. "Chrome on macOS"
	IPAddress   string    `json:"ip_address"`
	Country     string    `json:"country"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// UserSession is one issued authentication token.
type UserSession struct {
	Token       string    `json:"-"`
	UserID      int64     `json:"user_id"`
	Fingerprint string    `json:"device_fingerprint"`
	IPAddress   string    `json:"ip_address"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// Active reports whether the session was refreshed within the activity window.
func (s *UserSession) Active(now time.Time) bool {
	return now.Sub(s.LastSeenAt) < SessionActiveWindow
}

// Stale reports whether the session is eligible for cleanup.
func (s *UserSession) Stale(now time.Time) bool {
	return now.Sub(s.LastSeenAt) > SessionStaleThreshold
}
