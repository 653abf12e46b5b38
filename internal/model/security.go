// Package model defines domain models and types shared across the gateway
// including blocked IPs, lockout ledger rows, security events, and sessions.
package model

import (
	"database/sql"
	"time"
)

// Security event types recorded in the audit trail and fanned out to admins.
const (
	EventBlockedBlacklist      = "BLOCKED_BLACKLIST"
	EventBlockedCached         = "BLOCKED_CACHED"
	EventVPNDetected           = "VPN_DETECTED"
	EventProxyDetected         = "PROXY_DETECTED"
	EventTorDetected           = "TOR_DETECTED"
	EventGeofenceBlocked       = "GEOFENCE_BLOCKED"
	EventHoneypotTriggered     = "HONEYPOT_TRIGGERED"
	EventTimeRestriction       = "TIME_RESTRICTION_VIOLATION"
	EventReputationBlocked     = "IP_REPUTATION_BLOCKED"
	EventReputationFlagged     = "IP_REPUTATION_FLAGGED"
	EventSuspiciousDevice      = "SUSPICIOUS_DEVICE_ACTIVITY"
	EventBruteForceLocked      = "BRUTE_FORCE_LOCKED"
	EventLoginFailed           = "LOGIN_FAILED"
	EventLoginSuccess          = "LOGIN_SUCCESS"
	EventManualBlock           = "MANUAL_BLOCK"
	EventManualUnblock         = "MANUAL_UNBLOCK"
	EventSecurityStoreDegraded = "SECURITY_STORE_DEGRADED"
)

// BlockedIP is a durable block entry consulted on every request.
// BlockedUntil is NULL for indefinite blocks; Attempts counts repeated
// blocks of the same address.
type BlockedIP struct {
	IP           string       `json:"ip"`
	Reason       string       `json:"reason"`
	BlockedAt    time.Time    `json:"blocked_at"`
	BlockedUntil sql.NullTime `json:"blocked_until"`
	Attempts     int          `json:"attempts"`
}

// Active reports whether the block still applies at the given instant.
func (b *BlockedIP) Active(now time.Time) bool {
	return !b.BlockedUntil.Valid || b.BlockedUntil.Time.After(now)
}

// BruteForceAttempt is one lockout-ledger row. The identifier is namespaced
// ("ip:1.2.3.4" or "account:5551234"); Attempts only counts failures inside
// the sliding window ending at LastAttemptAt.
type BruteForceAttempt struct {
	Identifier     string       `json:"identifier"`
	Attempts       int          `json:"attempts"`
	LockedUntil    sql.NullTime `json:"locked_until"`
	FirstAttemptAt time.Time    `json:"first_attempt_at"`
	LastAttemptAt  time.Time    `json:"last_attempt_at"`
}

// SecurityEvent is one append-only audit trail entry.
type SecurityEvent struct {
	ID        int64         `json:"id"`
	IP        string        `json:"ip"`
	EventType string        `json:"event_type"`
	Details   string        `json:"details"` // JSON object
	UserID    sql.NullInt64 `json:"user_id"`
	CreatedAt time.Time     `json:"created_at"`
}
