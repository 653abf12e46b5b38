package model

import (
	"database/sql"
	"time"
)

// RoleAdmin is the administrator role name.
const RoleAdmin = "admin"

// Admin-scoped permissions. A user holding any of these receives security
// notifications even without the admin role.
var AdminPermissions = []string{"tab:admin", "admin.senior", "admin.junior"}

// User is an application account. Phone doubles as the login identifier for
// warehouse staff; Username is optional.
type User struct {
	ID           int64          `json:"id"`
	Name         string         `json:"name"`
	Phone        string         `json:"phone"`
	Username     sql.NullString `json:"username"`
	PasswordHash string         `json:"-"`
	Role         string         `json:"role"`
	Active       bool           `json:"active"`
	CreatedAt    time.Time      `json:"created_at"`
	LastLoginAt  sql.NullTime   `json:"last_login_at,omitempty"`
}

// IsAdmin returns true if the user has the admin role.
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}
