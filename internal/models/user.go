package models

import (
	"strings"
	"time"
)

type Role string

const (
	RoleAdmin      Role = "admin"
	RoleInstructor Role = "instructor"
	RoleStudent    Role = "student"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleInstructor, RoleStudent:
		return true
	}
	return false
}

// ParseRole accepts a role name in any case.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	return r, r.Valid()
}

type User struct {
	ID              string     `json:"id"`
	Identity        string     `json:"identity"`
	Role            Role       `json:"role"`
	PasswordHash    string     `json:"-"` // Never expose in JSON
	PasswordHistory []string   `json:"-"` // Most recent first
	FailedAttempts  int        `json:"-"`
	LockoutUntil    *time.Time `json:"-"`
	LastLoginAt     *time.Time `json:"last_login_at,omitempty"`
	IsActive        bool       `json:"is_active"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// IsLocked reports whether a lockout window is active at now.
func (u *User) IsLocked(now time.Time) bool {
	return u.LockoutUntil != nil && now.Before(*u.LockoutUntil)
}

type CreateUserRequest struct {
	Identity string `json:"identity"`
	Password string `json:"password"`
	Role     Role   `json:"role"`
}

// FailedLoginSummary is one row of the admin failed-login report.
type FailedLoginSummary struct {
	UserID         string     `json:"user_id"`
	Identity       string     `json:"identity"`
	FailedAttempts int        `json:"failed_attempts"`
	LockoutUntil   *time.Time `json:"lockout_until,omitempty"`
}
