package models

import "time"

// PasswordReset is a single-use grant to set a new password without the
// current one. Only the token digest is stored.
type PasswordReset struct {
	TokenHash string
	UserID    string
	IssuedAt  time.Time
	ExpiresAt time.Time
	UsedAt    *time.Time
}

// UsableAt reports whether the grant can still be redeemed at now.
func (r *PasswordReset) UsableAt(now time.Time) bool {
	return r.UsedAt == nil && now.Before(r.ExpiresAt)
}
