package models

import (
	"time"
)

// Session is proof of an authenticated principal for a bounded window. Token
// is populated only on the value handed back from issuance; stores key
// sessions by TokenHash.
type Session struct {
	Token     string    `json:"token,omitempty"`
	TokenHash string    `json:"-"`
	UserID    string    `json:"user_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Revoked   bool      `json:"revoked"`
}

// ValidAt reports whether the session is usable at now.
func (s *Session) ValidAt(now time.Time) bool {
	return !s.Revoked && now.Before(s.ExpiresAt)
}
