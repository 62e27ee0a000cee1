package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/amirk1998/classroom-access/internal/models"
	"github.com/amirk1998/classroom-access/pkg/errors"
)

// SessionRepository stores sessions in the access database, keyed by token hash.
type SessionRepository struct {
	db *sql.DB
}

// NewSessionRepository creates a new session repository
func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Create inserts a session
func (r *SessionRepository) Create(ctx context.Context, s *models.Session) error {
	query := `
        INSERT INTO sessions (token, user_id, issued_at, expires_at, revoked)
        VALUES (?, ?, ?, ?, ?)
    `

	_, err := r.db.ExecContext(ctx, query,
		s.TokenHash,
		s.UserID,
		s.IssuedAt.UnixNano(),
		s.ExpiresAt.UnixNano(),
		s.Revoked,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	return nil
}

// Get retrieves a session by token hash
func (r *SessionRepository) Get(ctx context.Context, tokenHash string) (*models.Session, error) {
	query := `
        SELECT token, user_id, issued_at, expires_at, revoked
        FROM sessions
        WHERE token = ?
    `

	var (
		s               models.Session
		issued, expires int64
	)
	err := r.db.QueryRowContext(ctx, query, tokenHash).Scan(
		&s.TokenHash,
		&s.UserID,
		&issued,
		&expires,
		&s.Revoked,
	)
	if err == sql.ErrNoRows {
		return nil, errors.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	s.IssuedAt = time.Unix(0, issued)
	s.ExpiresAt = time.Unix(0, expires)

	return &s, nil
}

// Revoke marks a session revoked. Revoking an unknown or already revoked
// session is not an error.
func (r *SessionRepository) Revoke(ctx context.Context, tokenHash string) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE sessions SET revoked = 1 WHERE token = ?`, tokenHash); err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	return nil
}

// RevokeUser revokes every live session of a user except keepHash (which may
// be empty) and returns how many were revoked.
func (r *SessionRepository) RevokeUser(ctx context.Context, userID, keepHash string) (int, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET revoked = 1 WHERE user_id = ? AND revoked = 0 AND token != ?`,
		userID, keepHash)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke user sessions: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return int(n), nil
}

// DeleteExpired removes sessions whose expiry is at or before now
func (r *SessionRepository) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return int(n), nil
}
