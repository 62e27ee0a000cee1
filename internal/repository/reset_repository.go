package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/amirk1998/classroom-access/internal/models"
	"github.com/amirk1998/classroom-access/pkg/errors"
)

// ResetRepository stores password reset grants keyed by token digest.
type ResetRepository struct {
	q Querier
}

// NewResetRepository creates a new reset repository
func NewResetRepository(db *sql.DB) *ResetRepository {
	return &ResetRepository{q: db}
}

// Resets returns a reset repository sharing r's connection or transaction.
func (r *UserRepository) Resets() *ResetRepository {
	return &ResetRepository{q: r.q}
}

// Create inserts a grant
func (r *ResetRepository) Create(ctx context.Context, reset *models.PasswordReset) error {
	query := `
        INSERT INTO password_resets (token, user_id, issued_at, expires_at, used_at)
        VALUES (?, ?, ?, ?, ?)
    `

	_, err := r.q.ExecContext(ctx, query,
		reset.TokenHash,
		reset.UserID,
		reset.IssuedAt.UnixNano(),
		reset.ExpiresAt.UnixNano(),
		toNullNanos(reset.UsedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create password reset: %w", err)
	}

	return nil
}

// Get retrieves a grant by token digest
func (r *ResetRepository) Get(ctx context.Context, tokenHash string) (*models.PasswordReset, error) {
	query := `
        SELECT token, user_id, issued_at, expires_at, used_at
        FROM password_resets
        WHERE token = ?
    `

	var (
		reset           models.PasswordReset
		issued, expires int64
		used            sql.NullInt64
	)
	err := r.q.QueryRowContext(ctx, query, tokenHash).Scan(
		&reset.TokenHash,
		&reset.UserID,
		&issued,
		&expires,
		&used,
	)
	if err == sql.ErrNoRows {
		return nil, errors.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get password reset: %w", err)
	}

	reset.IssuedAt = time.Unix(0, issued)
	reset.ExpiresAt = time.Unix(0, expires)
	reset.UsedAt = fromNullNanos(used)

	return &reset, nil
}

// Consume marks the grant used. It fails with ErrResetTokenInvalid unless the
// grant belongs to userID, is unused and has not expired at now.
func (r *ResetRepository) Consume(ctx context.Context, tokenHash, userID string, now time.Time) error {
	result, err := r.q.ExecContext(ctx, `
        UPDATE password_resets SET used_at = ?
        WHERE token = ? AND user_id = ? AND used_at IS NULL AND expires_at > ?
    `, now.UnixNano(), tokenHash, userID, now.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to consume password reset: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return errors.ErrResetTokenInvalid
	}

	return nil
}

// RevokeUnused marks every outstanding grant of userID used, so only the
// most recently issued one can be redeemed.
func (r *ResetRepository) RevokeUnused(ctx context.Context, userID string, now time.Time) (int, error) {
	result, err := r.q.ExecContext(ctx,
		`UPDATE password_resets SET used_at = ? WHERE user_id = ? AND used_at IS NULL`,
		now.UnixNano(), userID)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke password resets: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	return int(rows), nil
}
