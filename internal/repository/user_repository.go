package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/amirk1998/classroom-access/internal/models"
	"github.com/amirk1998/classroom-access/pkg/errors"
)

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type UserRepository struct {
	q Querier
}

// NewUserRepository creates a new user repository
func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{q: db}
}

// WithTx returns a repository bound to tx.
func (r *UserRepository) WithTx(tx *sql.Tx) *UserRepository {
	return &UserRepository{q: tx}
}

const userColumns = `id, identity, role, password_hash, password_history, failed_attempts,
               lockout_until, last_login_at, is_active, created_at, updated_at`

// Create inserts a new user. Identities are unique without regard to case.
func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	history, err := json.Marshal(nonNil(user.PasswordHistory))
	if err != nil {
		return fmt.Errorf("failed to encode password history: %w", err)
	}

	query := `
        INSERT INTO users (id, identity, role, password_hash, password_history, failed_attempts,
                           lockout_until, last_login_at, is_active, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `

	_, err = r.q.ExecContext(ctx, query,
		user.ID,
		user.Identity,
		string(user.Role),
		user.PasswordHash,
		string(history),
		user.FailedAttempts,
		toNullNanos(user.LockoutUntil),
		toNullNanos(user.LastLoginAt),
		user.IsActive,
		user.CreatedAt.UnixNano(),
		user.UpdatedAt.UnixNano(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.ErrDuplicateIdentity
		}
		return fmt.Errorf("failed to create user: %w", err)
	}

	return nil
}

// GetByID retrieves a user by ID
func (r *UserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// GetByIdentity retrieves a user by login identity
func (r *UserRepository) GetByIdentity(ctx context.Context, identity string) (*models.User, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE identity = ?`, identity)
	return scanUser(row)
}

// SaveLoginState writes the attempt counter, lockout and last-login fields.
func (r *UserRepository) SaveLoginState(ctx context.Context, user *models.User) error {
	query := `
        UPDATE users
        SET failed_attempts = ?, lockout_until = ?, last_login_at = ?, updated_at = ?
        WHERE id = ?
    `

	return r.execOne(ctx, "save login state", query,
		user.FailedAttempts,
		toNullNanos(user.LockoutUntil),
		toNullNanos(user.LastLoginAt),
		user.UpdatedAt.UnixNano(),
		user.ID,
	)
}

// SaveCredentials writes the password hash and history.
func (r *UserRepository) SaveCredentials(ctx context.Context, user *models.User) error {
	history, err := json.Marshal(nonNil(user.PasswordHistory))
	if err != nil {
		return fmt.Errorf("failed to encode password history: %w", err)
	}

	query := `
        UPDATE users
        SET password_hash = ?, password_history = ?, updated_at = ?
        WHERE id = ?
    `

	return r.execOne(ctx, "save credentials", query,
		user.PasswordHash,
		string(history),
		user.UpdatedAt.UnixNano(),
		user.ID,
	)
}

// SetRole changes a user's role
func (r *UserRepository) SetRole(ctx context.Context, id string, role models.Role, now time.Time) error {
	return r.execOne(ctx, "set role",
		`UPDATE users SET role = ?, updated_at = ? WHERE id = ?`,
		string(role), now.UnixNano(), id)
}

// SetActive soft-deactivates or reactivates a user. Users are never deleted.
func (r *UserRepository) SetActive(ctx context.Context, id string, active bool, now time.Time) error {
	return r.execOne(ctx, "set active",
		`UPDATE users SET is_active = ?, updated_at = ? WHERE id = ?`,
		active, now.UnixNano(), id)
}

// CountByRole counts active users holding role
func (r *UserRepository) CountByRole(ctx context.Context, role models.Role) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE role = ? AND is_active = 1`, string(role)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}
	return n, nil
}

// List returns users ordered by identity
func (r *UserRepository) List(ctx context.Context, limit, offset int) ([]*models.User, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.q.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users ORDER BY identity LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate users: %w", err)
	}

	return users, nil
}

// ListFailedLogins returns users with outstanding failed attempts or a
// lockout, most attempts first.
func (r *UserRepository) ListFailedLogins(ctx context.Context) ([]models.FailedLoginSummary, error) {
	rows, err := r.q.QueryContext(ctx, `
        SELECT id, identity, failed_attempts, lockout_until
        FROM users
        WHERE failed_attempts > 0 OR lockout_until IS NOT NULL
        ORDER BY failed_attempts DESC, identity
    `)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed logins: %w", err)
	}
	defer rows.Close()

	var out []models.FailedLoginSummary
	for rows.Next() {
		var (
			s       models.FailedLoginSummary
			lockout sql.NullInt64
		)
		if err := rows.Scan(&s.UserID, &s.Identity, &s.FailedAttempts, &lockout); err != nil {
			return nil, fmt.Errorf("failed to scan failed login: %w", err)
		}
		s.LockoutUntil = fromNullNanos(lockout)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate failed logins: %w", err)
	}

	return out, nil
}

func (r *UserRepository) execOne(ctx context.Context, op, query string, args ...any) error {
	result, err := r.q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}

	if rows == 0 {
		return errors.ErrUserNotFound
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*models.User, error) {
	var (
		user               models.User
		role, history      string
		lockout, lastLogin sql.NullInt64
		created, updated   int64
	)

	err := row.Scan(
		&user.ID,
		&user.Identity,
		&role,
		&user.PasswordHash,
		&history,
		&user.FailedAttempts,
		&lockout,
		&lastLogin,
		&user.IsActive,
		&created,
		&updated,
	)
	if err == sql.ErrNoRows {
		return nil, errors.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	if err := json.Unmarshal([]byte(history), &user.PasswordHistory); err != nil {
		return nil, fmt.Errorf("failed to decode password history: %w", err)
	}

	user.Role = models.Role(role)
	user.LockoutUntil = fromNullNanos(lockout)
	user.LastLoginAt = fromNullNanos(lastLogin)
	user.CreatedAt = time.Unix(0, created)
	user.UpdatedAt = time.Unix(0, updated)

	return &user, nil
}

func toNullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64)
	return &t
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}
