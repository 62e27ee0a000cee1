// Package credential owns user records: password hashes and history, failed
// attempt counters and lockout state. Every mutation of a single user runs
// under that user's mutex and inside one database transaction.
package credential

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/amirk1998/classroom-access/internal/database"
	"github.com/amirk1998/classroom-access/internal/logging"
	"github.com/amirk1998/classroom-access/internal/models"
	"github.com/amirk1998/classroom-access/internal/repository"
	"github.com/amirk1998/classroom-access/internal/security"
	apperrors "github.com/amirk1998/classroom-access/pkg/errors"
)

// VerifyResult is the outcome of a password check.
type VerifyResult int

const (
	NoSuchUser VerifyResult = iota
	Match
	Mismatch
)

func (r VerifyResult) String() string {
	switch r {
	case Match:
		return "match"
	case Mismatch:
		return "mismatch"
	default:
		return "no_such_user"
	}
}

// FailureOutcome describes what RecordFailure did.
type FailureOutcome struct {
	Attempts         int
	LockoutTriggered bool
	// AlreadyLocked is set when the account was locked before this attempt;
	// the attempt is then not counted.
	AlreadyLocked bool
	LockoutUntil  *time.Time
}

type Config struct {
	LockoutThreshold int
	LockoutDuration  time.Duration
	HistorySize      int
}

// DefaultConfig returns the stock lockout and history settings.
func DefaultConfig() Config {
	return Config{
		LockoutThreshold: 5,
		LockoutDuration:  15 * time.Minute,
		HistorySize:      5,
	}
}

type Store struct {
	tm     *database.TransactionManager
	users  *repository.UserRepository
	resets *repository.ResetRepository
	runner *database.Runner
	hasher security.Hasher
	cfg    Config
	locks  *keyedMutex
	logger logrus.FieldLogger
}

// NewStore creates a credential store over db.
func NewStore(db *sql.DB, runner *database.Runner, hasher security.Hasher, cfg Config, logger logrus.FieldLogger) *Store {
	if cfg.LockoutThreshold < 1 {
		cfg.LockoutThreshold = 1
	}
	if cfg.HistorySize < 0 {
		cfg.HistorySize = 0
	}
	return &Store{
		tm:     database.NewTransactionManager(db),
		users:  repository.NewUserRepository(db),
		resets: repository.NewResetRepository(db),
		runner: runner,
		hasher: hasher,
		cfg:    cfg,
		locks:  newKeyedMutex(),
		logger: logging.OrDiscard(logger).WithField("component", "credential_store"),
	}
}

// Create inserts a new user record.
func (s *Store) Create(ctx context.Context, user *models.User) error {
	return s.runner.Write(ctx, "create user", func(ctx context.Context) error {
		return s.users.Create(ctx, user)
	})
}

// Get returns the user with id.
func (s *Store) Get(ctx context.Context, id string) (*models.User, error) {
	var user *models.User
	err := s.runner.Read(ctx, "get user", func(ctx context.Context) error {
		var err error
		user, err = s.users.GetByID(ctx, id)
		return err
	})
	return user, err
}

// Lookup returns the user with the given login identity.
func (s *Store) Lookup(ctx context.Context, identity string) (*models.User, error) {
	var user *models.User
	err := s.runner.Read(ctx, "lookup user", func(ctx context.Context) error {
		var err error
		user, err = s.users.GetByIdentity(ctx, identity)
		return err
	})
	return user, err
}

// Verify checks password against the stored hash of userID.
func (s *Store) Verify(ctx context.Context, userID, password string) (VerifyResult, error) {
	user, err := s.Get(ctx, userID)
	if errors.Is(err, apperrors.ErrUserNotFound) {
		return NoSuchUser, nil
	}
	if err != nil {
		return NoSuchUser, err
	}

	ok, err := s.hasher.Verify(password, user.PasswordHash)
	if err != nil {
		return Mismatch, fmt.Errorf("verify password for %s: %w", userID, err)
	}
	if !ok {
		return Mismatch, nil
	}
	return Match, nil
}

// SetPassword swaps in newHash and pushes the prior hash onto the history,
// evicting the oldest entries beyond the configured size.
func (s *Store) SetPassword(ctx context.Context, userID, newHash string, now time.Time) error {
	return s.mutate(ctx, "set password", userID, func(ctx context.Context, users *repository.UserRepository, user *models.User) error {
		s.rotate(user, newHash, now)
		return users.SaveCredentials(ctx, user)
	})
}

// Rehash replaces oldHash with newHash, a hash of the same password under
// the current parameters. History is untouched. It is a no-op when the
// password changed since oldHash was read.
func (s *Store) Rehash(ctx context.Context, userID, oldHash, newHash string, now time.Time) (bool, error) {
	var replaced bool
	err := s.mutate(ctx, "rehash password", userID, func(ctx context.Context, users *repository.UserRepository, user *models.User) error {
		if user.PasswordHash != oldHash {
			return nil
		}
		user.PasswordHash = newHash
		user.UpdatedAt = now
		replaced = true
		return users.SaveCredentials(ctx, user)
	})
	return replaced, err
}

// IssueReset stores a reset grant for userID and revokes any earlier unused
// ones. Only the token digest is kept.
func (s *Store) IssueReset(ctx context.Context, userID, tokenHash string, now, expiresAt time.Time) error {
	return s.mutate(ctx, "issue password reset", userID, func(ctx context.Context, users *repository.UserRepository, user *models.User) error {
		resets := users.Resets()
		if _, err := resets.RevokeUnused(ctx, userID, now); err != nil {
			return err
		}
		return resets.Create(ctx, &models.PasswordReset{
			TokenHash: tokenHash,
			UserID:    userID,
			IssuedAt:  now,
			ExpiresAt: expiresAt,
		})
	})
}

// PendingReset returns the grant for tokenHash if it can be redeemed at now.
// Unknown, used and expired grants all report ErrResetTokenInvalid.
func (s *Store) PendingReset(ctx context.Context, tokenHash string, now time.Time) (*models.PasswordReset, error) {
	var reset *models.PasswordReset
	err := s.runner.Read(ctx, "get password reset", func(ctx context.Context) error {
		var err error
		reset, err = s.resets.Get(ctx, tokenHash)
		return err
	})
	if errors.Is(err, apperrors.ErrRecordNotFound) {
		return nil, apperrors.ErrResetTokenInvalid
	}
	if err != nil {
		return nil, err
	}
	if !reset.UsableAt(now) {
		return nil, apperrors.ErrResetTokenInvalid
	}
	return reset, nil
}

// ResetPassword redeems the grant and swaps in newHash in one transaction,
// pushing the prior hash onto the history as SetPassword does.
func (s *Store) ResetPassword(ctx context.Context, userID, tokenHash, newHash string, now time.Time) error {
	return s.mutate(ctx, "reset password", userID, func(ctx context.Context, users *repository.UserRepository, user *models.User) error {
		if err := users.Resets().Consume(ctx, tokenHash, userID, now); err != nil {
			return err
		}
		s.rotate(user, newHash, now)
		return users.SaveCredentials(ctx, user)
	})
}

// rotate makes newHash current and keeps the newest HistorySize prior hashes.
func (s *Store) rotate(user *models.User, newHash string, now time.Time) {
	history := append([]string{user.PasswordHash}, user.PasswordHistory...)
	if len(history) > s.cfg.HistorySize {
		history = history[:s.cfg.HistorySize]
	}

	user.PasswordHash = newHash
	user.PasswordHistory = history
	user.UpdatedAt = now
}

// RecordFailure counts a failed attempt and locks the account once the
// threshold is reached. An expired lockout starts a fresh window.
func (s *Store) RecordFailure(ctx context.Context, userID string, now time.Time) (FailureOutcome, error) {
	var out FailureOutcome

	err := s.mutate(ctx, "record failure", userID, func(ctx context.Context, users *repository.UserRepository, user *models.User) error {
		if user.IsLocked(now) {
			out = FailureOutcome{Attempts: user.FailedAttempts, AlreadyLocked: true, LockoutUntil: user.LockoutUntil}
			return nil
		}
		if user.LockoutUntil != nil {
			user.FailedAttempts = 0
			user.LockoutUntil = nil
		}

		user.FailedAttempts++
		out.Attempts = user.FailedAttempts
		if user.FailedAttempts >= s.cfg.LockoutThreshold {
			until := now.Add(s.cfg.LockoutDuration)
			user.LockoutUntil = &until
			out.LockoutTriggered = true
			out.LockoutUntil = &until
		}

		user.UpdatedAt = now
		return users.SaveLoginState(ctx, user)
	})
	if err != nil {
		return FailureOutcome{}, err
	}

	if out.LockoutTriggered {
		s.logger.WithFields(logrus.Fields{"user_id": userID, "attempts": out.Attempts}).Warn("account locked")
	}
	return out, nil
}

// RecordSuccess resets the failure counter and stamps the login time. It
// refuses while a lockout is active.
func (s *Store) RecordSuccess(ctx context.Context, userID string, now time.Time) error {
	return s.mutate(ctx, "record success", userID, func(ctx context.Context, users *repository.UserRepository, user *models.User) error {
		if user.IsLocked(now) {
			return &apperrors.AccountLockedError{RetryAfter: *user.LockoutUntil}
		}

		user.FailedAttempts = 0
		user.LockoutUntil = nil
		user.LastLoginAt = &now
		user.UpdatedAt = now
		return users.SaveLoginState(ctx, user)
	})
}

// IsLocked reports whether userID is locked at now and until when.
func (s *Store) IsLocked(ctx context.Context, userID string, now time.Time) (bool, *time.Time, error) {
	release := s.locks.Lock(userID)
	defer release()

	user, err := s.Get(ctx, userID)
	if err != nil {
		return false, nil, err
	}
	if user.IsLocked(now) {
		return true, user.LockoutUntil, nil
	}
	return false, nil, nil
}

// Unlock clears the failure counter and any lockout. It reports whether a
// lockout was active.
func (s *Store) Unlock(ctx context.Context, userID string, now time.Time) (bool, error) {
	var wasLocked bool
	err := s.mutate(ctx, "unlock", userID, func(ctx context.Context, users *repository.UserRepository, user *models.User) error {
		wasLocked = user.IsLocked(now)
		user.FailedAttempts = 0
		user.LockoutUntil = nil
		user.UpdatedAt = now
		return users.SaveLoginState(ctx, user)
	})
	return wasLocked, err
}

// SetRole changes the role of userID.
func (s *Store) SetRole(ctx context.Context, userID string, role models.Role, now time.Time) error {
	if !role.Valid() {
		return apperrors.ErrInvalidRole
	}
	return s.mutate(ctx, "set role", userID, func(ctx context.Context, users *repository.UserRepository, user *models.User) error {
		if role != models.RoleAdmin {
			if err := keepAdministrator(ctx, users, user); err != nil {
				return err
			}
		}
		return users.SetRole(ctx, userID, role, now)
	})
}

// SetActive deactivates or reactivates userID.
func (s *Store) SetActive(ctx context.Context, userID string, active bool, now time.Time) error {
	return s.mutate(ctx, "set active", userID, func(ctx context.Context, users *repository.UserRepository, user *models.User) error {
		if !active {
			if err := keepAdministrator(ctx, users, user); err != nil {
				return err
			}
		}
		return users.SetActive(ctx, userID, active, now)
	})
}

// keepAdministrator refuses to take user out of the active administrators
// when it is the last one. The count runs in the caller's transaction, which
// holds the database write lock.
func keepAdministrator(ctx context.Context, users *repository.UserRepository, user *models.User) error {
	if user.Role != models.RoleAdmin || !user.IsActive {
		return nil
	}
	n, err := users.CountByRole(ctx, models.RoleAdmin)
	if err != nil {
		return err
	}
	if n <= 1 {
		return apperrors.NewAppError(fmt.Errorf("%w: %w", apperrors.ErrInvalidInput, apperrors.ErrLastAdministrator),
			"at least one active administrator is required", 409)
	}
	return nil
}

// CountByRole counts active users holding role.
func (s *Store) CountByRole(ctx context.Context, role models.Role) (int, error) {
	var n int
	err := s.runner.Read(ctx, "count users", func(ctx context.Context) error {
		var err error
		n, err = s.users.CountByRole(ctx, role)
		return err
	})
	return n, err
}

// List returns a page of users.
func (s *Store) List(ctx context.Context, limit, offset int) ([]*models.User, error) {
	var users []*models.User
	err := s.runner.Read(ctx, "list users", func(ctx context.Context) error {
		var err error
		users, err = s.users.List(ctx, limit, offset)
		return err
	})
	return users, err
}

// ListFailedLogins reports users with outstanding failures or lockouts.
func (s *Store) ListFailedLogins(ctx context.Context) ([]models.FailedLoginSummary, error) {
	var out []models.FailedLoginSummary
	err := s.runner.Read(ctx, "list failed logins", func(ctx context.Context) error {
		var err error
		out, err = s.users.ListFailedLogins(ctx)
		return err
	})
	return out, err
}

type mutation func(ctx context.Context, users *repository.UserRepository, user *models.User) error

// mutate loads userID and applies fn inside a transaction while holding the
// user's mutex.
func (s *Store) mutate(ctx context.Context, op, userID string, fn mutation) error {
	release := s.locks.Lock(userID)
	defer release()

	return s.runner.Write(ctx, op, func(ctx context.Context) error {
		return s.tm.Execute(ctx, func(tx *sql.Tx) error {
			users := s.users.WithTx(tx)
			user, err := users.GetByID(ctx, userID)
			if err != nil {
				return err
			}
			return fn(ctx, users, user)
		})
	})
}
