package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Custom error types for better error handling
var (
	// Authentication errors
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountLocked      = errors.New("account is temporarily locked")
	ErrUserNotFound       = errors.New("user not found")
	ErrDuplicateIdentity  = errors.New("identity already exists")
	ErrUnauthorized       = errors.New("unauthorized access")
	ErrResetTokenInvalid  = errors.New("reset token is invalid or expired")
	ErrLastAdministrator  = errors.New("at least one active administrator is required")

	// Session errors
	ErrSessionExpired = errors.New("session expired")
	ErrSessionRevoked = errors.New("session revoked")

	// Validation errors
	ErrInvalidInput      = errors.New("invalid input")
	ErrPolicyViolation   = errors.New("password does not meet requirements")
	ErrPasswordReused    = errors.New("password was used recently")
	ErrInvalidIdentity   = errors.New("invalid identity format")
	ErrInvalidRole       = errors.New("invalid role")
	ErrInvalidHashCost   = errors.New("invalid password hash cost")
	ErrUnknownHashScheme = errors.New("unknown password hash scheme")

	// Storage errors
	ErrStorageFailure          = errors.New("storage failure")
	ErrRecordNotFound          = errors.New("record not found")
	ErrAuditIntegrityViolation = errors.New("audit log integrity violation")

	// Encryption errors
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrInvalidKey       = errors.New("invalid encryption key")

	// Rate limiting errors
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// Backup errors
	ErrBackupFailed = errors.New("backup operation failed")
)

// AppError wraps errors with additional context
type AppError struct {
	Err     error
	Message string
	Code    int
}

func (e *AppError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Err.Error()
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError creates a new application error
func NewAppError(err error, message string, code int) *AppError {
	return &AppError{
		Err:     err,
		Message: message,
		Code:    code,
	}
}

// AccountLockedError is returned while a lockout window is active.
type AccountLockedError struct {
	RetryAfter time.Time
}

func (e *AccountLockedError) Error() string {
	return fmt.Sprintf("%v until %s", ErrAccountLocked, e.RetryAfter.UTC().Format(time.RFC3339))
}

func (e *AccountLockedError) Unwrap() error {
	return ErrAccountLocked
}

// PolicyViolationError lists every password rule a candidate failed.
type PolicyViolationError struct {
	Rules []string
}

func (e *PolicyViolationError) Error() string {
	return fmt.Sprintf("%v: %s", ErrPolicyViolation, strings.Join(e.Rules, ", "))
}

func (e *PolicyViolationError) Unwrap() error {
	return ErrPolicyViolation
}

// Is reports ErrPasswordReused when the reuse rule is among the failures.
func (e *PolicyViolationError) Is(target error) bool {
	if target == ErrPasswordReused {
		return e.Has(RuleReused)
	}
	return false
}

// Has reports whether rule is among the failed rules.
func (e *PolicyViolationError) Has(rule string) bool {
	for _, r := range e.Rules {
		if r == rule {
			return true
		}
	}
	return false
}

// RuleReused is the rule name reported when a candidate matches a previous password.
const RuleReused = "reused"

// StorageError wraps a failure of the underlying store. OutcomeUnknown is
// set for writes whose commit state could not be determined.
type StorageError struct {
	Op             string
	Err            error
	OutcomeUnknown bool
}

func (e *StorageError) Error() string {
	if e.OutcomeUnknown {
		return fmt.Sprintf("%v: %s (outcome unknown): %v", ErrStorageFailure, e.Op, e.Err)
	}
	return fmt.Sprintf("%v: %s: %v", ErrStorageFailure, e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error {
	return []error{ErrStorageFailure, e.Err}
}

// NewStorageError creates a storage error for op.
func NewStorageError(op string, err error, outcomeUnknown bool) *StorageError {
	return &StorageError{Op: op, Err: err, OutcomeUnknown: outcomeUnknown}
}

// IntegrityError identifies the first audit entry whose chain does not verify.
type IntegrityError struct {
	Sequence uint64
	Reason   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%v at sequence %d: %s", ErrAuditIntegrityViolation, e.Sequence, e.Reason)
}

func (e *IntegrityError) Unwrap() error {
	return ErrAuditIntegrityViolation
}
