package database

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/amirk1998/classroom-access/internal/logging"
	apperrors "github.com/amirk1998/classroom-access/pkg/errors"
)

// Runner bounds every store call with a timeout and maps driver failures to
// *errors.StorageError. Reads are retried with exponential backoff. Writes
// are never retried and run detached from the caller's cancellation so an
// abandoned request cannot roll back a mutation mid-flight.
type Runner struct {
	timeout time.Duration
	retries uint64
	logger  logrus.FieldLogger
}

// NewRunner creates a runner. retries is the number of additional read attempts.
func NewRunner(timeout time.Duration, retries int, logger logrus.FieldLogger) *Runner {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if retries < 0 {
		retries = 0
	}
	return &Runner{timeout: timeout, retries: uint64(retries), logger: logging.OrDiscard(logger)}
}

// Read runs an idempotent lookup.
func (r *Runner) Read(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 0

	attempt := func() error {
		callCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()

		err := fn(callCtx)
		if err == nil || isResult(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		r.logger.WithFields(logrus.Fields{"op": op, "retry_in": wait}).WithError(err).Warn("storage read failed, retrying")
	}

	err := backoff.RetryNotify(attempt, backoff.WithContext(backoff.WithMaxRetries(b, r.retries), ctx), notify)
	if err == nil || isResult(err) {
		return err
	}
	return apperrors.NewStorageError(op, err, false)
}

// Write runs a mutation once. A failure other than a domain result is
// reported with OutcomeUnknown set, since the commit may have landed.
func (r *Runner) Write(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	err := fn(callCtx)
	if err == nil || isResult(err) {
		return err
	}

	r.logger.WithField("op", op).WithError(err).Error("storage write failed")
	return apperrors.NewStorageError(op, err, true)
}

// isResult reports errors that are answers from the store rather than
// failures of it.
func isResult(err error) bool {
	var se *apperrors.StorageError
	if errors.As(err, &se) {
		return true
	}
	for _, target := range []error{
		apperrors.ErrRecordNotFound,
		apperrors.ErrUserNotFound,
		apperrors.ErrDuplicateIdentity,
		apperrors.ErrAccountLocked,
		apperrors.ErrInvalidInput,
		apperrors.ErrResetTokenInvalid,
		apperrors.ErrAuditIntegrityViolation,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
