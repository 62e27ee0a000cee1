package credential

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/amirk1998/classroom-access/internal/database"
	"github.com/amirk1998/classroom-access/internal/models"
	"github.com/amirk1998/classroom-access/internal/security"
	apperrors "github.com/amirk1998/classroom-access/pkg/errors"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store  *Store
	hasher *security.PasswordHasher
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	db, err := database.Connect(database.Config{
		Driver: database.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "access.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.Migrate(db))

	hasher, err := security.NewPasswordHasher(security.SchemeBcrypt, bcrypt.MinCost)
	require.NoError(t, err)

	runner := database.NewRunner(5*time.Second, 1, nil)
	return &fixture{store: NewStore(db, runner, hasher, cfg, nil), hasher: hasher}
}

func (f *fixture) addUser(t *testing.T, identity, password string) *models.User {
	t.Helper()
	hash, err := f.hasher.Hash(password)
	require.NoError(t, err)
	u := &models.User{
		ID:           uuid.NewString(),
		Identity:     identity,
		Role:         models.RoleStudent,
		PasswordHash: hash,
		IsActive:     true,
		CreatedAt:    t0,
		UpdatedAt:    t0,
	}
	require.NoError(t, f.store.Create(context.Background(), u))
	return u
}

func TestStore_Verify(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	u := f.addUser(t, "STU001", "Stu#Pass01")

	res, err := f.store.Verify(ctx, u.ID, "Stu#Pass01")
	require.NoError(t, err)
	assert.Equal(t, Match, res)

	res, err = f.store.Verify(ctx, u.ID, "wrong")
	require.NoError(t, err)
	assert.Equal(t, Mismatch, res)

	res, err = f.store.Verify(ctx, uuid.NewString(), "Stu#Pass01")
	require.NoError(t, err)
	assert.Equal(t, NoSuchUser, res)
}

func TestStore_LockoutAfterThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LockoutThreshold = 3
	cfg.LockoutDuration = 15 * time.Minute
	f := newFixture(t, cfg)
	ctx := context.Background()
	u := f.addUser(t, "STU001", "Stu#Pass01")

	for i := 1; i <= 2; i++ {
		out, err := f.store.RecordFailure(ctx, u.ID, t0.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		assert.Equal(t, i, out.Attempts)
		assert.False(t, out.LockoutTriggered)
	}

	failAt := t0.Add(3 * time.Second)
	out, err := f.store.RecordFailure(ctx, u.ID, failAt)
	require.NoError(t, err)
	assert.True(t, out.LockoutTriggered)
	require.NotNil(t, out.LockoutUntil)
	assert.True(t, out.LockoutUntil.Equal(failAt.Add(15*time.Minute)))

	locked, until, err := f.store.IsLocked(ctx, u.ID, failAt.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, locked)
	assert.False(t, until.Before(failAt))

	// Attempts against a locked account are not consumed.
	out, err = f.store.RecordFailure(ctx, u.ID, failAt.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, out.AlreadyLocked)
	assert.Equal(t, 3, out.Attempts)

	err = f.store.RecordSuccess(ctx, u.ID, failAt.Add(time.Minute))
	var lockedErr *apperrors.AccountLockedError
	require.ErrorAs(t, err, &lockedErr)
	assert.True(t, lockedErr.RetryAfter.Equal(failAt.Add(15*time.Minute)))
	require.ErrorIs(t, err, apperrors.ErrAccountLocked)
}

func TestStore_LockoutExpires(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LockoutThreshold = 2
	f := newFixture(t, cfg)
	ctx := context.Background()
	u := f.addUser(t, "STU001", "Stu#Pass01")

	_, err := f.store.RecordFailure(ctx, u.ID, t0)
	require.NoError(t, err)
	out, err := f.store.RecordFailure(ctx, u.ID, t0)
	require.NoError(t, err)
	require.True(t, out.LockoutTriggered)

	expiry := *out.LockoutUntil
	locked, _, err := f.store.IsLocked(ctx, u.ID, expiry.Add(-time.Millisecond))
	require.NoError(t, err)
	assert.True(t, locked)

	locked, _, err = f.store.IsLocked(ctx, u.ID, expiry)
	require.NoError(t, err)
	assert.False(t, locked)

	require.NoError(t, f.store.RecordSuccess(ctx, u.ID, expiry))

	got, err := f.store.Get(ctx, u.ID)
	require.NoError(t, err)
	assert.Zero(t, got.FailedAttempts)
	assert.Nil(t, got.LockoutUntil)
	require.NotNil(t, got.LastLoginAt)
	assert.True(t, got.LastLoginAt.Equal(expiry))
}

func TestStore_FailureAfterExpiredLockoutStartsFreshWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LockoutThreshold = 2
	f := newFixture(t, cfg)
	ctx := context.Background()
	u := f.addUser(t, "STU001", "Stu#Pass01")

	_, err := f.store.RecordFailure(ctx, u.ID, t0)
	require.NoError(t, err)
	out, err := f.store.RecordFailure(ctx, u.ID, t0)
	require.NoError(t, err)
	require.True(t, out.LockoutTriggered)

	out, err = f.store.RecordFailure(ctx, u.ID, out.LockoutUntil.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, out.Attempts)
	assert.False(t, out.LockoutTriggered)
	assert.False(t, out.AlreadyLocked)
}

func TestStore_ConcurrentFailuresAreAllCounted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LockoutThreshold = 50
	f := newFixture(t, cfg)
	ctx := context.Background()
	u := f.addUser(t, "STU001", "Stu#Pass01")

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.store.RecordFailure(ctx, u.ID, t0)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := f.store.Get(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, n, got.FailedAttempts)
	assert.Zero(t, f.store.locks.size())
}

func TestStore_SetPasswordKeepsBoundedHistory(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HistorySize = 2
	f := newFixture(t, cfg)
	ctx := context.Background()
	u := f.addUser(t, "STU001", "h0")

	original := u.PasswordHash
	for _, h := range []string{"h1", "h2", "h3"} {
		require.NoError(t, f.store.SetPassword(ctx, u.ID, h, t0))
	}

	got, err := f.store.Get(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "h3", got.PasswordHash)
	assert.Equal(t, []string{"h2", "h1"}, got.PasswordHistory)
	assert.NotContains(t, got.PasswordHistory, original)
}

func TestStore_DefaultHistoryHoldsFive(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	u := f.addUser(t, "STU001", "h0")

	for i := 1; i <= 7; i++ {
		require.NoError(t, f.store.SetPassword(ctx, u.ID, "h"+string(rune('0'+i)), t0))
	}

	got, err := f.store.Get(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "h7", got.PasswordHash)
	assert.Equal(t, []string{"h6", "h5", "h4", "h3", "h2"}, got.PasswordHistory)
}

func TestStore_UnlockAndAdminMutations(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LockoutThreshold = 1
	f := newFixture(t, cfg)
	ctx := context.Background()
	u := f.addUser(t, "STU001", "Stu#Pass01")

	_, err := f.store.RecordFailure(ctx, u.ID, t0)
	require.NoError(t, err)

	summary, err := f.store.ListFailedLogins(ctx)
	require.NoError(t, err)
	require.Len(t, summary, 1)

	wasLocked, err := f.store.Unlock(ctx, u.ID, t0.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, wasLocked)

	locked, _, err := f.store.IsLocked(ctx, u.ID, t0.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, locked)

	require.NoError(t, f.store.SetRole(ctx, u.ID, models.RoleInstructor, t0))
	require.ErrorIs(t, f.store.SetRole(ctx, u.ID, models.Role("janitor"), t0), apperrors.ErrInvalidRole)
	require.NoError(t, f.store.SetActive(ctx, u.ID, false, t0))

	got, err := f.store.Lookup(ctx, "stu001")
	require.NoError(t, err)
	assert.Equal(t, models.RoleInstructor, got.Role)
	assert.False(t, got.IsActive)

	_, err = f.store.Unlock(ctx, uuid.NewString(), t0)
	require.True(t, errors.Is(err, apperrors.ErrUserNotFound))
}

func (f *fixture) addAdmin(t *testing.T, identity string) *models.User {
	t.Helper()
	u := f.addUser(t, identity, "Adm#Pass01")
	require.NoError(t, f.store.SetRole(context.Background(), u.ID, models.RoleAdmin, t0))
	return u
}

func TestStore_LastAdministratorIsKept(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	admin := f.addAdmin(t, "ADM001")

	err := f.store.SetActive(ctx, admin.ID, false, t0)
	require.ErrorIs(t, err, apperrors.ErrLastAdministrator)
	require.ErrorIs(t, err, apperrors.ErrInvalidInput)

	err = f.store.SetRole(ctx, admin.ID, models.RoleStudent, t0)
	require.ErrorIs(t, err, apperrors.ErrLastAdministrator)

	// Re-granting the role an administrator already holds is allowed.
	require.NoError(t, f.store.SetRole(ctx, admin.ID, models.RoleAdmin, t0))

	n, err := f.store.CountByRole(ctx, models.RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStore_ConcurrentAdminRemovalsKeepOne(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	a := f.addAdmin(t, "ADM001")
	b := f.addAdmin(t, "ADM002")

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs <- f.store.SetActive(ctx, a.ID, false, t0)
	}()
	go func() {
		defer wg.Done()
		errs <- f.store.SetRole(ctx, b.ID, models.RoleInstructor, t0)
	}()
	wg.Wait()
	close(errs)

	var failed int
	for err := range errs {
		if err != nil {
			require.ErrorIs(t, err, apperrors.ErrLastAdministrator)
			failed++
		}
	}
	assert.Equal(t, 1, failed)

	n, err := f.store.CountByRole(ctx, models.RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStore_Rehash(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	u := f.addUser(t, "STU001", "Stu#Pass01")

	replaced, err := f.store.Rehash(ctx, u.ID, "stale", "new-hash", t0)
	require.NoError(t, err)
	assert.False(t, replaced)

	replaced, err = f.store.Rehash(ctx, u.ID, u.PasswordHash, "new-hash", t0)
	require.NoError(t, err)
	assert.True(t, replaced)

	got, err := f.store.Get(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "new-hash", got.PasswordHash)
	assert.Empty(t, got.PasswordHistory)
}

func TestStore_ResetGrants(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	u := f.addUser(t, "STU001", "Stu#Pass01")
	expires := t0.Add(30 * time.Minute)

	require.NoError(t, f.store.IssueReset(ctx, u.ID, "digest-1", t0, expires))
	require.NoError(t, f.store.IssueReset(ctx, u.ID, "digest-2", t0, expires))

	_, err := f.store.PendingReset(ctx, "digest-1", t0)
	require.ErrorIs(t, err, apperrors.ErrResetTokenInvalid, "reissuing revokes the earlier grant")

	reset, err := f.store.PendingReset(ctx, "digest-2", t0)
	require.NoError(t, err)
	assert.Equal(t, u.ID, reset.UserID)

	_, err = f.store.PendingReset(ctx, "digest-2", expires)
	require.ErrorIs(t, err, apperrors.ErrResetTokenInvalid)
	_, err = f.store.PendingReset(ctx, "unknown", t0)
	require.ErrorIs(t, err, apperrors.ErrResetTokenInvalid)

	err = f.store.ResetPassword(ctx, u.ID, "digest-2", "new-hash", expires)
	require.ErrorIs(t, err, apperrors.ErrResetTokenInvalid, "expired grants cannot be redeemed")

	require.NoError(t, f.store.ResetPassword(ctx, u.ID, "digest-2", "new-hash", t0.Add(time.Minute)))
	got, err := f.store.Get(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "new-hash", got.PasswordHash)
	assert.Equal(t, []string{u.PasswordHash}, got.PasswordHistory)

	err = f.store.ResetPassword(ctx, u.ID, "digest-2", "other-hash", t0.Add(2*time.Minute))
	require.ErrorIs(t, err, apperrors.ErrResetTokenInvalid, "grants are single use")
	got, err = f.store.Get(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "new-hash", got.PasswordHash)
}
