package database

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	apperrors "github.com/amirk1998/classroom-access/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Connect(Config{
		Driver: DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "nested", "access.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, Migrate(db))
	return db
}

func TestConnect_CreatesDirectoryAndRestrictsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "access.db")
	db, err := Connect(Config{Driver: DriverSQLite, Path: path})
	require.NoError(t, err)
	defer db.Close()

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestConnect_RejectsUnknownDriver(t *testing.T) {
	_, err := Connect(Config{Driver: "postgres", Path: filepath.Join(t.TempDir(), "x.db")})
	require.Error(t, err)
}

func TestMigrate_Idempotent(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, Migrate(db))

	for _, table := range []string{"users", "sessions", "audit_log"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		require.NoError(t, err, table)
	}
}

func TestTransactionManager_RollsBackOnError(t *testing.T) {
	db := openTestDB(t)
	tm := NewTransactionManager(db)

	boom := errors.New("boom")
	err := tm.Execute(context.Background(), func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO users (id, identity, role, password_hash, created_at, updated_at)
			VALUES ('u1', 'STU001', 'student', 'x', 1, 1)`)
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&n))
	assert.Zero(t, n)

	err = tm.Execute(context.Background(), func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO users (id, identity, role, password_hash, created_at, updated_at)
			VALUES ('u1', 'STU001', 'student', 'x', 1, 1)`)
		return err
	})
	require.NoError(t, err)
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestRunner_ReadRetriesTransientFailures(t *testing.T) {
	r := NewRunner(time.Second, 3, nil)

	calls := 0
	err := r.Read(context.Background(), "lookup", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRunner_ReadGivesUpAsStorageFailure(t *testing.T) {
	r := NewRunner(time.Second, 2, nil)

	calls := 0
	err := r.Read(context.Background(), "lookup", func(ctx context.Context) error {
		calls++
		return errors.New("disk I/O error")
	})
	require.ErrorIs(t, err, apperrors.ErrStorageFailure)
	assert.Equal(t, 3, calls)

	var se *apperrors.StorageError
	require.ErrorAs(t, err, &se)
	assert.False(t, se.OutcomeUnknown)
	assert.Equal(t, "lookup", se.Op)
}

func TestRunner_ReadPassesResultsThrough(t *testing.T) {
	r := NewRunner(time.Second, 3, nil)

	calls := 0
	err := r.Read(context.Background(), "lookup", func(ctx context.Context) error {
		calls++
		return apperrors.ErrRecordNotFound
	})
	require.ErrorIs(t, err, apperrors.ErrRecordNotFound)
	require.NotErrorIs(t, err, apperrors.ErrStorageFailure)
	assert.Equal(t, 1, calls)
}

func TestRunner_WriteIsNotRetried(t *testing.T) {
	r := NewRunner(time.Second, 3, nil)

	calls := 0
	err := r.Write(context.Background(), "update", func(ctx context.Context) error {
		calls++
		return errors.New("disk full")
	})
	assert.Equal(t, 1, calls)

	var se *apperrors.StorageError
	require.ErrorAs(t, err, &se)
	assert.True(t, se.OutcomeUnknown)
}

func TestRunner_WriteIgnoresCallerCancellation(t *testing.T) {
	r := NewRunner(time.Second, 0, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := r.Write(ctx, "update", func(ctx context.Context) error {
		return ctx.Err()
	})
	require.NoError(t, err)
}

func TestRunner_TimeoutBoundsEachCall(t *testing.T) {
	r := NewRunner(20*time.Millisecond, 0, nil)

	err := r.Write(context.Background(), "slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.ErrorIs(t, err, apperrors.ErrStorageFailure)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
