package audit

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/amirk1998/classroom-access/internal/database"
	apperrors "github.com/amirk1998/classroom-access/pkg/errors"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// stepClock advances by one second per call.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newSQLDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.Connect(database.Config{
		Driver: database.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "access.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.Migrate(db))
	return db
}

func newBoltStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := OpenBoltStore(filepath.Join(t.TempDir(), "audit.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func stores(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"sql":  func(t *testing.T) Store { return NewSQLStore(newSQLDB(t)) },
		"bolt": func(t *testing.T) Store { return newBoltStore(t) },
	}
}

func newTestLogger(t *testing.T, store Store, opts ...Option) *Logger {
	t.Helper()
	clock := &stepClock{now: t0}
	opts = append([]Option{WithClock(clock.Now), WithRunner(database.NewRunner(5*time.Second, 0, nil))}, opts...)
	l, err := NewLogger(store, "", opts...)
	require.NoError(t, err)
	return l
}

func strPtr(s string) *string { return &s }

func TestLogger_AppendBuildsGaplessChain(t *testing.T) {
	for name, mk := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := newTestLogger(t, mk(t))

			var events []*Event
			for _, a := range []Action{ActionUserCreated, ActionLoginSuccess, ActionLogout} {
				e, err := l.Append(ctx, Entry{ActorID: strPtr("u-1"), Action: a, Result: ResultSuccess})
				require.NoError(t, err)
				events = append(events, e)
			}

			assert.Equal(t, GenesisHash, events[0].PrevHash)
			for i, e := range events {
				assert.Equal(t, uint64(i+1), e.Sequence)
				if i > 0 {
					assert.Equal(t, events[i-1].EntryHash, e.PrevHash)
				}
			}

			ok, err := l.VerifyChain(ctx)
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestLogger_ConcurrentAppendsStayGapless(t *testing.T) {
	for name, mk := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := newTestLogger(t, mk(t))

			const n = 30
			var wg sync.WaitGroup
			seqs := make(chan uint64, n)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					e, err := l.Append(ctx, Entry{Action: ActionLoginFailure, Target: "STU001", Result: ResultFailure})
					if assert.NoError(t, err) {
						seqs <- e.Sequence
					}
				}()
			}
			wg.Wait()
			close(seqs)

			seen := make(map[uint64]bool)
			for s := range seqs {
				assert.False(t, seen[s], "duplicate sequence %d", s)
				seen[s] = true
			}
			for s := uint64(1); s <= n; s++ {
				assert.True(t, seen[s], "missing sequence %d", s)
			}

			ok, err := l.VerifyChain(ctx)
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestLogger_RejectsIncompleteEntry(t *testing.T) {
	l := newTestLogger(t, newBoltStore(t))

	_, err := l.Append(context.Background(), Entry{Result: ResultSuccess})
	require.ErrorIs(t, err, apperrors.ErrInvalidInput)

	_, err = l.Append(context.Background(), Entry{Action: ActionLogout, Result: "maybe"})
	require.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestLogger_DetectsTamperedRow(t *testing.T) {
	ctx := context.Background()
	db := newSQLDB(t)
	l := newTestLogger(t, NewSQLStore(db))

	for i := 0; i < 3; i++ {
		_, err := l.Append(ctx, Entry{Action: ActionLoginSuccess, Target: "STU001", Result: ResultSuccess})
		require.NoError(t, err)
	}

	_, err := db.Exec(`UPDATE audit_log SET target = 'ADMIN001' WHERE sequence_number = 2`)
	require.NoError(t, err)

	ok, err := l.VerifyChain(ctx)
	assert.False(t, ok)
	var integrity *apperrors.IntegrityError
	require.ErrorAs(t, err, &integrity)
	assert.Equal(t, uint64(2), integrity.Sequence)
	assert.ErrorIs(t, err, apperrors.ErrAuditIntegrityViolation)
}

func TestLogger_DetectsDeletedRow(t *testing.T) {
	ctx := context.Background()
	db := newSQLDB(t)
	l := newTestLogger(t, NewSQLStore(db))

	for i := 0; i < 3; i++ {
		_, err := l.Append(ctx, Entry{Action: ActionLogout, Result: ResultSuccess})
		require.NoError(t, err)
	}

	_, err := db.Exec(`DELETE FROM audit_log WHERE sequence_number = 2`)
	require.NoError(t, err)

	ok, err := l.VerifyChain(ctx)
	assert.False(t, ok)
	var integrity *apperrors.IntegrityError
	require.ErrorAs(t, err, &integrity)
	assert.Equal(t, uint64(2), integrity.Sequence)
}

func TestLogger_DetectsTamperedBoltValue(t *testing.T) {
	ctx := context.Background()
	store := newBoltStore(t)
	l := newTestLogger(t, store)

	var second *Event
	for i := 0; i < 3; i++ {
		e, err := l.Append(ctx, Entry{Action: ActionRoleChanged, Target: "u-2", Result: ResultSuccess,
			Metadata: map[string]string{"new_role": "instructor"}})
		require.NoError(t, err)
		if e.Sequence == 2 {
			second = e
		}
	}

	forged := *second
	forged.Metadata = map[string]string{"new_role": "admin"}
	require.NoError(t, store.rewrite(&forged))

	ok, err := l.VerifyChain(ctx)
	assert.False(t, ok)
	var integrity *apperrors.IntegrityError
	require.ErrorAs(t, err, &integrity)
	assert.Equal(t, uint64(2), integrity.Sequence)
}

func TestLogger_ChainKeyIsRequiredToVerify(t *testing.T) {
	ctx := context.Background()
	store := NewSQLStore(newSQLDB(t))

	keyed := newTestLogger(t, store, WithChainKey([]byte("0123456789abcdef0123456789abcdef")))
	_, err := keyed.Append(ctx, Entry{Action: ActionLogout, Result: ResultSuccess})
	require.NoError(t, err)

	ok, err := keyed.VerifyChain(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	plain := newTestLogger(t, store)
	ok, err = plain.VerifyChain(ctx)
	assert.False(t, ok)
	require.ErrorIs(t, err, apperrors.ErrAuditIntegrityViolation)
}

// flakyStore fails the next Append once.
type flakyStore struct {
	Store
	fail bool
}

func (f *flakyStore) Append(ctx context.Context, e *Event) error {
	if f.fail {
		f.fail = false
		return errors.New("disk full")
	}
	return f.Store.Append(ctx, e)
}

func TestLogger_FailedWriteDoesNotAdvance(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Store: newBoltStore(t)}
	l := newTestLogger(t, store)

	_, err := l.Append(ctx, Entry{Action: ActionLogout, Result: ResultSuccess})
	require.NoError(t, err)

	store.fail = true
	_, err = l.Append(ctx, Entry{Action: ActionLogout, Result: ResultSuccess})
	var se *apperrors.StorageError
	require.ErrorAs(t, err, &se)
	assert.True(t, se.OutcomeUnknown)

	e, err := l.Append(ctx, Entry{Action: ActionLogout, Result: ResultSuccess})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), e.Sequence)

	ok, err := l.VerifyChain(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLogger_QueryFiltersAndPages(t *testing.T) {
	for name, mk := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := newTestLogger(t, mk(t))

			admin := strPtr("admin-id")
			for i := 0; i < 5; i++ {
				_, err := l.Append(ctx, Entry{Action: ActionLoginFailure, Target: "STU001", Result: ResultFailure})
				require.NoError(t, err)
			}
			_, err := l.Append(ctx, Entry{ActorID: admin, Action: ActionAccountUnlocked, Target: "STU001", Result: ResultSuccess})
			require.NoError(t, err)

			page, err := l.Query(ctx, Filters{Action: ActionLoginFailure}, 2, 2)
			require.NoError(t, err)
			assert.Equal(t, 5, page.Total)
			require.Len(t, page.Events, 2)
			assert.Equal(t, uint64(3), page.Events[0].Sequence)
			assert.Equal(t, uint64(4), page.Events[1].Sequence)

			page, err = l.Query(ctx, Filters{ActorID: admin}, 1, 0)
			require.NoError(t, err)
			require.Len(t, page.Events, 1)
			assert.Equal(t, ActionAccountUnlocked, page.Events[0].Action)
			assert.Equal(t, DefaultPageSize, page.PageSize)

			from := t0.Add(2 * time.Second)
			to := t0.Add(3 * time.Second)
			n, err := l.Count(ctx, Filters{From: &from, To: &to})
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			actions, err := l.Actions(ctx)
			require.NoError(t, err)
			assert.Equal(t, []Action{ActionAccountUnlocked, ActionLoginFailure}, actions)
		})
	}
}

func TestLogger_MirrorsEventsToFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "logs", "audit.log")
	l, err := NewLogger(newBoltStore(t), path)
	require.NoError(t, err)

	_, err = l.Append(ctx, Entry{Action: ActionUserCreated, Target: "STU001", Result: ResultSuccess})
	require.NoError(t, err)
	_, err = l.Append(ctx, Entry{Action: ActionLoginSuccess, Target: "STU001", Result: ResultSuccess})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var got []Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Event
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		got = append(got, e)
	}
	require.Len(t, got, 2)
	assert.Equal(t, ActionLoginSuccess, got[1].Action)
	assert.Equal(t, got[0].EntryHash, got[1].PrevHash)
}

// rewrite replaces a stored event in place to simulate file tampering.
func (s *BoltStore) rewrite(e *Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(auditBucket).Put(seqKey(e.Sequence), data)
	})
}
