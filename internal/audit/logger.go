// Package audit keeps an append-only, hash-chained record of security
// events. Each event carries a gapless sequence number and the hash of its
// predecessor, so any edit, deletion or reordering breaks VerifyChain.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/amirk1998/classroom-access/internal/database"
	"github.com/amirk1998/classroom-access/internal/logging"
	apperrors "github.com/amirk1998/classroom-access/pkg/errors"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

type Logger struct {
	store  Store
	chain  chainHasher
	runner *database.Runner
	clock  func() time.Time
	logger logrus.FieldLogger

	// mu serializes appends; head is cached between them and dropped
	// whenever a write fails.
	mu       sync.Mutex
	headOK   bool
	headSeq  uint64
	headHash string

	mirrorMu sync.Mutex
	mirror   *os.File
}

type Option func(*Logger)

// WithChainKey switches entry hashing from SHA-256 to HMAC-SHA256.
func WithChainKey(key []byte) Option {
	return func(l *Logger) { l.chain.key = key }
}

func WithRunner(r *database.Runner) Option {
	return func(l *Logger) { l.runner = r }
}

func WithClock(clock func() time.Time) Option {
	return func(l *Logger) { l.clock = clock }
}

func WithLogger(logger logrus.FieldLogger) Option {
	return func(l *Logger) { l.logger = logger }
}

// NewLogger creates an audit logger over store. mirrorPath, when set, also
// receives every appended event as a JSON line.
func NewLogger(store Store, mirrorPath string, opts ...Option) (*Logger, error) {
	l := &Logger{
		store: store,
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = logging.OrDiscard(l.logger).WithField("component", "audit")
	if l.runner == nil {
		l.runner = database.NewRunner(5*time.Second, 2, l.logger)
	}

	if mirrorPath != "" {
		if err := os.MkdirAll(filepath.Dir(mirrorPath), 0700); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(mirrorPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		l.mirror = f
	}

	return l, nil
}

// Append assigns the next sequence number, chains entry to the current head
// and persists it. Nothing advances when the write fails.
func (l *Logger) Append(ctx context.Context, entry Entry) (*Event, error) {
	if entry.Action == "" {
		return nil, fmt.Errorf("%w: audit action is required", apperrors.ErrInvalidInput)
	}
	if entry.Result != ResultSuccess && entry.Result != ResultFailure {
		return nil, fmt.Errorf("%w: audit result %q", apperrors.ErrInvalidInput, entry.Result)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.headOK {
		err := l.runner.Read(ctx, "audit head", func(ctx context.Context) error {
			var err error
			l.headSeq, l.headHash, err = l.store.Head(ctx)
			return err
		})
		if err != nil {
			return nil, err
		}
		if l.headSeq == 0 {
			l.headHash = GenesisHash
		}
		l.headOK = true
	}

	event := &Event{
		Sequence:  l.headSeq + 1,
		Timestamp: l.clock().UTC(),
		ActorID:   entry.ActorID,
		Action:    entry.Action,
		Target:    entry.Target,
		Result:    entry.Result,
		Metadata:  copyMeta(entry.Metadata),
		PrevHash:  l.headHash,
	}
	sum, err := l.chain.entryHash(event)
	if err != nil {
		return nil, err
	}
	event.EntryHash = sum

	err = l.runner.Write(ctx, "audit append", func(ctx context.Context) error {
		return l.store.Append(ctx, event)
	})
	if err != nil {
		l.headOK = false
		return nil, err
	}
	l.headSeq, l.headHash = event.Sequence, event.EntryHash

	l.writeMirror(event)
	return event, nil
}

func (l *Logger) writeMirror(event *Event) {
	if l.mirror == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		l.logger.WithError(err).Warn("failed to marshal audit event for log file")
		return
	}

	l.mirrorMu.Lock()
	defer l.mirrorMu.Unlock()
	if _, err := l.mirror.Write(append(data, '\n')); err != nil {
		l.logger.WithError(err).WithField("sequence", event.Sequence).Warn("failed to write audit log file")
	}
}

// Page is one page of query results.
type Page struct {
	Events   []*Event
	Total    int
	Page     int
	PageSize int
}

// Query returns matching events in ascending sequence order. page is
// 1-based; pageSize defaults to DefaultPageSize and is capped at MaxPageSize.
func (l *Logger) Query(ctx context.Context, f Filters, page, pageSize int) (*Page, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}

	out := &Page{Page: page, PageSize: pageSize}
	err := l.runner.Read(ctx, "audit query", func(ctx context.Context) error {
		var err error
		if out.Total, err = l.store.Count(ctx, f); err != nil {
			return err
		}
		out.Events, err = l.store.Query(ctx, f, (page-1)*pageSize, pageSize)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Count returns the number of matching events.
func (l *Logger) Count(ctx context.Context, f Filters) (int, error) {
	var n int
	err := l.runner.Read(ctx, "audit count", func(ctx context.Context) error {
		var err error
		n, err = l.store.Count(ctx, f)
		return err
	})
	return n, err
}

// Actions lists the distinct actions present in the log.
func (l *Logger) Actions(ctx context.Context) ([]Action, error) {
	var actions []Action
	err := l.runner.Read(ctx, "audit actions", func(ctx context.Context) error {
		var err error
		actions, err = l.store.Actions(ctx)
		return err
	})
	return actions, err
}

// VerifyChain walks the whole log. It returns false and an
// *errors.IntegrityError naming the first bad sequence when the chain is
// broken; any other error means the check could not complete.
func (l *Logger) VerifyChain(ctx context.Context) (bool, error) {
	var integrity *apperrors.IntegrityError

	err := l.runner.Read(ctx, "audit verify", func(ctx context.Context) error {
		integrity = nil
		want, prev := uint64(1), GenesisHash
		return l.store.Scan(ctx, func(e *Event) error {
			reason, err := l.chain.verify(e, want, prev)
			if err != nil {
				return err
			}
			if reason != "" {
				integrity = &apperrors.IntegrityError{Sequence: want, Reason: reason}
				return integrity
			}
			want, prev = e.Sequence+1, e.EntryHash
			return nil
		})
	})
	if integrity != nil {
		l.logger.WithFields(logrus.Fields{
			"alert":    true,
			"sequence": integrity.Sequence,
			"reason":   integrity.Reason,
		}).Error("audit chain integrity violation")
		return false, integrity
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Close closes the log file and the store.
func (l *Logger) Close() error {
	var errs []error
	if l.mirror != nil {
		l.mirrorMu.Lock()
		errs = append(errs, l.mirror.Close())
		l.mirrorMu.Unlock()
	}
	errs = append(errs, l.store.Close())
	return errors.Join(errs...)
}

func copyMeta(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
