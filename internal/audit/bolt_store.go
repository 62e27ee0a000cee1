package audit

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

var auditBucket = []byte("audit_log")

// BoltStore keeps the chain in a bbolt file, one JSON value per event keyed
// by the big-endian sequence number so cursor order is sequence order.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens or creates the bbolt file at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(auditBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create audit bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

func (s *BoltStore) Head(ctx context.Context) (uint64, string, error) {
	var (
		seq  uint64
		hash string
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		k, v := tx.Bucket(auditBucket).Cursor().Last()
		if k == nil {
			return nil
		}
		var e Event
		if err := json.Unmarshal(v, &e); err != nil {
			return fmt.Errorf("failed to decode audit head: %w", err)
		}
		seq, hash = binary.BigEndian.Uint64(k), e.EntryHash
		return nil
	})
	return seq, hash, err
}

// Append refuses anything but the next sequence number.
func (s *BoltStore) Append(ctx context.Context, e *Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode audit event: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(auditBucket)
		var last uint64
		if k, _ := b.Cursor().Last(); k != nil {
			last = binary.BigEndian.Uint64(k)
		}
		if e.Sequence != last+1 {
			return fmt.Errorf("audit sequence %d does not follow %d", e.Sequence, last)
		}
		return b.Put(seqKey(e.Sequence), data)
	})
}

func (s *BoltStore) Query(ctx context.Context, f Filters, offset, limit int) ([]*Event, error) {
	var events []*Event
	skipped := 0
	err := s.each(ctx, func(e *Event) (bool, error) {
		if !f.match(e) {
			return true, nil
		}
		if skipped < offset {
			skipped++
			return true, nil
		}
		events = append(events, e)
		return len(events) < limit, nil
	})
	return events, err
}

func (s *BoltStore) Count(ctx context.Context, f Filters) (int, error) {
	n := 0
	err := s.each(ctx, func(e *Event) (bool, error) {
		if f.match(e) {
			n++
		}
		return true, nil
	})
	return n, err
}

func (s *BoltStore) Actions(ctx context.Context) ([]Action, error) {
	seen := make(map[Action]struct{})
	err := s.each(ctx, func(e *Event) (bool, error) {
		seen[e.Action] = struct{}{}
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	actions := make([]Action, 0, len(seen))
	for a := range seen {
		actions = append(actions, a)
	}
	sort.Slice(actions, func(i, j int) bool { return actions[i] < actions[j] })
	return actions, nil
}

func (s *BoltStore) Scan(ctx context.Context, fn func(*Event) error) error {
	return s.each(ctx, func(e *Event) (bool, error) {
		return true, fn(e)
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// each walks events in sequence order until fn returns false or an error.
func (s *BoltStore) each(ctx context.Context, fn func(*Event) (bool, error)) error {
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(auditBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var e Event
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("failed to decode audit event %d: %w", binary.BigEndian.Uint64(k), err)
			}
			more, err := fn(&e)
			if err != nil || !more {
				return err
			}
		}
		return nil
	})
}
