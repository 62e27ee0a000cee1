package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SQLStore keeps the chain in the audit_log table created by
// database.Migrate.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Head(ctx context.Context) (uint64, string, error) {
	var (
		seq  uint64
		hash string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT sequence_number, entry_hash FROM audit_log ORDER BY sequence_number DESC LIMIT 1`,
	).Scan(&seq, &hash)
	if err == sql.ErrNoRows {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("failed to read audit head: %w", err)
	}
	return seq, hash, nil
}

func (s *SQLStore) Append(ctx context.Context, e *Event) error {
	meta, err := json.Marshal(nonNilMeta(e.Metadata))
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	var actor sql.NullString
	if e.ActorID != nil {
		actor = sql.NullString{String: *e.ActorID, Valid: true}
	}

	query := `
        INSERT INTO audit_log (
            sequence_number, timestamp, actor_id, action, target,
            result, metadata, prev_hash, entry_hash
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
    `
	_, err = s.db.ExecContext(ctx, query,
		e.Sequence,
		e.Timestamp.UnixNano(),
		actor,
		string(e.Action),
		e.Target,
		string(e.Result),
		string(meta),
		e.PrevHash,
		e.EntryHash,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit event %d: %w", e.Sequence, err)
	}
	return nil
}

func (s *SQLStore) Query(ctx context.Context, f Filters, offset, limit int) ([]*Event, error) {
	where, args := buildWhere(f)
	query := `
        SELECT sequence_number, timestamp, actor_id, action, target,
               result, metadata, prev_hash, entry_hash
        FROM audit_log` + where + `
        ORDER BY sequence_number ASC
        LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *SQLStore) Count(ctx context.Context, f Filters) (int, error) {
	where, args := buildWhere(f)
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_log`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count audit events: %w", err)
	}
	return n, nil
}

func (s *SQLStore) Actions(ctx context.Context) ([]Action, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT action FROM audit_log ORDER BY action`)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit actions: %w", err)
	}
	defer rows.Close()

	var actions []Action
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		actions = append(actions, Action(a))
	}
	return actions, rows.Err()
}

func (s *SQLStore) Scan(ctx context.Context, fn func(*Event) error) error {
	rows, err := s.db.QueryContext(ctx, `
        SELECT sequence_number, timestamp, actor_id, action, target,
               result, metadata, prev_hash, entry_hash
        FROM audit_log
        ORDER BY sequence_number ASC`)
	if err != nil {
		return fmt.Errorf("failed to scan audit log: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Close is a no-op; the database handle belongs to the caller.
func (s *SQLStore) Close() error { return nil }

func buildWhere(f Filters) (string, []interface{}) {
	var (
		conds []string
		args  []interface{}
	)
	if f.ActorID != nil {
		conds = append(conds, "actor_id = ?")
		args = append(args, *f.ActorID)
	}
	if f.Action != "" {
		conds = append(conds, "action = ?")
		args = append(args, string(f.Action))
	}
	if f.Result != "" {
		conds = append(conds, "result = ?")
		args = append(args, string(f.Result))
	}
	if f.Target != "" {
		conds = append(conds, "target = ?")
		args = append(args, f.Target)
	}
	if f.From != nil {
		conds = append(conds, "timestamp >= ?")
		args = append(args, f.From.UnixNano())
	}
	if f.To != nil {
		conds = append(conds, "timestamp <= ?")
		args = append(args, f.To.UnixNano())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row scanner) (*Event, error) {
	var (
		e      Event
		ts     int64
		actor  sql.NullString
		action string
		result string
		meta   string
	)
	if err := row.Scan(&e.Sequence, &ts, &actor, &action, &e.Target, &result, &meta, &e.PrevHash, &e.EntryHash); err != nil {
		return nil, fmt.Errorf("failed to scan audit event: %w", err)
	}

	e.Timestamp = time.Unix(0, ts).UTC()
	e.Action = Action(action)
	e.Result = Result(result)
	if actor.Valid {
		id := actor.String
		e.ActorID = &id
	}
	if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata of event %d: %w", e.Sequence, err)
	}
	if len(e.Metadata) == 0 {
		e.Metadata = nil
	}
	return &e, nil
}

func nonNilMeta(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
