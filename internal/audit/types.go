package audit

import (
	"context"
	"time"
)

type Action string

const (
	ActionLoginSuccess           Action = "LOGIN_SUCCESS"
	ActionLoginFailure           Action = "LOGIN_FAILURE"
	ActionAccountLocked          Action = "ACCOUNT_LOCKED"
	ActionAccountUnlocked        Action = "ACCOUNT_UNLOCKED"
	ActionLogout                 Action = "LOGOUT"
	ActionSessionExpired         Action = "SESSION_EXPIRED"
	ActionPasswordChanged        Action = "PASSWORD_CHANGED"
	ActionPasswordChangeRejected Action = "PASSWORD_CHANGE_REJECTED"
	ActionPasswordResetIssued    Action = "PASSWORD_RESET_ISSUED"
	ActionAccessDenied           Action = "ACCESS_DENIED"
	ActionRoleChanged            Action = "ROLE_CHANGED"
	ActionUserCreated            Action = "USER_CREATED"
	ActionUserDeactivated        Action = "USER_DEACTIVATED"
	ActionUserReactivated        Action = "USER_REACTIVATED"
	ActionBackupCreated          Action = "BACKUP_CREATED"
	ActionSuspiciousActivity     Action = "SUSPICIOUS_ACTIVITY"
)

type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
)

// Entry is what callers supply; the logger assigns sequence, time and hashes.
type Entry struct {
	ActorID  *string
	Action   Action
	Target   string
	Result   Result
	Metadata map[string]string
}

// Event is an appended, immutable audit record.
type Event struct {
	Sequence  uint64            `json:"sequence"`
	Timestamp time.Time         `json:"timestamp"`
	ActorID   *string           `json:"actor_id,omitempty"`
	Action    Action            `json:"action"`
	Target    string            `json:"target,omitempty"`
	Result    Result            `json:"result"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	PrevHash  string            `json:"prev_hash"`
	EntryHash string            `json:"entry_hash"`
}

// Filters narrows a query. Zero values match everything; From and To are
// inclusive.
type Filters struct {
	ActorID *string
	Action  Action
	Result  Result
	Target  string
	From    *time.Time
	To      *time.Time
}

func (f Filters) match(e *Event) bool {
	if f.ActorID != nil && (e.ActorID == nil || *e.ActorID != *f.ActorID) {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Result != "" && e.Result != f.Result {
		return false
	}
	if f.Target != "" && e.Target != f.Target {
		return false
	}
	if f.From != nil && e.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && e.Timestamp.After(*f.To) {
		return false
	}
	return true
}

// Store persists the chain. Implementations need not be safe for concurrent
// Append; the Logger serializes writers.
type Store interface {
	// Head returns the last sequence number and entry hash, or zero values
	// when the log is empty.
	Head(ctx context.Context) (uint64, string, error)
	Append(ctx context.Context, e *Event) error
	// Query returns matching events in ascending sequence order.
	Query(ctx context.Context, f Filters, offset, limit int) ([]*Event, error)
	Count(ctx context.Context, f Filters) (int, error)
	Actions(ctx context.Context) ([]Action, error)
	// Scan visits every event in ascending sequence order.
	Scan(ctx context.Context, fn func(*Event) error) error
	Close() error
}
