// Package authz decides which role may perform which action. Anything not
// granted in the table is denied.
package authz

import (
	"context"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/amirk1998/classroom-access/internal/audit"
	"github.com/amirk1998/classroom-access/internal/logging"
	"github.com/amirk1998/classroom-access/internal/models"
)

type Action string

const (
	RoomView         Action = "room:view"
	ScheduleView     Action = "schedule:view"
	RoomBook         Action = "room:book"
	ClassManage      Action = "class:manage"
	AttendanceRecord Action = "attendance:record"
	ProfileViewOwn   Action = "profile:view_own"
	ProfileEditOwn   Action = "profile:edit_own"
	AuditView        Action = "audit:view"
	UserManage       Action = "user:manage"
	SystemBackup     Action = "system:backup"
)

// AllActions lists every defined action.
var AllActions = []Action{
	RoomView, ScheduleView, RoomBook, ClassManage, AttendanceRecord,
	ProfileViewOwn, ProfileEditOwn, AuditView, UserManage, SystemBackup,
}

// Policy is a static role to action table.
type Policy struct {
	grants map[models.Role]map[Action]struct{}
}

// DefaultPolicy returns the stock table: admins may do everything,
// instructors run classes and book rooms, students only view.
func DefaultPolicy() *Policy {
	return NewPolicy(map[models.Role][]Action{
		models.RoleAdmin: AllActions,
		models.RoleInstructor: {
			RoomView, ScheduleView, RoomBook, ClassManage, AttendanceRecord,
			ProfileViewOwn, ProfileEditOwn,
		},
		models.RoleStudent: {
			RoomView, ScheduleView, ProfileViewOwn,
		},
	})
}

func NewPolicy(table map[models.Role][]Action) *Policy {
	p := &Policy{grants: make(map[models.Role]map[Action]struct{}, len(table))}
	for role, actions := range table {
		set := make(map[Action]struct{}, len(actions))
		for _, a := range actions {
			set[a] = struct{}{}
		}
		p.grants[role] = set
	}
	return p
}

// Allowed reports whether role may perform action. Unknown roles and
// actions are denied.
func (p *Policy) Allowed(role models.Role, action Action) bool {
	set, ok := p.grants[role]
	if !ok {
		return false
	}
	_, ok = set[action]
	return ok
}

// Permissions returns the actions granted to role, sorted.
func (p *Policy) Permissions(role models.Role) []Action {
	out := make([]Action, 0, len(p.grants[role]))
	for a := range p.grants[role] {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Subject is the principal asking for an action.
type Subject struct {
	UserID string
	Role   models.Role
}

// Recorder receives denial events.
type Recorder interface {
	Append(ctx context.Context, entry audit.Entry) (*audit.Event, error)
}

// Authorizer applies a Policy and records every denial.
type Authorizer struct {
	policy   *Policy
	recorder Recorder
	logger   logrus.FieldLogger
}

func NewAuthorizer(policy *Policy, recorder Recorder, logger logrus.FieldLogger) *Authorizer {
	return &Authorizer{
		policy:   policy,
		recorder: recorder,
		logger:   logging.OrDiscard(logger).WithField("component", "authz"),
	}
}

// Policy returns the role table the authorizer applies.
func (a *Authorizer) Policy() *Policy { return a.policy }

// Authorize returns the policy decision for subject. A denial is appended
// to the audit log as ACCESS_DENIED before returning; the error reports a
// failed append, never the denial itself.
func (a *Authorizer) Authorize(ctx context.Context, subject Subject, action Action) (bool, error) {
	if a.policy.Allowed(subject.Role, action) {
		return true, nil
	}

	a.logger.WithFields(logrus.Fields{
		"user_id": subject.UserID,
		"role":    subject.Role,
		"action":  action,
	}).Info("access denied")

	var actor *string
	if subject.UserID != "" {
		id := subject.UserID
		actor = &id
	}
	_, err := a.recorder.Append(ctx, audit.Entry{
		ActorID: actor,
		Action:  audit.ActionAccessDenied,
		Target:  string(action),
		Result:  audit.ResultFailure,
		Metadata: map[string]string{
			"action": string(action),
			"role":   string(subject.Role),
		},
	})
	return false, err
}
