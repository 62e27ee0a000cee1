package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/amirk1998/classroom-access/internal/audit"
	"github.com/amirk1998/classroom-access/internal/authz"
	"github.com/amirk1998/classroom-access/internal/credential"
	"github.com/amirk1998/classroom-access/internal/logging"
	"github.com/amirk1998/classroom-access/internal/models"
	"github.com/amirk1998/classroom-access/internal/ratelimit"
	"github.com/amirk1998/classroom-access/internal/security"
	"github.com/amirk1998/classroom-access/internal/session"
	apperrors "github.com/amirk1998/classroom-access/pkg/errors"
	"github.com/amirk1998/classroom-access/pkg/validator"
)

// DefaultResetTokenTTL is how long a password reset token is valid.
const DefaultResetTokenTTL = 30 * time.Minute

// Dependencies wires an AuthService.
type Dependencies struct {
	Credentials *credential.Store
	Hasher      security.Hasher
	Policy      *security.PolicyEngine
	Sessions    *session.Manager
	Authorizer  *authz.Authorizer
	Audit       *audit.Logger
	RateLimiter *ratelimit.RateLimiter // nil disables throttling
	Clock       func() time.Time
	Logger      logrus.FieldLogger

	// ResetTokenTTL bounds how long an issued reset token stays usable;
	// zero selects DefaultResetTokenTTL.
	ResetTokenTTL time.Duration

	DefaultAdminIdentity string
	DefaultAdminPassword string
}

// AuthService is the entry point for login, logout, password changes and
// authorization checks. It holds no per-call state.
type AuthService struct {
	creds       *credential.Store
	hasher      security.Hasher
	policy      *security.PolicyEngine
	sessions    *session.Manager
	authorizer  *authz.Authorizer
	auditLogger *audit.Logger
	rateLimiter *ratelimit.RateLimiter
	validator   *validator.Validator
	clock       func() time.Time
	logger      logrus.FieldLogger
	resetTTL    time.Duration

	adminIdentity string
	adminPassword string
	bootstrapMu   sync.Mutex

	// decoyHash is verified against when the identity is unknown so that
	// both paths cost one hash comparison.
	decoyHash string
}

// NewAuthService creates a new authentication service
func NewAuthService(deps Dependencies) (*AuthService, error) {
	decoy, err := deps.Hasher.Hash("decoy-" + uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("failed to prepare decoy hash: %w", err)
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	resetTTL := deps.ResetTokenTTL
	if resetTTL <= 0 {
		resetTTL = DefaultResetTokenTTL
	}

	return &AuthService{
		creds:         deps.Credentials,
		hasher:        deps.Hasher,
		policy:        deps.Policy,
		sessions:      deps.Sessions,
		authorizer:    deps.Authorizer,
		auditLogger:   deps.Audit,
		rateLimiter:   deps.RateLimiter,
		validator:     validator.New(),
		clock:         clock,
		logger:        logging.OrDiscard(deps.Logger).WithField("component", "auth_service"),
		resetTTL:      resetTTL,
		adminIdentity: deps.DefaultAdminIdentity,
		adminPassword: deps.DefaultAdminPassword,
		decoyHash:     decoy,
	}, nil
}

// Register creates a user after checking identity format and password policy.
func (s *AuthService) Register(ctx context.Context, identity, password string, role models.Role) (*models.User, error) {
	return s.register(ctx, nil, &models.CreateUserRequest{Identity: identity, Password: password, Role: role}, nil)
}

func (s *AuthService) register(ctx context.Context, actor *string, req *models.CreateUserRequest, extra map[string]string) (*models.User, error) {
	identity := s.validator.SanitizeString(req.Identity)
	if err := s.validator.ValidateIdentity(identity); err != nil {
		return nil, err
	}
	if !req.Role.Valid() {
		return nil, apperrors.ErrInvalidRole
	}
	if err := s.validator.ValidatePasswordInput(req.Password); err != nil {
		return nil, err
	}
	if err := s.policy.Validate(req.Password, nil, identity); err != nil {
		return nil, err
	}

	passwordHash, err := s.hasher.Hash(req.Password)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	user := &models.User{
		ID:           uuid.NewString(),
		Identity:     identity,
		Role:         req.Role,
		PasswordHash: passwordHash,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.creds.Create(ctx, user); err != nil {
		return nil, err
	}

	meta := map[string]string{"identity": identity, "role": string(user.Role)}
	for k, v := range extra {
		meta[k] = v
	}
	if err := s.record(ctx, actor, audit.ActionUserCreated, user.ID, audit.ResultSuccess, meta); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{"user_id": user.ID, "role": user.Role}).Info("user created")
	return user, nil
}

// Login authenticates identity and issues a session. Unknown identities,
// deactivated accounts and wrong passwords all yield ErrInvalidCredentials;
// a locked account yields *errors.AccountLockedError.
func (s *AuthService) Login(ctx context.Context, identity, password string) (*models.Session, error) {
	now := s.clock()
	identity = s.validator.SanitizeString(identity)

	// Rate limiting per identity
	if err := s.rateLimiter.CheckLimit(identity, now); err != nil {
		if aerr := s.record(ctx, nil, audit.ActionLoginFailure, identity, audit.ResultFailure,
			map[string]string{"reason": "rate_limited"}); aerr != nil {
			return nil, aerr
		}
		return nil, err
	}

	user, err := s.creds.Lookup(ctx, identity)
	if errors.Is(err, apperrors.ErrUserNotFound) {
		s.hasher.Verify(password, s.decoyHash)
		return nil, s.loginFailure(ctx, nil, identity, "unknown_identity")
	}
	if err != nil {
		return nil, err
	}
	actor := &user.ID

	if !user.IsActive {
		s.hasher.Verify(password, user.PasswordHash)
		return nil, s.loginFailure(ctx, actor, identity, "account_inactive")
	}

	locked, until, err := s.creds.IsLocked(ctx, user.ID, now)
	if err != nil {
		return nil, err
	}
	if locked {
		s.hasher.Verify(password, s.decoyHash)
		return nil, s.lockedOut(ctx, actor, identity, *until)
	}

	// Every rejection path costs exactly one hash comparison.
	result := credential.Mismatch
	if s.validator.ValidatePasswordInput(password) == nil {
		result, err = s.creds.Verify(ctx, user.ID, password)
		if err != nil {
			return nil, err
		}
	} else {
		s.hasher.Verify(password, s.decoyHash)
	}

	switch result {
	case credential.NoSuchUser:
		return nil, s.loginFailure(ctx, nil, identity, "unknown_identity")

	case credential.Match:
		if err := s.creds.RecordSuccess(ctx, user.ID, now); err != nil {
			var lockedErr *apperrors.AccountLockedError
			if errors.As(err, &lockedErr) {
				return nil, s.lockedOut(ctx, actor, identity, lockedErr.RetryAfter)
			}
			return nil, err
		}
		s.upgradeHash(ctx, user, password, now)

		sess, err := s.sessions.Issue(ctx, user.ID, now)
		if err != nil {
			return nil, err
		}
		err = s.record(ctx, actor, audit.ActionLoginSuccess, identity, audit.ResultSuccess,
			map[string]string{"expires_at": sess.ExpiresAt.UTC().Format(time.RFC3339)})
		if err != nil {
			// An unaudited session must not be handed out.
			_ = s.sessions.Revoke(ctx, sess.Token)
			return nil, err
		}

		s.logger.WithField("user_id", user.ID).Info("login succeeded")
		return sess, nil
	}

	out, err := s.creds.RecordFailure(ctx, user.ID, now)
	if err != nil {
		return nil, err
	}
	if out.AlreadyLocked {
		return nil, s.lockedOut(ctx, actor, identity, *out.LockoutUntil)
	}
	return nil, s.countedFailure(ctx, actor, identity, "bad_password", out)
}

// upgradeHash re-hashes a verified password whose stored hash uses an old
// scheme or cost. Failures are logged; the login still succeeds.
func (s *AuthService) upgradeHash(ctx context.Context, user *models.User, password string, now time.Time) {
	if !s.hasher.NeedsRehash(user.PasswordHash) {
		return
	}
	log := s.logger.WithField("user_id", user.ID)

	newHash, err := s.hasher.Hash(password)
	if err != nil {
		log.WithError(err).Warn("failed to rehash password")
		return
	}
	replaced, err := s.creds.Rehash(ctx, user.ID, user.PasswordHash, newHash, now)
	if err != nil {
		log.WithError(err).Warn("failed to store rehashed password")
		return
	}
	if replaced {
		log.Info("password hash upgraded")
	}
}

// loginFailure records an uncounted LOGIN_FAILURE and returns
// ErrInvalidCredentials.
func (s *AuthService) loginFailure(ctx context.Context, actor *string, identity, reason string) error {
	if err := s.record(ctx, actor, audit.ActionLoginFailure, identity, audit.ResultFailure,
		map[string]string{"reason": reason}); err != nil {
		return err
	}
	return apperrors.ErrInvalidCredentials
}

// countedFailure records a failure that advanced the counter, plus
// ACCOUNT_LOCKED when it tripped the lockout.
func (s *AuthService) countedFailure(ctx context.Context, actor *string, identity, reason string, out credential.FailureOutcome) error {
	err := s.record(ctx, actor, audit.ActionLoginFailure, identity, audit.ResultFailure, map[string]string{
		"reason":   reason,
		"attempts": strconv.Itoa(out.Attempts),
	})
	if err != nil {
		return err
	}

	if out.LockoutTriggered {
		err := s.record(ctx, actor, audit.ActionAccountLocked, identity, audit.ResultFailure, map[string]string{
			"attempts":    strconv.Itoa(out.Attempts),
			"retry_after": out.LockoutUntil.UTC().Format(time.RFC3339),
		})
		if err != nil {
			return err
		}
	}
	return apperrors.ErrInvalidCredentials
}

// lockedOut records an attempt against an already locked account.
func (s *AuthService) lockedOut(ctx context.Context, actor *string, identity string, until time.Time) error {
	err := s.record(ctx, actor, audit.ActionAccountLocked, identity, audit.ResultFailure, map[string]string{
		"repeat":      "true",
		"retry_after": until.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	return &apperrors.AccountLockedError{RetryAfter: until}
}

// Logout revokes the session. Unknown, expired and already revoked tokens
// are accepted silently.
func (s *AuthService) Logout(ctx context.Context, token string) error {
	v, err := s.sessions.Validate(ctx, token, s.clock())
	if err != nil {
		return err
	}
	if v.Status == session.NotFound {
		return nil
	}
	if err := s.sessions.Revoke(ctx, token); err != nil {
		return err
	}
	if v.Status != session.Valid {
		return nil
	}
	return s.record(ctx, &v.Session.UserID, audit.ActionLogout, v.Session.UserID, audit.ResultSuccess, nil)
}

// ChangePassword re-verifies the current password, applies the policy
// (including reuse of the current or recent passwords) and swaps the hash.
// Other sessions of the user are revoked on success.
func (s *AuthService) ChangePassword(ctx context.Context, token, oldPassword, newPassword string) error {
	user, _, err := s.authenticate(ctx, token)
	if err != nil {
		return err
	}
	now := s.clock()
	actor := &user.ID

	locked, until, err := s.creds.IsLocked(ctx, user.ID, now)
	if err != nil {
		return err
	}
	if locked {
		return s.lockedOut(ctx, actor, user.Identity, *until)
	}

	result := credential.Mismatch
	if s.validator.ValidatePasswordInput(oldPassword) == nil {
		if result, err = s.creds.Verify(ctx, user.ID, oldPassword); err != nil {
			return err
		}
	}
	if result != credential.Match {
		out, err := s.creds.RecordFailure(ctx, user.ID, now)
		if err != nil {
			return err
		}
		if out.AlreadyLocked {
			return s.lockedOut(ctx, actor, user.Identity, *out.LockoutUntil)
		}
		if err := s.record(ctx, actor, audit.ActionPasswordChangeRejected, user.ID, audit.ResultFailure,
			map[string]string{"reason": "invalid_current_password"}); err != nil {
			return err
		}
		return s.countedFailure(ctx, actor, user.Identity, "password_change_reauth", out)
	}

	if err := s.validator.ValidatePasswordInput(newPassword); err != nil {
		return err
	}

	// Reload so the reuse check sees the hash that was just verified.
	user, err = s.creds.Get(ctx, user.ID)
	if err != nil {
		return err
	}
	history := append([]string{user.PasswordHash}, user.PasswordHistory...)

	if err := s.policy.Validate(newPassword, history, user.Identity); err != nil {
		var violation *apperrors.PolicyViolationError
		if !errors.As(err, &violation) {
			return err
		}
		if aerr := s.record(ctx, actor, audit.ActionPasswordChangeRejected, user.ID, audit.ResultFailure,
			map[string]string{"reason": "policy", "rules": strings.Join(violation.Rules, ",")}); aerr != nil {
			return aerr
		}
		return err
	}

	newHash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}
	if err := s.creds.SetPassword(ctx, user.ID, newHash, now); err != nil {
		return err
	}

	revoked, err := s.sessions.RevokeUser(ctx, user.ID, token)
	if err != nil {
		s.logger.WithError(err).WithField("user_id", user.ID).Warn("failed to revoke other sessions")
	}

	return s.record(ctx, actor, audit.ActionPasswordChanged, user.ID, audit.ResultSuccess,
		map[string]string{"revoked_sessions": strconv.Itoa(revoked)})
}

// ResetPassword redeems a token from AdminService.IssuePasswordReset. The
// new password goes through the same policy and history checks as
// ChangePassword; a rejected password leaves the token usable. On success
// every session of the user is revoked.
func (s *AuthService) ResetPassword(ctx context.Context, resetToken, newPassword string) error {
	if err := s.validator.ValidatePasswordInput(newPassword); err != nil {
		return err
	}
	now := s.clock()
	digest := security.TokenDigest(resetToken)

	reset, err := s.creds.PendingReset(ctx, digest, now)
	if errors.Is(err, apperrors.ErrResetTokenInvalid) {
		return s.invalidReset(ctx, nil, "")
	}
	if err != nil {
		return err
	}

	user, err := s.creds.Get(ctx, reset.UserID)
	if err != nil {
		return err
	}
	actor := &user.ID
	if !user.IsActive {
		return s.invalidReset(ctx, actor, user.ID)
	}

	history := append([]string{user.PasswordHash}, user.PasswordHistory...)
	if err := s.policy.Validate(newPassword, history, user.Identity); err != nil {
		var violation *apperrors.PolicyViolationError
		if !errors.As(err, &violation) {
			return err
		}
		if aerr := s.record(ctx, actor, audit.ActionPasswordChangeRejected, user.ID, audit.ResultFailure, map[string]string{
			"reason": "policy",
			"rules":  strings.Join(violation.Rules, ","),
			"reset":  "true",
		}); aerr != nil {
			return aerr
		}
		return err
	}

	newHash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}
	if err := s.creds.ResetPassword(ctx, user.ID, digest, newHash, now); err != nil {
		if errors.Is(err, apperrors.ErrResetTokenInvalid) {
			return s.invalidReset(ctx, actor, user.ID)
		}
		return err
	}

	revoked, err := s.sessions.RevokeUser(ctx, user.ID, "")
	if err != nil {
		s.logger.WithError(err).WithField("user_id", user.ID).Warn("failed to revoke sessions after reset")
	}

	s.logger.WithField("user_id", user.ID).Info("password reset")
	return s.record(ctx, actor, audit.ActionPasswordChanged, user.ID, audit.ResultSuccess, map[string]string{
		"reset":            "true",
		"revoked_sessions": strconv.Itoa(revoked),
	})
}

func (s *AuthService) invalidReset(ctx context.Context, actor *string, target string) error {
	if err := s.record(ctx, actor, audit.ActionPasswordChangeRejected, target, audit.ResultFailure,
		map[string]string{"reason": "invalid_reset_token", "reset": "true"}); err != nil {
		return err
	}
	return apperrors.ErrResetTokenInvalid
}

// PasswordStrength scores password for UI feedback. It does not enforce
// anything; Validate does.
func (s *AuthService) PasswordStrength(password string) (int, string) {
	return s.policy.Strength(password)
}

// Authorize validates token and asks the policy whether its user may perform
// action. Denials are audited as ACCESS_DENIED.
func (s *AuthService) Authorize(ctx context.Context, token string, action authz.Action) (bool, error) {
	user, _, err := s.authenticate(ctx, token)
	if err != nil {
		return false, err
	}
	return s.authorizer.Authorize(ctx, authz.Subject{UserID: user.ID, Role: user.Role}, action)
}

// Permissions lists the actions the session's role may perform.
func (s *AuthService) Permissions(ctx context.Context, token string) ([]authz.Action, error) {
	user, _, err := s.authenticate(ctx, token)
	if err != nil {
		return nil, err
	}
	return s.authorizer.Policy().Permissions(user.Role), nil
}

// require returns the session's user when it may perform action and
// ErrUnauthorized otherwise.
func (s *AuthService) require(ctx context.Context, token string, action authz.Action) (*models.User, error) {
	user, _, err := s.authenticate(ctx, token)
	if err != nil {
		return nil, err
	}
	ok, err := s.authorizer.Authorize(ctx, authz.Subject{UserID: user.ID, Role: user.Role}, action)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.ErrUnauthorized
	}
	return user, nil
}

// QueryAuditLog returns one page of audit events. Admin only.
func (s *AuthService) QueryAuditLog(ctx context.Context, token string, filters audit.Filters, page, pageSize int) ([]*audit.Event, error) {
	if _, err := s.require(ctx, token, authz.AuditView); err != nil {
		return nil, err
	}
	p, err := s.auditLogger.Query(ctx, filters, page, pageSize)
	if err != nil {
		return nil, err
	}
	return p.Events, nil
}

// CountAuditLog returns the number of events matching filters. Admin only.
func (s *AuthService) CountAuditLog(ctx context.Context, token string, filters audit.Filters) (int, error) {
	if _, err := s.require(ctx, token, authz.AuditView); err != nil {
		return 0, err
	}
	return s.auditLogger.Count(ctx, filters)
}

// AuditActions lists the action types present in the log. Admin only.
func (s *AuthService) AuditActions(ctx context.Context, token string) ([]audit.Action, error) {
	if _, err := s.require(ctx, token, authz.AuditView); err != nil {
		return nil, err
	}
	return s.auditLogger.Actions(ctx)
}

// VerifyAuditChain recomputes the audit hash chain. Admin only.
func (s *AuthService) VerifyAuditChain(ctx context.Context, token string) (bool, error) {
	if _, err := s.require(ctx, token, authz.AuditView); err != nil {
		return false, err
	}
	return s.auditLogger.VerifyChain(ctx)
}

// EnsureDefaultAdmin creates the configured default admin when no active
// admin exists. It reports whether an account was created.
func (s *AuthService) EnsureDefaultAdmin(ctx context.Context) (*models.User, bool, error) {
	s.bootstrapMu.Lock()
	defer s.bootstrapMu.Unlock()

	n, err := s.creds.CountByRole(ctx, models.RoleAdmin)
	if err != nil {
		return nil, false, err
	}
	if n > 0 {
		return nil, false, nil
	}
	if s.adminPassword == "" {
		return nil, false, fmt.Errorf("no administrator exists and DEFAULT_ADMIN_PASSWORD is not set")
	}

	user, err := s.register(ctx, nil, &models.CreateUserRequest{
		Identity: s.adminIdentity,
		Password: s.adminPassword,
		Role:     models.RoleAdmin,
	}, map[string]string{"bootstrap": "true"})
	if err != nil {
		return nil, false, fmt.Errorf("failed to create default admin: %w", err)
	}

	s.logger.WithField("identity", user.Identity).Warn("default administrator created; change its password")
	return user, true, nil
}

// authenticate resolves token to its active user.
func (s *AuthService) authenticate(ctx context.Context, token string) (*models.User, *models.Session, error) {
	v, err := s.sessions.Validate(ctx, token, s.clock())
	if err != nil {
		return nil, nil, err
	}

	switch v.Status {
	case session.NotFound:
		return nil, nil, apperrors.ErrSessionExpired
	case session.Revoked:
		return nil, nil, apperrors.ErrSessionRevoked
	case session.Expired:
		if err := s.record(ctx, &v.Session.UserID, audit.ActionSessionExpired, v.Session.UserID, audit.ResultFailure,
			map[string]string{"expired_at": v.Session.ExpiresAt.UTC().Format(time.RFC3339)}); err != nil {
			return nil, nil, err
		}
		return nil, nil, apperrors.ErrSessionExpired
	}

	user, err := s.creds.Get(ctx, v.Session.UserID)
	if errors.Is(err, apperrors.ErrUserNotFound) {
		return nil, nil, apperrors.ErrSessionRevoked
	}
	if err != nil {
		return nil, nil, err
	}
	if !user.IsActive {
		return nil, nil, apperrors.ErrSessionRevoked
	}
	return user, v.Session, nil
}

func (s *AuthService) record(ctx context.Context, actor *string, action audit.Action, target string, result audit.Result, meta map[string]string) error {
	_, err := s.auditLogger.Append(ctx, audit.Entry{
		ActorID:  actor,
		Action:   action,
		Target:   target,
		Result:   result,
		Metadata: meta,
	})
	if err != nil {
		s.logger.WithError(err).WithField("action", action).Error("failed to append audit event")
	}
	return err
}
