package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/amirk1998/classroom-access/internal/audit"
	"github.com/amirk1998/classroom-access/internal/authz"
	"github.com/amirk1998/classroom-access/internal/backup"
	"github.com/amirk1998/classroom-access/internal/credential"
	"github.com/amirk1998/classroom-access/internal/logging"
	"github.com/amirk1998/classroom-access/internal/models"
	"github.com/amirk1998/classroom-access/internal/security"
	"github.com/amirk1998/classroom-access/internal/session"
	apperrors "github.com/amirk1998/classroom-access/pkg/errors"
)

// AdminService holds user-management operations. Every call is authorized
// against the caller's session first.
type AdminService struct {
	auth     *AuthService
	creds    *credential.Store
	sessions *session.Manager
	backups  *backup.Manager // nil when backups are not configured
	logger   logrus.FieldLogger
}

// NewAdminService creates a new admin service
func NewAdminService(auth *AuthService, backups *backup.Manager, logger logrus.FieldLogger) *AdminService {
	return &AdminService{
		auth:     auth,
		creds:    auth.creds,
		sessions: auth.sessions,
		backups:  backups,
		logger:   logging.OrDiscard(logger).WithField("component", "admin_service"),
	}
}

// CreateUser registers a user on behalf of an administrator.
func (s *AdminService) CreateUser(ctx context.Context, token string, req *models.CreateUserRequest) (*models.User, error) {
	admin, err := s.auth.require(ctx, token, authz.UserManage)
	if err != nil {
		return nil, err
	}
	return s.auth.register(ctx, &admin.ID, req, nil)
}

// ListUsers returns a page of users ordered by identity.
func (s *AdminService) ListUsers(ctx context.Context, token string, limit, offset int) ([]*models.User, error) {
	if _, err := s.auth.require(ctx, token, authz.UserManage); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	return s.creds.List(ctx, limit, offset)
}

// ListFailedLogins reports accounts with outstanding failures or lockouts.
func (s *AdminService) ListFailedLogins(ctx context.Context, token string) ([]models.FailedLoginSummary, error) {
	if _, err := s.auth.require(ctx, token, authz.UserManage); err != nil {
		return nil, err
	}
	return s.creds.ListFailedLogins(ctx)
}

// DeactivateUser disables an account and revokes its sessions. The last
// active administrator cannot be deactivated.
func (s *AdminService) DeactivateUser(ctx context.Context, token, userID string) error {
	admin, err := s.auth.require(ctx, token, authz.UserManage)
	if err != nil {
		return err
	}

	if err := s.creds.SetActive(ctx, userID, false, s.auth.clock()); err != nil {
		return err
	}
	revoked, err := s.sessions.RevokeUser(ctx, userID, "")
	if err != nil {
		return err
	}

	s.logger.WithFields(logrus.Fields{"user_id": userID, "by": admin.ID}).Info("user deactivated")
	return s.auth.record(ctx, &admin.ID, audit.ActionUserDeactivated, userID, audit.ResultSuccess,
		map[string]string{"revoked_sessions": strconv.Itoa(revoked)})
}

// ReactivateUser re-enables a deactivated account.
func (s *AdminService) ReactivateUser(ctx context.Context, token, userID string) error {
	admin, err := s.auth.require(ctx, token, authz.UserManage)
	if err != nil {
		return err
	}
	if err := s.creds.SetActive(ctx, userID, true, s.auth.clock()); err != nil {
		return err
	}
	return s.auth.record(ctx, &admin.ID, audit.ActionUserReactivated, userID, audit.ResultSuccess, nil)
}

// ChangeRole assigns role to userID. Demoting the last active administrator
// is refused.
func (s *AdminService) ChangeRole(ctx context.Context, token, userID string, role models.Role) error {
	admin, err := s.auth.require(ctx, token, authz.UserManage)
	if err != nil {
		return err
	}
	if !role.Valid() {
		return apperrors.ErrInvalidRole
	}

	target, err := s.creds.Get(ctx, userID)
	if err != nil {
		return err
	}
	if target.Role == role {
		return nil
	}

	if err := s.creds.SetRole(ctx, userID, role, s.auth.clock()); err != nil {
		return err
	}
	return s.auth.record(ctx, &admin.ID, audit.ActionRoleChanged, userID, audit.ResultSuccess, map[string]string{
		"old_role": string(target.Role),
		"new_role": string(role),
	})
}

// IssuePasswordReset creates a single-use reset token for userID and
// returns it with its expiry. Only the token's digest is stored or audited;
// any earlier unused token for the user stops working.
func (s *AdminService) IssuePasswordReset(ctx context.Context, token, userID string) (string, time.Time, error) {
	admin, err := s.auth.require(ctx, token, authz.UserManage)
	if err != nil {
		return "", time.Time{}, err
	}

	target, err := s.creds.Get(ctx, userID)
	if err != nil {
		return "", time.Time{}, err
	}
	if !target.IsActive {
		return "", time.Time{}, apperrors.NewAppError(apperrors.ErrInvalidInput, "account is deactivated", 409)
	}

	resetToken, err := security.RandomToken(security.ResetTokenBytes)
	if err != nil {
		return "", time.Time{}, err
	}
	now := s.auth.clock()
	expiresAt := now.Add(s.auth.resetTTL)
	if err := s.creds.IssueReset(ctx, userID, security.TokenDigest(resetToken), now, expiresAt); err != nil {
		return "", time.Time{}, err
	}

	err = s.auth.record(ctx, &admin.ID, audit.ActionPasswordResetIssued, userID, audit.ResultSuccess,
		map[string]string{"expires_at": expiresAt.UTC().Format(time.RFC3339)})
	if err != nil {
		return "", time.Time{}, err
	}

	s.logger.WithFields(logrus.Fields{"user_id": userID, "by": admin.ID}).Info("password reset issued")
	return resetToken, expiresAt, nil
}

// UnlockAccount clears a lockout and the failure counter.
func (s *AdminService) UnlockAccount(ctx context.Context, token, userID string) error {
	admin, err := s.auth.require(ctx, token, authz.UserManage)
	if err != nil {
		return err
	}

	wasLocked, err := s.creds.Unlock(ctx, userID, s.auth.clock())
	if err != nil {
		return err
	}
	return s.auth.record(ctx, &admin.ID, audit.ActionAccountUnlocked, userID, audit.ResultSuccess,
		map[string]string{"was_locked": strconv.FormatBool(wasLocked)})
}

// CreateBackup writes an encrypted snapshot of the access database.
func (s *AdminService) CreateBackup(ctx context.Context, token string) (*backup.Info, error) {
	admin, err := s.auth.require(ctx, token, authz.SystemBackup)
	if err != nil {
		return nil, err
	}
	if s.backups == nil {
		return nil, fmt.Errorf("%w: backups are not configured", apperrors.ErrBackupFailed)
	}
	return s.backups.CreateBackup(ctx, &admin.ID)
}
