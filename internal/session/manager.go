// Package session issues and validates opaque session tokens. Only the
// SHA-256 of a token is ever persisted.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/amirk1998/classroom-access/internal/database"
	"github.com/amirk1998/classroom-access/internal/logging"
	"github.com/amirk1998/classroom-access/internal/models"
	"github.com/amirk1998/classroom-access/internal/security"
	apperrors "github.com/amirk1998/classroom-access/pkg/errors"
)

// Store is implemented by repository.SessionRepository and
// repository.RedisSessionStore.
type Store interface {
	Create(ctx context.Context, s *models.Session) error
	Get(ctx context.Context, tokenHash string) (*models.Session, error)
	Revoke(ctx context.Context, tokenHash string) error
	RevokeUser(ctx context.Context, userID, keepHash string) (int, error)
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

type Status int

const (
	NotFound Status = iota
	Valid
	Expired
	Revoked
)

func (s Status) String() string {
	switch s {
	case Valid:
		return "valid"
	case Expired:
		return "expired"
	case Revoked:
		return "revoked"
	default:
		return "not_found"
	}
}

// Validation is the result of checking a token. Session is nil when the
// token is unknown.
type Validation struct {
	Status  Status
	Session *models.Session
}

type Config struct {
	Timeout time.Duration
	// SweepInterval bounds how often Issue and Validate purge expired
	// sessions. Zero disables opportunistic sweeping.
	SweepInterval time.Duration
}

type Manager struct {
	store  Store
	runner *database.Runner
	cfg    Config
	logger logrus.FieldLogger

	mu        sync.Mutex
	lastSweep time.Time
}

// NewManager creates a session manager.
func NewManager(store Store, runner *database.Runner, cfg Config, logger logrus.FieldLogger) *Manager {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Minute
	}
	return &Manager{
		store:  store,
		runner: runner,
		cfg:    cfg,
		logger: logging.OrDiscard(logger).WithField("component", "session_manager"),
	}
}

// HashToken returns the storage key of token.
func HashToken(token string) string {
	return security.TokenDigest(token)
}

// Issue creates a session for userID valid until now + Timeout. The
// returned session is the only place the raw token appears.
func (m *Manager) Issue(ctx context.Context, userID string, now time.Time) (*models.Session, error) {
	token, err := security.RandomToken(security.SessionTokenBytes)
	if err != nil {
		return nil, err
	}

	s := &models.Session{
		Token:     token,
		TokenHash: HashToken(token),
		UserID:    userID,
		IssuedAt:  now,
		ExpiresAt: now.Add(m.cfg.Timeout),
	}
	err = m.runner.Write(ctx, "create session", func(ctx context.Context) error {
		return m.store.Create(ctx, s)
	})
	if err != nil {
		return nil, err
	}

	m.maybeSweep(ctx, now)
	return s, nil
}

// Validate reports the state of token at now. A session is valid strictly
// before its expiry.
func (m *Manager) Validate(ctx context.Context, token string, now time.Time) (Validation, error) {
	if token == "" {
		return Validation{Status: NotFound}, nil
	}

	var s *models.Session
	err := m.runner.Read(ctx, "get session", func(ctx context.Context) error {
		var err error
		s, err = m.store.Get(ctx, HashToken(token))
		return err
	})
	if errors.Is(err, apperrors.ErrRecordNotFound) {
		return Validation{Status: NotFound}, nil
	}
	if err != nil {
		return Validation{}, err
	}

	v := Validation{Status: Valid, Session: s}
	switch {
	case s.Revoked:
		v.Status = Revoked
	case !now.Before(s.ExpiresAt):
		v.Status = Expired
	}

	m.maybeSweep(ctx, now)
	return v, nil
}

// Revoke ends the session of token. Unknown or already revoked tokens are
// not an error.
func (m *Manager) Revoke(ctx context.Context, token string) error {
	return m.runner.Write(ctx, "revoke session", func(ctx context.Context) error {
		return m.store.Revoke(ctx, HashToken(token))
	})
}

// RevokeUser ends every session of userID except keepToken, which may be
// empty.
func (m *Manager) RevokeUser(ctx context.Context, userID, keepToken string) (int, error) {
	keep := ""
	if keepToken != "" {
		keep = HashToken(keepToken)
	}

	var n int
	err := m.runner.Write(ctx, "revoke user sessions", func(ctx context.Context) error {
		var err error
		n, err = m.store.RevokeUser(ctx, userID, keep)
		return err
	})
	return n, err
}

// SweepExpired deletes sessions whose expiry is at or before now.
func (m *Manager) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := m.runner.Write(ctx, "sweep sessions", func(ctx context.Context) error {
		var err error
		n, err = m.store.DeleteExpired(ctx, now)
		return err
	})
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	m.lastSweep = now
	m.mu.Unlock()

	if n > 0 {
		m.logger.WithField("count", n).Debug("expired sessions swept")
	}
	return n, nil
}

func (m *Manager) maybeSweep(ctx context.Context, now time.Time) {
	if m.cfg.SweepInterval <= 0 {
		return
	}

	m.mu.Lock()
	due := now.Sub(m.lastSweep) >= m.cfg.SweepInterval
	if due {
		m.lastSweep = now
	}
	m.mu.Unlock()
	if !due {
		return
	}

	if _, err := m.SweepExpired(ctx, now); err != nil {
		m.logger.WithError(err).Warn("session sweep failed")
	}
}

// StartSweeper sweeps every interval until ctx is done.
func (m *Manager) StartSweeper(ctx context.Context, interval time.Duration, clock func() time.Time) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.SweepExpired(ctx, clock()); err != nil {
				m.logger.WithError(err).Warn("session sweep failed")
			}
		}
	}
}
