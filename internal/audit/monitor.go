package audit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/amirk1998/classroom-access/internal/logging"
	apperrors "github.com/amirk1998/classroom-access/pkg/errors"
)

type MonitorConfig struct {
	// FailureThreshold login failures against one identity inside Window
	// raise a SUSPICIOUS_ACTIVITY event.
	FailureThreshold int
	Window           time.Duration
	Interval         time.Duration
}

func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		FailureThreshold: 5,
		Window:           5 * time.Minute,
		Interval:         time.Minute,
	}
}

// Monitor scans the log for failed-login bursts and re-verifies the chain.
type Monitor struct {
	log    *Logger
	cfg    MonitorConfig
	clock  func() time.Time
	logger logrus.FieldLogger

	// OnIntegrityViolation is called with the failure whenever VerifyChain
	// reports a broken chain.
	OnIntegrityViolation func(error)

	mu      sync.Mutex
	alerted map[string]time.Time
}

// NewMonitor creates a security monitor over log.
func NewMonitor(log *Logger, cfg MonitorConfig, logger logrus.FieldLogger) *Monitor {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultMonitorConfig().FailureThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultMonitorConfig().Window
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultMonitorConfig().Interval
	}
	return &Monitor{
		log:     log,
		cfg:     cfg,
		clock:   log.clock,
		logger:  logging.OrDiscard(logger).WithField("component", "audit_monitor"),
		alerted: make(map[string]time.Time),
	}
}

// DetectFailedLogins counts LOGIN_FAILURE events per target identity within
// the window and records one SUSPICIOUS_ACTIVITY event per identity per
// window. It returns the identities flagged on this run.
func (m *Monitor) DetectFailedLogins(ctx context.Context) ([]string, error) {
	now := m.clock()
	since := now.Add(-m.cfg.Window)
	filters := Filters{Action: ActionLoginFailure, From: &since, To: &now}

	counts := make(map[string]int)
	var order []string
	for page := 1; ; page++ {
		p, err := m.log.Query(ctx, filters, page, MaxPageSize)
		if err != nil {
			return nil, fmt.Errorf("failed to query audit log: %w", err)
		}
		for _, e := range p.Events {
			if _, ok := counts[e.Target]; !ok {
				order = append(order, e.Target)
			}
			counts[e.Target]++
		}
		if page*p.PageSize >= p.Total || len(p.Events) == 0 {
			break
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var flagged []string
	for _, target := range order {
		n := counts[target]
		if n < m.cfg.FailureThreshold {
			continue
		}
		if last, ok := m.alerted[target]; ok && now.Sub(last) < m.cfg.Window {
			continue
		}

		m.logger.WithFields(logrus.Fields{
			"alert":    true,
			"target":   target,
			"failures": n,
			"window":   m.cfg.Window.String(),
		}).Warn("repeated login failures detected")

		_, err := m.log.Append(ctx, Entry{
			Action: ActionSuspiciousActivity,
			Target: target,
			Result: ResultFailure,
			Metadata: map[string]string{
				"reason":   "failed_login_burst",
				"failures": strconv.Itoa(n),
				"window":   m.cfg.Window.String(),
			},
		})
		if err != nil {
			return flagged, err
		}
		m.alerted[target] = now
		flagged = append(flagged, target)
	}

	for target, at := range m.alerted {
		if now.Sub(at) >= m.cfg.Window {
			delete(m.alerted, target)
		}
	}
	return flagged, nil
}

// VerifyIntegrity re-checks the chain and raises an alert on violation.
func (m *Monitor) VerifyIntegrity(ctx context.Context) error {
	ok, err := m.log.VerifyChain(ctx)
	if ok {
		return nil
	}
	if err != nil && m.OnIntegrityViolation != nil && isIntegrity(err) {
		m.OnIntegrityViolation(err)
	}
	return err
}

// Run performs all checks once.
func (m *Monitor) Run(ctx context.Context) {
	if _, err := m.DetectFailedLogins(ctx); err != nil {
		m.logger.WithError(err).Error("failed login detection failed")
	}
	if err := m.VerifyIntegrity(ctx); err != nil && !isIntegrity(err) {
		m.logger.WithError(err).Error("audit chain verification failed")
	}
}

// Start runs the checks every Interval until ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Run(ctx)
		}
	}
}

func isIntegrity(err error) bool {
	return errors.Is(err, apperrors.ErrAuditIntegrityViolation)
}
