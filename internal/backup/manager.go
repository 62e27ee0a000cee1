// Package backup snapshots the access database into compressed, sealed
// files with a detached SHA-256 checksum.
package backup

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/amirk1998/classroom-access/internal/audit"
	"github.com/amirk1998/classroom-access/internal/logging"
	"github.com/amirk1998/classroom-access/internal/security"
	apperrors "github.com/amirk1998/classroom-access/pkg/errors"
)

const (
	filePrefix = "backup_"
	fileSuffix = ".db.gz.enc"
)

// Recorder receives BACKUP_CREATED events.
type Recorder interface {
	Append(ctx context.Context, entry audit.Entry) (*audit.Event, error)
}

// Info describes a finished backup.
type Info struct {
	Path      string
	Checksum  string
	Size      int64
	CreatedAt time.Time
}

type Manager struct {
	db            *sql.DB
	sealer        *security.Sealer
	backupDir     string
	retentionDays int
	recorder      Recorder
	clock         func() time.Time
	logger        logrus.FieldLogger
}

// NewManager creates a backup manager writing into backupDir. recorder may
// be nil.
func NewManager(db *sql.DB, sealer *security.Sealer, backupDir string, retentionDays int, recorder Recorder, logger logrus.FieldLogger) (*Manager, error) {
	if sealer == nil {
		return nil, fmt.Errorf("%w: backup encryption key is required", apperrors.ErrInvalidKey)
	}

	// Ensure backup directory exists with secure permissions
	if err := os.MkdirAll(backupDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}

	return &Manager{
		db:            db,
		sealer:        sealer,
		backupDir:     backupDir,
		retentionDays: retentionDays,
		recorder:      recorder,
		clock:         time.Now,
		logger:        logging.OrDiscard(logger).WithField("component", "backup"),
	}, nil
}

// CreateBackup snapshots the database with VACUUM INTO, compresses and
// seals the copy, and records BACKUP_CREATED. actor is nil for scheduled
// runs.
func (m *Manager) CreateBackup(ctx context.Context, actor *string) (*Info, error) {
	now := m.clock().UTC()
	base := filePrefix + now.Format("20060102_150405.000")
	rawPath := filepath.Join(m.backupDir, base+".db")
	finalPath := filepath.Join(m.backupDir, base+fileSuffix)

	if _, err := m.db.ExecContext(ctx, "VACUUM INTO ?", rawPath); err != nil {
		return nil, fmt.Errorf("%w: vacuum into: %v", apperrors.ErrBackupFailed, err)
	}
	defer os.Remove(rawPath)

	info, err := m.seal(rawPath, finalPath)
	if err != nil {
		os.Remove(finalPath)
		return nil, fmt.Errorf("%w: %v", apperrors.ErrBackupFailed, err)
	}
	info.CreatedAt = now

	m.logger.WithFields(logrus.Fields{"path": info.Path, "size": info.Size}).Info("backup created")

	if m.recorder != nil {
		_, err := m.recorder.Append(ctx, audit.Entry{
			ActorID: actor,
			Action:  audit.ActionBackupCreated,
			Target:  filepath.Base(info.Path),
			Result:  audit.ResultSuccess,
			Metadata: map[string]string{
				"sha256": info.Checksum,
				"size":   strconv.FormatInt(info.Size, 10),
			},
		})
		if err != nil {
			return info, err
		}
	}
	return info, nil
}

// seal gzips then encrypts src into dst and writes dst's checksum file.
func (m *Manager) seal(src, dst string) (*Info, error) {
	plaintext, err := os.ReadFile(src)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(plaintext); err != nil {
		return nil, fmt.Errorf("failed to compress snapshot: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress snapshot: %w", err)
	}

	sealed, err := m.sealer.Seal(buf.Bytes())
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(dst, sealed, 0600); err != nil {
		return nil, fmt.Errorf("failed to write backup: %w", err)
	}

	sum := sha256.Sum256(sealed)
	checksum := hex.EncodeToString(sum[:])
	if err := os.WriteFile(dst+".sha256", []byte(checksum), 0600); err != nil {
		return nil, fmt.Errorf("failed to write checksum: %w", err)
	}

	return &Info{Path: dst, Checksum: checksum, Size: int64(len(sealed))}, nil
}

// VerifyBackup checks a backup against its checksum file.
func (m *Manager) VerifyBackup(backupPath string) error {
	stored, err := os.ReadFile(backupPath + ".sha256")
	if err != nil {
		return fmt.Errorf("failed to read checksum file: %w", err)
	}

	data, err := os.ReadFile(backupPath)
	if err != nil {
		return fmt.Errorf("failed to read backup file: %w", err)
	}

	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != strings.TrimSpace(string(stored)) {
		return fmt.Errorf("%w: checksum mismatch", apperrors.ErrBackupFailed)
	}
	return nil
}

// Restore verifies, decrypts and decompresses backupPath into dstPath. The
// running database is never touched.
func (m *Manager) Restore(backupPath, dstPath string) error {
	if err := m.VerifyBackup(backupPath); err != nil {
		return err
	}

	sealed, err := os.ReadFile(backupPath)
	if err != nil {
		return fmt.Errorf("failed to read backup file: %w", err)
	}
	compressed, err := m.sealer.Open(sealed)
	if err != nil {
		return err
	}

	gz, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return fmt.Errorf("failed to open compressed backup: %w", err)
	}
	defer gz.Close()

	out, err := os.OpenFile(dstPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("failed to create restore target: %w", err)
	}
	if _, err := io.Copy(out, gz); err != nil {
		out.Close()
		os.Remove(dstPath)
		return fmt.Errorf("failed to restore backup: %w", err)
	}
	return out.Close()
}

// List returns backup files in the directory, oldest first.
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.backupDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}

	var out []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), filePrefix) && strings.HasSuffix(e.Name(), fileSuffix) {
			out = append(out, filepath.Join(m.backupDir, e.Name()))
		}
	}
	return out, nil
}

// CleanOldBackups removes backups (and their checksums) older than the
// retention period. A non-positive retention keeps everything.
func (m *Manager) CleanOldBackups(now time.Time) (int, error) {
	if m.retentionDays <= 0 {
		return 0, nil
	}
	cutoff := now.AddDate(0, 0, -m.retentionDays)

	entries, err := os.ReadDir(m.backupDir)
	if err != nil {
		return 0, fmt.Errorf("failed to read backup directory: %w", err)
	}

	deleted := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), filePrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}

		path := filepath.Join(m.backupDir, entry.Name())
		if err := os.Remove(path); err != nil {
			m.logger.WithError(err).WithField("path", path).Warn("failed to delete old backup")
			continue
		}
		deleted++
	}

	if deleted > 0 {
		m.logger.WithField("count", deleted).Info("old backup files cleaned")
	}
	return deleted, nil
}

// StartAutomatedBackups runs a backup and retention sweep every interval
// until ctx is done.
func (m *Manager) StartAutomatedBackups(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.WithField("interval", interval.String()).Info("automated backups started")

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("automated backups stopped")
			return
		case <-ticker.C:
			if _, err := m.CreateBackup(ctx, nil); err != nil {
				m.logger.WithError(err).Error("scheduled backup failed")
			}
			if _, err := m.CleanOldBackups(m.clock()); err != nil {
				m.logger.WithError(err).Error("backup cleanup failed")
			}
		}
	}
}
