package database

import (
	"database/sql"
	"fmt"
)

// Migrate runs database migrations. All timestamps are Unix nanoseconds.
func Migrate(db *sql.DB) error {
	usersSchema := `
    CREATE TABLE IF NOT EXISTS users (
        id TEXT PRIMARY KEY,
        identity TEXT NOT NULL COLLATE NOCASE UNIQUE,
        role TEXT NOT NULL CHECK (role IN ('admin', 'instructor', 'student')),
        password_hash TEXT NOT NULL,
        password_history TEXT NOT NULL DEFAULT '[]',
        failed_attempts INTEGER NOT NULL DEFAULT 0 CHECK (failed_attempts >= 0),
        lockout_until INTEGER,
        last_login_at INTEGER,
        is_active INTEGER NOT NULL DEFAULT 1,
        created_at INTEGER NOT NULL,
        updated_at INTEGER NOT NULL
    );

    CREATE INDEX IF NOT EXISTS idx_users_role ON users(role);
    CREATE INDEX IF NOT EXISTS idx_users_active ON users(is_active);
    `

	if _, err := db.Exec(usersSchema); err != nil {
		return fmt.Errorf("failed to create users table: %w", err)
	}

	// Sessions are keyed by the SHA-256 of the token, never the token itself.
	sessionsSchema := `
    CREATE TABLE IF NOT EXISTS sessions (
        token TEXT PRIMARY KEY,
        user_id TEXT NOT NULL,
        issued_at INTEGER NOT NULL,
        expires_at INTEGER NOT NULL,
        revoked INTEGER NOT NULL DEFAULT 0,
        FOREIGN KEY (user_id) REFERENCES users(id)
    );

    CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);
    CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);
    `

	if _, err := db.Exec(sessionsSchema); err != nil {
		return fmt.Errorf("failed to create sessions table: %w", err)
	}

	// Reset tokens are single-use; used_at is set when one is redeemed.
	resetsSchema := `
    CREATE TABLE IF NOT EXISTS password_resets (
        token TEXT PRIMARY KEY,
        user_id TEXT NOT NULL,
        issued_at INTEGER NOT NULL,
        expires_at INTEGER NOT NULL,
        used_at INTEGER,
        FOREIGN KEY (user_id) REFERENCES users(id)
    );

    CREATE INDEX IF NOT EXISTS idx_password_resets_user ON password_resets(user_id);
    `

	if _, err := db.Exec(resetsSchema); err != nil {
		return fmt.Errorf("failed to create password_resets table: %w", err)
	}

	auditSchema := `
    CREATE TABLE IF NOT EXISTS audit_log (
        sequence_number INTEGER PRIMARY KEY,
        timestamp INTEGER NOT NULL,
        actor_id TEXT,
        action TEXT NOT NULL,
        target TEXT NOT NULL DEFAULT '',
        result TEXT NOT NULL CHECK (result IN ('success', 'failure')),
        metadata TEXT NOT NULL DEFAULT '{}',
        prev_hash TEXT NOT NULL,
        entry_hash TEXT NOT NULL
    );

    CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_log(actor_id);
    CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_log(action);
    CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp);
    `

	if _, err := db.Exec(auditSchema); err != nil {
		return fmt.Errorf("failed to create audit_log table: %w", err)
	}

	return nil
}
