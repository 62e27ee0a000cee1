package security

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const minSecretLength = 32

// KeyManager derives purpose-bound keys from the configured secrets so the
// same secret is never used directly for two purposes.
type KeyManager struct {
	dbKey     []byte
	backupKey []byte
	auditKey  []byte
}

// NewKeyManager derives keys from the database, backup and audit chain
// secrets. Empty secrets disable the corresponding key.
func NewKeyManager(dbSecret, backupSecret, auditSecret string) (*KeyManager, error) {
	km := &KeyManager{}

	var err error
	if km.dbKey, err = deriveKey(dbSecret, "classroom-access/database"); err != nil {
		return nil, fmt.Errorf("database key: %w", err)
	}
	if km.backupKey, err = deriveKey(backupSecret, "classroom-access/backup"); err != nil {
		return nil, fmt.Errorf("backup key: %w", err)
	}
	if km.auditKey, err = deriveKey(auditSecret, "classroom-access/audit-chain"); err != nil {
		return nil, fmt.Errorf("audit chain key: %w", err)
	}

	return km, nil
}

// DatabaseKey returns the SQLCipher passphrase, hex encoded.
func (km *KeyManager) DatabaseKey() string {
	if km.dbKey == nil {
		return ""
	}
	return hex.EncodeToString(km.dbKey)
}

// BackupKey returns the AES-256 key for backup archives.
func (km *KeyManager) BackupKey() []byte {
	return km.backupKey
}

// AuditChainKey returns the HMAC key for the audit hash chain, or nil.
func (km *KeyManager) AuditChainKey() []byte {
	return km.auditKey
}

// deriveKey derives a 32-byte key from a secret using HKDF-SHA256
func deriveKey(secret, info string) ([]byte, error) {
	if secret == "" {
		return nil, nil
	}
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("secret too short (minimum %d characters)", minSecretLength)
	}

	key := make([]byte, 32)
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte(info))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}
