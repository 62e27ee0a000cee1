package security

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	apperrors "github.com/amirk1998/classroom-access/pkg/errors"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

const (
	SchemeBcrypt   = "bcrypt"
	SchemeArgon2id = "argon2id"

	// DefaultBcryptCost matches the work factor the classroom app shipped with.
	DefaultBcryptCost = 12

	// Argon2id parameters (OWASP recommendations)
	argon2Time      = 3
	argon2Memory    = 64 * 1024 // 64 MB
	argon2Threads   = 2
	argon2KeyLength = 32
	saltLength      = 16
)

// Hasher hashes and verifies passwords. NeedsRehash reports hashes made
// with parameters other than the current ones.
type Hasher interface {
	Hash(password string) (string, error)
	Verify(password, encodedHash string) (bool, error)
	NeedsRehash(encodedHash string) bool
}

// PasswordHasher produces hashes with the configured scheme and verifies any
// hash whose encoding it recognises. Unrecognised encodings are an error,
// never a weaker fallback.
type PasswordHasher struct {
	scheme     string
	bcryptCost int
	time       uint32
	memory     uint32
	threads    uint8
	keyLength  uint32
}

// NewPasswordHasher validates scheme and cost. For bcrypt, cost is the bcrypt
// work factor; for argon2id it is the time parameter (0 selects the default).
func NewPasswordHasher(scheme string, cost int) (*PasswordHasher, error) {
	ph := &PasswordHasher{
		scheme:    scheme,
		time:      argon2Time,
		memory:    argon2Memory,
		threads:   argon2Threads,
		keyLength: argon2KeyLength,
	}

	switch scheme {
	case SchemeBcrypt:
		if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
			return nil, fmt.Errorf("%w: %d must be between %d and %d",
				apperrors.ErrInvalidHashCost, cost, bcrypt.MinCost, bcrypt.MaxCost)
		}
		ph.bcryptCost = cost
	case SchemeArgon2id:
		if cost < 0 || cost > 64 {
			return nil, fmt.Errorf("%w: argon2id time %d", apperrors.ErrInvalidHashCost, cost)
		}
		if cost > 0 {
			ph.time = uint32(cost)
		}
	default:
		return nil, fmt.Errorf("%w: %q", apperrors.ErrUnknownHashScheme, scheme)
	}

	return ph, nil
}

// Hash generates a salted hash of password
func (ph *PasswordHasher) Hash(password string) (string, error) {
	if ph.scheme == SchemeBcrypt {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), ph.bcryptCost)
		if err != nil {
			return "", fmt.Errorf("failed to hash password: %w", err)
		}
		return string(hash), nil
	}
	return ph.hashArgon2(password)
}

// Verify checks if password matches the hash
func (ph *PasswordHasher) Verify(password, encodedHash string) (bool, error) {
	switch {
	case isBcryptHash(encodedHash):
		err := bcrypt.CompareHashAndPassword([]byte(encodedHash), []byte(password))
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to verify password: %w", err)
		}
		return true, nil
	case strings.HasPrefix(encodedHash, "$argon2id$"):
		return verifyArgon2(password, encodedHash)
	default:
		return false, apperrors.ErrUnknownHashScheme
	}
}

// NeedsRehash reports whether encodedHash was produced with a different
// scheme or cost than the one currently configured.
func (ph *PasswordHasher) NeedsRehash(encodedHash string) bool {
	if ph.scheme == SchemeBcrypt {
		if !isBcryptHash(encodedHash) {
			return true
		}
		cost, err := bcrypt.Cost([]byte(encodedHash))
		return err != nil || cost != ph.bcryptCost
	}
	return !strings.HasPrefix(encodedHash, fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$",
		argon2.Version, ph.memory, ph.time, ph.threads))
}

func isBcryptHash(h string) bool {
	return strings.HasPrefix(h, "$2a$") || strings.HasPrefix(h, "$2b$") || strings.HasPrefix(h, "$2y$")
}

func (ph *PasswordHasher) hashArgon2(password string) (string, error) {
	// Generate random salt
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	hash := argon2.IDKey([]byte(password), salt, ph.time, ph.memory, ph.threads, ph.keyLength)

	// Encode hash with parameters for verification
	encodedHash := fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		ph.memory,
		ph.time,
		ph.threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	)

	return encodedHash, nil
}

func verifyArgon2(password, encodedHash string) (bool, error) {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 {
		return false, fmt.Errorf("invalid hash format")
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return false, fmt.Errorf("failed to parse version: %w", err)
	}

	if version != argon2.Version {
		return false, fmt.Errorf("incompatible argon2 version")
	}

	var memory, time uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time, &threads); err != nil {
		return false, fmt.Errorf("failed to parse parameters: %w", err)
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, fmt.Errorf("failed to decode salt: %w", err)
	}

	hash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, fmt.Errorf("failed to decode hash: %w", err)
	}

	testHash := argon2.IDKey([]byte(password), salt, time, memory, threads, uint32(len(hash)))

	// Use constant-time comparison to prevent timing attacks
	return subtle.ConstantTimeCompare(hash, testHash) == 1, nil
}
