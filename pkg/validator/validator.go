package validator

import (
	"regexp"
	"strings"

	"github.com/amirk1998/classroom-access/pkg/errors"
)

const (
	// MaxPasswordBytes is the longest input bcrypt will hash.
	MaxPasswordBytes = 72
)

var (
	// Identity: 3-20 letters, digits and hyphens (ADMIN001, STU-2024-17)
	identityRegex = regexp.MustCompile(`^[A-Za-z0-9-]{3,20}$`)
)

type Validator struct{}

func New() *Validator {
	return &Validator{}
}

// ValidateIdentity checks the login identifier format.
func (v *Validator) ValidateIdentity(identity string) error {
	if !identityRegex.MatchString(identity) {
		return errors.NewAppError(errors.ErrInvalidIdentity, "identity must be 3-20 letters, digits or hyphens", 400)
	}
	return nil
}

// ValidatePasswordInput rejects inputs no hasher can accept. Strength rules
// belong to the password policy, not here.
func (v *Validator) ValidatePasswordInput(password string) error {
	if password == "" {
		return errors.NewAppError(errors.ErrInvalidInput, "password cannot be empty", 400)
	}
	if len(password) > MaxPasswordBytes {
		return errors.NewAppError(errors.ErrInvalidInput, "password too long (max 72 bytes)", 400)
	}
	if strings.ContainsRune(password, '\x00') {
		return errors.NewAppError(errors.ErrInvalidInput, "password contains a null byte", 400)
	}
	return nil
}

// SanitizeString removes null bytes and surrounding whitespace
func (v *Validator) SanitizeString(input string) string {
	input = strings.ReplaceAll(input, "\x00", "")
	return strings.TrimSpace(input)
}
