package security

import (
	"strings"
	"testing"

	apperrors "github.com/amirk1998/classroom-access/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestNewPasswordHasher_RejectsBadConfig(t *testing.T) {
	_, err := NewPasswordHasher(SchemeBcrypt, bcrypt.MinCost-1)
	require.ErrorIs(t, err, apperrors.ErrInvalidHashCost)

	_, err = NewPasswordHasher(SchemeBcrypt, bcrypt.MaxCost+1)
	require.ErrorIs(t, err, apperrors.ErrInvalidHashCost)

	_, err = NewPasswordHasher("sha256", 0)
	require.ErrorIs(t, err, apperrors.ErrUnknownHashScheme)

	_, err = NewPasswordHasher(SchemeArgon2id, -1)
	require.ErrorIs(t, err, apperrors.ErrInvalidHashCost)
}

func TestPasswordHasher_Bcrypt(t *testing.T) {
	h, err := NewPasswordHasher(SchemeBcrypt, bcrypt.MinCost)
	require.NoError(t, err)

	hash, err := h.Hash("Admin@123")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "$2a$"))
	assert.NotContains(t, hash, "Admin@123")

	ok, err := h.Verify("Admin@123", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.Verify("admin@123", hash)
	require.NoError(t, err)
	assert.False(t, ok)

	again, err := h.Hash("Admin@123")
	require.NoError(t, err)
	assert.NotEqual(t, hash, again, "hashes must be salted")
}

func TestPasswordHasher_Argon2id(t *testing.T) {
	h, err := NewPasswordHasher(SchemeArgon2id, 1)
	require.NoError(t, err)

	hash, err := h.Hash("Stu#Pass01")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "$argon2id$v=19$m=65536,t=1,p=2$"))

	ok, err := h.Verify("Stu#Pass01", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.Verify("Stu#Pass02", hash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPasswordHasher_VerifiesEitherScheme(t *testing.T) {
	bc, err := NewPasswordHasher(SchemeBcrypt, bcrypt.MinCost)
	require.NoError(t, err)
	ar, err := NewPasswordHasher(SchemeArgon2id, 1)
	require.NoError(t, err)

	argonHash, err := ar.Hash("Mixed#Pass9")
	require.NoError(t, err)

	ok, err := bc.Verify("Mixed#Pass9", argonHash)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, bc.NeedsRehash(argonHash))
}

func TestPasswordHasher_UnknownEncodingIsAnError(t *testing.T) {
	h, err := NewPasswordHasher(SchemeBcrypt, bcrypt.MinCost)
	require.NoError(t, err)

	for _, encoded := range []string{
		"sha256$salt$0123",
		"5e884898da28047151d0e56f8dc6292773603d0d6aabbdd62a11ef721d1542d8",
		"",
	} {
		ok, err := h.Verify("password", encoded)
		require.ErrorIs(t, err, apperrors.ErrUnknownHashScheme)
		assert.False(t, ok)
	}
}

func TestPasswordHasher_NeedsRehash(t *testing.T) {
	low, err := NewPasswordHasher(SchemeBcrypt, bcrypt.MinCost)
	require.NoError(t, err)
	high, err := NewPasswordHasher(SchemeBcrypt, bcrypt.MinCost+1)
	require.NoError(t, err)

	hash, err := low.Hash("Rehash#Me1")
	require.NoError(t, err)

	assert.False(t, low.NeedsRehash(hash))
	assert.True(t, high.NeedsRehash(hash))
}
