package security

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandomToken(t *testing.T) {
	a, err := RandomToken(ResetTokenBytes)
	require.NoError(t, err)
	b, err := RandomToken(ResetTokenBytes)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	raw, err := base64.RawURLEncoding.DecodeString(a)
	require.NoError(t, err)
	assert.Len(t, raw, ResetTokenBytes)
}

func TestTokenDigest(t *testing.T) {
	d := TokenDigest("token")
	assert.Len(t, d, 64)
	assert.Equal(t, d, TokenDigest("token"))
	assert.NotEqual(t, d, TokenDigest("token2"))
}
