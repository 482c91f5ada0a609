package crypto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashCompareRoundTrip(t *testing.T) {
	h := NewArgon2Hasher("pepper")

	encoded, err := h.Hash("the-secret")
	require.NoError(t, err)
	assert.NotContains(t, encoded, "the-secret")

	assert.True(t, h.Compare("the-secret", encoded))
	assert.False(t, h.Compare("wrong-secret", encoded))
}

func TestHashIsSalted(t *testing.T) {
	h := NewArgon2Hasher("")

	first, err := h.Hash("same-secret")
	require.NoError(t, err)
	second, err := h.Hash("same-secret")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.True(t, h.Compare("same-secret", first))
	assert.True(t, h.Compare("same-secret", second))
}

func TestCompareRejectsMalformedHash(t *testing.T) {
	h := NewArgon2Hasher("pepper")

	assert.False(t, h.Compare("secret", ""))
	assert.False(t, h.Compare("secret", "no-separator"))
	assert.False(t, h.Compare("secret", "!!!$###"))
	assert.False(t, h.Compare("secret", strings.Repeat("a", 100)))
}

func TestPepperChangesHash(t *testing.T) {
	withPepper := NewArgon2Hasher("pepper-a")
	otherPepper := NewArgon2Hasher("pepper-b")

	encoded, err := withPepper.Hash("secret")
	require.NoError(t, err)

	assert.True(t, withPepper.Compare("secret", encoded))
	assert.False(t, otherPepper.Compare("secret", encoded))
}
