package token

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTenantID_Shape(t *testing.T) {
	h, err := NewHasher("")
	require.NoError(t, err)
	assert.False(t, h.Keyed())

	id, err := h.TenantID("sk-adk-middleware-key")
	require.NoError(t, err)
	assert.Len(t, id, 25)
	assert.True(t, strings.HasPrefix(id, "t"))
	assert.NotContains(t, id, "_")

	again, err := h.TenantID("  sk-adk-middleware-key ")
	require.NoError(t, err)
	assert.Equal(t, id, again)

	other, err := h.TenantID("sk-other")
	require.NoError(t, err)
	assert.NotEqual(t, id, other)

	_, err = h.TenantID("   ")
	assert.ErrorIs(t, err, ErrEmptyAPIKey)
}

func TestTenantID_KeyedDiffers(t *testing.T) {
	plain, err := NewHasher("")
	require.NoError(t, err)
	keyed, err := NewHasher("0123456789abcdef0123")
	require.NoError(t, err)
	assert.True(t, keyed.Keyed())

	a, _ := plain.TenantID("sk-1")
	b, _ := keyed.TenantID("sk-1")
	assert.NotEqual(t, a, b)
	assert.Len(t, keyed.HashHex("x"), 64)
}

func TestNewHasher_KeyBounds(t *testing.T) {
	_, err := NewHasher("short")
	assert.ErrorIs(t, err, ErrHashKeyTooShort)
	_, err = NewHasher(strings.Repeat("k", 65))
	assert.ErrorIs(t, err, ErrHashKeyTooLong)
	_, err = NewHasher(strings.Repeat("k", 64))
	assert.NoError(t, err)
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal("abc", "abc"))
	assert.False(t, Equal("abc", "abd"))
	assert.False(t, Equal("abc", "ab"))
}
