package ids

import (
	"strings"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewULID(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	id, err := NewULID(now)
	require.NoError(t, err)
	require.Len(t, id, 26)

	parsed, err := ulid.Parse(id)
	require.NoError(t, err)
	assert.Equal(t, ulid.Timestamp(now), parsed.Time())
}

func TestCompletionID(t *testing.T) {
	a := CompletionID(time.Now())
	b := CompletionID(time.Now())
	assert.True(t, strings.HasPrefix(a, "chatcmpl-"))
	assert.NotEqual(t, a, b)
}

func TestShortRandom(t *testing.T) {
	s := ShortRandom()
	assert.Regexp(t, `^[0-9a-f]{8}$`, s)
	assert.NotEqual(t, s, ShortRandom())
}
