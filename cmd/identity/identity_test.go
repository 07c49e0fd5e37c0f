package identity

import (
	"strings"
	"testing"

	"adkgw/cmd/internal/apierr"
	"adkgw/cmd/internal/conversation"
	"adkgw/cmd/internal/fingerprint"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func history() []conversation.Message {
	return []conversation.Message{
		{Role: conversation.RoleUser, Parts: []conversation.Part{conversation.TextPart("hi")}},
		{Role: conversation.RoleAssistant, Parts: []conversation.Part{conversation.TextPart("hello!")}},
	}
}

func TestDerive_Precedence(t *testing.T) {
	d := NewDeriver(WithRandom(func() string { return "deadbeef" }))
	fp := fingerprint.Of(history())

	tests := []struct {
		name    string
		sig     Signals
		prior   []conversation.Message
		wantKey string
		wantSrc Source
	}{
		{"session header wins", Signals{SessionHeader: "s1", UserHeader: "u1", BodyUser: "b1"}, history(), "t1_s1", SourceSessionHeader},
		{"user header next", Signals{UserHeader: "u1", BodyUser: "b1"}, history(), "t1_u1", SourceUserHeader},
		{"body user next", Signals{BodyUser: "b1"}, history(), "t1_b1", SourceBodyUser},
		{"fingerprint", Signals{}, history(), "t1_" + string(fp), SourceFingerprint},
		{"random for new conversation", Signals{}, nil, "t1_temp_deadbeef", SourceRandom},
		{"blank override ignored", Signals{SessionHeader: "  ", UserHeader: "!!!"}, nil, "t1_temp_deadbeef", SourceRandom},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := d.Derive("t1", tt.sig, tt.prior)
			require.NoError(t, err)
			assert.Equal(t, tt.wantKey, id.SessionKey)
			assert.Equal(t, tt.wantSrc, id.Source)
			assert.Equal(t, "t1", id.TenantID)
			assert.Empty(t, id.BackendSessionID)
		})
	}
}

func TestDerive_IsPure(t *testing.T) {
	d := NewDeriver()
	a, err := d.Derive("t1", Signals{}, history())
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		b, err := d.Derive("t1", Signals{}, history())
		require.NoError(t, err)
		assert.Equal(t, a, b)
	}
}

func TestDerive_TenantIsolation(t *testing.T) {
	d := NewDeriver()
	for _, sig := range []Signals{{}, {SessionHeader: "shared"}, {BodyUser: "bob"}} {
		a, err := d.Derive("tenantA", sig, history())
		require.NoError(t, err)
		b, err := d.Derive("tenantB", sig, history())
		require.NoError(t, err)
		assert.NotEqual(t, a.SessionKey, b.SessionKey)
	}
}

func TestDerive_RandomKeysDiffer(t *testing.T) {
	d := NewDeriver()
	a, err := d.Derive("t1", Signals{}, nil)
	require.NoError(t, err)
	b, err := d.Derive("t1", Signals{}, nil)
	require.NoError(t, err)
	assert.NotEqual(t, a.SessionKey, b.SessionKey)
	assert.True(t, strings.HasPrefix(a.SessionKey, "t1_temp_"))
}

func TestDerive_MissingTenant(t *testing.T) {
	_, err := NewDeriver().Derive(" ", Signals{}, nil)
	require.ErrorIs(t, err, apierr.ErrBadRequest)
}

func TestNormalizeOverride(t *testing.T) {
	assert.Equal(t, "abc-1.2:3_x", NormalizeOverride("  abc-1.2:3_x "))
	assert.Equal(t, "abc", NormalizeOverride("a/b c"))
	assert.Equal(t, "", NormalizeOverride("¿?"))
	assert.Len(t, NormalizeOverride(strings.Repeat("x", 500)), maxOverrideLen)
}

func TestSourcePinned(t *testing.T) {
	assert.True(t, SourceSessionHeader.Pinned())
	assert.True(t, SourceBodyUser.Pinned())
	assert.False(t, SourceFingerprint.Pinned())
	assert.False(t, SourceRandom.Pinned())
}
