package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"adkgw/cmd/security/token"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const defaultKey = "sk-adk-middleware-key"

func newKeyring(t *testing.T, cfg KeyringConfig) *Keyring {
	t.Helper()
	h, err := token.NewHasher("")
	require.NoError(t, err)
	k, err := NewKeyring(h, cfg)
	require.NoError(t, err)
	return k
}

func TestKeyring_Optional(t *testing.T) {
	k := newKeyring(t, KeyringConfig{DefaultKey: defaultKey})
	assert.False(t, k.Required())

	anon, _, ok := k.Resolve("")
	require.True(t, ok)
	def, _, ok := k.Resolve(defaultKey)
	require.True(t, ok)
	assert.Equal(t, anon, def)

	other, _, ok := k.Resolve("sk-somebody")
	require.True(t, ok)
	assert.NotEqual(t, def, other)
}

func TestKeyring_Required(t *testing.T) {
	k := newKeyring(t, KeyringConfig{Require: true, Keys: []string{"sk-a", " sk-b ", ""}})
	assert.Equal(t, 2, k.Size())

	_, code, ok := k.Resolve("")
	assert.False(t, ok)
	assert.Equal(t, CodeMissingAPIKey, code)

	_, code, ok = k.Resolve("sk-c")
	assert.False(t, ok)
	assert.Equal(t, CodeInvalidAPIKey, code)

	a, _, ok := k.Resolve("sk-a")
	require.True(t, ok)
	b, _, ok := k.Resolve("sk-b")
	require.True(t, ok)
	assert.NotEqual(t, a, b)
}

func TestMiddleware(t *testing.T) {
	k := newKeyring(t, KeyringConfig{Require: true, Keys: []string{"sk-a"}})
	var seen string
	h := NewMiddleware(nil, k, nil).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = TenantFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		status int
		code   string
	}{
		{"missing", "", http.StatusUnauthorized, CodeMissingAPIKey},
		{"basic scheme", "Basic abc", http.StatusUnauthorized, CodeMissingAPIKey},
		{"unknown key", "Bearer sk-z", http.StatusUnauthorized, CodeInvalidAPIKey},
		{"ok", "bearer  sk-a", http.StatusNoContent, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = ""
			r := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, r)

			assert.Equal(t, tt.status, rec.Code)
			if tt.code != "" {
				assert.Contains(t, rec.Body.String(), tt.code)
				assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
				assert.Empty(t, seen)
				return
			}
			assert.NotEmpty(t, seen)
		})
	}
}

func TestMiddleware_RateLimited(t *testing.T) {
	k := newKeyring(t, KeyringConfig{DefaultKey: defaultKey})
	m := NewMiddleware(nil, k, NewTenantLimiter(2, time.Minute))
	now := time.Unix(1000, 0)
	m.now = func() time.Time { return now }
	h := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	do := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		return rec
	}
	assert.Equal(t, http.StatusOK, do().Code)
	now = now.Add(10 * time.Second)
	assert.Equal(t, http.StatusOK, do().Code)

	rec := do()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "50", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "rate_limited")

	now = now.Add(51 * time.Second)
	assert.Equal(t, http.StatusOK, do().Code)
}

func TestTenantLimiter(t *testing.T) {
	l := NewTenantLimiter(1, time.Second)
	now := time.Unix(0, 0)

	ok, _ := l.Allow("a", now)
	assert.True(t, ok)
	ok, _ = l.Allow("b", now)
	assert.True(t, ok, "tenants are independent")
	ok, wait := l.Allow("a", now.Add(100*time.Millisecond))
	assert.False(t, ok)
	assert.Equal(t, 900*time.Millisecond, wait)

	assert.Equal(t, 2, l.Prune(now.Add(2*time.Second)))

	var disabled *TenantLimiter
	ok, _ = disabled.Allow("a", now)
	assert.True(t, ok)
	ok, _ = NewTenantLimiter(0, 0).Allow("a", now)
	assert.True(t, ok)
}
