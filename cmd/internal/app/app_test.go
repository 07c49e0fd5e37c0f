package app

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"adkgw/cmd/internal/backend/backendtest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestRuntimeBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "explicit localhost", in: "127.0.0.1:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v4", in: "0.0.0.0:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v6", in: "[::]:9090", want: "http://127.0.0.1:9090"},
		{name: "empty host", in: ":8080", want: "http://127.0.0.1:8080"},
		{name: "ipv6 host", in: "[2001:db8::1]:9090", want: "http://[2001:db8::1]:9090"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, runtimeBaseURL(tc.in))
		})
	}
}

func TestWSBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "http://127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
		{in: "https://gw.example.com", want: "wss://gw.example.com"},
		{in: "127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, wsBaseURL(tc.in), tc.in)
	}
	assert.Equal(t, "ws://127.0.0.1:8080/v1/ws", WSURL("0.0.0.0:8080"))
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestApp(t *testing.T, environ map[string]string) (*App, *backendtest.Server) {
	t.Helper()

	adk := backendtest.New("agent")
	t.Cleanup(adk.Close)

	environ["ADK_HOST"] = adk.URL
	environ["ADK_APP_NAME"] = "agent"
	cfg, err := ParseConfig(environ)
	require.NoError(t, err)

	a, err := New(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	t.Cleanup(a.closeResources)
	return a, adk
}

func TestRouter_Probes(t *testing.T) {
	a, _ := newTestApp(t, map[string]string{"HISTORY_BACKEND": "memory"})
	srv := httptest.NewServer(a.Router())
	t.Cleanup(srv.Close)

	for _, p := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(srv.URL + p)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, p)
		assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"), p)
	}
}

func TestRouter_ReadyRequiresDB(t *testing.T) {
	a, _ := newTestApp(t, map[string]string{
		"HISTORY_BACKEND":      "none",
		"READINESS_REQUIRE_DB": "true",
	})
	rec := httptest.NewRecorder()
	a.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRouter_ReadySQLite(t *testing.T) {
	a, _ := newTestApp(t, map[string]string{
		"HISTORY_BACKEND": "sqlite",
		"SQLITE_PATH":     t.TempDir() + "/history.db",
	})
	rec := httptest.NewRecorder()
	a.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_ChatCompletionEndToEnd(t *testing.T) {
	a, adk := newTestApp(t, map[string]string{
		"REQUIRE_API_KEY": "true",
		"API_KEYS":        "sk-one, sk-two",
	})
	srv := httptest.NewServer(a.Router())
	t.Cleanup(srv.Close)

	body := `{"model":"agent","messages":[{"role":"user","content":"ping"}]}`

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/chat/completions", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err = http.NewRequest(http.MethodPost, srv.URL+"/v1/chat/completions", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer sk-two")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	assert.Equal(t, "echo: ping", gjson.GetBytes(raw, "choices.0.message.content").String())
	assert.NotEmpty(t, resp.Header.Get("X-Session-Key"))
	assert.EqualValues(t, 1, adk.Runs.Load())
}

func TestNew_RejectsShortHashKey(t *testing.T) {
	cfg, err := ParseConfig(map[string]string{"TENANT_HASH_KEY": "short"})
	require.NoError(t, err)
	_, err = New(context.Background(), cfg, quietLogger())
	require.Error(t, err)
}

func TestCheck(t *testing.T) {
	adk := backendtest.New("agent")
	t.Cleanup(adk.Close)

	cfg, err := ParseConfig(map[string]string{"ADK_HOST": adk.URL})
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, Check(context.Background(), cfg, false, &out))
	assert.True(t, gjson.GetBytes(out.Bytes(), "backend.healthy").Bool(), out.String())
	assert.False(t, gjson.GetBytes(out.Bytes(), "gateway").Exists())

	adk.Close()
	out.Reset()
	err = Check(context.Background(), cfg, false, &out)
	require.ErrorIs(t, err, ErrUnhealthy)
	assert.False(t, gjson.GetBytes(out.Bytes(), "backend.healthy").Bool())
}
