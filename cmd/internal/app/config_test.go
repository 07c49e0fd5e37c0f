package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig_Defaults(t *testing.T) {
	cfg, err := ParseConfig(map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.HTTPAddr)
	assert.Equal(t, "http://localhost:8000", cfg.ADKHost)
	assert.Equal(t, "agent", cfg.ADKAppName)
	assert.Equal(t, 300*time.Second, cfg.BackendTimeout)
	assert.Equal(t, "cumulative", cfg.BackendStreamMode)
	assert.EqualValues(t, 20<<20, cfg.MaxFileBytes())
	assert.Equal(t, 30*time.Second, cfg.DownloadTimeout)
	assert.EqualValues(t, 8, cfg.MaxConcurrentFetches)
	assert.False(t, cfg.StrictMultimodal)
	assert.False(t, cfg.RequireAPIKey)
	assert.Equal(t, "sk-adk-middleware-key", cfg.DefaultAPIKey)
	assert.Nil(t, cfg.APIKeys)
	assert.Equal(t, HistoryMemory, cfg.HistoryBackend)
	assert.Equal(t, 3, cfg.SessionCreateRetries)
	assert.Equal(t, []string{"http://localhost", "http://127.0.0.1"}, cfg.WSAllowedOrigins)
	assert.Nil(t, cfg.CORSAllowedOrigins)
	assert.GreaterOrEqual(t, cfg.WriteTimeout, cfg.RequestTimeout)
}

func TestParseConfig_ListsAndClamps(t *testing.T) {
	cfg, err := ParseConfig(map[string]string{
		"API_KEYS":               " sk-a ,, sk-b ",
		"MAX_FILE_SIZE_MB":       "0",
		"MAX_CONCURRENT_FETCHES": "-3",
		"SESSION_CREATE_RETRIES": "99",
		"REQUEST_TIMEOUT":        "20m",
		"HTTP_WRITE_TIMEOUT":     "1m",
		"HISTORY_BACKEND":        " SQLite ",
		"BACKEND_STREAM_MODE":    "Incremental",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"sk-a", "sk-b"}, cfg.APIKeys)
	assert.EqualValues(t, 20, cfg.MaxFileSizeMB)
	assert.EqualValues(t, 8, cfg.MaxConcurrentFetches)
	assert.Equal(t, 10, cfg.SessionCreateRetries)
	assert.Equal(t, 20*time.Minute+30*time.Second, cfg.WriteTimeout)
	assert.Equal(t, HistorySQLite, cfg.HistoryBackend)
	assert.Equal(t, "incremental", cfg.BackendStreamMode)
}

func TestParseConfig_Errors(t *testing.T) {
	cases := map[string]map[string]string{
		"unknown history":      {"HISTORY_BACKEND": "redis"},
		"postgres without dsn": {"HISTORY_BACKEND": "postgres"},
		"unknown stream mode":  {"BACKEND_STREAM_MODE": "chunked"},
		"malformed duration":   {"REQUEST_TIMEOUT": "soon"},
		"malformed bool":       {"REQUIRE_API_KEY": "maybe"},
		"malformed integer":    {"MAX_FILE_SIZE_MB": "twenty"},
	}
	for name, environ := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseConfig(environ)
			require.Error(t, err)
		})
	}
}
