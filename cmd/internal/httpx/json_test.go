package httpx

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"adkgw/cmd/internal/apierr"
	v1 "adkgw/shared/contracts/chat/v1"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeJSON(t *testing.T) {
	type body struct {
		Model string `json:"model"`
	}

	tests := []struct {
		name    string
		in      string
		max     int64
		wantErr error
	}{
		{"ok with unknown fields", `{"model":"agent","temperature":1}`, 1024, nil},
		{"empty", ``, 1024, apierr.ErrBadRequest},
		{"malformed", `{"model":`, 1024, apierr.ErrBadRequest},
		{"trailing", `{"model":"a"}{"model":"b"}`, 1024, apierr.ErrBadRequest},
		{"too large", `{"model":"` + strings.Repeat("a", 64) + `"}`, 16, apierr.ErrPayloadTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.in))
			var dst body
			err := DecodeJSON(httptest.NewRecorder(), r, tt.max, &dst)
			if tt.wantErr == nil {
				require.NoError(t, err)
				assert.Equal(t, "agent", dst.Model)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	WriteError(rec, r, apierr.New("x", apierr.ErrUnsupportedMedia, "font files are not accepted"))

	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	var resp v1.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "unsupported_media", resp.Error.Code)
	assert.Equal(t, "font files are not accepted", resp.Error.Message)
	assert.Equal(t, v1.ErrorTypeInvalidRequest, resp.Error.Type)
}

func TestUnauthorized(t *testing.T) {
	rec := httptest.NewRecorder()
	Unauthorized(rec, httptest.NewRequest(http.MethodGet, "/", nil), "missing_api_key", "missing bearer token")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")
	assert.Contains(t, rec.Body.String(), `"code":"missing_api_key"`)
}
