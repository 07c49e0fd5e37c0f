package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"adkgw/cmd/internal/apierr"
	"adkgw/cmd/internal/content"
	"adkgw/cmd/internal/conversation"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestLifecycle(t *testing.T) {
	m := New()

	ok := m.StartRequest("tabc", "agent", "http", true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.inflight))
	ok.Finish(nil)

	bad := m.StartRequest("tabc", "agent", "http", false)
	bad.Finish(apierr.New("x", apierr.ErrBackendUnavailable, "down"))

	assert.Equal(t, 0.0, testutil.ToFloat64(m.inflight))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("tabc", "agent", "http", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("tabc", "agent", "http", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.failures.WithLabelValues("backend_unavailable")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.latency))
}

func TestObservers(t *testing.T) {
	m := New()
	m.PartResolved(content.PolicyExtractText, conversation.KindDocument, 10*time.Millisecond, nil)
	m.PartResolved(content.PolicyReject, conversation.KindDocument, time.Millisecond, apierr.New("x", apierr.ErrUnsupportedMedia, "no"))
	m.SessionEvent("create", nil)
	m.SessionEvent("create", errors.New("boom"))
	m.SessionEvent("reset", context.Canceled)
	m.StreamStats(5, 1)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.parts.WithLabelValues("extract_text", "document", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.parts.WithLabelValues("reject", "document", "unsupported_media")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessions.WithLabelValues("create", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessions.WithLabelValues("create", "backend_error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessions.WithLabelValues("reset", "canceled")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.deltas))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.resets))
}

func TestHandler(t *testing.T) {
	m := New()
	m.WSConnected(1)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "adkgw_ws_connections 1")
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
