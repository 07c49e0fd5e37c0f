package backend

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"adkgw/cmd/internal/apierr"
	"adkgw/cmd/internal/backend/backendtest"
	"adkgw/cmd/internal/conversation"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func newClient(t *testing.T, base string, mode StreamMode) *Client {
	t.Helper()
	c, err := New(nil, nil, Config{BaseURL: base, AppName: "agent", StreamMode: mode})
	require.NoError(t, err)
	return c
}

func userTurn(sid string, parts ...conversation.Part) Turn {
	return Turn{UserID: "t1", SessionID: sid, Message: conversation.Message{Role: conversation.RoleUser, Parts: parts}}
}

func TestNew_Validates(t *testing.T) {
	_, err := New(nil, nil, Config{BaseURL: "localhost", AppName: "agent"})
	require.Error(t, err)
	_, err = New(nil, nil, Config{BaseURL: "http://localhost:8000"})
	require.Error(t, err)
}

func TestSessions(t *testing.T) {
	srv := backendtest.New("agent")
	defer srv.Close()
	c := newClient(t, srv.URL, "")
	ctx := context.Background()

	created, err := c.CreateSession(ctx, "t1", "s1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, srv.HasSession("t1", "s1"))

	created, err = c.CreateSession(ctx, "t1", "s1")
	require.NoError(t, err)
	assert.False(t, created)

	require.NoError(t, c.DeleteSession(ctx, "t1", "s1"))
	assert.False(t, srv.HasSession("t1", "s1"))
	require.NoError(t, c.DeleteSession(ctx, "t1", "s1"), "404 on delete is fine")

	srv.FailCreates.Store(1)
	_, err = c.CreateSession(ctx, "t1", "s2")
	require.ErrorIs(t, err, apierr.ErrBackendUnavailable)
}

func TestCreateSession_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	c := newClient(t, base, "")
	_, err := c.CreateSession(context.Background(), "t1", "s1")
	require.ErrorIs(t, err, apierr.ErrBackendUnavailable)
	assert.True(t, apierr.IsTransient(err))
}

func TestRun(t *testing.T) {
	srv := backendtest.New("agent")
	defer srv.Close()
	c := newClient(t, srv.URL, "")
	ctx := context.Background()

	_, err := c.Run(ctx, userTurn("missing", conversation.TextPart("hi")))
	require.ErrorIs(t, err, apierr.ErrSessionCorrupted)

	_, err = c.CreateSession(ctx, "t1", "s1")
	require.NoError(t, err)

	img := conversation.Part{Kind: conversation.KindImage, Bytes: []byte{1, 2, 3}, MIME: "image/png"}
	reply, err := c.Run(ctx, userTurn("s1", conversation.TextPart("hi"), img))
	require.NoError(t, err)
	assert.Equal(t, "echo: hi", reply)

	bodies := srv.Bodies()
	require.Len(t, bodies, 2)
	body := gjson.Parse(bodies[1])
	assert.Equal(t, "agent", body.Get("appName").String())
	assert.Equal(t, "t1", body.Get("userId").String())
	assert.Equal(t, "s1", body.Get("sessionId").String())
	assert.False(t, body.Get("streaming").Bool())
	assert.Equal(t, "user", body.Get("newMessage.role").String())
	assert.Equal(t, "hi", body.Get("newMessage.parts.0.text").String())
	assert.Equal(t, "image/png", body.Get("newMessage.parts.1.inlineData.mimeType").String())
	assert.Equal(t, "AQID", body.Get("newMessage.parts.1.inlineData.data").String())

	srv.CorruptSessions.Store("s1", true)
	_, err = c.Run(ctx, userTurn("s1", conversation.TextPart("hi")))
	require.ErrorIs(t, err, apierr.ErrSessionCorrupted)
}

func drain(t *testing.T, s *EventStream) ([]string, error) {
	t.Helper()
	var out []string
	for {
		text, err := s.Next()
		if err != nil {
			return out, err
		}
		out = append(out, text)
	}
}

func TestRunStream_Cumulative(t *testing.T) {
	srv := backendtest.New("agent")
	defer srv.Close()
	srv.Reply = func(string, string) []string { return []string{"Hel", "Hello", "Hello!"} }
	c := newClient(t, srv.URL, StreamCumulative)
	ctx := context.Background()
	_, err := c.CreateSession(ctx, "t1", "s1")
	require.NoError(t, err)

	s, err := c.RunStream(ctx, userTurn("s1", conversation.TextPart("hi")))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	got, err := drain(t, s)
	require.ErrorIs(t, err, io.EOF)
	assert.Equal(t, []string{"Hel", "Hello", "Hello!"}, got)
	assert.True(t, gjson.Get(srv.Bodies()[0], "streaming").Bool())
}

func TestRunStream_IncrementalAccumulates(t *testing.T) {
	srv := backendtest.New("agent")
	defer srv.Close()
	srv.Reply = func(string, string) []string { return []string{"Hel", "lo"} }
	srv.SendDone = true
	c := newClient(t, srv.URL, StreamIncremental)
	ctx := context.Background()
	_, err := c.CreateSession(ctx, "t1", "s1")
	require.NoError(t, err)

	s, err := c.RunStream(ctx, userTurn("s1", conversation.TextPart("hi")))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	got, err := drain(t, s)
	require.ErrorIs(t, err, io.EOF)
	assert.Equal(t, []string{"Hel", "Hello"}, got)
}

func TestRunStream_ErrorEvent(t *testing.T) {
	srv := backendtest.New("agent")
	defer srv.Close()
	srv.StreamError = "quota exhausted"
	c := newClient(t, srv.URL, "")
	ctx := context.Background()
	_, err := c.CreateSession(ctx, "t1", "s1")
	require.NoError(t, err)

	s, err := c.RunStream(ctx, userTurn("s1", conversation.TextPart("hi")))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	got, err := drain(t, s)
	require.ErrorIs(t, err, apierr.ErrBackendError)
	assert.Equal(t, "quota exhausted", apierr.Message(err))
	assert.Len(t, got, 3)
	assert.Equal(t, "MODEL_ERROR", s.Last().ErrorCode)
}

func TestRunStream_StatusErrors(t *testing.T) {
	tests := []struct {
		status int
		body   string
		kind   error
	}{
		{http.StatusBadRequest, "bad", apierr.ErrSessionCorrupted},
		{http.StatusNotFound, `{"detail":"Session not found"}`, apierr.ErrSessionCorrupted},
		{http.StatusNotFound, "no route", apierr.ErrBackendError},
		{http.StatusInternalServerError, "boom", apierr.ErrBackendError},
		{http.StatusServiceUnavailable, "", apierr.ErrBackendUnavailable},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d %s", tt.status, tt.body), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, tt.body, tt.status)
			}))
			defer srv.Close()

			_, err := newClient(t, srv.URL, "").RunStream(context.Background(), userTurn("s1", conversation.TextPart("hi")))
			require.ErrorIs(t, err, tt.kind)
		})
	}
}

func TestHealth(t *testing.T) {
	srv := backendtest.New("agent")
	h := newClient(t, srv.URL, "").Health(context.Background())
	assert.True(t, h.Healthy)
	assert.Equal(t, http.StatusOK, h.StatusCode)
	srv.Close()

	h = newClient(t, srv.URL, "").Health(context.Background())
	assert.False(t, h.Healthy)
	assert.Equal(t, "unreachable", h.Status)

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()
	h = newClient(t, bad.URL, "").Health(context.Background())
	assert.False(t, h.Healthy)
	assert.Equal(t, "unhealthy", h.Status)
}

func TestParseEvent(t *testing.T) {
	ev := ParseEvent([]byte(`{"content":{"parts":[{"text":"a"},{"functionCall":{}},{"text":"b"}]},"partial":true}`))
	assert.Equal(t, "ab", ev.Text)
	assert.True(t, ev.Partial)
	assert.False(t, ev.Failed())

	assert.Equal(t, "plain", ParseEvent([]byte(`{"text":"plain"}`)).Text)
	assert.Equal(t, "d", ParseEvent([]byte(`{"data":"d"}`)).Text)

	ev = ParseEvent([]byte(`{"error":{"code":"X","message":"bad"}}`))
	assert.True(t, ev.Failed())
	assert.Equal(t, "X", ev.ErrorCode)
	assert.Equal(t, "bad", ev.ErrorMessage)

	ev = ParseEvent([]byte(`{"error":"oops"}`))
	assert.Equal(t, "backend_error", ev.ErrorCode)
	assert.Equal(t, "oops", ev.ErrorMessage)

}
