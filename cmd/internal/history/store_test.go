package history

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exchange(session, user, reply string) []Record {
	return []Record{
		{RequestID: "req-" + user, Tenant: "tabc", SessionKey: session, DerivedKey: session, Role: RoleUser, Content: user, ContentType: "text", Model: "agent"},
		{RequestID: "req-" + user, Tenant: "tabc", SessionKey: session, DerivedKey: session, Role: RoleAssistant, Content: reply, ContentType: "text", Model: "agent", LatencyMS: 42},
	}
}

// storeContract runs the shared behavior every Store must satisfy.
func storeContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	require.ErrorIs(t, s.Save(ctx, []Record{{Role: RoleUser}}), ErrInvalidRecord)

	require.NoError(t, s.Save(ctx, exchange("tabc_s1", "hi", "hello")))
	require.NoError(t, s.Save(ctx, exchange("tabc_s1", "again", "sure")))
	require.NoError(t, s.Save(ctx, exchange("tabc_s2", "other", "ok")))

	page, err := s.History(ctx, Query{SessionKey: "tabc_s1"})
	require.NoError(t, err)
	require.Len(t, page.Records, 4)
	assert.False(t, page.HasMore)
	assert.Equal(t, "hi", page.Records[0].Content)
	assert.Equal(t, RoleAssistant, page.Records[1].Role)
	assert.Equal(t, int64(42), page.Records[1].LatencyMS)
	assert.Equal(t, "tabc", page.Records[1].Tenant)
	assert.False(t, page.Records[0].CreatedAt.IsZero())
	assert.Equal(t, "sure", page.Records[3].Content)

	page, err = s.History(ctx, Query{SessionKey: "tabc_s1", Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, "hello", page.Records[0].Content)

	page, err = s.History(ctx, Query{SessionKey: "tabc_s1", Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, page.Records)

	_, err = s.History(ctx, Query{})
	require.ErrorIs(t, err, ErrMissingSession)

	n, err := s.DeleteSession(ctx, "tabc_s1")
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	page, err = s.History(ctx, Query{SessionKey: "tabc_s1"})
	require.NoError(t, err)
	assert.Empty(t, page.Records)

	n, err = s.DeleteSession(ctx, "tabc_missing")
	require.NoError(t, err)
	assert.Zero(t, n)

	page, err = s.History(ctx, Query{SessionKey: "tabc_s2"})
	require.NoError(t, err)
	assert.Len(t, page.Records, 2)
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, NewMemoryStore())
}

func TestMemoryStore_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, NewMemoryStore().Save(ctx, exchange("s", "a", "b")), context.Canceled)
}

func TestSQLiteStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "sessions.db")
	s, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Ping(ctx))

	storeContract(t, s)
}

func TestSQLiteStore_ReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sessions.db")

	s, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, exchange("tabc_s", "hi", "there")))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	page, err := s.History(ctx, Query{SessionKey: "tabc_s"})
	require.NoError(t, err)
	assert.Len(t, page.Records, 2)
}

type fakePublisher struct {
	mu   sync.Mutex
	subs []string
	msgs [][]byte
	err  error
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.subs = append(p.subs, subject)
	p.msgs = append(p.msgs, data)
	return nil
}

func TestNATSSink(t *testing.T) {
	pub := &fakePublisher{}
	sink, err := NewNATSSink(pub, "adkgw.history")
	require.NoError(t, err)

	require.NoError(t, sink.Save(context.Background(), exchange("tabc_s", "hi", "yo")))
	require.Len(t, pub.msgs, 2)
	assert.Equal(t, []string{"adkgw.history.tabc", "adkgw.history.tabc"}, pub.subs)

	var got Record
	require.NoError(t, json.Unmarshal(pub.msgs[1], &got))
	assert.Equal(t, RoleAssistant, got.Role)
	assert.Equal(t, "yo", got.Content)

	_, err = NewNATSSink(nil, "x")
	assert.Error(t, err)
	_, err = NewNATSSink(pub, "")
	assert.Error(t, err)
}

func TestRecorder_FanOut(t *testing.T) {
	store := NewMemoryStore()
	good := &fakePublisher{}
	bad := &fakePublisher{err: errors.New("nats down")}
	goodSink, _ := NewNATSSink(good, "h")
	badSink, _ := NewNATSSink(bad, "h")

	rec := NewRecorder(nil, store, goodSink, badSink)
	assert.Same(t, store, rec.Store())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := rec.Save(ctx, exchange("tabc_s", "hi", "yo"))
	require.Error(t, err, "sink failure is reported")

	page, err := store.History(context.Background(), Query{SessionKey: "tabc_s"})
	require.NoError(t, err)
	assert.Len(t, page.Records, 2, "cancelled caller still records")
	assert.Len(t, good.msgs, 2)
	require.NoError(t, rec.Close())

	none := NewRecorder(nil, nil)
	assert.NoError(t, none.Save(context.Background(), exchange("s", "a", "b")))
	assert.NoError(t, none.Close())
}
