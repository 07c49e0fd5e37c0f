package session

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"adkgw/cmd/identity"
	"adkgw/cmd/internal/apierr"
	"adkgw/cmd/internal/backend"
	"adkgw/cmd/internal/backend/backendtest"
	"adkgw/cmd/internal/fingerprint"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T, cfg Config, opts ...Option) (*Orchestrator, *backendtest.Server) {
	t.Helper()
	srv := backendtest.New("agent")
	t.Cleanup(srv.Close)
	c, err := backend.New(nil, nil, backend.Config{BaseURL: srv.URL, AppName: "agent"})
	require.NoError(t, err)
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = time.Millisecond
	}
	return New(nil, c, cfg, opts...), srv
}

func derived(tenant string, fp fingerprint.Digest) identity.Identity {
	return identity.Identity{TenantID: tenant, SessionKey: identity.Key(tenant, string(fp)), Source: identity.SourceFingerprint, Fingerprint: fp}
}

func TestEnsure_SingleCreateUnderConcurrency(t *testing.T) {
	o, srv := setup(t, Config{})
	srv.CreateDelay = 50 * time.Millisecond

	id := derived("t1", "abc")
	const k = 20
	got := make([]string, k)
	var wg sync.WaitGroup
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, err := o.Ensure(context.Background(), id)
			assert.NoError(t, err)
			got[i] = b
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), srv.Creates.Load())
	for _, b := range got {
		assert.Equal(t, "t1_abc", b)
	}
	assert.True(t, srv.HasSession("t1", "t1_abc"))
}

func TestEnsure_ReusesKnownSession(t *testing.T) {
	o, srv := setup(t, Config{})
	id := derived("t1", "abc")

	a, err := o.Ensure(context.Background(), id)
	require.NoError(t, err)
	b, err := o.Ensure(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, int32(1), srv.Creates.Load())
}

func TestEnsure_AdoptsExistingBackendSession(t *testing.T) {
	o, srv := setup(t, Config{})
	c, err := backend.New(nil, nil, backend.Config{BaseURL: srv.URL, AppName: "agent"})
	require.NoError(t, err)
	_, err = c.CreateSession(context.Background(), "t1", "t1_abc")
	require.NoError(t, err)

	b, err := o.Ensure(context.Background(), derived("t1", "abc"))
	require.NoError(t, err)
	assert.Equal(t, "t1_abc", b)
}

func TestAdvance_ContinuesConversation(t *testing.T) {
	o, srv := setup(t, Config{})
	ctx := context.Background()

	first := identity.Identity{TenantID: "t1", SessionKey: "t1_temp_1234", Source: identity.SourceRandom, Fingerprint: fingerprint.NewConversation}
	b1, err := o.Ensure(ctx, first)
	require.NoError(t, err)
	o.Advance(first, b1, "f1")

	second := derived("t1", "f1")
	b2, err := o.Ensure(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, b1, b2)
	o.Advance(second, b2, "f2")

	b3, err := o.Ensure(ctx, derived("t1", "f2"))
	require.NoError(t, err)
	assert.Equal(t, b1, b3)
	assert.Equal(t, int32(1), srv.Creates.Load())
}

func TestEnsure_ForksDivergedConversation(t *testing.T) {
	o, srv := setup(t, Config{})
	ctx := context.Background()

	first := identity.Identity{TenantID: "t1", SessionKey: "t1_temp_1234", Source: identity.SourceRandom, Fingerprint: fingerprint.NewConversation}
	b1, err := o.Ensure(ctx, first)
	require.NoError(t, err)
	o.Advance(first, b1, "f1")

	second := derived("t1", "f1")
	_, err = o.Ensure(ctx, second)
	require.NoError(t, err)
	o.Advance(second, b1, "f2")

	// The client regenerates turn two: it resends the f1 history again.
	fork, err := o.Ensure(ctx, second)
	require.NoError(t, err)
	assert.NotEqual(t, b1, fork)
	assert.True(t, strings.HasPrefix(fork, "t1_f1-"))
	assert.Equal(t, int32(2), srv.Creates.Load())

	again, err := o.Ensure(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, fork, again)

	// The original line still continues.
	cont, err := o.Ensure(ctx, derived("t1", "f2"))
	require.NoError(t, err)
	assert.Equal(t, b1, cont)
}

func TestEnsure_PinnedKeysIgnoreHead(t *testing.T) {
	o, srv := setup(t, Config{})
	ctx := context.Background()

	id := identity.Identity{TenantID: "t1", SessionKey: "t1_alice", Source: identity.SourceUserHeader, Fingerprint: "x"}
	b, err := o.Ensure(ctx, id)
	require.NoError(t, err)
	o.Advance(id, b, "y")

	id.Fingerprint = "something-else"
	again, err := o.Ensure(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "t1_alice", again)
	assert.Equal(t, int32(1), srv.Creates.Load())
}

func TestEnsure_BoundedRetry(t *testing.T) {
	o, srv := setup(t, Config{CreateRetries: 2})
	srv.FailCreates.Store(2)

	_, err := o.Ensure(context.Background(), derived("t1", "a"))
	require.NoError(t, err)
	assert.Equal(t, int32(3), srv.Creates.Load())

	srv.FailCreates.Store(10)
	_, err = o.Ensure(context.Background(), derived("t1", "b"))
	require.ErrorIs(t, err, apierr.ErrBackendUnavailable)
	assert.Equal(t, int32(6), srv.Creates.Load())
}

func TestReset(t *testing.T) {
	o, srv := setup(t, Config{})
	ctx := context.Background()
	id := derived("t1", "abc")

	b, err := o.Ensure(ctx, id)
	require.NoError(t, err)
	srv.CorruptSessions.Store(b, true)

	again, err := o.Reset(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, b, again)
	assert.Equal(t, int32(1), srv.Deletes.Load())
	assert.Equal(t, int32(2), srv.Creates.Load())
	_, corrupt := srv.CorruptSessions.Load(b)
	assert.False(t, corrupt)
}

func TestDelete_DropsAliases(t *testing.T) {
	o, srv := setup(t, Config{})
	ctx := context.Background()

	first := identity.Identity{TenantID: "t1", SessionKey: "t1_temp_1", Source: identity.SourceRandom, Fingerprint: fingerprint.NewConversation}
	b, err := o.Ensure(ctx, first)
	require.NoError(t, err)
	o.Advance(first, b, "f1")

	deleted, err := o.Delete(ctx, derived("t1", "f1"))
	require.NoError(t, err)
	assert.Equal(t, b, deleted)
	assert.False(t, srv.HasSession("t1", b))
	assert.Empty(t, o.Known("t1"))

	b2, err := o.Ensure(ctx, derived("t1", "f1"))
	require.NoError(t, err)
	assert.Equal(t, "t1_f1", b2)
}

func TestKnownAndPrune(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	o, _ := setup(t, Config{}, WithClock(clock))
	ctx := context.Background()

	_, err := o.Ensure(ctx, derived("t1", "a"))
	require.NoError(t, err)
	now = now.Add(time.Hour)
	_, err = o.Ensure(ctx, derived("t1", "b"))
	require.NoError(t, err)
	_, err = o.Ensure(ctx, derived("t2", "a"))
	require.NoError(t, err)

	known := o.Known("t1")
	require.Len(t, known, 2)
	assert.Equal(t, "t1_a", known[0].BackendSessionID)

	now = now.Add(30 * time.Minute)
	assert.Equal(t, 1, o.Prune(time.Hour))
	assert.Len(t, o.Known("t1"), 1)
}

type countingObserver struct {
	mu      sync.Mutex
	actions map[string]int
}

func (c *countingObserver) SessionEvent(action string, _ error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.actions == nil {
		c.actions = map[string]int{}
	}
	c.actions[action]++
}

func TestObserver(t *testing.T) {
	obs := &countingObserver{}
	o, _ := setup(t, Config{}, WithObserver(obs))
	ctx := context.Background()
	id := derived("t1", "a")

	_, err := o.Ensure(ctx, id)
	require.NoError(t, err)
	_, err = o.Ensure(ctx, id)
	require.NoError(t, err)
	_, err = o.Reset(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, 1, obs.actions["create"])
	assert.Equal(t, 1, obs.actions["reuse"])
	assert.Equal(t, 1, obs.actions["reset"])
}
