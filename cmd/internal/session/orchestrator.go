package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"adkgw/cmd/identity"
	"adkgw/cmd/identity/ids"
	"adkgw/cmd/internal/apierr"
	"adkgw/cmd/internal/fingerprint"

	"github.com/alphadose/haxmap"
	"golang.org/x/sync/singleflight"
)

// Backend is the subset of the backend client the Orchestrator needs.
type Backend interface {
	CreateSession(ctx context.Context, userID, sessionID string) (created bool, err error)
	DeleteSession(ctx context.Context, userID, sessionID string) error
}

// Observer receives session lifecycle events (create, reuse, fork, reset,
// delete) for metrics.
type Observer interface {
	SessionEvent(action string, err error)
}

const (
	defaultCreateRetries = 3
	defaultRetryBackoff  = 200 * time.Millisecond
)

// Config tunes an Orchestrator.
type Config struct {
	// CreateRetries is the number of retries after a transient create failure.
	CreateRetries int
	// RetryBackoff is multiplied by the attempt number between retries.
	RetryBackoff time.Duration
}

type entry struct {
	tenant  string
	key     string
	created time.Time

	mu       sync.Mutex
	head     fingerprint.Digest
	lastUsed time.Time
}

func (e *entry) touch(now time.Time) {
	e.mu.Lock()
	e.lastUsed = now
	e.mu.Unlock()
}

func (e *entry) headIs(fp fingerprint.Digest) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.head == "" || e.head == fp
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	log      *slog.Logger
	backend  Backend
	observer Observer
	cfg      Config
	now      func() time.Time

	flight  singleflight.Group
	known   *haxmap.Map[string, *entry]
	aliases *haxmap.Map[string, string]
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithObserver attaches a lifecycle observer.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) {
		if obs != nil {
			o.observer = obs
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// New constructs an Orchestrator.
func New(log *slog.Logger, backend Backend, cfg Config, opts ...Option) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	if cfg.CreateRetries < 0 {
		cfg.CreateRetries = 0
	} else if cfg.CreateRetries == 0 {
		cfg.CreateRetries = defaultCreateRetries
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	o := &Orchestrator{
		log:     log,
		backend: backend,
		cfg:     cfg,
		now:     time.Now,
		known:   haxmap.New[string, *entry](),
		aliases: haxmap.New[string, string](),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

func (o *Orchestrator) observe(action string, err error) {
	if o.observer != nil {
		o.observer.SessionEvent(action, err)
	}
}

// resolve returns the backend session currently addressed by id, without
// creating anything.
func (o *Orchestrator) resolve(id identity.Identity) string {
	if !id.Source.Pinned() {
		if b, ok := o.aliases.Get(id.SessionKey); ok {
			return b
		}
	}
	return id.SessionKey
}

// Ensure returns the backend session for id, creating it if needed.
func (o *Orchestrator) Ensure(ctx context.Context, id identity.Identity) (string, error) {
	if b, ok := o.fastPath(id); ok {
		o.observe("reuse", nil)
		return b, nil
	}

	v, err, _ := o.flight.Do(id.SessionKey, func() (any, error) {
		if b, ok := o.fastPath(id); ok {
			return b, nil
		}
		return o.ensureSlow(context.WithoutCancel(ctx), id)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (o *Orchestrator) fastPath(id identity.Identity) (string, bool) {
	b := o.resolve(id)
	e, ok := o.known.Get(b)
	if !ok {
		return "", false
	}
	if !id.Source.Pinned() && !e.headIs(id.Fingerprint) {
		return "", false
	}
	e.touch(o.now())
	return b, true
}

func (o *Orchestrator) ensureSlow(ctx context.Context, id identity.Identity) (string, error) {
	backendID := o.resolve(id)
	action := "create"

	if e, ok := o.known.Get(backendID); ok && !id.Source.Pinned() && !e.headIs(id.Fingerprint) {
		backendID = id.SessionKey + "-" + ids.MustULID(o.now())
		action = "fork"
		o.log.Info("session.fork",
			"tenant", id.TenantID,
			"session_key", id.SessionKey,
			"from", e.key,
			"to", backendID,
		)
	}

	if err := o.create(ctx, id.TenantID, backendID); err != nil {
		o.observe(action, err)
		return "", err
	}

	now := o.now()
	o.known.Set(backendID, &entry{
		tenant:   id.TenantID,
		key:      backendID,
		created:  now,
		head:     id.Fingerprint,
		lastUsed: now,
	})
	if !id.Source.Pinned() {
		o.aliases.Set(id.SessionKey, backendID)
	}
	o.observe(action, nil)
	return backendID, nil
}

// create calls the backend with bounded retries on transient failures.
func (o *Orchestrator) create(ctx context.Context, tenant, backendID string) error {
	var err error
	for attempt := 0; attempt <= o.cfg.CreateRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * o.cfg.RetryBackoff):
			}
		}

		var created bool
		created, err = o.backend.CreateSession(ctx, tenant, backendID)
		if err == nil {
			o.log.Info("session.create", "tenant", tenant, "backend_session", backendID, "created", created, "attempt", attempt+1)
			return nil
		}
		if !apierr.IsTransient(err) {
			return err
		}
		o.log.Warn("session.create.retry", "tenant", tenant, "backend_session", backendID, "attempt", attempt+1, "err", err)
	}
	return apierr.Wrap("session.Ensure", apierr.ErrBackendUnavailable, "backend session could not be created", err)
}

// Reset deletes and recreates the backend session addressed by id. It is the
// recovery path for ErrSessionCorrupted.
func (o *Orchestrator) Reset(ctx context.Context, id identity.Identity) (string, error) {
	v, err, _ := o.flight.Do(id.SessionKey, func() (any, error) {
		ctx := context.WithoutCancel(ctx)
		backendID := o.resolve(id)

		if err := o.backend.DeleteSession(ctx, id.TenantID, backendID); err != nil {
			o.observe("reset", err)
			return "", err
		}
		o.known.Del(backendID)

		if err := o.create(ctx, id.TenantID, backendID); err != nil {
			o.observe("reset", err)
			return "", err
		}
		now := o.now()
		o.known.Set(backendID, &entry{
			tenant:   id.TenantID,
			key:      backendID,
			created:  now,
			head:     id.Fingerprint,
			lastUsed: now,
		})
		o.log.Info("session.reset", "tenant", id.TenantID, "backend_session", backendID)
		o.observe("reset", nil)
		return backendID, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Delete removes the backend session addressed by id and every alias to it.
func (o *Orchestrator) Delete(ctx context.Context, id identity.Identity) (string, error) {
	backendID := o.resolve(id)
	if err := o.backend.DeleteSession(ctx, id.TenantID, backendID); err != nil {
		o.observe("delete", err)
		return "", err
	}
	o.forget(backendID)
	o.log.Info("session.delete", "tenant", id.TenantID, "backend_session", backendID)
	o.observe("delete", nil)
	return backendID, nil
}

func (o *Orchestrator) forget(backendIDs ...string) {
	if len(backendIDs) == 0 {
		return
	}
	drop := make(map[string]struct{}, len(backendIDs))
	for _, b := range backendIDs {
		drop[b] = struct{}{}
		o.known.Del(b)
	}
	var stale []string
	o.aliases.ForEach(func(k, v string) bool {
		if _, ok := drop[v]; ok {
			stale = append(stale, k)
		}
		return true
	})
	if len(stale) > 0 {
		o.aliases.Del(stale...)
	}
}

// Advance records that backendID now holds the conversation whose fingerprint
// is next. For derived keys it aliases tenant_next to backendID.
func (o *Orchestrator) Advance(id identity.Identity, backendID string, next fingerprint.Digest) {
	e, ok := o.known.Get(backendID)
	if !ok {
		return
	}
	now := o.now()
	e.mu.Lock()
	e.head = next
	e.lastUsed = now
	e.mu.Unlock()

	if !id.Source.Pinned() {
		o.aliases.Set(identity.Key(id.TenantID, string(next)), backendID)
	}
}

// Info describes one known backend session.
type Info struct {
	BackendSessionID string    `json:"backend_session_id"`
	CreatedAt        time.Time `json:"created_at"`
	LastUsedAt       time.Time `json:"last_used_at"`
	Head             string    `json:"head,omitempty"`
}

// Known lists the backend sessions this process has ensured for tenant.
func (o *Orchestrator) Known(tenant string) []Info {
	var out []Info
	o.known.ForEach(func(k string, e *entry) bool {
		if e.tenant != tenant {
			return true
		}
		e.mu.Lock()
		out = append(out, Info{BackendSessionID: k, CreatedAt: e.created, LastUsedAt: e.lastUsed, Head: e.head.Short()})
		e.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Prune forgets sessions idle for longer than maxIdle. Backend sessions are
// left in place; a later Ensure re-creates or re-adopts them.
func (o *Orchestrator) Prune(maxIdle time.Duration) int {
	cut := o.now().Add(-maxIdle)
	var idle []string
	o.known.ForEach(func(k string, e *entry) bool {
		e.mu.Lock()
		if e.lastUsed.Before(cut) {
			idle = append(idle, k)
		}
		e.mu.Unlock()
		return true
	})
	o.forget(idle...)
	return len(idle)
}
