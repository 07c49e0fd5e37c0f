// Package app wires the adkgw server runtime: config, logging, the outbound
// HTTP client, the gateway service, history persistence, HTTP routes and the
// WebSocket transport.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"adkgw/cmd/identity"
	"adkgw/cmd/internal/auth"
	"adkgw/cmd/internal/backend"
	"adkgw/cmd/internal/content"
	"adkgw/cmd/internal/gateway"
	"adkgw/cmd/internal/history"
	"adkgw/cmd/internal/metrics"
	"adkgw/cmd/internal/multimodal"
	"adkgw/cmd/internal/realtime"
	"adkgw/cmd/internal/session"
	"adkgw/cmd/security/token"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
)

const pruneEvery = time.Minute

// App owns every long-lived dependency of the server.
type App struct {
	cfg Config
	log Logger

	metrics  *metrics.Metrics
	backend  *backend.Client
	sessions *session.Orchestrator
	svc      *gateway.Service
	keys     *auth.Keyring
	limiter  *auth.TenantLimiter
	ws       *realtime.WSGateway

	recorder *history.Recorder
	dbPool   *pgxpool.Pool
	sqlite   *history.SQLiteStore
	nc       *nats.Conn
}

// New constructs a fully wired App. Resources opened before a failure are
// released.
func New(ctx context.Context, cfg Config, log Logger) (_ *App, err error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	a := &App{cfg: cfg, log: log, metrics: metrics.New()}
	defer func() {
		if err != nil {
			a.closeResources()
		}
	}()

	hasher, err := token.NewHasher(cfg.TenantHashKey)
	if err != nil {
		return nil, err
	}
	a.keys, err = auth.NewKeyring(hasher, auth.KeyringConfig{
		Require:    cfg.RequireAPIKey,
		Keys:       cfg.APIKeys,
		DefaultKey: cfg.DefaultAPIKey,
	})
	if err != nil {
		return nil, err
	}
	a.limiter = auth.NewTenantLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow)

	outbound := NewHTTPClient(cfg)
	a.backend, err = backend.New(log, outbound, backend.Config{
		BaseURL:    cfg.ADKHost,
		AppName:    cfg.ADKAppName,
		RunTimeout: cfg.BackendTimeout,
		StreamMode: backend.StreamMode(cfg.BackendStreamMode),
	})
	if err != nil {
		return nil, err
	}

	resolver := content.NewResolver(outbound, content.Config{
		MaxBytes:  cfg.MaxFileBytes(),
		Timeout:   cfg.DownloadTimeout,
		UserAgent: "adkgw/" + Version,
	})
	pipeline := multimodal.New(log, resolver, multimodal.Config{
		MaxInFlight: cfg.MaxConcurrentFetches,
		Strict:      cfg.StrictMultimodal,
	}, multimodal.WithObserver(a.metrics))

	retries := cfg.SessionCreateRetries
	if retries == 0 {
		retries = -1 // explicit zero disables retries
	}
	a.sessions = session.New(log, a.backend, session.Config{CreateRetries: retries}, session.WithObserver(a.metrics))

	a.recorder, err = a.openHistory(ctx)
	if err != nil {
		return nil, err
	}

	a.svc, err = gateway.NewService(log, gateway.Config{
		RequestTimeout:  cfg.RequestTimeout,
		ResolveTextURLs: cfg.ResolveTextURLs,
		MaxBodyBytes:    cfg.MaxBodyBytes,
	}, gateway.Deps{
		Backend:  a.backend,
		Pipeline: pipeline,
		Deriver:  identity.NewDeriver(),
		Sessions: a.sessions,
		Recorder: a.recorder,
		Metrics:  a.metrics,
	})
	if err != nil {
		return nil, err
	}

	a.ws = realtime.NewWSGateway(log, a.svc, a.keys, realtime.Config{
		InsecureSkipVerify: cfg.WSInsecureSkipVerify,
		OriginRequired:     cfg.WSOriginRequired,
		AllowedOrigins:     cfg.WSAllowedOrigins,
		ReadIdleTimeout:    cfg.WSReadIdleTimeout,
		SendQueueSize:      cfg.WSSendQueue,
		HeartbeatInterval:  cfg.WSHeartbeatInterval,
		RateEvents:         cfg.WSRateEvents,
		RateWindow:         cfg.WSRateWindow,
	}, realtime.WithMetrics(a.metrics), realtime.WithTenantLimiter(a.limiter))

	return a, nil
}

// openHistory builds the Recorder for HISTORY_BACKEND and the optional NATS
// sink. It returns nil when history is disabled and no sink is configured.
func (a *App) openHistory(ctx context.Context) (*history.Recorder, error) {
	var store history.Store

	switch a.cfg.HistoryBackend {
	case HistoryNone:
		a.log.Info("history.disabled")
	case HistoryMemory:
		store = history.NewMemoryStore()
		a.log.Info("history.enabled", "backend", HistoryMemory)
	case HistorySQLite:
		st, err := history.OpenSQLite(ctx, a.cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.sqlite, store = st, st
		a.log.Info("history.enabled", "backend", HistorySQLite, "path", a.cfg.SQLitePath)
	case HistoryPostgres:
		pool, err := NewDBPool(ctx, a.cfg)
		if err != nil {
			return nil, err
		}
		a.dbPool = pool
		st, err := history.NewPostgresStore(pool)
		if err != nil {
			return nil, err
		}
		if err := st.Migrate(ctx); err != nil {
			return nil, err
		}
		store = st
		a.log.Info("history.enabled", "backend", HistoryPostgres)
	}

	var sinks []history.Sink
	if a.cfg.NATSURL != "" {
		nc, err := history.ConnectNATS(a.cfg.NATSURL, "adkgw")
		if err != nil {
			return nil, err
		}
		a.nc = nc
		sink, err := history.NewNATSSink(nc, a.cfg.NATSSubject)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
		a.log.Info("history.stream.enabled", "subject", a.cfg.NATSSubject)
	}

	if store == nil && len(sinks) == 0 {
		return nil, nil
	}
	return history.NewRecorder(a.log, store, sinks...), nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or the server
// fails.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Router(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       a.cfg.ReadTimeout,
		WriteTimeout:      a.cfg.WriteTimeout,
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"adk_host", a.cfg.ADKHost,
		"app", a.cfg.ADKAppName,
		"history", a.cfg.HistoryBackend,
		"require_api_key", a.cfg.RequireAPIKey,
		"api_keys", a.keys.Size(),
	)

	pruneCtx, stopPrune := context.WithCancel(ctx)
	defer stopPrune()
	go a.pruneLoop(pruneCtx)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		runErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 15*time.Second))
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		if runErr == nil {
			runErr = err
		}
	}
	// Hijacked WebSocket connections are not tracked by Shutdown.
	if err := a.ws.Wait(shutdownCtx); err != nil {
		a.log.Warn("ws.drain.fail", "err", err)
	}

	a.closeResources()
	a.log.Info("server.stopped")
	return runErr
}

// pruneLoop forgets idle sessions and rate-limit windows.
func (a *App) pruneLoop(ctx context.Context) {
	t := time.NewTicker(pruneEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			sessions := a.sessions.Prune(a.cfg.SessionIdleTTL)
			windows := a.limiter.Prune(now)
			if sessions > 0 || windows > 0 {
				a.log.Debug("prune", "sessions", sessions, "rate_windows", windows)
			}
		}
	}
}

func (a *App) closeResources() {
	if a.recorder != nil {
		if err := a.recorder.Close(); err != nil {
			a.log.Error("history.close.fail", "err", err)
		}
	}
	if a.nc != nil {
		if err := a.nc.Drain(); err != nil {
			a.log.Warn("nats.drain.fail", "err", err)
		}
	}
	if a.sqlite != nil && a.recorder == nil {
		_ = a.sqlite.Close()
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
