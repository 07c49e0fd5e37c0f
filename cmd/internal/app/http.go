package app

import (
	"net/http"
	"time"

	"adkgw/cmd/internal/auth"
	"adkgw/cmd/internal/gateway"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Router builds the HTTP surface. Middleware order: request id, real ip,
// recoverer, request logging, security headers, CORS; auth applies to /v1
// only. The WebSocket endpoint authenticates itself so that browsers can
// send the key in the hello envelope.
func (a *App) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(WithRequestLogging(a.log))
	r.Use(WithSecurityHeaders)
	r.Use(func(next http.Handler) http.Handler { return WithCORS(next, a.cfg, a.log) })

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Get("/readyz", a.handleReady)
	r.Handle("/metrics", a.metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/ws", a.ws.ServeHTTP)
		r.Group(func(r chi.Router) {
			r.Use(auth.NewMiddleware(a.log, a.keys, a.limiter).Handler)
			gateway.NewHandler(a.svc).Register(r)
		})
	})
	return r
}

func (a *App) handleReady(w http.ResponseWriter, r *http.Request) {
	dbEnabled := a.dbPool != nil || a.sqlite != nil
	if a.cfg.ReadinessRequireDB && !dbEnabled {
		http.Error(w, "db not configured", http.StatusServiceUnavailable)
		return
	}

	var err error
	switch {
	case a.dbPool != nil:
		err = PingDB(r.Context(), a.dbPool, 2*time.Second)
	case a.sqlite != nil:
		err = a.sqlite.Ping(r.Context())
	}
	if err != nil {
		a.log.Info("readyz.db.not_ready", "err", err)
		http.Error(w, "db not ready", http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready\n"))
}
