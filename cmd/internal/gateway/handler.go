package gateway

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"adkgw/cmd/identity"
	"adkgw/cmd/identity/ids"
	"adkgw/cmd/internal/apierr"
	"adkgw/cmd/internal/auth"
	"adkgw/cmd/internal/backend"
	"adkgw/cmd/internal/history"
	"adkgw/cmd/internal/httpx"
	"adkgw/cmd/internal/session"
	"adkgw/cmd/internal/stream"
	v1 "adkgw/shared/contracts/chat/v1"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Caller signal headers.
const (
	HeaderSessionID = "X-Session-ID"
	HeaderUserID    = "X-User-ID"
	// HeaderSessionKey echoes the backend session a response was served from.
	HeaderSessionKey = "X-Session-Key"
)

// Handler serves the /v1 HTTP surface.
type Handler struct {
	svc     *Service
	created int64
}

// NewHandler constructs a Handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc, created: time.Now().Unix()}
}

// Register mounts the routes on r. Callers apply authentication first.
func (h *Handler) Register(r chi.Router) {
	r.Post("/chat/completions", h.handleChatCompletions)
	r.Get("/models", h.handleModels)
	r.Get("/health", h.handleHealth)
	r.Get("/sessions/current", h.handleSessionCurrent)
	r.Delete("/sessions/{id}", h.handleSessionDelete)
	r.Post("/sessions/{id}/reset", h.handleSessionReset)
	r.Get("/sessions/{id}/history", h.handleSessionHistory)
}

func tenantOf(r *http.Request) (string, error) {
	t, ok := auth.TenantFrom(r.Context())
	if !ok {
		return "", apierr.New("gateway", apierr.ErrUnauthorized, "missing tenant")
	}
	return t, nil
}

// SignalsFrom reads the caller's session hints.
func SignalsFrom(r *http.Request, bodyUser string) identity.Signals {
	return identity.Signals{
		SessionHeader: r.Header.Get(HeaderSessionID),
		UserHeader:    r.Header.Get(HeaderUserID),
		BodyUser:      bodyUser,
	}
}

func (h *Handler) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	tenant, err := tenantOf(r)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}

	var body v1.ChatCompletionRequest
	if err := httpx.DecodeJSON(w, r, h.svc.MaxBodyBytes(), &body); err != nil {
		httpx.WriteError(w, r, err)
		return
	}

	ctx, cancel := h.svc.Bound(r.Context())
	defer cancel()

	reqID := middleware.GetReqID(r.Context())
	ex, err := h.svc.Prepare(ctx, Request{
		Tenant:    tenant,
		RequestID: reqID,
		Transport: "http",
		Signals:   SignalsFrom(r, body.User),
		Body:      body,
	})
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}

	w.Header().Set(HeaderSessionID, ex.SessionSuffix())
	w.Header().Set(HeaderSessionKey, ex.Identity.BackendSessionID)
	now := h.svc.now()
	completionID := ids.CompletionID(now)

	if !body.Stream {
		reply, err := h.svc.Complete(ctx, ex)
		if err != nil {
			httpx.WriteError(w, r, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, v1.ChatCompletion{
			ID:      completionID,
			Object:  v1.ObjectChatCompletion,
			Created: now.Unix(),
			Model:   ex.Model,
			Choices: []v1.Choice{{
				Index:        0,
				Message:      v1.ResponseMessage{Role: v1.RoleAssistant, Content: reply},
				FinishReason: v1.FinishReasonStop,
			}},
			Usage: v1.Usage{},
		})
		return
	}

	em := stream.NewSSEEmitter(w, completionID, ex.Model, reqID, now)
	if err := h.svc.Stream(ctx, ex, em); err != nil {
		var reported *StreamError
		if !errors.As(err, &reported) && !em.Started() {
			httpx.WriteError(w, r, err)
		}
	}
}

func (h *Handler) handleModels(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, v1.ModelList{
		Object: v1.ObjectList,
		Data: []v1.Model{{
			ID:      h.svc.Model(),
			Object:  v1.ObjectModel,
			Created: h.created,
			OwnedBy: "adk",
		}},
	})
}

type healthResponse struct {
	Status  string         `json:"status"`
	Backend backend.Health `json:"backend"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	hl := h.svc.backend.Health(r.Context())
	if !hl.Healthy {
		httpx.WriteJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unhealthy", Backend: hl})
		return
	}
	httpx.WriteJSON(w, http.StatusOK, healthResponse{Status: "healthy", Backend: hl})
}

type currentSessionResponse struct {
	Tenant     string         `json:"tenant"`
	SessionKey string         `json:"session_key,omitempty"`
	Source     string         `json:"source"`
	Known      []session.Info `json:"known_sessions"`
}

func (h *Handler) handleSessionCurrent(w http.ResponseWriter, r *http.Request) {
	tenant, err := tenantOf(r)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	resp := currentSessionResponse{
		Tenant: tenant,
		Source: "per_request",
		Known:  h.svc.sessions.Known(tenant),
	}
	if resp.Known == nil {
		resp.Known = []session.Info{}
	}
	// Without a pinning header the key depends on each request's messages.
	if id, err := h.svc.deriver.Derive(tenant, SignalsFrom(r, ""), nil); err == nil && id.Source.Pinned() {
		resp.SessionKey = id.SessionKey
		resp.Source = string(id.Source)
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

// pinned builds the identity addressed by a path id.
func (h *Handler) pinned(r *http.Request) (identity.Identity, error) {
	tenant, err := tenantOf(r)
	if err != nil {
		return identity.Identity{}, err
	}
	raw := chi.URLParam(r, "id")
	if identity.NormalizeOverride(raw) == "" {
		return identity.Identity{}, apierr.New("gateway", apierr.ErrBadRequest, "invalid session id")
	}
	return h.svc.deriver.Derive(tenant, identity.Signals{SessionHeader: raw}, nil)
}

type sessionResponse struct {
	ID             string `json:"id"`
	BackendSession string `json:"backend_session"`
	Deleted        bool   `json:"deleted,omitempty"`
	Reset          bool   `json:"reset,omitempty"`
	HistoryDeleted int    `json:"history_deleted,omitempty"`
}

func (h *Handler) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	id, err := h.pinned(r)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	backendID, err := h.svc.sessions.Delete(r.Context(), id)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	resp := sessionResponse{ID: chi.URLParam(r, "id"), BackendSession: backendID, Deleted: true}
	if st := h.store(); st != nil {
		n, err := st.DeleteSession(r.Context(), backendID)
		if err != nil {
			h.svc.log.Warn("gateway.history.delete.fail", "backend_session", backendID, "err", err)
		}
		resp.HistoryDeleted = n
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleSessionReset(w http.ResponseWriter, r *http.Request) {
	id, err := h.pinned(r)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	backendID, err := h.svc.sessions.Reset(r.Context(), id)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, sessionResponse{ID: chi.URLParam(r, "id"), BackendSession: backendID, Reset: true})
}

type historyResponse struct {
	Object  string           `json:"object"`
	Session string           `json:"session"`
	Data    []history.Record `json:"data"`
	HasMore bool             `json:"has_more"`
}

func (h *Handler) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	id, err := h.pinned(r)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	st := h.store()
	if st == nil {
		httpx.WriteError(w, r, apierr.New("gateway", apierr.ErrBadRequest, "history is disabled"))
		return
	}
	q := history.Query{
		SessionKey: id.SessionKey,
		Limit:      queryInt(r, "limit"),
		Offset:     queryInt(r, "offset"),
	}
	page, err := st.History(r.Context(), q)
	if err != nil {
		httpx.WriteError(w, r, apierr.Wrap("gateway.history", apierr.ErrBackendError, "history unavailable", err))
		return
	}
	if page.Records == nil {
		page.Records = []history.Record{}
	}
	httpx.WriteJSON(w, http.StatusOK, historyResponse{
		Object:  v1.ObjectList,
		Session: id.SessionKey,
		Data:    page.Records,
		HasMore: page.HasMore,
	})
}

func (h *Handler) store() history.Store {
	if h.svc.recorder == nil {
		return nil
	}
	return h.svc.recorder.Store()
}

func queryInt(r *http.Request, name string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil {
		return 0
	}
	return n
}
