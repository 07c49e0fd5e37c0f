// Package gateway implements the OpenAI chat-completions surface on top of an
// ADK agent backend.
//
// A Service runs one exchange end to end: normalization, multimodal
// resolution, identity derivation, session ensure, the backend call and the
// bookkeeping that follows. The HTTP handlers in this package and the
// WebSocket transport in cmd/internal/realtime share it.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"adkgw/cmd/identity"
	"adkgw/cmd/internal/apierr"
	"adkgw/cmd/internal/backend"
	"adkgw/cmd/internal/conversation"
	"adkgw/cmd/internal/fingerprint"
	"adkgw/cmd/internal/history"
	"adkgw/cmd/internal/metrics"
	"adkgw/cmd/internal/multimodal"
	"adkgw/cmd/internal/session"
	"adkgw/cmd/internal/stream"
	v1 "adkgw/shared/contracts/chat/v1"
)

// Config tunes a Service.
type Config struct {
	// RequestTimeout bounds one exchange end to end.
	RequestTimeout time.Duration
	// ResolveTextURLs turns media URLs found in user text into parts.
	ResolveTextURLs bool
	// MaxBodyBytes bounds the decoded request body.
	MaxBodyBytes int64
}

// Deps are the collaborators of a Service. Recorder and Metrics are optional.
type Deps struct {
	Backend  *backend.Client
	Pipeline *multimodal.Pipeline
	Deriver  *identity.Deriver
	Sessions *session.Orchestrator
	Recorder *history.Recorder
	Metrics  *metrics.Metrics
}

// Service is safe for concurrent use.
type Service struct {
	log      *slog.Logger
	cfg      Config
	backend  *backend.Client
	pipeline *multimodal.Pipeline
	deriver  *identity.Deriver
	sessions *session.Orchestrator
	recorder *history.Recorder
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewService validates deps and constructs a Service.
func NewService(log *slog.Logger, cfg Config, deps Deps) (*Service, error) {
	if log == nil {
		log = slog.Default()
	}
	if deps.Backend == nil || deps.Pipeline == nil || deps.Deriver == nil || deps.Sessions == nil {
		return nil, errors.New("gateway: missing dependency")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 20
	}
	return &Service{
		log:      log,
		cfg:      cfg,
		backend:  deps.Backend,
		pipeline: deps.Pipeline,
		deriver:  deps.Deriver,
		sessions: deps.Sessions,
		recorder: deps.Recorder,
		metrics:  deps.Metrics,
		now:      time.Now,
	}, nil
}

// Bound limits ctx by the configured request timeout.
func (s *Service) Bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.RequestTimeout)
}

// MaxBodyBytes is the request body limit.
func (s *Service) MaxBodyBytes() int64 { return s.cfg.MaxBodyBytes }

// Model returns the model name exposed to clients.
func (s *Service) Model() string { return s.backend.AppName() }

// Request is one chat turn as received by a transport.
type Request struct {
	Tenant    string
	RequestID string
	Transport string
	Signals   identity.Signals
	Body      v1.ChatCompletionRequest
}

// Exchange is a prepared turn, ready for the backend.
type Exchange struct {
	Request
	Identity identity.Identity
	Prior    []conversation.Message
	Turn     conversation.Message
	Model    string
	Report   multimodal.Report

	started time.Time
	track   *metrics.Request
}

// SessionSuffix is the client-visible session id: the backend session id
// without the tenant prefix. Sending it back as X-Session-ID pins the session.
func (e *Exchange) SessionSuffix() string {
	return strings.TrimPrefix(e.Identity.BackendSessionID, e.Identity.TenantID+"_")
}

// Prepare validates and resolves the request and ensures its backend session.
func (s *Service) Prepare(ctx context.Context, req Request) (*Exchange, error) {
	ex := &Exchange{Request: req, Model: req.Body.Model, started: s.now()}
	if ex.Model == "" {
		ex.Model = s.Model()
	}
	if s.metrics != nil {
		ex.track = s.metrics.StartRequest(req.Tenant, ex.Model, req.Transport, req.Body.Stream)
	}

	err := s.prepare(ctx, ex)
	if err != nil {
		s.finish(ex, err)
		return nil, err
	}
	return ex, nil
}

func (s *Service) prepare(ctx context.Context, ex *Exchange) error {
	msgs, err := conversation.FromWire(ex.Body.Messages, conversation.Options{ResolveTextURLs: s.cfg.ResolveTextURLs})
	if err != nil {
		return err
	}

	resolved, rep, err := s.pipeline.ResolveAll(ctx, msgs)
	if err != nil {
		return err
	}
	ex.Report = rep

	prior, turn, ok := conversation.Split(resolved)
	if !ok {
		return apierr.New("gateway.Prepare", apierr.ErrBadRequest, "last message must be from user")
	}
	ex.Prior, ex.Turn = prior, turn

	id, err := s.deriver.Derive(ex.Tenant, ex.Signals, prior)
	if err != nil {
		return err
	}
	backendID, err := s.sessions.Ensure(ctx, id)
	if err != nil {
		return err
	}
	id.BackendSessionID = backendID
	ex.Identity = id

	s.log.Debug("gateway.exchange.prepared",
		"request_id", ex.RequestID,
		"tenant", ex.Tenant,
		"session_key", id.SessionKey,
		"backend_session", backendID,
		"source", string(id.Source),
		"parts_resolved", rep.Resolved,
		"parts_failed", len(rep.Failed),
	)
	return nil
}

func (s *Service) turn(ex *Exchange) backend.Turn {
	return backend.Turn{
		UserID:    ex.Identity.TenantID,
		SessionID: ex.Identity.BackendSessionID,
		Message:   ex.Turn,
	}
}

// recoverSession resets the session after ErrSessionCorrupted. It reports
// whether the caller should retry.
func (s *Service) recoverSession(ctx context.Context, ex *Exchange, cause error) bool {
	if !apierr.IsRecoverableSession(cause) {
		return false
	}
	s.log.Warn("gateway.session.corrupted",
		"request_id", ex.RequestID,
		"backend_session", ex.Identity.BackendSessionID,
		"err", cause,
	)
	backendID, err := s.sessions.Reset(ctx, ex.Identity)
	if err != nil {
		s.log.Error("gateway.session.reset.fail", "request_id", ex.RequestID, "err", err)
		return false
	}
	ex.Identity.BackendSessionID = backendID
	return true
}

// Complete runs the turn without streaming and returns the full reply.
func (s *Service) Complete(ctx context.Context, ex *Exchange) (string, error) {
	reply, err := s.backend.Run(ctx, s.turn(ex))
	if err != nil && s.recoverSession(ctx, ex, err) {
		reply, err = s.backend.Run(ctx, s.turn(ex))
	}
	s.finish(ex, err)
	if err != nil {
		return "", err
	}
	s.record(ctx, ex, reply)
	return reply, nil
}

// Stream runs the turn and drives em with the reply deltas. Errors before the
// first event surface as the return value without touching em, so that the
// transport can still answer with a plain error; afterwards they are reported
// through em.
func (s *Service) Stream(ctx context.Context, ex *Exchange, em stream.Emitter) error {
	events, err := s.backend.RunStream(ctx, s.turn(ex))
	if err != nil && s.recoverSession(ctx, ex, err) {
		events, err = s.backend.RunStream(ctx, s.turn(ex))
	}
	if err != nil {
		s.finish(ex, err)
		return err
	}
	defer func() { _ = events.Close() }()

	tr := stream.New(em)
	runErr := tr.Run(ctx, events)
	if s.metrics != nil {
		st := tr.Stats()
		s.metrics.StreamStats(st.Deltas, st.Resets)
	}
	s.finish(ex, runErr)
	if runErr != nil {
		return &StreamError{Err: runErr}
	}
	// Record what the client saw so that its next request fingerprints the same.
	s.record(ctx, ex, tr.Output())
	return nil
}

// StreamError marks a failure that was already reported to the client
// through the Emitter.
type StreamError struct{ Err error }

func (e *StreamError) Error() string { return e.Err.Error() }
func (e *StreamError) Unwrap() error { return e.Err }

// finish closes the metrics tracker and logs the outcome.
func (s *Service) finish(ex *Exchange, err error) {
	if ex.track != nil {
		ex.track.Finish(err)
		ex.track = nil
	}
	latency := s.now().Sub(ex.started)
	if err != nil {
		level := slog.LevelWarn
		if apierr.HTTPStatus(err) >= 500 {
			level = slog.LevelError
		}
		s.log.Log(context.Background(), level, "gateway.exchange.fail",
			"request_id", ex.RequestID,
			"tenant", ex.Tenant,
			"transport", ex.Transport,
			"kind", apierr.Code(err),
			"latency_ms", latency.Milliseconds(),
			"err", err,
		)
		return
	}
	s.log.Info("gateway.exchange.ok",
		"request_id", ex.RequestID,
		"tenant", ex.Tenant,
		"transport", ex.Transport,
		"backend_session", ex.Identity.BackendSessionID,
		"stream", ex.Body.Stream,
		"latency_ms", latency.Milliseconds(),
	)
}

// record advances the orchestrator past this exchange and writes history.
func (s *Service) record(ctx context.Context, ex *Exchange, reply string) {
	convo := make([]conversation.Message, 0, len(ex.Prior)+2)
	convo = append(convo, ex.Prior...)
	convo = append(convo, ex.Turn)
	if reply != "" {
		convo = append(convo, conversation.Message{
			Role:  conversation.RoleAssistant,
			Parts: []conversation.Part{conversation.TextPart(reply)},
		})
	}
	s.sessions.Advance(ex.Identity, ex.Identity.BackendSessionID, fingerprint.Of(convo))

	if s.recorder == nil {
		return
	}
	now := s.now().UTC()
	latency := now.Sub(ex.started).Milliseconds()
	base := history.Record{
		RequestID:  ex.RequestID,
		Tenant:     ex.Tenant,
		SessionKey: ex.Identity.BackendSessionID,
		DerivedKey: ex.Identity.SessionKey,
		Model:      ex.Model,
		CreatedAt:  now,
	}
	user, assistant := base, base
	user.Role, user.Content, user.ContentType = history.RoleUser, ex.Turn.Text(), contentType(ex.Turn)
	assistant.Role, assistant.Content, assistant.ContentType = history.RoleAssistant, reply, "text"
	assistant.LatencyMS = latency
	_ = s.recorder.Save(ctx, []history.Record{user, assistant})
}

func contentType(m conversation.Message) string {
	for _, p := range m.Parts {
		if p.IsBinary() {
			return "multimodal"
		}
	}
	return "text"
}
