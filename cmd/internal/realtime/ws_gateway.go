package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"adkgw/cmd/identity"
	"adkgw/cmd/identity/ids"
	"adkgw/cmd/internal/apierr"
	"adkgw/cmd/internal/auth"
	"adkgw/cmd/internal/gateway"
	"adkgw/cmd/internal/httpx"
	"adkgw/cmd/internal/metrics"
	v1 "adkgw/shared/contracts/chat/v1"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3
)

// DefaultAllowedOrigins is the origin allowlist used when none is configured.
const DefaultAllowedOrigins = "http://localhost,http://127.0.0.1"

// Config tunes a WSGateway. Zero values fall back to package defaults.
type Config struct {
	// InsecureSkipVerify disables origin verification in websocket.Accept. Dev only.
	InsecureSkipVerify bool
	OriginRequired     bool
	AllowedOrigins     []string

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int
	MaxFrameBytes   int64

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	RateEvents int
	RateWindow time.Duration
}

// WSGateway is the WebSocket chat transport. It enforces origin policy,
// subprotocol selection, authentication, rate limits and heartbeats, and runs
// chat.request envelopes through the same gateway.Service as the HTTP surface.
type WSGateway struct {
	log     *slog.Logger
	svc     *gateway.Service
	keys    *auth.Keyring
	limiter *auth.TenantLimiter
	metrics *metrics.Metrics

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept: cross-origin requests need OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int
	maxFrameBytes   int64

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration

	// turns tracks in-flight chat turns so that Wait can drain them.
	turns sync.WaitGroup
}

// Option configures optional WSGateway dependencies.
type Option func(*WSGateway)

// WithTenantLimiter applies the per-tenant request limit to chat.request.
func WithTenantLimiter(l *auth.TenantLimiter) Option {
	return func(g *WSGateway) { g.limiter = l }
}

// WithMetrics records connection counts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *WSGateway) { g.metrics = m }
}

// NewWSGateway constructs a gateway.
func NewWSGateway(log *slog.Logger, svc *gateway.Service, keys *auth.Keyring, cfg Config, opts ...Option) *WSGateway {
	if log == nil {
		log = slog.Default()
	}

	g := &WSGateway{
		log:            log,
		svc:            svc,
		keys:           keys,
		devInsecure:    cfg.InsecureSkipVerify,
		originRequired: cfg.OriginRequired,
		allowedOrigins: cfg.AllowedOrigins,
	}
	if g.allowedOrigins == nil {
		g.allowedOrigins = strings.Split(DefaultAllowedOrigins, ",")
	}
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = orDuration(cfg.WriteTimeout, wsDefaultWriteTimeout)
	g.readIdleTimeout = orDuration(cfg.ReadIdleTimeout, wsDefaultReadIdle)
	g.heartbeatEvery = orDuration(cfg.HeartbeatInterval, heartbeatInterval)
	g.heartbeatTimeout = orDuration(cfg.HeartbeatTimeout, heartbeatTimeout)

	g.sendQueueSize = cfg.SendQueueSize
	if g.sendQueueSize <= 0 {
		g.sendQueueSize = wsDefaultSendQueueSize
	}
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.maxFrameBytes = cfg.MaxFrameBytes
	if g.maxFrameBytes <= 0 && svc != nil {
		g.maxFrameBytes = svc.MaxBodyBytes()
	}
	if g.maxFrameBytes < minFrameBytes {
		g.maxFrameBytes = minFrameBytes
	}

	g.rateEvents = cfg.RateEvents
	g.rateWindow = cfg.RateWindow

	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// Wait blocks until every in-flight turn has finished or ctx is done.
func (g *WSGateway) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.turns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleWS upgrades an HTTP request and runs the chat loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	// A bearer token on the upgrade request authenticates the connection up
	// front; without one the hello payload must carry the key.
	var preTenant string
	if tok := auth.BearerToken(r); tok != "" {
		tenant, code, ok := g.keys.Resolve(tok)
		if !ok {
			g.log.Info("ws.reject.auth", "code", code, "remote", r.RemoteAddr)
			httpx.Unauthorized(w, r, code, "invalid api key")
			return
		}
		preTenant = tenant
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(g.maxFrameBytes)

	connID := ids.MustULID(time.Now())
	client := NewClient(connID, g.sendQueueSize)
	if preTenant != "" {
		client.setTenant(preTenant)
	}

	if g.metrics != nil {
		g.metrics.WSConnected(1)
		defer g.metrics.WSConnected(-1)
	}
	g.log.Info("ws.open", "connection_id", connID, "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "connection_id", connID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "connection_id", connID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	greeted := false

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, "", "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "connection_id", connID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.writeFinalError(ctx, conn, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, "", "bad_envelope", err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeHello:
			if err := g.onHello(ctx, client, env); err != nil {
				g.writeFinalError(ctx, conn, apierr.Code(err), apierr.Message(err))
				shutdown(websocket.StatusPolicyViolation, "hello failed")
				break readLoop
			}
			greeted = true

		case v1.TypeChatRequest:
			if !greeted {
				g.trySendError(ctx, client, "", "not_ready", "hello first")
				continue readLoop
			}
			g.onChatRequest(ctx, client, env, now)

		default:
			g.trySendError(ctx, client, "", "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
	g.log.Info("ws.close", "connection_id", connID)
}

// ---- handlers ----

func (g *WSGateway) onHello(ctx context.Context, client *Client, env v1.Envelope) error {
	const op = "realtime.hello"

	var p v1.HelloPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return apierr.Wrap(op, apierr.ErrBadRequest, "invalid payload", err)
		}
	}

	tenant, ok := client.Tenant()
	if !ok {
		t, code, resolved := g.keys.Resolve(p.APIKey)
		if !resolved {
			msg := "missing api key"
			if code == auth.CodeInvalidAPIKey {
				msg = "invalid api key"
			}
			return apierr.New(op, apierr.ErrUnauthorized, msg)
		}
		tenant = t
		client.setTenant(t)
	}

	err := g.send(ctx, client, v1.TypeHelloAck, v1.HelloAckPayload{
		ConnectionID: client.ConnectionID,
		Tenant:       tenant,
	})
	if err != nil {
		return apierr.Wrap(op, apierr.ErrBackendError, "backpressure: hello.ack", err)
	}
	return nil
}

// onChatRequest validates a chat.request and starts its turn. Failures are
// reported as error envelopes; the connection stays open.
func (g *WSGateway) onChatRequest(ctx context.Context, client *Client, env v1.Envelope, now time.Time) {
	var p v1.ChatRequestPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.trySendError(ctx, client, "", apierr.Code(apierr.ErrBadRequest), "invalid payload")
		return
	}
	if strings.TrimSpace(p.ClientReqID) == "" {
		g.trySendError(ctx, client, "", apierr.Code(apierr.ErrBadRequest), "missing client_req_id")
		return
	}

	tenant, _ := client.Tenant()
	if g.limiter != nil {
		if allowed, _ := g.limiter.Allow(tenant, now); !allowed {
			g.trySendError(ctx, client, p.ClientReqID, apierr.Code(apierr.ErrRateLimited), "too many requests")
			return
		}
	}
	if !client.acquireTurn() {
		g.trySendError(ctx, client, p.ClientReqID, "busy", "a turn is already running on this connection")
		return
	}

	// The read loop keeps running so that control frames (pongs, close) are
	// processed while the turn streams.
	g.turns.Add(1)
	go func() {
		defer g.turns.Done()
		defer client.releaseTurn()
		g.runTurn(ctx, client, tenant, p, now)
	}()
}

func (g *WSGateway) runTurn(ctx context.Context, client *Client, tenant string, p v1.ChatRequestPayload, now time.Time) {
	ctx, cancel := g.svc.Bound(ctx)
	defer cancel()

	reqID := client.ConnectionID + "-" + ids.MustULID(now)
	em := &turnEmitter{
		g:            g,
		ctx:          ctx,
		client:       client,
		clientReqID:  p.ClientReqID,
		completionID: ids.CompletionID(now),
		requestID:    reqID,
	}

	ex, err := g.svc.Prepare(ctx, gateway.Request{
		Tenant:    tenant,
		RequestID: reqID,
		Transport: "ws",
		Signals: identity.Signals{
			SessionHeader: p.SessionID,
			UserHeader:    p.UserID,
			BodyUser:      p.Request.User,
		},
		Body: p.Request,
	})
	if err != nil {
		_ = em.Error(err)
		return
	}
	em.sessionKey = ex.SessionSuffix

	if !p.Request.Stream {
		reply, err := g.svc.Complete(ctx, ex)
		if err != nil {
			_ = em.Error(err)
			return
		}
		if reply != "" {
			if err := em.Delta(reply); err != nil {
				return
			}
		}
		_ = em.Done()
		return
	}

	if err := g.svc.Stream(ctx, ex, em); err != nil {
		var reported *gateway.StreamError
		if !errors.As(err, &reported) {
			_ = em.Error(err)
		}
	}
}

// ---- send helpers ----

// send enqueues one envelope, waiting for queue space. Deltas must not be
// dropped, so unlike trySendError this applies backpressure to the turn.
func (g *WSGateway) send(ctx context.Context, client *Client, typ string, payload any) error {
	env, err := v1.NewEnvelope(typ, ids.MustULID(time.Now()), time.Now(), payload)
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-client.Done():
		return errClientClosed
	case client.Send <- env:
		return nil
	}
}

var errClientClosed = errors.New("realtime: client closed")

func (g *WSGateway) trySendError(ctx context.Context, client *Client, clientReqID, code, msg string) {
	env, err := v1.NewEnvelope(v1.TypeError, ids.MustULID(time.Now()), time.Now(), v1.ErrorPayload{
		ClientReqID: clientReqID,
		Code:        code,
		Message:     msg,
	})
	if err != nil {
		return
	}
	select {
	case <-ctx.Done():
	case <-client.Done():
	case client.Send <- env:
	default:
	}
}

// writeFinalError writes an error envelope directly, bypassing the send
// queue, so that it reaches the peer before a policy close.
func (g *WSGateway) writeFinalError(ctx context.Context, conn *websocket.Conn, code, msg string) {
	env, err := v1.NewEnvelope(v1.TypeError, ids.MustULID(time.Now()), time.Now(), v1.ErrorPayload{Code: code, Message: msg})
	if err != nil {
		return
	}
	_ = writeEnvelope(ctx, conn, env, g.writeTimeout)
}

// ---- envelope IO ----

type badJSONError struct{ err error }

func (e badJSONError) Error() string { return "invalid JSON: " + e.err.Error() }
func (e badJSONError) Unwrap() error { return e.err }

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, badJSONError{err: err}
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	var bad badJSONError
	if errors.As(err, &bad) {
		return readErrBadJSON
	}
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			return nil
		}
		if origin == a {
			return nil
		}
		// Host match ignores scheme and port.
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins maps the allowlist to the host
// patterns websocket.Accept matches origins against. A "*" entry becomes a
// match-all pattern.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		if strings.TrimSpace(a) == "*" {
			return []string{"*"}
		}
		h := originHostOnly(a)
		if h == "" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}

func orDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
