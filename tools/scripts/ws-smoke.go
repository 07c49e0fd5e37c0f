// Package main provides a CI-friendly WebSocket smoke test for the adkgw chat
// transport.
//
// It validates:
//   - handshake + subprotocol selection
//   - hello/ack with an API key in the payload
//   - a streamed turn: deltas followed by chat.done
//   - a second turn on the same pinned session reuses the session key
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "adkgw/shared/contracts/chat/v1"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
)

const maxReadBytes = 4 << 20

type smokeClient struct {
	conn   *websocket.Conn
	tenant string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/v1/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		apiKey  = flag.String("key", "sk-adk-middleware-key", "API key sent in hello")
		model   = flag.String("model", "agent", "Model (ADK app name)")
		session = flag.String("session", "", "Pinned session id (default: random)")
		text    = flag.String("text", "hello agent", "User message to send")
		timeout = flag.Duration("timeout", 60*time.Second, "Per-turn timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}
	if *session == "" {
		*session = fmt.Sprintf("smoke-%d", time.Now().UnixNano())
	}

	root := context.Background()
	c := mustConnect(root, *wsURL, *origin, *apiKey, *timeout)
	defer closeWS(c.conn)

	if *verbose {
		fmt.Printf("connected: tenant=%s origin=%q session=%s\n", c.tenant, *origin, *session)
	}

	req := v1.ChatCompletionRequest{
		Model:    *model,
		Stream:   true,
		Messages: []v1.ChatMessage{{Role: "user", Content: v1.TextContent(*text)}},
	}

	reply, key1 := mustTurn(root, c, "turn-1", *session, req, *timeout)
	if *verbose {
		fmt.Printf("turn-1: session_key=%s reply=%q\n", key1, reply)
	}

	req.Messages = append(req.Messages,
		v1.ChatMessage{Role: "assistant", Content: v1.TextContent(reply)},
		v1.ChatMessage{Role: "user", Content: v1.TextContent("and again")},
	)
	_, key2 := mustTurn(root, c, "turn-2", *session, req, *timeout)
	if key1 != key2 {
		fatalf("pinned session changed backend session: first=%q second=%q", key1, key2)
	}

	fmt.Printf("OK: tenant=%s session=%s session_key=%s\n", c.tenant, *session, key1)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, wsURL, origin, apiKey string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect: %v", err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch: got=%q want=%q", got, v1.Subprotocol)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	mustWrite(parent, conn, mustEnvelope(v1.TypeHello, "hello", v1.HelloPayload{APIKey: apiKey}), stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout, nil)
	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello.ack payload: %v", err)
	}
	if strings.TrimSpace(p.ConnectionID) == "" || strings.TrimSpace(p.Tenant) == "" {
		fatalf("hello.ack incomplete: %+v", p)
	}
	c.tenant = p.Tenant
	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}
			if mt != websocket.MessageText {
				c.fail(fmt.Errorf("unsupported message type: %v", mt))
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				c.fail(fmt.Errorf("bad envelope: %w", err))
				return
			}

			select {
			case c.inbox <- env:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

// mustTurn runs one chat.request and returns the concatenated reply and the
// session key reported by chat.done.
func mustTurn(parent context.Context, c *smokeClient, reqID, session string, req v1.ChatCompletionRequest, turnTimeout time.Duration) (string, string) {
	payload := v1.ChatRequestPayload{ClientReqID: reqID, SessionID: session, Request: req}
	mustWrite(parent, c.conn, mustEnvelope(v1.TypeChatRequest, reqID, payload), turnTimeout)

	ctx, cancel := context.WithTimeout(parent, turnTimeout)
	defer cancel()

	var reply strings.Builder
	var complID string
	deltas := 0
	for {
		env := c.next(ctx, "turn "+reqID)
		switch env.Type {
		case v1.TypeChatDelta:
			var d v1.ChatDeltaPayload
			mustUnmarshal(env.Payload, &d)
			if d.ClientReqID != reqID {
				fatalf("delta for unexpected request: %q", d.ClientReqID)
			}
			if complID == "" {
				complID = d.CompletionID
			} else if d.CompletionID != complID {
				fatalf("completion id changed mid-turn: %q -> %q", complID, d.CompletionID)
			}
			reply.WriteString(d.Content)
			deltas++
		case v1.TypeChatDone:
			var d v1.ChatDonePayload
			mustUnmarshal(env.Payload, &d)
			if d.ClientReqID != reqID {
				fatalf("done for unexpected request: %q", d.ClientReqID)
			}
			if d.FinishReason != v1.FinishReasonStop {
				fatalf("finish_reason: got=%q want=%q", d.FinishReason, v1.FinishReasonStop)
			}
			if strings.TrimSpace(d.SessionKey) == "" {
				fatalf("chat.done missing session_key")
			}
			if deltas == 0 {
				fatalf("turn %s produced no deltas", reqID)
			}
			return reply.String(), d.SessionKey
		case v1.TypeError:
			var ep v1.ErrorPayload
			mustUnmarshal(env.Payload, &ep)
			fatalf("server error: req=%q code=%q msg=%q", ep.ClientReqID, ep.Code, ep.Message)
		default:
			fatalf("unexpected envelope type during turn: %q", env.Type)
		}
	}
}

func (c *smokeClient) next(ctx context.Context, what string) v1.Envelope {
	select {
	case <-ctx.Done():
		fatalf("timeout waiting for %s: %v", what, ctx.Err())
	case err := <-c.errCh:
		fatalf("connection error while waiting for %s: %v", what, err)
	case env, ok := <-c.inbox:
		if !ok {
			fatalf("connection closed while waiting for %s", what)
		}
		return env
	}
	return v1.Envelope{}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		env := c.next(ctx, fmt.Sprintf("%q", wantType))
		if env.Type == wantType {
			return env
		}
		if env.Type == v1.TypeError {
			var ep v1.ErrorPayload
			_ = json.Unmarshal(env.Payload, &ep)
			fatalf("server error: code=%q msg=%q", ep.Code, ep.Message)
		}
		if _, ok := skipTypes[env.Type]; ok {
			continue
		}
		fatalf("unexpected envelope type: got=%q want=%q", env.Type, wantType)
	}
}

func mustEnvelope(typ, id string, payload any) v1.Envelope {
	env, err := v1.NewEnvelope(typ, id, time.Now(), payload)
	if err != nil {
		fatalf("build envelope: %v", err)
	}
	return env
}

func mustWrite(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustUnmarshal(raw json.RawMessage, v any) {
	if err := json.Unmarshal(raw, v); err != nil {
		fatalf("unmarshal payload: %v", err)
	}
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
