package v1

import (
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the WebSocket subprotocol the server requires.
const Subprotocol = "adkgw.chat.v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a connection handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the handshake (server -> client).
	TypeHelloAck = "hello.ack"

	// TypeChatRequest submits one chat turn (client -> server).
	TypeChatRequest = "chat.request"
	// TypeChatDelta carries incremental assistant text (server -> client).
	TypeChatDelta = "chat.delta"
	// TypeChatDone ends a turn successfully (server -> client).
	TypeChatDone = "chat.done"

	// TypeError is a terminal error for one turn or the connection (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeChatRequest,
		TypeChatDelta,
		TypeChatDone,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// NewEnvelope marshals payload into an Envelope stamped with ts.
func NewEnvelope(typ, id string, ts time.Time, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{V: Version, Type: typ, ID: id, TS: ts.UTC(), Payload: raw}, nil
}

// HelloPayload is sent by the client to open a connection. APIKey is only
// consulted when the upgrade request carried no Authorization header.
type HelloPayload struct {
	APIKey string `json:"api_key,omitempty"`
}

// HelloAckPayload confirms the connection.
type HelloAckPayload struct {
	ConnectionID string `json:"connection_id"`
	Tenant       string `json:"tenant"`
}

// ChatRequestPayload wraps one chat-completions body. SessionID and UserID are
// the equivalents of the X-Session-ID and X-User-ID headers.
type ChatRequestPayload struct {
	ClientReqID string                `json:"client_req_id"`
	SessionID   string                `json:"session_id,omitempty"`
	UserID      string                `json:"user_id,omitempty"`
	Request     ChatCompletionRequest `json:"request"`
}

// ChatDeltaPayload carries one delta of a streaming turn.
type ChatDeltaPayload struct {
	ClientReqID  string `json:"client_req_id"`
	CompletionID string `json:"completion_id"`
	Content      string `json:"content"`
}

// ChatDonePayload ends a turn.
type ChatDonePayload struct {
	ClientReqID  string `json:"client_req_id"`
	CompletionID string `json:"completion_id"`
	FinishReason string `json:"finish_reason"`
	SessionKey   string `json:"session_key,omitempty"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	ClientReqID string `json:"client_req_id,omitempty"`
	Code        string `json:"code"`
	Message     string `json:"message"`
	RequestID   string `json:"request_id,omitempty"`
}
