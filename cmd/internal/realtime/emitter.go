package realtime

import (
	"context"

	"adkgw/cmd/internal/apierr"
	v1 "adkgw/shared/contracts/chat/v1"
)

// turnEmitter writes one turn's events as envelopes. It implements
// stream.Emitter.
type turnEmitter struct {
	g      *WSGateway
	ctx    context.Context
	client *Client

	clientReqID  string
	completionID string
	requestID    string
	// sessionKey is read at Done so that a mid-turn session reset is reflected.
	sessionKey func() string
}

func (e *turnEmitter) Delta(text string) error {
	return e.g.send(e.ctx, e.client, v1.TypeChatDelta, v1.ChatDeltaPayload{
		ClientReqID:  e.clientReqID,
		CompletionID: e.completionID,
		Content:      text,
	})
}

func (e *turnEmitter) Done() error {
	p := v1.ChatDonePayload{
		ClientReqID:  e.clientReqID,
		CompletionID: e.completionID,
		FinishReason: v1.FinishReasonStop,
	}
	if e.sessionKey != nil {
		p.SessionKey = e.sessionKey()
	}
	return e.g.send(e.ctx, e.client, v1.TypeChatDone, p)
}

func (e *turnEmitter) Error(cause error) error {
	return e.g.send(e.ctx, e.client, v1.TypeError, v1.ErrorPayload{
		ClientReqID: e.clientReqID,
		Code:        apierr.Code(cause),
		Message:     apierr.Message(cause),
		RequestID:   e.requestID,
	})
}
