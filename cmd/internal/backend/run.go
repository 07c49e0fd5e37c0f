package backend

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"

	"adkgw/cmd/internal/apierr"
	"adkgw/cmd/internal/conversation"

	"github.com/openai/openai-go/v3/packages/ssestream"
	"github.com/tidwall/gjson"
)

// Turn is one user turn submitted to a backend session.
type Turn struct {
	UserID    string
	SessionID string
	Message   conversation.Message
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type newMessage struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

type runRequest struct {
	AppName    string     `json:"appName"`
	UserID     string     `json:"userId"`
	SessionID  string     `json:"sessionId"`
	NewMessage newMessage `json:"newMessage"`
	Streaming  bool       `json:"streaming"`
}

func (c *Client) runBody(t Turn, streaming bool) runRequest {
	parts := make([]part, 0, len(t.Message.Parts))
	for _, p := range t.Message.Parts {
		switch {
		case p.IsBinary():
			parts = append(parts, part{InlineData: &inlineData{
				MimeType: p.MIME,
				Data:     base64.StdEncoding.EncodeToString(p.Bytes),
			}})
		case p.Text != "":
			parts = append(parts, part{Text: p.Text})
		}
	}
	return runRequest{
		AppName:    c.cfg.AppName,
		UserID:     t.UserID,
		SessionID:  t.SessionID,
		NewMessage: newMessage{Role: "user", Parts: parts},
		Streaming:  streaming,
	}
}

// Run submits a turn and waits for the full reply. The reply is the text of
// the last event that carries text.
func (c *Client) Run(ctx context.Context, t Turn) (string, error) {
	const op = "backend.Run"

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RunTimeout)
	defer cancel()

	req, err := c.newJSONRequest(ctx, http.MethodPost, c.endpoint("run"), c.runBody(t, false))
	if err != nil {
		return "", apierr.Wrap(op, apierr.ErrBadRequest, "cannot build request", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", transportError(ctx, op, err)
	}
	defer drainClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return "", statusError(op, resp.StatusCode, readErrorBody(resp.Body))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", transportError(ctx, op, err)
	}
	if !gjson.ValidBytes(body) {
		return "", apierr.New(op, apierr.ErrBackendError, "backend returned invalid JSON")
	}

	var events []Event
	doc := gjson.ParseBytes(body)
	if doc.IsArray() {
		doc.ForEach(func(_, v gjson.Result) bool {
			events = append(events, ParseEvent([]byte(v.Raw)))
			return true
		})
	} else {
		events = append(events, ParseEvent(body))
	}

	reply := ""
	for _, ev := range events {
		if ev.Failed() {
			return "", eventError(op, ev)
		}
		if ev.Text != "" {
			reply = ev.Text
		}
	}
	return reply, nil
}

func eventError(op string, ev Event) error {
	msg := ev.ErrorMessage
	if msg == "" {
		msg = ev.ErrorCode
	}
	return apierr.New(op, apierr.ErrBackendError, msg)
}

// RunStream submits a turn to /run_sse and returns the event stream. The
// caller must Close it.
func (c *Client) RunStream(ctx context.Context, t Turn) (*EventStream, error) {
	const op = "backend.RunStream"

	req, err := c.newJSONRequest(ctx, http.MethodPost, c.endpoint("run_sse"), c.runBody(t, true))
	if err != nil {
		return nil, apierr.Wrap(op, apierr.ErrBadRequest, "cannot build request", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportError(ctx, op, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer drainClose(resp.Body)
		return nil, statusError(op, resp.StatusCode, readErrorBody(resp.Body))
	}

	return &EventStream{
		ctx:   ctx,
		dec:   ssestream.NewDecoder(resp),
		body:  resp.Body,
		accum: c.cfg.StreamMode == StreamIncremental,
	}, nil
}

// EventStream yields the cumulative text of a streamed turn, one backend event
// at a time.
type EventStream struct {
	ctx   context.Context
	dec   ssestream.Decoder
	body  io.ReadCloser
	accum bool

	text string
	last Event
}

var doneMarker = []byte("[DONE]")

// Next returns the cumulative reply text after the next text-bearing event.
// It returns io.EOF when the backend ends the stream, and an apierr-classified
// error when the backend reports a failure.
func (s *EventStream) Next() (string, error) {
	const op = "backend.EventStream"

	for s.dec.Next() {
		data := bytes.TrimSpace(s.dec.Event().Data)
		if len(data) == 0 {
			continue
		}
		if bytes.Equal(data, doneMarker) {
			return "", io.EOF
		}
		if !gjson.ValidBytes(data) {
			continue
		}

		ev := ParseEvent(data)
		s.last = ev
		if ev.Failed() {
			return "", eventError(op, ev)
		}
		if ev.Text == "" {
			continue
		}
		if s.accum && ev.Partial {
			s.text += ev.Text
		} else {
			s.text = ev.Text
		}
		return s.text, nil
	}

	if err := s.dec.Err(); err != nil && !errors.Is(err, io.EOF) {
		return "", transportError(s.ctx, op, err)
	}
	if err := s.ctx.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

// Last returns the most recent parsed event.
func (s *EventStream) Last() Event { return s.last }

// Close releases the underlying connection.
func (s *EventStream) Close() error {
	if s == nil || s.body == nil {
		return nil
	}
	return s.body.Close()
}
