package stream

import (
	"bytes"
	"net/http"
	"time"

	"adkgw/cmd/internal/apierr"
	v1 "adkgw/shared/contracts/chat/v1"

	json "github.com/goccy/go-json"
)

// SSEEmitter writes OpenAI chat.completion.chunk events. Response headers are
// written lazily on the first event so that failures before streaming starts
// can still be reported as plain JSON errors.
type SSEEmitter struct {
	w         http.ResponseWriter
	fl        http.Flusher
	id        string
	model     string
	created   int64
	requestID string

	started  bool
	roleSent bool
	buf      bytes.Buffer
}

// NewSSEEmitter constructs an emitter for one completion.
func NewSSEEmitter(w http.ResponseWriter, completionID, model, requestID string, now time.Time) *SSEEmitter {
	fl, _ := w.(http.Flusher)
	return &SSEEmitter{
		w:         w,
		fl:        fl,
		id:        completionID,
		model:     model,
		created:   now.Unix(),
		requestID: requestID,
	}
}

// Started reports whether any byte has been written.
func (s *SSEEmitter) Started() bool { return s.started }

func (s *SSEEmitter) start() {
	if s.started {
		return
	}
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.started = true
}

func (s *SSEEmitter) writeData(payload []byte) error {
	s.start()
	s.buf.Reset()
	s.buf.WriteString("data: ")
	s.buf.Write(payload)
	s.buf.WriteString("\n\n")
	if _, err := s.w.Write(s.buf.Bytes()); err != nil {
		return err
	}
	if s.fl != nil {
		s.fl.Flush()
	}
	return nil
}

func (s *SSEEmitter) chunk(delta v1.Delta, finish *string) error {
	b, err := json.Marshal(v1.ChatCompletionChunk{
		ID:      s.id,
		Object:  v1.ObjectChatCompletionChunk,
		Created: s.created,
		Model:   s.model,
		Choices: []v1.ChunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	})
	if err != nil {
		return err
	}
	return s.writeData(b)
}

func (s *SSEEmitter) Delta(text string) error {
	d := v1.Delta{Content: text}
	if !s.roleSent {
		d.Role = v1.RoleAssistant
		s.roleSent = true
	}
	return s.chunk(d, nil)
}

func (s *SSEEmitter) Done() error {
	stop := v1.FinishReasonStop
	if err := s.chunk(v1.Delta{}, &stop); err != nil {
		return err
	}
	return s.writeData([]byte(v1.StreamDone))
}

func (s *SSEEmitter) Error(cause error) error {
	b, err := json.Marshal(ErrorBody(cause, s.requestID))
	if err != nil {
		return err
	}
	if err := s.writeData(b); err != nil {
		return err
	}
	return s.writeData([]byte(v1.StreamDone))
}

// ErrorBody renders cause in the OpenAI error shape.
func ErrorBody(cause error, requestID string) v1.ErrorResponse {
	typ := v1.ErrorTypeServer
	if apierr.HTTPStatus(cause) < 500 {
		typ = v1.ErrorTypeInvalidRequest
	}
	return v1.ErrorResponse{Error: v1.ErrorBody{
		Message:   apierr.Message(cause),
		Type:      typ,
		Code:      apierr.Code(cause),
		RequestID: requestID,
	}}
}
