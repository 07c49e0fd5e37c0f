// Package v1 defines the adkgw chat wire contract.
//
// It covers the OpenAI-compatible chat completions surface (request,
// completion, stream chunk, error) and the WebSocket envelope used by the
// realtime transport. It is shared between server and clients to keep the wire
// protocol authoritative.
package v1

import (
	"bytes"
	"errors"

	json "github.com/goccy/go-json"
)

// Object names (wire-stable).
const (
	ObjectChatCompletion      = "chat.completion"
	ObjectChatCompletionChunk = "chat.completion.chunk"
	ObjectList                = "list"
	ObjectModel               = "model"
)

// Roles accepted on the wire.
const (
	RoleSystem    = "system"
	RoleDeveloper = "developer"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Content part types accepted on the wire.
const (
	PartText       = "text"
	PartImageURL   = "image_url"
	PartAudioURL   = "audio_url"
	PartVideoURL   = "video_url"
	PartInputAudio = "input_audio"
	PartFile       = "file"
)

// FinishReasonStop is the only finish reason the gateway emits.
const FinishReasonStop = "stop"

// StreamDone is the payload of the final SSE data line.
const StreamDone = "[DONE]"

// ChatCompletionRequest is the inbound body of POST /v1/chat/completions.
// Unknown OpenAI fields are accepted and ignored.
type ChatCompletionRequest struct {
	Model    string        `json:"model,omitempty"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream,omitempty"`
	User     string        `json:"user,omitempty"`
}

// ChatMessage is one entry of the messages array.
type ChatMessage struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
	Name    string         `json:"name,omitempty"`
}

// MessageContent is either a plain string or an ordered list of typed parts.
type MessageContent struct {
	Text  string
	Parts []ContentPart
	// IsParts is true when the wire form was an array.
	IsParts bool
}

// TextContent builds string-form content.
func TextContent(s string) MessageContent { return MessageContent{Text: s} }

// PartsContent builds array-form content.
func PartsContent(parts ...ContentPart) MessageContent {
	return MessageContent{Parts: parts, IsParts: true}
}

func (c *MessageContent) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		*c = MessageContent{}
		return nil
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*c = MessageContent{Text: s}
		return nil
	case b[0] == '[':
		var parts []ContentPart
		if err := json.Unmarshal(b, &parts); err != nil {
			return err
		}
		*c = MessageContent{Parts: parts, IsParts: true}
		return nil
	default:
		return errors.New("content must be a string or an array of parts")
	}
}

func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.IsParts {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

// ContentPart is one typed element of array-form content.
type ContentPart struct {
	Type       string      `json:"type"`
	Text       string      `json:"text,omitempty"`
	ImageURL   *MediaURL   `json:"image_url,omitempty"`
	AudioURL   *MediaURL   `json:"audio_url,omitempty"`
	VideoURL   *MediaURL   `json:"video_url,omitempty"`
	InputAudio *InputAudio `json:"input_audio,omitempty"`
	File       *FilePart   `json:"file,omitempty"`
}

// MediaURL accepts both {"url": "..."} and a bare string.
type MediaURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

func (m *MediaURL) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*m = MediaURL{URL: s}
		return nil
	}
	type plain MediaURL
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*m = MediaURL(p)
	return nil
}

// InputAudio carries base64 audio with a short format name (mp3, wav, ...).
type InputAudio struct {
	Data   string `json:"data"`
	Format string `json:"format"`
}

// FilePart references a document either inline or by URL.
type FilePart struct {
	FileData string `json:"file_data,omitempty"`
	Data     string `json:"data,omitempty"`
	URL      string `json:"url,omitempty"`
	FileID   string `json:"file_id,omitempty"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// ChatCompletion is the non-streaming response object.
type ChatCompletion struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Choice is one completion alternative. The gateway always returns exactly one.
type Choice struct {
	Index        int             `json:"index"`
	Message      ResponseMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

// ResponseMessage is the assistant message of a Choice.
type ResponseMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage is reported with zero token counts; the backend does not expose them.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatCompletionChunk is one SSE event of a streaming response.
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

// ChunkChoice carries the delta. FinishReason is null until the final chunk.
type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// Delta is the incremental assistant content.
type Delta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// ModelList is the body of GET /v1/models.
type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

// Model describes the single backend app exposed as a model.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ErrorResponse is the OpenAI error shape used for every failure.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody is the inner error object.
type ErrorBody struct {
	Message   string  `json:"message"`
	Type      string  `json:"type"`
	Param     *string `json:"param"`
	Code      string  `json:"code"`
	RequestID string  `json:"request_id,omitempty"`
}

// Error types.
const (
	ErrorTypeInvalidRequest = "invalid_request_error"
	ErrorTypeServer         = "server_error"
)
