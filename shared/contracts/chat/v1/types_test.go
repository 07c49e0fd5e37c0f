package v1

import (
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageContent_StringAndParts(t *testing.T) {
	body := `{
		"model": "agent",
		"temperature": 0.2,
		"messages": [
			{"role": "system", "content": "be brief"},
			{"role": "user", "content": [
				{"type": "text", "text": "what is this?"},
				{"type": "image_url", "image_url": {"url": "https://example.com/a.png", "detail": "low"}},
				{"type": "image_url", "image_url": "https://example.com/b.png"},
				{"type": "input_audio", "input_audio": {"data": "AAAA", "format": "wav"}}
			]},
			{"role": "assistant", "content": null}
		]
	}`

	var req ChatCompletionRequest
	require.NoError(t, json.Unmarshal([]byte(body), &req))
	require.Len(t, req.Messages, 3)

	assert.False(t, req.Messages[0].Content.IsParts)
	assert.Equal(t, "be brief", req.Messages[0].Content.Text)

	parts := req.Messages[1].Content.Parts
	require.True(t, req.Messages[1].Content.IsParts)
	require.Len(t, parts, 4)
	assert.Equal(t, "https://example.com/a.png", parts[1].ImageURL.URL)
	assert.Equal(t, "low", parts[1].ImageURL.Detail)
	assert.Equal(t, "https://example.com/b.png", parts[2].ImageURL.URL)
	assert.Equal(t, "wav", parts[3].InputAudio.Format)

	assert.Empty(t, req.Messages[2].Content.Text)
	assert.False(t, req.Messages[2].Content.IsParts)
}

func TestMessageContent_RejectsObject(t *testing.T) {
	var m ChatMessage
	err := json.Unmarshal([]byte(`{"role":"user","content":{"text":"x"}}`), &m)
	require.Error(t, err)
}

func TestChunk_FinishReasonIsNullUntilFinal(t *testing.T) {
	c := ChatCompletionChunk{
		ID:      "chatcmpl-1",
		Object:  ObjectChatCompletionChunk,
		Created: 1,
		Model:   "agent",
		Choices: []ChunkChoice{{Index: 0, Delta: Delta{Content: "hi"}}},
	}
	b, err := json.Marshal(c)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"finish_reason":null`)
	assert.Contains(t, string(b), `"delta":{"content":"hi"}`)

	stop := FinishReasonStop
	c.Choices[0] = ChunkChoice{FinishReason: &stop}
	b, err = json.Marshal(c)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"delta":{}`)
	assert.Contains(t, string(b), `"finish_reason":"stop"`)
}

func TestEnvelope_Validate(t *testing.T) {
	now := time.Now()
	env, err := NewEnvelope(TypeChatDelta, "e1", now, ChatDeltaPayload{Content: "x"})
	require.NoError(t, err)
	require.NoError(t, env.Validate())

	tests := []struct {
		name string
		env  Envelope
	}{
		{"missing version", Envelope{Type: TypeHello}},
		{"wrong version", Envelope{V: "v2", Type: TypeHello}},
		{"missing type", Envelope{V: Version}},
		{"unknown type", Envelope{V: Version, Type: "message_send"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.env.Validate())
		})
	}
}
