// Package conversation holds the normalized, transport-independent message model
// that flows through resolution, fingerprinting and backend submission.
package conversation

import "strings"

// Role is a normalized message author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Kind is the media kind of a content part.
type Kind string

const (
	KindText           Kind = "text"
	KindImage          Kind = "image"
	KindAudio          Kind = "audio"
	KindVideo          Kind = "video"
	KindDocument       Kind = "document"
	KindOfficeDocument Kind = "office_document"
	KindIgnored        Kind = "ignored"
)

// Source locates the payload of a non-text part. Exactly one of Data or URL is set.
type Source struct {
	// Data is the decoded inline payload.
	Data []byte
	// URL is a remote http(s) locator.
	URL string
	// MIME is the declared type, if any.
	MIME string
	// Filename is the declared name, if any. Used as an extension hint.
	Filename string
}

// Inline reports whether the source carries its bytes.
func (s Source) Inline() bool { return s.URL == "" }

// Part is one content element of a message.
//
// Before resolution a text part has Text set and every other part has Source
// set. After resolution exactly one of Text/Bytes is set, unless the part is
// KindIgnored, in which case neither is.
type Part struct {
	Kind   Kind
	Source Source

	Text  string
	Bytes []byte
	MIME  string
}

// Resolved reports whether the part carries a usable payload.
func (p Part) Resolved() bool {
	return p.Kind != KindIgnored && (p.Text != "" || len(p.Bytes) > 0)
}

// IsBinary reports whether the part is passed through as bytes.
func (p Part) IsBinary() bool { return len(p.Bytes) > 0 }

// TextPart builds a resolved text part.
func TextPart(s string) Part { return Part{Kind: KindText, Text: s} }

// Message is an ordered list of parts from one author.
type Message struct {
	Role  Role
	Parts []Part
}

// Text concatenates the text of every part in order.
func (m Message) Text() string {
	if len(m.Parts) == 1 {
		return m.Parts[0].Text
	}
	var b strings.Builder
	for _, p := range m.Parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

// Split separates the prior conversation from the final user turn.
// ok is false when msgs is empty or does not end with a user message.
func Split(msgs []Message) (prior []Message, turn Message, ok bool) {
	if len(msgs) == 0 || msgs[len(msgs)-1].Role != RoleUser {
		return nil, Message{}, false
	}
	return msgs[:len(msgs)-1], msgs[len(msgs)-1], true
}
