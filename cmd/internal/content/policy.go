package content

import (
	"mime"
	"path"
	"strings"

	"adkgw/cmd/internal/conversation"
)

// Policy is the handling decided for a media type.
type Policy int

const (
	// PolicyReject fails the part with ErrUnsupportedMedia.
	PolicyReject Policy = iota
	// PolicyPassThrough forwards the bytes; the backend consumes them natively.
	PolicyPassThrough
	// PolicyExtractText converts an Office Open XML payload to plain text.
	PolicyExtractText
	// PolicyIgnore drops the part silently.
	PolicyIgnore
)

func (p Policy) String() string {
	switch p {
	case PolicyPassThrough:
		return "pass_through"
	case PolicyExtractText:
		return "extract_text"
	case PolicyIgnore:
		return "ignore"
	default:
		return "reject"
	}
}

const (
	MIMEDocx = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	MIMEXlsx = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	MIMEPptx = "application/vnd.openxmlformats-officedocument.presentationml.presentation"

	mimeOctetStream = "application/octet-stream"
)

var exactPolicies = map[string]Policy{
	"application/pdf":        PolicyPassThrough,
	"text/plain":             PolicyPassThrough,
	"text/html":              PolicyPassThrough,
	"text/css":               PolicyPassThrough,
	"text/javascript":        PolicyPassThrough,
	"application/javascript": PolicyPassThrough,
	"application/json":       PolicyPassThrough,
	"application/xml":        PolicyPassThrough,
	"text/xml":               PolicyPassThrough,
	"text/csv":               PolicyPassThrough,
	"application/rtf":        PolicyPassThrough,
	"text/rtf":               PolicyPassThrough,
	"text/markdown":          PolicyPassThrough,
	"text/x-markdown":        PolicyPassThrough,

	MIMEDocx: PolicyExtractText,
	MIMEXlsx: PolicyExtractText,
	MIMEPptx: PolicyExtractText,

	"application/vnd.ms-fontobject": PolicyIgnore,
	"image/x-icon":                  PolicyIgnore,
	"image/vnd.microsoft.icon":      PolicyIgnore,
}

// Classify maps a media type to its policy. Parameters are ignored.
func Classify(mediaType string) Policy {
	mt := NormalizeMIME(mediaType)
	if p, ok := exactPolicies[mt]; ok {
		return p
	}
	switch {
	case strings.HasPrefix(mt, "font/"), strings.HasPrefix(mt, "application/font-"), strings.HasPrefix(mt, "application/x-font"):
		return PolicyIgnore
	case strings.HasPrefix(mt, "image/"), strings.HasPrefix(mt, "video/"), strings.HasPrefix(mt, "audio/"):
		return PolicyPassThrough
	default:
		return PolicyReject
	}
}

// NormalizeMIME lowercases a media type and strips its parameters.
func NormalizeMIME(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if mt, _, err := mime.ParseMediaType(s); err == nil {
		return strings.ToLower(mt)
	}
	mt, _, _ := strings.Cut(s, ";")
	return strings.ToLower(strings.TrimSpace(mt))
}

func isGeneric(mt string) bool {
	switch mt {
	case "", mimeOctetStream, "binary/octet-stream", "application/binary":
		return true
	}
	return false
}

var extensionTypes = map[string]string{
	".docx": MIMEDocx,
	".xlsx": MIMEXlsx,
	".pptx": MIMEPptx,
	".md":   "text/markdown",
	".csv":  "text/csv",
	".txt":  "text/plain",
	".rtf":  "application/rtf",
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".flac": "audio/flac",
	".m4a":  "audio/mp4",
	".ogg":  "audio/ogg",
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".webm": "video/webm",
	".woff": "font/woff",
	".ttf":  "font/ttf",
	".ico":  "image/x-icon",
}

// typeByExtension guesses a media type from a file name or URL path.
func typeByExtension(name string) string {
	ext := strings.ToLower(path.Ext(name))
	if ext == "" {
		return ""
	}
	if mt, ok := extensionTypes[ext]; ok {
		return mt
	}
	return NormalizeMIME(mime.TypeByExtension(ext))
}

// kindFor maps a resolved media type to a part kind.
func kindFor(mt string, p Policy) conversation.Kind {
	switch {
	case p == PolicyIgnore:
		return conversation.KindIgnored
	case p == PolicyExtractText:
		return conversation.KindOfficeDocument
	case strings.HasPrefix(mt, "image/"):
		return conversation.KindImage
	case strings.HasPrefix(mt, "audio/"):
		return conversation.KindAudio
	case strings.HasPrefix(mt, "video/"):
		return conversation.KindVideo
	default:
		return conversation.KindDocument
	}
}
