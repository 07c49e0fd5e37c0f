package conversation

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"

	"adkgw/cmd/internal/apierr"
	v1 "adkgw/shared/contracts/chat/v1"
)

var audioFormats = map[string]string{
	"mp3":  "audio/mpeg",
	"wav":  "audio/wav",
	"flac": "audio/flac",
	"aac":  "audio/aac",
	"ogg":  "audio/ogg",
	"m4a":  "audio/mp4",
	"webm": "audio/webm",
}

// Options tune FromWire.
type Options struct {
	// ResolveTextURLs turns media/document URLs found in user text into extra parts.
	ResolveTextURLs bool
}

// FromWire converts wire messages into the normalized model and validates the
// request shape: the list must be non-empty and must end with a user message.
func FromWire(msgs []v1.ChatMessage, opts Options) ([]Message, error) {
	const op = "conversation.FromWire"

	if len(msgs) == 0 {
		return nil, apierr.New(op, apierr.ErrBadRequest, "messages must not be empty")
	}

	out := make([]Message, 0, len(msgs))
	for i, m := range msgs {
		role, err := normalizeRole(m.Role)
		if err != nil {
			return nil, apierr.Wrap(op, apierr.ErrBadRequest, fmt.Sprintf("messages[%d]", i), err)
		}

		var parts []Part
		if m.Content.IsParts {
			for j, cp := range m.Content.Parts {
				p, err := partFromWire(cp)
				if err != nil {
					return nil, apierr.Wrap(op, apierr.ErrBadRequest, fmt.Sprintf("messages[%d].content[%d]", i, j), err)
				}
				parts = append(parts, p)
			}
		} else if m.Content.Text != "" {
			parts = append(parts, TextPart(m.Content.Text))
		}

		if opts.ResolveTextURLs && role == RoleUser {
			parts = append(parts, urlPartsFromText(parts)...)
		}

		out = append(out, Message{Role: role, Parts: parts})
	}

	if out[len(out)-1].Role != RoleUser {
		return nil, apierr.New(op, apierr.ErrBadRequest, "last message must be from user")
	}
	return out, nil
}

func normalizeRole(r string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(r)) {
	case v1.RoleUser:
		return RoleUser, nil
	case v1.RoleAssistant:
		return RoleAssistant, nil
	case v1.RoleSystem, v1.RoleDeveloper:
		return RoleSystem, nil
	case "":
		return "", fmt.Errorf("missing role")
	default:
		return "", fmt.Errorf("unsupported role %q", r)
	}
}

func partFromWire(cp v1.ContentPart) (Part, error) {
	switch cp.Type {
	case v1.PartText:
		return TextPart(cp.Text), nil

	case v1.PartImageURL:
		return mediaPart(KindImage, cp.ImageURL)
	case v1.PartAudioURL:
		return mediaPart(KindAudio, cp.AudioURL)
	case v1.PartVideoURL:
		return mediaPart(KindVideo, cp.VideoURL)

	case v1.PartInputAudio:
		if cp.InputAudio == nil || cp.InputAudio.Data == "" {
			return Part{}, fmt.Errorf("input_audio.data is required")
		}
		data, err := DecodeBase64(cp.InputAudio.Data)
		if err != nil {
			return Part{}, fmt.Errorf("input_audio.data: %w", err)
		}
		mime, ok := audioFormats[strings.ToLower(cp.InputAudio.Format)]
		if !ok {
			mime = "audio/" + strings.ToLower(cp.InputAudio.Format)
		}
		return Part{Kind: KindAudio, Source: Source{Data: data, MIME: mime}}, nil

	case v1.PartFile:
		f := cp.File
		if f == nil {
			return Part{}, fmt.Errorf("file is required")
		}
		if f.FileID != "" && f.FileData == "" && f.Data == "" && f.URL == "" {
			return Part{}, fmt.Errorf("file_id references are not supported")
		}
		ref := firstNonEmpty(f.FileData, f.Data, f.URL)
		if ref == "" {
			return Part{}, fmt.Errorf("file requires file_data, data or url")
		}
		src, err := ParseReference(ref)
		if err != nil {
			return Part{}, err
		}
		if src.MIME == "" {
			src.MIME = f.MimeType
		}
		src.Filename = f.Filename
		return Part{Kind: KindDocument, Source: src}, nil

	default:
		return Part{}, fmt.Errorf("unsupported content part type %q", cp.Type)
	}
}

func mediaPart(kind Kind, m *v1.MediaURL) (Part, error) {
	if m == nil || strings.TrimSpace(m.URL) == "" {
		return Part{}, fmt.Errorf("%s url is required", kind)
	}
	src, err := ParseReference(m.URL)
	if err != nil {
		return Part{}, err
	}
	return Part{Kind: kind, Source: src}, nil
}

// ParseReference turns a data: URL, an http(s) URL or bare base64 into a Source.
func ParseReference(ref string) (Source, error) {
	ref = strings.TrimSpace(ref)
	switch {
	case strings.HasPrefix(ref, "data:"):
		return parseDataURL(ref)
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		u, err := url.Parse(ref)
		if err != nil || u.Host == "" {
			return Source{}, fmt.Errorf("invalid url")
		}
		return Source{URL: u.String()}, nil
	case strings.Contains(ref, "://"):
		return Source{}, fmt.Errorf("unsupported url scheme")
	default:
		data, err := DecodeBase64(ref)
		if err != nil {
			return Source{}, fmt.Errorf("invalid base64 payload: %w", err)
		}
		return Source{Data: data}, nil
	}
}

func parseDataURL(ref string) (Source, error) {
	header, payload, ok := strings.Cut(strings.TrimPrefix(ref, "data:"), ",")
	if !ok {
		return Source{}, fmt.Errorf("malformed data url")
	}
	meta := strings.Split(header, ";")
	mime := strings.TrimSpace(meta[0])
	isBase64 := false
	for _, m := range meta[1:] {
		if strings.EqualFold(strings.TrimSpace(m), "base64") {
			isBase64 = true
		}
	}

	if !isBase64 {
		text, err := url.PathUnescape(payload)
		if err != nil {
			return Source{}, fmt.Errorf("malformed data url: %w", err)
		}
		if mime == "" {
			mime = "text/plain"
		}
		return Source{Data: []byte(text), MIME: mime}, nil
	}

	data, err := DecodeBase64(payload)
	if err != nil {
		return Source{}, fmt.Errorf("malformed data url: %w", err)
	}
	return Source{Data: data, MIME: mime}, nil
}

// DecodeBase64 accepts standard and URL-safe alphabets, padded or not.
func DecodeBase64(s string) ([]byte, error) {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', ' ', '\t':
			return -1
		}
		return r
	}, s)
	if s == "" {
		return nil, fmt.Errorf("empty payload")
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, fmt.Errorf("not base64")
}

var textURLPattern = regexp.MustCompile(`https?://[^\s<>"'\)\]]+`)

var textURLKinds = map[string]Kind{
	".png": KindImage, ".jpg": KindImage, ".jpeg": KindImage, ".gif": KindImage, ".webp": KindImage,
	".mp3": KindAudio, ".wav": KindAudio, ".flac": KindAudio, ".m4a": KindAudio, ".ogg": KindAudio,
	".mp4": KindVideo, ".mov": KindVideo, ".webm": KindVideo,
	".pdf": KindDocument, ".docx": KindDocument, ".xlsx": KindDocument, ".pptx": KindDocument,
	".csv": KindDocument, ".txt": KindDocument, ".md": KindDocument,
}

func urlPartsFromText(parts []Part) []Part {
	var out []Part
	seen := map[string]bool{}
	for _, p := range parts {
		if p.Kind != KindText {
			continue
		}
		for _, raw := range textURLPattern.FindAllString(p.Text, -1) {
			raw = strings.TrimRight(raw, ".,;:!?")
			u, err := url.Parse(raw)
			if err != nil || seen[raw] {
				continue
			}
			kind, ok := textURLKinds[strings.ToLower(path.Ext(u.Path))]
			if !ok {
				continue
			}
			seen[raw] = true
			out = append(out, Part{Kind: kind, Source: Source{URL: u.String()}})
		}
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
