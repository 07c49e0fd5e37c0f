// Package fingerprint reduces a resolved conversation to a stable digest.
//
// The digest is a pure function of the ordered (role, text) sequence: it uses
// an unkeyed BLAKE2b-256 hash so it is identical across processes and restarts.
package fingerprint

import (
	"encoding/hex"
	"strconv"
	"strings"

	"adkgw/cmd/internal/conversation"

	"golang.org/x/crypto/blake2b"
)

// Digest is a hex-encoded conversation fingerprint.
type Digest string

// NewConversation is the digest of an empty conversation. It is not hexadecimal
// and therefore never equals the digest of real content.
const NewConversation Digest = "new-conversation"

// IsNew reports whether d is the empty-conversation sentinel.
func (d Digest) IsNew() bool { return d == NewConversation }

func (d Digest) String() string { return string(d) }

// Short returns the first 16 characters, for logs.
func (d Digest) Short() string {
	if len(d) <= 16 {
		return string(d)
	}
	return string(d[:16])
}

const (
	recordSep = 0x1e
	unitSep   = 0x1f
)

// Of fingerprints msgs. Text parts contribute their text; binary parts
// contribute their media type and a digest of their bytes.
func Of(msgs []conversation.Message) Digest {
	if len(msgs) == 0 {
		return NewConversation
	}

	h, _ := blake2b.New256(nil)
	buf := make([]byte, 0, 256)
	for _, m := range msgs {
		buf = buf[:0]
		buf = appendField(buf, string(m.Role))
		buf = appendField(buf, canonicalText(m))
		buf = append(buf, recordSep)
		_, _ = h.Write(buf)
	}
	return Digest(hex.EncodeToString(h.Sum(nil)))
}

// appendField writes "<len>:<value><US>" so field boundaries are unambiguous.
func appendField(dst []byte, v string) []byte {
	dst = strconv.AppendInt(dst, int64(len(v)), 10)
	dst = append(dst, ':')
	dst = append(dst, v...)
	return append(dst, unitSep)
}

// canonicalText joins the parts of m. Text never contains the separator
// bytes, so a binary marker framed by unitSep cannot be spelled in text.
func canonicalText(m conversation.Message) string {
	var b strings.Builder
	for _, p := range m.Parts {
		switch {
		case p.IsBinary():
			sum := blake2b.Sum256(p.Bytes)
			b.WriteByte(unitSep)
			b.WriteByte('b')
			b.WriteString(p.MIME)
			b.WriteByte(unitSep)
			b.WriteString(hex.EncodeToString(sum[:8]))
			b.WriteByte(unitSep)
		default:
			b.WriteString(stripSeparators.Replace(p.Text))
		}
	}
	return normalize(b.String())
}

var stripSeparators = strings.NewReplacer(string(rune(unitSep)), "", string(rune(recordSep)), "")

func normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return strings.TrimSpace(s)
}
