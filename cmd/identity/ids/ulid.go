// Package ids provides the identifier primitives used across the gateway:
// completion ids, fork suffixes and connection ids.
package ids

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewULID returns a new ULID string (26 chars).
// ULIDs are lexicographically sortable and work well in distributed systems.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustULID is NewULID for call sites that cannot fail meaningfully.
// crypto/rand does not fail on supported platforms.
func MustULID(now time.Time) string {
	id, err := NewULID(now)
	if err != nil {
		panic(err)
	}
	return id
}

// CompletionID returns an OpenAI-style "chatcmpl-<ulid>" id.
func CompletionID(now time.Time) string {
	return "chatcmpl-" + MustULID(now)
}

// ShortRandom returns 8 lowercase hex characters from a random UUID.
func ShortRandom() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
