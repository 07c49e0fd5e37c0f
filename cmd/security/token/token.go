package token

import (
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const (
	// HashKeyEnvKey is the env var name for the tenant hash secret.
	// #nosec G101 -- not a credential; it's an environment variable name.
	HashKeyEnvKey = "TENANT_HASH_KEY"

	// MinHashKeyBytes is the minimum accepted secret length in keyed mode.
	MinHashKeyBytes = 16

	tenantPrefix   = "t"
	tenantHexChars = 24
)

// Hasher derives tenant ids from API keys.
type Hasher struct {
	key []byte
}

// NewHasher returns a Hasher. An empty key selects the unkeyed mode.
func NewHasher(key string) (*Hasher, error) {
	k := []byte(strings.TrimSpace(key))
	switch {
	case len(k) == 0:
		return &Hasher{}, nil
	case len(k) < MinHashKeyBytes:
		return nil, ErrHashKeyTooShort
	case len(k) > blake2b.Size:
		return nil, ErrHashKeyTooLong
	}
	return &Hasher{key: k}, nil
}

// Keyed reports whether a secret is configured.
func (h *Hasher) Keyed() bool { return len(h.key) > 0 }

// HashHex returns the full 64-char hex digest of s.
func (h *Hasher) HashHex(s string) string {
	// New256 only fails for keys longer than 64 bytes, which NewHasher rejects.
	m, _ := blake2b.New256(h.key)
	_, _ = m.Write([]byte(s))
	return hex.EncodeToString(m.Sum(nil))
}

// TenantID returns the tenant id for apiKey.
func (h *Hasher) TenantID(apiKey string) (string, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return "", ErrEmptyAPIKey
	}
	return tenantPrefix + h.HashHex(apiKey)[:tenantHexChars], nil
}

// Equal compares two secrets in constant time with respect to their content.
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
