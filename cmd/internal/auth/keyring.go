package auth

import (
	"strings"

	"adkgw/cmd/security/token"

	"github.com/alphadose/haxmap"
)

// Keyring maps accepted API keys to tenant ids.
type Keyring struct {
	hasher  *token.Hasher
	require bool
	// tenant id by key hash; raw keys are never retained.
	accepted *haxmap.Map[string, string]
	fallback string
}

// KeyringConfig configures NewKeyring.
type KeyringConfig struct {
	// Require rejects requests without a known key.
	Require bool
	// Keys is the allow-list. When empty and Require is set, only DefaultKey is accepted.
	Keys []string
	// DefaultKey identifies anonymous callers when Require is false.
	DefaultKey string
}

// NewKeyring builds a Keyring.
func NewKeyring(h *token.Hasher, cfg KeyringConfig) (*Keyring, error) {
	k := &Keyring{
		hasher:   h,
		require:  cfg.Require,
		accepted: haxmap.New[string, string](),
	}

	keys := append([]string(nil), cfg.Keys...)
	if strings.TrimSpace(cfg.DefaultKey) != "" {
		keys = append(keys, cfg.DefaultKey)
		tenant, err := h.TenantID(cfg.DefaultKey)
		if err != nil {
			return nil, err
		}
		k.fallback = tenant
	}
	for _, raw := range keys {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		tenant, err := h.TenantID(raw)
		if err != nil {
			return nil, err
		}
		k.accepted.Set(h.HashHex(strings.TrimSpace(raw)), tenant)
	}
	return k, nil
}

// Required reports whether an API key is mandatory.
func (k *Keyring) Required() bool { return k.require }

// Size returns the number of accepted keys.
func (k *Keyring) Size() int { return int(k.accepted.Len()) }

// Resolve returns the tenant for a presented key. An empty key resolves to the
// default tenant when keys are optional. code is the wire error code on failure.
func (k *Keyring) Resolve(presented string) (tenant string, code string, ok bool) {
	presented = strings.TrimSpace(presented)
	if presented == "" {
		if k.require || k.fallback == "" {
			return "", CodeMissingAPIKey, false
		}
		return k.fallback, "", true
	}

	if t, found := k.accepted.Get(k.hasher.HashHex(presented)); found {
		return t, "", true
	}
	if k.require {
		return "", CodeInvalidAPIKey, false
	}
	// Optional mode: any key is its own tenant.
	t, err := k.hasher.TenantID(presented)
	if err != nil {
		return "", CodeInvalidAPIKey, false
	}
	return t, "", true
}
