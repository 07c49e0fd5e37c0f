package identity

import (
	"strings"

	"adkgw/cmd/identity/ids"
	"adkgw/cmd/internal/apierr"
	"adkgw/cmd/internal/conversation"
	"adkgw/cmd/internal/fingerprint"
)

// Source records which rule produced a session key.
type Source string

const (
	SourceSessionHeader Source = "header_session"
	SourceUserHeader    Source = "header_user"
	SourceBodyUser      Source = "body_user"
	SourceFingerprint   Source = "fingerprint"
	SourceRandom        Source = "random"
)

// Pinned reports whether the key was chosen by the caller rather than derived.
func (s Source) Pinned() bool {
	switch s {
	case SourceSessionHeader, SourceUserHeader, SourceBodyUser:
		return true
	}
	return false
}

// Signals are the optional caller-supplied session hints.
type Signals struct {
	SessionHeader string
	UserHeader    string
	BodyUser      string
}

// Identity is the derived session identity of one request.
type Identity struct {
	TenantID   string
	SessionKey string
	// BackendSessionID is filled in by the session orchestrator.
	BackendSessionID string
	Source           Source
	// Fingerprint is the digest of the prior conversation. It is set for every
	// source so the orchestrator can track conversation heads.
	Fingerprint fingerprint.Digest
}

const maxOverrideLen = 128

// Deriver derives identities. The zero value is not usable; use NewDeriver.
type Deriver struct {
	random func() string
}

// Option configures a Deriver.
type Option func(*Deriver)

// WithRandom overrides the random suffix generator used for "temp_" keys.
func WithRandom(fn func() string) Option {
	return func(d *Deriver) {
		if fn != nil {
			d.random = fn
		}
	}
}

// NewDeriver constructs a Deriver.
func NewDeriver(opts ...Option) *Deriver {
	d := &Deriver{random: ids.ShortRandom}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Derive computes the identity for tenant given the caller signals and the
// conversation preceding the current user turn.
func (d *Deriver) Derive(tenant string, sig Signals, prior []conversation.Message) (Identity, error) {
	tenant = strings.TrimSpace(tenant)
	if tenant == "" {
		return Identity{}, apierr.New("identity.Derive", apierr.ErrBadRequest, "missing tenant")
	}

	fp := fingerprint.Of(prior)
	id := Identity{TenantID: tenant, Fingerprint: fp}

	for _, c := range []struct {
		v   string
		src Source
	}{
		{sig.SessionHeader, SourceSessionHeader},
		{sig.UserHeader, SourceUserHeader},
		{sig.BodyUser, SourceBodyUser},
	} {
		if o := NormalizeOverride(c.v); o != "" {
			id.SessionKey = Key(tenant, o)
			id.Source = c.src
			return id, nil
		}
	}

	if fp.IsNew() {
		id.SessionKey = Key(tenant, "temp_"+d.random())
		id.Source = SourceRandom
		return id, nil
	}

	id.SessionKey = Key(tenant, string(fp))
	id.Source = SourceFingerprint
	return id, nil
}

// Key joins a tenant and a suffix into a session key.
func Key(tenant, suffix string) string {
	return tenant + "_" + suffix
}

// NormalizeOverride trims, restricts to [A-Za-z0-9._:-] and bounds the length
// of a caller-supplied session or user id. The result may be empty.
func NormalizeOverride(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	var b strings.Builder
	for _, r := range s {
		if b.Len() >= maxOverrideLen {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == ':', r == '-':
			b.WriteRune(r)
		}
	}
	return b.String()
}
