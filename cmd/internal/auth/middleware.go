package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"adkgw/cmd/internal/httpx"
)

// Wire error codes.
const (
	CodeMissingAPIKey = "missing_api_key"
	CodeInvalidAPIKey = "invalid_api_key"
)

type ctxKey struct{}

// WithTenant stores tenant in ctx.
func WithTenant(ctx context.Context, tenant string) context.Context {
	return context.WithValue(ctx, ctxKey{}, tenant)
}

// TenantFrom returns the tenant stored by the middleware.
func TenantFrom(ctx context.Context) (string, bool) {
	t, ok := ctx.Value(ctxKey{}).(string)
	return t, ok && t != ""
}

// Middleware authenticates requests and enforces the per-tenant rate limit.
type Middleware struct {
	log     *slog.Logger
	keys    *Keyring
	limiter *TenantLimiter
	now     func() time.Time
}

// NewMiddleware constructs a Middleware. limiter may be nil.
func NewMiddleware(log *slog.Logger, keys *Keyring, limiter *TenantLimiter) *Middleware {
	if log == nil {
		log = slog.Default()
	}
	return &Middleware{log: log, keys: keys, limiter: limiter, now: time.Now}
}

// Handler wraps next.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant, code, ok := m.keys.Resolve(BearerToken(r))
		if !ok {
			m.log.Warn("auth.reject", "code", code, "path", r.URL.Path)
			msg := "missing bearer token"
			if code == CodeInvalidAPIKey {
				msg = "invalid api key"
			}
			httpx.Unauthorized(w, r, code, msg)
			return
		}

		if m.limiter != nil {
			if allowed, retryAfter := m.limiter.Allow(tenant, m.now()); !allowed {
				m.log.Warn("auth.rate_limited", "tenant", tenant)
				WriteRateLimited(w, r, retryAfter)
				return
			}
		}

		next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), tenant)))
	})
}

// BearerToken extracts the token from an Authorization: Bearer header.
func BearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return ""
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// WriteRateLimited writes a 429 with Retry-After rounded up to whole seconds.
func WriteRateLimited(w http.ResponseWriter, r *http.Request, retryAfter time.Duration) {
	if retryAfter > 0 {
		secs := int64((retryAfter + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	httpx.WriteError(w, r, errRateLimited)
}
