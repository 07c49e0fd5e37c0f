package auth

import (
	"sync"
	"time"

	"adkgw/cmd/internal/apierr"

	"github.com/alphadose/haxmap"
)

var errRateLimited = apierr.New("auth.ratelimit", apierr.ErrRateLimited, "too many requests")

// window is a sliding-window counter for one tenant.
type window struct {
	mu     sync.Mutex
	events []time.Time
	last   time.Time
}

// TenantLimiter is a per-tenant sliding-window limiter. A limit <= 0 disables it.
type TenantLimiter struct {
	limit   int
	window  time.Duration
	windows *haxmap.Map[string, *window]
}

// NewTenantLimiter constructs a TenantLimiter.
func NewTenantLimiter(limit int, win time.Duration) *TenantLimiter {
	if win <= 0 {
		win = time.Minute
	}
	return &TenantLimiter{
		limit:   limit,
		window:  win,
		windows: haxmap.New[string, *window](),
	}
}

// Allow reports whether an event for tenant at time now should be permitted.
// When denied, retryAfter is the time until the oldest event leaves the window.
func (l *TenantLimiter) Allow(tenant string, now time.Time) (allowed bool, retryAfter time.Duration) {
	if l == nil || l.limit <= 0 {
		return true, 0
	}
	w, _ := l.windows.GetOrCompute(tenant, func() *window {
		return &window{events: make([]time.Time, 0, l.limit)}
	})

	w.mu.Lock()
	defer w.mu.Unlock()

	cut := now.Add(-l.window)
	dst := w.events[:0]
	for _, t := range w.events {
		if t.After(cut) {
			dst = append(dst, t)
		}
	}
	w.events = dst
	w.last = now

	if len(w.events) >= l.limit {
		return false, w.events[0].Sub(cut)
	}
	w.events = append(w.events, now)
	return true, 0
}

// Prune drops tenants with no events inside the window as of now.
func (l *TenantLimiter) Prune(now time.Time) int {
	if l == nil {
		return 0
	}
	cut := now.Add(-l.window)
	var stale []string
	l.windows.ForEach(func(tenant string, w *window) bool {
		w.mu.Lock()
		idle := !w.last.After(cut)
		w.mu.Unlock()
		if idle {
			stale = append(stale, tenant)
		}
		return true
	})
	for _, t := range stale {
		l.windows.Del(t)
	}
	return len(stale)
}
