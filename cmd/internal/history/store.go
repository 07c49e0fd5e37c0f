// Package history persists exchange records for observability and for the
// session history endpoint. The request path only writes; reads serve the
// HTTP surface.
package history

import (
	"context"
	"errors"
	"time"
)

// Roles recorded for each exchange.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Record is one side of one exchange.
//
// SessionKey is the backend session id, which stays stable across the turns
// of a conversation. DerivedKey is the key derived for this request; for
// fingerprint-derived sessions it changes every turn.
type Record struct {
	RequestID   string    `json:"request_id"`
	Tenant      string    `json:"tenant"`
	SessionKey  string    `json:"session_key"`
	DerivedKey  string    `json:"derived_key"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	ContentType string    `json:"content_type"`
	Model       string    `json:"model"`
	LatencyMS   int64     `json:"latency_ms"`
	CreatedAt   time.Time `json:"created_at"`
}

// Sink receives the records of one exchange, user record first.
type Sink interface {
	Save(ctx context.Context, recs []Record) error
}

// Page is one window of a session's history, oldest first.
type Page struct {
	Records []Record
	HasMore bool
}

// Query selects a history window.
type Query struct {
	SessionKey string
	Limit      int
	Offset     int
}

// Store is a Sink that can also read and delete.
type Store interface {
	Sink
	History(ctx context.Context, q Query) (Page, error)
	DeleteSession(ctx context.Context, sessionKey string) (int, error)
	Close() error
}

var (
	// ErrInvalidRecord is returned for records missing the session key or role.
	ErrInvalidRecord = errors.New("history: invalid record")
	// ErrMissingSession is returned for queries without a session key.
	ErrMissingSession = errors.New("history: missing session key")
)

const (
	defaultLimit = 50
	maxLimit     = 200
)

func clampLimit(n int) int {
	if n <= 0 {
		return defaultLimit
	}
	if n > maxLimit {
		return maxLimit
	}
	return n
}

func validate(recs []Record) error {
	for _, r := range recs {
		if r.SessionKey == "" || r.Role == "" {
			return ErrInvalidRecord
		}
	}
	return nil
}

func stamp(recs []Record, now time.Time) {
	for i := range recs {
		if recs[i].CreatedAt.IsZero() {
			recs[i].CreatedAt = now
		}
	}
}
