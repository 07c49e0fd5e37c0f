package history

import (
	"context"
	"sync"
	"time"
)

const memMaxRecordsPerSession = 10_000

// MemoryStore is the default store when no database is configured.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string][]Record
	now      func() time.Time
}

// NewMemoryStore constructs an in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string][]Record),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) Save(ctx context.Context, recs []Record) error {
	if err := validate(recs); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	recs = append([]Record(nil), recs...)
	stamp(recs, s.now())

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range recs {
		list := append(s.sessions[r.SessionKey], r)
		// Bound memory to avoid unbounded growth.
		if len(list) > memMaxRecordsPerSession {
			list = list[len(list)-memMaxRecordsPerSession:]
		}
		s.sessions[r.SessionKey] = list
	}
	return nil
}

func (s *MemoryStore) History(ctx context.Context, q Query) (Page, error) {
	if q.SessionKey == "" {
		return Page{}, ErrMissingSession
	}
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}
	limit := clampLimit(q.Limit)
	offset := max(q.Offset, 0)

	s.mu.Lock()
	list := s.sessions[q.SessionKey]
	var out []Record
	if offset < len(list) {
		end := min(offset+limit, len(list))
		out = append([]Record(nil), list[offset:end]...)
	}
	hasMore := offset+limit < len(list)
	s.mu.Unlock()

	return Page{Records: out, HasMore: hasMore}, nil
}

func (s *MemoryStore) DeleteSession(ctx context.Context, sessionKey string) (int, error) {
	if sessionKey == "" {
		return 0, ErrMissingSession
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.sessions[sessionKey])
	delete(s.sessions, sessionKey)
	return n, nil
}
