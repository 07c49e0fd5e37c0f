package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a single-file Store for deployments without Postgres.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (and creates) the database at path and applies the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("history: empty sqlite path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("history: create sqlite dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, err
	}
	// One writer; avoids SQLITE_BUSY under concurrent saves.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id    TEXT PRIMARY KEY,
			user_id       TEXT NOT NULL,
			app_name      TEXT NOT NULL DEFAULT '',
			created_at    TIMESTAMP NOT NULL,
			updated_at    TIMESTAMP NOT NULL,
			message_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id      TEXT NOT NULL REFERENCES sessions (session_id) ON DELETE CASCADE,
			request_id      TEXT NOT NULL DEFAULT '',
			derived_key     TEXT NOT NULL DEFAULT '',
			role            TEXT NOT NULL,
			content         TEXT NOT NULL,
			content_type    TEXT NOT NULL DEFAULT 'text',
			model           TEXT NOT NULL DEFAULT '',
			latency_ms      INTEGER NOT NULL DEFAULT 0,
			created_at      TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS messages_session_id_idx ON messages (session_id, id)`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("history migrate: %w", err)
		}
	}
	return nil
}

// Ping checks the database handle.
func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Save(ctx context.Context, recs []Record) error {
	if err := validate(recs); err != nil {
		return err
	}
	if len(recs) == 0 {
		return nil
	}
	now := s.now()
	recs = append([]Record(nil), recs...)
	stamp(recs, now)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, r := range recs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (session_id, user_id, app_name, created_at, updated_at, message_count)
			 VALUES (?, ?, ?, ?, ?, 1)
			 ON CONFLICT (session_id) DO UPDATE
			    SET updated_at = excluded.updated_at,
			        message_count = sessions.message_count + 1`,
			r.SessionKey, r.Tenant, r.Model, now, now,
		); err != nil {
			return fmt.Errorf("upsert session: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (
			     session_id, request_id, derived_key, role, content, content_type, model, latency_ms, created_at
			   ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.SessionKey, r.RequestID, r.DerivedKey, r.Role, r.Content, r.ContentType, r.Model, r.LatencyMS, r.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) History(ctx context.Context, q Query) (Page, error) {
	if q.SessionKey == "" {
		return Page{}, ErrMissingSession
	}
	limit := clampLimit(q.Limit)
	fetch := limit + 1

	rows, err := s.db.QueryContext(ctx,
		`SELECT m.request_id, s.user_id, m.session_id, m.derived_key, m.role, m.content,
		        m.content_type, m.model, m.latency_ms, m.created_at
		   FROM messages m
		   JOIN sessions s ON s.session_id = m.session_id
		  WHERE m.session_id = ?
		  ORDER BY m.id ASC
		  LIMIT ? OFFSET ?`,
		q.SessionKey, fetch, max(q.Offset, 0),
	)
	if err != nil {
		return Page{}, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]Record, 0, fetch)
	for rows.Next() {
		var r Record
		if err := rows.Scan(
			&r.RequestID,
			&r.Tenant,
			&r.SessionKey,
			&r.DerivedKey,
			&r.Role,
			&r.Content,
			&r.ContentType,
			&r.Model,
			&r.LatencyMS,
			&r.CreatedAt,
		); err != nil {
			return Page{}, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return Page{}, err
	}

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	return Page{Records: out, HasMore: hasMore}, nil
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionKey string) (int, error) {
	if sessionKey == "" {
		return 0, ErrMissingSession
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`DELETE FROM sessions WHERE session_id = ? RETURNING message_count`,
		sessionKey,
	).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}
