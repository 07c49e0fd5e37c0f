package history

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "adkgw").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("history: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("history: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "adkgw",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("history: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// Migrate creates the schema and tables when missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	sessions := pgIdent(s.schema, "sessions")
	messages := pgIdent(s.schema, "messages")
	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + pgx.Identifier{s.schema}.Sanitize(),
		`CREATE TABLE IF NOT EXISTS ` + sessions + ` (
			session_id    text PRIMARY KEY,
			user_id       text NOT NULL,
			app_name      text NOT NULL DEFAULT '',
			created_at    timestamptz NOT NULL DEFAULT now(),
			updated_at    timestamptz NOT NULL DEFAULT now(),
			message_count bigint NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS ` + messages + ` (
			id              bigserial PRIMARY KEY,
			session_id      text NOT NULL REFERENCES ` + sessions + ` (session_id) ON DELETE CASCADE,
			request_id      text NOT NULL DEFAULT '',
			derived_key     text NOT NULL DEFAULT '',
			role            text NOT NULL,
			content         text NOT NULL,
			content_type    text NOT NULL DEFAULT 'text',
			model           text NOT NULL DEFAULT '',
			latency_ms      bigint NOT NULL DEFAULT 0,
			created_at      timestamptz NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS messages_session_id_idx ON ` + messages + ` (session_id, id)`,
	}
	for _, q := range stmts {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("history migrate: %w", err)
		}
	}
	return nil
}

// Save writes the records of one exchange in a single transaction.
func (s *PostgresStore) Save(ctx context.Context, recs []Record) error {
	if s == nil || s.pool == nil {
		return errors.New("history: nil store")
	}
	if err := validate(recs); err != nil {
		return err
	}
	if len(recs) == 0 {
		return nil
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	sessions := pgIdent(s.schema, "sessions")
	messages := pgIdent(s.schema, "messages")

	counts := map[string]int{}
	for _, r := range recs {
		counts[r.SessionKey]++
	}
	for _, r := range recs {
		n, ok := counts[r.SessionKey]
		if !ok {
			continue
		}
		delete(counts, r.SessionKey)
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+sessions+` AS s (session_id, user_id, app_name, message_count)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (session_id) DO UPDATE
			    SET updated_at = now(),
			        message_count = s.message_count + EXCLUDED.message_count`,
			r.SessionKey, r.Tenant, r.Model, n,
		); err != nil {
			return fmt.Errorf("upsert session: %w", err)
		}
	}

	batch := &pgx.Batch{}
	for _, r := range recs {
		batch.Queue(
			`INSERT INTO `+messages+` (
			     session_id, request_id, derived_key, role, content, content_type, model, latency_ms, created_at
			   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9::timestamptz, now()))`,
			r.SessionKey, r.RequestID, r.DerivedKey, r.Role, r.Content, r.ContentType, r.Model, r.LatencyMS, nullTime(r),
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert messages: %w", err)
	}
	return tx.Commit(ctx)
}

// History returns records ordered by insertion.
func (s *PostgresStore) History(ctx context.Context, q Query) (Page, error) {
	if s == nil || s.pool == nil {
		return Page{}, errors.New("history: nil store")
	}
	if q.SessionKey == "" {
		return Page{}, ErrMissingSession
	}
	limit := clampLimit(q.Limit)
	fetch := limit + 1

	sessions := pgIdent(s.schema, "sessions")
	messages := pgIdent(s.schema, "messages")

	rows, err := s.pool.Query(ctx,
		`SELECT m.request_id, s.user_id, m.session_id, m.derived_key, m.role, m.content,
		        m.content_type, m.model, m.latency_ms, m.created_at
		   FROM `+messages+` m
		   JOIN `+sessions+` s ON s.session_id = m.session_id
		  WHERE m.session_id = $1
		  ORDER BY m.id ASC
		  LIMIT $2 OFFSET $3`,
		q.SessionKey, fetch, max(q.Offset, 0),
	)
	if err != nil {
		return Page{}, err
	}
	defer rows.Close()

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

// DeleteSession removes a session row; messages cascade.
func (s *PostgresStore) DeleteSession(ctx context.Context, sessionKey string) (int, error) {
	if s == nil || s.pool == nil {
		return 0, errors.New("history: nil store")
	}
	if sessionKey == "" {
		return 0, ErrMissingSession
	}
	var n int64
	err := s.pool.QueryRow(ctx,
		`DELETE FROM `+pgIdent(s.schema, "sessions")+`
		  WHERE session_id = $1
		RETURNING message_count`,
		sessionKey,
	).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return int(n), err
}

func nullTime(r Record) any {
	if r.CreatedAt.IsZero() {
		return nil
	}
	return r.CreatedAt
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
