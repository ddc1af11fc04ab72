// Package postgres provides a PostgreSQL-backed [history.Store] using a
// [pgxpool.Pool].
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//	_ = store.Append(ctx, u)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/liveasr/internal/history"
)

// Compile-time interface check.
var _ history.Store = (*Store)(nil)

const ddlUtterances = `
CREATE TABLE IF NOT EXISTS utterances (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL,
    service     TEXT         NOT NULL DEFAULT '',
    language    TEXT         NOT NULL DEFAULT '',
    text        TEXT         NOT NULL,
    committed   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_utterances_session_id
    ON utterances (session_id);

CREATE INDEX IF NOT EXISTS idx_utterances_committed
    ON utterances (committed);
`

// Migrate creates the utterances table and its indexes. It is idempotent and
// safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlUtterances); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}

// Store is a PostgreSQL-backed utterance history. All methods are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, verifies the connection and runs
// [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Append implements [history.Store].
func (s *Store) Append(ctx context.Context, u history.Utterance) error {
	if err := u.Validate(); err != nil {
		return err
	}
	const q = `
		INSERT INTO utterances (session_id, service, language, text, committed)
		VALUES ($1, $2, $3, $4, $5)`

	if _, err := s.pool.Exec(ctx, q, u.SessionID, u.Service, u.Language, u.Text, u.At); err != nil {
		return fmt.Errorf("postgres store: append: %w", err)
	}
	return nil
}

// Recent implements [history.Store].
func (s *Store) Recent(ctx context.Context, limit int) ([]history.Utterance, error) {
	limit, err := history.ClampLimit(limit)
	if err != nil {
		return nil, err
	}
	const q = `
		SELECT session_id, service, language, text, committed
		FROM   utterances
		ORDER  BY committed DESC, id DESC
		LIMIT  $1`

	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: recent: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (history.Utterance, error) {
		var u history.Utterance
		err := row.Scan(&u.SessionID, &u.Service, &u.Language, &u.Text, &u.At)
		return u, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan: %w", err)
	}
	return out, nil
}

// Ping acquires a connection and verifies the server responds.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the pool. It always returns nil.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
