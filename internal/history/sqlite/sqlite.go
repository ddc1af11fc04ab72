// Package sqlite provides a SQLite-backed [history.Store] using the pure-Go
// modernc.org/sqlite driver, suited to single-host deployments.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MrWong99/liveasr/internal/history"
)

// Compile-time interface check.
var _ history.Store = (*Store)(nil)

// Store wraps a SQLite utterance table. All methods are safe for concurrent
// use.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// Open creates the parent directory of path if needed, opens the database in
// WAL mode and ensures the schema exists.
func Open(ctx context.Context, path string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite store: create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: ping: %w", err)
	}

	s := &Store{db: db, log: log}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	log.Debug("sqlite store: opened", "path", path)
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS utterances (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    service TEXT NOT NULL DEFAULT '',
    language TEXT NOT NULL DEFAULT '',
    text TEXT NOT NULL,
    committed_ns INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_utterances_committed ON utterances(committed_ns);
CREATE INDEX IF NOT EXISTS idx_utterances_session ON utterances(session_id);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("sqlite store: init schema: %w", err)
	}
	return nil
}

// Append implements [history.Store].
func (s *Store) Append(ctx context.Context, u history.Utterance) error {
	if err := u.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO utterances(session_id, service, language, text, committed_ns)
		 VALUES(?, ?, ?, ?, ?)`,
		u.SessionID, u.Service, u.Language, u.Text, u.At.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("sqlite store: append: %w", err)
	}
	return nil
}

// Recent implements [history.Store].
func (s *Store) Recent(ctx context.Context, limit int) ([]history.Utterance, error) {
	limit, err := history.ClampLimit(limit)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, service, language, text, committed_ns
		 FROM utterances
		 ORDER BY committed_ns DESC, id DESC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: recent: %w", err)
	}
	defer rows.Close()

	var out []history.Utterance
	for rows.Next() {
		var (
			u  history.Utterance
			ns int64
		)
		if err := rows.Scan(&u.SessionID, &u.Service, &u.Language, &u.Text, &ns); err != nil {
			return nil, fmt.Errorf("sqlite store: scan: %w", err)
		}
		u.At = time.Unix(0, ns).UTC()
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite store: rows: %w", err)
	}
	return out, nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
