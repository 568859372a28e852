package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/devblac/da-verifier/internal/queue"
	_ "modernc.org/sqlite"
)

// feedKey names the single DA feed whose cursor this store tracks.
const feedKey = "da-feed"

// Store wraps SQLite-backed persistence for the feed cursor, failed submissions, and retry tasks.
type Store struct {
	db *sql.DB
}

// Open initializes a SQLite database and runs minimal schema setup.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("db path required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := configure(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	return s.db.PingContext(ctx)
}

func configure(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pragmas := []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("set pragma %q: %w", p, err)
		}
	}
	return nil
}

func migrate(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	schema := `
CREATE TABLE IF NOT EXISTS cursors (
  feed_id     TEXT PRIMARY KEY,
  end_cursor  TEXT NOT NULL,
  updated_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS failed_submissions (
  tx_id       TEXT PRIMARY KEY,
  kind        TEXT NOT NULL,
  message     TEXT,
  attempts    INTEGER NOT NULL DEFAULT 1,
  created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS retry_tasks (
  id          TEXT PRIMARY KEY,
  payload     BLOB NOT NULL,
  ready_at    TIMESTAMP NOT NULL,
  created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS retry_tasks_ready_at ON retry_tasks (ready_at);
`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// SaveEndCursor records the feed position after the last fully handled page.
func (s *Store) SaveEndCursor(ctx context.Context, cursor string) error {
	if cursor == "" {
		return errors.New("cursor required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO cursors (feed_id, end_cursor, updated_at)
VALUES (?, ?, CURRENT_TIMESTAMP)
ON CONFLICT(feed_id) DO UPDATE SET
  end_cursor=excluded.end_cursor,
  updated_at=CURRENT_TIMESTAMP;
`, feedKey, cursor)
	if err != nil {
		return fmt.Errorf("save end cursor: %w", err)
	}
	return nil
}

// GetLastEndCursor returns the persisted cursor; ok is false before the first save.
func (s *Store) GetLastEndCursor(ctx context.Context) (cursor string, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `
SELECT end_cursor FROM cursors WHERE feed_id = ?;
`, feedKey)
	switch err = row.Scan(&cursor); err {
	case nil:
		return cursor, true, nil
	case sql.ErrNoRows:
		return "", false, nil
	default:
		return "", false, fmt.Errorf("get end cursor: %w", err)
	}
}

// CursorUpdatedAt reports when the cursor last moved; zero before the first save.
func (s *Store) CursorUpdatedAt(ctx context.Context) (time.Time, error) {
	var at time.Time
	err := s.db.QueryRowContext(ctx, `
SELECT updated_at FROM cursors WHERE feed_id = ?;
`, feedKey).Scan(&at)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("cursor updated_at: %w", err)
	}
	return at, nil
}

// WithTx executes a callback inside a transaction for callers needing atomicity.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// PutTask stores or replaces a retry task.
func (s *Store) PutTask(ctx context.Context, rec queue.Record) error {
	if rec.ID == "" {
		return errors.New("task id required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO retry_tasks (id, payload, ready_at)
VALUES (?, ?, ?)
ON CONFLICT(id) DO UPDATE SET payload=excluded.payload, ready_at=excluded.ready_at;
`, rec.ID, rec.Payload, rec.ReadyAt.UTC())
	if err != nil {
		return fmt.Errorf("put retry task: %w", err)
	}
	return nil
}

// DeleteTask removes a retry task once it has run.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM retry_tasks WHERE id = ?;`, id); err != nil {
		return fmt.Errorf("delete retry task: %w", err)
	}
	return nil
}

// PendingTasks lists every stored retry task ordered by ready time.
func (s *Store) PendingTasks(ctx context.Context) ([]queue.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, payload, ready_at FROM retry_tasks ORDER BY ready_at, id;
`)
	if err != nil {
		return nil, fmt.Errorf("list retry tasks: %w", err)
	}
	defer rows.Close()

	var out []queue.Record
	for rows.Next() {
		var rec queue.Record
		if err := rows.Scan(&rec.ID, &rec.Payload, &rec.ReadyAt); err != nil {
			return nil, fmt.Errorf("scan retry task: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
