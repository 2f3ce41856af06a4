package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	_ "modernc.org/sqlite"
	"os"
	"path/filepath"
	"time"
)

type migration struct {
	version int
	name    string
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		name:    "create sessions table",
		sql: `
CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	host_username TEXT NOT NULL,
	created_at TEXT NOT NULL,
	active INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_sessions_active_created_at ON sessions(active, created_at);
`,
	},
}

// SQLite is a Store that survives process restarts.
type SQLite struct {
	conn *sql.DB
}

func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory %q: %w", dir, err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database at %q: %w", path, err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return &SQLite{conn: conn}, nil
}

func runMigrations(ctx context.Context, conn *sql.DB) error {
	if _, err := conn.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	name TEXT NOT NULL
)`); err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	var current int
	if err := conn.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).
		Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}

		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", m.version, err)
		}

		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to apply migration %d (%q): %w", m.version, m.name, err)
		}

		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, name) VALUES (?, ?)`,
			m.version, m.name); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.version, err)
		}
	}

	return nil
}

func (store *SQLite) Put(ctx context.Context, record Record) error {
	_, err := store.conn.ExecContext(ctx, `
INSERT INTO sessions (session_id, host_username, created_at, active)
VALUES (?, ?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET
	host_username = excluded.host_username,
	created_at = excluded.created_at,
	active = excluded.active
`, record.SessionID, record.HostUsername, formatTimestamp(record.CreatedAt), boolToInt(record.Active))
	if err != nil {
		return fmt.Errorf("failed to put session %q: %w", record.SessionID, err)
	}

	return nil
}

func (store *SQLite) Get(ctx context.Context, sessionID string) (*Record, error) {
	var record Record
	var createdAtRaw string
	var activeInt int

	err := store.conn.QueryRowContext(ctx, `
SELECT session_id, host_username, created_at, active
FROM sessions
WHERE session_id = ?
`, sessionID).Scan(&record.SessionID, &record.HostUsername, &createdAtRaw, &activeInt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session %q: %w", sessionID, err)
	}

	record.Active = activeInt != 0
	record.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtRaw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse creation time of session %q: %w", sessionID, err)
	}

	return &record, nil
}

func (store *SQLite) SetActive(ctx context.Context, sessionID string, active bool) error {
	result, err := store.conn.ExecContext(ctx, `UPDATE sessions SET active = ? WHERE session_id = ?`,
		boolToInt(active), sessionID)
	if err != nil {
		return fmt.Errorf("failed to update session %q: %w", sessionID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update session %q: %w", sessionID, err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

func (store *SQLite) ListActiveBefore(ctx context.Context, cutoff time.Time) ([]Record, error) {
	rows, err := store.conn.QueryContext(ctx, `
SELECT session_id, host_username, created_at
FROM sessions
WHERE active = 1 AND created_at < ?
ORDER BY created_at
`, formatTimestamp(cutoff))
	if err != nil {
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}
	defer rows.Close()

	var result []Record

	for rows.Next() {
		record := Record{Active: true}
		var createdAtRaw string

		if err := rows.Scan(&record.SessionID, &record.HostUsername, &createdAtRaw); err != nil {
			return nil, fmt.Errorf("failed to list active sessions: %w", err)
		}

		record.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtRaw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse creation time of session %q: %w", record.SessionID, err)
		}

		result = append(result, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}

	return result, nil
}

func (store *SQLite) DeleteInactiveBefore(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := store.conn.ExecContext(ctx, `DELETE FROM sessions WHERE active = 0 AND created_at < ?`,
		formatTimestamp(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to delete inactive sessions: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to delete inactive sessions: %w", err)
	}

	return int(affected), nil
}

func (store *SQLite) Close() error {
	if store == nil || store.conn == nil {
		return nil
	}

	return store.conn.Close()
}

// Fixed-width UTC timestamps compare correctly as strings
func formatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}

	return 0
}
