// Package store persists conversation history, the knowledge base used for
// context retrieval, reported user activity, and module context in SQLite.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store is a single-conversation SQLite store.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// Open creates or opens the database at path. The schema is created if it
// doesn't exist and parent directories are created if needed.
func Open(path string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "store.sqlite")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// modernc sqlite serializes writers; one connection avoids SQLITE_BUSY between pool members.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &Store{db: db, log: log}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	log.Info("SQLite store initialized", "path", path)
	return s, nil
}

func (s *Store) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			role TEXT NOT NULL,
			text TEXT NOT NULL,
			buttons TEXT,
			button_name TEXT,
			metadata TEXT,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS knowledge (
			agent TEXT NOT NULL DEFAULT '',
			key TEXT NOT NULL,
			examples TEXT NOT NULL DEFAULT '',
			knowledge TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL,
			PRIMARY KEY (agent, key)
		);

		CREATE TABLE IF NOT EXISTS user_activity (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			type TEXT NOT NULL,
			name TEXT NOT NULL,
			context TEXT,
			extra TEXT,
			occurred_at TEXT,
			recorded_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_user_activity_type
			ON user_activity(type, name);

		CREATE TABLE IF NOT EXISTS module_context (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			content TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// nullString returns nil for empty strings so optional columns stay NULL.
func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}
