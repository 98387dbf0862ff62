// Package store persists the core's entities in sqlite. It follows the
// teacher's raw-SQL idiom deliberately: an ORM would obscure the exact
// row-count and sequence-number checks the orchestrator's invariants need.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// ErrRecordNotFound is returned by any lookup that finds no matching row.
var ErrRecordNotFound = errors.New("record not found")

const schema = `
CREATE TABLE IF NOT EXISTS projects (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	repo_full_name     TEXT NOT NULL,
	installation_id    TEXT,
	docker_image       TEXT,
	timeout_minutes    INTEGER NOT NULL DEFAULT 30,
	profile            TEXT,
	available_profiles TEXT NOT NULL DEFAULT '',
	notify_on_failure  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS secrets (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id      INTEGER NOT NULL,
	name            TEXT NOT NULL,
	encrypted_value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS builds (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id     INTEGER NOT NULL,
	branch         TEXT NOT NULL,
	commit_sha     TEXT NOT NULL,
	queued_at      DATETIME NOT NULL,
	started_at     DATETIME,
	finished_at    DATETIME,
	steps_total    INTEGER NOT NULL DEFAULT 0,
	steps_completed INTEGER NOT NULL DEFAULT 0,
	steps_failed   INTEGER NOT NULL DEFAULT 0,
	status         TEXT NOT NULL DEFAULT 'queued',
	error_message  TEXT
);

CREATE TABLE IF NOT EXISTS build_log_entries (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	build_id   INTEGER NOT NULL,
	sequence   INTEGER NOT NULL,
	type       TEXT NOT NULL,
	message    TEXT NOT NULL,
	step_name  TEXT,
	timestamp  DATETIME NOT NULL,
	UNIQUE(build_id, sequence)
);

CREATE TABLE IF NOT EXISTS build_artifacts (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	build_id     INTEGER NOT NULL,
	name         TEXT NOT NULL,
	storage_path TEXT NOT NULL,
	size_bytes   INTEGER NOT NULL,
	created_at   DATETIME NOT NULL,
	expires_at   DATETIME NOT NULL
);
`

// Store wraps the sqlite connection handed to every per-entity persistence
// method in this package. connection is unexported: all access goes through
// this package's own methods, mirroring the teacher's wrapping style.
type Store struct {
	connection *sql.DB
	logger     *slog.Logger
}

// scanner is satisfied by both *sql.Row and *sql.Rows, letting the same scan
// helper serve single-row and multi-row queries.
type scanner interface {
	Scan(dest ...any) error
}

// Open creates the parent directory for dbPath if needed, opens the sqlite
// connection (capped to a single open connection — sqlite only supports one
// writer at a time), and runs the schema migration.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	connection, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	connection.SetMaxOpenConns(1)

	store := &Store{connection: connection, logger: logger}
	if err := store.migrate(); err != nil {
		connection.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *Store) migrate() error {
	_, err := s.connection.Exec(schema)
	return err
}

// Close releases the underlying sqlite connection.
func (s *Store) Close() error {
	return s.connection.Close()
}
