// Package sqlite stores pipeline state and, optionally, the rows themselves
// in a single SQLite file.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// CurrentSchemaVersion is the latest schema version.
// Bump this when adding migrations.
const CurrentSchemaVersion = 2

// Open opens (creating if needed) the database at path and migrates it.
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// Pragmas in the connection string apply to every pooled connection.
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Single writer.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// migrate applies schema migrations based on user_version.
func migrate(db *sql.DB) error {
	version, err := GetUserVersion(db)
	if err != nil {
		return err
	}

	// Migration 0 -> 1: state tables and row store tables
	if version < 1 {
		schema := `
		CREATE TABLE IF NOT EXISTS progress_cursors (
		  pipeline             TEXT PRIMARY KEY,
		  last_processed_index INTEGER NOT NULL DEFAULT 0,
		  total_rows           INTEGER NOT NULL DEFAULT 0,
		  updated_at           INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS header_cache (
		  pipeline       TEXT PRIMARY KEY,
		  fields_json    TEXT NOT NULL,
		  version        INTEGER NOT NULL,
		  refreshed_at   INTEGER NOT NULL,
		  selection_json TEXT
		);

		CREATE TABLE IF NOT EXISTS case_results (
		  pipeline    TEXT NOT NULL,
		  case_id     TEXT NOT NULL,
		  status      TEXT NOT NULL,
		  labels_json TEXT,
		  error       TEXT NOT NULL DEFAULT '',
		  attempts    INTEGER NOT NULL DEFAULT 0,
		  retry_count INTEGER NOT NULL DEFAULT 0,
		  updated_at  INTEGER NOT NULL,
		  PRIMARY KEY (pipeline, case_id)
		);

		CREATE INDEX IF NOT EXISTS idx_case_results_status
		ON case_results(pipeline, status, retry_count, updated_at);

		CREATE TABLE IF NOT EXISTS sheet_headers (
		  sheet       TEXT PRIMARY KEY,
		  fields_json TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS sheet_rows (
		  sheet      TEXT NOT NULL,
		  position   REAL NOT NULL,
		  cells_json TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sheet_rows_position
		ON sheet_rows(sheet, position);
		`
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("migration 1 failed: %w", err)
		}
		if err := SetUserVersion(db, 1); err != nil {
			return err
		}
	}

	// Migration 1 -> 2: per-label comparison with the replaced cell
	if version < 2 {
		if _, err := db.Exec(`ALTER TABLE case_results ADD COLUMN comparison_json TEXT`); err != nil {
			return fmt.Errorf("migration 2 failed: %w", err)
		}
		if err := SetUserVersion(db, 2); err != nil {
			return err
		}
	}

	return nil
}

// GetUserVersion returns the current schema version (user_version pragma).
func GetUserVersion(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get user_version: %w", err)
	}
	return version, nil
}

// SetUserVersion sets the schema version (user_version pragma).
func SetUserVersion(db *sql.DB, version int) error {
	_, err := db.Exec(fmt.Sprintf("PRAGMA user_version=%d", version))
	if err != nil {
		return fmt.Errorf("failed to set user_version: %w", err)
	}
	return nil
}
