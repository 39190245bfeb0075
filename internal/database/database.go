package database

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the SQL database connection
type DB struct {
	*sql.DB
}

// New creates a new sqlite database connection at the given path.
// Use ":memory:" for an ephemeral database in tests.
func New(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent cursor saves.
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(1 * time.Minute)

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		return nil, fmt.Errorf("failed to set pragmas: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Println("✅ SQLite database connected")

	return &DB{db}, nil
}

// Initialize creates all required tables
func (db *DB) Initialize() error {
	log.Println("🔍 Checking database schema...")

	schema := `
		CREATE TABLE IF NOT EXISTS cursors (
			project_key TEXT UNIQUE,
			"offset"    TEXT,
			timestamp   INTEGER,
			updated_at  INTEGER
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_cursors_project ON cursors(project_key);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	log.Println("✅ Database initialized successfully")
	return nil
}
