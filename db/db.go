package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

const schema = `
CREATE TABLE IF NOT EXISTS valve_durations (
	name TEXT PRIMARY KEY,
	duration INTEGER NOT NULL CHECK(duration > 0),
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS valve_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	valve TEXT NOT NULL,
	event TEXT NOT NULL,
	source TEXT NOT NULL,
	remaining INTEGER NOT NULL DEFAULT 0,
	at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_valve_events_valve_at ON valve_events (valve, at);
`

// Open opens the SQLite database at dbPath, creating the file and its parent
// directory if needed, and applies the schema.
func Open(dbPath string) (*sql.DB, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := ApplySchema(conn); err != nil {
		conn.Close()
		return nil, err
	}

	log.Info().Str("path", dbPath).Msg("Database ready")
	return conn, nil
}

func ApplySchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
