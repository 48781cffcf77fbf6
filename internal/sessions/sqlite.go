package sessions

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // pure-Go sqlite driver, registers as "sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	user_key TEXT NOT NULL,
	started_at TIMESTAMP NOT NULL,
	last_active_at TIMESTAMP NOT NULL,
	is_active BOOLEAN NOT NULL DEFAULT TRUE
);
CREATE INDEX IF NOT EXISTS idx_sessions_user_active ON sessions(user_key, is_active, last_active_at);
CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	tool_calls TEXT,
	tool_call_id TEXT,
	tool_name TEXT,
	metadata TEXT,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at);
`

// NewSQLiteStore opens (creating if needed) a SQLite-backed store at path.
// An empty path keeps everything in memory, which is what the tests use.
func NewSQLiteStore(path string) (*SQLStore, error) {
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serializes writers; a single connection avoids lock contention
	// errors under concurrent appends.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	store, err := newSQLStore(db, placeholderQuestion)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}
