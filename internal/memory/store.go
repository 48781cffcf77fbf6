// Package memory persists long-term facts independently of conversation
// compaction. The remember tool writes entries; recall searches them. Facts
// are scoped per user and survive restarts.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go sqlite driver, registers as "sqlite"

	"github.com/haasonsaas/steward/internal/observability"
)

const schema = `
CREATE TABLE IF NOT EXISTS memories (
	id TEXT PRIMARY KEY,
	user_key TEXT NOT NULL,
	content TEXT NOT NULL,
	category TEXT NOT NULL DEFAULT 'fact',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memories_user ON memories(user_key, created_at);
`

// DefaultRecallLimit caps recall results when the caller passes no limit.
const DefaultRecallLimit = 10

// Entry is one remembered fact.
type Entry struct {
	ID        string    `json:"id"`
	UserKey   string    `json:"user_key"`
	Content   string    `json:"content"`
	Category  string    `json:"category"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the SQLite-backed long-term memory.
type Store struct {
	db     *sql.DB
	ownsDB bool
	logger *observability.Logger
	now    func() time.Time
}

// NewStore opens (or creates) the memory database at path. Empty path
// means in-memory, for tests.
func NewStore(path string, logger *observability.Logger) (*Store, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}
	// SQLite serializes writers; a single connection avoids lock contention.
	db.SetMaxOpenConns(1)

	store, err := NewStoreWithDB(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	store.ownsDB = true
	return store, nil
}

// NewStoreWithDB wraps an existing database handle, for deployments that
// share one SQLite file across stores. Close leaves the handle open.
func NewStoreWithDB(db *sql.DB, logger *observability.Logger) (*Store, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("init memory schema: %w", err)
	}
	return &Store{db: db, logger: logger, now: time.Now}, nil
}

// Remember stores one fact for userKey. Empty category defaults to "fact".
func (s *Store) Remember(ctx context.Context, userKey, content, category string) (*Entry, error) {
	if userKey == "" {
		return nil, fmt.Errorf("user key is required")
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("content is required")
	}
	if category == "" {
		category = "fact"
	}

	entry := &Entry{
		ID:        uuid.NewString(),
		UserKey:   userKey,
		Content:   content,
		Category:  category,
		CreatedAt: s.now(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memories (id, user_key, content, category, created_at) VALUES (?, ?, ?, ?, ?)`,
		entry.ID, entry.UserKey, entry.Content, entry.Category, entry.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("store memory: %w", err)
	}
	s.logger.Debug("memory stored", "user_key", userKey, "category", category, "memory_id", entry.ID)
	return entry, nil
}

// Recall returns userKey's entries whose content contains query, newest
// first. An empty query returns the most recent entries.
func (s *Store) Recall(ctx context.Context, userKey, query string, limit int) ([]*Entry, error) {
	if userKey == "" {
		return nil, fmt.Errorf("user key is required")
	}
	if limit <= 0 {
		limit = DefaultRecallLimit
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return s.Recent(ctx, userKey, limit)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_key, content, category, created_at FROM memories
		 WHERE user_key = ? AND content LIKE ? ESCAPE '\'
		 ORDER BY created_at DESC LIMIT ?`,
		userKey, "%"+escapeLike(query)+"%", limit,
	)
	if err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Recent returns userKey's newest entries.
func (s *Store) Recent(ctx context.Context, userKey string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = DefaultRecallLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_key, content, category, created_at FROM memories
		 WHERE user_key = ?
		 ORDER BY created_at DESC LIMIT ?`,
		userKey, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Close releases the database unless the handle is shared.
func (s *Store) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var out []*Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.UserKey, &e.Content, &e.Category, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memories: %w", err)
	}
	return out, nil
}

// escapeLike neutralizes LIKE wildcards in user-supplied queries.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
