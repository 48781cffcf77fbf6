package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/steward/pkg/models"
)

// placeholderStyle selects the bind-parameter syntax of the backing driver.
type placeholderStyle int

const (
	placeholderDollar   placeholderStyle = iota // postgres: $1, $2, ...
	placeholderQuestion                         // sqlite: ?
)

var dollarParam = regexp.MustCompile(`\$\d+`)

// rebind rewrites $N placeholders for drivers that want ?.
func rebind(style placeholderStyle, query string) string {
	if style == placeholderDollar {
		return query
	}
	return dollarParam.ReplaceAllString(query, "?")
}

// SQLStore implements Store over database/sql. The SQLite and Postgres
// stores are this type with different drivers, schemas, and placeholder
// styles.
type SQLStore struct {
	db *sql.DB

	stmtCreateSession *sql.Stmt
	stmtGetSession    *sql.Stmt
	stmtActiveSession *sql.Stmt
	stmtTouchSession  *sql.Stmt
	stmtCloseSession  *sql.Stmt
	stmtCountActive   *sql.Stmt
	stmtAppendMessage *sql.Stmt
	stmtHistoryAll    *sql.Stmt
	stmtHistoryRecent *sql.Stmt
}

// DB exposes the underlying connection for related stores sharing one
// database file.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func newSQLStore(db *sql.DB, style placeholderStyle) (*SQLStore, error) {
	s := &SQLStore{db: db}
	if err := s.prepareStatements(style); err != nil {
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}
	return s, nil
}

func (s *SQLStore) prepareStatements(style placeholderStyle) error {
	prepare := func(dst **sql.Stmt, name, query string) error {
		stmt, err := s.db.Prepare(rebind(style, query))
		if err != nil {
			return fmt.Errorf("failed to prepare %s: %w", name, err)
		}
		*dst = stmt
		return nil
	}

	steps := []struct {
		dst   **sql.Stmt
		name  string
		query string
	}{
		{&s.stmtCreateSession, "create session", `
			INSERT INTO sessions (id, user_key, started_at, last_active_at, is_active)
			VALUES ($1, $2, $3, $4, $5)`},
		{&s.stmtGetSession, "get session", `
			SELECT id, user_key, started_at, last_active_at, is_active
			FROM sessions WHERE id = $1`},
		{&s.stmtActiveSession, "active session", `
			SELECT id, user_key, started_at, last_active_at, is_active
			FROM sessions
			WHERE user_key = $1 AND is_active
			ORDER BY last_active_at DESC
			LIMIT 1`},
		{&s.stmtTouchSession, "touch session", `
			UPDATE sessions SET last_active_at = $1 WHERE id = $2`},
		{&s.stmtCloseSession, "close session", `
			UPDATE sessions SET is_active = FALSE WHERE id = $1`},
		{&s.stmtCountActive, "count active", `
			SELECT COUNT(*) FROM sessions WHERE is_active`},
		{&s.stmtAppendMessage, "append message", `
			INSERT INTO messages (id, session_id, role, content, tool_calls, tool_call_id, tool_name, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`},
		{&s.stmtHistoryAll, "history all", `
			SELECT id, role, content, tool_calls, tool_call_id, tool_name, metadata, created_at
			FROM messages WHERE session_id = $1
			ORDER BY created_at`},
		{&s.stmtHistoryRecent, "history recent", `
			SELECT id, role, content, tool_calls, tool_call_id, tool_name, metadata, created_at
			FROM messages WHERE session_id = $1
			ORDER BY created_at DESC
			LIMIT $2`},
	}
	for _, st := range steps {
		if err := prepare(st.dst, st.name, st.query); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) CreateSession(ctx context.Context, session *models.Session) error {
	if session.ID == "" {
		return fmt.Errorf("session ID is required")
	}
	_, err := s.stmtCreateSession.ExecContext(ctx,
		session.ID,
		session.UserKey,
		session.StartedAt,
		session.LastActiveAt,
		session.IsActive,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (s *SQLStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	return scanSession(s.stmtGetSession.QueryRowContext(ctx, id))
}

func (s *SQLStore) ActiveSession(ctx context.Context, userKey string) (*models.Session, error) {
	return scanSession(s.stmtActiveSession.QueryRowContext(ctx, userKey))
}

func scanSession(row *sql.Row) (*models.Session, error) {
	session := &models.Session{}
	err := row.Scan(
		&session.ID,
		&session.UserKey,
		&session.StartedAt,
		&session.LastActiveAt,
		&session.IsActive,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	return session, nil
}

func (s *SQLStore) TouchSession(ctx context.Context, id string, at time.Time) error {
	result, err := s.stmtTouchSession.ExecContext(ctx, at, id)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) CloseSession(ctx context.Context, id string) error {
	if _, err := s.stmtCloseSession.ExecContext(ctx, id); err != nil {
		return fmt.Errorf("failed to close session: %w", err)
	}
	return nil
}

func (s *SQLStore) CountActive(ctx context.Context) (int, error) {
	var n int
	if err := s.stmtCountActive.QueryRowContext(ctx).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return n, nil
}

// AppendMessage inserts the message and bumps the session's last_active_at
// in one transaction.
func (s *SQLStore) AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	toolCallsJSON, err := json.Marshal(msg.ToolCalls)
	if err != nil {
		return fmt.Errorf("failed to marshal tool calls: %w", err)
	}
	metadataJSON, err := json.Marshal(msg.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback() // no-op after commit
	}()

	_, err = tx.StmtContext(ctx, s.stmtAppendMessage).ExecContext(ctx,
		msg.ID,
		sessionID,
		msg.Role,
		msg.Content,
		toolCallsJSON,
		msg.ToolCallID,
		msg.ToolName,
		metadataJSON,
		msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}

	_, err = tx.StmtContext(ctx, s.stmtTouchSession).ExecContext(ctx, msg.CreatedAt, sessionID)
	if err != nil {
		return fmt.Errorf("failed to update session timestamp: %w", err)
	}

	return tx.Commit()
}

func (s *SQLStore) History(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = s.stmtHistoryRecent.QueryContext(ctx, sessionID, limit)
	} else {
		rows, err = s.stmtHistoryAll.QueryContext(ctx, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get history: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		msg := &models.Message{}
		var toolCallsJSON, metadataJSON []byte
		var role string

		err := rows.Scan(
			&msg.ID,
			&role,
			&msg.Content,
			&toolCallsJSON,
			&msg.ToolCallID,
			&msg.ToolName,
			&metadataJSON,
			&msg.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Role = models.Role(role)

		if len(toolCallsJSON) > 0 && string(toolCallsJSON) != "null" {
			if err := json.Unmarshal(toolCallsJSON, &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("failed to unmarshal tool calls: %w", err)
			}
		}
		if len(metadataJSON) > 0 && string(metadataJSON) != "null" {
			if err := json.Unmarshal(metadataJSON, &msg.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
			}
		}

		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	// Recent queries come back newest first; flip to chronological.
	if limit > 0 {
		for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
			messages[i], messages[j] = messages[j], messages[i]
		}
	}

	return messages, nil
}

// Close closes the prepared statements and the database connection.
func (s *SQLStore) Close() error {
	var errs []error
	for _, stmt := range []*sql.Stmt{
		s.stmtCreateSession,
		s.stmtGetSession,
		s.stmtActiveSession,
		s.stmtTouchSession,
		s.stmtCloseSession,
		s.stmtCountActive,
		s.stmtAppendMessage,
		s.stmtHistoryAll,
		s.stmtHistoryRecent,
	} {
		if stmt == nil {
			continue
		}
		if err := stmt.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing store: %v", errs)
	}
	return nil
}
