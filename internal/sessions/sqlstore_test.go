package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/haasonsaas/steward/pkg/models"
)

// newMockStore builds an SQLStore over sqlmock, registering the prepare
// expectations in statement order.
func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	for _, pattern := range []string{
		"INSERT INTO sessions",
		"SELECT .* FROM sessions WHERE id",
		"SELECT .* FROM sessions WHERE user_key",
		"UPDATE sessions SET last_active_at",
		"UPDATE sessions SET is_active",
		"SELECT COUNT",
		"INSERT INTO messages",
		"SELECT .* FROM messages",
		"SELECT .* FROM messages",
	} {
		mock.ExpectPrepare(pattern)
	}
	store, err := newSQLStore(db, placeholderDollar)
	if err != nil {
		t.Fatalf("newSQLStore: %v", err)
	}
	return store, mock
}

func TestRebind(t *testing.T) {
	q := "INSERT INTO t (a, b) VALUES ($1, $2)"
	if got := rebind(placeholderQuestion, q); got != "INSERT INTO t (a, b) VALUES (?, ?)" {
		t.Errorf("rebind question = %q", got)
	}
	if got := rebind(placeholderDollar, q); got != q {
		t.Errorf("rebind dollar changed the query: %q", got)
	}
}

func TestSQLStoreCreateSession(t *testing.T) {
	store, mock := newMockStore(t)
	defer store.Close()

	now := time.Now()
	mock.ExpectExec("INSERT INTO sessions").
		WithArgs("s1", "u1", now, now, true).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.CreateSession(context.Background(), &models.Session{
		ID: "s1", UserKey: "u1", StartedAt: now, LastActiveAt: now, IsActive: true,
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if err := store.CreateSession(context.Background(), &models.Session{UserKey: "u1"}); err == nil {
		t.Error("CreateSession without ID should fail")
	}
}

func TestSQLStoreActiveSession(t *testing.T) {
	store, mock := newMockStore(t)
	defer store.Close()
	now := time.Now()

	rows := sqlmock.NewRows([]string{"id", "user_key", "started_at", "last_active_at", "is_active"}).
		AddRow("s1", "u1", now.Add(-time.Hour), now, true)
	mock.ExpectQuery("SELECT .* FROM sessions WHERE user_key").
		WithArgs("u1").
		WillReturnRows(rows)

	session, err := store.ActiveSession(context.Background(), "u1")
	if err != nil {
		t.Fatalf("ActiveSession: %v", err)
	}
	if session.ID != "s1" || !session.IsActive {
		t.Errorf("session = %+v", session)
	}

	mock.ExpectQuery("SELECT .* FROM sessions WHERE user_key").
		WithArgs("nobody").
		WillReturnError(sql.ErrNoRows)
	if _, err := store.ActiveSession(context.Background(), "nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("ActiveSession miss = %v, want ErrNotFound", err)
	}
}

func TestSQLStoreTouchSession(t *testing.T) {
	store, mock := newMockStore(t)
	defer store.Close()
	at := time.Now()

	mock.ExpectExec("UPDATE sessions SET last_active_at").
		WithArgs(at, "s1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := store.TouchSession(context.Background(), "s1", at); err != nil {
		t.Fatalf("TouchSession: %v", err)
	}

	mock.ExpectExec("UPDATE sessions SET last_active_at").
		WithArgs(at, "missing").
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := store.TouchSession(context.Background(), "missing", at); !errors.Is(err, ErrNotFound) {
		t.Errorf("TouchSession on missing = %v, want ErrNotFound", err)
	}
}

func TestSQLStoreAppendMessage(t *testing.T) {
	store, mock := newMockStore(t)
	defer store.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO messages").
		WithArgs(sqlmock.AnyArg(), "s1", "user", "hello",
			sqlmock.AnyArg(), "", "", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE sessions SET last_active_at").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	msg := models.NewUserMessage("hello")
	if err := store.AppendMessage(context.Background(), "s1", &msg); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if msg.ID == "" {
		t.Error("AppendMessage should assign a message id")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestSQLStoreAppendMessageRollsBack(t *testing.T) {
	store, mock := newMockStore(t)
	defer store.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO messages").
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	msg := models.NewUserMessage("hello")
	err := store.AppendMessage(context.Background(), "s1", &msg)
	if err == nil || !strings.Contains(err.Error(), "failed to append message") {
		t.Errorf("AppendMessage error = %v", err)
	}
}

func TestSQLStoreHistoryRecentReturnsChronological(t *testing.T) {
	store, mock := newMockStore(t)
	defer store.Close()
	now := time.Now()

	toolCalls, _ := json.Marshal([]models.ToolCall{{ID: "tc1", Name: "web_search"}})
	rows := sqlmock.NewRows([]string{
		"id", "role", "content", "tool_calls", "tool_call_id", "tool_name", "metadata", "created_at",
	}).
		AddRow("m3", "assistant", "newest", toolCalls, "", "", nil, now).
		AddRow("m2", "user", "older", nil, "", "", nil, now.Add(-time.Minute))
	mock.ExpectQuery("SELECT .* FROM messages").
		WithArgs("s1", 2).
		WillReturnRows(rows)

	history, err := store.History(context.Background(), "s1", 2)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("History returned %d rows, want 2", len(history))
	}
	if history[0].ID != "m2" || history[1].ID != "m3" {
		t.Errorf("history not chronological: %s, %s", history[0].ID, history[1].ID)
	}
	if history[0].Role != models.RoleUser {
		t.Errorf("role = %q", history[0].Role)
	}
	if len(history[1].ToolCalls) != 1 || history[1].ToolCalls[0].Name != "web_search" {
		t.Errorf("tool calls did not round-trip: %+v", history[1].ToolCalls)
	}
}

func TestSQLStoreHistoryAll(t *testing.T) {
	store, mock := newMockStore(t)
	defer store.Close()
	now := time.Now()

	rows := sqlmock.NewRows([]string{
		"id", "role", "content", "tool_calls", "tool_call_id", "tool_name", "metadata", "created_at",
	}).
		AddRow("m1", "user", "first", nil, "", "", nil, now.Add(-time.Minute)).
		AddRow("m2", "assistant", "second", nil, "", "", nil, now)
	mock.ExpectQuery("SELECT .* FROM messages").
		WithArgs("s1").
		WillReturnRows(rows)

	history, err := store.History(context.Background(), "s1", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 || history[0].ID != "m1" || history[1].ID != "m2" {
		t.Errorf("history = %+v", history)
	}
}

func TestSQLStoreCountActive(t *testing.T) {
	store, mock := newMockStore(t)
	defer store.Close()

	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	n, err := store.CountActive(context.Background())
	if err != nil {
		t.Fatalf("CountActive: %v", err)
	}
	if n != 3 {
		t.Errorf("CountActive = %d, want 3", n)
	}
}

func TestSQLStoreClose(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectClose()
	if err := store.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestNewPostgresStoreRequiresDSN(t *testing.T) {
	if _, err := NewPostgresStore("", nil); err == nil || !strings.Contains(err.Error(), "dsn is required") {
		t.Errorf("NewPostgresStore(\"\") = %v", err)
	}
}
