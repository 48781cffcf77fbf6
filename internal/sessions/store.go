// Package sessions persists sessions and message history, and hosts the
// Manager that resolves a user's current session and drives the agent loop
// for inbound messages.
package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/steward/pkg/models"
)

// ErrNotFound is returned when a session does not exist or no active
// session is open for a user.
var ErrNotFound = errors.New("sessions: not found")

// Store is the interface for session persistence. All three
// implementations (memory, sqlite, postgres) share it; the Manager never
// sees which one it runs on.
type Store interface {
	// Session lifecycle
	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	// ActiveSession returns the most recently active open session for the
	// user, or ErrNotFound when none is open.
	ActiveSession(ctx context.Context, userKey string) (*models.Session, error)
	// TouchSession records activity on a session.
	TouchSession(ctx context.Context, id string, at time.Time) error
	// CloseSession flips the session inactive. Closing an already-closed
	// session is not an error.
	CloseSession(ctx context.Context, id string) error
	// CountActive returns the number of open sessions.
	CountActive(ctx context.Context) (int, error)

	// Message history
	AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error
	// History returns the session's messages in creation order. limit <= 0
	// means all; positive limits keep the most recent messages, still
	// oldest first.
	History(ctx context.Context, sessionID string, limit int) ([]*models.Message, error)

	Close() error
}
