package models

import (
	"time"
)

// UserRole gates what a user may do with the runtime.
type UserRole string

const (
	UserRoleAdmin   UserRole = "admin"
	UserRoleUser    UserRole = "user"
	UserRolePending UserRole = "pending"
	UserRoleBlocked UserRole = "blocked"
)

// User identifies an end-user across transports. UserKey is the transport's
// stable identifier (for Telegram, the numeric chat id as a string).
type User struct {
	ID             string    `json:"id"`
	UserKey        string    `json:"user_key"`
	DisplayName    string    `json:"display_name,omitempty"`
	Role           UserRole  `json:"role"`
	PreferredModel string    `json:"preferred_model,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Session groups a user's messages inside one idle window. A session is
// closed by explicit clear or when it outlives the idle timeout; closing
// flips IsActive off and the next inbound message opens a fresh one.
type Session struct {
	ID           string    `json:"id"`
	UserKey      string    `json:"user_key"`
	StartedAt    time.Time `json:"started_at"`
	LastActiveAt time.Time `json:"last_active_at"`
	IsActive     bool      `json:"is_active"`
}

// Expired reports whether the session has been idle longer than timeout.
func (s *Session) Expired(timeout time.Duration, now time.Time) bool {
	return now.Sub(s.LastActiveAt) > timeout
}
