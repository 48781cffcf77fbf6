package models

import (
	"time"
)

// Conversation is the ordered message ledger for one session. It is owned by
// exactly one user; during a turn the agent loop is its sole writer. The
// compactor may swap the whole message slice but never edits entries in place.
type Conversation struct {
	SessionID       string    `json:"session_id"`
	UserKey         string    `json:"user_key"`
	SystemPrompt    string    `json:"system_prompt,omitempty"`
	ModelHint       string    `json:"model_hint,omitempty"`
	Messages        []Message `json:"messages"`
	CompactionCount int       `json:"compaction_count"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// NewConversation creates an empty conversation for a session.
func NewConversation(sessionID, userKey string) *Conversation {
	return &Conversation{
		SessionID: sessionID,
		UserKey:   userKey,
		Messages:  make([]Message, 0, 16),
		UpdatedAt: time.Now(),
	}
}

// Append adds a message to the end of the log.
func (c *Conversation) Append(msg Message) {
	c.Messages = append(c.Messages, msg)
	c.UpdatedAt = time.Now()
}

// Replace swaps the entire log. Used by the compactor; CompactionCount is the
// caller's responsibility.
func (c *Conversation) Replace(msgs []Message) {
	c.Messages = msgs
	c.UpdatedAt = time.Now()
}

// Truncate drops the oldest messages so at most max remain. A max of zero or
// less is a no-op.
func (c *Conversation) Truncate(max int) {
	if max <= 0 || len(c.Messages) <= max {
		return
	}
	c.Messages = c.Messages[len(c.Messages)-max:]
	c.UpdatedAt = time.Now()
}

// Len returns the number of messages in the log.
func (c *Conversation) Len() int {
	return len(c.Messages)
}

// Last returns the most recent message, or a zero Message when empty.
func (c *Conversation) Last() (Message, bool) {
	if len(c.Messages) == 0 {
		return Message{}, false
	}
	return c.Messages[len(c.Messages)-1], true
}
