package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/haasonsaas/steward/pkg/models"
)

// maxMessagesPerSession bounds the in-memory history per session. Older
// messages fall off the front once the cap is hit.
const maxMessagesPerSession = 1000

// MemoryStore is an in-memory Store. It is the default when no database is
// configured and the backing store for tests. Safe for concurrent use.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	messages map[string][]*models.Message
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*models.Session),
		messages: make(map[string][]*models.Message),
	}
}

func (s *MemoryStore) CreateSession(ctx context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *session
	s.sessions[session.ID] = &clone
	return nil
}

func (s *MemoryStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *session
	return &clone, nil
}

func (s *MemoryStore) ActiveSession(ctx context.Context, userKey string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *models.Session
	for _, session := range s.sessions {
		if session.UserKey != userKey || !session.IsActive {
			continue
		}
		if latest == nil || session.LastActiveAt.After(latest.LastActiveAt) {
			latest = session
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	clone := *latest
	return &clone, nil
}

func (s *MemoryStore) TouchSession(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	session.LastActiveAt = at
	return nil
}

func (s *MemoryStore) CloseSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.sessions[id]; ok {
		session.IsActive = false
	}
	return nil
}

func (s *MemoryStore) CountActive(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, session := range s.sessions {
		if session.IsActive {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return ErrNotFound
	}
	clone := *msg
	history := append(s.messages[sessionID], &clone)
	if len(history) > maxMessagesPerSession {
		history = history[len(history)-maxMessagesPerSession:]
	}
	s.messages[sessionID] = history
	return nil
}

func (s *MemoryStore) History(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.messages[sessionID]
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	out := make([]*models.Message, len(history))
	for i, msg := range history {
		clone := *msg
		out[i] = &clone
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
