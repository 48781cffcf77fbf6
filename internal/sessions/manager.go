package sessions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/steward/internal/observability"
	"github.com/haasonsaas/steward/pkg/models"
)

// IncomingMessage is what a transport hands the Manager for one inbound
// user message. MessageRef is the transport's own message id, kept in the
// persisted row's metadata.
type IncomingMessage struct {
	UserKey    string
	Text       string
	MessageRef string
}

// Processor runs one agent turn against a conversation. The production
// implementation is agent.Loop.
type Processor interface {
	Process(ctx context.Context, conv *models.Conversation, userText string) (string, error)
}

// ManagerConfig tunes session resolution and the conversation cache.
type ManagerConfig struct {
	// IdleTimeout closes sessions idle longer than this. Defaults to 24h.
	IdleTimeout time.Duration

	// CacheSize bounds the in-memory conversation cache; the oldest-idle
	// entry is dropped first. Defaults to 256.
	CacheSize int

	// HistoryLimit caps how many persisted messages a cache miss rehydrates.
	// Defaults to 50.
	HistoryLimit int
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 24 * time.Hour
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 256
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 50
	}
	return c
}

type cachedConversation struct {
	conv     *models.Conversation
	lastUsed time.Time
}

// Manager maps inbound messages onto sessions and conversations and runs the
// agent loop under a per-user lock. One Manager serves every transport.
type Manager struct {
	store  Store
	loop   Processor
	locker *Locker

	// prompt supplies the system prompt for new conversations; nil leaves
	// it empty.
	prompt func() string

	cfg     ManagerConfig
	logger  *observability.Logger
	metrics *observability.Metrics

	mu    sync.Mutex
	cache map[string]*cachedConversation

	now func() time.Time
}

// NewManager wires a session manager. store and loop are required; prompt,
// logger, and metrics may be nil.
func NewManager(store Store, loop Processor, prompt func() string, cfg ManagerConfig, logger *observability.Logger, metrics *observability.Metrics) *Manager {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if metrics == nil {
		metrics = observability.NopMetrics()
	}
	return &Manager{
		store:   store,
		loop:    loop,
		locker:  NewLocker(),
		prompt:  prompt,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		metrics: metrics,
		cache:   make(map[string]*cachedConversation),
		now:     time.Now,
	}
}

// HandleMessage processes one inbound message end to end: resolve the
// user's session, load its conversation, run the agent loop, persist the
// user and assistant rows. Messages for the same user serialize here;
// persistence failures are logged and do not fail the turn.
func (m *Manager) HandleMessage(ctx context.Context, msg IncomingMessage) (string, error) {
	if msg.UserKey == "" {
		return "", errors.New("user key is required")
	}

	release, err := m.locker.Acquire(ctx, msg.UserKey, 0)
	if err != nil {
		return "", fmt.Errorf("acquire turn lock: %w", err)
	}
	defer release()

	session, err := m.resolveSession(ctx, msg.UserKey)
	if err != nil {
		return "", err
	}
	ctx = observability.ContextWithUserKey(ctx, msg.UserKey)
	ctx = observability.ContextWithSessionID(ctx, session.ID)
	log := m.logger.WithContext(ctx)

	conv, err := m.conversation(ctx, session)
	if err != nil {
		return "", err
	}

	reply, err := m.loop.Process(ctx, conv, msg.Text)
	if err != nil {
		return "", fmt.Errorf("process turn: %w", err)
	}

	m.persistTurn(ctx, log, session.ID, msg, reply)
	return reply, nil
}

// Clear ends the user's active session, if any, and drops its cached
// conversation. The next message opens a fresh session.
func (m *Manager) Clear(ctx context.Context, userKey string) error {
	release, err := m.locker.Acquire(ctx, userKey, 0)
	if err != nil {
		return fmt.Errorf("acquire turn lock: %w", err)
	}
	defer release()

	session, err := m.store.ActiveSession(ctx, userKey)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve session: %w", err)
	}

	if err := m.store.CloseSession(ctx, session.ID); err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	m.evict(session.ID)
	m.logger.Info("session cleared", "user_key", userKey, "session_id", session.ID)
	return nil
}

// Stats reports open sessions and cached conversations, for /status and the
// system_info tool.
type Stats struct {
	ActiveSessions      int `json:"active_sessions"`
	CachedConversations int `json:"cached_conversations"`
}

// Stats returns current counters.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	active, err := m.store.CountActive(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("count sessions: %w", err)
	}
	m.mu.Lock()
	cached := len(m.cache)
	m.mu.Unlock()
	return Stats{ActiveSessions: active, CachedConversations: cached}, nil
}

// resolveSession returns the user's current session, closing an idle one and
// opening a fresh one when the idle timeout has passed. Reusing a session
// touches its last_active_at so the idle clock restarts. Callers hold the
// user's turn lock.
func (m *Manager) resolveSession(ctx context.Context, userKey string) (*models.Session, error) {
	now := m.now()

	session, err := m.store.ActiveSession(ctx, userKey)
	switch {
	case err == nil && !session.Expired(m.cfg.IdleTimeout, now):
		if terr := m.store.TouchSession(ctx, session.ID, now); terr != nil {
			m.logger.Warn("failed to touch session", "session_id", session.ID, "error", terr)
		}
		session.LastActiveAt = now
		return session, nil
	case err == nil:
		if cerr := m.store.CloseSession(ctx, session.ID); cerr != nil {
			m.logger.Warn("failed to close idle session", "session_id", session.ID, "error", cerr)
		}
		m.evict(session.ID)
		m.logger.Info("session expired", "user_key", userKey, "session_id", session.ID)
	case !errors.Is(err, ErrNotFound):
		return nil, fmt.Errorf("resolve session: %w", err)
	}

	session = &models.Session{
		ID:           uuid.NewString(),
		UserKey:      userKey,
		StartedAt:    now,
		LastActiveAt: now,
		IsActive:     true,
	}
	if err := m.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	m.logger.Info("session started", "user_key", userKey, "session_id", session.ID)
	return session, nil
}

// conversation returns the cached conversation for the session, rehydrating
// from persisted rows on a miss.
func (m *Manager) conversation(ctx context.Context, session *models.Session) (*models.Conversation, error) {
	m.mu.Lock()
	if entry, ok := m.cache[session.ID]; ok {
		entry.lastUsed = m.now()
		m.mu.Unlock()
		return entry.conv, nil
	}
	m.mu.Unlock()

	history, err := m.store.History(ctx, session.ID, m.cfg.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	conv := models.NewConversation(session.ID, session.UserKey)
	if m.prompt != nil {
		conv.SystemPrompt = m.prompt()
	}
	for _, msg := range history {
		conv.Messages = append(conv.Messages, *msg)
	}

	m.mu.Lock()
	m.cache[session.ID] = &cachedConversation{conv: conv, lastUsed: m.now()}
	m.evictOverflowLocked()
	m.metrics.ActiveSessions.Set(float64(len(m.cache)))
	m.mu.Unlock()

	return conv, nil
}

// persistTurn writes the user and assistant rows. Failures keep the
// in-memory conversation authoritative and are retried implicitly when the
// next turn persists.
func (m *Manager) persistTurn(ctx context.Context, log *observability.Logger, sessionID string, msg IncomingMessage, reply string) {
	userMsg := models.NewUserMessage(msg.Text)
	userMsg.ID = uuid.NewString()
	if msg.MessageRef != "" {
		userMsg.Metadata = map[string]any{"message_ref": msg.MessageRef}
	}
	if err := m.store.AppendMessage(ctx, sessionID, &userMsg); err != nil {
		log.Error("failed to persist user message", "error", err)
	}

	assistantMsg := models.NewAssistantMessage(reply)
	assistantMsg.ID = uuid.NewString()
	if err := m.store.AppendMessage(ctx, sessionID, &assistantMsg); err != nil {
		log.Error("failed to persist assistant message", "error", err)
	}
}

// evict drops a session's conversation from the cache.
func (m *Manager) evict(sessionID string) {
	m.mu.Lock()
	delete(m.cache, sessionID)
	m.metrics.ActiveSessions.Set(float64(len(m.cache)))
	m.mu.Unlock()
}

// evictOverflowLocked drops oldest-idle conversations until the cache fits.
// Caller holds m.mu. A turn in flight keeps its conversation pointer; the
// next turn for that session rehydrates from persisted rows.
func (m *Manager) evictOverflowLocked() {
	for len(m.cache) > m.cfg.CacheSize {
		var oldestID string
		var oldestAt time.Time
		for id, entry := range m.cache {
			if oldestID == "" || entry.lastUsed.Before(oldestAt) {
				oldestID = id
				oldestAt = entry.lastUsed
			}
		}
		delete(m.cache, oldestID)
	}
}
