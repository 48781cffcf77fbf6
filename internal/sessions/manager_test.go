package sessions

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/steward/pkg/models"
)

// stubLoop stands in for the agent loop: it appends the turn's messages and
// echoes a canned reply, recording what it saw.
type stubLoop struct {
	mu          sync.Mutex
	reply       string
	err         error
	entered     chan string // receives the user text when a turn starts
	proceed     chan struct{}
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	lens        []int
	prompts     []string
}

func (s *stubLoop) Process(ctx context.Context, conv *models.Conversation, text string) (string, error) {
	cur := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		max := s.maxInFlight.Load()
		if cur <= max || s.maxInFlight.CompareAndSwap(max, cur) {
			break
		}
	}

	s.mu.Lock()
	s.lens = append(s.lens, conv.Len())
	s.prompts = append(s.prompts, conv.SystemPrompt)
	s.mu.Unlock()

	if s.entered != nil {
		s.entered <- text
	}
	if s.proceed != nil {
		<-s.proceed
	}
	if s.err != nil {
		return "", s.err
	}
	conv.Append(models.NewUserMessage(text))
	conv.Append(models.NewAssistantMessage(s.reply))
	return s.reply, nil
}

func newTestManager(t *testing.T, loop Processor, cfg ManagerConfig) (*Manager, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	mgr := NewManager(store, loop, func() string { return "be helpful" }, cfg, nil, nil)
	return mgr, store
}

func TestManagerFirstMessageOpensSession(t *testing.T) {
	loop := &stubLoop{reply: "hello back"}
	mgr, store := newTestManager(t, loop, ManagerConfig{})
	ctx := context.Background()

	reply, err := mgr.HandleMessage(ctx, IncomingMessage{UserKey: "u1", Text: "hello"})
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if reply != "hello back" {
		t.Errorf("reply = %q", reply)
	}

	session, err := store.ActiveSession(ctx, "u1")
	if err != nil {
		t.Fatalf("no active session after message: %v", err)
	}

	history, err := store.History(ctx, session.ID, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("persisted %d rows, want 2 (user + assistant)", len(history))
	}
	if history[0].Role != models.RoleUser || history[0].Content != "hello" {
		t.Errorf("row[0] = %+v", history[0])
	}
	if history[1].Role != models.RoleAssistant || history[1].Content != "hello back" {
		t.Errorf("row[1] = %+v", history[1])
	}

	if len(loop.prompts) != 1 || loop.prompts[0] != "be helpful" {
		t.Errorf("system prompt seen by loop = %v", loop.prompts)
	}
}

func TestManagerReusesActiveSession(t *testing.T) {
	loop := &stubLoop{reply: "ok"}
	mgr, store := newTestManager(t, loop, ManagerConfig{})
	ctx := context.Background()

	mgr.HandleMessage(ctx, IncomingMessage{UserKey: "u1", Text: "first"})
	first, _ := store.ActiveSession(ctx, "u1")

	mgr.HandleMessage(ctx, IncomingMessage{UserKey: "u1", Text: "second"})
	second, _ := store.ActiveSession(ctx, "u1")

	if first.ID != second.ID {
		t.Errorf("second message opened a new session: %s vs %s", first.ID, second.ID)
	}

	history, _ := store.History(ctx, first.ID, 0)
	if len(history) != 4 {
		t.Errorf("persisted %d rows across two turns, want 4", len(history))
	}

	// Same cached conversation: the second turn starts with the first
	// turn's two messages already present.
	if len(loop.lens) != 2 || loop.lens[0] != 0 || loop.lens[1] != 2 {
		t.Errorf("conversation lengths at turn start = %v, want [0 2]", loop.lens)
	}
}

func TestManagerExpiresIdleSession(t *testing.T) {
	loop := &stubLoop{reply: "ok"}
	mgr, store := newTestManager(t, loop, ManagerConfig{IdleTimeout: 24 * time.Hour})
	ctx := context.Background()

	base := time.Now()
	mgr.now = func() time.Time { return base }
	mgr.HandleMessage(ctx, IncomingMessage{UserKey: "u1", Text: "first"})
	old, _ := store.ActiveSession(ctx, "u1")

	mgr.now = func() time.Time { return base.Add(25 * time.Hour) }
	mgr.HandleMessage(ctx, IncomingMessage{UserKey: "u1", Text: "after the gap"})
	fresh, _ := store.ActiveSession(ctx, "u1")

	if old.ID == fresh.ID {
		t.Fatal("idle session was reused instead of expired")
	}
	closed, _ := store.GetSession(ctx, old.ID)
	if closed.IsActive {
		t.Error("expired session not closed")
	}

	// The new conversation must not inherit the old session's messages.
	if loop.lens[1] != 0 {
		t.Errorf("fresh session conversation started with %d messages, want 0", loop.lens[1])
	}
}

func TestManagerTouchRestartsIdleClock(t *testing.T) {
	loop := &stubLoop{reply: "ok"}
	mgr, store := newTestManager(t, loop, ManagerConfig{IdleTimeout: 24 * time.Hour})
	ctx := context.Background()

	// Three turns, each 23h apart: every turn lands inside the idle window
	// measured from the previous one, so all three share a session.
	base := time.Now()
	for _, offset := range []time.Duration{0, 23 * time.Hour, 46 * time.Hour} {
		at := base.Add(offset)
		mgr.now = func() time.Time { return at }
		if _, err := mgr.HandleMessage(ctx, IncomingMessage{UserKey: "u1", Text: "still here"}); err != nil {
			t.Fatalf("HandleMessage at +%s: %v", offset, err)
		}
	}

	session, err := store.ActiveSession(ctx, "u1")
	if err != nil {
		t.Fatalf("ActiveSession: %v", err)
	}
	history, _ := store.History(ctx, session.ID, 0)
	if len(history) != 6 {
		t.Errorf("persisted %d rows, want 6 from three turns in one session", len(history))
	}
	if !session.LastActiveAt.Equal(base.Add(46 * time.Hour)) {
		t.Errorf("last_active_at = %v, want %v", session.LastActiveAt, base.Add(46*time.Hour))
	}
}

func TestManagerClearEndsSession(t *testing.T) {
	loop := &stubLoop{reply: "ok"}
	mgr, store := newTestManager(t, loop, ManagerConfig{})
	ctx := context.Background()

	mgr.HandleMessage(ctx, IncomingMessage{UserKey: "u1", Text: "hi"})
	old, _ := store.ActiveSession(ctx, "u1")

	if err := mgr.Clear(ctx, "u1"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, err := store.ActiveSession(ctx, "u1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("active session survives Clear: %v", err)
	}

	// Clearing an already-clear user is a no-op.
	if err := mgr.Clear(ctx, "u1"); err != nil {
		t.Errorf("second Clear: %v", err)
	}

	mgr.HandleMessage(ctx, IncomingMessage{UserKey: "u1", Text: "hi again"})
	fresh, _ := store.ActiveSession(ctx, "u1")
	if fresh.ID == old.ID {
		t.Error("message after Clear reused the cleared session")
	}
	if loop.lens[1] != 0 {
		t.Errorf("conversation after Clear started with %d messages", loop.lens[1])
	}
}

func TestManagerRehydratesEvictedConversation(t *testing.T) {
	loop := &stubLoop{reply: "ok"}
	mgr, _ := newTestManager(t, loop, ManagerConfig{CacheSize: 1})
	ctx := context.Background()

	mgr.HandleMessage(ctx, IncomingMessage{UserKey: "u1", Text: "from u1"})
	mgr.HandleMessage(ctx, IncomingMessage{UserKey: "u2", Text: "from u2"}) // evicts u1's conversation
	mgr.HandleMessage(ctx, IncomingMessage{UserKey: "u1", Text: "back again"})

	// Third turn rehydrates u1's conversation from the two persisted rows.
	if len(loop.lens) != 3 || loop.lens[2] != 2 {
		t.Errorf("conversation lengths at turn start = %v, want third entry 2", loop.lens)
	}
}

func TestManagerSerializesSameUser(t *testing.T) {
	loop := &stubLoop{reply: "ok"}
	mgr, _ := newTestManager(t, loop, ManagerConfig{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := mgr.HandleMessage(ctx, IncomingMessage{UserKey: "u1", Text: "ping"}); err != nil {
				t.Errorf("HandleMessage: %v", err)
			}
		}()
	}
	wg.Wait()

	if max := loop.maxInFlight.Load(); max != 1 {
		t.Errorf("max concurrent turns for one user = %d, want 1", max)
	}
	if len(loop.lens) != 4 {
		t.Errorf("processed %d turns, want 4", len(loop.lens))
	}
}

func TestManagerIndependentUsersRunConcurrently(t *testing.T) {
	loop := &stubLoop{
		reply:   "ok",
		entered: make(chan string, 2),
		proceed: make(chan struct{}),
	}
	mgr, _ := newTestManager(t, loop, ManagerConfig{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, user := range []string{"u1", "u2"} {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			mgr.HandleMessage(ctx, IncomingMessage{UserKey: u, Text: "hi"})
		}(user)
	}

	// Both turns must be inside Process at once; serialized execution would
	// deliver only one before proceed is closed.
	for i := 0; i < 2; i++ {
		select {
		case <-loop.entered:
		case <-time.After(2 * time.Second):
			t.Fatal("turns for independent users did not run concurrently")
		}
	}
	close(loop.proceed)
	wg.Wait()
}

func TestManagerLoopErrorSurfaces(t *testing.T) {
	loop := &stubLoop{err: errors.New("model exploded")}
	mgr, store := newTestManager(t, loop, ManagerConfig{})
	ctx := context.Background()

	if _, err := mgr.HandleMessage(ctx, IncomingMessage{UserKey: "u1", Text: "hi"}); err == nil {
		t.Fatal("expected error from failed turn")
	}

	// Nothing persisted for the failed turn.
	session, err := store.ActiveSession(ctx, "u1")
	if err != nil {
		t.Fatalf("session should exist even after a failed turn: %v", err)
	}
	history, _ := store.History(ctx, session.ID, 0)
	if len(history) != 0 {
		t.Errorf("failed turn persisted %d rows", len(history))
	}
}

func TestManagerStats(t *testing.T) {
	loop := &stubLoop{reply: "ok"}
	mgr, _ := newTestManager(t, loop, ManagerConfig{})
	ctx := context.Background()

	mgr.HandleMessage(ctx, IncomingMessage{UserKey: "u1", Text: "hi"})
	mgr.HandleMessage(ctx, IncomingMessage{UserKey: "u2", Text: "hi"})

	stats, err := mgr.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.ActiveSessions != 2 || stats.CachedConversations != 2 {
		t.Errorf("stats = %+v, want 2 active / 2 cached", stats)
	}
}

func TestManagerRejectsEmptyUserKey(t *testing.T) {
	loop := &stubLoop{reply: "ok"}
	mgr, _ := newTestManager(t, loop, ManagerConfig{})

	if _, err := mgr.HandleMessage(context.Background(), IncomingMessage{Text: "hi"}); err == nil {
		t.Fatal("expected error for empty user key")
	}
}

func TestManagerMessageRefPersisted(t *testing.T) {
	loop := &stubLoop{reply: "ok"}
	mgr, store := newTestManager(t, loop, ManagerConfig{})
	ctx := context.Background()

	mgr.HandleMessage(ctx, IncomingMessage{UserKey: "u1", Text: "hi", MessageRef: "tg-42"})

	session, _ := store.ActiveSession(ctx, "u1")
	history, _ := store.History(ctx, session.ID, 0)
	if len(history) == 0 {
		t.Fatal("nothing persisted")
	}
	if ref, _ := history[0].Metadata["message_ref"].(string); ref != "tg-42" {
		t.Errorf("message_ref = %q, want tg-42", ref)
	}
}
