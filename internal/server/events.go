package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/steward/internal/observability"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 45 * time.Second
	wsPingPeriod = 15 * time.Second
	wsMaxPayload = 1 << 20

	// sendBuffer is the per-subscriber queue depth. A subscriber that falls
	// this far behind starts losing events rather than blocking publishers.
	sendBuffer = 64
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  8192,
	WriteBufferSize: 8192,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// eventFrame is the wire shape of one feed entry.
type eventFrame struct {
	Type    string    `json:"type"`
	Event   string    `json:"event"`
	Payload any       `json:"payload,omitempty"`
	Seq     int64     `json:"seq"`
	Time    time.Time `json:"time"`
}

// EventHub fans runtime events out to WebSocket subscribers. Publishing
// never blocks; slow subscribers drop events.
type EventHub struct {
	logger *observability.Logger
	seq    atomic.Int64

	mu     sync.Mutex
	subs   map[chan []byte]struct{}
	closed bool
}

// NewEventHub creates an empty hub.
func NewEventHub(logger *observability.Logger) *EventHub {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &EventHub{
		logger: logger,
		subs:   make(map[chan []byte]struct{}),
	}
}

// Publish sends an event to every connected subscriber.
func (h *EventHub) Publish(event string, payload any) {
	frame := eventFrame{
		Type:    "event",
		Event:   event,
		Payload: payload,
		Seq:     h.seq.Add(1),
		Time:    time.Now().UTC(),
	}
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Warn("event marshal failed", "event", event, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for ch := range h.subs {
		select {
		case ch <- data:
		default:
			h.logger.Debug("event dropped, subscriber behind", "event", event)
		}
	}
}

func (h *EventHub) subscribe() chan []byte {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan []byte, sendBuffer)
	if h.closed {
		close(ch)
		return ch
	}
	h.subs[ch] = struct{}{}
	return ch
}

func (h *EventHub) subscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *EventHub) unsubscribe(ch chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
}

// Close disconnects every subscriber. Publish becomes a no-op.
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		close(ch)
	}
	h.subs = make(map[chan []byte]struct{})
}

// handleEvents upgrades the request and streams hub events until the client
// disconnects or the hub closes. The feed is write-only; client frames are
// drained so pong handling works.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.hub.subscribe()
	defer s.hub.unsubscribe(sub)

	conn.SetReadLimit(wsMaxPayload)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.logger.Debug("event subscriber connected", "remote", conn.RemoteAddr().String())

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case msg, ok := <-sub:
			if !ok {
				deadline := time.Now().Add(wsWriteWait)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), deadline)
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
