package stream

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/ecotrails/insight-gateway/internal/alert"
	"github.com/ecotrails/insight-gateway/internal/stage"
)

// Event is one live update pushed to session watchers.
type Event struct {
	Type      string        `json:"type"` // stage_result | alert | status
	SessionID string        `json:"session_id"`
	Stage     string        `json:"stage,omitempty"`
	Result    *stage.Result `json:"result,omitempty"`
	Alert     *alert.Alert  `json:"alert,omitempty"`
	Status    string        `json:"status,omitempty"`
	At        time.Time     `json:"at"`
}

// Hub fans session events out to SSE subscribers. Subscriptions are keyed by
// session so a watcher only sees its own hike.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[chan []byte]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan []byte]struct{})}
}

// Subscribe registers a listener for one session's events.
func (h *Hub) Subscribe(sessionID string) chan []byte {
	ch := make(chan []byte, 16)
	h.mu.Lock()
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[chan []byte]struct{})
	}
	h.subs[sessionID][ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes a listener.
func (h *Hub) Unsubscribe(sessionID string, ch chan []byte) {
	h.mu.Lock()
	if set, ok := h.subs[sessionID]; ok {
		delete(set, ch)
		if len(set) == 0 {
			delete(h.subs, sessionID)
		}
	}
	h.mu.Unlock()
}

// Broadcast sends an event to every subscriber of its session. Sends are
// non-blocking: a slow consumer loses events rather than stalling the
// pipeline.
func (h *Hub) Broadcast(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("marshal hub event", "error", err)
		return
	}
	h.mu.Lock()
	for ch := range h.subs[ev.SessionID] {
		select {
		case ch <- data:
		default:
		}
	}
	h.mu.Unlock()
}
