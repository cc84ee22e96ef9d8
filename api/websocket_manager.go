package api

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// eventWriteTimeout bounds a single event write so that one stalled
// subscriber cannot hold up registry notifications.
const eventWriteTimeout = 5 * time.Second

// subscriber is one /api/events connection. Writes go through send so the
// hello message and registry events never interleave on the wire.
type subscriber struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (s *subscriber) send(msg eventMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
	return s.conn.WriteJSON(msg)
}

func (s *subscriber) close(code int, reason string) {
	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	s.writeMu.Unlock()
	_ = s.conn.Close()
}

// EventHub fans registry events out to websocket subscribers.
type EventHub struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

func NewEventHub() *EventHub {
	return &EventHub{subs: make(map[*subscriber]struct{})}
}

func (h *EventHub) subscribe(conn *websocket.Conn) *subscriber {
	sub := &subscriber{conn: conn}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *EventHub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
}

// Subscribers reports how many event streams are open.
func (h *EventHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish sends msg to every subscriber and drops the ones that fail.
func (h *EventHub) Publish(msg eventMessage) {
	h.mu.RLock()
	subs := make([]*subscriber, 0, len(h.subs))
	for sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		if err := sub.send(msg); err != nil {
			h.unsubscribe(sub)
			_ = sub.conn.Close()
		}
	}
}

// CloseAll tells every subscriber the server is going away and disconnects
// them.
func (h *EventHub) CloseAll() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[*subscriber]struct{})
	h.mu.Unlock()

	for sub := range subs {
		sub.close(websocket.CloseGoingAway, "server shutting down")
	}
}
