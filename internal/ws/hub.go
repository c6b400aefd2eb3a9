package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// peer serialises writes to one connection; gorilla allows a single writer.
type peer struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (p *peer) send(payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteJSON(payload)
}

// Hub manages active WebSocket connections keyed by user ID and pushes
// events to one or more users.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]map[*websocket.Conn]*peer
}

func NewHub() *Hub {
	return &Hub{
		conns: make(map[string]map[*websocket.Conn]*peer),
	}
}

// Register adds a connection for the given user.
func (h *Hub) Register(userID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.conns[userID] == nil {
		h.conns[userID] = make(map[*websocket.Conn]*peer)
	}
	h.conns[userID][conn] = &peer{conn: conn}
}

// Unregister removes a connection for the given user.
func (h *Hub) Unregister(userID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conns, ok := h.conns[userID]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(h.conns, userID)
		}
	}
}

// Online reports whether userID holds at least one connection.
func (h *Hub) Online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[userID]) > 0
}

// SendToUsers writes payload to every connection of userIDs and returns the
// number of successful writes. Connections that fail are closed; their read
// loop unregisters them.
func (h *Hub) SendToUsers(userIDs []string, payload any) int {
	h.mu.RLock()
	var targets []*peer
	for _, uid := range userIDs {
		for _, p := range h.conns[uid] {
			targets = append(targets, p)
		}
	}
	h.mu.RUnlock()

	sent := 0
	for _, p := range targets {
		if err := p.send(payload); err != nil {
			p.conn.Close()
			continue
		}
		sent++
	}
	return sent
}
