package api

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Hub fans persisted events out to connected dashboard sockets. It
// implements eventbus.Broadcaster; a slow or broken socket is dropped
// rather than allowed to stall delivery to the rest.
type Hub struct {
	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}

	writeTimeout time.Duration
}

func NewHub() *Hub {
	return &Hub{
		conns:        map[*websocket.Conn]struct{}{},
		writeTimeout: 5 * time.Second,
	}
}

func (h *Hub) add(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[conn] = struct{}{}
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, conn)
}

func (h *Hub) ConnCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Broadcast delivers one event wire map to every connected socket.
func (h *Hub) Broadcast(event map[string]any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode broadcast event: %w", err)
	}

	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), h.writeTimeout)
		err := conn.Write(ctx, websocket.MessageText, payload)
		cancel()
		if err != nil {
			h.remove(conn)
			_ = conn.Close(websocket.StatusPolicyViolation, "write failed")
		}
	}
	return nil
}
