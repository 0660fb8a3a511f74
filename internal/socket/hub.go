// Package socket pushes bus notifications to connected dashboards.
package socket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"retrieval-service/internal/bus"
	"retrieval-service/internal/models"
	"retrieval-service/internal/util"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	sendBuffer = 32
)

// Client is one websocket connection subscribed to a role
type Client struct {
	UserID string
	Role   string

	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
}

// Hub tracks websocket clients by role
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
	logger  *zap.Logger
}

// NewHub creates a new Hub
func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		logger:  util.GetLogger(),
	}
}

// Register adds a connection and starts its writer
func (h *Hub) Register(role, userID string, conn *websocket.Conn) *Client {
	c := &Client{
		UserID: userID,
		Role:   role,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
	}

	h.mu.Lock()
	if h.clients[role] == nil {
		h.clients[role] = make(map[*Client]struct{})
	}
	h.clients[role][c] = struct{}{}
	h.mu.Unlock()

	go h.writePump(c)

	h.logger.Info("WebSocket client registered",
		zap.String("user_id", userID),
		zap.String("role", role))
	return c
}

// Unregister removes a client and stops its writer
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if set, ok := h.clients[c.Role]; ok {
		if _, ok := set[c]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(h.clients, c.Role)
			}
			h.logger.Info("WebSocket client unregistered",
				zap.String("user_id", c.UserID),
				zap.String("role", c.Role))
		}
	}

	// closed under the lock so Broadcast never sends on a closed channel
	c.closeOnce.Do(func() { close(c.send) })
}

// Count returns the number of clients connected for a role
func (h *Hub) Count(role string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[role])
}

// Broadcast queues a message for every client of a role. Clients whose
// buffer is full are dropped. Returns the number of clients reached.
func (h *Hub) Broadcast(role string, message []byte) int {
	sent := 0
	var slow []*Client

	h.mu.RLock()
	for c := range h.clients[role] {
		select {
		case c.send <- message:
			sent++
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("WebSocket client too slow, disconnecting", zap.String("user_id", c.UserID))
		h.Unregister(c)
	}
	return sent
}

// Observer adapts the hub to the notification bus
func (h *Hub) Observer() bus.Observer {
	return func(ctx context.Context, n models.Notification) error {
		payload, err := json.Marshal(n)
		if err != nil {
			return fmt.Errorf("failed to marshal notification: %w", err)
		}
		h.Broadcast(n.TargetRole, payload)
		return nil
	}
}

func (h *Hub) writePump(c *Client) {
	defer c.conn.Close()

	for message := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			h.logger.Debug("WebSocket write failed", zap.String("user_id", c.UserID), zap.Error(err))
			h.Unregister(c)
			return
		}
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
