// Package realtime is the WebSocket gateway.  Each authenticated
// connection joins the room of its user; chat frames are handled by the
// message service and server-side events are pushed through Hub.SendToUser.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iliyamo/local-heroes/internal/metrics"
)

// Frame is the envelope of every message on the socket in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// UserRoom names the room every connection of a user joins.
func UserRoom(userID uint64) string { return fmt.Sprintf("user_%d", userID) }

// ConversationRoom names the room shared by two users, independent of
// argument order.
func ConversationRoom(a, b uint64) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("conversation_%d_%d", a, b)
}

// Hub tracks live clients and their rooms.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
	rooms   map[string]map[*Client]bool
	log     logrus.FieldLogger
}

func NewHub(log logrus.FieldLogger) *Hub {
	return &Hub{
		clients: make(map[*Client]bool),
		rooms:   make(map[string]map[*Client]bool),
		log:     log.WithField("component", "realtime"),
	}
}

// Run logs hub statistics until ctx is done, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ticker.C:
			h.mu.RLock()
			clients, rooms := len(h.clients), len(h.rooms)
			h.mu.RUnlock()
			h.log.WithFields(logrus.Fields{"clients": clients, "rooms": rooms}).Debug("hub stats")
		}
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
	h.join(c, UserRoom(c.userID))
	metrics.ConnectionOpened()
	h.log.WithFields(logrus.Fields{"client_id": c.id, "user_id": c.userID}).Info("client connected")
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	h.drop(c)
	h.mu.Unlock()
	metrics.ConnectionClosed()
	h.log.WithFields(logrus.Fields{"client_id": c.id, "user_id": c.userID}).Info("client disconnected")
}

// drop removes c from every room and closes its send queue.  Callers hold mu.
func (h *Hub) drop(c *Client) {
	delete(h.clients, c)
	for room := range c.rooms {
		if members, ok := h.rooms[room]; ok {
			delete(members, c)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	close(c.send)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	n := len(h.clients)
	for c := range h.clients {
		h.drop(c)
	}
	h.mu.Unlock()
	for i := 0; i < n; i++ {
		metrics.ConnectionClosed()
	}
}

func (h *Hub) join(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.clients[c] {
		return
	}
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Client]bool)
	}
	h.rooms[room][c] = true
	c.rooms[room] = true
}

// SendToUser pushes an event to every connection of userID.  Slow clients
// whose queue is full miss the frame.
func (h *Hub) SendToUser(userID uint64, event string, payload any) {
	h.Broadcast(UserRoom(userID), event, payload)
}

// Broadcast pushes an event to every member of room.
func (h *Hub) Broadcast(room, event string, payload any) {
	data, err := encodeFrame(event, payload)
	if err != nil {
		h.log.WithError(err).WithField("event", event).Error("encode frame failed")
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[room] {
		select {
		case c.send <- data:
		default:
			h.log.WithField("client_id", c.id).Warn("client send buffer full")
		}
	}
}

// Online reports whether userID has at least one live connection.
func (h *Hub) Online(userID uint64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[UserRoom(userID)]) > 0
}

// Stats returns client and room counts.
func (h *Hub) Stats() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return map[string]int{"clients": len(h.clients), "rooms": len(h.rooms)}
}

func encodeFrame(event string, payload any) ([]byte, error) {
	f := Frame{Event: event}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		f.Data = raw
	}
	return json.Marshal(f)
}
