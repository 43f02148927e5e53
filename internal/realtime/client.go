package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/local-heroes/internal/model"
	"github.com/iliyamo/local-heroes/internal/service"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16 * 1024
	frameTimeout   = 5 * time.Second
)

// Chat is the message service as seen by a socket.
type Chat interface {
	Send(ctx context.Context, senderID, receiverID uint64, content string) (*model.Message, error)
	MarkRead(ctx context.Context, userID uint64, messageID string) (*model.Message, error)
	UnreadCount(ctx context.Context, userID uint64) (int64, error)
}

// Client is one authenticated WebSocket connection.
type Client struct {
	id     string
	userID uint64
	hub    *Hub
	chat   Chat
	conn   *websocket.Conn
	send   chan []byte
	rooms  map[string]bool
	log    logrus.FieldLogger
}

func newClient(hub *Hub, chat Chat, conn *websocket.Conn, userID uint64) *Client {
	id := uuid.NewString()
	return &Client{
		id:     id,
		userID: userID,
		hub:    hub,
		chat:   chat,
		conn:   conn,
		send:   make(chan []byte, 256),
		rooms:  make(map[string]bool),
		log:    hub.log.WithFields(logrus.Fields{"client_id": id, "user_id": userID}),
	}
}

type sendMessageData struct {
	ReceiverID uint64 `json:"receiverId"`
	Content    string `json:"content"`
}

type markReadData struct {
	MessageID string `json:"messageId"`
}

type joinConversationData struct {
	OtherUserID uint64 `json:"otherUserId"`
}

// readPump reads frames until the connection fails.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.WithError(err).Warn("websocket read error")
			}
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.reply("error", map[string]string{"message": "invalid frame"})
			continue
		}
		c.handle(f)
	}
}

// writePump drains the send queue and keeps the connection alive.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.WithError(err).Debug("websocket write error")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handle(f Frame) {
	ctx, cancel := context.WithTimeout(context.Background(), frameTimeout)
	defer cancel()

	switch f.Event {
	case "ping":
		c.reply("pong", map[string]int64{"ts": time.Now().UnixMilli()})

	case "send_message":
		var in sendMessageData
		if err := json.Unmarshal(f.Data, &in); err != nil {
			c.reply("error", map[string]string{"message": "invalid send_message payload"})
			return
		}
		if _, err := c.chat.Send(ctx, c.userID, in.ReceiverID, in.Content); err != nil {
			c.fail(err)
		}

	case "mark_read":
		var in markReadData
		if err := json.Unmarshal(f.Data, &in); err != nil || in.MessageID == "" {
			c.reply("error", map[string]string{"message": "messageId is required"})
			return
		}
		m, err := c.chat.MarkRead(ctx, c.userID, in.MessageID)
		if err != nil {
			c.fail(err)
			return
		}
		c.hub.SendToUser(m.SenderID, "message_read", map[string]string{"messageId": in.MessageID})

	case "join_conversation":
		var in joinConversationData
		if err := json.Unmarshal(f.Data, &in); err != nil || in.OtherUserID == 0 {
			c.reply("error", map[string]string{"message": "otherUserId is required"})
			return
		}
		room := ConversationRoom(c.userID, in.OtherUserID)
		c.hub.join(c, room)
		c.reply("joined_conversation", map[string]string{"room": room})

	default:
		c.reply("error", map[string]string{"message": "unknown event " + f.Event})
	}
}

// fail reports err to this client only.  Internal failures are logged and
// hidden behind a generic message.
func (c *Client) fail(err error) {
	var se *service.Error
	if errors.As(err, &se) {
		c.reply("error", map[string]string{"message": se.Message})
		return
	}
	c.log.WithError(err).Error("frame handling failed")
	c.reply("error", map[string]string{"message": "internal error"})
}

func (c *Client) reply(event string, payload any) {
	data, err := encodeFrame(event, payload)
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.clients[c] {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}
