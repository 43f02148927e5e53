package realtime

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/local-heroes/internal/middleware"
	"github.com/iliyamo/local-heroes/internal/utils"
)

// TokenParser verifies access tokens presented on the handshake.
type TokenParser interface {
	ParseAccess(raw string) (utils.Claims, error)
}

// Handler upgrades authenticated requests to WebSocket connections.
type Handler struct {
	hub      *Hub
	tokens   TokenParser
	chat     Chat
	upgrader websocket.Upgrader
	log      logrus.FieldLogger
}

// NewHandler builds the upgrade handler.  An empty allowedOrigin accepts
// any Origin header.
func NewHandler(hub *Hub, tokens TokenParser, chat Chat, allowedOrigin string, log logrus.FieldLogger) *Handler {
	return &Handler{
		hub:    hub,
		tokens: tokens,
		chat:   chat,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return allowedOrigin == "" || origin == "" || origin == allowedOrigin
			},
		},
		log: log.WithField("component", "realtime"),
	}
}

// Serve handles GET /v1/ws.  The access token may come from the "token"
// query parameter, the Authorization header or the access token cookie.
func (h *Handler) Serve(c echo.Context) error {
	raw := c.QueryParam("token")
	if raw == "" {
		raw = middleware.AccessTokenFrom(c)
	}
	if raw == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing token"})
	}
	claims, err := h.tokens.ParseAccess(raw)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid token"})
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader has already written the HTTP error
		h.log.WithError(err).Warn("websocket upgrade failed")
		return nil
	}

	client := newClient(h.hub, h.chat, conn, claims.UserID)
	h.hub.register(client)
	go client.writePump()
	go client.readPump()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if n, err := h.chat.UnreadCount(ctx, claims.UserID); err == nil {
		client.reply("unread_count", map[string]int64{"count": n})
	}
	return nil
}

// Stats handles GET /v1/ws/stats.
func (h *Handler) Stats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.hub.Stats())
}
