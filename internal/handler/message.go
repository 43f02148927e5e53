package handler

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/local-heroes/internal/model"
	"github.com/iliyamo/local-heroes/internal/service"
)

// MessageHandler is the REST surface of direct messaging.  The same
// operations are available over the WebSocket.
type MessageHandler struct {
	Messages *service.MessageService
	Log      logrus.FieldLogger
}

func NewMessageHandler(m *service.MessageService, log logrus.FieldLogger) *MessageHandler {
	return &MessageHandler{Messages: m, Log: log}
}

type sendMessageReq struct {
	ReceiverID uint64 `json:"receiverId" validate:"required"`
	Content    string `json:"content" validate:"required"`
}

func messageList(ms []model.Message) []model.Message {
	if ms == nil {
		return []model.Message{}
	}
	return ms
}

// Send: POST /v1/messages
func (h *MessageHandler) Send(c echo.Context) error {
	uid, err := currentUser(c)
	if err != nil {
		return err
	}
	var req sendMessageReq
	if err := bindValid(c, &req); err != nil {
		return err
	}
	ctx, cancel := reqCtx(c)
	defer cancel()

	m, err := h.Messages.Send(ctx, uid, req.ReceiverID, req.Content)
	if err != nil {
		return fail(c, h.Log, err)
	}
	return c.JSON(http.StatusCreated, m)
}

// Inbox: GET /v1/messages?limit=
func (h *MessageHandler) Inbox(c echo.Context) error {
	uid, err := currentUser(c)
	if err != nil {
		return err
	}
	limit, err := queryInt(c, "limit")
	if err != nil {
		return err
	}
	ctx, cancel := reqCtx(c)
	defer cancel()

	ms, err := h.Messages.Inbox(ctx, uid, int64(limit))
	if err != nil {
		return fail(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, messageList(ms))
}

// Conversation: GET /v1/messages/conversation/:otherUserId
func (h *MessageHandler) Conversation(c echo.Context) error {
	uid, err := currentUser(c)
	if err != nil {
		return err
	}
	other, err := strconv.ParseUint(c.Param("otherUserId"), 10, 64)
	if err != nil || other == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid otherUserId")
	}
	ctx, cancel := reqCtx(c)
	defer cancel()

	ms, err := h.Messages.Conversation(ctx, uid, other)
	if err != nil {
		return fail(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, messageList(ms))
}

// MarkRead: POST /v1/messages/:messageId/read
func (h *MessageHandler) MarkRead(c echo.Context) error {
	uid, err := currentUser(c)
	if err != nil {
		return err
	}
	ctx, cancel := reqCtx(c)
	defer cancel()

	m, err := h.Messages.MarkRead(ctx, uid, c.Param("messageId"))
	if err != nil {
		return fail(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, m)
}

// UnreadCount: GET /v1/messages/unread/count
func (h *MessageHandler) UnreadCount(c echo.Context) error {
	uid, err := currentUser(c)
	if err != nil {
		return err
	}
	ctx, cancel := reqCtx(c)
	defer cancel()

	n, err := h.Messages.UnreadCount(ctx, uid)
	if err != nil {
		return fail(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"count": n})
}
