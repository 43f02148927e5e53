package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/local-heroes/internal/model"
	"github.com/iliyamo/local-heroes/internal/service"
)

// NotificationHandler serves the notification inbox.
type NotificationHandler struct {
	Notifications *service.NotificationService
	Log           logrus.FieldLogger
}

func NewNotificationHandler(n *service.NotificationService, log logrus.FieldLogger) *NotificationHandler {
	return &NotificationHandler{Notifications: n, Log: log}
}

type notificationPageResponse struct {
	Notifications []model.Notification `json:"notifications"`
	Total         int64                `json:"total"`
	UnreadCount   int64                `json:"unreadCount"`
	Limit         int                  `json:"limit"`
	Offset        int                  `json:"offset"`
}

// List: GET /v1/notifications?limit=&offset=
func (h *NotificationHandler) List(c echo.Context) error {
	uid, err := currentUser(c)
	if err != nil {
		return err
	}
	limit, err := queryInt(c, "limit")
	if err != nil {
		return err
	}
	offset, err := queryInt(c, "offset")
	if err != nil {
		return err
	}
	ctx, cancel := reqCtx(c)
	defer cancel()

	page, err := h.Notifications.List(ctx, uid, limit, offset)
	if err != nil {
		return fail(c, h.Log, err)
	}
	items := page.Notifications
	if items == nil {
		items = []model.Notification{}
	}
	return c.JSON(http.StatusOK, notificationPageResponse{
		Notifications: items,
		Total:         page.Total,
		UnreadCount:   page.UnreadCount,
		Limit:         page.Limit,
		Offset:        page.Offset,
	})
}

// UnreadCount: GET /v1/notifications/unread/count
func (h *NotificationHandler) UnreadCount(c echo.Context) error {
	uid, err := currentUser(c)
	if err != nil {
		return err
	}
	ctx, cancel := reqCtx(c)
	defer cancel()

	n, err := h.Notifications.UnreadCount(ctx, uid)
	if err != nil {
		return fail(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"count": n})
}

// MarkRead: PATCH /v1/notifications/:id/read
func (h *NotificationHandler) MarkRead(c echo.Context) error {
	uid, err := currentUser(c)
	if err != nil {
		return err
	}
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	ctx, cancel := reqCtx(c)
	defer cancel()

	if err := h.Notifications.MarkRead(ctx, uid, id); err != nil {
		return fail(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "Notification marked as read"})
}

// MarkAllRead: PATCH /v1/notifications/mark-all-read
func (h *NotificationHandler) MarkAllRead(c echo.Context) error {
	uid, err := currentUser(c)
	if err != nil {
		return err
	}
	ctx, cancel := reqCtx(c)
	defer cancel()

	n, err := h.Notifications.MarkAllRead(ctx, uid)
	if err != nil {
		return fail(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "All notifications marked as read", "updated": n})
}

// Delete: DELETE /v1/notifications/:id
func (h *NotificationHandler) Delete(c echo.Context) error {
	uid, err := currentUser(c)
	if err != nil {
		return err
	}
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	ctx, cancel := reqCtx(c)
	defer cancel()

	if err := h.Notifications.Delete(ctx, uid, id); err != nil {
		return fail(c, h.Log, err)
	}
	return c.NoContent(http.StatusNoContent)
}
