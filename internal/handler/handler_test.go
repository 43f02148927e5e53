package handler

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/local-heroes/internal/middleware"
	"github.com/iliyamo/local-heroes/internal/model"
	"github.com/iliyamo/local-heroes/internal/repository"
	"github.com/iliyamo/local-heroes/internal/service"
)

func TestErrorStatusMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		msg    string
	}{
		{&service.Error{Kind: service.ErrNotFound, Message: "task not found"}, http.StatusNotFound, "task not found"},
		{&service.Error{Kind: service.ErrForbidden, Message: "no"}, http.StatusForbidden, "no"},
		{&service.Error{Kind: service.ErrUnauthorized, Message: "who"}, http.StatusUnauthorized, "who"},
		{&service.Error{Kind: service.ErrConflict, Message: "stale"}, http.StatusConflict, "stale"},
		{&service.Error{Kind: service.ErrBadRequest, Message: "bad"}, http.StatusBadRequest, "bad"},
		{errors.New("db exploded"), http.StatusInternalServerError, "internal server error"},
		{echo.NewHTTPError(http.StatusTeapot, "short and stout"), http.StatusTeapot, "short and stout"},
		{echo.ErrMethodNotAllowed, http.StatusMethodNotAllowed, "Method Not Allowed"},
	}
	for _, tc := range cases {
		e := newEcho()
		err := tc.err
		e.GET("/", func(echo.Context) error { return err })

		rec := do(e, http.MethodGet, "/", "")
		assert.Equal(t, tc.status, rec.Code, tc.msg)
		assert.Equal(t, tc.msg, errorBody(t, rec))
	}
}

func TestHealthReportsFailingChecks(t *testing.T) {
	e := newEcho()
	ok := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("refused") }

	e.GET("/healthz", Health(map[string]Pinger{"mysql": ok}))
	e.GET("/degraded", Health(map[string]Pinger{"mysql": ok, "mongo": down}))

	rec := do(e, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","mysql":"ok"}`, rec.Body.String())

	rec = do(e, http.MethodGet, "/degraded", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"degraded","mysql":"ok","mongo":"down"}`, rec.Body.String())
}

// memNotifications backs the notification inbox handler.
type memNotifications struct {
	mu   sync.Mutex
	rows []model.Notification
}

func (m *memNotifications) Create(_ context.Context, n *model.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n.ID = uint64(len(m.rows) + 1)
	m.rows = append(m.rows, *n)
	return nil
}

func (m *memNotifications) ListForUser(_ context.Context, userID uint64, limit, offset int) ([]model.Notification, int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var mine []model.Notification
	var unread int64
	for _, n := range m.rows {
		if n.UserID == userID {
			mine = append(mine, n)
			if !n.Read {
				unread++
			}
		}
	}
	total := int64(len(mine))
	if offset > len(mine) {
		offset = len(mine)
	}
	mine = mine[offset:]
	if len(mine) > limit {
		mine = mine[:limit]
	}
	return mine, total, unread, nil
}

func (m *memNotifications) UnreadCount(ctx context.Context, userID uint64) (int64, error) {
	_, _, unread, err := m.ListForUser(ctx, userID, 1, 0)
	return unread, err
}

func (m *memNotifications) MarkRead(_ context.Context, userID, id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.rows {
		if m.rows[i].ID == id && m.rows[i].UserID == userID {
			m.rows[i].Read = true
			return nil
		}
	}
	return repository.ErrNotFound
}

func (m *memNotifications) MarkAllRead(_ context.Context, userID uint64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for i := range m.rows {
		if m.rows[i].UserID == userID && !m.rows[i].Read {
			m.rows[i].Read = true
			n++
		}
	}
	return n, nil
}

func (m *memNotifications) Delete(_ context.Context, userID, id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.rows {
		if m.rows[i].ID == id && m.rows[i].UserID == userID {
			m.rows = append(m.rows[:i], m.rows[i+1:]...)
			return nil
		}
	}
	return repository.ErrNotFound
}

func TestNotificationInbox(t *testing.T) {
	store := &memNotifications{}
	for _, uid := range []uint64{1, 1, 2} {
		require.NoError(t, store.Create(context.Background(), &model.Notification{UserID: uid, Type: model.NotifyJobApplication, Title: "New application"}))
	}
	h := NewNotificationHandler(service.NewNotificationService(store, nil, nullLogger()), nullLogger())
	e := newEcho()
	g := e.Group("/v1/notifications", asUser(1))
	g.GET("", h.List)
	g.GET("/unread/count", h.UnreadCount)
	g.PATCH("/mark-all-read", h.MarkAllRead)
	g.PATCH("/:id/read", h.MarkRead)
	g.DELETE("/:id", h.Delete)

	rec := do(e, http.MethodGet, "/v1/notifications?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var page notificationPageResponse
	decode(t, rec, &page)
	assert.Len(t, page.Notifications, 1)
	assert.Equal(t, int64(2), page.Total)
	assert.Equal(t, int64(2), page.UnreadCount)

	assert.Equal(t, http.StatusOK, do(e, http.MethodPatch, "/v1/notifications/1/read", "").Code)
	assert.Equal(t, http.StatusNotFound, do(e, http.MethodPatch, "/v1/notifications/3/read", "").Code)

	rec = do(e, http.MethodGet, "/v1/notifications/unread/count", "")
	assert.JSONEq(t, `{"count":1}`, rec.Body.String())

	assert.Equal(t, http.StatusOK, do(e, http.MethodPatch, "/v1/notifications/mark-all-read", "").Code)
	assert.Equal(t, http.StatusNoContent, do(e, http.MethodDelete, "/v1/notifications/2", "").Code)
	assert.Equal(t, http.StatusNotFound, do(e, http.MethodDelete, "/v1/notifications/2", "").Code)
}

func TestProfileEndpoints(t *testing.T) {
	users := newMemUsers()
	uid, err := users.Create(context.Background(), model.User{Email: "erin@example.com", FirstName: "Erin", PasswordHash: "hash"})
	require.NoError(t, err)

	h := NewUserHandler(service.NewUserService(users, nullLogger()), nullLogger())
	e := newEcho()
	e.GET("/v1/me", h.Me, asUser(uid))
	e.PATCH("/v1/me", h.UpdateMe, asUser(uid))
	e.GET("/v1/users/:id", h.Public)
	e.POST("/v1/admin/users/:id/balance", h.TopUp, asUser(uid), middleware.RequireRole(model.RoleAdmin))
	e.POST("/internal/users/:id/balance", h.TopUp)

	rec := do(e, http.MethodGet, "/v1/me", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "hash")

	rec = do(e, http.MethodPatch, "/v1/me", `{"bio":"handy"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "version is required", errorBody(t, rec))

	rec = do(e, http.MethodPatch, "/v1/me", `{"version":1,"bio":"handy"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var me userResponse
	decode(t, rec, &me)
	assert.Equal(t, "handy", me.Bio)
	assert.Equal(t, uint64(2), me.Version)

	rec = do(e, http.MethodPatch, "/v1/me", `{"version":1,"bio":"stale"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(e, http.MethodGet, "/v1/users/1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"firstName":"Erin"`)

	rec = do(e, http.MethodPost, "/v1/admin/users/1/balance", `{"amount":"10"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(e, http.MethodPost, "/internal/users/1/balance", `{"amount":"12.345"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out struct {
		Balance decimal.Decimal `json:"balance"`
	}
	decode(t, rec, &out)
	assert.True(t, decimal.RequireFromString("12.35").Equal(out.Balance), out.Balance.String())

	rec = do(e, http.MethodPost, "/internal/users/1/balance", `{"amount":"-1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
