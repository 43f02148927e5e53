package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/local-heroes/internal/middleware"
	"github.com/iliyamo/local-heroes/internal/model"
	"github.com/iliyamo/local-heroes/internal/service"
)

// asUser stands in for JWTAuth by storing a fixed identity.
func asUser(id uint64) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set(middleware.CtxUserID, id)
			c.Set(middleware.CtxRole, model.RoleUser)
			return next(c)
		}
	}
}

type taskFixture struct {
	e     *echo.Echo
	store *memTasks
}

func newTaskFixture() *taskFixture {
	users := newMemUsers()
	for _, name := range []string{"poster", "worker"} {
		_, _ = users.Create(context.Background(), model.User{Email: name + "@example.com", FirstName: name})
	}
	store := newMemTasks()
	h := NewTaskHandler(service.NewTaskService(store, users, nil, nil, false, nullLogger()), nullLogger())

	e := newEcho()
	e.GET("/v1/tasks", h.Search)
	e.GET("/v1/tasks/:id", h.Get)
	for id, prefix := range map[uint64]string{1: "/poster", 2: "/worker"} {
		g := e.Group(prefix, asUser(id))
		g.POST("/tasks", h.Create)
		g.PATCH("/tasks/:id", h.Update)
		g.PATCH("/tasks/:id/accept", h.Accept())
		g.PATCH("/tasks/:id/complete", h.Complete())
		g.DELETE("/tasks/:id", h.Delete)
	}
	return &taskFixture{e: e, store: store}
}

func (f *taskFixture) create(t *testing.T) taskResponse {
	t.Helper()
	rec := do(f.e, http.MethodPost, "/poster/tasks",
		`{"title":"Fix fence","description":"Two broken boards","price":"40.50","tags":["garden"," garden"],"location":{"address":"1 Main St"}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var task taskResponse
	decode(t, rec, &task)
	return task
}

func TestCreateTaskResponse(t *testing.T) {
	f := newTaskFixture()
	task := f.create(t)

	assert.Equal(t, "Fix fence", task.Title)
	assert.Equal(t, model.TaskOpen, task.Status)
	assert.True(t, decimal.RequireFromString("40.5").Equal(task.Price))
	assert.Equal(t, []string{"garden"}, task.Tags)
	assert.Equal(t, "1 Main St", task.Location.Address)
	assert.Equal(t, uint64(1), task.PostedBy.ID)
	assert.Nil(t, task.AcceptedBy)
	assert.Empty(t, task.Applicants)
}

func TestCreateTaskValidation(t *testing.T) {
	f := newTaskFixture()
	rec := do(f.e, http.MethodPost, "/poster/tasks", `{"description":"x"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "title is required", errorBody(t, rec))
}

func TestCreateTaskKeepsClientCoordinates(t *testing.T) {
	f := newTaskFixture()
	rec := do(f.e, http.MethodPost, "/poster/tasks",
		`{"title":"Paint door","description":"Blue","location":{"address":"1 Main St","latitude":52.5,"longitude":13.4}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var task taskResponse
	decode(t, rec, &task)
	require.NotNil(t, task.Location.Latitude)
	require.NotNil(t, task.Location.Longitude)
	assert.Equal(t, 52.5, *task.Location.Latitude)
	assert.Equal(t, 13.4, *task.Location.Longitude)

	rec = do(f.e, http.MethodPatch, "/poster/tasks/"+strconv.FormatUint(task.ID, 10),
		`{"location":{"address":"2 Side St","latitude":-33.9,"longitude":151.2}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decode(t, rec, &task)
	assert.Equal(t, "2 Side St", task.Location.Address)
	assert.Equal(t, -33.9, *task.Location.Latitude)
	assert.Equal(t, 151.2, *task.Location.Longitude)
}

func TestCreateTaskRejectsBadCoordinates(t *testing.T) {
	f := newTaskFixture()
	rec := do(f.e, http.MethodPost, "/poster/tasks",
		`{"title":"x","description":"y","location":{"latitude":91,"longitude":0}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "latitude must be at most 90", errorBody(t, rec))

	rec = do(f.e, http.MethodPost, "/poster/tasks",
		`{"title":"x","description":"y","location":{"latitude":10}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "latitude and longitude must be provided together", errorBody(t, rec))
}

func TestTaskTextLimitsMatchColumns(t *testing.T) {
	f := newTaskFixture()
	body := func(field string, n int) string {
		return `{"title":"x","description":"y","` + field + `":"` + strings.Repeat("a", n) + `"}`
	}
	for _, field := range []string{"category", "experienceLevel"} {
		rec := do(f.e, http.MethodPost, "/poster/tasks", body(field, 50))
		assert.Equal(t, http.StatusCreated, rec.Code, field)

		rec = do(f.e, http.MethodPost, "/poster/tasks", body(field, 51))
		assert.Equal(t, http.StatusBadRequest, rec.Code, field)
		assert.Equal(t, field+" must be at most 50", errorBody(t, rec))
	}

	task := f.create(t)
	rec := do(f.e, http.MethodPatch, "/poster/tasks/"+strconv.FormatUint(task.ID, 10), `{"category":"`+strings.Repeat("a", 51)+`"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "category must be at most 50", errorBody(t, rec))
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	f := newTaskFixture()
	task := f.create(t)
	path := func(prefix, suffix string) string {
		return prefix + "/tasks/" + strconv.FormatUint(task.ID, 10) + suffix
	}

	rec := do(f.e, http.MethodPatch, path("/poster", "/accept"), "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "you cannot accept your own task", errorBody(t, rec))

	rec = do(f.e, http.MethodPatch, path("/worker", "/accept"), "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var accepted taskResponse
	decode(t, rec, &accepted)
	assert.Equal(t, model.TaskInProgress, accepted.Status)
	require.NotNil(t, accepted.AcceptedBy)
	assert.Equal(t, uint64(2), accepted.AcceptedBy.ID)

	rec = do(f.e, http.MethodPatch, path("/worker", ""), `{"title":"Mine now"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(f.e, http.MethodPatch, path("/worker", "/complete"), "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var done taskResponse
	decode(t, rec, &done)
	assert.Equal(t, model.TaskCompleted, done.Status)
}

func TestGetTaskNotFoundAndBadID(t *testing.T) {
	f := newTaskFixture()
	rec := do(f.e, http.MethodGet, "/v1/tasks/99", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "task not found", errorBody(t, rec))
	assert.Empty(t, f.store.rows)

	rec = do(f.e, http.MethodGet, "/v1/tasks/abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid id", errorBody(t, rec))
}

func TestSearchParsesQuery(t *testing.T) {
	f := newTaskFixture()
	f.create(t)

	rec := do(f.e, http.MethodGet, "/v1/tasks?search=fence&status=open&minPrice=10&maxPrice=50&tags=a,b&sort=price_asc&page=2&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var page taskPageResponse
	decode(t, rec, &page)
	assert.Equal(t, 2, page.Page)
	assert.Equal(t, 5, page.Limit)
	assert.Equal(t, int64(1), page.Total)

	got := f.store.last
	assert.Equal(t, "fence", got.Search)
	assert.Equal(t, model.TaskOpen, got.Status)
	assert.Equal(t, []string{"a", "b"}, got.Tags)
	assert.Equal(t, model.SortPriceAsc, got.Sort)
	require.NotNil(t, got.MinPrice)
	assert.True(t, decimal.NewFromInt(10).Equal(*got.MinPrice))

	rec = do(f.e, http.MethodGet, "/v1/tasks?minPrice=60&maxPrice=50", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "minPrice must not exceed maxPrice", errorBody(t, rec))
}

func TestParseTaskFilterIgnoresUnknownValues(t *testing.T) {
	e := newEcho()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/v1/tasks?status=bogus&sort=random&postedBy=3", nil), httptest.NewRecorder())
	f, err := parseTaskFilter(c)
	require.NoError(t, err)
	assert.Empty(t, f.Status)
	assert.Empty(t, f.Sort)
	assert.Equal(t, uint64(3), f.PostedBy)

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/v1/tasks?postedBy=me", nil), httptest.NewRecorder())
	_, err = parseTaskFilter(c)
	var he *echo.HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusUnauthorized, he.Code)

	c.Set(middleware.CtxUserID, uint64(9))
	f, err = parseTaskFilter(c)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), f.PostedBy)

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/v1/tasks?page=-1", nil), httptest.NewRecorder())
	_, err = parseTaskFilter(c)
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusBadRequest, he.Code)
}
