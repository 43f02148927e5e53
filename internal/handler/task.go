package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/local-heroes/internal/middleware"
	"github.com/iliyamo/local-heroes/internal/model"
	"github.com/iliyamo/local-heroes/internal/service"
)

// TaskHandler serves the task marketplace endpoints.
type TaskHandler struct {
	Tasks *service.TaskService
	Log   logrus.FieldLogger
}

func NewTaskHandler(tasks *service.TaskService, log logrus.FieldLogger) *TaskHandler {
	return &TaskHandler{Tasks: tasks, Log: log}
}

// ----- DTOs -----

type locationDTO struct {
	Address   string   `json:"address" validate:"max=255"`
	Latitude  *float64 `json:"latitude,omitempty" validate:"omitempty,gte=-90,lte=90"`
	Longitude *float64 `json:"longitude,omitempty" validate:"omitempty,gte=-180,lte=180"`
}

type createTaskReq struct {
	Title           string          `json:"title" validate:"required,max=100"`
	Description     string          `json:"description" validate:"required,max=1000"`
	Price           decimal.Decimal `json:"price"`
	Category        string          `json:"category" validate:"max=50"`
	Tags            []string        `json:"tags" validate:"max=20,dive,max=32"`
	ExperienceLevel string          `json:"experienceLevel" validate:"max=50"`
	DueDate         *time.Time      `json:"dueDate"`
	Location        locationDTO     `json:"location"`
}

type updateTaskReq struct {
	Title           *string          `json:"title" validate:"omitempty,min=1,max=100"`
	Description     *string          `json:"description" validate:"omitempty,min=1,max=1000"`
	Price           *decimal.Decimal `json:"price"`
	Category        *string          `json:"category" validate:"omitempty,max=50"`
	Tags            []string         `json:"tags" validate:"omitempty,max=20,dive,max=32"`
	ExperienceLevel *string          `json:"experienceLevel" validate:"omitempty,max=50"`
	DueDate         *time.Time       `json:"dueDate"`
	Location        *locationDTO     `json:"location"`
}

type taskResponse struct {
	ID              uint64              `json:"id"`
	Title           string              `json:"title"`
	Description     string              `json:"description"`
	Price           decimal.Decimal     `json:"price"`
	Status          model.TaskStatus    `json:"status"`
	Category        string              `json:"category,omitempty"`
	Tags            []string            `json:"tags"`
	ExperienceLevel string              `json:"experienceLevel,omitempty"`
	DueDate         *time.Time          `json:"dueDate,omitempty"`
	Location        locationDTO         `json:"location"`
	PostedBy        model.UserSummary   `json:"postedBy"`
	AcceptedBy      *model.UserSummary  `json:"acceptedBy"`
	Applicants      []model.UserSummary `json:"applicants"`
	Views           uint64              `json:"views"`
	Version         uint64              `json:"version"`
	CreatedAt       time.Time           `json:"createdAt"`
	UpdatedAt       time.Time           `json:"updatedAt"`
}

type taskPageResponse struct {
	Tasks      []taskResponse `json:"tasks"`
	Total      int64          `json:"total"`
	Page       int            `json:"page"`
	Limit      int            `json:"limit"`
	TotalPages int            `json:"totalPages"`
}

func toTaskResponse(t *model.Task) taskResponse {
	poster := t.Poster
	if poster.ID == 0 {
		poster.ID = t.PosterID
	}
	var worker *model.UserSummary
	if t.HasWorker() {
		w := model.UserSummary{ID: t.WorkerID}
		if t.Worker != nil {
			w = *t.Worker
		}
		worker = &w
	}
	applicants := t.Applicants
	if len(applicants) == 0 && len(t.ApplicantIDs) > 0 {
		for _, id := range t.ApplicantIDs {
			applicants = append(applicants, model.UserSummary{ID: id})
		}
	}
	if applicants == nil {
		applicants = []model.UserSummary{}
	}
	tags := t.Tags
	if tags == nil {
		tags = []string{}
	}
	return taskResponse{
		ID:              t.ID,
		Title:           t.Title,
		Description:     t.Description,
		Price:           t.Price,
		Status:          t.Status,
		Category:        t.Category,
		Tags:            tags,
		ExperienceLevel: t.ExperienceLevel,
		DueDate:         t.DueDate,
		Location:        locationDTO{Address: t.Location.Address, Latitude: t.Location.Latitude, Longitude: t.Location.Longitude},
		PostedBy:        poster,
		AcceptedBy:      worker,
		Applicants:      applicants,
		Views:           t.Views,
		Version:         t.Version,
		CreatedAt:       t.CreatedAt,
		UpdatedAt:       t.UpdatedAt,
	}
}

func toTaskList(tasks []model.Task) []taskResponse {
	out := make([]taskResponse, 0, len(tasks))
	for i := range tasks {
		out = append(out, toTaskResponse(&tasks[i]))
	}
	return out
}

// Create: POST /v1/tasks
func (h *TaskHandler) Create(c echo.Context) error {
	uid, err := currentUser(c)
	if err != nil {
		return err
	}
	var req createTaskReq
	if err := bindValid(c, &req); err != nil {
		return err
	}
	ctx, cancel := reqCtx(c)
	defer cancel()

	t, err := h.Tasks.Create(ctx, uid, service.CreateTaskInput{
		Title:           req.Title,
		Description:     req.Description,
		Price:           req.Price,
		Category:        req.Category,
		Tags:            req.Tags,
		ExperienceLevel: req.ExperienceLevel,
		DueDate:         req.DueDate,
		Address:         req.Location.Address,
		Latitude:        req.Location.Latitude,
		Longitude:       req.Location.Longitude,
	})
	if err != nil {
		return fail(c, h.Log, err)
	}
	return c.JSON(http.StatusCreated, toTaskResponse(t))
}

// Get: GET /v1/tasks/:id
func (h *TaskHandler) Get(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	ctx, cancel := reqCtx(c)
	defer cancel()

	t, err := h.Tasks.Get(ctx, id)
	if err != nil {
		return fail(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, toTaskResponse(t))
}

// Update: PATCH /v1/tasks/:id (poster only)
func (h *TaskHandler) Update(c echo.Context) error {
	uid, err := currentUser(c)
	if err != nil {
		return err
	}
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req updateTaskReq
	if err := bindValid(c, &req); err != nil {
		return err
	}
	f := model.TaskFields{
		Title:           req.Title,
		Description:     req.Description,
		Price:           req.Price,
		Category:        req.Category,
		Tags:            req.Tags,
		ExperienceLevel: req.ExperienceLevel,
		DueDate:         req.DueDate,
	}
	if req.Location != nil {
		f.Address = &req.Location.Address
		f.Latitude, f.Longitude = req.Location.Latitude, req.Location.Longitude
	}
	ctx, cancel := reqCtx(c)
	defer cancel()

	t, err := h.Tasks.Update(ctx, uid, id, f)
	if err != nil {
		return fail(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, toTaskResponse(t))
}

// Delete: DELETE /v1/tasks/:id (poster only)
func (h *TaskHandler) Delete(c echo.Context) error {
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

	if err := h.Tasks.Remove(ctx, uid, id); err != nil {
		return fail(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "Task deleted successfully"})
}

// taskAction adapts a lifecycle operation taking (actor, task) to a handler.
func (h *TaskHandler) taskAction(op func(ctx context.Context, actorID, id uint64) (*model.Task, error)) echo.HandlerFunc {
	return func(c echo.Context) error {
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

		t, err := op(ctx, uid, id)
		if err != nil {
			return fail(c, h.Log, err)
		}
		return c.JSON(http.StatusOK, toTaskResponse(t))
	}
}

// applicantAction is taskAction for operations that also name an applicant.
func (h *TaskHandler) applicantAction(op func(ctx context.Context, actorID, id, applicantID uint64) (*model.Task, error)) echo.HandlerFunc {
	return func(c echo.Context) error {
		uid, err := currentUser(c)
		if err != nil {
			return err
		}
		id, err := pathID(c, "id")
		if err != nil {
			return err
		}
		applicant, err := pathID(c, "userId")
		if err != nil {
			return err
		}
		ctx, cancel := reqCtx(c)
		defer cancel()

		t, err := op(ctx, uid, id, applicant)
		if err != nil {
			return fail(c, h.Log, err)
		}
		return c.JSON(http.StatusOK, toTaskResponse(t))
	}
}

// Apply: POST /v1/tasks/:id/apply
func (h *TaskHandler) Apply() echo.HandlerFunc { return h.taskAction(h.Tasks.Apply) }

// Accept: PATCH /v1/tasks/:id/accept
func (h *TaskHandler) Accept() echo.HandlerFunc { return h.taskAction(h.Tasks.AcceptTask) }

// Complete: PATCH /v1/tasks/:id/complete
func (h *TaskHandler) Complete() echo.HandlerFunc { return h.taskAction(h.Tasks.CompleteTask) }

// Cancel: PATCH /v1/tasks/:id/cancel
func (h *TaskHandler) Cancel() echo.HandlerFunc { return h.taskAction(h.Tasks.CancelTask) }

// AcceptApplicant: PATCH /v1/tasks/:id/applicants/:userId/accept
func (h *TaskHandler) AcceptApplicant() echo.HandlerFunc {
	return h.applicantAction(h.Tasks.AcceptApplicant)
}

// DenyApplicant: PATCH /v1/tasks/:id/applicants/:userId/deny
func (h *TaskHandler) DenyApplicant() echo.HandlerFunc {
	return h.applicantAction(h.Tasks.DenyApplicant)
}

// Search: GET /v1/tasks
//
// postedBy and acceptedBy take a user id or "me"; "me" requires a token.
func (h *TaskHandler) Search(c echo.Context) error {
	f, err := parseTaskFilter(c)
	if err != nil {
		return err
	}
	ctx, cancel := reqCtx(c)
	defer cancel()

	page, err := h.Tasks.Search(ctx, f, c.QueryParam("datePosted"))
	if err != nil {
		return fail(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, taskPageResponse{
		Tasks:      toTaskList(page.Tasks),
		Total:      page.Total,
		Page:       page.Page,
		Limit:      page.Limit,
		TotalPages: page.TotalPages,
	})
}

// Posted: GET /v1/tasks/posted
func (h *TaskHandler) Posted(c echo.Context) error {
	uid, err := currentUser(c)
	if err != nil {
		return err
	}
	ctx, cancel := reqCtx(c)
	defer cancel()

	tasks, err := h.Tasks.ListPosted(ctx, uid)
	if err != nil {
		return fail(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, toTaskList(tasks))
}

// Accepted: GET /v1/tasks/accepted
func (h *TaskHandler) Accepted(c echo.Context) error {
	uid, err := currentUser(c)
	if err != nil {
		return err
	}
	ctx, cancel := reqCtx(c)
	defer cancel()

	tasks, err := h.Tasks.ListAccepted(ctx, uid)
	if err != nil {
		return fail(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, toTaskList(tasks))
}

// Stats: GET /v1/tasks/stats
func (h *TaskHandler) Stats(c echo.Context) error {
	ctx, cancel := reqCtx(c)
	defer cancel()

	counts, err := h.Tasks.Stats(ctx)
	if err != nil {
		return fail(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"counts": counts, "paymentsEnabled": h.Tasks.PaymentsEnabled()})
}

// parseTaskFilter reads the search query string.  Unknown statuses and
// sort orders are ignored; malformed numbers are rejected.
func parseTaskFilter(c echo.Context) (model.TaskFilter, error) {
	var f model.TaskFilter
	var err error
	if f.PostedBy, err = userRef(c, "postedBy"); err != nil {
		return f, err
	}
	if f.AcceptedBy, err = userRef(c, "acceptedBy"); err != nil {
		return f, err
	}
	f.Search = strings.TrimSpace(c.QueryParam("search"))
	f.Location = strings.TrimSpace(c.QueryParam("location"))
	f.Category = strings.TrimSpace(c.QueryParam("category"))
	if f.MinPrice, err = queryDecimal(c, "minPrice"); err != nil {
		return f, err
	}
	if f.MaxPrice, err = queryDecimal(c, "maxPrice"); err != nil {
		return f, err
	}
	if st := model.TaskStatus(strings.ToUpper(c.QueryParam("status"))); st.Valid() {
		f.Status = st
	}
	if raw := c.QueryParam("tags"); raw != "" {
		f.Tags = strings.Split(raw, ",")
	}
	switch s := c.QueryParam("sort"); s {
	case model.SortNewest, model.SortOldest, model.SortPriceAsc, model.SortPriceDesc, model.SortDueDate:
		f.Sort = s
	}
	if f.Page, err = queryInt(c, "page"); err != nil {
		return f, err
	}
	if f.Limit, err = queryInt(c, "limit"); err != nil {
		return f, err
	}
	return f, nil
}

func userRef(c echo.Context, name string) (uint64, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, nil
	}
	if raw == "me" {
		id, ok := middleware.UserID(c)
		if !ok {
			return 0, echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
		}
		return id, nil
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

func queryDecimal(c echo.Context, name string) (*decimal.Decimal, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil || d.IsNegative() {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return &d, nil
}

func queryInt(c echo.Context, name string) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return n, nil
}
