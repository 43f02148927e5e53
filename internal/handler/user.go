package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/local-heroes/internal/model"
	"github.com/iliyamo/local-heroes/internal/service"
)

// UserHandler serves profile endpoints.
type UserHandler struct {
	Users *service.UserService
	Log   logrus.FieldLogger
}

func NewUserHandler(users *service.UserService, log logrus.FieldLogger) *UserHandler {
	return &UserHandler{Users: users, Log: log}
}

// userResponse is the owner's view of their account; the password hash
// never leaves the service layer.
type userResponse struct {
	ID              uint64          `json:"id"`
	Email           string          `json:"email"`
	FirstName       string          `json:"firstName"`
	LastName        string          `json:"lastName"`
	Role            string          `json:"role"`
	Balance         decimal.Decimal `json:"balance"`
	Phone           string          `json:"phone,omitempty"`
	Address         string          `json:"address,omitempty"`
	Bio             string          `json:"bio,omitempty"`
	Skills          []string        `json:"skills"`
	ProfilePicture  string          `json:"profilePicture,omitempty"`
	EmailVerifiedAt *time.Time      `json:"emailVerifiedAt,omitempty"`
	Version         uint64          `json:"version"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

func toUserResponse(u model.User) userResponse {
	skills := u.Skills
	if skills == nil {
		skills = []string{}
	}
	return userResponse{
		ID:              u.ID,
		Email:           u.Email,
		FirstName:       u.FirstName,
		LastName:        u.LastName,
		Role:            u.Role,
		Balance:         u.Balance,
		Phone:           u.Phone,
		Address:         u.Address,
		Bio:             u.Bio,
		Skills:          skills,
		ProfilePicture:  u.ProfilePicture,
		EmailVerifiedAt: u.EmailVerifiedAt,
		Version:         u.Version,
		CreatedAt:       u.CreatedAt,
		UpdatedAt:       u.UpdatedAt,
	}
}

type updateProfileReq struct {
	Version        uint64   `json:"version" validate:"required"`
	FirstName      *string  `json:"firstName" validate:"omitempty,max=100"`
	LastName       *string  `json:"lastName" validate:"omitempty,max=100"`
	Phone          *string  `json:"phone" validate:"omitempty,max=32"`
	Address        *string  `json:"address" validate:"omitempty,max=255"`
	Bio            *string  `json:"bio" validate:"omitempty,max=1000"`
	Skills         []string `json:"skills" validate:"omitempty,dive,max=32"`
	ProfilePicture *string  `json:"profilePicture" validate:"omitempty,url,max=512"`
}

type topUpReq struct {
	Amount decimal.Decimal `json:"amount"`
}

// Me: GET /v1/me
func (h *UserHandler) Me(c echo.Context) error {
	uid, err := currentUser(c)
	if err != nil {
		return err
	}
	ctx, cancel := reqCtx(c)
	defer cancel()

	u, err := h.Users.Me(ctx, uid)
	if err != nil {
		return fail(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, toUserResponse(u))
}

// UpdateMe: PATCH /v1/me.  The body must carry the version last read.
func (h *UserHandler) UpdateMe(c echo.Context) error {
	uid, err := currentUser(c)
	if err != nil {
		return err
	}
	var req updateProfileReq
	if err := bindValid(c, &req); err != nil {
		return err
	}
	ctx, cancel := reqCtx(c)
	defer cancel()

	u, err := h.Users.UpdateProfile(ctx, uid, req.Version, model.ProfileUpdate{
		FirstName:      req.FirstName,
		LastName:       req.LastName,
		Phone:          req.Phone,
		Address:        req.Address,
		Bio:            req.Bio,
		Skills:         req.Skills,
		ProfilePicture: req.ProfilePicture,
	})
	if err != nil {
		return fail(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, toUserResponse(u))
}

// Public: GET /v1/users/:id
func (h *UserHandler) Public(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	ctx, cancel := reqCtx(c)
	defer cancel()

	s, err := h.Users.Public(ctx, id)
	if err != nil {
		return fail(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, s)
}

// TopUp: POST /v1/admin/users/:id/balance (admin only)
func (h *UserHandler) TopUp(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req topUpReq
	if err := bindValid(c, &req); err != nil {
		return err
	}
	ctx, cancel := reqCtx(c)
	defer cancel()

	bal, err := h.Users.TopUp(ctx, id, req.Amount)
	if err != nil {
		return fail(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"userId": id, "balance": bal})
}
