package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/local-heroes/internal/middleware"
	"github.com/iliyamo/local-heroes/internal/service"
	"github.com/iliyamo/local-heroes/internal/utils"
)

const oauthStateCookie = "oauthState"

// AuthHandler bundles dependencies for auth endpoints.
type AuthHandler struct {
	Auth          *service.AuthService
	SecureCookies bool
	// SuccessRedirect, when set, is where the browser lands after Google
	// sign-in instead of receiving JSON.
	SuccessRedirect string
	Log             logrus.FieldLogger
}

func NewAuthHandler(auth *service.AuthService, secureCookies bool, successRedirect string, log logrus.FieldLogger) *AuthHandler {
	return &AuthHandler{Auth: auth, SecureCookies: secureCookies, SuccessRedirect: successRedirect, Log: log}
}

// ----- DTOs -----

type registerReq struct {
	Email     string `json:"email" validate:"required,email"`
	Password  string `json:"password" validate:"required,min=6,max=72"`
	FirstName string `json:"firstName" validate:"max=100"`
	LastName  string `json:"lastName" validate:"max=100"`
	Phone     string `json:"phone" validate:"max=32"`
}

type loginReq struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type refreshReq struct {
	RefreshToken string `json:"refresh_token"`
}

type resetRequestReq struct {
	Email string `json:"email" validate:"required,email"`
}

type resetConfirmReq struct {
	Token    string `json:"token" validate:"required"`
	Password string `json:"password" validate:"required,min=6,max=72"`
}

type changePasswordReq struct {
	OldPassword string `json:"oldPassword" validate:"required"`
	NewPassword string `json:"newPassword" validate:"required,min=6,max=72"`
}

type tokenPart struct {
	Token   string    `json:"token"`
	Expires time.Time `json:"expires"`
}

type authResp struct {
	User        userResponse `json:"user"`
	AccessToken string       `json:"accessToken"`
	Access      tokenPart    `json:"access"`
	Refresh     tokenPart    `json:"refresh"`
}

func part(t utils.SignedToken) tokenPart { return tokenPart{Token: t.Token, Expires: t.Exp} }

// respondSession sets both token cookies and writes the session body.
func (h *AuthHandler) respondSession(c echo.Context, status int, s service.Session) error {
	middleware.SetTokenCookie(c, middleware.AccessCookie, s.Tokens.Access, h.SecureCookies)
	middleware.SetTokenCookie(c, middleware.RefreshCookie, s.Tokens.Refresh, h.SecureCookies)
	return c.JSON(status, authResp{
		User:        toUserResponse(s.User),
		AccessToken: s.Tokens.Access.Token,
		Access:      part(s.Tokens.Access),
		Refresh:     part(s.Tokens.Refresh),
	})
}

// refreshFrom reads the refresh token from cookie, header or JSON body.
func refreshFrom(c echo.Context) string {
	if raw := middleware.RefreshTokenFrom(c); raw != "" {
		return raw
	}
	var req refreshReq
	_ = c.Bind(&req)
	return strings.TrimSpace(req.RefreshToken)
}

// Register: create user and return tokens immediately.
func (h *AuthHandler) Register(c echo.Context) error {
	var req registerReq
	if err := bindValid(c, &req); err != nil {
		return err
	}
	ctx, cancel := reqCtx(c)
	defer cancel()

	s, err := h.Auth.Register(ctx, service.RegisterInput{
		Email:     req.Email,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Phone:     req.Phone,
	})
	if err != nil {
		return fail(c, h.Log, err)
	}
	return h.respondSession(c, http.StatusCreated, s)
}

// Login: verify credentials and return a new pair.
func (h *AuthHandler) Login(c echo.Context) error {
	var req loginReq
	if err := bindValid(c, &req); err != nil {
		return err
	}
	ctx, cancel := reqCtx(c)
	defer cancel()

	s, err := h.Auth.Login(ctx, req.Email, req.Password)
	if err != nil {
		return fail(c, h.Log, err)
	}
	return h.respondSession(c, http.StatusOK, s)
}

// Refresh: mint a new access token; the refresh token is not rotated.
func (h *AuthHandler) Refresh(c echo.Context) error {
	raw := refreshFrom(c)
	if raw == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "refresh token is missing")
	}
	ctx, cancel := reqCtx(c)
	defer cancel()

	access, err := h.Auth.Refresh(ctx, raw)
	if err != nil {
		return fail(c, h.Log, err)
	}
	middleware.SetTokenCookie(c, middleware.AccessCookie, access, h.SecureCookies)
	return c.JSON(http.StatusOK, echo.Map{"accessToken": access.Token, "access": part(access)})
}

// Logout: revoke the presented refresh token and clear cookies.
func (h *AuthHandler) Logout(c echo.Context) error {
	raw := refreshFrom(c)
	if raw == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "refresh token is missing")
	}
	ctx, cancel := reqCtx(c)
	defer cancel()

	if err := h.Auth.Logout(ctx, raw); err != nil {
		return fail(c, h.Log, err)
	}
	middleware.ClearTokenCookie(c, middleware.AccessCookie, h.SecureCookies)
	middleware.ClearTokenCookie(c, middleware.RefreshCookie, h.SecureCookies)
	return c.JSON(http.StatusOK, echo.Map{"message": "Logout successful"})
}

// LogoutAll: revoke every session of the current user (protected).
func (h *AuthHandler) LogoutAll(c echo.Context) error {
	uid, err := currentUser(c)
	if err != nil {
		return err
	}
	ctx, cancel := reqCtx(c)
	defer cancel()

	n, err := h.Auth.LogoutAll(ctx, uid)
	if err != nil {
		return fail(c, h.Log, err)
	}
	middleware.ClearTokenCookie(c, middleware.AccessCookie, h.SecureCookies)
	middleware.ClearTokenCookie(c, middleware.RefreshCookie, h.SecureCookies)
	return c.JSON(http.StatusOK, echo.Map{"revoked": n})
}

// RequestPasswordReset always answers with the same message.
func (h *AuthHandler) RequestPasswordReset(c echo.Context) error {
	var req resetRequestReq
	if err := bindValid(c, &req); err != nil {
		return err
	}
	ctx, cancel := reqCtx(c)
	defer cancel()
	return c.JSON(http.StatusOK, echo.Map{"message": h.Auth.RequestPasswordReset(ctx, req.Email)})
}

// ConfirmPasswordReset sets a new password from a mailed token.
func (h *AuthHandler) ConfirmPasswordReset(c echo.Context) error {
	var req resetConfirmReq
	if err := bindValid(c, &req); err != nil {
		return err
	}
	ctx, cancel := reqCtx(c)
	defer cancel()

	if err := h.Auth.ConfirmPasswordReset(ctx, req.Token, req.Password); err != nil {
		return fail(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "Your password has been successfully reset."})
}

// ChangePassword requires the current password (protected).
func (h *AuthHandler) ChangePassword(c echo.Context) error {
	uid, err := currentUser(c)
	if err != nil {
		return err
	}
	var req changePasswordReq
	if err := bindValid(c, &req); err != nil {
		return err
	}
	ctx, cancel := reqCtx(c)
	defer cancel()

	if err := h.Auth.ChangePassword(ctx, uid, req.OldPassword, req.NewPassword); err != nil {
		return fail(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "Password changed successfully."})
}

// GoogleStart redirects to the Google consent page.  The state value is
// kept in a short-lived cookie and checked on callback.
func (h *AuthHandler) GoogleStart(c echo.Context) error {
	state, err := utils.RandomHex(16)
	if err != nil {
		return fail(c, h.Log, err)
	}
	target, err := h.Auth.GoogleAuthURL(state)
	if err != nil {
		return fail(c, h.Log, err)
	}
	c.SetCookie(&http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   600,
		HttpOnly: true,
		Secure:   h.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	return c.Redirect(http.StatusFound, target)
}

// GoogleCallback completes sign-in and issues a session.
func (h *AuthHandler) GoogleCallback(c echo.Context) error {
	ck, err := c.Cookie(oauthStateCookie)
	if err != nil || ck.Value == "" || ck.Value != c.QueryParam("state") {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "authentication failed"})
	}
	c.SetCookie(&http.Cookie{Name: oauthStateCookie, Path: "/", MaxAge: -1})

	ctx, cancel := reqCtx(c)
	defer cancel()
	s, err := h.Auth.GoogleLogin(ctx, c.QueryParam("code"))
	if err != nil {
		return fail(c, h.Log, err)
	}
	if h.SuccessRedirect != "" {
		middleware.SetTokenCookie(c, middleware.AccessCookie, s.Tokens.Access, h.SecureCookies)
		middleware.SetTokenCookie(c, middleware.RefreshCookie, s.Tokens.Refresh, h.SecureCookies)
		return c.Redirect(http.StatusFound, h.SuccessRedirect)
	}
	return h.respondSession(c, http.StatusOK, s)
}
