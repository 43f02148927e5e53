package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/local-heroes/internal/utils"
)

// Cookie and header names used to carry tokens.
const (
	AccessCookie       = "accessToken"
	RefreshCookie      = "refreshToken"
	RefreshHeader      = "X-Refresh-Token"
	RenewedTokenHeader = "X-Access-Token"
)

// TokenVerifier is the part of the token service the middleware needs.
type TokenVerifier interface {
	ParseAccess(raw string) (utils.Claims, error)
	Renew(ctx context.Context, raw string) (utils.Claims, utils.SignedToken, error)
}

// AccessTokenFrom returns the bearer token of the request, falling back to
// the access token cookie.
func AccessTokenFrom(c echo.Context) string {
	if auth := c.Request().Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if ck, err := c.Cookie(AccessCookie); err == nil {
		return ck.Value
	}
	return ""
}

// RefreshTokenFrom returns the refresh token from its cookie or header.
func RefreshTokenFrom(c echo.Context) string {
	if ck, err := c.Cookie(RefreshCookie); err == nil && ck.Value != "" {
		return ck.Value
	}
	return strings.TrimSpace(c.Request().Header.Get(RefreshHeader))
}

// SetTokenCookie writes an httpOnly cookie that expires with the token.
func SetTokenCookie(c echo.Context, name string, tok utils.SignedToken, secure bool) {
	c.SetCookie(&http.Cookie{
		Name:     name,
		Value:    tok.Token,
		Path:     "/",
		Expires:  tok.Exp,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearTokenCookie expires the named cookie.
func ClearTokenCookie(c echo.Context, name string, secure bool) {
	c.SetCookie(&http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// JWTAuth authenticates the request with an access token.  When the
// access token is missing or no longer valid but a valid refresh token is
// presented, a new access token is minted, returned as a cookie and in
// the X-Access-Token header, and the request proceeds.  On success the
// user id (uint64), role and email are stored in the context.
func JWTAuth(tokens TokenVerifier, secureCookies bool, log logrus.FieldLogger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if raw := AccessTokenFrom(c); raw != "" {
				if claims, err := tokens.ParseAccess(raw); err == nil {
					setIdentity(c, claims)
					return next(c)
				}
			}

			refresh := RefreshTokenFrom(c)
			if refresh == "" {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing or invalid access token"})
			}
			ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
			defer cancel()
			claims, access, err := tokens.Renew(ctx, refresh)
			if err != nil {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid or expired refresh token"})
			}
			SetTokenCookie(c, AccessCookie, access, secureCookies)
			c.Response().Header().Set(RenewedTokenHeader, access.Token)
			log.WithField("user_id", claims.UserID).Debug("access token renewed")

			setIdentity(c, claims)
			return next(c)
		}
	}
}

// OptionalJWT stores the identity when a valid access token is present
// and lets anonymous requests through.
func OptionalJWT(tokens TokenVerifier) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if raw := AccessTokenFrom(c); raw != "" {
				if claims, err := tokens.ParseAccess(raw); err == nil {
					setIdentity(c, claims)
				}
			}
			return next(c)
		}
	}
}

func setIdentity(c echo.Context, claims utils.Claims) {
	c.Set(CtxUserID, claims.UserID)
	c.Set(CtxRole, claims.Role)
	c.Set(CtxEmail, claims.Email)
}
