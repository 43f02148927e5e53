package router // package router defines how HTTP routes are registered for the API

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/local-heroes/internal/handler"
	"github.com/iliyamo/local-heroes/internal/metrics"
	"github.com/iliyamo/local-heroes/internal/middleware"
	"github.com/iliyamo/local-heroes/internal/model"
	"github.com/iliyamo/local-heroes/internal/realtime"
)

// Guards are the middlewares routes are composed from.  RateLimit and
// Cache are pass-through when Redis is unavailable.
type Guards struct {
	Auth      echo.MiddlewareFunc // valid access token, renewed from the refresh token when needed
	Optional  echo.MiddlewareFunc // identity when a token is present, anonymous otherwise
	RateLimit echo.MiddlewareFunc // credential endpoints
	Cache     echo.MiddlewareFunc // anonymous task listings
}

// RegisterRoutes registers routes that do not require authentication:
// liveness and the Prometheus scrape endpoint.
func RegisterRoutes(e *echo.Echo, health echo.HandlerFunc) {
	e.GET("/healthz", health)
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))
}

// RegisterAuth registers the session endpoints.  Credential endpoints live
// under /v1/auth behind the rate limiter; account endpoints require a
// session.
func RegisterAuth(e *echo.Echo, a *handler.AuthHandler, g Guards) {
	pub := e.Group("/v1/auth", g.RateLimit)
	pub.POST("/register", a.Register)
	pub.POST("/login", a.Login)
	pub.POST("/refresh", a.Refresh)
	pub.POST("/logout", a.Logout)
	pub.DELETE("/logout", a.Logout)
	pub.POST("/password-reset", a.RequestPasswordReset)
	pub.POST("/reset-password", a.ConfirmPasswordReset)
	pub.GET("/google", a.GoogleStart)
	pub.GET("/google/callback", a.GoogleCallback)

	auth := e.Group("/v1/auth", g.Auth)
	auth.PATCH("/change-password", a.ChangePassword)
	auth.POST("/logout-all", a.LogoutAll)
}

// RegisterUsers registers profile routes and the admin balance top-up.
func RegisterUsers(e *echo.Echo, u *handler.UserHandler, g Guards) {
	auth := e.Group("/v1", g.Auth)
	auth.GET("/me", u.Me)
	auth.PATCH("/me", u.UpdateMe)
	auth.GET("/users/:id", u.Public)

	admin := e.Group("/v1/admin", g.Auth, middleware.RequireRole(model.RoleAdmin))
	admin.POST("/users/:id/balance", u.TopUp)
}

// RegisterTasks registers the task marketplace.  Browsing is public;
// everything that changes a task needs a session.
func RegisterTasks(e *echo.Echo, t *handler.TaskHandler, g Guards) {
	pub := e.Group("/v1/tasks", g.Optional)
	pub.GET("", t.Search, g.Cache)
	pub.GET("/stats", t.Stats, g.Cache)

	auth := e.Group("/v1/tasks", g.Auth)
	auth.GET("/posted", t.Posted)
	auth.GET("/accepted", t.Accepted)
	auth.POST("", t.Create)
	auth.PATCH("/:id", t.Update)
	auth.DELETE("/:id", t.Delete)
	auth.POST("/:id/apply", t.Apply())
	auth.PATCH("/:id/applicants/:userId/accept", t.AcceptApplicant())
	auth.PATCH("/:id/applicants/:userId/deny", t.DenyApplicant())
	auth.PATCH("/:id/accept", t.Accept())
	auth.PATCH("/:id/complete", t.Complete())
	auth.PATCH("/:id/cancel", t.Cancel())

	pub.GET("/:id", t.Get)
}

// RegisterNotifications registers the notification inbox.
func RegisterNotifications(e *echo.Echo, n *handler.NotificationHandler, g Guards) {
	auth := e.Group("/v1/notifications", g.Auth)
	auth.GET("", n.List)
	auth.GET("/unread/count", n.UnreadCount)
	auth.PATCH("/mark-all-read", n.MarkAllRead)
	auth.PATCH("/:id/read", n.MarkRead)
	auth.DELETE("/:id", n.Delete)
}

// RegisterMessages registers the REST chat routes and the WebSocket
// endpoint.  The WebSocket authenticates on the handshake itself.
func RegisterMessages(e *echo.Echo, m *handler.MessageHandler, ws *realtime.Handler, g Guards) {
	auth := e.Group("/v1/messages", g.Auth)
	auth.POST("", m.Send)
	auth.GET("", m.Inbox)
	auth.GET("/unread/count", m.UnreadCount)
	auth.GET("/conversation/:otherUserId", m.Conversation)
	auth.POST("/:messageId/read", m.MarkRead)

	e.GET("/v1/ws", ws.Serve)
	e.GET("/v1/ws/stats", ws.Stats, g.Auth, middleware.RequireRole(model.RoleAdmin))
}
