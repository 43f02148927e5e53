package handler

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Pinger is any dependency that can report liveness.
type Pinger func(ctx context.Context) error

// Health returns a readiness handler.  Each named check is pinged; any
// failure turns the response into 503 with the failing names.
func Health(checks map[string]Pinger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := reqCtx(c)
		defer cancel()

		status := echo.Map{}
		code := http.StatusOK
		for name, ping := range checks {
			if err := ping(ctx); err != nil {
				status[name] = "down"
				code = http.StatusServiceUnavailable
				continue
			}
			status[name] = "ok"
		}
		if code == http.StatusOK {
			status["status"] = "ok"
		} else {
			status["status"] = "degraded"
		}
		return c.JSON(code, status)
	}
}
