package middleware

import (
	"github.com/labstack/echo/v4"

	"markup-proxy-go/internal/service"
)

// StripHopByHop returns an Echo middleware that removes hop-by-hop headers,
// including any named in Connection, from the inbound request.
func StripHopByHop() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			service.StripHopByHop(c.Request().Header)
			return next(c)
		}
	}
}

// SecurityHeaders returns an Echo middleware that adds security headers to
// responses. It belongs on the admin listener only; proxied responses keep
// the upstream's headers.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Cache-Control", "no-store")
			return next(c)
		}
	}
}
