// Package middleware provides Echo middleware for logging, metrics and header hygiene.
package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"markup-proxy-go/internal/model"
)

// RequestLogger returns an Echo middleware that logs one line per request.
// Responses with a 5xx status are logged at warn level. When the proxy
// handler recorded a pipeline outcome it is included.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			level := slog.LevelInfo
			if res.Status >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}

			attrs := []slog.Attr{
				slog.String("method", req.Method),
				slog.String("path", req.URL.Path),
				slog.Int("status", res.Status),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.String("request_id", res.Header().Get(echo.HeaderXRequestID)),
				slog.String("remote_ip", c.RealIP()),
				slog.Int64("bytes_in", req.ContentLength),
				slog.Int64("bytes_out", res.Size),
			}
			if outcome, ok := c.Get(model.OutcomeKey).(string); ok {
				reason, _ := c.Get(model.ReasonKey).(string)
				attrs = append(attrs, slog.String("outcome", outcome), slog.String("reason", reason))
			}
			logger.LogAttrs(req.Context(), level, "request", attrs...)

			return err
		}
	}
}
