// Package middleware provides Echo middleware for logging, metrics, security
// and rate limiting.
package middleware

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
)

// ContextKeyUpstream is the echo context key holding the redacted upstream URL
// of a forwarded request.
const ContextKeyUpstream = "proxy.upstream"

// RequestLogger returns an Echo middleware that logs each request with slog.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	logger = logger.With("component", "http")
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			attrs := []any{
				"method", req.Method,
				"path", req.URL.Path,
				"status", res.Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
				"remote_ip", c.RealIP(),
				"bytes_out", res.Size,
			}
			if upstream, ok := c.Get(ContextKeyUpstream).(string); ok {
				attrs = append(attrs, "upstream", upstream)
			}
			logger.Info("request", attrs...)

			return err
		}
	}
}
