package middleware

import (
	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/propagation"
)

// TraceContext returns an Echo middleware that adopts the caller's W3C trace
// context, so spans started from the request context continue the caller's
// trace instead of opening a new root.
func TraceContext() echo.MiddlewareFunc {
	propagator := propagation.TraceContext{}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			ctx := propagator.Extract(req.Context(), propagation.HeaderCarrier(req.Header))
			c.SetRequest(req.WithContext(ctx))
			return next(c)
		}
	}
}
