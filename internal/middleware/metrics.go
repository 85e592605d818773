package middleware

import (
	"errors"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"origin-proxy-go/internal/metrics"
)

// MetricsMiddleware returns an Echo middleware that records Prometheus metrics
// for each inbound request. Forwarded requests are labelled by the proxy
// handler through metrics.PathLabelKey; everything else by m.NormalizePath.
func MetricsMiddleware(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()
			err := next(c)
			elapsed := time.Since(start).Seconds()

			status := strconv.Itoa(responseStatus(c, err))
			method := metrics.NormalizeMethod(c.Request().Method)
			path := pathLabel(c, m)

			m.RequestsTotal.WithLabelValues(method, status, path).Inc()
			m.RequestDuration.WithLabelValues(method, status, path).Observe(elapsed)

			return err
		}
	}
}

// responseStatus resolves the status the client will see. An *echo.HTTPError
// is only written later by echo's error handler.
func responseStatus(c echo.Context, err error) int {
	var he *echo.HTTPError
	if err != nil && errors.As(err, &he) {
		return he.Code
	}
	return c.Response().Status
}

func pathLabel(c echo.Context, m *metrics.Metrics) string {
	if label, ok := c.Get(metrics.PathLabelKey).(string); ok {
		return label
	}
	return m.NormalizePath(c.Request().URL.Path)
}
