package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"

	"github.com/labstack/echo/v4"

	"origin-proxy-go/internal/config"
	"origin-proxy-go/internal/forward"
	"origin-proxy-go/internal/metrics"
	"origin-proxy-go/internal/middleware"
	"origin-proxy-go/internal/model"
)

// userinfoPattern matches credentials embedded in URLs inside error messages.
var userinfoPattern = regexp.MustCompile(`(://)[^/@\s"]+@`)

// ProxyHandler mounts the forwarder in front of the echo router.
type ProxyHandler struct {
	forwarder *forward.Forwarder
	match     []*regexp.Regexp
	reserved  map[string]struct{}
	logger    *slog.Logger
}

// NewProxyHandler creates a ProxyHandler. Paths served by the proxy itself
// are never forwarded.
func NewProxyHandler(cfg *config.Config, fwd *forward.Forwarder, logger *slog.Logger) (*ProxyHandler, error) {
	match := make([]*regexp.Regexp, 0, len(cfg.Forward.Match))
	for _, expr := range cfg.Forward.Match {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("compile match %q: %w", expr, err)
		}
		match = append(match, re)
	}

	reserved := map[string]struct{}{
		"/healthz":      {},
		"/proxy/status": {},
	}
	if cfg.Metrics.Enabled {
		reserved[cfg.Metrics.Path] = struct{}{}
	}

	return &ProxyHandler{
		forwarder: fwd,
		match:     match,
		reserved:  reserved,
		logger:    logger.With("component", "proxy_handler"),
	}, nil
}

// Matches reports whether a request for path is handed to the forwarder.
func (h *ProxyHandler) Matches(path string) bool {
	if _, ok := h.reserved[path]; ok {
		return false
	}
	if len(h.match) == 0 {
		return true
	}
	for _, re := range h.match {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

// Middleware forwards matching requests and relays the origin's response.
// Unmatched and bypassed requests continue down the echo chain.
func (h *ProxyHandler) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !h.Matches(c.Request().URL.Path) {
				return next(c)
			}

			res, err := h.forwarder.Handle(c.Request())
			if err != nil {
				c.Set(metrics.PathLabelKey, metrics.PathProxied)
				return h.mapError(c, err)
			}
			if res.Kind == forward.Bypassed {
				c.SetRequest(res.Request)
				return next(c)
			}

			c.Set(metrics.PathLabelKey, metrics.PathProxied)
			c.Set(middleware.ContextKeyUpstream, res.Target.Redacted())
			return h.relay(c, res.Response)
		}
	}
}

// relay streams the origin response back to the client.
func (h *ProxyHandler) relay(c echo.Context, resp *model.ProxyResponse) error {
	defer func() { _ = resp.Body.Close() }()

	header := resp.Header.Clone()
	middleware.StripHopByHop(header)
	// Origin values replace defaults set earlier in the chain, such as
	// X-Frame-Options from SecurityHeaders.
	for key, vals := range header {
		c.Response().Header()[key] = vals
	}

	c.Response().WriteHeader(resp.StatusCode)

	// The status is already committed, so a failed copy leaves the client
	// with a truncated body; log it and move on.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"path", c.Request().URL.Path,
		)
	}

	return nil
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("proxy error",
		"err", sanitizeError(err),
		"path", c.Request().URL.Path,
	)

	if errors.Is(err, forward.ErrInvalidRemoteURL) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "remote origin misconfigured",
		})
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream host unreachable",
		})
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream connection failed",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "upstream request failed",
	})
}

// sanitizeError redacts URL credentials from error messages.
func sanitizeError(err error) string {
	return userinfoPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]@")
}
