// Package model defines shared types for the proxy.
package model

import (
	"io"
	"net/http"
)

// ProxyResponse represents the upstream response to be streamed back.
// Body is the transport's stream; the caller is responsible for closing it.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}
