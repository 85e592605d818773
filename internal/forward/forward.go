// Package forward implements the request forwarder: it retargets an inbound
// request at a remote origin, relays it, and hands the origin's response back
// to the host framework.
package forward

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"origin-proxy-go/internal/client"
	"origin-proxy-go/internal/config"
	"origin-proxy-go/internal/metrics"
	"origin-proxy-go/internal/model"
)

// ErrMissingRemoteURL is returned by New when no remote URL source is configured.
var ErrMissingRemoteURL = errors.New("remote URL is required")

// ErrInvalidRemoteURL is returned when a resolved base URL is not absolute.
var ErrInvalidRemoteURL = errors.New("remote URL must be absolute")

// Doer performs the outbound call. *client.UpstreamClient implements it.
type Doer interface {
	Do(req *http.Request) (*model.ProxyResponse, error)
}

// BasicAuth injects a literal Authorization header. The value is sent as-is;
// callers include the scheme prefix themselves.
type BasicAuth struct {
	AuthHeader string
}

// CFTokenAuth injects a Cloudflare Access service token.
type CFTokenAuth struct {
	ClientID     string
	ClientSecret string
}

// Options configures a Forwarder. It is read-only once passed to New.
type Options struct {
	Disable bool
	Debug   bool

	// RemoteURL is evaluated once per request; only the scheme, host and port
	// of its result are kept.
	RemoteURL RemoteURLFunc

	// AllowResponseCompression forwards the client's Accept-Encoding instead of stripping it.
	AllowResponseCompression bool
	// PreserveHostHeader keeps the inbound Host instead of using the target host.
	PreserveHostHeader bool
	// OverrideCookieDomain rewrites every Set-Cookie when non-empty.
	OverrideCookieDomain string

	BasicAuth   *BasicAuth
	CFTokenAuth *CFTokenAuth
}

// LogValue implements slog.LogValuer with secrets redacted.
func (o Options) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Bool("disable", o.Disable),
		slog.Bool("debug", o.Debug),
		slog.Bool("allow_response_compression", o.AllowResponseCompression),
		slog.Bool("preserve_host_header", o.PreserveHostHeader),
		slog.String("override_cookie_domain", o.OverrideCookieDomain),
		slog.Bool("basic_auth", o.BasicAuth != nil),
	}
	if o.CFTokenAuth != nil {
		attrs = append(attrs, slog.String("cf_client_id", o.CFTokenAuth.ClientID))
	}
	return slog.GroupValue(attrs...)
}

// Kind tags a Result.
type Kind int

const (
	// Failed is the zero Kind, carried by the empty Result returned with an error.
	Failed Kind = iota
	// Forwarded means the request was sent upstream and Response is set.
	Forwarded
	// Bypassed means forwarding is disabled; Request is the untouched inbound request.
	Bypassed
)

func (k Kind) String() string {
	switch k {
	case Failed:
		return "failed"
	case Forwarded:
		return "forwarded"
	case Bypassed:
		return "bypassed"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Result is the outcome of Handle.
type Result struct {
	Kind     Kind
	Request  *http.Request
	Target   *url.URL
	Response *model.ProxyResponse
}

// Forwarder forwards requests to a remote origin. It holds no per-request
// state and is safe for concurrent use.
type Forwarder struct {
	opts    Options
	client  Doer
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a Forwarder. The metrics parameter is optional.
func New(opts Options, c Doer, logger *slog.Logger, m *metrics.Metrics) (*Forwarder, error) {
	logger = logger.With("component", "forwarder")
	if opts.Debug {
		logger.Info("starting forwarder", "options", opts)
	}
	if opts.RemoteURL == nil {
		return nil, ErrMissingRemoteURL
	}
	return &Forwarder{
		opts:    opts,
		client:  c,
		logger:  logger,
		metrics: m,
	}, nil
}

// NewForwarder builds a Forwarder from the service configuration.
func NewForwarder(cfg *config.Config, c *client.UpstreamClient, m *metrics.Metrics, logger *slog.Logger) (*Forwarder, error) {
	return New(OptionsFromConfig(&cfg.Forward), c, logger, m)
}

// OptionsFromConfig maps the [forward] config section onto Options.
func OptionsFromConfig(fc *config.ForwardConfig) Options {
	opts := Options{
		Disable:                  fc.Disable,
		Debug:                    fc.Debug,
		AllowResponseCompression: fc.AllowResponseCompression,
		PreserveHostHeader:       !fc.OverridesHost(),
		OverrideCookieDomain:     fc.OverrideCookieDomain,
	}
	if fc.RemoteURL != "" {
		rules := make([]Rule, 0, len(fc.Routes))
		for _, r := range fc.Routes {
			rules = append(rules, Rule(r))
		}
		opts.RemoteURL = RuleResolver(fc.RemoteURL, rules)
	}
	if fc.BasicAuth.AuthHeader != "" {
		opts.BasicAuth = &BasicAuth{AuthHeader: fc.BasicAuth.AuthHeader}
	}
	if fc.CFTokenAuth.ClientID != "" {
		opts.CFTokenAuth = &CFTokenAuth{
			ClientID:     fc.CFTokenAuth.ClientID,
			ClientSecret: fc.CFTokenAuth.ClientSecret,
		}
	}
	return opts
}

// Disabled reports whether every request is bypassed.
func (f *Forwarder) Disabled() bool {
	return f.opts.Disable
}

// Handle forwards r to the remote origin.
//
// When forwarding is disabled the returned Result is Bypassed and carries r
// itself; nothing is sent or logged. Errors from the outbound call are
// returned unhandled. The caller must close Result.Response.Body.
func (f *Forwarder) Handle(r *http.Request) (Result, error) {
	if f.opts.Disable {
		f.observe(metrics.OutcomeBypassed)
		return Result{Kind: Bypassed, Request: r}, nil
	}

	target, err := f.resolveTarget(r)
	if err != nil {
		f.observe(metrics.OutcomeError)
		return Result{}, err
	}

	header := f.prepareHeaders(r, target)

	f.logger.Info("forwarding",
		"method", r.Method,
		"from", inboundURL(r),
		"to", target.Redacted(),
	)

	out, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
	if err != nil {
		f.observe(metrics.OutcomeError)
		return Result{}, fmt.Errorf("build upstream request: %w", err)
	}
	out.Header = header
	out.Host = header.Get("Host")
	if r.Body != nil && r.Body != http.NoBody {
		out.ContentLength = r.ContentLength
	}

	resp, err := f.client.Do(out)
	if err != nil {
		f.observe(metrics.OutcomeError)
		return Result{}, fmt.Errorf("forward to upstream: %w", err)
	}

	if f.opts.Debug {
		f.logger.Info("received response from remote",
			"status", resp.StatusCode,
			"headers", resp.Header,
		)
	}

	// One header set feeds both the cookie rewrite and the returned response.
	respHeader := resp.Header.Clone()
	if respHeader == nil {
		respHeader = make(http.Header)
	}
	if f.opts.OverrideCookieDomain != "" {
		f.rewriteResponseCookies(respHeader)
	}

	f.observe(metrics.OutcomeForwarded)
	return Result{
		Kind:    Forwarded,
		Request: r,
		Target:  target,
		Response: &model.ProxyResponse{
			StatusCode: resp.StatusCode,
			Header:     respHeader,
			Body:       resp.Body,
		},
	}, nil
}

// resolveTarget combines the resolved base URL with the inbound path and query.
// Any path, query or fragment on the base is discarded.
func (f *Forwarder) resolveTarget(r *http.Request) (*url.URL, error) {
	base := f.opts.RemoteURL(r)
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse remote url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRemoteURL, u.Redacted())
	}

	u.Path = r.URL.Path
	u.RawPath = r.URL.RawPath
	u.RawQuery = r.URL.RawQuery
	u.ForceQuery = false
	u.Fragment = ""
	u.RawFragment = ""
	return u, nil
}

func (f *Forwarder) rewriteResponseCookies(h http.Header) {
	values := h.Values("Set-Cookie")
	if len(values) == 0 {
		return
	}
	if f.opts.Debug {
		f.logger.Info("rewriting cookies", "set_cookie", values)
	}

	rewritten, err := rewriteSetCookies(values, f.opts.OverrideCookieDomain)
	if err != nil {
		f.logger.Warn("cookie rewrite failed; relaying original cookies", "err", err)
		if f.metrics != nil {
			f.metrics.CookieRewriteFailures.Inc()
		}
		return
	}

	if f.opts.Debug {
		f.logger.Info("rewritten cookies", "set_cookie", rewritten)
	}
	h["Set-Cookie"] = rewritten
}

func (f *Forwarder) observe(outcome string) {
	if f.metrics != nil {
		f.metrics.ForwardOutcomes.WithLabelValues(outcome).Inc()
	}
}

// inboundURL reconstructs the absolute URL the client asked for, for logging.
func inboundURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	u := url.URL{
		Scheme:   scheme,
		Host:     r.Host,
		Path:     r.URL.Path,
		RawPath:  r.URL.RawPath,
		RawQuery: r.URL.RawQuery,
	}
	return u.String()
}
