package forward_test

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	dto "github.com/prometheus/client_model/go"

	"origin-proxy-go/internal/client"
	"origin-proxy-go/internal/config"
	"origin-proxy-go/internal/forward"
	"origin-proxy-go/internal/metrics"
	"origin-proxy-go/internal/model"
)

// recordingDoer captures outbound requests instead of sending them.
type recordingDoer struct {
	calls atomic.Int32
	last  *http.Request
	resp  *model.ProxyResponse
	err   error
}

func (d *recordingDoer) Do(req *http.Request) (*model.ProxyResponse, error) {
	d.calls.Add(1)
	d.last = req
	if d.err != nil {
		return nil, d.err
	}
	if d.resp != nil {
		return d.resp, nil
	}
	return &model.ProxyResponse{
		StatusCode: http.StatusOK,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader("")),
	}, nil
}

func counterValue(c interface{ Write(*dto.Metric) error }) float64 {
	var m dto.Metric
	Expect(c.Write(&m)).To(Succeed())
	return m.GetCounter().GetValue()
}

var _ = Describe("Forwarder", func() {
	var (
		logs   *bytes.Buffer
		logger *slog.Logger
		doer   *recordingDoer
		m      *metrics.Metrics
		opts   forward.Options
	)

	newForwarder := func() *forward.Forwarder {
		f, err := forward.New(opts, doer, logger, m)
		Expect(err).NotTo(HaveOccurred())
		return f
	}

	BeforeEach(func() {
		logs = &bytes.Buffer{}
		logger = slog.New(slog.NewTextHandler(logs, nil))
		doer = &recordingDoer{}
		m = metrics.New()
		opts = forward.Options{RemoteURL: forward.StaticURL("https://api.internal:9000/ignored?x=1")}
	})

	Describe("New", func() {
		It("fails without a remote URL", func() {
			opts.RemoteURL = nil
			_, err := forward.New(opts, doer, logger, m)
			Expect(err).To(MatchError(forward.ErrMissingRemoteURL))
		})

		It("fails without a remote URL even when disabled", func() {
			opts = forward.Options{Disable: true}
			_, err := forward.New(opts, doer, logger, m)
			Expect(err).To(MatchError(forward.ErrMissingRemoteURL))
		})

		It("logs the options in debug mode without secrets", func() {
			opts.Debug = true
			opts.BasicAuth = &forward.BasicAuth{AuthHeader: "Bearer top-secret"}
			opts.CFTokenAuth = &forward.CFTokenAuth{ClientID: "id.access", ClientSecret: "cf-secret"}
			newForwarder()

			Expect(logs.String()).To(ContainSubstring("starting forwarder"))
			Expect(logs.String()).To(ContainSubstring("id.access"))
			Expect(logs.String()).NotTo(ContainSubstring("top-secret"))
			Expect(logs.String()).NotTo(ContainSubstring("cf-secret"))
		})

		It("stays quiet at construction without debug", func() {
			newForwarder()
			Expect(logs.String()).To(BeEmpty())
		})
	})

	Describe("Handle", func() {
		Context("when disabled", func() {
			BeforeEach(func() {
				opts.Disable = true
				opts.BasicAuth = &forward.BasicAuth{AuthHeader: "Bearer abc"}
				opts.OverrideCookieDomain = "example.com"
			})

			It("returns the inbound request untouched without calling upstream", func() {
				req := httptest.NewRequest(http.MethodGet, "/services/orders", http.NoBody)
				res, err := newForwarder().Handle(req)

				Expect(err).NotTo(HaveOccurred())
				Expect(res.Kind).To(Equal(forward.Bypassed))
				Expect(res.Request).To(BeIdenticalTo(req))
				Expect(res.Response).To(BeNil())
				Expect(doer.calls.Load()).To(BeZero())
				Expect(req.Header.Get("Authorization")).To(BeEmpty())
				Expect(logs.String()).To(BeEmpty())
				Expect(counterValue(m.ForwardOutcomes.WithLabelValues(metrics.OutcomeBypassed))).To(Equal(1.0))
			})
		})

		Context("target URL", func() {
			It("keeps only scheme, host and port of the base", func() {
				req := httptest.NewRequest(http.MethodGet, "/services/orders?page=2", http.NoBody)
				res, err := newForwarder().Handle(req)

				Expect(err).NotTo(HaveOccurred())
				Expect(res.Kind).To(Equal(forward.Forwarded))
				Expect(res.Target.String()).To(Equal("https://api.internal:9000/services/orders?page=2"))
				Expect(doer.last.URL.String()).To(Equal("https://api.internal:9000/services/orders?page=2"))
			})

			It("drops the base query when the inbound request has none", func() {
				req := httptest.NewRequest(http.MethodGet, "/services/orders", http.NoBody)
				_, err := newForwarder().Handle(req)

				Expect(err).NotTo(HaveOccurred())
				Expect(doer.last.URL.String()).To(Equal("https://api.internal:9000/services/orders"))
			})

			It("preserves escaped path segments", func() {
				req := httptest.NewRequest(http.MethodGet, "/files/a%2Fb?q=x%20y", http.NoBody)
				_, err := newForwarder().Handle(req)

				Expect(err).NotTo(HaveOccurred())
				Expect(doer.last.URL.EscapedPath()).To(Equal("/files/a%2Fb"))
				Expect(doer.last.URL.RawQuery).To(Equal("q=x%20y"))
			})

			It("calls the resolver exactly once with the inbound request", func() {
				var calls int
				var seen *http.Request
				opts.RemoteURL = func(r *http.Request) string {
					calls++
					seen = r
					return "http://tenant.internal:8080"
				}
				req := httptest.NewRequest(http.MethodGet, "/services/orders", http.NoBody)
				_, err := newForwarder().Handle(req)

				Expect(err).NotTo(HaveOccurred())
				Expect(calls).To(Equal(1))
				Expect(seen).To(BeIdenticalTo(req))
				Expect(doer.last.URL.Host).To(Equal("tenant.internal:8080"))
			})

			It("rejects a relative base without calling upstream", func() {
				opts.RemoteURL = forward.StaticURL("/not-absolute")
				req := httptest.NewRequest(http.MethodGet, "/services/orders", http.NoBody)
				res, err := newForwarder().Handle(req)

				Expect(err).To(MatchError(forward.ErrInvalidRemoteURL))
				Expect(res.Kind).To(Equal(forward.Failed))
				Expect(doer.calls.Load()).To(BeZero())
			})

			It("returns parse errors for malformed bases", func() {
				opts.RemoteURL = forward.StaticURL("http://[::1")
				req := httptest.NewRequest(http.MethodGet, "/x", http.NoBody)
				_, err := newForwarder().Handle(req)

				Expect(err).To(HaveOccurred())
				Expect(doer.calls.Load()).To(BeZero())
			})
		})

		Context("outbound headers", func() {
			var req *http.Request

			BeforeEach(func() {
				req = httptest.NewRequest(http.MethodPost, "/services/orders", strings.NewReader(`{"id":1}`))
				req.Header.Set("Accept-Encoding", "gzip, br")
				req.Header.Set("Content-Type", "application/json")
				req.Header.Add("X-Custom", "one")
				req.Header.Add("X-Custom", "two")
			})

			It("sets Host to the target host and strips Accept-Encoding", func() {
				_, err := newForwarder().Handle(req)

				Expect(err).NotTo(HaveOccurred())
				Expect(doer.last.Host).To(Equal("api.internal:9000"))
				Expect(doer.last.Header.Get("Host")).To(Equal("api.internal:9000"))
				Expect(doer.last.Header.Values("Accept-Encoding")).To(BeEmpty())
			})

			It("forwards other headers verbatim without touching the inbound set", func() {
				_, err := newForwarder().Handle(req)

				Expect(err).NotTo(HaveOccurred())
				Expect(doer.last.Header.Get("Content-Type")).To(Equal("application/json"))
				Expect(doer.last.Header.Values("X-Custom")).To(Equal([]string{"one", "two"}))
				Expect(req.Header.Get("Accept-Encoding")).To(Equal("gzip, br"))
				Expect(req.Header.Get("Host")).To(BeEmpty())
			})

			It("forwards method and body", func() {
				_, err := newForwarder().Handle(req)

				Expect(err).NotTo(HaveOccurred())
				Expect(doer.last.Method).To(Equal(http.MethodPost))
				Expect(doer.last.ContentLength).To(Equal(int64(len(`{"id":1}`))))
				body, err := io.ReadAll(doer.last.Body)
				Expect(err).NotTo(HaveOccurred())
				Expect(string(body)).To(Equal(`{"id":1}`))
			})

			It("keeps Accept-Encoding when response compression is allowed", func() {
				opts.AllowResponseCompression = true
				_, err := newForwarder().Handle(req)

				Expect(err).NotTo(HaveOccurred())
				Expect(doer.last.Header.Get("Accept-Encoding")).To(Equal("gzip, br"))
			})

			It("keeps the inbound Host when asked to", func() {
				opts.PreserveHostHeader = true
				req.Host = "app.example.com"
				_, err := newForwarder().Handle(req)

				Expect(err).NotTo(HaveOccurred())
				Expect(doer.last.Host).To(Equal("app.example.com"))
				Expect(doer.last.URL.Host).To(Equal("api.internal:9000"))
			})

			It("sets Authorization to the literal basic auth value", func() {
				opts.BasicAuth = &forward.BasicAuth{AuthHeader: "Bearer abc"}
				req.Header.Set("Authorization", "Basic client-supplied")
				_, err := newForwarder().Handle(req)

				Expect(err).NotTo(HaveOccurred())
				Expect(doer.last.Header.Values("Authorization")).To(Equal([]string{"Bearer abc"}))
			})

			It("sets both Cloudflare service token headers", func() {
				opts.CFTokenAuth = &forward.CFTokenAuth{ClientID: "id.access", ClientSecret: "s3cret"}
				_, err := newForwarder().Handle(req)

				Expect(err).NotTo(HaveOccurred())
				Expect(doer.last.Header.Get(forward.HeaderCFAccessClientID)).To(Equal("id.access"))
				Expect(doer.last.Header.Get(forward.HeaderCFAccessClientSecret)).To(Equal("s3cret"))
			})

			It("adds no auth headers unless configured", func() {
				req.Header.Del("Authorization")
				_, err := newForwarder().Handle(req)

				Expect(err).NotTo(HaveOccurred())
				Expect(doer.last.Header.Get("Authorization")).To(BeEmpty())
				Expect(doer.last.Header.Get(forward.HeaderCFAccessClientID)).To(BeEmpty())
			})
		})

		Context("logging", func() {
			It("always logs the URL mapping", func() {
				req := httptest.NewRequest(http.MethodGet, "http://app.example.com/services/orders?page=2", http.NoBody)
				_, err := newForwarder().Handle(req)

				Expect(err).NotTo(HaveOccurred())
				Expect(logs.String()).To(ContainSubstring("msg=forwarding"))
				Expect(logs.String()).To(ContainSubstring(`from="http://app.example.com/services/orders?page=2"`))
				Expect(logs.String()).To(ContainSubstring(`to="https://api.internal:9000/services/orders?page=2"`))
				Expect(logs.String()).NotTo(ContainSubstring("received response from remote"))
			})

			It("logs response headers in debug mode", func() {
				opts.Debug = true
				doer.resp = &model.ProxyResponse{
					StatusCode: http.StatusTeapot,
					Header:     http.Header{"X-Backend": {"v1"}},
					Body:       io.NopCloser(strings.NewReader("")),
				}
				req := httptest.NewRequest(http.MethodGet, "/services/orders", http.NoBody)
				_, err := newForwarder().Handle(req)

				Expect(err).NotTo(HaveOccurred())
				Expect(logs.String()).To(ContainSubstring("received response from remote"))
				Expect(logs.String()).To(ContainSubstring("X-Backend"))
			})
		})

		Context("when the outbound call fails", func() {
			It("returns the error to the caller", func() {
				boom := errors.New("connection refused")
				doer.err = boom
				req := httptest.NewRequest(http.MethodGet, "/services/orders", http.NoBody)
				res, err := newForwarder().Handle(req)

				Expect(err).To(MatchError(boom))
				Expect(res.Kind).To(Equal(forward.Failed))
				Expect(res.Response).To(BeNil())
				Expect(counterValue(m.ForwardOutcomes.WithLabelValues(metrics.OutcomeError))).To(Equal(1.0))
			})
		})

		Context("cookie domain rewrite", func() {
			var backendHeader http.Header

			BeforeEach(func() {
				backendHeader = http.Header{}
				doer.resp = &model.ProxyResponse{
					StatusCode: http.StatusOK,
					Header:     backendHeader,
					Body:       io.NopCloser(strings.NewReader("")),
				}
			})

			It("leaves cookies alone when no domain is configured", func() {
				backendHeader.Add("Set-Cookie", "sid=xyz; HttpOnly; Path=/admin")
				res, err := newForwarder().Handle(httptest.NewRequest(http.MethodGet, "/login", http.NoBody))

				Expect(err).NotTo(HaveOccurred())
				Expect(res.Response.Header.Values("Set-Cookie")).To(Equal([]string{"sid=xyz; HttpOnly; Path=/admin"}))
			})

			It("rewrites cookies on the returned response", func() {
				opts.OverrideCookieDomain = "example.com"
				backendHeader.Add("Set-Cookie", "sid=xyz; HttpOnly; Path=/admin")
				res, err := newForwarder().Handle(httptest.NewRequest(http.MethodGet, "/login", http.NoBody))

				Expect(err).NotTo(HaveOccurred())
				Expect(res.Response.Header.Values("Set-Cookie")).To(Equal([]string{
					"sid=xyz; Path=/; SameSite=None; Secure; Domain=example.com",
				}))
				Expect(backendHeader.Values("Set-Cookie")).To(Equal([]string{"sid=xyz; HttpOnly; Path=/admin"}))
				Expect(doer.last.Header.Values("Set-Cookie")).To(BeEmpty())
			})

			It("rewrites each Set-Cookie occurrence separately", func() {
				opts.OverrideCookieDomain = "example.com"
				backendHeader.Add("Set-Cookie", "sid=xyz; Expires=Wed, 21 Oct 2026 07:28:00 GMT")
				backendHeader.Add("Set-Cookie", "csrf=abc; Path=/")
				res, err := newForwarder().Handle(httptest.NewRequest(http.MethodGet, "/login", http.NoBody))

				Expect(err).NotTo(HaveOccurred())
				Expect(res.Response.Header.Values("Set-Cookie")).To(Equal([]string{
					"sid=xyz; Path=/; SameSite=None; Secure; Domain=example.com",
					"csrf=abc; Path=/; SameSite=None; Secure; Domain=example.com",
				}))
			})

			It("rewrites cookies whose values carry quotes", func() {
				opts.OverrideCookieDomain = "example.com"
				backendHeader.Add("Set-Cookie", "sid=xyz; HttpOnly; Path=/admin")
				backendHeader.Add("Set-Cookie", `prefs={"theme":"dark"}; Path=/`)
				res, err := newForwarder().Handle(httptest.NewRequest(http.MethodGet, "/login", http.NoBody))

				Expect(err).NotTo(HaveOccurred())
				Expect(res.Response.Header.Values("Set-Cookie")).To(Equal([]string{
					"sid=xyz; Path=/; SameSite=None; Secure; Domain=example.com",
					`prefs={"theme":"dark"}; Path=/; SameSite=None; Secure; Domain=example.com`,
				}))
				Expect(counterValue(m.CookieRewriteFailures)).To(BeZero())
			})

			It("relays the original cookies when one is malformed", func() {
				opts.OverrideCookieDomain = "example.com"
				backendHeader.Add("Set-Cookie", "sid=xyz")
				backendHeader.Add("Set-Cookie", "not-a-cookie")
				res, err := newForwarder().Handle(httptest.NewRequest(http.MethodGet, "/login", http.NoBody))

				Expect(err).NotTo(HaveOccurred())
				Expect(res.Response.Header.Values("Set-Cookie")).To(Equal([]string{"sid=xyz", "not-a-cookie"}))
				Expect(logs.String()).To(ContainSubstring("cookie rewrite failed"))
				Expect(counterValue(m.CookieRewriteFailures)).To(Equal(1.0))
			})

			It("does nothing when the backend sets no cookies", func() {
				opts.OverrideCookieDomain = "example.com"
				res, err := newForwarder().Handle(httptest.NewRequest(http.MethodGet, "/login", http.NoBody))

				Expect(err).NotTo(HaveOccurred())
				Expect(res.Response.Header.Values("Set-Cookie")).To(BeEmpty())
			})
		})
	})

	Describe("against a live upstream", func() {
		var upstream *httptest.Server

		AfterEach(func() {
			if upstream != nil {
				upstream.Close()
			}
		})

		It("relays status, headers and body", func() {
			upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				defer GinkgoRecover()
				Expect(r.Method).To(Equal(http.MethodPut))
				Expect(r.URL.RequestURI()).To(Equal("/services/orders/7?dry=1"))
				Expect(r.Header.Get("Accept-Encoding")).To(BeEmpty())
				Expect(r.Header.Get("Authorization")).To(Equal("Bearer abc"))
				body, _ := io.ReadAll(r.Body)
				Expect(string(body)).To(Equal("payload"))

				w.Header().Add("Set-Cookie", "sid=xyz; HttpOnly; Path=/admin")
				w.Header().Set("X-Upstream", "yes")
				w.WriteHeader(http.StatusCreated)
				_, _ = w.Write([]byte("created"))
			}))

			cfg := &config.Config{Upstream: config.UpstreamConfig{TimeoutSeconds: 10, IdleConnections: 10}}
			uc := client.NewUpstreamClient(cfg, logger, m, nil)
			opts.RemoteURL = forward.StaticURL(upstream.URL + "/ignored")
			opts.BasicAuth = &forward.BasicAuth{AuthHeader: "Bearer abc"}
			opts.OverrideCookieDomain = "example.com"
			f, err := forward.New(opts, uc, logger, m)
			Expect(err).NotTo(HaveOccurred())

			req := httptest.NewRequest(http.MethodPut, "/services/orders/7?dry=1", strings.NewReader("payload"))
			req.Header.Set("Accept-Encoding", "gzip")
			res, err := f.Handle(req)
			Expect(err).NotTo(HaveOccurred())
			defer func() { _ = res.Response.Body.Close() }()

			Expect(res.Response.StatusCode).To(Equal(http.StatusCreated))
			Expect(res.Response.Header.Get("X-Upstream")).To(Equal("yes"))
			Expect(res.Response.Header.Get("Set-Cookie")).To(Equal("sid=xyz; Path=/; SameSite=None; Secure; Domain=example.com"))
			body, err := io.ReadAll(res.Response.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(Equal("created"))
			Expect(counterValue(m.ForwardOutcomes.WithLabelValues(metrics.OutcomeForwarded))).To(Equal(1.0))
		})

		It("propagates connection failures", func() {
			cfg := &config.Config{Upstream: config.UpstreamConfig{TimeoutSeconds: 1, IdleConnections: 1}}
			uc := client.NewUpstreamClient(cfg, logger, nil, nil)
			opts.RemoteURL = forward.StaticURL("http://127.0.0.1:1")
			f, err := forward.New(opts, uc, logger, nil)
			Expect(err).NotTo(HaveOccurred())

			_, err = f.Handle(httptest.NewRequest(http.MethodGet, "/services/orders", http.NoBody))
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(HavePrefix("forward to upstream"))
		})
	})

	Describe("Kind", func() {
		It("treats the zero value as failed", func() {
			var res forward.Result
			Expect(res.Kind).To(Equal(forward.Failed))
			Expect(res.Kind).NotTo(Equal(forward.Forwarded))
		})

		DescribeTable("String",
			func(k forward.Kind, want string) {
				Expect(k.String()).To(Equal(want))
			},
			Entry("failed", forward.Failed, "failed"),
			Entry("forwarded", forward.Forwarded, "forwarded"),
			Entry("bypassed", forward.Bypassed, "bypassed"),
			Entry("unknown", forward.Kind(42), "Kind(42)"),
		)
	})

	Describe("OptionsFromConfig", func() {
		It("maps the config section and builds a rule resolver", func() {
			override := false
			fc := &config.ForwardConfig{
				Debug:                    true,
				RemoteURL:                "https://default.internal",
				AllowResponseCompression: true,
				OverrideHostHeader:       &override,
				OverrideCookieDomain:     "example.com",
				BasicAuth:                config.BasicAuthConfig{AuthHeader: "Bearer abc"},
				CFTokenAuth:              config.CFTokenAuthConfig{ClientID: "id", ClientSecret: "secret"},
				Routes: []config.RouteConfig{
					{PathPrefix: "/tenant-a/", RemoteURL: "https://a.internal"},
				},
			}

			o := forward.OptionsFromConfig(fc)
			Expect(o.Debug).To(BeTrue())
			Expect(o.AllowResponseCompression).To(BeTrue())
			Expect(o.PreserveHostHeader).To(BeTrue())
			Expect(o.OverrideCookieDomain).To(Equal("example.com"))
			Expect(o.BasicAuth).To(Equal(&forward.BasicAuth{AuthHeader: "Bearer abc"}))
			Expect(o.CFTokenAuth).To(Equal(&forward.CFTokenAuth{ClientID: "id", ClientSecret: "secret"}))

			Expect(o.RemoteURL(httptest.NewRequest(http.MethodGet, "/tenant-a/x", http.NoBody))).To(Equal("https://a.internal"))
			Expect(o.RemoteURL(httptest.NewRequest(http.MethodGet, "/other", http.NoBody))).To(Equal("https://default.internal"))
		})

		It("leaves auth unset and overrides host by default", func() {
			o := forward.OptionsFromConfig(&config.ForwardConfig{RemoteURL: "https://default.internal"})
			Expect(o.BasicAuth).To(BeNil())
			Expect(o.CFTokenAuth).To(BeNil())
			Expect(o.PreserveHostHeader).To(BeFalse())
		})

		It("leaves RemoteURL nil when no URL is configured", func() {
			o := forward.OptionsFromConfig(&config.ForwardConfig{})
			Expect(o.RemoteURL).To(BeNil())
		})
	})
})
