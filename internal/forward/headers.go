package forward

import (
	"net/http"
	"net/url"
)

// Cloudflare Access service token headers.
const (
	HeaderCFAccessClientID     = "CF-Access-Client-Id"
	HeaderCFAccessClientSecret = "CF-Access-Client-Secret"
)

// prepareHeaders returns a fresh copy of the inbound headers adjusted for the
// outbound call. The returned set always carries Host explicitly.
func (f *Forwarder) prepareHeaders(r *http.Request, target *url.URL) http.Header {
	h := r.Header.Clone()
	if h == nil {
		h = make(http.Header)
	}

	host := target.Host
	if f.opts.PreserveHostHeader && r.Host != "" {
		host = r.Host
	}
	h.Set("Host", host)

	if !f.opts.AllowResponseCompression {
		h.Del("Accept-Encoding")
	}

	if f.opts.BasicAuth != nil {
		h.Set("Authorization", f.opts.BasicAuth.AuthHeader)
	}
	if f.opts.CFTokenAuth != nil {
		h.Set(HeaderCFAccessClientID, f.opts.CFTokenAuth.ClientID)
		h.Set(HeaderCFAccessClientSecret, f.opts.CFTokenAuth.ClientSecret)
	}
	return h
}
