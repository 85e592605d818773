package forward

import (
	"net/http"
	"net/url"
	"strings"
)

// RemoteURLFunc picks the base URL for a request. It must not mutate the request.
type RemoteURLFunc func(r *http.Request) string

// StaticURL always resolves to base.
func StaticURL(base string) RemoteURLFunc {
	return func(*http.Request) string { return base }
}

// Rule routes requests to RemoteURL. A rule with both a path prefix and a
// header matches only when both do.
type Rule struct {
	PathPrefix  string
	Header      string
	HeaderValue string
	RemoteURL   string
}

// Matches reports whether r is selected by the rule.
func (rule Rule) Matches(r *http.Request) bool {
	if rule.PathPrefix == "" && rule.Header == "" {
		return false
	}
	if rule.PathPrefix != "" && !strings.HasPrefix(r.URL.Path, rule.PathPrefix) {
		return false
	}
	if rule.Header != "" && r.Header.Get(rule.Header) != rule.HeaderValue {
		return false
	}
	return true
}

// RuleResolver returns the RemoteURL of the first matching rule, or fallback.
func RuleResolver(fallback string, rules []Rule) RemoteURLFunc {
	if len(rules) == 0 {
		return StaticURL(fallback)
	}
	rules = append([]Rule(nil), rules...)
	return func(r *http.Request) string {
		for _, rule := range rules {
			if rule.Matches(r) {
				return rule.RemoteURL
			}
		}
		return fallback
	}
}

// RedactURL returns raw with any password replaced, or "" if raw does not parse.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Redacted()
}
