package forward

import (
	"fmt"
	"strings"
)

// cookieAttributes replaces every attribute of a rewritten cookie. HttpOnly,
// Expires and Max-Age are intentionally not carried over.
const cookieAttributes = "Path=/; SameSite=None; Secure; Domain="

// rewriteSetCookies keeps the name=value pair of each Set-Cookie line and
// re-scopes it to domain. Each line is one cookie; lines are never split on
// commas since Expires values contain them. Values are kept byte for byte,
// quotes and JSON included. A line whose first segment is not a name=value
// pair aborts the rewrite and nothing is rewritten.
func rewriteSetCookies(lines []string, domain string) ([]string, error) {
	out := make([]string, 0, len(lines))
	for i, line := range lines {
		pair, _, _ := strings.Cut(line, ";")
		pair = strings.TrimSpace(pair)
		name, _, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("set-cookie %d: no name=value pair in %q", i, pair)
		}
		out = append(out, pair+"; "+cookieAttributes+domain)
	}
	return out, nil
}
