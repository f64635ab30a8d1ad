package urlutil

import (
	"net/url"
	"path/filepath"
	"strings"
)

// Normalize canonicalizes a URL for dedup purposes: strips fragments,
// lowercases the host, drops trailing-slash-only paths and default ports.
func Normalize(raw string) string {
	p, err := url.Parse(raw)
	if err != nil || p.Host == "" {
		return ""
	}
	p.Fragment = ""
	p.Host = strings.ToLower(p.Host)
	if (p.Scheme == "http" && strings.HasSuffix(p.Host, ":80")) ||
		(p.Scheme == "https" && strings.HasSuffix(p.Host, ":443")) {
		p.Host = p.Host[:strings.LastIndex(p.Host, ":")]
	}
	if p.Path == "/" {
		p.Path = ""
	}
	return p.String()
}

// Origin returns scheme://host for a URL, the scope robots rules and rate
// budgets key on.
func Origin(raw string) string {
	p, err := url.Parse(raw)
	if err != nil || p.Host == "" {
		return ""
	}
	return p.Scheme + "://" + strings.ToLower(p.Host)
}

// Hostname extracts the lowercase hostname without port.
func Hostname(raw string) string {
	p, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(p.Hostname())
}

// SameDomain reports whether two hostnames belong to the same site,
// treating www. as transparent and optionally accepting subdomains.
func SameDomain(a, b string, includeSubdomains bool) bool {
	if a == b {
		return true
	}
	a = strings.TrimPrefix(a, "www.")
	b = strings.TrimPrefix(b, "www.")
	if a == b {
		return true
	}
	if includeSubdomains && (strings.HasSuffix(a, "."+b) || strings.HasSuffix(b, "."+a)) {
		return true
	}
	return false
}

// MatchesAny checks a URL path against glob or prefix patterns like
// "/blog/*". An empty pattern list matches everything.
func MatchesAny(u string, patterns []string) bool {
	if len(patterns) == 0 {
		return true
	}

	parsed, err := url.Parse(u)
	if err != nil {
		return false
	}
	path := parsed.Path
	if path == "" {
		path = "/"
	}

	for _, pattern := range patterns {
		matched, err := filepath.Match(pattern, path)
		if err == nil && matched {
			return true
		}
		if strings.HasSuffix(pattern, "*") {
			prefix := strings.TrimSuffix(pattern, "*")
			if path == strings.TrimSuffix(prefix, "/") {
				return true
			}
			if strings.HasPrefix(path, prefix) {
				return true
			}
		}
	}
	return false
}

// Allowed applies include rules first, then exclude rules.
func Allowed(u string, includes, excludes []string) bool {
	if !MatchesAny(u, includes) {
		return false
	}
	if len(excludes) > 0 && MatchesAny(u, excludes) {
		return false
	}
	return true
}
