package scrape

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// NormalizeURL canonicalises a URL for frontier equality: scheme and host
// are lowercased, the fragment is dropped, and a trailing slash is stripped
// from non-root paths. The query string is preserved.
func NormalizeURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", raw, err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	if u.Path != "/" && strings.HasSuffix(u.Path, "/") {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}
	return u.String(), nil
}

// SameDomain reports whether two URLs share a host. Both inputs must be
// absolute URLs.
func SameDomain(a, b string) bool {
	ua, errA := url.Parse(a)
	ub, errB := url.Parse(b)
	if errA != nil || errB != nil {
		return false
	}
	return strings.EqualFold(ua.Host, ub.Host)
}

// MatchesPatterns applies the collection's include/exclude globs to the URL
// path. Excludes are checked first; an empty include list allows everything.
func MatchesPatterns(rawURL string, includes, excludes []string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	for _, pattern := range excludes {
		if ok, _ := doublestar.Match(pattern, path); ok {
			return false
		}
	}
	if len(includes) == 0 {
		return true
	}
	for _, pattern := range includes {
		if ok, _ := doublestar.Match(pattern, path); ok {
			return true
		}
	}
	return false
}

// ResolveLink resolves a possibly-relative link against the page it was
// found on.
func ResolveLink(base, link string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	l, err := url.Parse(strings.TrimSpace(link))
	if err != nil {
		return "", err
	}
	return b.ResolveReference(l).String(), nil
}

// HasExtension reports whether the URL path ends in one of the given
// extensions (without the dot, case-insensitive).
func HasExtension(rawURL string, extensions []string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	path := strings.ToLower(u.Path)
	for _, ext := range extensions {
		if strings.HasSuffix(path, "."+strings.ToLower(strings.TrimPrefix(ext, "."))) {
			return true
		}
	}
	return false
}
