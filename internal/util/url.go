package util

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrUnsupportedScheme is returned for URLs that cannot name a feed.
var ErrUnsupportedScheme = errors.New("unsupported URL scheme")

// podcastSchemes are the app-link schemes podcast players publish in place
// of http. They carry the same host and path.
var podcastSchemes = map[string]bool{
	"feed":    true,
	"itpc":    true,
	"pcast":   true,
	"podcast": true,
}

// NormaliseFeedURL cleans a feed URL typed or pasted by a person. A missing
// scheme becomes https, podcast app schemes become http, the scheme and host
// are lower-cased, default ports and fragments are dropped. The http scheme
// is left alone; upgrading it is the upgrader's job.
func NormaliseFeedURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty URL", ErrUnsupportedScheme)
	}

	// feed:https://example.com/rss nests the real URL after the scheme.
	if i := strings.Index(raw, ":"); i > 0 {
		if podcastSchemes[strings.ToLower(raw[:i])] {
			rest := strings.TrimPrefix(raw[i+1:], "//")
			if lower := strings.ToLower(rest); strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
				raw = rest
			} else {
				raw = "http://" + rest
			}
		}
	}

	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsupportedScheme, err)
	}
	parsed.Scheme = strings.ToLower(parsed.Scheme)
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("%w: no host in %q", ErrUnsupportedScheme, raw)
	}

	parsed.Host = normaliseHostPort(strings.ToLower(parsed.Host), parsed.Scheme)
	parsed.Fragment = ""
	parsed.RawFragment = ""
	return parsed.String(), nil
}

// normaliseHostPort removes default ports (80 for HTTP, 443 for HTTPS) from host.
func normaliseHostPort(host, scheme string) string {
	if scheme == "http" && strings.HasSuffix(host, ":80") {
		return strings.TrimSuffix(host, ":80")
	}
	if scheme == "https" && strings.HasSuffix(host, ":443") {
		return strings.TrimSuffix(host, ":443")
	}
	return host
}

// IsSignificantRedirect checks if a redirect URL is meaningfully different from the original.
// Only the host and path are compared; query parameters and fragments are ignored.
// Returns false for trivial redirects like:
//   - HTTP to HTTPS on same host/path
//   - www to non-www (or vice versa) on same path
//   - Trailing slash differences
//   - Default port differences
func IsSignificantRedirect(originalURL, redirectURL string) bool {
	if redirectURL == "" || redirectURL == originalURL {
		return false
	}

	origParsed, origErr := url.Parse(originalURL)
	redirParsed, redirErr := url.Parse(redirectURL)
	if origErr != nil || redirErr != nil {
		return true
	}

	if comparableHost(origParsed) != comparableHost(redirParsed) {
		return true
	}
	return comparablePath(origParsed.Path) != comparablePath(redirParsed.Path)
}

func comparableHost(u *url.URL) string {
	host := normaliseHostPort(strings.ToLower(u.Host), strings.ToLower(u.Scheme))
	return strings.TrimPrefix(host, "www.")
}

func comparablePath(p string) string {
	if p == "" {
		return "/"
	}
	if len(p) > 1 {
		return strings.TrimSuffix(p, "/")
	}
	return p
}
