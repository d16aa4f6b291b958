package urlfilter

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/Sriram-PR/crawldb/pkg/utils"
)

// NormalizeURL standardizes a URL for use as a crawl-record key.
// It lowercases the scheme and host, removes default ports (80 for http, 443 for https),
// removes trailing slashes from paths (unless root "/"), ensures empty path becomes "/",
// sorts query parameters and drops the fragment.
// Does not modify the input *url.URL
func NormalizeURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	// Work on a copy
	normalized := *u

	normalized.Scheme = strings.ToLower(normalized.Scheme)
	normalized.Host = strings.ToLower(normalized.Host)

	// Remove default ports
	host, port, err := net.SplitHostPort(normalized.Host)
	if err == nil {
		if (normalized.Scheme == "http" && port == "80") ||
			(normalized.Scheme == "https" && port == "443") {
			normalized.Host = host
		}
	}

	if normalized.Path == "" {
		normalized.Path = "/"
	} else if len(normalized.Path) > 1 && strings.HasSuffix(normalized.Path, "/") {
		normalized.Path = normalized.Path[:len(normalized.Path)-1]
	}
	normalized.RawPath = ""

	// Distinct query strings are distinct pages; only their order is canonicalized
	if normalized.RawQuery != "" {
		normalized.RawQuery = normalized.Query().Encode()
	}
	normalized.ForceQuery = false
	normalized.Fragment = ""
	normalized.RawFragment = ""

	return normalized.String()
}

// ParseAndNormalize parses an absolute http(s) URL and normalizes it.
// Returns the normalized string, the parsed URL object, and any parse error
func ParseAndNormalize(urlStr string) (string, *url.URL, error) {
	parsed, err := url.Parse(strings.TrimSpace(urlStr))
	if err != nil {
		return "", nil, fmt.Errorf("%w: bad URL %q: %w", utils.ErrParsing, urlStr, err)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", nil, fmt.Errorf("%w: URL %q has unsupported scheme %q", utils.ErrParsing, urlStr, parsed.Scheme)
	}
	if parsed.Hostname() == "" {
		return "", nil, fmt.Errorf("%w: URL %q has no host", utils.ErrParsing, urlStr)
	}
	return NormalizeURL(parsed), parsed, nil
}
