package crawler

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// PageParam is the query parameter carrying the page number.
const PageParam = "page"

// PageURL returns rawURL with its page query parameter set to page. Any
// existing page value is replaced; other parameters are preserved.
func PageURL(rawURL string, page int) (string, error) {
	u, err := ParseTarget(rawURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set(PageParam, strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ParseTarget parses and validates an absolute http(s) URL.
func ParseTarget(rawURL string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("url %q has no host", rawURL)
	}
	return u, nil
}

// Origin returns scheme://host for rawURL, used to absolutize relative links.
func Origin(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
