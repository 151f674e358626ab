// Package crawl enriches posts by fetching their URLs when triggered,
// deduplicated globally per canonical URL, behind SSRF and budget gates.
package crawl

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/idna"
)

var urlPattern = regexp.MustCompile(`https?://[^\s<>"')\]]+`)

// ExtractURLs pulls http(s) URLs out of free text in order of appearance.
func ExtractURLs(text string) []string {
	matches := urlPattern.FindAllString(text, -1)
	out := make([]string, 0, len(matches))
	seen := map[string]bool{}
	for _, m := range matches {
		m = strings.TrimRight(m, ".,;:!?")
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	return out
}

// trackingParams are stripped during canonicalization.
func isTrackingParam(name string) bool {
	return strings.HasPrefix(name, "utm_") || name == "gclid" || name == "fbclid"
}

// Canonicalize normalizes a URL so that syntactic variants of the same
// page share one dedup key: lowercase punycoded host, tracking params
// stripped, %-escapes decoded by the parser, trailing slash removed, and
// mobile mirrors (m., amp.) collapsed onto the primary host.
func Canonicalize(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("unparseable URL %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	if ascii, err := idna.Lookup.ToASCII(host); err == nil {
		host = ascii
	}
	for _, mirror := range []string{"m.", "amp.", "mobile."} {
		if strings.HasPrefix(host, mirror) && strings.Count(host, ".") >= 2 {
			host = strings.TrimPrefix(host, mirror)
			break
		}
	}
	if port := u.Port(); port != "" && port != "80" && port != "443" {
		host = host + ":" + port
	}
	u.Host = host

	query := u.Query()
	for name := range query {
		if isTrackingParam(name) {
			query.Del(name)
		}
	}
	u.RawQuery = query.Encode()
	u.Fragment = ""

	// u.Path is the %-decoded form; dropping RawPath re-encodes minimally.
	u.Path = strings.TrimSuffix(u.Path, "/")
	u.RawPath = ""

	return u.String(), nil
}

// Domain returns the registrable host of a canonical URL for the
// per-domain budget counter.
func Domain(canonical string) string {
	u, err := url.Parse(canonical)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
