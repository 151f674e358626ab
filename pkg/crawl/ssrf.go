package crawl

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrSSRFDenied wraps every guard rejection so callers can categorize.
type ErrSSRFDenied struct {
	Reason string
}

func (e *ErrSSRFDenied) Error() string {
	return "ssrf_denied: " + e.Reason
}

// LookupFunc resolves a hostname; injectable for tests.
type LookupFunc func(ctx context.Context, host string) ([]net.IP, error)

// Guard rejects URLs that could reach internal infrastructure. Checks run
// on the literal host and on every resolved address, so a public name
// pointing at a private IP is still rejected.
type Guard struct {
	allowedDomains map[string]bool
	deniedDomains  map[string]bool
	lookup         LookupFunc
}

// NewGuard builds the guard. An empty allow list admits every domain not
// denied; a non-empty one admits only its members (and subdomains).
func NewGuard(allowed, denied []string, lookup LookupFunc) *Guard {
	if lookup == nil {
		lookup = func(ctx context.Context, host string) ([]net.IP, error) {
			addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
			if err != nil {
				return nil, err
			}
			ips := make([]net.IP, len(addrs))
			for i, a := range addrs {
				ips[i] = a.IP
			}
			return ips, nil
		}
	}
	g := &Guard{
		allowedDomains: toDomainSet(allowed),
		deniedDomains:  toDomainSet(denied),
		lookup:         lookup,
	}
	return g
}

func toDomainSet(domains []string) map[string]bool {
	set := make(map[string]bool, len(domains))
	for _, d := range domains {
		set[strings.ToLower(d)] = true
	}
	return set
}

// Check validates one canonical URL. A nil return admits the fetch.
func (g *Guard) Check(ctx context.Context, canonical string) error {
	u, err := url.Parse(canonical)
	if err != nil {
		return &ErrSSRFDenied{Reason: "unparseable URL"}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &ErrSSRFDenied{Reason: "scheme " + u.Scheme}
	}

	host := strings.ToLower(u.Hostname())
	if host == "" || host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return &ErrSSRFDenied{Reason: "localhost"}
	}
	if g.domainDenied(host) {
		return &ErrSSRFDenied{Reason: "domain denied: " + host}
	}
	if len(g.allowedDomains) > 0 && !g.domainAllowed(host) {
		return &ErrSSRFDenied{Reason: "domain not in allow list: " + host}
	}

	if ip := net.ParseIP(host); ip != nil {
		if reason := privateIPReason(ip); reason != "" {
			return &ErrSSRFDenied{Reason: reason}
		}
		return nil
	}

	ips, err := g.lookup(ctx, host)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", host, err)
	}
	for _, ip := range ips {
		if reason := privateIPReason(ip); reason != "" {
			return &ErrSSRFDenied{Reason: host + " resolves to " + reason}
		}
	}
	return nil
}

func (g *Guard) domainDenied(host string) bool {
	return matchDomain(g.deniedDomains, host)
}

func (g *Guard) domainAllowed(host string) bool {
	return matchDomain(g.allowedDomains, host)
}

// matchDomain checks host and every parent domain against the set.
func matchDomain(set map[string]bool, host string) bool {
	for {
		if set[host] {
			return true
		}
		dot := strings.IndexByte(host, '.')
		if dot < 0 {
			return false
		}
		host = host[dot+1:]
	}
}

// privateIPReason names why an IP is off-limits, or returns "".
func privateIPReason(ip net.IP) string {
	switch {
	case ip.IsLoopback():
		return "loopback address"
	case ip.IsPrivate():
		return "private address"
	case ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast():
		return "link-local address"
	case ip.IsUnspecified():
		return "unspecified address"
	}
	return ""
}
