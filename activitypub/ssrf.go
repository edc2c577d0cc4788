package activitypub

import (
	"context"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

// SSRFPolicy controls which destinations outbound federation requests
// may reach. AllowPrivate is a test/dev override; AllowHosts is a static
// allowlist that bypasses the address checks entirely.
type SSRFPolicy struct {
	AllowPrivate bool
	AllowHosts   []string
}

var forbiddenV4Prefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	// Everything from 224.0.0.0 up: multicast and reserved.
	netip.MustParsePrefix("224.0.0.0/3"),
}

var forbiddenV6Prefixes = []netip.Prefix{
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("::/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
}

// lookupNetIP is swapped out in tests to avoid real DNS.
var lookupNetIP = func(ctx context.Context, host string) ([]netip.Addr, error) {
	return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
}

// ResolveSafeURL validates a URL before any fetch: scheme must be http
// or https, and unless allowlisted every DNS result must fall outside
// private, loopback, link-local, CGNAT, multicast and reserved ranges.
// One bad address poisons the whole set, because the dialer could pick
// any of them.
func ResolveSafeURL(ctx context.Context, rawURL string, policy SSRFPolicy) (*url.URL, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, &SSRFBlockedError{Host: rawURL, Reason: "unparseable url"}
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, &SSRFBlockedError{Host: parsed.Hostname(), Reason: "scheme must be http or https"}
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return nil, &SSRFBlockedError{Host: rawURL, Reason: "missing host"}
	}

	for _, allowed := range policy.AllowHosts {
		if strings.EqualFold(allowed, host) {
			return parsed, nil
		}
	}

	if policy.AllowPrivate {
		// Private destinations are explicitly permitted (test/dev);
		// localhost and *.localhost included. Skip resolution entirely.
		return parsed, nil
	}

	addrs, err := lookupNetIP(ctx, host)
	if err != nil {
		return nil, &SSRFBlockedError{Host: host, Reason: "dns resolution failed"}
	}
	if len(addrs) == 0 {
		return nil, &SSRFBlockedError{Host: host, Reason: "dns returned no addresses"}
	}

	for _, addr := range addrs {
		if reason := forbiddenAddrReason(addr); reason != "" {
			return nil, &SSRFBlockedError{Host: host, Reason: reason}
		}
	}

	return parsed, nil
}

func forbiddenAddrReason(addr netip.Addr) string {
	addr = addr.Unmap()
	prefixes := forbiddenV6Prefixes
	if addr.Is4() {
		prefixes = forbiddenV4Prefixes
	}
	for _, p := range prefixes {
		if p.Contains(addr) {
			return "resolves to forbidden range " + p.String()
		}
	}
	return ""
}
