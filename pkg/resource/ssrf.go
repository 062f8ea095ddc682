package resource

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// blockedCIDRs is the fixed reject list from spec §4.8 step 6, evaluated
// against the resolved outbound address regardless of how it was named.
var blockedCIDRs = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(fmt.Sprintf("resource: invalid blocked CIDR %q: %v", c, err))
		}
		nets = append(nets, n)
	}
	return nets
}

// loopbackAliases are hostname forms that resolve to loopback without a DNS
// lookup reaching that conclusion on every platform (spec §4.8 step 6:
// "reject any of localhost, 127.0.0.1, ::1, 0.0.0.0, loopback alias forms").
var loopbackAliases = map[string]bool{
	"localhost":   true,
	"localhost.":  true,
	"127.0.0.1":   true,
	"::1":         true,
	"0.0.0.0":     true,
	"0":           true,
	"[::1]":       true,
	"ip6-localhost": true,
}

// Resolver abstracts DNS resolution so the SSRF guard is testable without a
// live resolver.
type Resolver interface {
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
}

type netResolver struct{}

func (netResolver) LookupIP(ctx context.Context, network, host string) ([]net.IP, error) {
	return net.DefaultResolver.LookupIP(ctx, network, host)
}

// DefaultResolver is the production Resolver, backed by net.DefaultResolver.
var DefaultResolver Resolver = netResolver{}

// CheckSSRF implements spec §4.8 step 6 end to end: parse, reject loopback
// aliases, resolve the host (or accept a literal IP), and reject any
// resulting address in the blocked CIDR set. It never performs the
// outbound call itself.
func CheckSSRF(ctx context.Context, resolver Resolver, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: unparseable url: %v", ErrSSRFBlocked, err)
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: empty host", ErrSSRFBlocked)
	}

	if loopbackAliases[strings.ToLower(host)] {
		return fmt.Errorf("%w: loopback alias %q", ErrSSRFBlocked, host)
	}

	if resolver == nil {
		resolver = DefaultResolver
	}

	var addrs []net.IP
	if ip := net.ParseIP(host); ip != nil {
		addrs = []net.IP{ip}
	} else {
		addrs, err = resolver.LookupIP(ctx, "ip", host)
		if err != nil {
			return fmt.Errorf("%w: dns resolution failed for %q: %v", ErrSSRFBlocked, host, err)
		}
		if len(addrs) == 0 {
			return fmt.Errorf("%w: no addresses resolved for %q", ErrSSRFBlocked, host)
		}
	}

	for _, addr := range addrs {
		if addr.IsLoopback() || addr.IsUnspecified() {
			return fmt.Errorf("%w: %s resolves to loopback/unspecified address %s", ErrSSRFBlocked, host, addr)
		}
		for _, blocked := range blockedCIDRs {
			if blocked.Contains(addr) {
				return fmt.Errorf("%w: %s resolves to blocked address %s (%s)", ErrSSRFBlocked, host, addr, blocked)
			}
		}
	}

	return nil
}
