package registry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var (
	ErrSchemeNotAllowed = errors.New("ssrf: scheme must be https")
	ErrNoResolvedIPs    = errors.New("ssrf: hostname did not resolve to any address")
	ErrReservedAddress  = errors.New("ssrf: resolved address is in a reserved range")
)

// reservedHostnames blocks well-known cloud metadata endpoints outright,
// independent of DNS resolution (spec.md §4.7).
var reservedHostnames = map[string]struct{}{
	"metadata.google.internal": {},
	"metadata.azure.com":       {},
	"169.254.169.254":          {},
}

// Resolver abstracts DNS lookup so tests can inject deterministic results.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// SSRFValidator validates solver-endpoint URLs are not pointed at the
// loopback/private/link-local/metadata address space, re-resolving DNS on
// every call to defend against DNS-rebinding (spec.md §4.7).
type SSRFValidator struct {
	resolver Resolver
	devMode  bool
}

func NewSSRFValidator(resolver Resolver, devMode bool) *SSRFValidator {
	return &SSRFValidator{resolver: resolver, devMode: devMode}
}

// Validate checks rawURL's scheme and re-resolves its hostname, rejecting
// any reserved-range address. Call this both at registration time and
// again immediately before every outbound solver request (spec.md §4.7).
func (v *SSRFValidator) Validate(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	if u.Scheme != "https" && !(v.devMode && u.Scheme == "http") {
		return ErrSchemeNotAllowed
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("ssrf: empty hostname")
	}
	if _, blocked := reservedHostnames[host]; blocked {
		return ErrReservedAddress
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkReserved(ip)
	}

	// A transient resolver hiccup shouldn't permanently block a legitimate
	// registration; a short retry tolerates it without weakening the
	// re-resolution-on-every-call defense against DNS rebinding.
	var addrs []net.IPAddr
	exp := backoff.NewExponentialBackOff()
	exp.MaxElapsedTime = 2 * time.Second
	err = backoff.Retry(func() error {
		a, err := v.resolver.LookupIPAddr(ctx, host)
		if err != nil {
			return err
		}
		addrs = a
		return nil
	}, backoff.WithContext(exp, ctx))
	if err != nil {
		return err
	}
	if len(addrs) == 0 {
		return ErrNoResolvedIPs
	}
	for _, a := range addrs {
		if err := checkReserved(a.IP); err != nil {
			return err
		}
	}
	return nil
}

// checkReserved rejects loopback, private, link-local, unspecified and
// IPv4-mapped-IPv6 variants thereof (spec.md §4.7).
func checkReserved(ip net.IP) error {
	if ip4 := ip.To4(); ip4 != nil {
		ip = ip4
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return ErrReservedAddress
	}
	// IPv6 unique local range (IsPrivate matches it as well). Carrier-grade
	// NAT (100.64.0.0/10) is not rejected.
	if ip.To4() == nil && len(ip) == net.IPv6len && (ip[0]&0xfe) == 0xfc {
		return ErrReservedAddress // fc00::/7 unique local
	}
	return nil
}
