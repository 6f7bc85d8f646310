// Package urlsafety decides whether an outbound URL may be fetched by the service.
//
// The Gate rejects non-HTTP schemes, embedded credentials, blocklisted hostnames and any host whose
// literal or resolved addresses fall inside a private, loopback or link-local range. It is stateless
// apart from its immutable Policy and is safe for concurrent use.
package urlsafety

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/JakeFAU/fetchguard/internal/apperr"
)

const defaultLookupTimeout = 2 * time.Second

// Resolver resolves hostnames to addresses. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Policy is the allow/deny configuration applied by a Gate.
type Policy struct {
	Schemes         []string
	BlockedHosts    []string
	BlockedPrefixes []netip.Prefix
}

// DefaultPolicy returns the production policy: http/https only, cloud metadata and local-only
// hostnames blocked, and every private, loopback and link-local range denied.
func DefaultPolicy() Policy {
	return Policy{
		Schemes: []string{"http", "https"},
		BlockedHosts: []string{
			"localhost",
			"metadata.google.internal",
			"169.254.169.254",
			"*.local",
			"*.internal",
			"*.localhost",
		},
		BlockedPrefixes: []netip.Prefix{
			netip.MustParsePrefix("127.0.0.0/8"),
			netip.MustParsePrefix("10.0.0.0/8"),
			netip.MustParsePrefix("172.16.0.0/12"),
			netip.MustParsePrefix("192.168.0.0/16"),
			netip.MustParsePrefix("0.0.0.0/8"),
			netip.MustParsePrefix("169.254.0.0/16"),
			netip.MustParsePrefix("::1/128"),
			netip.MustParsePrefix("::/128"),
			netip.MustParsePrefix("fc00::/7"),
			netip.MustParsePrefix("fe80::/10"),
		},
	}
}

// Option customises a Gate.
type Option func(*Gate)

// WithResolver overrides the DNS resolver (tests inject a static one).
func WithResolver(r Resolver) Option {
	return func(g *Gate) {
		if r != nil {
			g.resolver = r
		}
	}
}

// WithLookupTimeout bounds each DNS lookup.
func WithLookupTimeout(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.lookupTimeout = d
		}
	}
}

// Gate applies a Policy to URLs.
type Gate struct {
	schemes       map[string]struct{}
	hosts         *hostPatternList
	prefixes      []netip.Prefix
	resolver      Resolver
	lookupTimeout time.Duration
}

// New builds a Gate. The policy is copied; later changes to the caller's slices have no effect.
func New(policy Policy, opts ...Option) *Gate {
	g := &Gate{
		schemes:       make(map[string]struct{}, len(policy.Schemes)),
		hosts:         newHostPatternList(policy.BlockedHosts),
		prefixes:      append([]netip.Prefix(nil), policy.BlockedPrefixes...),
		resolver:      net.DefaultResolver,
		lookupTimeout: defaultLookupTimeout,
	}
	for _, s := range policy.Schemes {
		g.schemes[strings.ToLower(strings.TrimSpace(s))] = struct{}{}
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// IsAllowed reports whether rawURL passes every check. Malformed input yields false.
func (g *Gate) IsAllowed(ctx context.Context, rawURL string) bool {
	return g.Check(ctx, rawURL) == nil
}

// Check returns nil when rawURL is allowed, or a URL_NOT_ALLOWED error naming the reason.
func (g *Gate) Check(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return deny("url is not parseable")
	}
	scheme := strings.ToLower(u.Scheme)
	if _, ok := g.schemes[scheme]; !ok {
		return deny("scheme %q is not allowed", scheme)
	}
	if u.User != nil {
		return deny("embedded credentials are not allowed")
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return deny("url has no host")
	}
	if g.hosts.matches(host) {
		return deny("host %q is blocked", host)
	}

	addrs, err := g.candidateAddrs(ctx, host)
	if err != nil {
		return err
	}
	for _, addr := range addrs {
		if g.blockedAddr(addr) {
			return deny("host %q resolves to blocked address %s", host, addr)
		}
	}
	return nil
}

// DialControl is a net.Dialer Control hook that refuses connections to blocked addresses. It closes
// the window between Check and connect in which a hostile DNS server could rebind the name.
func (g *Gate) DialControl(_ string, address string, _ syscall.RawConn) error {
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return deny("cannot parse dial address %q", address)
	}
	if g.blockedAddr(ap.Addr()) {
		return deny("connection to blocked address %s refused", ap.Addr())
	}
	return nil
}

func (g *Gate) candidateAddrs(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		if addr.Zone() != "" {
			return nil, deny("zoned address %q is not allowed", host)
		}
		return []netip.Addr{addr}, nil
	}
	if ambiguousNumericHost(host) {
		return nil, deny("numeric host %q is not a canonical address", host)
	}

	lookupCtx, cancel := context.WithTimeout(ctx, g.lookupTimeout)
	defer cancel()
	addrs, err := g.resolver.LookupNetIP(lookupCtx, "ip", host)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeURLNotAllowed, err, "host %q could not be resolved", host)
	}
	if len(addrs) == 0 {
		return nil, deny("host %q resolved to no addresses", host)
	}
	return addrs, nil
}

func (g *Gate) blockedAddr(addr netip.Addr) bool {
	addr = addr.Unmap().WithZone("")
	for _, prefix := range g.prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// ambiguousNumericHost catches shorthand and integer IPv4 forms ("127.1", "2130706433", "0x7f.0.0.1")
// that some resolvers expand to addresses. No registered TLD is numeric.
func ambiguousNumericHost(host string) bool {
	labels := strings.Split(host, ".")
	last := labels[len(labels)-1]
	if strings.HasPrefix(last, "0x") {
		return true
	}
	for _, r := range last {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func deny(format string, args ...any) error {
	return apperr.New(apperr.CodeURLNotAllowed, "%s", fmt.Sprintf(format, args...))
}
