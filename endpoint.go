// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package rigcom

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/creachadair/mds/value"
)

// Default ports for each role.
const (
	ControllerPort = 11001 // where a controller listens for rig updates
	RigPort        = 11002 // where a rig listens for controller signals
)

// Scheme is the only supported endpoint URI scheme.
const Scheme = "udp"

// Role describes which side of the protocol an endpoint belongs to. It
// selects the default port when none is given.
type Role int

const (
	RoleRig        Role = iota // a rig, which listens for signals
	RoleController             // a controller, which issues signals
)

func (r Role) String() string {
	switch r {
	case RoleRig:
		return "rig"
	case RoleController:
		return "controller"
	default:
		return fmt.Sprintf("role %d", int(r))
	}
}

// DefaultPort reports the default port for r.
func (r Role) DefaultPort() int { return value.Cond(r == RoleController, ControllerPort, RigPort) }

// An Endpoint is a validated datagram address.
type Endpoint struct {
	Host string // an IP literal, or an unresolved hostname if NoResolve was set
	Port int
	Role Role
}

// String renders e as a URI, "udp://host:port".
func (e Endpoint) String() string {
	return Scheme + "://" + net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// HostPort renders e as "host:port".
func (e Endpoint) HostPort() string { return net.JoinHostPort(e.Host, strconv.Itoa(e.Port)) }

// UDPAddr returns e as a UDP address. It reports an error if the host of e
// is not an IP literal.
func (e Endpoint) UDPAddr() (*net.UDPAddr, error) {
	ip, err := netip.ParseAddr(e.Host)
	if err != nil {
		return nil, &AddressError{Addr: e.String(), Err: errors.New("host is not resolved")}
	}
	return net.UDPAddrFromAddrPort(netip.AddrPortFrom(ip.Unmap(), uint16(e.Port))), nil
}

// ResolveOptions control how [ParseEndpoint] resolves an address.
// A nil *ResolveOptions provides default values.
type ResolveOptions struct {
	// If true, hostnames are not resolved, but must be lexically valid.
	NoResolve bool

	// If true, port 0 is accepted, to bind an ephemeral port.
	AllowAnyPort bool

	// If set, used to resolve hostnames; otherwise net.DefaultResolver.
	Resolver *net.Resolver

	// If positive, bounds the time spent resolving a hostname.
	Timeout time.Duration
}

func (o *ResolveOptions) noResolve() bool    { return o != nil && o.NoResolve }
func (o *ResolveOptions) allowAnyPort() bool { return o != nil && o.AllowAnyPort }

func (o *ResolveOptions) resolver() *net.Resolver {
	if o == nil || o.Resolver == nil {
		return net.DefaultResolver
	}
	return o.Resolver
}

func (o *ResolveOptions) timeout() time.Duration {
	if o == nil || o.Timeout <= 0 {
		return 5 * time.Second
	}
	return o.Timeout
}

var hostnameRE = regexp.MustCompile(`^[a-z0-9-]+(\.[a-z0-9-]+)*$`)

// ParseEndpoint validates and normalizes uri, which has the form
// "[udp://]host[:port]". If the port is omitted, the default port for role
// is used. Loopback names resolve to 127.0.0.1 on all platforms. Any error
// has concrete type [*AddressError].
func ParseEndpoint(uri string, role Role, opts *ResolveOptions) (Endpoint, error) {
	fail := func(format string, args ...any) (Endpoint, error) {
		return Endpoint{}, &AddressError{Addr: uri, Err: fmt.Errorf(format, args...)}
	}

	rest := strings.TrimSpace(uri)
	if scheme, tail, ok := strings.Cut(rest, "://"); ok {
		if !strings.EqualFold(scheme, Scheme) {
			return fail("unsupported scheme %q", scheme)
		}
		rest = tail
	}
	if rest == "" {
		return fail("missing host")
	}

	host, port := rest, ""
	if h, p, err := net.SplitHostPort(rest); err == nil {
		if p == "" {
			return fail("missing port after colon")
		}
		host, port = h, p
	} else if strings.HasPrefix(rest, "[") && strings.HasSuffix(rest, "]") {
		host = rest[1 : len(rest)-1] // bracketed IPv6 without a port
	} else if strings.Count(rest, ":") == 1 {
		return fail("%v", err)
	}

	pnum := role.DefaultPort()
	if port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			return fail("invalid port %q", port)
		}
		pnum = n
	}
	if pnum < 0 || pnum > 65535 || (pnum == 0 && !opts.allowAnyPort()) {
		return fail("port %d out of range", pnum)
	}

	ep := Endpoint{Port: pnum, Role: role}
	if ip, err := netip.ParseAddr(host); err == nil {
		ep.Host = ip.Unmap().String()
		return ep, nil
	}
	lhost := strings.ToLower(host)
	if lhost == "localhost" {
		ep.Host = "127.0.0.1"
		return ep, nil
	}
	if strings.Trim(lhost, "0123456789.") == "" {
		return fail("invalid IP address %q", host)
	} else if !hostnameRE.MatchString(lhost) {
		return fail("invalid hostname %q", host)
	}
	if opts.noResolve() {
		ep.Host = lhost
		return ep, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout())
	defer cancel()
	ips, err := opts.resolver().LookupNetIP(ctx, "ip", lhost)
	if err != nil {
		return fail("resolve %q: %w", host, err)
	}
	ip, ok := preferIPv4(ips)
	if !ok {
		return fail("no addresses for %q", host)
	}
	ep.Host = ip.String()
	return ep, nil
}

// preferIPv4 returns the first IPv4 address in ips, or else the first address.
func preferIPv4(ips []netip.Addr) (netip.Addr, bool) {
	for _, ip := range ips {
		if ip.Unmap().Is4() {
			return ip.Unmap(), true
		}
	}
	if len(ips) == 0 {
		return netip.Addr{}, false
	}
	return ips[0], true
}

// HostIP reports the LAN-facing IPv4 address of this machine. It first
// resolves the local hostname, and if that yields only loopback addresses it
// falls back to the source address of the default route.
func HostIP() (netip.Addr, error) {
	if name, err := os.Hostname(); err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip4", name)
		cancel()
		if err == nil {
			for _, ip := range ips {
				if !ip.IsLoopback() {
					return ip.Unmap(), nil
				}
			}
		}
	}

	// Connecting a UDP socket sends no packets, but selects a source address.
	conn, err := net.Dial("udp4", "192.0.2.1:9") // TEST-NET-1, discard port
	if err != nil {
		return netip.Addr{}, fmt.Errorf("find host address: %w", err)
	}
	defer conn.Close()
	ap := conn.LocalAddr().(*net.UDPAddr).AddrPort()
	return ap.Addr().Unmap(), nil
}

// sameHost reports whether a and b have the same host part.
func sameHost(a, b net.Addr) bool {
	ah, _, aerr := net.SplitHostPort(a.String())
	bh, _, berr := net.SplitHostPort(b.String())
	if aerr != nil || berr != nil {
		return a.String() == b.String()
	}
	if aip, err := netip.ParseAddr(ah); err == nil {
		if bip, err := netip.ParseAddr(bh); err == nil {
			return aip.Unmap() == bip.Unmap()
		}
	}
	return ah == bh
}
