// Package endpoint validates and formats the UDP host/port pairs the DHT
// talks to. The BEP 5 compact node and peer encodings live in package krpc.
package endpoint

import (
	"context"
	"fmt"
	"net"
	"strconv"
)

// Family distinguishes an Endpoint's address family.
type Family int

const (
	// V4 is IPv4.
	V4 Family = iota
	// V6 is IPv6.
	V6
)

func (f Family) String() string {
	if f == V6 {
		return "v6"
	}
	return "v4"
}

// Endpoint is a validated IPv4/IPv6 address plus UDP port. Two endpoints are
// Equal iff family, address bytes and port all match; IP is a net.IP slice,
// so use Equal rather than == to compare values.
type Endpoint struct {
	Family Family
	IP     net.IP
	Port   uint16
}

// New validates and builds an Endpoint from a parsed IP and a port number.
// It rejects the wildcard address and port 0.
func New(ip net.IP, port uint16) (Endpoint, error) {
	if port == 0 {
		return Endpoint{}, fmt.Errorf("endpoint: port must be nonzero")
	}
	if ip == nil {
		return Endpoint{}, fmt.Errorf("endpoint: nil address")
	}
	if ip.IsUnspecified() {
		return Endpoint{}, fmt.Errorf("endpoint: wildcard address %v not allowed", ip)
	}
	if v4 := ip.To4(); v4 != nil {
		return Endpoint{Family: V4, IP: v4, Port: port}, nil
	}
	if v6 := ip.To16(); v6 != nil {
		return Endpoint{Family: V6, IP: v6, Port: port}, nil
	}
	return Endpoint{}, fmt.Errorf("endpoint: address %v is neither v4 nor v6", ip)
}

// Parse parses "host:port" (v4) or "[host]:port" (v6) into an Endpoint. It
// tries the IPv4 presentation form first, then IPv6, and rejects an empty
// string, the wildcard address and port 0.
func Parse(hostPort string) (Endpoint, error) {
	if hostPort == "" {
		return Endpoint{}, fmt.Errorf("endpoint: empty address")
	}
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		return Endpoint{}, fmt.Errorf("endpoint: %w", err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Endpoint{}, fmt.Errorf("endpoint: invalid port %q: %w", portStr, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return Endpoint{}, fmt.Errorf("endpoint: invalid address %q", host)
	}
	return New(ip, uint16(port))
}

// Resolve is the named side-entry for hostname resolution. preferFamily
// selects which address family to prefer when the host has both: the first
// usable result of that family wins, falling back to the first usable
// result of any family if none matches. Passing a value that is neither V4
// nor V6 (such as -1) expresses no preference.
func Resolve(ctx context.Context, host string, port uint16, preferFamily Family) (Endpoint, error) {
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return Endpoint{}, fmt.Errorf("endpoint: resolve failed for %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return Endpoint{}, fmt.Errorf("endpoint: resolve returned no addresses for %s", host)
	}
	var fallback net.IP
	for _, a := range addrs {
		ep, err := New(a.IP, port)
		if err != nil {
			continue
		}
		if ep.Family == preferFamily {
			return ep, nil
		}
		if fallback == nil {
			fallback = a.IP
		}
	}
	if fallback == nil {
		return Endpoint{}, fmt.Errorf("endpoint: no usable address for %s", host)
	}
	return New(fallback, port)
}

// String renders "a.b.c.d:port" for v4 or "[addr]:port" for v6.
func (e Endpoint) String() string {
	if e.Family == V6 {
		return net.JoinHostPort(e.IP.String(), strconv.Itoa(int(e.Port)))
	}
	return fmt.Sprintf("%s:%d", e.IP.String(), e.Port)
}

// UDPAddr renders the Endpoint as a *net.UDPAddr for use with the socket
// layer.
func (e Endpoint) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: e.IP, Port: int(e.Port)}
}

// FromUDPAddr builds a validated Endpoint from a *net.UDPAddr, such as the
// sender address a UDP read returns.
func FromUDPAddr(addr *net.UDPAddr) (Endpoint, error) {
	if addr == nil {
		return Endpoint{}, fmt.Errorf("endpoint: nil UDPAddr")
	}
	return New(addr.IP, uint16(addr.Port))
}

// Equal reports whether two endpoints have the same family, address and
// port.
func (e Endpoint) Equal(other Endpoint) bool {
	return e.Family == other.Family && e.IP.Equal(other.IP) && e.Port == other.Port
}
