// Package transport provides the broker channel: a framed, correlated TCP
// connection speaking the Kafka wire protocol. The routing core treats
// channels as opaque handles; everything about sockets, framing, and header
// encoding lives here.
package transport

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

// EndPoint is a resolved broker address. Host keeps the name the address was
// resolved from for diagnostics; Addr and Port identify the socket.
type EndPoint struct {
	Host string
	Addr netip.Addr
	Port uint16
}

// String returns the dialable "ip:port" form.
func (e EndPoint) String() string {
	return net.JoinHostPort(e.Addr.String(), strconv.Itoa(int(e.Port)))
}

// LookupIPv4 resolves host to its IPv4 addresses. A literal IP address is
// returned as-is without consulting DNS.
func LookupIPv4(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr.Unmap()}, nil
	}

	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip4", host)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", host, err)
	}
	out := make([]netip.Addr, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.Unmap())
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("resolve %q: no IPv4 addresses", host)
	}
	return out, nil
}

// Resolve resolves host to endpoints carrying the given port.
func Resolve(ctx context.Context, host string, port uint16) ([]EndPoint, error) {
	addrs, err := LookupIPv4(ctx, host)
	if err != nil {
		return nil, err
	}
	eps := make([]EndPoint, 0, len(addrs))
	for _, a := range addrs {
		eps = append(eps, EndPoint{Host: host, Addr: a, Port: port})
	}
	return eps, nil
}
