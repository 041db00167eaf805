//go:build !linux

package transport

import "net"

// connHungUp is a no-op on platforms without POLLRDHUP; a dead socket is
// detected on the next send instead.
func connHungUp(net.Conn) bool {
	return false
}
