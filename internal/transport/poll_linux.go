//go:build linux

package transport

import (
	"net"

	"golang.org/x/sys/unix"
)

// connHungUp polls the socket for a remote hangup without consuming data.
// POLLRDHUP detects the remote end's FIN on Linux.
func connHungUp(conn net.Conn) bool {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return false
	}
	rawConn, err := tcpConn.SyscallConn()
	if err != nil {
		return false
	}

	var fd int
	if err := rawConn.Control(func(fdPtr uintptr) { fd = int(fdPtr) }); err != nil {
		return false
	}

	pollFds := []unix.PollFd{{
		Fd:     int32(fd),
		Events: unix.POLLHUP | unix.POLLERR | unix.POLLRDHUP,
	}}
	n, err := unix.Poll(pollFds, 0)
	if err != nil {
		return err != unix.EINTR
	}
	return n > 0 && pollFds[0].Revents != 0
}
