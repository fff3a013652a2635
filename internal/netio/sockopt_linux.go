//go:build linux

package netio

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// setListenerOpts configures a TCP_DATA listener socket.
func setListenerOpts(fd int) error {
	// SO_REUSEADDR: rebind port 13400 right after a restart.
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("set SO_REUSEADDR: %w", err)
	}
	return nil
}

// setDialerOpts configures an outgoing tester socket.
func setDialerOpts(fd int) error {
	// TCP_NODELAY: diagnostic messages are small and latency bound.
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		return fmt.Errorf("set TCP_NODELAY: %w", err)
	}
	return nil
}

// setUDPOpts configures a UDP_DISCOVERY socket. Several endpoints may bind
// port 13400 on different addresses of one host.
func setUDPOpts(fd int, broadcast bool) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("set SO_REUSEADDR: %w", err)
	}
	if broadcast {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_BROADCAST, 1); err != nil {
			return fmt.Errorf("set SO_BROADCAST: %w", err)
		}
	}
	return nil
}
