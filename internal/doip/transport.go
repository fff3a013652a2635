package doip

import (
	"context"
	"errors"
	"net/netip"
)

// -------------------------------------------------------------------------
// Transport: socket layer consumed by this package
// -------------------------------------------------------------------------

// Transport opens the sockets used by channels, tester clients, and UDP
// connections. The production implementation lives in internal/netio;
// tests substitute an in-memory network.
type Transport interface {
	// ListenTCP opens a stream listener on local.
	ListenTCP(ctx context.Context, local netip.AddrPort) (Acceptor, error)

	// DialTCP connects to remote, optionally binding the local address.
	DialTCP(ctx context.Context, local netip.Addr, remote netip.AddrPort) (FrameConn, error)

	// ListenUDP opens a datagram endpoint on local. When broadcast is true
	// the endpoint may send to and receive from broadcast addresses.
	ListenUDP(ctx context.Context, local netip.AddrPort, broadcast bool) (PacketEndpoint, error)
}

// Acceptor yields one FrameConn per connecting tester.
type Acceptor interface {
	// Accept blocks until a peer connects, ctx is done, or the acceptor is closed.
	Accept(ctx context.Context) (FrameConn, error)
	Addr() netip.AddrPort
	Close() error
}

// FrameConn is a stream connection that reads and writes whole DoIP frames.
type FrameConn interface {
	// ReadFrame returns the next complete frame (header and payload). The
	// returned slice is owned by the caller.
	ReadFrame(ctx context.Context) ([]byte, error)

	// WriteFrame writes one complete frame. Safe for concurrent use.
	WriteFrame(ctx context.Context, frame []byte) error

	LocalAddr() netip.AddrPort
	RemoteAddr() netip.AddrPort
	Close() error
}

// Datagram is one received UDP datagram.
type Datagram struct {
	Data   []byte
	Remote netip.AddrPort
	Origin Origin
}

// PacketEndpoint is a bound UDP socket.
type PacketEndpoint interface {
	// ReadFrom blocks until a datagram arrives, ctx is done, or the endpoint is closed.
	ReadFrom(ctx context.Context) (Datagram, error)

	// WriteTo sends one datagram to dst (unicast or broadcast).
	WriteTo(ctx context.Context, data []byte, dst netip.AddrPort) error

	LocalAddr() netip.AddrPort
	Close() error
}

// ErrClosed is returned by transport implementations after Close.
var ErrClosed = errors.New("transport closed")
