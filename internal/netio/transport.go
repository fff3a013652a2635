package netio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"syscall"
	"time"

	"github.com/dantte-lp/godoip/internal/doip"
)

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

const (
	// DefaultWriteTimeout bounds one frame write when the caller's context
	// has no deadline.
	DefaultWriteTimeout = 2 * time.Second

	// DefaultKeepAlive is the TCP keep-alive period of data connections.
	DefaultKeepAlive = 15 * time.Second
)

// -------------------------------------------------------------------------
// Sentinel Errors
// -------------------------------------------------------------------------

var (
	// ErrUnexpectedConnType indicates net.ListenPacket returned something
	// other than *net.UDPConn.
	ErrUnexpectedConnType = errors.New("unexpected connection type from ListenPacket")

	// ErrAddressFamily indicates a local and remote address family mismatch.
	ErrAddressFamily = errors.New("address family mismatch")
)

// -------------------------------------------------------------------------
// Transport
// -------------------------------------------------------------------------

// Transport opens real TCP and UDP sockets. It implements doip.Transport.
type Transport struct {
	writeTimeout time.Duration
	keepAlive    time.Duration
	logger       *slog.Logger
}

var _ doip.Transport = (*Transport)(nil)

// Option configures optional Transport parameters.
type Option func(*Transport)

// WithWriteTimeout overrides DefaultWriteTimeout.
func WithWriteTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.writeTimeout = d
		}
	}
}

// WithKeepAlive overrides DefaultKeepAlive. A negative value disables
// keep-alive probes.
func WithKeepAlive(d time.Duration) Option {
	return func(t *Transport) {
		if d != 0 {
			t.keepAlive = d
		}
	}
}

// NewTransport creates a socket transport.
func NewTransport(logger *slog.Logger, opts ...Option) *Transport {
	t := &Transport{
		writeTimeout: DefaultWriteTimeout,
		keepAlive:    DefaultKeepAlive,
		logger:       logger.With(slog.String("component", "netio.transport")),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ListenTCP opens a TCP_DATA listener on local.
func (t *Transport) ListenTCP(ctx context.Context, local netip.AddrPort) (doip.Acceptor, error) {
	lc := net.ListenConfig{
		KeepAlive: t.keepAlive,
		Control: func(_, _ string, c syscall.RawConn) error {
			return controlFD(c, setListenerOpts)
		},
	}
	ln, err := lc.Listen(ctx, tcpNetwork(local.Addr()), local.String())
	if err != nil {
		return nil, fmt.Errorf("listen tcp %s: %w", local, err)
	}
	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		closeErr := ln.Close()
		return nil, errors.Join(fmt.Errorf("listen tcp %s: %w", local, ErrUnexpectedConnType), closeErr)
	}
	t.logger.Debug("tcp listener opened", slog.String("local", ln.Addr().String()))
	return newAcceptor(tcpLn, t), nil
}

// DialTCP connects to remote. A valid local address binds the source
// address; the port is always ephemeral.
func (t *Transport) DialTCP(ctx context.Context, local netip.Addr, remote netip.AddrPort) (doip.FrameConn, error) {
	d := net.Dialer{
		KeepAlive: t.keepAlive,
		Control: func(_, _ string, c syscall.RawConn) error {
			return controlFD(c, setDialerOpts)
		},
	}
	if local.IsValid() {
		if local.Is4() != remote.Addr().Unmap().Is4() {
			return nil, fmt.Errorf("dial tcp %s from %s: %w", remote, local, ErrAddressFamily)
		}
		d.LocalAddr = net.TCPAddrFromAddrPort(netip.AddrPortFrom(local, 0))
	}

	c, err := d.DialContext(ctx, tcpNetwork(remote.Addr()), remote.String())
	if err != nil {
		return nil, fmt.Errorf("dial tcp %s: %w", remote, err)
	}
	tc, ok := c.(*net.TCPConn)
	if !ok {
		closeErr := c.Close()
		return nil, errors.Join(fmt.Errorf("dial tcp %s: %w", remote, ErrUnexpectedConnType), closeErr)
	}
	return newFrameConn(tc, t.writeTimeout), nil
}

// ListenUDP opens a UDP_DISCOVERY endpoint on local. With broadcast set,
// SO_BROADCAST is enabled so the endpoint may send to broadcast addresses.
func (t *Transport) ListenUDP(ctx context.Context, local netip.AddrPort, broadcast bool) (doip.PacketEndpoint, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			return controlFD(c, func(fd int) error { return setUDPOpts(fd, broadcast) })
		},
	}
	pc, err := lc.ListenPacket(ctx, udpNetwork(local.Addr()), local.String())
	if err != nil {
		return nil, fmt.Errorf("listen udp %s: %w", local, err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		closeErr := pc.Close()
		return nil, errors.Join(fmt.Errorf("listen udp %s: %w", local, ErrUnexpectedConnType), closeErr)
	}
	ep := newEndpoint(conn, t.writeTimeout)
	t.logger.Debug("udp endpoint opened",
		slog.String("local", ep.LocalAddr().String()),
		slog.Bool("broadcast", broadcast),
	)
	return ep, nil
}

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

func tcpNetwork(a netip.Addr) string {
	switch {
	case !a.IsValid() || a.IsUnspecified():
		return "tcp"
	case a.Unmap().Is4():
		return "tcp4"
	default:
		return "tcp6"
	}
}

func udpNetwork(a netip.Addr) string {
	switch {
	case !a.IsValid() || a.IsUnspecified():
		return "udp"
	case a.Unmap().Is4():
		return "udp4"
	default:
		return "udp6"
	}
}

// controlFD runs fn on the raw descriptor and returns the first error.
func controlFD(c syscall.RawConn, fn func(fd int) error) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		//nolint:gosec // G115: kernel FDs are small positive integers.
		sockErr = fn(int(fd))
	})
	if err != nil {
		return fmt.Errorf("raw conn control: %w", err)
	}
	return sockErr
}

// closedErr maps net.ErrClosed to doip.ErrClosed so callers can match one
// sentinel regardless of transport.
func closedErr(op string, err error) error {
	if errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%s: %w", op, doip.ErrClosed)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ctxErr prefers the context error when ctx ended the operation through
// an expired deadline.
func ctxErr(ctx context.Context, op string, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return fmt.Errorf("%s: %w", op, cerr)
		}
	}
	return closedErr(op, err)
}

func addrPort(a net.Addr) netip.AddrPort {
	switch v := a.(type) {
	case *net.TCPAddr:
		ap := v.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	case *net.UDPAddr:
		ap := v.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	default:
		return netip.AddrPort{}
	}
}
