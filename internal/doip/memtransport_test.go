package doip_test

import (
	"context"
	"fmt"
	"io"
	"net/netip"
	"sync"

	"github.com/dantte-lp/godoip/internal/doip"
)

// -------------------------------------------------------------------------
// memNet: in-memory doip.Transport
// -------------------------------------------------------------------------

// memNet is a frame-oriented in-memory network. Streams are pairs of
// buffered channels; datagrams addressed to an IPv4 broadcast address are
// delivered to every other endpoint bound to the destination port. All
// blocking is on channels, so it works inside synctest bubbles.
type memNet struct {
	mu        sync.Mutex
	listeners map[netip.AddrPort]*memAcceptor
	endpoints map[netip.AddrPort]*memEndpoint
	nextPort  uint16
}

var _ doip.Transport = (*memNet)(nil)

func newMemNet() *memNet {
	return &memNet{
		listeners: make(map[netip.AddrPort]*memAcceptor),
		endpoints: make(map[netip.AddrPort]*memEndpoint),
		nextPort:  49152,
	}
}

func (n *memNet) ephemeral(addr netip.Addr) netip.AddrPort {
	n.nextPort++
	if !addr.IsValid() {
		addr = netip.MustParseAddr("127.0.0.1")
	}
	return netip.AddrPortFrom(addr, n.nextPort)
}

func (n *memNet) ListenTCP(_ context.Context, local netip.AddrPort) (doip.Acceptor, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if local.Port() == 0 {
		local = n.ephemeral(local.Addr())
	}
	if _, ok := n.listeners[local]; ok {
		return nil, fmt.Errorf("listen %s: address in use", local)
	}
	acc := &memAcceptor{
		net:    n,
		addr:   local,
		conns:  make(chan *memConn, 16),
		closed: make(chan struct{}),
	}
	n.listeners[local] = acc
	return acc, nil
}

func (n *memNet) DialTCP(ctx context.Context, local netip.Addr, remote netip.AddrPort) (doip.FrameConn, error) {
	n.mu.Lock()
	acc, ok := n.listeners[remote]
	localAP := n.ephemeral(local)
	n.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("dial %s: connection refused", remote)
	}

	client, server := newMemConnPair(localAP, remote)
	select {
	case acc.conns <- server:
		return client, nil
	case <-acc.closed:
		return nil, fmt.Errorf("dial %s: connection refused", remote)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (n *memNet) ListenUDP(_ context.Context, local netip.AddrPort, _ bool) (doip.PacketEndpoint, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if local.Port() == 0 {
		local = n.ephemeral(local.Addr())
	}
	if _, ok := n.endpoints[local]; ok {
		return nil, fmt.Errorf("listen udp %s: address in use", local)
	}
	ep := &memEndpoint{
		net:    n,
		addr:   local,
		inbox:  make(chan doip.Datagram, 64),
		closed: make(chan struct{}),
	}
	n.endpoints[local] = ep
	return ep, nil
}

// -------------------------------------------------------------------------
// Streams
// -------------------------------------------------------------------------

type memAcceptor struct {
	net       *memNet
	addr      netip.AddrPort
	conns     chan *memConn
	closed    chan struct{}
	closeOnce sync.Once
}

func (a *memAcceptor) Accept(ctx context.Context) (doip.FrameConn, error) {
	select {
	case c := <-a.conns:
		return c, nil
	case <-a.closed:
		return nil, doip.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *memAcceptor) Addr() netip.AddrPort { return a.addr }

func (a *memAcceptor) Close() error {
	a.closeOnce.Do(func() {
		close(a.closed)
		a.net.mu.Lock()
		delete(a.net.listeners, a.addr)
		a.net.mu.Unlock()
	})
	return nil
}

type memConn struct {
	local, remote netip.AddrPort
	in            chan []byte
	peer          *memConn
	readErr       chan error
	closed        chan struct{}
	closeOnce     sync.Once
}

func newMemConnPair(clientAddr, serverAddr netip.AddrPort) (*memConn, *memConn) {
	c := &memConn{local: clientAddr, remote: serverAddr, in: make(chan []byte, 64), readErr: make(chan error, 1), closed: make(chan struct{})}
	s := &memConn{local: serverAddr, remote: clientAddr, in: make(chan []byte, 64), readErr: make(chan error, 1), closed: make(chan struct{})}
	c.peer, s.peer = s, c
	return c, s
}

// failRead makes the next ReadFrame on c return err without closing
// either end.
func (c *memConn) failRead(err error) {
	c.readErr <- err
}

func (c *memConn) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case f := <-c.in:
		return f, nil
	case err := <-c.readErr:
		return nil, err
	case <-c.closed:
		return nil, doip.ErrClosed
	case <-c.peer.closed:
		select {
		case f := <-c.in:
			return f, nil
		default:
			return nil, io.EOF
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *memConn) WriteFrame(ctx context.Context, frame []byte) error {
	f := append([]byte(nil), frame...)
	select {
	case <-c.closed:
		return doip.ErrClosed
	case <-c.peer.closed:
		return io.ErrClosedPipe
	default:
	}
	select {
	case c.peer.in <- f:
		return nil
	case <-c.closed:
		return doip.ErrClosed
	case <-c.peer.closed:
		return io.ErrClosedPipe
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *memConn) LocalAddr() netip.AddrPort  { return c.local }
func (c *memConn) RemoteAddr() netip.AddrPort { return c.remote }

func (c *memConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// -------------------------------------------------------------------------
// Datagrams
// -------------------------------------------------------------------------

type memEndpoint struct {
	net       *memNet
	addr      netip.AddrPort
	inbox     chan doip.Datagram
	closed    chan struct{}
	closeOnce sync.Once
}

func (e *memEndpoint) ReadFrom(ctx context.Context) (doip.Datagram, error) {
	select {
	case dg := <-e.inbox:
		return dg, nil
	case <-e.closed:
		return doip.Datagram{}, doip.ErrClosed
	case <-ctx.Done():
		return doip.Datagram{}, ctx.Err()
	}
}

func (e *memEndpoint) WriteTo(_ context.Context, data []byte, dst netip.AddrPort) error {
	select {
	case <-e.closed:
		return doip.ErrClosed
	default:
	}

	e.net.mu.Lock()
	var targets []*memEndpoint
	origin := doip.OriginUnicast
	if isBroadcast(dst.Addr()) {
		origin = doip.OriginBroadcast
		for ap, ep := range e.net.endpoints {
			if ap.Port() == dst.Port() && ep != e {
				targets = append(targets, ep)
			}
		}
	} else if ep, ok := e.net.endpoints[dst]; ok {
		targets = append(targets, ep)
	}
	e.net.mu.Unlock()

	for _, ep := range targets {
		dg := doip.Datagram{Data: append([]byte(nil), data...), Remote: e.addr, Origin: origin}
		select {
		case ep.inbox <- dg:
		case <-ep.closed:
		default:
			// Receiver queue full: dropped like a real socket would.
		}
	}
	return nil
}

func (e *memEndpoint) LocalAddr() netip.AddrPort { return e.addr }

func (e *memEndpoint) Close() error {
	e.closeOnce.Do(func() {
		close(e.closed)
		e.net.mu.Lock()
		delete(e.net.endpoints, e.addr)
		e.net.mu.Unlock()
	})
	return nil
}

func isBroadcast(a netip.Addr) bool {
	if !a.Is4() {
		return false
	}
	b := a.As4()
	return b[3] == 0xff
}
