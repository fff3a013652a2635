package netio

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/dantte-lp/godoip/internal/doip"
)

// limitedBroadcast is 255.255.255.255.
//
//nolint:gochecknoglobals // constant address value.
var limitedBroadcast = netip.AddrFrom4([4]byte{255, 255, 255, 255})

// endpoint implements doip.PacketEndpoint over a *net.UDPConn. IPv4
// sockets read through an ipv4.PacketConn so the destination address of
// each datagram is known.
type endpoint struct {
	conn         *net.UDPConn
	p4           *ipv4.PacketConn
	local        netip.AddrPort
	writeTimeout time.Duration

	// broadcasts holds the directed broadcast addresses of the host's
	// IPv4 interfaces at open time.
	broadcasts map[netip.Addr]struct{}

	wmu sync.Mutex
}

func newEndpoint(conn *net.UDPConn, writeTimeout time.Duration) *endpoint {
	e := &endpoint{
		conn:         conn,
		local:        addrPort(conn.LocalAddr()),
		writeTimeout: writeTimeout,
		broadcasts:   directedBroadcasts(),
	}
	if !e.local.Addr().Is6() || e.local.Addr().IsUnspecified() {
		p4 := ipv4.NewPacketConn(conn)
		if err := p4.SetControlMessage(ipv4.FlagDst, true); err != nil {
			// Not every platform reports destinations; fall back to
			// treating every datagram as unicast.
			p4 = nil
		}
		e.p4 = p4
	}
	return e
}

// ReadFrom reads one datagram. Origin is OriginBroadcast when the datagram
// was addressed to the limited broadcast address or a directed broadcast
// address of a local interface.
func (e *endpoint) ReadFrom(ctx context.Context) (doip.Datagram, error) {
	if err := e.conn.SetReadDeadline(time.Time{}); err != nil {
		return doip.Datagram{}, closedErr("read datagram", err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = e.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	bufp, ok := doip.FramePool.Get().(*[]byte)
	if !ok {
		b := make([]byte, doip.MaxFrameSize)
		bufp = &b
	}
	defer doip.FramePool.Put(bufp)
	buf := *bufp

	var (
		n      int
		src    netip.AddrPort
		origin = doip.OriginUnicast
		err    error
	)
	if e.p4 != nil {
		var (
			cm  *ipv4.ControlMessage
			raw net.Addr
		)
		n, cm, raw, err = e.p4.ReadFrom(buf)
		src = addrPort(raw)
		if cm != nil && e.isBroadcast(cm.Dst) {
			origin = doip.OriginBroadcast
		}
	} else {
		n, src, err = e.conn.ReadFromUDPAddrPort(buf)
		src = netip.AddrPortFrom(src.Addr().Unmap(), src.Port())
	}
	if err != nil {
		return doip.Datagram{}, ctxErr(ctx, "read datagram", err)
	}

	data := make([]byte, n)
	copy(data, buf[:n])
	return doip.Datagram{Data: data, Remote: src, Origin: origin}, nil
}

// WriteTo sends data to dst.
func (e *endpoint) WriteTo(ctx context.Context, data []byte, dst netip.AddrPort) error {
	e.wmu.Lock()
	defer e.wmu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(e.writeTimeout)
	}
	if err := e.conn.SetWriteDeadline(deadline); err != nil {
		return closedErr("write datagram", err)
	}
	if _, err := e.conn.WriteToUDPAddrPort(data, dst); err != nil {
		return ctxErr(ctx, fmt.Sprintf("write datagram to %s", dst), err)
	}
	return nil
}

func (e *endpoint) LocalAddr() netip.AddrPort { return e.local }

func (e *endpoint) Close() error {
	if err := e.conn.Close(); err != nil {
		return closedErr("close udp endpoint", err)
	}
	return nil
}

func (e *endpoint) isBroadcast(ip net.IP) bool {
	a, ok := netip.AddrFromSlice(ip)
	if !ok {
		return false
	}
	a = a.Unmap()
	if a == limitedBroadcast {
		return true
	}
	_, ok = e.broadcasts[a]
	return ok
}

// directedBroadcasts returns the broadcast address of every IPv4 prefix
// configured on the host.
func directedBroadcasts() map[netip.Addr]struct{} {
	out := make(map[netip.Addr]struct{})
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return out
	}
	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip4 := ipn.IP.To4()
		mask := ipn.Mask
		if ip4 == nil || len(mask) != net.IPv4len {
			continue
		}
		var b [4]byte
		for i := range b {
			b[i] = ip4[i] | ^mask[i]
		}
		if ones, _ := mask.Size(); ones >= 31 {
			continue
		}
		out[netip.AddrFrom4(b)] = struct{}{}
	}
	return out
}
