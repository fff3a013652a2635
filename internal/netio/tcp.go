package netio

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/dantte-lp/godoip/internal/doip"
)

// -------------------------------------------------------------------------
// Acceptor: TCP_DATA listener
// -------------------------------------------------------------------------

// acceptor implements doip.Acceptor over a *net.TCPListener. Channels
// sharing one listen address wait in Accept concurrently, so a single
// accept loop owns the listener and hands connections to whichever waiter
// receives first. Cancelling one waiter never touches the listener.
type acceptor struct {
	ln   *net.TCPListener
	addr netip.AddrPort
	t    *Transport

	start   sync.Once
	conns   chan *net.TCPConn
	closing chan struct{}
	done    chan struct{}
	err     error // set by acceptLoop before done is closed

	mu      sync.Mutex
	closed  bool
	running bool
}

func newAcceptor(ln *net.TCPListener, t *Transport) *acceptor {
	return &acceptor{
		ln:      ln,
		addr:    addrPort(ln.Addr()),
		t:       t,
		conns:   make(chan *net.TCPConn),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Accept waits for the next tester connection or until ctx is done.
func (a *acceptor) Accept(ctx context.Context) (doip.FrameConn, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, fmt.Errorf("accept: %w", doip.ErrClosed)
	}
	a.start.Do(func() {
		a.running = true
		go a.acceptLoop()
	})
	a.mu.Unlock()

	select {
	case c := <-a.conns:
		return newFrameConn(c, a.t.writeTimeout), nil
	case <-a.done:
		return nil, closedErr("accept", a.err)
	case <-ctx.Done():
		return nil, fmt.Errorf("accept: %w", ctx.Err())
	}
}

// acceptLoop accepts until the listener fails or is closed. A connection
// accepted while Close is in progress is dropped.
func (a *acceptor) acceptLoop() {
	defer close(a.done)

	for {
		c, err := a.ln.AcceptTCP()
		if err != nil {
			a.err = err
			select {
			case <-a.closing:
			default:
				a.t.logger.Warn("tcp accept failed",
					slog.String("local", a.addr.String()),
					slog.String("error", err.Error()),
				)
			}
			return
		}
		if a.t.keepAlive > 0 {
			_ = c.SetKeepAlive(true)
			_ = c.SetKeepAlivePeriod(a.t.keepAlive)
		}

		select {
		case a.conns <- c:
		case <-a.closing:
			_ = c.Close()
			a.err = net.ErrClosed
			return
		}
	}
}

func (a *acceptor) Addr() netip.AddrPort { return a.addr }

// Close closes the listener and waits for the accept loop to exit.
func (a *acceptor) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	running := a.running
	close(a.closing)
	a.mu.Unlock()

	err := a.ln.Close()
	if running {
		<-a.done
	}
	if err != nil {
		return fmt.Errorf("close listener %s: %w", a.addr, err)
	}
	return nil
}

// -------------------------------------------------------------------------
// FrameConn: TCP_DATA stream
// -------------------------------------------------------------------------

// frameConn implements doip.FrameConn. Reads are expected from a single
// goroutine; writes are serialized by wmu.
type frameConn struct {
	conn         *net.TCPConn
	local        netip.AddrPort
	remote       netip.AddrPort
	writeTimeout time.Duration

	hdr [doip.HeaderSize]byte
	wmu sync.Mutex
}

func newFrameConn(c *net.TCPConn, writeTimeout time.Duration) *frameConn {
	return &frameConn{
		conn:         c,
		local:        addrPort(c.LocalAddr()),
		remote:       addrPort(c.RemoteAddr()),
		writeTimeout: writeTimeout,
	}
}

// ReadFrame reads the generic header, then exactly the announced payload.
// The header is not validated beyond its length field: version errors are
// left to the caller so it can answer with a generic NACK. A payload
// length above doip.MaxPayloadSize returns doip.ErrPayloadTooLarge and the
// stream cannot be resynchronized.
func (c *frameConn) ReadFrame(ctx context.Context) ([]byte, error) {
	if err := c.conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, closedErr("read frame", err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	if _, err := io.ReadFull(c.conn, c.hdr[:]); err != nil {
		return nil, ctxErr(ctx, "read frame header", err)
	}
	n := binary.BigEndian.Uint32(c.hdr[4:8])
	if n > doip.MaxPayloadSize {
		return nil, fmt.Errorf("read frame from %s: %w: %d", c.remote, doip.ErrPayloadTooLarge, n)
	}

	frame := make([]byte, doip.HeaderSize+int(n))
	copy(frame, c.hdr[:])
	if _, err := io.ReadFull(c.conn, frame[doip.HeaderSize:]); err != nil {
		return nil, ctxErr(ctx, "read frame payload", err)
	}
	return frame, nil
}

// WriteFrame writes frame in one call. The write deadline is taken from
// ctx, or the transport write timeout when ctx has none.
func (c *frameConn) WriteFrame(ctx context.Context, frame []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.writeTimeout)
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return closedErr("write frame", err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetWriteDeadline(time.Now())
	})
	defer stop()

	if _, err := c.conn.Write(frame); err != nil {
		return ctxErr(ctx, "write frame", err)
	}
	return nil
}

func (c *frameConn) LocalAddr() netip.AddrPort  { return c.local }
func (c *frameConn) RemoteAddr() netip.AddrPort { return c.remote }

func (c *frameConn) Close() error {
	if err := c.conn.Close(); err != nil {
		return closedErr("close connection", err)
	}
	return nil
}
