package doip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
)

// DatagramHandler receives every parsed datagram of a UDPConnection. It is
// called from the receive goroutine and must not block.
type DatagramHandler interface {
	HandleDatagram(msg Message)
}

// UDPConnection owns one UDP endpoint used for vehicle identification.
// Received datagrams are parsed and handed to the registered handler.
type UDPConnection struct {
	endpoint  PacketEndpoint
	broadcast bool
	logger    *slog.Logger

	mu      sync.Mutex
	handler DatagramHandler
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

// NewUDPConnection wraps endpoint. Receiving starts with Start.
func NewUDPConnection(endpoint PacketEndpoint, broadcast bool, logger *slog.Logger) *UDPConnection {
	return &UDPConnection{
		endpoint:  endpoint,
		broadcast: broadcast,
		logger: logger.With(
			slog.String("component", "doip.udp"),
			slog.String("local", endpoint.LocalAddr().String()),
		),
	}
}

// SetHandler registers the datagram handler.
func (u *UDPConnection) SetHandler(h DatagramHandler) {
	u.mu.Lock()
	u.handler = h
	u.mu.Unlock()
}

// LocalAddr returns the bound address.
func (u *UDPConnection) LocalAddr() netip.AddrPort {
	return u.endpoint.LocalAddr()
}

// Broadcast reports whether the endpoint was opened for broadcast.
func (u *UDPConnection) Broadcast() bool {
	return u.broadcast
}

// Start launches the receive loop. Calling Start twice has no effect.
func (u *UDPConnection) Start(ctx context.Context) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.done != nil || u.stopped {
		return
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	u.cancel = cancel
	u.done = make(chan struct{})
	go u.receiveLoop(loopCtx, u.done)
}

// Transmit frames payload with pt and sends it to dst.
func (u *UDPConnection) Transmit(ctx context.Context, pt PayloadType, payload []byte, dst netip.AddrPort) error {
	if err := u.endpoint.WriteTo(ctx, AppendFrame(nil, pt, payload), dst); err != nil {
		return fmt.Errorf("send %s to %s: %w", pt, dst, err)
	}
	return nil
}

// Stop ends the receive loop and closes the endpoint. Safe to call more
// than once.
func (u *UDPConnection) Stop() error {
	u.mu.Lock()
	if u.stopped {
		u.mu.Unlock()
		return nil
	}
	u.stopped = true
	cancel, done := u.cancel, u.done
	u.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	err := u.endpoint.Close()
	if done != nil {
		<-done
	}
	if err != nil && !errors.Is(err, ErrClosed) {
		return fmt.Errorf("close udp endpoint: %w", err)
	}
	return nil
}

func (u *UDPConnection) receiveLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		dg, err := u.endpoint.ReadFrom(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return
			}
			u.logger.Warn("udp receive failed", slog.String("error", err.Error()))
			continue
		}

		msg, err := ParseMessage(dg.Data)
		if err != nil {
			u.logger.Warn("dropping malformed datagram",
				slog.String("remote", dg.Remote.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		msg.Remote = dg.Remote
		msg.Origin = dg.Origin

		u.mu.Lock()
		h := u.handler
		u.mu.Unlock()
		if h == nil {
			u.logger.Debug("datagram without handler dropped",
				slog.String("payload_type", msg.PayloadType.String()),
			)
			continue
		}
		h.HandleDatagram(msg)
	}
}
