package doip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"
)

// Default tester timing.
const (
	// DefaultRoutingActivationTimeout bounds the wait for a routing
	// activation response (ISO 13400 A_DoIP_Ctrl).
	DefaultRoutingActivationTimeout = 2 * time.Second

	// DefaultAckTimeout bounds the wait for a diagnostic message ack.
	DefaultAckTimeout = 2 * time.Second
)

// -------------------------------------------------------------------------
// Result Types
// -------------------------------------------------------------------------

// ConnectResult is the outcome of ConnectToHost.
type ConnectResult uint8

const (
	// ConnectSuccess means the routing activation was accepted.
	ConnectSuccess ConnectResult = iota
	// ConnectFailed means dialing failed or routing activation was denied.
	ConnectFailed
	// ConnectTimeout means no routing activation response arrived in time.
	ConnectTimeout
)

// String returns the human-readable connect result.
func (r ConnectResult) String() string {
	switch r {
	case ConnectSuccess:
		return "ConnectSuccess"
	case ConnectFailed:
		return "ConnectFailed"
	case ConnectTimeout:
		return "ConnectTimeout"
	default:
		return unknownStr
	}
}

// DisconnectResult is the outcome of DisconnectFromHost.
type DisconnectResult uint8

const (
	// DisconnectSuccess means the connection was closed.
	DisconnectSuccess DisconnectResult = iota
	// DisconnectFailed means closing the socket returned an error.
	DisconnectFailed
	// AlreadyDisconnected means there was no connection to close.
	AlreadyDisconnected
)

// String returns the human-readable disconnect result.
func (r DisconnectResult) String() string {
	switch r {
	case DisconnectSuccess:
		return "DisconnectSuccess"
	case DisconnectFailed:
		return "DisconnectFailed"
	case AlreadyDisconnected:
		return "AlreadyDisconnected"
	default:
		return unknownStr
	}
}

// TransmissionResult is the outcome of Transmit.
type TransmissionResult uint8

const (
	// TransmitOk means the message was sent and positively acknowledged.
	TransmitOk TransmissionResult = iota
	// TransmitFailed means the message could not be written.
	TransmitFailed
	// NoTransmitAckReceived means no ack arrived within the ack timeout.
	NoTransmitAckReceived
	// NegTransmitAckReceived means the entity answered with a negative ack.
	NegTransmitAckReceived
	// BusyProcessing means another exchange is already waiting for its ack.
	BusyProcessing
)

// String returns the human-readable transmission result.
func (r TransmissionResult) String() string {
	switch r {
	case TransmitOk:
		return "TransmitOk"
	case TransmitFailed:
		return "TransmitFailed"
	case NoTransmitAckReceived:
		return "NoTransmitAckReceived"
	case NegTransmitAckReceived:
		return "NegTransmitAckReceived"
	case BusyProcessing:
		return "BusyProcessing"
	default:
		return unknownStr
	}
}

// MessageHandler consumes diagnostic responses received by a TCPClient.
// IndicateMessage is called first; HandleMessage only when it returned
// IndicationOk.
type MessageHandler interface {
	IndicateMessage(sourceAddress, targetAddress uint16, payload []byte) IndicationResult
	HandleMessage(payload []byte)
}

// -------------------------------------------------------------------------
// TCPClient: tester side of one DoIP TCP connection
// -------------------------------------------------------------------------

// TCPClientConfig holds the tester-side connection parameters.
type TCPClientConfig struct {
	// SourceAddress is the tester logical address used for routing
	// activation and alive check responses.
	SourceAddress uint16

	// LocalAddr optionally binds the outgoing socket.
	LocalAddr netip.Addr

	// ActivationType is sent in the routing activation request.
	ActivationType uint8

	// RoutingActivationTimeout defaults to DefaultRoutingActivationTimeout.
	RoutingActivationTimeout time.Duration

	// AckTimeout defaults to DefaultAckTimeout.
	AckTimeout time.Duration
}

// TCPClient dials a DoIP entity, performs routing activation, and
// exchanges diagnostic messages. Received diagnostic responses are passed
// to the registered MessageHandler from the read loop goroutine.
type TCPClient struct {
	cfg       TCPClientConfig
	transport Transport
	metrics   MetricsReporter
	logger    *slog.Logger

	// connectMu serializes ConnectToHost so only one dial is in flight.
	connectMu sync.Mutex

	mu         sync.Mutex
	handler    MessageHandler
	conn       FrameConn
	connected  bool
	targetLA   uint16
	cancel     context.CancelFunc
	readDone   chan struct{}
	routingCh  chan RoutingActivationResponse
	ackCh      chan DiagnosticAck
	remoteAddr netip.AddrPort
}

// TCPClientOption configures optional TCPClient parameters.
type TCPClientOption func(*TCPClient)

// WithClientMetrics sets the MetricsReporter for the client.
func WithClientMetrics(mr MetricsReporter) TCPClientOption {
	return func(c *TCPClient) {
		if mr != nil {
			c.metrics = mr
		}
	}
}

// NewTCPClient creates a disconnected client.
func NewTCPClient(cfg TCPClientConfig, transport Transport, logger *slog.Logger, opts ...TCPClientOption) *TCPClient {
	if cfg.RoutingActivationTimeout <= 0 {
		cfg.RoutingActivationTimeout = DefaultRoutingActivationTimeout
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	c := &TCPClient{
		cfg:       cfg,
		transport: transport,
		metrics:   noopMetrics{},
		logger: logger.With(
			slog.String("component", "doip.client"),
			slog.String("source_address", FormatLogicalAddress(cfg.SourceAddress)),
		),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetHandler registers the receiver of diagnostic responses.
func (c *TCPClient) SetHandler(h MessageHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// IsConnected reports whether routing activation succeeded and the
// connection is still open.
func (c *TCPClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// RemoteAddr returns the address of the connected entity.
func (c *TCPClient) RemoteAddr() netip.AddrPort {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteAddr
}

// TargetAddress returns the entity logical address of the last
// ConnectToHost call.
func (c *TCPClient) TargetAddress() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.targetLA
}

// ConnectToHost dials remote and activates routing towards targetLA.
// Calling it while connected returns ConnectSuccess without side effects;
// a connection the entity has dropped is torn down and dialled again. The
// routing activation response must come from targetLA.
func (c *TCPClient) ConnectToHost(ctx context.Context, targetLA uint16, remote netip.AddrPort) ConnectResult {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	stale := c.conn != nil && !c.connected
	if c.conn != nil && c.connected {
		c.mu.Unlock()
		return ConnectSuccess
	}
	c.mu.Unlock()

	logger := c.logger.With(slog.String("remote", remote.String()))

	if stale {
		if err := c.teardown(); err != nil {
			logger.Debug("close lost connection", slog.String("error", err.Error()))
		}
	}

	conn, err := c.transport.DialTCP(ctx, c.cfg.LocalAddr, remote)
	if err != nil {
		logger.Warn("dial DoIP entity failed", slog.String("error", err.Error()))
		return ConnectFailed
	}

	routingCh := make(chan RoutingActivationResponse, 1)
	readCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	readDone := make(chan struct{})

	c.mu.Lock()
	c.conn = conn
	c.targetLA = targetLA
	c.cancel = cancel
	c.readDone = readDone
	c.routingCh = routingCh
	c.remoteAddr = remote
	c.mu.Unlock()

	go c.readLoop(readCtx, conn, readDone)

	req := RoutingActivationRequest{
		SourceAddress:  c.cfg.SourceAddress,
		ActivationType: c.cfg.ActivationType,
	}
	if err := c.write(ctx, conn, PayloadRoutingActivationRequest, req.Marshal()); err != nil {
		logger.Warn("send routing activation request failed", slog.String("error", err.Error()))
		c.teardown()
		return ConnectFailed
	}

	timer := time.NewTimer(c.cfg.RoutingActivationTimeout)
	defer timer.Stop()

	select {
	case resp := <-routingCh:
		if resp.Code != RoutingSuccessful {
			logger.Warn("routing activation denied",
				slog.Int("code", int(resp.Code)),
				slog.String("server", FormatLogicalAddress(resp.ServerAddress)),
			)
			c.teardown()
			return ConnectFailed
		}
		if resp.ServerAddress != targetLA {
			logger.Warn("routing activated by unexpected entity",
				slog.String("server", FormatLogicalAddress(resp.ServerAddress)),
				slog.String("target", FormatLogicalAddress(targetLA)),
			)
			c.teardown()
			return ConnectFailed
		}
		c.mu.Lock()
		c.connected = true
		c.routingCh = nil
		c.mu.Unlock()
		logger.Info("routing activated",
			slog.String("server", FormatLogicalAddress(resp.ServerAddress)),
		)
		return ConnectSuccess

	case <-timer.C:
		logger.Warn("routing activation response timed out",
			slog.Duration("timeout", c.cfg.RoutingActivationTimeout),
		)
		c.teardown()
		return ConnectTimeout

	case <-ctx.Done():
		c.teardown()
		return ConnectFailed
	}
}

// DisconnectFromHost closes the connection and stops the read loop.
func (c *TCPClient) DisconnectFromHost() DisconnectResult {
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return AlreadyDisconnected
	}
	c.mu.Unlock()

	if err := c.teardown(); err != nil {
		c.logger.Warn("disconnect failed", slog.String("error", err.Error()))
		return DisconnectFailed
	}
	c.logger.Info("disconnected")
	return DisconnectSuccess
}

// Transmit sends uds from sourceAddress to targetAddress and waits for the
// diagnostic message ack. Only one exchange may wait for an ack at a time.
func (c *TCPClient) Transmit(ctx context.Context, sourceAddress, targetAddress uint16, uds []byte) TransmissionResult {
	c.mu.Lock()
	conn := c.conn
	if conn == nil || !c.connected {
		c.mu.Unlock()
		return TransmitFailed
	}
	if c.ackCh != nil {
		c.mu.Unlock()
		return BusyProcessing
	}
	ackCh := make(chan DiagnosticAck, 1)
	c.ackCh = ackCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.ackCh = nil
		c.mu.Unlock()
	}()

	dm := DiagnosticMessage{
		SourceAddress: sourceAddress,
		TargetAddress: targetAddress,
		UserData:      uds,
	}
	if err := c.write(ctx, conn, PayloadDiagnosticMessage, dm.Marshal()); err != nil {
		c.logger.Warn("send diagnostic message failed", slog.String("error", err.Error()))
		return TransmitFailed
	}

	timer := time.NewTimer(c.cfg.AckTimeout)
	defer timer.Stop()

	select {
	case ack := <-ackCh:
		if ack.Code != AckConfirm {
			c.logger.Warn("diagnostic message negative ack",
				slog.Int("code", int(ack.Code)),
			)
			return NegTransmitAckReceived
		}
		return TransmitOk
	case <-timer.C:
		return NoTransmitAckReceived
	case <-ctx.Done():
		return TransmitFailed
	}
}

// Close disconnects if connected. Safe to call more than once.
func (c *TCPClient) Close() error {
	return c.teardown()
}

// teardown closes the connection, stops the read loop, and resets the
// connection state. Returns the socket close error.
func (c *TCPClient) teardown() error {
	c.mu.Lock()
	conn := c.conn
	cancel := c.cancel
	readDone := c.readDone
	c.conn = nil
	c.connected = false
	c.cancel = nil
	c.readDone = nil
	c.routingCh = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	cancel()
	err := conn.Close()
	<-readDone
	if err != nil && !errors.Is(err, ErrClosed) {
		return fmt.Errorf("close connection to %s: %w", conn.RemoteAddr(), err)
	}
	return nil
}

func (c *TCPClient) write(ctx context.Context, conn FrameConn, pt PayloadType, payload []byte) error {
	if err := conn.WriteFrame(ctx, AppendFrame(nil, pt, payload)); err != nil {
		return fmt.Errorf("write %s: %w", pt, err)
	}
	c.metrics.IncFramesSent(c.cfg.SourceAddress, pt)
	return nil
}

// -------------------------------------------------------------------------
// Receive Path
// -------------------------------------------------------------------------

func (c *TCPClient) readLoop(ctx context.Context, conn FrameConn, done chan struct{}) {
	defer close(done)

	for {
		frame, err := conn.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Info("connection to DoIP entity lost",
					slog.String("error", err.Error()),
				)
			}
			c.mu.Lock()
			if c.conn == conn {
				c.connected = false
			}
			c.mu.Unlock()
			return
		}

		msg, err := ParseMessage(frame)
		if err != nil {
			c.metrics.IncFramesDropped(c.cfg.SourceAddress)
			c.logger.Warn("dropping malformed frame", slog.String("error", err.Error()))
			continue
		}
		c.metrics.IncFramesReceived(c.cfg.SourceAddress, msg.PayloadType)
		c.dispatch(ctx, conn, msg)
	}
}

func (c *TCPClient) dispatch(ctx context.Context, conn FrameConn, msg Message) {
	switch msg.PayloadType {
	case PayloadRoutingActivationResponse:
		resp, err := ParseRoutingActivationResponse(msg.Payload)
		if err != nil {
			c.logger.Warn("invalid routing activation response", slog.String("error", err.Error()))
			return
		}
		c.mu.Lock()
		ch := c.routingCh
		c.mu.Unlock()
		if ch != nil {
			select {
			case ch <- resp:
			default:
			}
		}

	case PayloadDiagnosticMessagePositiveAck, PayloadDiagnosticMessageNegativeAck:
		ack, err := ParseDiagnosticAck(msg.Payload)
		if err != nil {
			c.logger.Warn("invalid diagnostic ack", slog.String("error", err.Error()))
			return
		}
		c.mu.Lock()
		ch := c.ackCh
		c.mu.Unlock()
		if ch == nil {
			c.logger.Debug("unexpected diagnostic ack ignored")
			return
		}
		select {
		case ch <- ack:
		default:
		}

	case PayloadDiagnosticMessage:
		dm, err := ParseDiagnosticMessage(msg.Payload)
		if err != nil {
			c.logger.Warn("invalid diagnostic message", slog.String("error", err.Error()))
			return
		}
		c.mu.Lock()
		h := c.handler
		c.mu.Unlock()
		if h == nil {
			c.logger.Debug("diagnostic message without handler dropped")
			return
		}
		if h.IndicateMessage(dm.SourceAddress, dm.TargetAddress, dm.UserData) == IndicationOk {
			h.HandleMessage(dm.UserData)
		}

	case PayloadAliveCheckRequest:
		resp := AliveCheckResponse{SourceAddress: c.cfg.SourceAddress}
		if err := c.write(ctx, conn, PayloadAliveCheckResponse, resp.Marshal()); err != nil {
			c.logger.Warn("send alive check response failed", slog.String("error", err.Error()))
		}

	case PayloadGenericNack:
		nack, err := ParseGenericNack(msg.Payload)
		if err != nil {
			return
		}
		c.logger.Warn("generic header nack received", slog.Int("code", int(nack.Code)))

	default:
		c.logger.Warn("dropping unsupported payload type",
			slog.String("payload_type", msg.PayloadType.String()),
		)
	}
}
