package doip

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultResponseDelay is the pause before each pending and final
// diagnostic response so that the tester observes the acknowledgement first.
const DefaultResponseDelay = 25 * time.Millisecond

// ErrNotConnected indicates no tester is connected to the channel or client.
var ErrNotConnected = errors.New("not connected")

// -------------------------------------------------------------------------
// Channel: entity side of one logical address
// -------------------------------------------------------------------------

// Channel terminates the DoIP traffic of one tester TCP connection on behalf
// of a single logical address. It answers routing activation and diagnostic
// messages with canned responses that can be changed at run time through
// the SetExpected* methods.
//
// All responses are produced by tasks on the channel's Executor, so they
// leave the socket in the order the triggering messages arrived and the
// pending responses always precede the final one.
type Channel struct {
	logicalAddress uint16
	acceptor       Acceptor
	exec           *Executor
	metrics        MetricsReporter
	responseDelay  time.Duration
	reaccept       bool
	logger         *slog.Logger

	// ctx bounds the accept task, the read loop, and response delays.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu sync.Mutex

	conn        FrameConn
	initialized bool
	ready       bool
	closed      bool

	lastMessage    Message
	hasLastMessage bool

	routingActivationCode uint8
	diagAckCode           uint8
	udsResponse           []byte
	udsPendingResponse    []byte
	pendingResponseCount  uint8
}

// ChannelOption configures optional Channel parameters.
type ChannelOption func(*Channel)

// WithChannelMetrics sets the MetricsReporter for the channel.
func WithChannelMetrics(mr MetricsReporter) ChannelOption {
	return func(c *Channel) {
		if mr != nil {
			c.metrics = mr
		}
	}
}

// WithResponseDelay overrides DefaultResponseDelay.
func WithResponseDelay(d time.Duration) ChannelOption {
	return func(c *Channel) {
		if d >= 0 {
			c.responseDelay = d
		}
	}
}

// WithReaccept makes the channel accept the next tester after the current
// connection is lost. Without it a channel serves a single connection.
func WithReaccept() ChannelOption {
	return func(c *Channel) {
		c.reaccept = true
	}
}

// NewChannel creates a Channel for logicalAddress that takes its tester
// connection from acceptor. The channel does not accept until Initialize.
func NewChannel(logicalAddress uint16, acceptor Acceptor, logger *slog.Logger, opts ...ChannelOption) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		logicalAddress:        logicalAddress,
		acceptor:              acceptor,
		metrics:               noopMetrics{},
		responseDelay:         DefaultResponseDelay,
		ctx:                   ctx,
		cancel:                cancel,
		routingActivationCode: RoutingSuccessful,
		diagAckCode:           AckConfirm,
		logger: logger.With(
			slog.String("component", "doip.channel"),
			slog.String("logical_address", FormatLogicalAddress(logicalAddress)),
		),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.exec = NewExecutor("channel-"+FormatLogicalAddress(logicalAddress), c.logger)
	return c
}

// LogicalAddress returns the logical address this channel serves.
func (c *Channel) LogicalAddress() uint16 {
	return c.logicalAddress
}

// Initialize enqueues the accept task. The task occupies the worker until a
// tester connects, then starts the frame read loop. Calling Initialize more
// than once has no effect.
func (c *Channel) Initialize() {
	c.mu.Lock()
	if c.initialized || c.closed {
		c.mu.Unlock()
		return
	}
	c.initialized = true
	c.mu.Unlock()

	c.exec.Enqueue(c.startAcceptingConnection)
}

// Ready reports whether a tester connection has been accepted.
func (c *Channel) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// startAcceptingConnection runs on the worker.
func (c *Channel) startAcceptingConnection() {
	conn, err := c.acceptor.Accept(c.ctx)
	if err != nil {
		if c.ctx.Err() == nil {
			c.logger.Warn("accept tester connection failed",
				slog.String("error", err.Error()),
			)
		}
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.ready = true
	c.wg.Add(1)
	c.mu.Unlock()

	connID := uuid.NewString()
	c.logger.Info("tester connected",
		slog.String("remote", conn.RemoteAddr().String()),
		slog.String("conn_id", connID),
	)

	go c.readLoop(conn, connID)
}

// readLoop feeds every received frame to HandleMessage until the connection
// fails or the channel is closed.
func (c *Channel) readLoop(conn FrameConn, connID string) {
	defer c.wg.Done()

	for {
		frame, err := conn.ReadFrame(c.ctx)
		if err != nil {
			if errors.Is(err, ErrPayloadTooLarge) {
				c.metrics.IncFramesDropped(c.logicalAddress)
				_ = c.sendGenericNack(GenericNackMessageTooLarge)
			}
			if c.ctx.Err() == nil {
				c.logger.Info("tester connection closed",
					slog.String("remote", conn.RemoteAddr().String()),
					slog.String("conn_id", connID),
					slog.String("error", err.Error()),
				)
			}
			c.mu.Lock()
			c.ready = false
			owned := c.conn == conn
			if owned {
				c.conn = nil
			}
			rearm := c.reaccept && !c.closed && c.ctx.Err() == nil
			c.mu.Unlock()
			if owned {
				_ = conn.Close()
			}
			if rearm {
				c.exec.Enqueue(c.startAcceptingConnection)
			}
			return
		}
		c.HandleMessage(frame, conn.RemoteAddr())
	}
}

// HandleMessage parses frame, records it as the last received message, and
// enqueues the response for its payload type. Framing errors and unknown
// payload types are answered with a generic NACK and dropped; the
// connection stays open.
func (c *Channel) HandleMessage(frame []byte, remote netip.AddrPort) {
	msg, err := ParseMessage(frame)
	if err != nil {
		c.metrics.IncFramesDropped(c.logicalAddress)
		c.logger.Warn("dropping malformed frame",
			slog.String("remote", remote.String()),
			slog.String("error", err.Error()),
		)
		code := GenericNackIncorrectPattern
		switch {
		case errors.Is(err, ErrPayloadTooLarge):
			code = GenericNackMessageTooLarge
		case errors.Is(err, ErrLengthMismatch), errors.Is(err, ErrShortFrame):
			code = GenericNackInvalidPayloadLength
		}
		c.exec.Enqueue(func() { _ = c.sendGenericNack(code) })
		return
	}
	msg.Remote = remote

	c.mu.Lock()
	c.lastMessage = msg
	c.hasLastMessage = true
	c.mu.Unlock()

	c.metrics.IncFramesReceived(c.logicalAddress, msg.PayloadType)

	switch msg.PayloadType {
	case PayloadRoutingActivationRequest:
		c.exec.Enqueue(func() { _ = c.SendRoutingActivationResponse(msg) })

	case PayloadDiagnosticMessage:
		if len(msg.Payload) < DiagnosticMessageMinLen {
			c.exec.Enqueue(func() { _ = c.sendGenericNack(GenericNackInvalidPayloadLength) })
			return
		}
		c.exec.Enqueue(func() { _ = c.SendDiagnosticMessageAckResponse(msg) })

	case PayloadAliveCheckResponse:
		c.logger.Debug("alive check response received")

	default:
		c.metrics.IncFramesDropped(c.logicalAddress)
		c.logger.Warn("dropping unsupported payload type",
			slog.String("payload_type", msg.PayloadType.String()),
		)
		c.exec.Enqueue(func() { _ = c.sendGenericNack(GenericNackUnknownPayloadType) })
	}
}

// LastMessage returns a copy of the most recently received message.
func (c *Channel) LastMessage() (Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasLastMessage {
		return Message{}, false
	}
	msg := c.lastMessage
	msg.Payload = append([]byte(nil), msg.Payload...)
	return msg, true
}

// -------------------------------------------------------------------------
// Responses
// -------------------------------------------------------------------------

// SendRoutingActivationResponse answers req. The code is
// RoutingUnsupportedType when the request payload length is outside
// [RoutingActivationRequestMinLen, RoutingActivationRequestMaxLen],
// otherwise the configured routing activation code.
func (c *Channel) SendRoutingActivationResponse(req Message) error {
	c.mu.Lock()
	code := c.routingActivationCode
	c.mu.Unlock()

	var client uint16
	if r, err := ParseRoutingActivationRequest(req.Payload); err == nil {
		client = r.SourceAddress
	} else {
		code = RoutingUnsupportedType
		if len(req.Payload) >= 2 {
			client = binary.BigEndian.Uint16(req.Payload)
		}
	}

	resp := RoutingActivationResponse{
		ClientAddress: client,
		ServerAddress: c.logicalAddress,
		Code:          code,
	}
	if err := c.send(PayloadRoutingActivationResponse, resp.Marshal()); err != nil {
		return fmt.Errorf("send routing activation response: %w", err)
	}

	c.metrics.RecordRoutingActivation(c.logicalAddress, code)
	c.logger.Info("routing activation response sent",
		slog.String("client", FormatLogicalAddress(client)),
		slog.Int("code", int(code)),
	)
	return nil
}

// SendDiagnosticMessageAckResponse acknowledges req with the configured ack
// code, or NackUnknownTargetAddress when req is not addressed to this
// channel. Only after a positive ack does it enqueue the configured number of
// pending responses followed by exactly one final response, each after the
// response delay.
func (c *Channel) SendDiagnosticMessageAckResponse(req Message) error {
	dm, err := ParseDiagnosticMessage(req.Payload)
	if err != nil {
		return fmt.Errorf("send diagnostic ack: %w", err)
	}

	c.mu.Lock()
	ackCode := c.diagAckCode
	pendingCount := c.pendingResponseCount
	hasPending := len(c.udsPendingResponse) > 0
	c.mu.Unlock()

	// A tester reaching this channel through a shared acceptor may address
	// a sibling ECU.
	if dm.TargetAddress != c.logicalAddress {
		c.logger.Warn("diagnostic message for unknown target address",
			slog.String("source", FormatLogicalAddress(dm.SourceAddress)),
			slog.String("target", FormatLogicalAddress(dm.TargetAddress)),
		)
		ackCode = NackUnknownTargetAddress
	}

	ack := DiagnosticAck{
		SourceAddress: c.logicalAddress,
		TargetAddress: dm.SourceAddress,
		Code:          ackCode,
	}
	if err := c.send(ack.PayloadType(), ack.Marshal()); err != nil {
		return fmt.Errorf("send diagnostic ack: %w", err)
	}

	if ackCode != AckConfirm {
		c.logger.Info("diagnostic message negative ack sent",
			slog.Int("code", int(ackCode)),
		)
		return nil
	}

	tester := dm.SourceAddress
	if hasPending {
		for range pendingCount {
			c.exec.Enqueue(func() {
				if c.delay() {
					_ = c.SendDiagnosticPendingMessageResponse(tester)
				}
			})
		}
	}
	c.exec.Enqueue(func() {
		if c.delay() {
			_ = c.SendDiagnosticMessageResponse(tester)
		}
	})
	return nil
}

// SendDiagnosticMessageResponse sends the configured final UDS response to
// the tester at target.
func (c *Channel) SendDiagnosticMessageResponse(target uint16) error {
	c.mu.Lock()
	payload := append([]byte(nil), c.udsResponse...)
	c.mu.Unlock()

	if len(payload) == 0 {
		c.logger.Debug("no diagnostic response configured, skipping")
		return nil
	}
	return c.sendUDS(target, payload)
}

// SendDiagnosticPendingMessageResponse sends the configured pending UDS
// response (normally 0x7F <sid> 0x78) to the tester at target.
func (c *Channel) SendDiagnosticPendingMessageResponse(target uint16) error {
	c.mu.Lock()
	payload := append([]byte(nil), c.udsPendingResponse...)
	c.mu.Unlock()

	if len(payload) == 0 {
		return nil
	}
	return c.sendUDS(target, payload)
}

func (c *Channel) sendUDS(target uint16, uds []byte) error {
	dm := DiagnosticMessage{
		SourceAddress: c.logicalAddress,
		TargetAddress: target,
		UserData:      uds,
	}
	if err := c.send(PayloadDiagnosticMessage, dm.Marshal()); err != nil {
		return fmt.Errorf("send diagnostic response: %w", err)
	}
	c.logger.Debug("diagnostic response sent",
		slog.String("payload", FormatHex(uds)),
	)
	return nil
}

func (c *Channel) sendGenericNack(code uint8) error {
	return c.send(PayloadGenericNack, GenericNack{Code: code}.Marshal())
}

// send frames payload and writes it to the tester connection.
func (c *Channel) send(pt PayloadType, payload []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	if err := conn.WriteFrame(c.ctx, AppendFrame(nil, pt, payload)); err != nil {
		if c.ctx.Err() != nil {
			return fmt.Errorf("write %s: %w", pt, ErrClosed)
		}
		c.logger.Warn("write frame failed",
			slog.String("payload_type", pt.String()),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("write %s: %w", pt, err)
	}
	c.metrics.IncFramesSent(c.logicalAddress, pt)
	return nil
}

// delay waits for the response delay. Returns false if the channel closed.
func (c *Channel) delay() bool {
	if c.responseDelay <= 0 {
		return c.ctx.Err() == nil
	}
	t := time.NewTimer(c.responseDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// -------------------------------------------------------------------------
// Fault Injection
// -------------------------------------------------------------------------

// SetExpectedRoutingActivationResponseToBeSent sets the code returned to
// valid routing activation requests.
func (c *Channel) SetExpectedRoutingActivationResponseToBeSent(code uint8) {
	c.mu.Lock()
	c.routingActivationCode = code
	c.mu.Unlock()
}

// SetExpectedDiagnosticMessageAckResponseToBeSend sets the diagnostic
// message ack code. AckConfirm produces a positive ack.
func (c *Channel) SetExpectedDiagnosticMessageAckResponseToBeSend(code uint8) {
	c.mu.Lock()
	c.diagAckCode = code
	c.mu.Unlock()
}

// SetExpectedDiagnosticMessageUdsMessageToBeSend sets the final UDS
// response payload.
func (c *Channel) SetExpectedDiagnosticMessageUdsMessageToBeSend(payload []byte) {
	c.mu.Lock()
	c.udsResponse = append([]byte(nil), payload...)
	c.mu.Unlock()
}

// SetExpectedDiagnosticMessageWithPendingUdsMessageToBeSend sets the pending
// UDS response payload and how many times it is sent before the final one.
func (c *Channel) SetExpectedDiagnosticMessageWithPendingUdsMessageToBeSend(payload []byte, count uint8) {
	c.mu.Lock()
	c.udsPendingResponse = append([]byte(nil), payload...)
	c.pendingResponseCount = count
	c.mu.Unlock()
}

// -------------------------------------------------------------------------
// Snapshot / Close
// -------------------------------------------------------------------------

// ChannelSnapshot is a point-in-time copy of a Channel's state.
type ChannelSnapshot struct {
	LogicalAddress        uint16
	LocalAddr             netip.AddrPort
	RemoteAddr            netip.AddrPort
	Ready                 bool
	RoutingActivationCode uint8
	DiagAckCode           uint8
	PendingResponseCount  uint8
	QueuedTasks           int
}

// Snapshot returns the channel's current state.
func (c *Channel) Snapshot() ChannelSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := ChannelSnapshot{
		LogicalAddress:        c.logicalAddress,
		Ready:                 c.ready,
		RoutingActivationCode: c.routingActivationCode,
		DiagAckCode:           c.diagAckCode,
		PendingResponseCount:  c.pendingResponseCount,
		QueuedTasks:           c.exec.Pending(),
	}
	if c.acceptor != nil {
		snap.LocalAddr = c.acceptor.Addr()
	}
	if c.conn != nil {
		snap.RemoteAddr = c.conn.RemoteAddr()
	}
	return snap
}

// Close stops the worker and the read loop and closes the tester
// connection. The acceptor is owned by the Manager and left open.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.cancel()

	var err error
	if conn != nil {
		if cerr := conn.Close(); cerr != nil {
			err = fmt.Errorf("close tester connection: %w", cerr)
		}
	}
	c.exec.Shutdown()
	c.wg.Wait()
	return err
}
