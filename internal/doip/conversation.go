package doip

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Default conversation timing and buffer limits.
const (
	// DefaultP2ServerMax is the wait for the first response.
	DefaultP2ServerMax = 1 * time.Second

	// DefaultP2StarServerMax is the wait after each pending response.
	DefaultP2StarServerMax = 5 * time.Second

	// DefaultRxBufferSize is the largest accepted UDS response.
	DefaultRxBufferSize = 4095

	// DefaultMaxPendingResponses caps the P2* extensions of one request.
	DefaultMaxPendingResponses = 10
)

// -------------------------------------------------------------------------
// Result Types
// -------------------------------------------------------------------------

// DiagResult is the outcome of SendDiagnosticRequest.
type DiagResult uint8

const (
	// DiagSuccess means a final response was received.
	DiagSuccess DiagResult = iota
	// DiagGenericFailure covers cancellation, shutdown, and unmapped errors.
	DiagGenericFailure
	// DiagRequestSendFailed means the request could not be written.
	DiagRequestSendFailed
	// DiagAckTimeout means the entity did not acknowledge the request.
	DiagAckTimeout
	// DiagNegAckReceived means the entity rejected the request.
	DiagNegAckReceived
	// DiagResponseTimeout means P2 or P2* elapsed, or the pending limit was hit.
	DiagResponseTimeout
	// DiagInvalidParameter means the request payload was empty.
	DiagInvalidParameter
	// DiagBusyProcessing means another request is in flight.
	DiagBusyProcessing
)

// String returns the human-readable diagnostic result.
func (r DiagResult) String() string {
	switch r {
	case DiagSuccess:
		return "Success"
	case DiagGenericFailure:
		return "GenericFailure"
	case DiagRequestSendFailed:
		return "RequestSendFailed"
	case DiagAckTimeout:
		return "AckTimeout"
	case DiagNegAckReceived:
		return "NegAckReceived"
	case DiagResponseTimeout:
		return "ResponseTimeout"
	case DiagInvalidParameter:
		return "InvalidParameter"
	case DiagBusyProcessing:
		return "BusyProcessing"
	default:
		return unknownStr
	}
}

// transmitToDiagResult maps failed transmissions to diagnostic results.
//
//nolint:gochecknoglobals // lookup table.
var transmitToDiagResult = map[TransmissionResult]DiagResult{
	TransmitFailed:         DiagRequestSendFailed,
	NoTransmitAckReceived:  DiagAckTimeout,
	NegTransmitAckReceived: DiagNegAckReceived,
	BusyProcessing:         DiagBusyProcessing,
}

// ConvertResponseType maps a failed TransmissionResult to its DiagResult.
// Results without a table entry, including TransmitOk, map to
// DiagGenericFailure.
func ConvertResponseType(r TransmissionResult) DiagResult {
	if d, ok := transmitToDiagResult[r]; ok {
		return d
	}
	return DiagGenericFailure
}

// IndicationResult is the outcome of IndicateMessage.
type IndicationResult uint8

const (
	// IndicationOk means a final response was buffered.
	IndicationOk IndicationResult = iota
	// IndicationNOk means the payload was empty or not expected.
	IndicationNOk
	// IndicationOverflow means the payload exceeds the receive buffer.
	IndicationOverflow
	// IndicationPending means a response pending (NRC 0x78) was seen.
	IndicationPending
)

// String returns the human-readable indication result.
func (r IndicationResult) String() string {
	switch r {
	case IndicationOk:
		return "IndicationOk"
	case IndicationNOk:
		return "IndicationNOk"
	case IndicationOverflow:
		return "IndicationOverflow"
	case IndicationPending:
		return "IndicationPending"
	default:
		return unknownStr
	}
}

// ClientDiagState reports whether the conversation's connection is usable.
type ClientDiagState uint8

const (
	// ClientDisconnected means no routed connection exists.
	ClientDisconnected ClientDiagState = iota
	// ClientConnected means routing activation succeeded.
	ClientConnected
)

// String returns the human-readable client state.
func (s ClientDiagState) String() string {
	if s == ClientConnected {
		return "Connected"
	}
	return "Disconnected"
}

// ActivityStatus is set by Startup and cleared by Shutdown.
type ActivityStatus uint8

const (
	// ActivityInactive is the state before Startup and after Shutdown.
	ActivityInactive ActivityStatus = iota
	// ActivityActive means the conversation accepts requests.
	ActivityActive
)

// String returns the human-readable activity status.
func (a ActivityStatus) String() string {
	if a == ActivityActive {
		return "Active"
	}
	return "Inactive"
}

// SessionType is a bitmask of UDS diagnostic sessions.
type SessionType uint8

// Diagnostic sessions.
const (
	SessionDefault     SessionType = 0x01
	SessionProgramming SessionType = 0x02
	SessionExtended    SessionType = 0x04
	SessionAll                     = SessionDefault | SessionProgramming | SessionExtended
)

// String returns the human-readable session name.
func (s SessionType) String() string {
	switch s {
	case SessionDefault:
		return "Default"
	case SessionProgramming:
		return "Programming"
	case SessionExtended:
		return "Extended"
	case SessionAll:
		return "All"
	default:
		return unknownStr
	}
}

// SecurityLevel is the unlocked UDS security level; 0 means locked.
type SecurityLevel uint8

// Security levels.
const (
	SecurityLocked SecurityLevel = 0
	SecurityLevel1 SecurityLevel = 1
	SecurityLevel2 SecurityLevel = 2
	SecurityLevel4 SecurityLevel = 4
)

// -------------------------------------------------------------------------
// Conversation
// -------------------------------------------------------------------------

// ConversationConfig holds the parameters of one diagnostic conversation.
type ConversationConfig struct {
	// Name identifies the conversation in logs, metrics, and lookups.
	Name string

	// SourceAddress is the tester logical address.
	SourceAddress uint16

	// TargetAddress is the ECU logical address.
	TargetAddress uint16

	// Host is the DoIP entity's TCP address.
	Host netip.AddrPort

	// P2ServerMax defaults to DefaultP2ServerMax.
	P2ServerMax time.Duration

	// P2StarServerMax defaults to DefaultP2StarServerMax.
	P2StarServerMax time.Duration

	// RxBufferSize defaults to DefaultRxBufferSize.
	RxBufferSize int

	// MaxPendingResponses defaults to DefaultMaxPendingResponses.
	MaxPendingResponses int
}

// Conversation sends UDS requests to one ECU over a TCPClient and resolves
// each request through the conversation state machine. Requests are
// serialized; a second concurrent SendDiagnosticRequest returns
// DiagBusyProcessing.
type Conversation struct {
	cfg     ConversationConfig
	client  *TCPClient
	metrics MetricsReporter
	logger  *slog.Logger

	// cancelSig wakes the sender; capacity 1 so a signal raised before the
	// sender waits is not lost.
	cancelSig chan struct{}

	// reqMu is held for the whole of one SendDiagnosticRequest.
	reqMu sync.Mutex

	mu       sync.Mutex
	exec     *Executor
	state    ConversationState
	activity ActivityStatus
	session  SessionType
	security SecurityLevel
	rxBuf    []byte
	services map[uint8]Service
}

// ConversationOption configures optional Conversation parameters.
type ConversationOption func(*Conversation)

// WithConversationMetrics sets the MetricsReporter for the conversation.
func WithConversationMetrics(mr MetricsReporter) ConversationOption {
	return func(c *Conversation) {
		if mr != nil {
			c.metrics = mr
		}
	}
}

// NewConversation creates an inactive conversation bound to client. The
// conversation registers itself as the client's MessageHandler and
// installs the session control service.
func NewConversation(cfg ConversationConfig, client *TCPClient, logger *slog.Logger, opts ...ConversationOption) *Conversation {
	if cfg.P2ServerMax <= 0 {
		cfg.P2ServerMax = DefaultP2ServerMax
	}
	if cfg.P2StarServerMax <= 0 {
		cfg.P2StarServerMax = DefaultP2StarServerMax
	}
	if cfg.RxBufferSize <= 0 {
		cfg.RxBufferSize = DefaultRxBufferSize
	}
	if cfg.MaxPendingResponses <= 0 {
		cfg.MaxPendingResponses = DefaultMaxPendingResponses
	}

	c := &Conversation{
		cfg:       cfg,
		client:    client,
		metrics:   noopMetrics{},
		cancelSig: make(chan struct{}, 1),
		state:     StateIdle,
		session:   SessionDefault,
		security:  SecurityLocked,
		services:  make(map[uint8]Service),
		logger: logger.With(
			slog.String("component", "doip.conversation"),
			slog.String("conversation", cfg.Name),
		),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.RegisterService(SessionControlService{})
	client.SetHandler(c)
	return c
}

// Name returns the configured conversation name.
func (c *Conversation) Name() string {
	return c.cfg.Name
}

// Config returns the effective configuration.
func (c *Conversation) Config() ConversationConfig {
	return c.cfg
}

// Startup starts the conversation's executor and marks it active.
func (c *Conversation) Startup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activity == ActivityActive {
		return
	}
	c.exec = NewExecutor("conversation-"+c.cfg.Name, c.logger)
	c.activity = ActivityActive
	c.logger.Info("conversation started")
}

// Shutdown aborts any request in flight, disconnects, stops the executor,
// and marks the conversation inactive.
func (c *Conversation) Shutdown() {
	c.mu.Lock()
	if c.activity == ActivityInactive {
		c.mu.Unlock()
		return
	}
	c.activity = ActivityInactive
	exec := c.exec
	c.exec = nil
	res := c.applyLocked(EventAbort)
	c.mu.Unlock()

	if res.Changed {
		c.WaitCancel()
	}
	c.client.DisconnectFromHost()
	exec.Shutdown()
	c.logger.Info("conversation stopped")
}

// ActivityStatus reports whether Startup has been called.
func (c *Conversation) ActivityStatus() ActivityStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activity
}

// State returns the current state machine state.
func (c *Conversation) State() ConversationState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConnectToDiagServer connects the client to the configured host and
// activates routing towards the target address.
func (c *Conversation) ConnectToDiagServer(ctx context.Context) ConnectResult {
	return c.client.ConnectToHost(ctx, c.cfg.TargetAddress, c.cfg.Host)
}

// DisconnectFromDiagServer closes the client connection.
func (c *Conversation) DisconnectFromDiagServer() DisconnectResult {
	return c.client.DisconnectFromHost()
}

// ClientDiagState reports whether the underlying connection is routed.
func (c *Conversation) ClientDiagState() ClientDiagState {
	if c.client.IsConnected() {
		return ClientConnected
	}
	return ClientDisconnected
}

// SendDiagnosticRequest transmits payload to the target ECU and blocks
// until a final response arrives, a timer expires, or ctx is done. The
// response payload is returned only with DiagSuccess.
func (c *Conversation) SendDiagnosticRequest(ctx context.Context, payload []byte) (DiagResult, []byte) {
	if len(payload) == 0 {
		return c.finish(DiagInvalidParameter), nil
	}
	if !c.reqMu.TryLock() {
		return c.finish(DiagBusyProcessing), nil
	}
	defer c.reqMu.Unlock()

	if c.ActivityStatus() != ActivityActive {
		c.logger.Warn("request on inactive conversation rejected")
		return c.finish(DiagGenericFailure), nil
	}

	logger := c.logger.With(slog.String("request_id", uuid.NewString()))

	c.drainCancel()
	c.mu.Lock()
	c.rxBuf = nil
	c.applyLocked(EventRequestSent)
	c.mu.Unlock()

	tr := c.client.Transmit(ctx, c.cfg.SourceAddress, c.cfg.TargetAddress, payload)
	if tr != TransmitOk {
		c.apply(EventAbort)
		logger.Warn("diagnostic request not transmitted",
			slog.String("transmission", tr.String()),
		)
		return c.finish(ConvertResponseType(tr)), nil
	}
	logger.Debug("diagnostic request sent",
		slog.String("payload", FormatHex(payload)),
	)

	deadline := time.Now().Add(c.cfg.P2ServerMax)
	pending := 0

	for {
		switch c.wait(ctx, deadline) {
		case waitAborted:
			c.apply(EventAbort)
			logger.Info("diagnostic request cancelled")
			return c.finish(DiagGenericFailure), nil

		case waitExpired:
			if res := c.apply(EventTimerExpired); res.HasAction(ActionReportTimeout) {
				logger.Warn("diagnostic response timed out",
					slog.String("state", res.OldState.String()),
					slog.Int("pending_responses", pending),
				)
				return c.finish(DiagResponseTimeout), nil
			}

		case waitSignalled:
		}

		switch c.State() {
		case StateRecvdPendingResponse:
			pending++
			if pending > c.cfg.MaxPendingResponses {
				c.apply(EventAbort)
				logger.Warn("pending response limit exceeded",
					slog.Int("limit", c.cfg.MaxPendingResponses),
				)
				return c.finish(DiagResponseTimeout), nil
			}
			c.apply(EventP2StarArmed)
			deadline = time.Now().Add(c.cfg.P2StarServerMax)

		case StateSuccess:
			c.mu.Lock()
			resp := c.rxBuf
			c.rxBuf = nil
			c.applyLocked(EventResponseDelivered)
			c.mu.Unlock()
			logger.Debug("diagnostic response received",
				slog.String("payload", FormatHex(resp)),
			)
			return c.finish(DiagSuccess), resp

		case StateIdle:
			// Aborted by Shutdown.
			return c.finish(DiagGenericFailure), nil

		case StateWaitForResponse, StateStartP2StarTimer, StateRecvdFinalResponse:
		}
	}
}

// IndicateMessage accepts a UDS response from the transport. A response
// pending (0x7F xx 0x78) extends the wait; any other payload is buffered
// as the final response and its service is dispatched on the executor.
// Every payload that passes the size checks wakes a blocked sender.
func (c *Conversation) IndicateMessage(sourceAddress, targetAddress uint16, payload []byte) IndicationResult {
	if len(payload) == 0 {
		return IndicationNOk
	}
	if len(payload) > c.cfg.RxBufferSize {
		c.logger.Warn("response exceeds receive buffer",
			slog.Int("size", len(payload)),
			slog.Int("rx_buffer_size", c.cfg.RxBufferSize),
		)
		return IndicationOverflow
	}
	defer c.WaitCancel()

	uds := UDSPayload(payload)

	c.mu.Lock()
	if uds.IsResponsePending() {
		res := c.applyLocked(EventPendingReceived)
		c.mu.Unlock()
		if !res.Accepted {
			return IndicationNOk
		}
		return IndicationPending
	}

	res := c.applyLocked(EventFinalReceived)
	if !res.Accepted {
		c.mu.Unlock()
		c.logger.Debug("unexpected response dropped",
			slog.String("state", res.OldState.String()),
			slog.String("source", FormatLogicalAddress(sourceAddress)),
			slog.String("target", FormatLogicalAddress(targetAddress)),
		)
		return IndicationNOk
	}
	c.rxBuf = append([]byte(nil), payload...)
	exec := c.exec
	c.mu.Unlock()

	if exec != nil {
		resp := append([]byte(nil), payload...)
		exec.Enqueue(func() { c.dispatchService(resp) })
	}
	return IndicationOk
}

// HandleMessage hands the buffered final response over to the sender.
func (c *Conversation) HandleMessage(_ []byte) {
	if res := c.apply(EventResponseHandled); res.HasAction(ActionCancelWait) {
		c.WaitCancel()
	}
}

// WaitCancel wakes a sender blocked in a P2 or P2* wait.
func (c *Conversation) WaitCancel() {
	select {
	case c.cancelSig <- struct{}{}:
	default:
	}
}

// ActiveSession returns the session selected by the last positive
// session control response.
func (c *Conversation) ActiveSession() SessionType {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// ActiveSecurityLevel returns the unlocked security level.
func (c *Conversation) ActiveSecurityLevel() SecurityLevel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.security
}

// SetActiveSession switches the session. Any session change locks security.
func (c *Conversation) SetActiveSession(s SessionType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != s {
		c.security = SecurityLocked
	}
	c.session = s
}

// SetActiveSecurityLevel records an unlocked security level.
func (c *Conversation) SetActiveSecurityLevel(l SecurityLevel) {
	c.mu.Lock()
	c.security = l
	c.mu.Unlock()
}

// -------------------------------------------------------------------------
// Internals
// -------------------------------------------------------------------------

type waitOutcome uint8

const (
	waitSignalled waitOutcome = iota
	waitExpired
	waitAborted
)

// wait blocks until deadline, a WaitCancel signal, or ctx is done.
func (c *Conversation) wait(ctx context.Context, deadline time.Time) waitOutcome {
	d := time.Until(deadline)
	if d <= 0 {
		select {
		case <-c.cancelSig:
			return waitSignalled
		default:
			return waitExpired
		}
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-c.cancelSig:
		return waitSignalled
	case <-t.C:
		return waitExpired
	case <-ctx.Done():
		return waitAborted
	}
}

func (c *Conversation) drainCancel() {
	select {
	case <-c.cancelSig:
	default:
	}
}

func (c *Conversation) apply(ev Event) FSMResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applyLocked(ev)
}

// applyLocked applies ev to the current state. Caller holds c.mu.
func (c *Conversation) applyLocked(ev Event) FSMResult {
	res := ApplyEvent(c.state, ev)
	if res.Changed {
		c.state = res.NewState
		c.metrics.RecordStateTransition(c.cfg.Name, res.OldState, res.NewState)
		c.logger.Debug("state transition",
			slog.String("event", ev.String()),
			slog.String("from", res.OldState.String()),
			slog.String("to", res.NewState.String()),
		)
	}
	return res
}

func (c *Conversation) finish(r DiagResult) DiagResult {
	c.metrics.RecordDiagResult(c.cfg.Name, r)
	return r
}
