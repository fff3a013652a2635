package doip

// MetricsReporter receives protocol events for observability. The
// Prometheus implementation lives in internal/metrics; when no reporter is
// configured a no-op is used so call sites never check for nil.
type MetricsReporter interface {
	// RegisterChannel is called when the Manager creates a Channel.
	RegisterChannel(logicalAddress uint16)

	// UnregisterChannel is called when the Manager closes a Channel.
	UnregisterChannel(logicalAddress uint16)

	// IncFramesSent counts one transmitted frame of the given payload type.
	IncFramesSent(logicalAddress uint16, payloadType PayloadType)

	// IncFramesReceived counts one received and parsed frame.
	IncFramesReceived(logicalAddress uint16, payloadType PayloadType)

	// IncFramesDropped counts a frame discarded for framing errors or an
	// unknown payload type.
	IncFramesDropped(logicalAddress uint16)

	// RecordRoutingActivation counts a routing activation response code.
	RecordRoutingActivation(logicalAddress uint16, code uint8)

	// RecordStateTransition counts a conversation FSM transition.
	RecordStateTransition(conversation string, from, to ConversationState)

	// RecordDiagResult counts the outcome of one SendDiagnosticRequest.
	RecordDiagResult(conversation string, result DiagResult)

	// RecordDiscovery counts the outcome of one vehicle identification
	// request and the number of vehicles found.
	RecordDiscovery(result VehicleResponseResult, vehicles int)
}

// noopMetrics discards every event.
type noopMetrics struct{}

func (noopMetrics) RegisterChannel(uint16)                                             {}
func (noopMetrics) UnregisterChannel(uint16)                                           {}
func (noopMetrics) IncFramesSent(uint16, PayloadType)                                  {}
func (noopMetrics) IncFramesReceived(uint16, PayloadType)                              {}
func (noopMetrics) IncFramesDropped(uint16)                                            {}
func (noopMetrics) RecordRoutingActivation(uint16, uint8)                              {}
func (noopMetrics) RecordStateTransition(string, ConversationState, ConversationState) {}
func (noopMetrics) RecordDiagResult(string, DiagResult)                                {}
func (noopMetrics) RecordDiscovery(VehicleResponseResult, int)                         {}
