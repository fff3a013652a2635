package doipmetrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dantte-lp/godoip/internal/doip"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "godoip"
	subsystem = "doip"
)

// Label names for DoIP metrics.
const (
	labelLogicalAddress = "logical_address"
	labelPayloadType    = "payload_type"
	labelCode           = "code"
	labelConversation   = "conversation"
	labelFromState      = "from_state"
	labelToState        = "to_state"
	labelResult         = "result"
)

// -------------------------------------------------------------------------
// Collector: Prometheus DoIP Metrics
// -------------------------------------------------------------------------

// Collector holds all DoIP Prometheus metrics and implements
// doip.MetricsReporter.
//
// Channel and frame metrics are labeled with the ECU logical address
// ("0xfa25"); conversation metrics with the conversation name.
type Collector struct {
	// Channels tracks the ECU channels currently owned by a Manager.
	Channels *prometheus.GaugeVec

	// FramesSent counts transmitted DoIP frames per payload type.
	FramesSent *prometheus.CounterVec

	// FramesReceived counts parsed DoIP frames per payload type.
	FramesReceived *prometheus.CounterVec

	// FramesDropped counts frames discarded for framing errors or an
	// unknown payload type. Each drop is answered with a generic NACK.
	FramesDropped *prometheus.CounterVec

	// RoutingActivations counts routing activation responses by code.
	RoutingActivations *prometheus.CounterVec

	// StateTransitions counts diagnostic conversation FSM transitions.
	StateTransitions *prometheus.CounterVec

	// DiagResults counts SendDiagnosticRequest outcomes.
	DiagResults *prometheus.CounterVec

	// DiscoveryRequests counts vehicle identification requests by result.
	DiscoveryRequests *prometheus.CounterVec

	// VehiclesDiscovered counts vehicles reported by discovery requests.
	VehiclesDiscovered prometheus.Counter
}

var _ doip.MetricsReporter = (*Collector)(nil)

// NewCollector creates a Collector with all DoIP metrics registered against
// the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
//
// All metrics are created with the "godoip_doip_" prefix.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Channels,
		c.FramesSent,
		c.FramesReceived,
		c.FramesDropped,
		c.RoutingActivations,
		c.StateTransitions,
		c.DiagResults,
		c.DiscoveryRequests,
		c.VehiclesDiscovered,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	channelLabels := []string{labelLogicalAddress}
	frameLabels := []string{labelLogicalAddress, labelPayloadType}
	routingLabels := []string{labelLogicalAddress, labelCode}
	transitionLabels := []string{labelConversation, labelFromState, labelToState}

	return &Collector{
		Channels: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "channels",
			Help:      "Number of ECU channels currently open.",
		}, channelLabels),

		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_sent_total",
			Help:      "Total DoIP frames transmitted.",
		}, frameLabels),

		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_received_total",
			Help:      "Total DoIP frames received.",
		}, frameLabels),

		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_dropped_total",
			Help:      "Total DoIP frames dropped due to header errors or unknown payload types.",
		}, channelLabels),

		RoutingActivations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "routing_activations_total",
			Help:      "Total routing activation responses by response code.",
		}, routingLabels),

		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "state_transitions_total",
			Help:      "Total diagnostic conversation FSM state transitions.",
		}, transitionLabels),

		DiagResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "diag_requests_total",
			Help:      "Total diagnostic requests by result.",
		}, []string{labelConversation, labelResult}),

		DiscoveryRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "discovery_requests_total",
			Help:      "Total vehicle identification requests by result.",
		}, []string{labelResult}),

		VehiclesDiscovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "vehicles_discovered_total",
			Help:      "Total vehicles reported by vehicle identification requests.",
		}),
	}
}

// -------------------------------------------------------------------------
// Channel Lifecycle
// -------------------------------------------------------------------------

// RegisterChannel increments the open channels gauge.
func (c *Collector) RegisterChannel(logicalAddress uint16) {
	c.Channels.WithLabelValues(doip.FormatLogicalAddress(logicalAddress)).Inc()
}

// UnregisterChannel decrements the open channels gauge.
func (c *Collector) UnregisterChannel(logicalAddress uint16) {
	c.Channels.WithLabelValues(doip.FormatLogicalAddress(logicalAddress)).Dec()
}

// -------------------------------------------------------------------------
// Frame Counters
// -------------------------------------------------------------------------

// IncFramesSent increments the transmitted frames counter.
func (c *Collector) IncFramesSent(logicalAddress uint16, pt doip.PayloadType) {
	c.FramesSent.WithLabelValues(doip.FormatLogicalAddress(logicalAddress), pt.String()).Inc()
}

// IncFramesReceived increments the received frames counter.
func (c *Collector) IncFramesReceived(logicalAddress uint16, pt doip.PayloadType) {
	c.FramesReceived.WithLabelValues(doip.FormatLogicalAddress(logicalAddress), pt.String()).Inc()
}

// IncFramesDropped increments the dropped frames counter.
func (c *Collector) IncFramesDropped(logicalAddress uint16) {
	c.FramesDropped.WithLabelValues(doip.FormatLogicalAddress(logicalAddress)).Inc()
}

// RecordRoutingActivation counts one routing activation response code,
// rendered as "0x10".
func (c *Collector) RecordRoutingActivation(logicalAddress uint16, code uint8) {
	c.RoutingActivations.WithLabelValues(
		doip.FormatLogicalAddress(logicalAddress),
		fmt.Sprintf("0x%02x", code),
	).Inc()
}

// -------------------------------------------------------------------------
// Conversations
// -------------------------------------------------------------------------

// RecordStateTransition increments the state transition counter with the
// old and new state labels.
func (c *Collector) RecordStateTransition(conversation string, from, to doip.ConversationState) {
	c.StateTransitions.WithLabelValues(conversation, from.String(), to.String()).Inc()
}

// RecordDiagResult counts one SendDiagnosticRequest outcome.
func (c *Collector) RecordDiagResult(conversation string, result doip.DiagResult) {
	c.DiagResults.WithLabelValues(conversation, result.String()).Inc()
}

// RecordDiscovery counts one vehicle identification request and the
// vehicles it found.
func (c *Collector) RecordDiscovery(result doip.VehicleResponseResult, vehicles int) {
	c.DiscoveryRequests.WithLabelValues(result.String()).Inc()
	if vehicles > 0 {
		c.VehiclesDiscovered.Add(float64(vehicles))
	}
}
