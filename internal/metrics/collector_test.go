package doipmetrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/dantte-lp/godoip/internal/doip"
	doipmetrics "github.com/dantte-lp/godoip/internal/metrics"
)

const (
	ecuLA    = uint16(0xFA25)
	ecuLabel = "0xfa25"
)

func TestNewCollector(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := doipmetrics.NewCollector(reg)

	if c.Channels == nil {
		t.Error("Channels is nil")
	}
	if c.FramesSent == nil {
		t.Error("FramesSent is nil")
	}
	if c.FramesReceived == nil {
		t.Error("FramesReceived is nil")
	}
	if c.FramesDropped == nil {
		t.Error("FramesDropped is nil")
	}
	if c.RoutingActivations == nil {
		t.Error("RoutingActivations is nil")
	}
	if c.StateTransitions == nil {
		t.Error("StateTransitions is nil")
	}
	if c.DiagResults == nil {
		t.Error("DiagResults is nil")
	}
	if c.DiscoveryRequests == nil {
		t.Error("DiscoveryRequests is nil")
	}

	// The unlabeled counter is exported before any event.
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "godoip_doip_vehicles_discovered_total" {
			found = true
		}
	}
	if !found {
		t.Error("godoip_doip_vehicles_discovered_total not gathered")
	}
}

func TestRegisterUnregisterChannel(t *testing.T) {
	t.Parallel()

	c := doipmetrics.NewCollector(prometheus.NewRegistry())

	c.RegisterChannel(ecuLA)
	c.RegisterChannel(0x1001)

	if val := gaugeValue(t, c.Channels, ecuLabel); val != 1 {
		t.Errorf("after RegisterChannel: channels gauge = %v, want 1", val)
	}

	c.UnregisterChannel(ecuLA)

	if val := gaugeValue(t, c.Channels, ecuLabel); val != 0 {
		t.Errorf("after UnregisterChannel: channels gauge = %v, want 0", val)
	}
	if val := gaugeValue(t, c.Channels, "0x1001"); val != 1 {
		t.Errorf("0x1001 gauge = %v, want 1 (should be unaffected)", val)
	}
}

func TestFrameCounters(t *testing.T) {
	t.Parallel()

	c := doipmetrics.NewCollector(prometheus.NewRegistry())

	c.IncFramesSent(ecuLA, doip.PayloadDiagnosticMessage)
	c.IncFramesSent(ecuLA, doip.PayloadDiagnosticMessage)
	c.IncFramesSent(ecuLA, doip.PayloadDiagnosticMessagePositiveAck)

	if val := counterValue(t, c.FramesSent, ecuLabel, "DiagnosticMessage"); val != 2 {
		t.Errorf("FramesSent(DiagnosticMessage) = %v, want 2", val)
	}
	if val := counterValue(t, c.FramesSent, ecuLabel, "DiagnosticMessagePositiveAck"); val != 1 {
		t.Errorf("FramesSent(DiagnosticMessagePositiveAck) = %v, want 1", val)
	}

	c.IncFramesReceived(ecuLA, doip.PayloadRoutingActivationRequest)

	if val := counterValue(t, c.FramesReceived, ecuLabel, "RoutingActivationRequest"); val != 1 {
		t.Errorf("FramesReceived = %v, want 1", val)
	}

	c.IncFramesDropped(ecuLA)
	c.IncFramesDropped(ecuLA)

	if val := counterValue(t, c.FramesDropped, ecuLabel); val != 2 {
		t.Errorf("FramesDropped = %v, want 2", val)
	}
}

func TestRoutingActivation(t *testing.T) {
	t.Parallel()

	c := doipmetrics.NewCollector(prometheus.NewRegistry())

	c.RecordRoutingActivation(ecuLA, doip.RoutingSuccessful)
	c.RecordRoutingActivation(ecuLA, doip.RoutingUnknownSourceAddress)
	c.RecordRoutingActivation(ecuLA, doip.RoutingSuccessful)

	if val := counterValue(t, c.RoutingActivations, ecuLabel, "0x10"); val != 2 {
		t.Errorf("RoutingActivations(0x10) = %v, want 2", val)
	}
	if val := counterValue(t, c.RoutingActivations, ecuLabel, "0x00"); val != 1 {
		t.Errorf("RoutingActivations(0x00) = %v, want 1", val)
	}
}

func TestStateTransition(t *testing.T) {
	t.Parallel()

	c := doipmetrics.NewCollector(prometheus.NewRegistry())

	c.RecordStateTransition("tester", doip.StateIdle, doip.StateWaitForResponse)
	c.RecordStateTransition("tester", doip.StateWaitForResponse, doip.StateRecvdPendingResponse)
	c.RecordStateTransition("tester", doip.StateIdle, doip.StateWaitForResponse)

	if val := counterValue(t, c.StateTransitions, "tester", "Idle", "WaitForResponse"); val != 2 {
		t.Errorf("StateTransitions(Idle->WaitForResponse) = %v, want 2", val)
	}
	if val := counterValue(t, c.StateTransitions, "tester", "WaitForResponse", "RecvdPendingResponse"); val != 1 {
		t.Errorf("StateTransitions(WaitForResponse->RecvdPendingResponse) = %v, want 1", val)
	}
}

func TestDiagResult(t *testing.T) {
	t.Parallel()

	c := doipmetrics.NewCollector(prometheus.NewRegistry())

	c.RecordDiagResult("tester", doip.DiagSuccess)
	c.RecordDiagResult("tester", doip.DiagResponseTimeout)
	c.RecordDiagResult("tester", doip.DiagSuccess)

	if val := counterValue(t, c.DiagResults, "tester", "Success"); val != 2 {
		t.Errorf("DiagResults(Success) = %v, want 2", val)
	}
	if val := counterValue(t, c.DiagResults, "tester", "ResponseTimeout"); val != 1 {
		t.Errorf("DiagResults(ResponseTimeout) = %v, want 1", val)
	}
}

func TestDiscovery(t *testing.T) {
	t.Parallel()

	c := doipmetrics.NewCollector(prometheus.NewRegistry())

	c.RecordDiscovery(doip.VehicleStatusOk, 2)
	c.RecordDiscovery(doip.VehicleNoResponseReceived, 0)
	c.RecordDiscovery(doip.VehicleStatusOk, 1)

	if val := counterValue(t, c.DiscoveryRequests, "StatusOk"); val != 2 {
		t.Errorf("DiscoveryRequests(StatusOk) = %v, want 2", val)
	}
	if val := counterValue(t, c.DiscoveryRequests, "NoResponseReceived"); val != 1 {
		t.Errorf("DiscoveryRequests(NoResponseReceived) = %v, want 1", val)
	}

	m := &dto.Metric{}
	if err := c.VehiclesDiscovered.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}
	if val := m.GetCounter().GetValue(); val != 3 {
		t.Errorf("VehiclesDiscovered = %v, want 3", val)
	}
}

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

// gaugeValue reads the current value of a GaugeVec with the given labels.
func gaugeValue(t *testing.T, vec *prometheus.GaugeVec, labels ...string) float64 {
	t.Helper()

	gauge, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}

	m := &dto.Metric{}
	if err := gauge.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetGauge().GetValue()
}

// counterValue reads the current value of a CounterVec with the given labels.
func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()

	counter, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}

	m := &dto.Metric{}
	if err := counter.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetCounter().GetValue()
}
