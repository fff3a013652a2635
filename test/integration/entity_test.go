//go:build integration

package integration_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dantte-lp/godoip/internal/config"
	"github.com/dantte-lp/godoip/internal/dcm"
	"github.com/dantte-lp/godoip/internal/doip"
	doipmetrics "github.com/dantte-lp/godoip/internal/metrics"
	"github.com/dantte-lp/godoip/internal/netio"
)

const ecuLA = uint16(0x1001)

// TestEntityExchangeAndMetrics runs an entity and a tester over loopback
// sockets and checks the exchange is visible on the metrics endpoint.
func TestEntityExchangeAndMetrics(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	ctx := t.Context()

	reg := prometheus.NewRegistry()
	collector := doipmetrics.NewCollector(reg)

	entityCfg := config.DefaultConfig()
	entityCfg.DoIP.TCPPort = 0
	entityCfg.DoIP.UDPPort = 0
	entityCfg.DoIP.ResponseDelay = 5 * time.Millisecond
	entityCfg.Network.TCPIPAddress = "127.0.0.1"
	entityCfg.Network.UDPIPAddress = "127.0.0.1"
	entityCfg.Network.UDPBroadcastAddress = "127.0.0.1"
	entityCfg.Vehicle.VIN = "WDD2220001A000001"
	entityCfg.Vehicle.LogicalAddress = ecuLA
	entityCfg.ECUs = []config.ECUConfig{
		{LogicalAddress: ecuLA, Response: "62 f1 90 57 44 44", PendingResponse: "7f 22 78", PendingCount: 2},
	}

	srv := dcm.NewServer(entityCfg, netio.NewTransport(logger), logger, dcm.WithMetrics(collector))
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })

	snap := srv.Snapshot()
	testerCfg := config.DefaultConfig()
	testerCfg.DoIP.TCPPort = snap.Channels[0].LocalAddr.Port()
	testerCfg.DoIP.UDPPort = snap.UDPAddr.Port()
	testerCfg.DoIP.DiscoveryTimeout = 200 * time.Millisecond
	testerCfg.Network.UDPIPAddress = "127.0.0.1"
	testerCfg.Network.UDPBroadcastAddress = "127.0.0.1"
	testerCfg.Conversations = []config.ConversationConfig{
		{Name: "gateway", SourceAddress: 0x0e00, TargetAddress: ecuLA, TargetIP: "127.0.0.1"},
	}

	client := dcm.NewClient(testerCfg, netio.NewTransport(logger), logger)
	if err := client.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { _ = client.DeInitialize() })

	// --- Discovery ---
	res, vehicles := client.SendVehicleIdentificationRequest(ctx, doip.VehicleInfoRequest{
		PreselectionMode:  doip.PreselectionVIN,
		PreselectionValue: "WDD2220001A000001",
	})
	if res != doip.VehicleStatusOk || len(vehicles) != 1 {
		t.Fatalf("discovery = %s with %d vehicles, want VehicleStatusOk with 1", res, len(vehicles))
	}
	if vehicles[0].LogicalAddress != ecuLA {
		t.Errorf("discovered logical address = 0x%04x, want 0x%04x", vehicles[0].LogicalAddress, ecuLA)
	}

	// --- Read data by identifier with two pending responses ---
	if err := client.ConnectAll(ctx); err != nil {
		t.Fatalf("ConnectAll: %v", err)
	}
	conv, err := client.Conversation("gateway")
	if err != nil {
		t.Fatalf("Conversation: %v", err)
	}
	diagRes, resp := conv.SendDiagnosticRequest(ctx, []byte{0x22, 0xf1, 0x90})
	if diagRes != doip.DiagSuccess {
		t.Fatalf("SendDiagnosticRequest = %s, want DiagSuccess", diagRes)
	}
	if got := doip.FormatHex(resp); got != "62:f1:90:57:44:44" {
		t.Errorf("response = %s, want 62:f1:90:57:44:44", got)
	}

	// --- Metrics endpoint ---
	body := scrape(t, ctx, reg)
	for _, want := range []string{
		`godoip_doip_channels{logical_address="0x1001"} 1`,
		`godoip_doip_routing_activations_total{code="0x10",logical_address="0x1001"} 1`,
		`godoip_doip_frames_received_total`,
		`godoip_doip_frames_sent_total`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func scrape(t *testing.T, ctx context.Context, reg *prometheus.Registry) string {
	t.Helper()

	ts := httptest.NewServer(promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	t.Cleanup(ts.Close)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(data)
}
