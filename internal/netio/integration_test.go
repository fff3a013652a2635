package netio_test

import (
	"bytes"
	"context"
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"github.com/dantte-lp/godoip/internal/doip"
)

// TestDiagnosticExchangeOverLoopback runs a full routing activation and
// diagnostic request through real sockets.
func TestDiagnosticExchangeOverLoopback(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	logger := slog.New(slog.DiscardHandler)
	tr := newTransport()

	m := doip.NewManager(tr, logger, doip.WithChannelOptions(doip.WithResponseDelay(5*time.Millisecond)))
	defer m.Close()

	ch, err := m.FindOrCreateTcpConnection(ctx, 0xfa25, loopback)
	if err != nil {
		t.Fatalf("FindOrCreateTcpConnection: %v", err)
	}
	ch.SetExpectedDiagnosticMessageWithPendingUdsMessageToBeSend([]byte{0x7f, 0x10, 0x78}, 1)
	ch.SetExpectedDiagnosticMessageUdsMessageToBeSend([]byte{0x50, 0x03, 0x00, 0x32, 0x01, 0xf4})
	ch.Initialize()

	client := doip.NewTCPClient(doip.TCPClientConfig{
		SourceAddress: 0x0e00,
		LocalAddr:     netip.MustParseAddr("127.0.0.1"),
	}, tr, logger)
	conv := doip.NewConversation(doip.ConversationConfig{
		Name:          "loopback",
		SourceAddress: 0x0e00,
		TargetAddress: 0xfa25,
		Host:          ch.Snapshot().LocalAddr,
	}, client, logger)
	conv.Startup()
	defer conv.Shutdown()

	if res := conv.ConnectToDiagServer(ctx); res != doip.ConnectSuccess {
		t.Fatalf("ConnectToDiagServer = %s", res)
	}

	res, resp := conv.SendDiagnosticRequest(ctx, []byte{0x10, 0x03})
	if res != doip.DiagSuccess {
		t.Fatalf("SendDiagnosticRequest = %s", res)
	}
	if want := []byte{0x50, 0x03, 0x00, 0x32, 0x01, 0xf4}; !bytes.Equal(resp, want) {
		t.Errorf("response = % x, want % x", resp, want)
	}
}
