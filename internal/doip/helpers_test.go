package doip_test

import (
	"context"
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"github.com/dantte-lp/godoip/internal/doip"
)

const (
	testerLA uint16 = 0x0e00
	ecuLA    uint16 = 0xfa25
)

//nolint:gochecknoglobals // shared test addresses.
var (
	entityAddr   = netip.MustParseAddrPort("10.0.0.2:13400")
	testerAddr   = netip.MustParseAddr("10.0.0.1")
	testerUDP    = netip.MustParseAddrPort("10.0.0.1:13401")
	broadcastUDP = netip.MustParseAddrPort("255.255.255.255:13400")
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// newEntityChannel creates an initialized channel for la on entityAddr.
func newEntityChannel(t *testing.T, ctx context.Context, m *doip.Manager, la uint16) *doip.Channel {
	t.Helper()

	ch, err := m.FindOrCreateTcpConnection(ctx, la, entityAddr)
	if err != nil {
		t.Fatalf("FindOrCreateTcpConnection(0x%04x): %v", la, err)
	}
	ch.Initialize()
	return ch
}

// newTesterConversation builds a conversation from the tester to ecuLA
// on entityAddr and starts it.
func newTesterConversation(t *testing.T, n doip.Transport, cfg doip.ConversationConfig) *doip.Conversation {
	t.Helper()

	if cfg.Name == "" {
		cfg.Name = "ecu"
	}
	if cfg.SourceAddress == 0 {
		cfg.SourceAddress = testerLA
	}
	if cfg.TargetAddress == 0 {
		cfg.TargetAddress = ecuLA
	}
	if !cfg.Host.IsValid() {
		cfg.Host = entityAddr
	}

	client := doip.NewTCPClient(doip.TCPClientConfig{
		SourceAddress: cfg.SourceAddress,
		LocalAddr:     testerAddr,
	}, n, discardLogger())
	conv := doip.NewConversation(cfg, client, discardLogger())
	conv.Startup()
	return conv
}

// readMessage reads and parses one frame, failing the test on error.
func readMessage(t *testing.T, ctx context.Context, conn doip.FrameConn) doip.Message {
	t.Helper()

	frame, err := conn.ReadFrame(ctx)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	msg, err := doip.ParseMessage(frame)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	return msg
}

// expectSilence asserts that nothing arrives on conn within d.
func expectSilence(t *testing.T, ctx context.Context, conn doip.FrameConn, d time.Duration) {
	t.Helper()

	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	if frame, err := conn.ReadFrame(ctx); err == nil {
		t.Fatalf("unexpected frame % x", frame)
	}
}
