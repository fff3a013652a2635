package config_test

import (
	"bytes"
	"errors"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dantte-lp/godoip/internal/config"
	"github.com/dantte-lp/godoip/internal/doip"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()

	if cfg.Health.Addr != ":50051" {
		t.Errorf("Health.Addr = %q, want %q", cfg.Health.Addr, ":50051")
	}

	if cfg.Metrics.Addr != ":9100" {
		t.Errorf("Metrics.Addr = %q, want %q", cfg.Metrics.Addr, ":9100")
	}

	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, "/metrics")
	}

	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "info")
	}

	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "json")
	}

	if cfg.DoIP.TCPPort != 13400 || cfg.DoIP.UDPPort != 13400 {
		t.Errorf("DoIP ports = %d/%d, want 13400/13400", cfg.DoIP.TCPPort, cfg.DoIP.UDPPort)
	}

	if cfg.DoIP.DiscoveryTimeout != 2*time.Second {
		t.Errorf("DoIP.DiscoveryTimeout = %v, want %v", cfg.DoIP.DiscoveryTimeout, 2*time.Second)
	}

	if cfg.DoIP.MaxPendingResponses != 10 {
		t.Errorf("DoIP.MaxPendingResponses = %d, want %d", cfg.DoIP.MaxPendingResponses, 10)
	}

	if cfg.DoIP.ResponseDelay != 25*time.Millisecond {
		t.Errorf("DoIP.ResponseDelay = %v, want %v", cfg.DoIP.ResponseDelay, 25*time.Millisecond)
	}

	if cfg.Network.UDPBroadcastAddress != "255.255.255.255" {
		t.Errorf("Network.UDPBroadcastAddress = %q, want %q", cfg.Network.UDPBroadcastAddress, "255.255.255.255")
	}

	// Defaults must pass validation.
	if err := config.Validate(cfg); err != nil {
		t.Errorf("DefaultConfig() failed validation: %v", err)
	}
}

func TestLoadFromYAML(t *testing.T) {
	t.Parallel()

	yamlContent := `
metrics:
  addr: ":9200"
  path: "/custom-metrics"
log:
  level: "debug"
  format: "text"
doip:
  tcp_port: 13401
  ack_timeout: "500ms"
  discovery_timeout: "1s"
  max_pending_responses: 4
network:
  tcp_ip_address: "172.16.25.128"
  udp_broadcast_address: "172.16.255.255"
vehicle:
  vin: "ABCDEFGH123456789"
  eid: "00:02:36:31:00:1c"
  gid: "0a:0b:0c:0d:0e:0f"
  logical_address: 0xFA25
conversations:
  - name: "DiagTester_1"
    source_address: 0x0E80
    target_address: 0xFA25
    target_ip: "172.16.25.128"
    p2_client_max: "150ms"
    p2_star_client_max: "5s"
    rx_buffer_size: 4095
ecus:
  - logical_address: 0xFA25
    response: "50 01 00 32 01 f4"
    pending_response: "7f 10 78"
    pending_count: 2
  - logical_address: 0xFA26
    address: "127.0.0.2"
    routing_activation_code: 0x00
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Metrics.Addr != ":9200" {
		t.Errorf("Metrics.Addr = %q, want %q", cfg.Metrics.Addr, ":9200")
	}

	if cfg.Metrics.Path != "/custom-metrics" {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, "/custom-metrics")
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}

	if cfg.DoIP.TCPPort != 13401 {
		t.Errorf("DoIP.TCPPort = %d, want %d", cfg.DoIP.TCPPort, 13401)
	}

	if cfg.DoIP.AckTimeout != 500*time.Millisecond {
		t.Errorf("DoIP.AckTimeout = %v, want %v", cfg.DoIP.AckTimeout, 500*time.Millisecond)
	}

	if cfg.DoIP.MaxPendingResponses != 4 {
		t.Errorf("DoIP.MaxPendingResponses = %d, want %d", cfg.DoIP.MaxPendingResponses, 4)
	}

	if cfg.Vehicle.LogicalAddress != 0xFA25 {
		t.Errorf("Vehicle.LogicalAddress = 0x%04x, want 0xfa25", cfg.Vehicle.LogicalAddress)
	}

	if len(cfg.Conversations) != 1 {
		t.Fatalf("len(Conversations) = %d, want 1", len(cfg.Conversations))
	}
	cc := cfg.Conversations[0]
	if cc.Name != "DiagTester_1" || cc.SourceAddress != 0x0E80 || cc.TargetAddress != 0xFA25 {
		t.Errorf("Conversations[0] = %+v", cc)
	}
	if cc.P2ClientMax != 150*time.Millisecond {
		t.Errorf("Conversations[0].P2ClientMax = %v, want %v", cc.P2ClientMax, 150*time.Millisecond)
	}
	host, err := cc.TargetAddrPort(cfg.DoIP.TCPPort)
	if err != nil {
		t.Fatalf("TargetAddrPort: %v", err)
	}
	if want := netip.MustParseAddrPort("172.16.25.128:13401"); host != want {
		t.Errorf("TargetAddrPort = %s, want %s", host, want)
	}

	if len(cfg.ECUs) != 2 {
		t.Fatalf("len(ECUs) = %d, want 2", len(cfg.ECUs))
	}
	if got := cfg.ECUs[1].RoutingCode(); got != doip.RoutingUnknownSourceAddress {
		t.Errorf("ECUs[1].RoutingCode() = 0x%02x, want 0x00", got)
	}
	ecu := cfg.ECUs[0]
	resp, err := ecu.ResponseBytes()
	if err != nil {
		t.Fatalf("ResponseBytes: %v", err)
	}
	if want := []byte{0x50, 0x01, 0x00, 0x32, 0x01, 0xf4}; !bytes.Equal(resp, want) {
		t.Errorf("ResponseBytes = % x, want % x", resp, want)
	}
	if ecu.RoutingCode() != 0x10 {
		t.Errorf("ECUs[0].RoutingCode() = 0x%02x, want 0x10", ecu.RoutingCode())
	}
	if ecu.PendingCount != 2 {
		t.Errorf("ECUs[0].PendingCount = %d, want 2", ecu.PendingCount)
	}
	listen, err := ecu.ListenAddr(cfg.Network.TCPIPAddress, cfg.DoIP.TCPPort)
	if err != nil {
		t.Fatalf("ListenAddr: %v", err)
	}
	if want := netip.MustParseAddrPort("172.16.25.128:13401"); listen != want {
		t.Errorf("ListenAddr = %s, want %s", listen, want)
	}
}

func TestLoadMergesDefaults(t *testing.T) {
	t.Parallel()

	// Partial YAML: everything else inherits from defaults.
	yamlContent := `
log:
  level: "warn"
doip:
  ack_timeout: "1s"
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "warn")
	}

	if cfg.DoIP.AckTimeout != time.Second {
		t.Errorf("DoIP.AckTimeout = %v, want %v", cfg.DoIP.AckTimeout, time.Second)
	}

	// Inherited defaults.
	if cfg.Metrics.Addr != ":9100" {
		t.Errorf("Metrics.Addr = %q, want default %q", cfg.Metrics.Addr, ":9100")
	}

	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want default %q", cfg.Log.Format, "json")
	}

	if cfg.DoIP.RoutingActivationTimeout != 2*time.Second {
		t.Errorf("DoIP.RoutingActivationTimeout = %v, want default %v", cfg.DoIP.RoutingActivationTimeout, 2*time.Second)
	}

	if cfg.DoIP.UDPPort != 13400 {
		t.Errorf("DoIP.UDPPort = %d, want default %d", cfg.DoIP.UDPPort, 13400)
	}

	if cfg.Vehicle.LogicalAddress != 0x1000 {
		t.Errorf("Vehicle.LogicalAddress = 0x%04x, want default 0x1000", cfg.Vehicle.LogicalAddress)
	}
}

// TestLoadEnvOverride cannot run in parallel: t.Setenv mutates the process
// environment.
func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("DOIP_LOG_LEVEL", "error")
	t.Setenv("DOIP_METRICS_ADDR", ":9300")
	t.Setenv("DOIP_VEHICLE_VIN", "WAUZZZ8V0KA000001")

	path := writeTemp(t, "log:\n  level: \"debug\"\n")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Log.Level != "error" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "error")
	}
	if cfg.Metrics.Addr != ":9300" {
		t.Errorf("Metrics.Addr = %q, want %q", cfg.Metrics.Addr, ":9300")
	}
	if cfg.Vehicle.VIN != "WAUZZZ8V0KA000001" {
		t.Errorf("Vehicle.VIN = %q, want %q", cfg.Vehicle.VIN, "WAUZZZ8V0KA000001")
	}
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()

	validConv := config.ConversationConfig{Name: "tester", TargetIP: "10.0.0.2"}

	tests := []struct {
		name    string
		modify  func(*config.Config)
		wantErr error
	}{
		{
			name:    "empty metrics addr",
			modify:  func(cfg *config.Config) { cfg.Metrics.Addr = "" },
			wantErr: config.ErrEmptyMetricsAddr,
		},
		{
			name:    "unknown log format",
			modify:  func(cfg *config.Config) { cfg.Log.Format = "xml" },
			wantErr: config.ErrInvalidLogFormat,
		},
		{
			name:    "zero ack timeout",
			modify:  func(cfg *config.Config) { cfg.DoIP.AckTimeout = 0 },
			wantErr: config.ErrInvalidTimeout,
		},
		{
			name:    "negative discovery timeout",
			modify:  func(cfg *config.Config) { cfg.DoIP.DiscoveryTimeout = -time.Second },
			wantErr: config.ErrInvalidTimeout,
		},
		{
			name:    "negative response delay",
			modify:  func(cfg *config.Config) { cfg.DoIP.ResponseDelay = -time.Millisecond },
			wantErr: config.ErrInvalidTimeout,
		},
		{
			name:    "zero max pending",
			modify:  func(cfg *config.Config) { cfg.DoIP.MaxPendingResponses = 0 },
			wantErr: config.ErrInvalidMaxPending,
		},
		{
			name:    "bad broadcast address",
			modify:  func(cfg *config.Config) { cfg.Network.UDPBroadcastAddress = "255.255.255" },
			wantErr: config.ErrInvalidAddress,
		},
		{
			name:    "short vin",
			modify:  func(cfg *config.Config) { cfg.Vehicle.VIN = "ABCDEFGH" },
			wantErr: config.ErrInvalidVehicleIdentity,
		},
		{
			name:    "bad eid",
			modify:  func(cfg *config.Config) { cfg.Vehicle.EID = "00:02:36" },
			wantErr: config.ErrInvalidVehicleIdentity,
		},
		{
			name:    "bad gid",
			modify:  func(cfg *config.Config) { cfg.Vehicle.GID = "zz:0b:0c:0d:0e:0f" },
			wantErr: config.ErrInvalidVehicleIdentity,
		},
		{
			name: "empty conversation name",
			modify: func(cfg *config.Config) {
				cfg.Conversations = []config.ConversationConfig{{TargetIP: "10.0.0.2"}}
			},
			wantErr: config.ErrEmptyConversationName,
		},
		{
			name: "duplicate conversation",
			modify: func(cfg *config.Config) {
				cfg.Conversations = []config.ConversationConfig{validConv, validConv}
			},
			wantErr: config.ErrDuplicateConversation,
		},
		{
			name: "conversation target ip",
			modify: func(cfg *config.Config) {
				cfg.Conversations = []config.ConversationConfig{{Name: "tester", TargetIP: "ecu.local"}}
			},
			wantErr: config.ErrInvalidAddress,
		},
		{
			name: "negative p2",
			modify: func(cfg *config.Config) {
				cc := validConv
				cc.P2ClientMax = -time.Millisecond
				cfg.Conversations = []config.ConversationConfig{cc}
			},
			wantErr: config.ErrInvalidConversationTimer,
		},
		{
			name: "duplicate ecu",
			modify: func(cfg *config.Config) {
				cfg.ECUs = []config.ECUConfig{{LogicalAddress: 0xFA25}, {LogicalAddress: 0xFA25}}
			},
			wantErr: config.ErrDuplicateECU,
		},
		{
			name: "ecus on one address",
			modify: func(cfg *config.Config) {
				cfg.ECUs = []config.ECUConfig{{LogicalAddress: 0xFA25}, {LogicalAddress: 0xFA26}}
			},
			wantErr: config.ErrSharedECUAddress,
		},
		{
			name: "ecus on one explicit address",
			modify: func(cfg *config.Config) {
				cfg.ECUs = []config.ECUConfig{
					{LogicalAddress: 0xFA25, Address: "127.0.0.2"},
					{LogicalAddress: 0xFA26, Address: "127.0.0.2"},
				}
			},
			wantErr: config.ErrSharedECUAddress,
		},
		{
			name: "ecu response not hex",
			modify: func(cfg *config.Config) {
				cfg.ECUs = []config.ECUConfig{{LogicalAddress: 0xFA25, Response: "50 0g"}}
			},
			wantErr: config.ErrInvalidHexPayload,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := config.DefaultConfig()
			tt.modify(cfg)

			err := config.Validate(cfg)
			if err == nil {
				t.Fatal("Validate() returned nil, want error")
			}

			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseHexBytes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input   string
		want    []byte
		wantErr bool
	}{
		{input: "", want: nil},
		{input: "   ", want: nil},
		{input: "50 01", want: []byte{0x50, 0x01}},
		{input: "7F 10 78", want: []byte{0x7f, 0x10, 0x78}},
		{input: "50:01", want: []byte{0x50, 0x01}},
		{input: "5001", want: []byte{0x50, 0x01}},
		{input: "5 01", wantErr: true},
		{input: "xx", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()

			got, err := config.ParseHexBytes(tt.input)
			if tt.wantErr {
				if !errors.Is(err, config.ErrInvalidHexPayload) {
					t.Errorf("ParseHexBytes(%q) error = %v, want ErrInvalidHexPayload", tt.input, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseHexBytes(%q) error: %v", tt.input, err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("ParseHexBytes(%q) = % x, want % x", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  slog.Level
	}{
		{input: "debug", want: slog.LevelDebug},
		{input: "DEBUG", want: slog.LevelDebug},
		{input: "info", want: slog.LevelInfo},
		{input: "warn", want: slog.LevelWarn},
		{input: "WARN", want: slog.LevelWarn},
		{input: "error", want: slog.LevelError},
		{input: "Error", want: slog.LevelError},
		{input: "unknown", want: slog.LevelInfo},
		{input: "", want: slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()

			got := config.ParseLogLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestLoadNonexistentFile(t *testing.T) {
	t.Parallel()

	_, err := config.Load("/nonexistent/path/config.yml")
	if err == nil {
		t.Fatal("Load() returned nil error for nonexistent file")
	}
}

// writeTemp creates a temporary YAML file and returns its path.
// The file is automatically cleaned up when the test finishes.
func writeTemp(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "godoip.yml")

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	return path
}
