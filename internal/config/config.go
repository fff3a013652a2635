// Package config manages godoip configuration using koanf/v2.
//
// Supports YAML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/dantte-lp/godoip/internal/doip"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete godoip configuration.
type Config struct {
	Health        HealthConfig         `koanf:"health"`
	Metrics       MetricsConfig        `koanf:"metrics"`
	Log           LogConfig            `koanf:"log"`
	DoIP          DoIPConfig           `koanf:"doip"`
	Network       NetworkConfig        `koanf:"network"`
	Vehicle       VehicleConfig        `koanf:"vehicle"`
	Conversations []ConversationConfig `koanf:"conversations"`
	ECUs          []ECUConfig          `koanf:"ecus"`
}

// HealthConfig holds the gRPC health endpoint configuration.
type HealthConfig struct {
	// Addr is the h2c listen address for grpc.health.v1 (e.g., ":50051").
	Addr string `koanf:"addr"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
	// File enables rotating file output when non-empty.
	File string `koanf:"file"`
	// MaxSizeMB is the size at which the log file is rotated.
	MaxSizeMB int `koanf:"max_size_mb"`
	// MaxBackups is the number of rotated files kept.
	MaxBackups int `koanf:"max_backups"`
	// MaxAgeDays is the retention of rotated files.
	MaxAgeDays int `koanf:"max_age_days"`
}

// DoIPConfig holds protocol ports and timers shared by every channel and
// conversation.
type DoIPConfig struct {
	// TCPPort is the TCP_DATA port (ISO 13400-2: 13400).
	TCPPort uint16 `koanf:"tcp_port"`

	// UDPPort is the UDP_DISCOVERY port (ISO 13400-2: 13400).
	UDPPort uint16 `koanf:"udp_port"`

	// RoutingActivationTimeout bounds the wait for a routing activation
	// response.
	RoutingActivationTimeout time.Duration `koanf:"routing_activation_timeout"`

	// AckTimeout bounds the wait for a diagnostic message acknowledgement.
	AckTimeout time.Duration `koanf:"ack_timeout"`

	// DiscoveryTimeout is the vehicle identification collection window.
	DiscoveryTimeout time.Duration `koanf:"discovery_timeout"`

	// MaxPendingResponses caps the consecutive response pending messages
	// accepted for one request.
	MaxPendingResponses int `koanf:"max_pending_responses"`

	// ResponseDelay is the entity's delay before each simulated response.
	ResponseDelay time.Duration `koanf:"response_delay"`

	// WriteTimeout bounds a single socket write.
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

// NetworkConfig holds the local and broadcast IP addresses.
type NetworkConfig struct {
	// TCPIPAddress is the entity's TCP listen address.
	TCPIPAddress string `koanf:"tcp_ip_address"`

	// UDPIPAddress is the local UDP bind address for both roles.
	UDPIPAddress string `koanf:"udp_ip_address"`

	// UDPBroadcastAddress is the destination of identification requests
	// and vehicle announcements.
	UDPBroadcastAddress string `koanf:"udp_broadcast_address"`
}

// VehicleConfig is the identity announced by the entity.
type VehicleConfig struct {
	// VIN is the 17-character vehicle identification number.
	VIN string `koanf:"vin"`

	// EID is the entity identification, colon-separated hex (6 bytes).
	EID string `koanf:"eid"`

	// GID is the group identification, colon-separated hex (6 bytes).
	GID string `koanf:"gid"`

	// LogicalAddress is the entity's logical address.
	LogicalAddress uint16 `koanf:"logical_address"`

	// FurtherAction is announced as the further action required byte.
	FurtherAction uint8 `koanf:"further_action"`

	// Announce sends one vehicle announcement at startup.
	Announce bool `koanf:"announce"`
}

// ConversationConfig describes one tester diagnostic conversation.
type ConversationConfig struct {
	// Name identifies the conversation; it must be unique.
	Name string `koanf:"name"`

	// SourceAddress is the tester logical address.
	SourceAddress uint16 `koanf:"source_address"`

	// TargetAddress is the ECU logical address.
	TargetAddress uint16 `koanf:"target_address"`

	// TargetIP is the DoIP entity's IP address. The port is doip.tcp_port.
	TargetIP string `koanf:"target_ip"`

	// P2ClientMax is the wait for the first response (0 = package default).
	P2ClientMax time.Duration `koanf:"p2_client_max"`

	// P2StarClientMax is the wait after each pending response
	// (0 = package default).
	P2StarClientMax time.Duration `koanf:"p2_star_client_max"`

	// RxBufferSize is the largest accepted response (0 = package default).
	RxBufferSize int `koanf:"rx_buffer_size"`
}

// TargetAddrPort joins TargetIP with port.
func (cc ConversationConfig) TargetAddrPort(port uint16) (netip.AddrPort, error) {
	addr, err := netip.ParseAddr(cc.TargetIP)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("parse conversation %s target_ip %q: %w", cc.Name, cc.TargetIP, err)
	}
	return netip.AddrPortFrom(addr, port), nil
}

// ECUConfig describes one simulated ECU channel and its scripted answers.
type ECUConfig struct {
	// LogicalAddress is the ECU logical address; it must be unique.
	LogicalAddress uint16 `koanf:"logical_address"`

	// Address overrides network.tcp_ip_address for this channel.
	Address string `koanf:"address"`

	// RoutingActivationCode is sent in routing activation responses. Nil
	// selects 0x10 (successful); 0x00 is a valid code.
	RoutingActivationCode *uint8 `koanf:"routing_activation_code"`

	// AckCode selects a negative acknowledgement when non-zero.
	AckCode uint8 `koanf:"ack_code"`

	// Response is the final UDS response in hex ("50 01").
	Response string `koanf:"response"`

	// PendingResponse is sent PendingCount times before Response.
	PendingResponse string `koanf:"pending_response"`

	// PendingCount is the number of pending responses.
	PendingCount uint8 `koanf:"pending_count"`
}

// RoutingCode returns the configured routing activation code or
// doip.RoutingSuccessful.
func (ec ECUConfig) RoutingCode() uint8 {
	if ec.RoutingActivationCode == nil {
		return doip.RoutingSuccessful
	}
	return *ec.RoutingActivationCode
}

// ResponseBytes decodes Response.
func (ec ECUConfig) ResponseBytes() ([]byte, error) {
	return ParseHexBytes(ec.Response)
}

// PendingResponseBytes decodes PendingResponse.
func (ec ECUConfig) PendingResponseBytes() ([]byte, error) {
	return ParseHexBytes(ec.PendingResponse)
}

// ListenAddr returns the ECU's TCP listen address, falling back to
// defaultIP when Address is empty.
func (ec ECUConfig) ListenAddr(defaultIP string, port uint16) (netip.AddrPort, error) {
	ip := ec.Address
	if ip == "" {
		ip = defaultIP
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("parse ecu %s address %q: %w",
			doip.FormatLogicalAddress(ec.LogicalAddress), ip, err)
	}
	return netip.AddrPortFrom(addr, port), nil
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
//
// Timers follow ISO 13400-2 Table 47: A_DoIP_Ctrl (2s) for routing
// activation, acknowledgement and the discovery window.
func DefaultConfig() *Config {
	return &Config{
		Health: HealthConfig{
			Addr: ":50051",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		DoIP: DoIPConfig{
			TCPPort:                  doip.DefaultPort,
			UDPPort:                  doip.DefaultPort,
			RoutingActivationTimeout: doip.DefaultRoutingActivationTimeout,
			AckTimeout:               doip.DefaultAckTimeout,
			DiscoveryTimeout:         doip.DefaultDiscoveryTimeout,
			MaxPendingResponses:      doip.DefaultMaxPendingResponses,
			ResponseDelay:            doip.DefaultResponseDelay,
			WriteTimeout:             2 * time.Second,
		},
		Network: NetworkConfig{
			TCPIPAddress:        "0.0.0.0",
			UDPIPAddress:        "0.0.0.0",
			UDPBroadcastAddress: "255.255.255.255",
		},
		Vehicle: VehicleConfig{
			LogicalAddress: 0x1000,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for godoip configuration.
// Variables are named DOIP_<section>_<key>, e.g., DOIP_LOG_LEVEL.
const envPrefix = "DOIP_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (DOIP_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults.
//
// Environment variable mapping (single-word keys only):
//
//	DOIP_HEALTH_ADDR   -> health.addr
//	DOIP_METRICS_ADDR  -> metrics.addr
//	DOIP_METRICS_PATH  -> metrics.path
//	DOIP_LOG_LEVEL     -> log.level
//	DOIP_LOG_FORMAT    -> log.format
//	DOIP_LOG_FILE      -> log.file
//	DOIP_VEHICLE_VIN   -> vehicle.vin
//	DOIP_VEHICLE_EID   -> vehicle.eid
//	DOIP_VEHICLE_GID   -> vehicle.gid
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	// DOIP_LOG_LEVEL -> log.level (strip prefix, lowercase, _ -> .).
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms DOIP_LOG_LEVEL -> log.level.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults sets the default config as the base koanf layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"health.addr":                     defaults.Health.Addr,
		"metrics.addr":                    defaults.Metrics.Addr,
		"metrics.path":                    defaults.Metrics.Path,
		"log.level":                       defaults.Log.Level,
		"log.format":                      defaults.Log.Format,
		"log.max_size_mb":                 defaults.Log.MaxSizeMB,
		"log.max_backups":                 defaults.Log.MaxBackups,
		"log.max_age_days":                defaults.Log.MaxAgeDays,
		"doip.tcp_port":                   defaults.DoIP.TCPPort,
		"doip.udp_port":                   defaults.DoIP.UDPPort,
		"doip.routing_activation_timeout": defaults.DoIP.RoutingActivationTimeout.String(),
		"doip.ack_timeout":                defaults.DoIP.AckTimeout.String(),
		"doip.discovery_timeout":          defaults.DoIP.DiscoveryTimeout.String(),
		"doip.max_pending_responses":      defaults.DoIP.MaxPendingResponses,
		"doip.response_delay":             defaults.DoIP.ResponseDelay.String(),
		"doip.write_timeout":              defaults.DoIP.WriteTimeout.String(),
		"network.tcp_ip_address":          defaults.Network.TCPIPAddress,
		"network.udp_ip_address":          defaults.Network.UDPIPAddress,
		"network.udp_broadcast_address":   defaults.Network.UDPBroadcastAddress,
		"vehicle.logical_address":         defaults.Vehicle.LogicalAddress,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyMetricsAddr indicates the metrics listen address is empty.
	ErrEmptyMetricsAddr = errors.New("metrics.addr must not be empty")

	// ErrInvalidLogFormat indicates an unknown log format.
	ErrInvalidLogFormat = errors.New("log.format must be json or text")

	// ErrInvalidTimeout indicates a non-positive protocol timer.
	ErrInvalidTimeout = errors.New("doip timeouts must be > 0")

	// ErrInvalidMaxPending indicates max_pending_responses is zero.
	ErrInvalidMaxPending = errors.New("doip.max_pending_responses must be >= 1")

	// ErrInvalidAddress indicates an unparsable network address.
	ErrInvalidAddress = errors.New("invalid IP address")

	// ErrInvalidVehicleIdentity indicates a malformed VIN, EID or GID.
	ErrInvalidVehicleIdentity = errors.New("invalid vehicle identity")

	// ErrEmptyConversationName indicates a conversation without a name.
	ErrEmptyConversationName = errors.New("conversation name must not be empty")

	// ErrDuplicateConversation indicates two conversations share a name.
	ErrDuplicateConversation = errors.New("duplicate conversation name")

	// ErrInvalidConversationTimer indicates a negative P2 or P2* value.
	ErrInvalidConversationTimer = errors.New("conversation p2 timers must be >= 0")

	// ErrDuplicateECU indicates two ECUs share a logical address.
	ErrDuplicateECU = errors.New("duplicate ecu logical address")

	// ErrInvalidHexPayload indicates a malformed scripted UDS response.
	ErrInvalidHexPayload = errors.New("invalid hex payload")

	// ErrSharedECUAddress indicates two ECUs resolve to the same TCP
	// listen address. A tester connection is served by one channel only,
	// so every ECU needs its own address.
	ErrSharedECUAddress = errors.New("ecus share a listen address")
)

// ValidLogFormats lists the recognized log format strings.
var ValidLogFormats = map[string]bool{
	"json": true,
	"text": true,
}

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Metrics.Addr == "" {
		return ErrEmptyMetricsAddr
	}

	if !ValidLogFormats[cfg.Log.Format] {
		return fmt.Errorf("log.format %q: %w", cfg.Log.Format, ErrInvalidLogFormat)
	}

	if err := validateDoIP(cfg.DoIP); err != nil {
		return err
	}

	if err := validateNetwork(cfg.Network); err != nil {
		return err
	}

	if err := validateVehicle(cfg.Vehicle); err != nil {
		return err
	}

	if err := validateConversations(cfg.Conversations); err != nil {
		return err
	}

	return validateECUs(cfg.ECUs, cfg.Network.TCPIPAddress)
}

func validateDoIP(dc DoIPConfig) error {
	timers := []struct {
		name string
		d    time.Duration
	}{
		{"routing_activation_timeout", dc.RoutingActivationTimeout},
		{"ack_timeout", dc.AckTimeout},
		{"discovery_timeout", dc.DiscoveryTimeout},
		{"write_timeout", dc.WriteTimeout},
	}
	for _, tm := range timers {
		if tm.d <= 0 {
			return fmt.Errorf("doip.%s %v: %w", tm.name, tm.d, ErrInvalidTimeout)
		}
	}
	if dc.ResponseDelay < 0 {
		return fmt.Errorf("doip.response_delay %v: %w", dc.ResponseDelay, ErrInvalidTimeout)
	}
	if dc.MaxPendingResponses < 1 {
		return ErrInvalidMaxPending
	}
	return nil
}

func validateNetwork(nc NetworkConfig) error {
	fields := []struct {
		name  string
		value string
	}{
		{"tcp_ip_address", nc.TCPIPAddress},
		{"udp_ip_address", nc.UDPIPAddress},
		{"udp_broadcast_address", nc.UDPBroadcastAddress},
	}
	for _, f := range fields {
		if _, err := netip.ParseAddr(f.value); err != nil {
			return fmt.Errorf("network.%s %q: %w: %w", f.name, f.value, ErrInvalidAddress, err)
		}
	}
	return nil
}

func validateVehicle(vc VehicleConfig) error {
	if vc.VIN != "" {
		if _, err := doip.ParseVIN(vc.VIN); err != nil {
			return fmt.Errorf("vehicle.vin: %w: %w", ErrInvalidVehicleIdentity, err)
		}
	}
	if vc.EID != "" {
		if _, err := doip.ParseHexN(vc.EID, doip.EIDLen); err != nil {
			return fmt.Errorf("vehicle.eid: %w: %w", ErrInvalidVehicleIdentity, err)
		}
	}
	if vc.GID != "" {
		if _, err := doip.ParseHexN(vc.GID, doip.GIDLen); err != nil {
			return fmt.Errorf("vehicle.gid: %w: %w", ErrInvalidVehicleIdentity, err)
		}
	}
	return nil
}

// validateConversations checks each tester conversation entry.
func validateConversations(convs []ConversationConfig) error {
	seen := make(map[string]struct{}, len(convs))

	for i, cc := range convs {
		if cc.Name == "" {
			return fmt.Errorf("conversations[%d]: %w", i, ErrEmptyConversationName)
		}
		if _, dup := seen[cc.Name]; dup {
			return fmt.Errorf("conversations[%d] name %q: %w", i, cc.Name, ErrDuplicateConversation)
		}
		seen[cc.Name] = struct{}{}

		if _, err := netip.ParseAddr(cc.TargetIP); err != nil {
			return fmt.Errorf("conversations[%d] target_ip %q: %w: %w", i, cc.TargetIP, ErrInvalidAddress, err)
		}
		if cc.P2ClientMax < 0 || cc.P2StarClientMax < 0 {
			return fmt.Errorf("conversations[%d]: %w", i, ErrInvalidConversationTimer)
		}
	}

	return nil
}

// validateECUs checks each simulated ECU entry. ECUs without an address
// listen on defaultIP.
func validateECUs(ecus []ECUConfig, defaultIP string) error {
	seen := make(map[uint16]struct{}, len(ecus))
	listeners := make(map[netip.AddrPort]int, len(ecus))

	for i, ec := range ecus {
		if _, dup := seen[ec.LogicalAddress]; dup {
			return fmt.Errorf("ecus[%d] logical_address %s: %w",
				i, doip.FormatLogicalAddress(ec.LogicalAddress), ErrDuplicateECU)
		}
		seen[ec.LogicalAddress] = struct{}{}

		if ec.Address != "" {
			if _, err := netip.ParseAddr(ec.Address); err != nil {
				return fmt.Errorf("ecus[%d] address %q: %w: %w", i, ec.Address, ErrInvalidAddress, err)
			}
		}
		local, err := ec.ListenAddr(defaultIP, 0)
		if err != nil {
			return fmt.Errorf("ecus[%d]: %w: %w", i, ErrInvalidAddress, err)
		}
		if first, dup := listeners[local]; dup {
			return fmt.Errorf("ecus[%d] and ecus[%d] address %s: %w", first, i, local.Addr(), ErrSharedECUAddress)
		}
		listeners[local] = i
		if _, err := ec.ResponseBytes(); err != nil {
			return fmt.Errorf("ecus[%d] response: %w", i, err)
		}
		if _, err := ec.PendingResponseBytes(); err != nil {
			return fmt.Errorf("ecus[%d] pending_response: %w", i, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Parsing Helpers
// -------------------------------------------------------------------------

// ParseHexBytes decodes a UDS payload written as whitespace-separated hex
// bytes ("50 01"), colon-separated pairs ("50:01"), or a compact string
// ("5001"). An empty string yields nil.
func ParseHexBytes(s string) ([]byte, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil, nil
	}
	b, err := doip.ParseHex(strings.Join(fields, ":"))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidHexPayload, err)
	}
	return b, nil
}

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
