package doip

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"slices"
	"sync"
)

// -------------------------------------------------------------------------
// Manager Errors
// -------------------------------------------------------------------------

// Sentinel errors for Manager operations.
var (
	// ErrManagerClosed indicates the Manager was closed.
	ErrManagerClosed = errors.New("connection manager closed")

	// ErrChannelNotFound indicates no channel exists for the logical address.
	ErrChannelNotFound = errors.New("channel not found")
)

// -------------------------------------------------------------------------
// Manager: owns channels, acceptors, and UDP connections
// -------------------------------------------------------------------------

// Manager creates and owns the entity-side Channels (one per logical
// address) and the UDP connections (one per local address). Channels that
// listen on the same local address share one Acceptor.
//
// Find-or-create is serialized by a single mutex; once registered, an
// entry is never replaced until Close.
type Manager struct {
	transport   Transport
	metrics     MetricsReporter
	channelOpts []ChannelOption
	logger      *slog.Logger

	mu        sync.Mutex
	channels  map[uint16]*Channel
	acceptors map[netip.AddrPort]Acceptor
	udp       map[netip.AddrPort]*UDPConnection
	closed    bool
}

// ManagerOption configures optional Manager parameters.
type ManagerOption func(*Manager)

// WithManagerMetrics sets the MetricsReporter passed to every channel.
func WithManagerMetrics(mr MetricsReporter) ManagerOption {
	return func(m *Manager) {
		if mr != nil {
			m.metrics = mr
		}
	}
}

// WithChannelOptions appends options applied to every channel the Manager
// creates.
func WithChannelOptions(opts ...ChannelOption) ManagerOption {
	return func(m *Manager) {
		m.channelOpts = append(m.channelOpts, opts...)
	}
}

// NewManager creates an empty Manager that opens sockets through transport.
func NewManager(transport Transport, logger *slog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		transport: transport,
		metrics:   noopMetrics{},
		channels:  make(map[uint16]*Channel),
		acceptors: make(map[netip.AddrPort]Acceptor),
		udp:       make(map[netip.AddrPort]*UDPConnection),
		logger:    logger.With(slog.String("component", "doip.manager")),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// FindOrCreateTcpConnection returns the Channel for logicalAddress,
// creating it with an acceptor on local when it does not exist yet. The
// returned channel is not initialized.
//
//nolint:revive // name kept consistent with FindOrCreateUdpConnection.
func (m *Manager) FindOrCreateTcpConnection(ctx context.Context, logicalAddress uint16, local netip.AddrPort) (*Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}
	if ch, ok := m.channels[logicalAddress]; ok {
		return ch, nil
	}

	acc, ok := m.acceptors[local]
	if !ok {
		var err error
		acc, err = m.transport.ListenTCP(ctx, local)
		if err != nil {
			return nil, fmt.Errorf("create channel %s: listen %s: %w",
				FormatLogicalAddress(logicalAddress), local, err)
		}
		m.acceptors[local] = acc
		m.logger.Info("tcp listener opened", slog.String("local", acc.Addr().String()))
	}

	opts := append([]ChannelOption{WithChannelMetrics(m.metrics)}, m.channelOpts...)
	ch := NewChannel(logicalAddress, acc, m.logger, opts...)
	m.channels[logicalAddress] = ch
	m.metrics.RegisterChannel(logicalAddress)

	m.logger.Info("channel created",
		slog.String("logical_address", FormatLogicalAddress(logicalAddress)),
		slog.String("local", acc.Addr().String()),
	)
	return ch, nil
}

// FindOrCreateUdpConnection returns the UDPConnection bound to local,
// opening it when it does not exist yet. The receive loop is not started.
//
//nolint:revive // matches the DoIP connection manager vocabulary.
func (m *Manager) FindOrCreateUdpConnection(ctx context.Context, local netip.AddrPort, broadcast bool) (*UDPConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}
	if u, ok := m.udp[local]; ok {
		return u, nil
	}

	ep, err := m.transport.ListenUDP(ctx, local, broadcast)
	if err != nil {
		return nil, fmt.Errorf("create udp connection %s: %w", local, err)
	}
	u := NewUDPConnection(ep, broadcast, m.logger)
	m.udp[local] = u

	m.logger.Info("udp connection created",
		slog.String("local", ep.LocalAddr().String()),
		slog.Bool("broadcast", broadcast),
	)
	return u, nil
}

// Lookup returns the channel registered for logicalAddress.
func (m *Manager) Lookup(logicalAddress uint16) (*Channel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[logicalAddress]
	return ch, ok
}

// Channels returns snapshots of all channels ordered by logical address.
func (m *Manager) Channels() []ChannelSnapshot {
	m.mu.Lock()
	chs := make([]*Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		chs = append(chs, ch)
	}
	m.mu.Unlock()

	snaps := make([]ChannelSnapshot, 0, len(chs))
	for _, ch := range chs {
		snaps = append(snaps, ch.Snapshot())
	}
	slices.SortFunc(snaps, func(a, b ChannelSnapshot) int {
		return cmp.Compare(a.LogicalAddress, b.LogicalAddress)
	})
	return snaps
}

// Close closes every channel, acceptor, and UDP connection. Subsequent
// find-or-create calls return ErrManagerClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	channels := m.channels
	acceptors := m.acceptors
	udp := m.udp
	m.channels = make(map[uint16]*Channel)
	m.acceptors = make(map[netip.AddrPort]Acceptor)
	m.udp = make(map[netip.AddrPort]*UDPConnection)
	m.mu.Unlock()

	var errs []error

	// Acceptors first so that channels blocked in Accept return at once.
	for local, acc := range acceptors {
		if err := acc.Close(); err != nil && !errors.Is(err, ErrClosed) {
			errs = append(errs, fmt.Errorf("close listener %s: %w", local, err))
		}
	}
	for la, ch := range channels {
		if err := ch.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close channel %s: %w", FormatLogicalAddress(la), err))
		}
		m.metrics.UnregisterChannel(la)
	}
	for _, u := range udp {
		if err := u.Stop(); err != nil {
			errs = append(errs, err)
		}
	}

	m.logger.Info("connection manager closed",
		slog.Int("channels", len(channels)),
		slog.Int("udp_connections", len(udp)),
	)
	return errors.Join(errs...)
}
