package dcm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/dantte-lp/godoip/internal/config"
	"github.com/dantte-lp/godoip/internal/doip"
)

// ErrServerClosed indicates Start was called on a closed Server.
var ErrServerClosed = errors.New("server closed")

// -------------------------------------------------------------------------
// Server: DoIP entity role
// -------------------------------------------------------------------------

// Server hosts one Channel per configured ECU and answers vehicle
// identification requests with the configured vehicle identity.
type Server struct {
	cfg       *config.Config
	transport doip.Transport
	opts      options
	logger    *slog.Logger

	mu        sync.Mutex
	mgr       *doip.Manager
	responder *doip.VdConversation
	udp       *doip.UDPConnection
	started   bool
	closed    bool
}

// ServerSnapshot describes the running entity.
type ServerSnapshot struct {
	Vehicle  doip.VehicleAnnouncement
	UDPAddr  netip.AddrPort
	Channels []doip.ChannelSnapshot
}

// NewServer creates a Server for cfg. Nothing is opened until Start.
func NewServer(cfg *config.Config, transport doip.Transport, logger *slog.Logger, opts ...Option) *Server {
	o := buildOptions(opts)
	logger = logger.With(slog.String("component", "dcm.server"))
	return &Server{
		cfg:       cfg,
		transport: transport,
		opts:      o,
		logger:    logger,
		mgr: doip.NewManager(transport, logger,
			doip.WithManagerMetrics(o.metrics),
			doip.WithChannelOptions(
				doip.WithResponseDelay(cfg.DoIP.ResponseDelay),
				doip.WithReaccept(),
			),
		),
	}
}

// Start opens the ECU channels and the UDP_DISCOVERY endpoint, starts the
// identification responder, and sends one vehicle announcement when
// vehicle.announce is set.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrServerClosed
	}
	if s.started {
		return nil
	}

	if err := s.applyECUsLocked(ctx, s.cfg.ECUs); err != nil {
		return err
	}

	if err := s.startResponderLocked(ctx); err != nil {
		return err
	}

	s.started = true
	s.logger.Info("doip entity started",
		slog.Int("ecus", len(s.cfg.ECUs)),
		slog.String("udp", s.udp.LocalAddr().String()),
		slog.String("logical_address", doip.FormatLogicalAddress(s.cfg.Vehicle.LogicalAddress)),
	)
	return nil
}

func (s *Server) startResponderLocked(ctx context.Context) error {
	localIP, err := netip.ParseAddr(s.cfg.Network.UDPIPAddress)
	if err != nil {
		return fmt.Errorf("start responder: udp_ip_address: %w", err)
	}
	bcastIP, err := netip.ParseAddr(s.cfg.Network.UDPBroadcastAddress)
	if err != nil {
		return fmt.Errorf("start responder: udp_broadcast_address: %w", err)
	}

	udp, err := s.mgr.FindOrCreateUdpConnection(ctx,
		netip.AddrPortFrom(localIP, s.cfg.DoIP.UDPPort), s.cfg.Vehicle.Announce)
	if err != nil {
		return fmt.Errorf("start responder: %w", err)
	}

	vc := s.cfg.Vehicle
	vd, err := doip.NewVdConversation(doip.VdConfig{
		Name:             "entity",
		VIN:              vc.VIN,
		EID:              vc.EID,
		GID:              vc.GID,
		LogicalAddress:   vc.LogicalAddress,
		FurtherAction:    vc.FurtherAction,
		BroadcastAddress: netip.AddrPortFrom(bcastIP, s.cfg.DoIP.UDPPort),
	}, s.logger, doip.WithVdMetrics(s.opts.metrics))
	if err != nil {
		return fmt.Errorf("start responder: %w", err)
	}
	vd.RegisterConnection(udp)
	vd.Startup(ctx)

	if vc.Announce {
		if err := vd.Announce(ctx); err != nil {
			s.logger.Warn("vehicle announcement failed",
				slog.String("error", err.Error()),
			)
		}
	}

	s.responder = vd
	s.udp = udp
	return nil
}

// ApplyECUs creates channels for ECUs that do not exist yet and updates
// the scripted answers of existing ones. Channels of ECUs missing from
// ecus are left running until Close.
func (s *Server) ApplyECUs(ctx context.Context, ecus []config.ECUConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrServerClosed
	}
	return s.applyECUsLocked(ctx, ecus)
}

func (s *Server) applyECUsLocked(ctx context.Context, ecus []config.ECUConfig) error {
	for _, ec := range ecus {
		local, err := ec.ListenAddr(s.cfg.Network.TCPIPAddress, s.cfg.DoIP.TCPPort)
		if err != nil {
			return fmt.Errorf("apply ecu: %w", err)
		}
		ch, err := s.mgr.FindOrCreateTcpConnection(ctx, ec.LogicalAddress, local)
		if err != nil {
			return fmt.Errorf("apply ecu: %w", err)
		}
		if err := configureChannel(ch, ec); err != nil {
			return fmt.Errorf("apply ecu %s: %w", doip.FormatLogicalAddress(ec.LogicalAddress), err)
		}
		ch.Initialize()
	}
	return nil
}

// configureChannel installs the scripted answers of ec on ch.
func configureChannel(ch *doip.Channel, ec config.ECUConfig) error {
	resp, err := ec.ResponseBytes()
	if err != nil {
		return err
	}
	pending, err := ec.PendingResponseBytes()
	if err != nil {
		return err
	}

	ch.SetExpectedRoutingActivationResponseToBeSent(ec.RoutingCode())
	ch.SetExpectedDiagnosticMessageAckResponseToBeSend(ec.AckCode)
	ch.SetExpectedDiagnosticMessageUdsMessageToBeSend(resp)
	ch.SetExpectedDiagnosticMessageWithPendingUdsMessageToBeSend(pending, ec.PendingCount)
	return nil
}

// Ready reports whether Start completed and the server is not closed.
func (s *Server) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.closed
}

// Snapshot returns the entity identity, the UDP address, and the channels.
func (s *Server) Snapshot() ServerSnapshot {
	s.mu.Lock()
	vd, udp := s.responder, s.udp
	s.mu.Unlock()

	snap := ServerSnapshot{Channels: s.mgr.Channels()}
	if vd != nil {
		snap.Vehicle = vd.Announcement()
	}
	if udp != nil {
		snap.UDPAddr = udp.LocalAddr()
	}
	return snap
}

// Close stops the responder and closes every channel and socket.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	vd := s.responder
	s.mu.Unlock()

	if vd != nil {
		vd.Shutdown()
	}
	if err := s.mgr.Close(); err != nil {
		return fmt.Errorf("close server: %w", err)
	}
	s.logger.Info("doip entity stopped")
	return nil
}
