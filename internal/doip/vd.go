package doip

import (
	"bytes"
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"slices"
	"sync"
	"time"
)

// DefaultDiscoveryTimeout is how long SendVehicleIdentificationRequest
// collects announcements (ISO 13400 A_DoIP_Ctrl).
const DefaultDiscoveryTimeout = 2 * time.Second

// Vehicle identification preselection modes.
const (
	PreselectionNone uint8 = 0
	PreselectionVIN  uint8 = 1
	PreselectionEID  uint8 = 2
)

// VehicleResponseResult is the outcome of SendVehicleIdentificationRequest.
type VehicleResponseResult uint8

const (
	// VehicleStatusOk means at least one vehicle answered.
	VehicleStatusOk VehicleResponseResult = iota
	// VehicleNoResponseReceived means no vehicle answered within the window.
	VehicleNoResponseReceived
	// VehicleInvalidParameters means the preselection was rejected before I/O.
	VehicleInvalidParameters
	// VehicleTransmitFailed means the broadcast could not be sent.
	VehicleTransmitFailed
)

// String returns the human-readable vehicle response result.
func (r VehicleResponseResult) String() string {
	switch r {
	case VehicleStatusOk:
		return "StatusOk"
	case VehicleNoResponseReceived:
		return "NoResponseReceived"
	case VehicleInvalidParameters:
		return "InvalidParameters"
	case VehicleTransmitFailed:
		return "TransmitFailed"
	default:
		return unknownStr
	}
}

// VehicleInfoRequest selects which vehicles should answer. The value is
// empty for PreselectionNone, a 17-character VIN for PreselectionVIN, and
// an EID in colon-separated hex for PreselectionEID.
type VehicleInfoRequest struct {
	PreselectionMode  uint8
	PreselectionValue string
}

// VehicleAddrInfo describes one vehicle that answered a discovery request.
type VehicleAddrInfo struct {
	IPAddress      netip.Addr
	LogicalAddress uint16
	VIN            string
	EID            string
	GID            string
}

// VdConfig holds the vehicle identity announced by the responder role and
// the broadcast parameters of the collector role.
type VdConfig struct {
	Name             string
	VIN              string
	EID              string
	GID              string
	LogicalAddress   uint16
	FurtherAction    uint8
	BroadcastAddress netip.AddrPort
	DiscoveryTimeout time.Duration
}

// -------------------------------------------------------------------------
// VdConversation
// -------------------------------------------------------------------------

// VdConversation implements vehicle discovery over one UDPConnection. As a
// responder it answers identification requests that match its VIN or EID;
// as a collector it broadcasts requests and gathers the announcements into
// a collection keyed by logical address.
type VdConversation struct {
	cfg     VdConfig
	vin     [VINLen]byte
	eid     [EIDLen]byte
	gid     [GIDLen]byte
	metrics MetricsReporter
	logger  *slog.Logger

	// reqMu serializes discovery requests.
	reqMu sync.Mutex

	mu     sync.Mutex
	conn   *UDPConnection
	exec   *Executor
	ctx    context.Context
	cancel context.CancelFunc

	// collMu guards collection and the preselection of the request in
	// flight. It is written from the receive goroutine and read by the
	// requesting goroutine.
	collMu     sync.Mutex
	collection map[uint16]VehicleAddrInfo
	collecting bool
	filter     VehicleIdentificationRequest
}

// VdOption configures optional VdConversation parameters.
type VdOption func(*VdConversation)

// WithVdMetrics sets the MetricsReporter for discovery outcomes.
func WithVdMetrics(mr MetricsReporter) VdOption {
	return func(v *VdConversation) {
		if mr != nil {
			v.metrics = mr
		}
	}
}

// NewVdConversation validates the identity in cfg and creates an inactive
// conversation. Empty VIN, EID, or GID fields announce as zero bytes.
func NewVdConversation(cfg VdConfig, logger *slog.Logger, opts ...VdOption) (*VdConversation, error) {
	if cfg.DiscoveryTimeout <= 0 {
		cfg.DiscoveryTimeout = DefaultDiscoveryTimeout
	}

	v := &VdConversation{
		cfg:        cfg,
		metrics:    noopMetrics{},
		collection: make(map[uint16]VehicleAddrInfo),
		logger: logger.With(
			slog.String("component", "doip.vd"),
			slog.String("conversation", cfg.Name),
		),
	}

	if cfg.VIN != "" {
		vin, err := ParseVIN(cfg.VIN)
		if err != nil {
			return nil, fmt.Errorf("vd conversation %s: %w", cfg.Name, err)
		}
		v.vin = vin
	}
	if cfg.EID != "" {
		eid, err := ParseHexN(cfg.EID, EIDLen)
		if err != nil {
			return nil, fmt.Errorf("vd conversation %s: eid: %w", cfg.Name, err)
		}
		copy(v.eid[:], eid)
	}
	if cfg.GID != "" {
		gid, err := ParseHexN(cfg.GID, GIDLen)
		if err != nil {
			return nil, fmt.Errorf("vd conversation %s: gid: %w", cfg.Name, err)
		}
		copy(v.gid[:], gid)
	}

	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// RegisterConnection binds the conversation to u and installs it as the
// connection's datagram handler.
func (v *VdConversation) RegisterConnection(u *UDPConnection) {
	v.mu.Lock()
	v.conn = u
	v.mu.Unlock()
	u.SetHandler(v)
}

// Startup starts the executor and the connection's receive loop.
func (v *VdConversation) Startup(ctx context.Context) {
	v.mu.Lock()
	if v.exec != nil {
		v.mu.Unlock()
		return
	}
	v.ctx, v.cancel = context.WithCancel(context.WithoutCancel(ctx))
	v.exec = NewExecutor("vd-"+v.cfg.Name, v.logger)
	conn := v.conn
	v.mu.Unlock()

	if conn != nil {
		conn.Start(ctx)
	}
	v.logger.Info("vehicle discovery started")
}

// Shutdown stops the executor. The UDP connection is owned by the Manager.
func (v *VdConversation) Shutdown() {
	v.mu.Lock()
	exec, cancel := v.exec, v.cancel
	v.exec, v.cancel = nil, nil
	v.mu.Unlock()

	if exec == nil {
		return
	}
	cancel()
	exec.Shutdown()
	v.logger.Info("vehicle discovery stopped")
}

// HandleDatagram routes identification requests to IndicateMessage and
// announcements to HandleMessage.
func (v *VdConversation) HandleDatagram(msg Message) {
	switch msg.PayloadType {
	case PayloadVehicleIdentificationRequest,
		PayloadVehicleIdentificationRequestEID,
		PayloadVehicleIdentificationRequestVIN:
		v.IndicateMessage(msg)
	case PayloadVehicleAnnouncement:
		v.HandleMessage(msg)
	default:
		v.logger.Debug("unexpected datagram dropped",
			slog.String("payload_type", msg.PayloadType.String()),
		)
	}
}

// -------------------------------------------------------------------------
// Responder Role
// -------------------------------------------------------------------------

// IndicateMessage checks an identification request against the own VIN or
// EID and, on a match, enqueues a unicast response to the requester.
func (v *VdConversation) IndicateMessage(msg Message) {
	req, err := ParseVehicleIdentificationRequest(msg.PayloadType, msg.Payload)
	if err != nil {
		v.logger.Warn("invalid vehicle identification request",
			slog.String("remote", msg.Remote.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	switch {
	case len(req.VIN) > 0 && !bytes.Equal(req.VIN, v.vin[:]):
		v.logger.Debug("vin does not match, request ignored",
			slog.String("vin", FormatASCII(req.VIN)),
		)
		return
	case len(req.EID) > 0 && !bytes.Equal(req.EID, v.eid[:]):
		v.logger.Debug("eid does not match, request ignored",
			slog.String("eid", FormatHex(req.EID)),
		)
		return
	}

	v.mu.Lock()
	exec, ctx := v.exec, v.ctx
	v.mu.Unlock()
	if exec == nil {
		return
	}

	remote := msg.Remote
	exec.Enqueue(func() {
		if err := v.SendVehicleIdentificationResponse(ctx, remote); err != nil {
			v.logger.Warn("send vehicle identification response failed",
				slog.String("remote", remote.String()),
				slog.String("error", err.Error()),
			)
		}
	})
}

// SendVehicleIdentificationResponse sends the own announcement to dst.
func (v *VdConversation) SendVehicleIdentificationResponse(ctx context.Context, dst netip.AddrPort) error {
	conn := v.connection()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Transmit(ctx, PayloadVehicleAnnouncement, v.Announcement().Marshal(), dst)
}

// Announce broadcasts the own announcement to the broadcast address.
func (v *VdConversation) Announce(ctx context.Context) error {
	return v.SendVehicleIdentificationResponse(ctx, v.cfg.BroadcastAddress)
}

// Announcement returns the payload this conversation answers with.
func (v *VdConversation) Announcement() VehicleAnnouncement {
	return VehicleAnnouncement{
		VIN:            v.vin,
		LogicalAddress: v.cfg.LogicalAddress,
		EID:            v.eid,
		GID:            v.gid,
		FurtherAction:  v.cfg.FurtherAction,
	}
}

// -------------------------------------------------------------------------
// Collector Role
// -------------------------------------------------------------------------

// HandleMessage records an announcement in the collection, replacing any
// earlier entry for the same logical address. Announcements arriving while
// no request is in flight, or not matching its VIN or EID, are dropped.
func (v *VdConversation) HandleMessage(msg Message) {
	ann, err := ParseVehicleAnnouncement(msg.Payload)
	if err != nil {
		v.logger.Warn("invalid vehicle announcement",
			slog.String("remote", msg.Remote.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	info := VehicleAddrInfo{
		IPAddress:      msg.Remote.Addr(),
		LogicalAddress: ann.LogicalAddress,
		VIN:            string(ann.VIN[:]),
		EID:            FormatHex(ann.EID[:]),
		GID:            FormatHex(ann.GID[:]),
	}

	v.collMu.Lock()
	if !v.collecting || !v.filter.Matches(ann) {
		v.collMu.Unlock()
		v.logger.Debug("vehicle announcement ignored",
			slog.String("remote", msg.Remote.String()),
			slog.String("logical_address", FormatLogicalAddress(info.LogicalAddress)),
		)
		return
	}
	v.collection[info.LogicalAddress] = info
	v.collMu.Unlock()

	v.logger.Debug("vehicle announcement received",
		slog.String("remote", msg.Remote.String()),
		slog.String("logical_address", FormatLogicalAddress(info.LogicalAddress)),
	)
}

// SendVehicleIdentificationRequest validates req, broadcasts the matching
// identification request, waits the discovery timeout, and hands over the
// vehicles that announced themselves during that window.
func (v *VdConversation) SendVehicleIdentificationRequest(ctx context.Context, req VehicleInfoRequest) (VehicleResponseResult, []VehicleAddrInfo) {
	idReq, ok := buildIdentificationRequest(req)
	if !ok {
		v.logger.Warn("invalid vehicle identification preselection",
			slog.Int("mode", int(req.PreselectionMode)),
			slog.String("value", req.PreselectionValue),
		)
		v.metrics.RecordDiscovery(VehicleInvalidParameters, 0)
		return VehicleInvalidParameters, nil
	}

	v.reqMu.Lock()
	defer v.reqMu.Unlock()

	conn := v.connection()
	if conn == nil {
		v.metrics.RecordDiscovery(VehicleTransmitFailed, 0)
		return VehicleTransmitFailed, nil
	}

	v.startCollection(idReq)
	if err := conn.Transmit(ctx, idReq.PayloadType(), idReq.Marshal(), v.cfg.BroadcastAddress); err != nil {
		v.logger.Warn("broadcast vehicle identification request failed",
			slog.String("error", err.Error()),
		)
		v.takeCollection()
		v.metrics.RecordDiscovery(VehicleTransmitFailed, 0)
		return VehicleTransmitFailed, nil
	}

	t := time.NewTimer(v.cfg.DiscoveryTimeout)
	select {
	case <-t.C:
	case <-ctx.Done():
		t.Stop()
	}

	vehicles := v.takeCollection()
	if len(vehicles) == 0 {
		v.metrics.RecordDiscovery(VehicleNoResponseReceived, 0)
		return VehicleNoResponseReceived, nil
	}

	v.logger.Info("vehicles discovered", slog.Int("count", len(vehicles)))
	v.metrics.RecordDiscovery(VehicleStatusOk, len(vehicles))
	return VehicleStatusOk, vehicles
}

// startCollection clears the collection and accepts announcements that
// match filter until takeCollection.
func (v *VdConversation) startCollection(filter VehicleIdentificationRequest) {
	v.collMu.Lock()
	clear(v.collection)
	v.collecting = true
	v.filter = filter
	v.collMu.Unlock()
}

// takeCollection ends collecting and returns the collected vehicles ordered
// by logical address.
func (v *VdConversation) takeCollection() []VehicleAddrInfo {
	v.collMu.Lock()
	defer v.collMu.Unlock()

	v.collecting = false
	v.filter = VehicleIdentificationRequest{}
	if len(v.collection) == 0 {
		return nil
	}
	out := make([]VehicleAddrInfo, 0, len(v.collection))
	for _, info := range v.collection {
		out = append(out, info)
	}
	clear(v.collection)

	slices.SortFunc(out, func(a, b VehicleAddrInfo) int {
		return cmp.Compare(a.LogicalAddress, b.LogicalAddress)
	})
	return out
}

func (v *VdConversation) connection() *UDPConnection {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.conn
}

// buildIdentificationRequest maps a preselection to the wire request.
func buildIdentificationRequest(req VehicleInfoRequest) (VehicleIdentificationRequest, bool) {
	switch req.PreselectionMode {
	case PreselectionNone:
		if req.PreselectionValue != "" {
			return VehicleIdentificationRequest{}, false
		}
		return VehicleIdentificationRequest{}, true

	case PreselectionVIN:
		vin, err := ParseVIN(req.PreselectionValue)
		if err != nil {
			return VehicleIdentificationRequest{}, false
		}
		return VehicleIdentificationRequest{VIN: vin[:]}, true

	case PreselectionEID:
		eid, err := ParseHexN(req.PreselectionValue, EIDLen)
		if err != nil {
			return VehicleIdentificationRequest{}, false
		}
		return VehicleIdentificationRequest{EID: eid}, true

	default:
		return VehicleIdentificationRequest{}, false
	}
}
