package doip

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"sync"
)

// -------------------------------------------------------------------------
// Protocol Constants: ISO 13400-2 generic header
// -------------------------------------------------------------------------

// ProtocolVersion is the DoIP protocol version sent in every generic header
// (ISO 13400-2:2012).
const ProtocolVersion uint8 = 0x02

// HeaderSize is the size of the DoIP generic header in bytes:
// version, inverse version, payload type (2) and payload length (4).
const HeaderSize = 8

// DefaultPort is the UDP_DISCOVERY and TCP_DATA port assigned to DoIP.
const DefaultPort uint16 = 13400

// MaxPayloadSize bounds the payload length accepted from the wire. Larger
// frames are answered with a generic NACK and dropped.
const MaxPayloadSize = 64 * 1024

// MaxFrameSize is the largest frame the codec accepts.
const MaxFrameSize = HeaderSize + MaxPayloadSize

const (
	unknownStr = "Unknown"
	unknownFmt = "Unknown(0x%04x)"
)

// PayloadType identifies the DoIP payload carried after the generic header.
type PayloadType uint16

// DoIP payload types used by this implementation.
const (
	PayloadGenericNack                     PayloadType = 0x0000
	PayloadVehicleIdentificationRequest    PayloadType = 0x0001
	PayloadVehicleIdentificationRequestEID PayloadType = 0x0002
	PayloadVehicleIdentificationRequestVIN PayloadType = 0x0003
	PayloadVehicleAnnouncement             PayloadType = 0x0004
	PayloadRoutingActivationRequest        PayloadType = 0x0005
	PayloadRoutingActivationResponse       PayloadType = 0x0006
	PayloadAliveCheckRequest               PayloadType = 0x0007
	PayloadAliveCheckResponse              PayloadType = 0x0008
	PayloadDiagnosticMessage               PayloadType = 0x8001
	PayloadDiagnosticMessagePositiveAck    PayloadType = 0x8002
	PayloadDiagnosticMessageNegativeAck    PayloadType = 0x8003
)

// String returns the human-readable payload type name.
func (p PayloadType) String() string {
	switch p {
	case PayloadGenericNack:
		return "GenericNack"
	case PayloadVehicleIdentificationRequest:
		return "VehicleIdentificationRequest"
	case PayloadVehicleIdentificationRequestEID:
		return "VehicleIdentificationRequestEID"
	case PayloadVehicleIdentificationRequestVIN:
		return "VehicleIdentificationRequestVIN"
	case PayloadVehicleAnnouncement:
		return "VehicleAnnouncement"
	case PayloadRoutingActivationRequest:
		return "RoutingActivationRequest"
	case PayloadRoutingActivationResponse:
		return "RoutingActivationResponse"
	case PayloadAliveCheckRequest:
		return "AliveCheckRequest"
	case PayloadAliveCheckResponse:
		return "AliveCheckResponse"
	case PayloadDiagnosticMessage:
		return "DiagnosticMessage"
	case PayloadDiagnosticMessagePositiveAck:
		return "DiagnosticMessagePositiveAck"
	case PayloadDiagnosticMessageNegativeAck:
		return "DiagnosticMessageNegativeAck"
	default:
		return fmt.Sprintf(unknownFmt, uint16(p))
	}
}

// Known reports whether p is one of the payload types handled by this package.
func (p PayloadType) Known() bool {
	return p.String() != fmt.Sprintf(unknownFmt, uint16(p))
}

// -------------------------------------------------------------------------
// Response Codes
// -------------------------------------------------------------------------

// Routing activation response codes.
const (
	RoutingUnknownSourceAddress   uint8 = 0x00
	RoutingAllSocketsRegistered   uint8 = 0x01
	RoutingDifferentSourceAddress uint8 = 0x02
	RoutingSourceAddressActive    uint8 = 0x03
	RoutingMissingAuthentication  uint8 = 0x04
	RoutingRejectedConfirmation   uint8 = 0x05
	RoutingUnsupportedType        uint8 = 0x06
	RoutingSuccessful             uint8 = 0x10
	RoutingConfirmationRequired   uint8 = 0x11
)

// Diagnostic message acknowledgement codes. AckConfirm is the only positive
// code; all others are sent with PayloadDiagnosticMessageNegativeAck.
const (
	AckConfirm               uint8 = 0x00
	NackInvalidSourceAddress uint8 = 0x02
	NackUnknownTargetAddress uint8 = 0x03
	NackMessageTooLarge      uint8 = 0x04
	NackOutOfMemory          uint8 = 0x05
	NackTargetUnreachable    uint8 = 0x06
	NackUnknownNetwork       uint8 = 0x07
	NackTransportProtocol    uint8 = 0x08
)

// Generic header negative acknowledgement codes.
const (
	GenericNackIncorrectPattern     uint8 = 0x00
	GenericNackUnknownPayloadType   uint8 = 0x01
	GenericNackMessageTooLarge      uint8 = 0x02
	GenericNackOutOfMemory          uint8 = 0x03
	GenericNackInvalidPayloadLength uint8 = 0x04
)

// Routing activation types.
const (
	ActivationDefault       uint8 = 0x00
	ActivationWWHOBD        uint8 = 0x01
	ActivationCentralSecure uint8 = 0xE0
)

// Fixed payload lengths.
const (
	RoutingActivationRequestMinLen = 7
	RoutingActivationRequestMaxLen = 11
	RoutingActivationResponseLen   = 9
	DiagnosticMessageHeaderLen     = 4
	DiagnosticMessageMinLen        = 5
	DiagnosticAckLen               = 5
	AliveCheckResponseLen          = 2
	GenericNackLen                 = 1
	VINLen                         = 17
	EIDLen                         = 6
	GIDLen                         = 6
	VehicleAnnouncementLen         = 32
	VehicleAnnouncementSyncLen     = 33
)

// Vehicle announcement field offsets.
const (
	offsetVIN           = 0
	offsetLogicalAddr   = 17
	offsetEID           = 19
	offsetGID           = 25
	offsetFurtherAction = 31
	offsetSyncStatus    = 32
)

// -------------------------------------------------------------------------
// Codec Errors
// -------------------------------------------------------------------------

// Sentinel errors for frame and payload validation failures.
var (
	// ErrShortFrame indicates a frame shorter than the generic header.
	ErrShortFrame = errors.New("frame shorter than DoIP header")

	// ErrInvalidVersion indicates the version/inverse-version pair does not match.
	ErrInvalidVersion = errors.New("invalid protocol version pattern")

	// ErrPayloadTooLarge indicates the header announces a payload above MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("payload length exceeds maximum")

	// ErrLengthMismatch indicates the payload length field disagrees with the frame.
	ErrLengthMismatch = errors.New("payload length does not match frame size")

	// ErrBufTooSmall indicates the destination buffer cannot hold the encoding.
	ErrBufTooSmall = errors.New("buffer too small")

	// ErrInvalidPayload indicates a typed payload has an invalid length.
	ErrInvalidPayload = errors.New("invalid payload length")

	// ErrUnexpectedPayloadType indicates a typed decoder was fed the wrong payload type.
	ErrUnexpectedPayloadType = errors.New("unexpected payload type")
)

// -------------------------------------------------------------------------
// Generic Header
// -------------------------------------------------------------------------

// EncodeHeader writes the generic header into buf and returns the number of
// bytes written.
//
//	Byte 0:    protocol version
//	Byte 1:    inverse protocol version
//	Bytes 2-3: payload type (big-endian)
//	Bytes 4-7: payload length (big-endian)
func EncodeHeader(buf []byte, payloadType PayloadType, payloadLength uint32) (int, error) {
	if len(buf) < HeaderSize {
		return 0, fmt.Errorf("encode header: %w: need %d, have %d", ErrBufTooSmall, HeaderSize, len(buf))
	}
	buf[0] = ProtocolVersion
	buf[1] = ^ProtocolVersion
	binary.BigEndian.PutUint16(buf[2:4], uint16(payloadType))
	binary.BigEndian.PutUint32(buf[4:8], payloadLength)
	return HeaderSize, nil
}

// DecodePayloadType reads the payload type field of frame.
func DecodePayloadType(frame []byte) (PayloadType, error) {
	if len(frame) < HeaderSize {
		return 0, fmt.Errorf("decode payload type: %w: %d bytes", ErrShortFrame, len(frame))
	}
	return PayloadType(binary.BigEndian.Uint16(frame[2:4])), nil
}

// DecodePayloadLength reads the payload length field of frame.
func DecodePayloadLength(frame []byte) (uint32, error) {
	if len(frame) < HeaderSize {
		return 0, fmt.Errorf("decode payload length: %w: %d bytes", ErrShortFrame, len(frame))
	}
	return binary.BigEndian.Uint32(frame[4:8]), nil
}

// Header is the decoded DoIP generic header.
type Header struct {
	Version        uint8
	InverseVersion uint8
	PayloadType    PayloadType
	PayloadLength  uint32
}

// UnmarshalHeader decodes and validates the generic header at the start of
// frame. The payload itself is not required to be present, which lets
// stream readers size the payload read from the header alone.
func UnmarshalHeader(frame []byte) (Header, error) {
	if len(frame) < HeaderSize {
		return Header{}, fmt.Errorf("unmarshal header: %w: %d bytes", ErrShortFrame, len(frame))
	}
	h := Header{
		Version:        frame[0],
		InverseVersion: frame[1],
		PayloadType:    PayloadType(binary.BigEndian.Uint16(frame[2:4])),
		PayloadLength:  binary.BigEndian.Uint32(frame[4:8]),
	}
	if h.InverseVersion != ^h.Version {
		return h, fmt.Errorf("unmarshal header: %w: 0x%02x/0x%02x", ErrInvalidVersion, h.Version, h.InverseVersion)
	}
	if h.PayloadLength > MaxPayloadSize {
		return h, fmt.Errorf("unmarshal header: %w: %d", ErrPayloadTooLarge, h.PayloadLength)
	}
	return h, nil
}

// AppendFrame appends a complete frame (header and payload) to dst.
func AppendFrame(dst []byte, payloadType PayloadType, payload []byte) []byte {
	var hdr [HeaderSize]byte
	//nolint:gosec // G115: payload sizes are bounded by MaxPayloadSize.
	_, _ = EncodeHeader(hdr[:], payloadType, uint32(len(payload)))
	dst = append(dst, hdr[:]...)
	return append(dst, payload...)
}

// -------------------------------------------------------------------------
// Message
// -------------------------------------------------------------------------

// Origin records whether a datagram arrived via unicast or broadcast.
type Origin uint8

const (
	// OriginUnicast is the default for TCP frames and unicast datagrams.
	OriginUnicast Origin = iota
	// OriginBroadcast marks datagrams received on a broadcast address.
	OriginBroadcast
)

// String returns the origin name.
func (o Origin) String() string {
	if o == OriginBroadcast {
		return "broadcast"
	}
	return "unicast"
}

// Message is one parsed DoIP frame together with its transport metadata.
// Messages are not modified after ParseMessage returns.
type Message struct {
	Header
	Payload []byte
	Remote  netip.AddrPort
	Origin  Origin
}

// ParseMessage validates frame and returns the parsed Message. The payload
// is copied so the caller may recycle frame.
func ParseMessage(frame []byte) (Message, error) {
	h, err := UnmarshalHeader(frame)
	if err != nil {
		return Message{}, err
	}
	if uint64(len(frame)-HeaderSize) != uint64(h.PayloadLength) {
		return Message{}, fmt.Errorf("parse message: %w: header %d, frame %d",
			ErrLengthMismatch, h.PayloadLength, len(frame)-HeaderSize)
	}
	payload := make([]byte, h.PayloadLength)
	copy(payload, frame[HeaderSize:])
	return Message{Header: h, Payload: payload}, nil
}

// Frame re-encodes the message.
func (m Message) Frame() []byte {
	return AppendFrame(make([]byte, 0, HeaderSize+len(m.Payload)), m.PayloadType, m.Payload)
}

// -------------------------------------------------------------------------
// Typed Payloads
// -------------------------------------------------------------------------

// RoutingActivationRequest is [sourceAddr:2][activationType:1][reserved:4][oem:4]?.
type RoutingActivationRequest struct {
	SourceAddress  uint16
	ActivationType uint8
	OEM            []byte
}

// Marshal encodes the request payload.
func (r RoutingActivationRequest) Marshal() []byte {
	b := make([]byte, RoutingActivationRequestMinLen, RoutingActivationRequestMinLen+len(r.OEM))
	binary.BigEndian.PutUint16(b[0:2], r.SourceAddress)
	b[2] = r.ActivationType
	return append(b, r.OEM...)
}

// ParseRoutingActivationRequest decodes a routing activation request payload.
func ParseRoutingActivationRequest(p []byte) (RoutingActivationRequest, error) {
	if !ValidRoutingActivationRequestLen(len(p)) {
		return RoutingActivationRequest{}, fmt.Errorf("routing activation request: %w: %d", ErrInvalidPayload, len(p))
	}
	r := RoutingActivationRequest{
		SourceAddress:  binary.BigEndian.Uint16(p[0:2]),
		ActivationType: p[2],
	}
	if len(p) > RoutingActivationRequestMinLen {
		r.OEM = append([]byte(nil), p[RoutingActivationRequestMinLen:]...)
	}
	return r, nil
}

// ValidRoutingActivationRequestLen reports whether n lies in [min,max].
func ValidRoutingActivationRequestLen(n int) bool {
	return n >= RoutingActivationRequestMinLen && n <= RoutingActivationRequestMaxLen
}

// RoutingActivationResponse is [clientAddr:2][serverAddr:2][code:1][reserved:4].
type RoutingActivationResponse struct {
	ClientAddress uint16
	ServerAddress uint16
	Code          uint8
}

// Marshal encodes the response payload with zeroed reserved bytes.
func (r RoutingActivationResponse) Marshal() []byte {
	b := make([]byte, RoutingActivationResponseLen)
	binary.BigEndian.PutUint16(b[0:2], r.ClientAddress)
	binary.BigEndian.PutUint16(b[2:4], r.ServerAddress)
	b[4] = r.Code
	return b
}

// ParseRoutingActivationResponse decodes a routing activation response payload.
// Trailing OEM bytes are accepted and ignored.
func ParseRoutingActivationResponse(p []byte) (RoutingActivationResponse, error) {
	if len(p) < RoutingActivationResponseLen {
		return RoutingActivationResponse{}, fmt.Errorf("routing activation response: %w: %d", ErrInvalidPayload, len(p))
	}
	return RoutingActivationResponse{
		ClientAddress: binary.BigEndian.Uint16(p[0:2]),
		ServerAddress: binary.BigEndian.Uint16(p[2:4]),
		Code:          p[4],
	}, nil
}

// DiagnosticMessage is [sourceAddr:2][targetAddr:2][uds:N].
type DiagnosticMessage struct {
	SourceAddress uint16
	TargetAddress uint16
	UserData      []byte
}

// Marshal encodes the diagnostic message payload.
func (d DiagnosticMessage) Marshal() []byte {
	b := make([]byte, DiagnosticMessageHeaderLen, DiagnosticMessageHeaderLen+len(d.UserData))
	binary.BigEndian.PutUint16(b[0:2], d.SourceAddress)
	binary.BigEndian.PutUint16(b[2:4], d.TargetAddress)
	return append(b, d.UserData...)
}

// ParseDiagnosticMessage decodes a diagnostic message payload. At least one
// UDS byte must follow the addresses. UserData is copied out of p.
func ParseDiagnosticMessage(p []byte) (DiagnosticMessage, error) {
	if len(p) < DiagnosticMessageMinLen {
		return DiagnosticMessage{}, fmt.Errorf("diagnostic message: %w: %d", ErrInvalidPayload, len(p))
	}
	return DiagnosticMessage{
		SourceAddress: binary.BigEndian.Uint16(p[0:2]),
		TargetAddress: binary.BigEndian.Uint16(p[2:4]),
		UserData:      append([]byte(nil), p[DiagnosticMessageHeaderLen:]...),
	}, nil
}

// DiagnosticAck is [sourceAddr:2][targetAddr:2][code:1]. The payload type
// (positive or negative) is carried by the header.
type DiagnosticAck struct {
	SourceAddress uint16
	TargetAddress uint16
	Code          uint8
}

// Marshal encodes the acknowledgement payload.
func (a DiagnosticAck) Marshal() []byte {
	b := make([]byte, DiagnosticAckLen)
	binary.BigEndian.PutUint16(b[0:2], a.SourceAddress)
	binary.BigEndian.PutUint16(b[2:4], a.TargetAddress)
	b[4] = a.Code
	return b
}

// PayloadType returns the header payload type matching the ack code.
func (a DiagnosticAck) PayloadType() PayloadType {
	if a.Code == AckConfirm {
		return PayloadDiagnosticMessagePositiveAck
	}
	return PayloadDiagnosticMessageNegativeAck
}

// ParseDiagnosticAck decodes an acknowledgement payload. Previous diagnostic
// message bytes that may follow the code are ignored.
func ParseDiagnosticAck(p []byte) (DiagnosticAck, error) {
	if len(p) < DiagnosticAckLen {
		return DiagnosticAck{}, fmt.Errorf("diagnostic ack: %w: %d", ErrInvalidPayload, len(p))
	}
	return DiagnosticAck{
		SourceAddress: binary.BigEndian.Uint16(p[0:2]),
		TargetAddress: binary.BigEndian.Uint16(p[2:4]),
		Code:          p[4],
	}, nil
}

// AliveCheckResponse is [sourceAddr:2].
type AliveCheckResponse struct {
	SourceAddress uint16
}

// Marshal encodes the alive check response payload.
func (a AliveCheckResponse) Marshal() []byte {
	b := make([]byte, AliveCheckResponseLen)
	binary.BigEndian.PutUint16(b, a.SourceAddress)
	return b
}

// ParseAliveCheckResponse decodes an alive check response payload.
func ParseAliveCheckResponse(p []byte) (AliveCheckResponse, error) {
	if len(p) != AliveCheckResponseLen {
		return AliveCheckResponse{}, fmt.Errorf("alive check response: %w: %d", ErrInvalidPayload, len(p))
	}
	return AliveCheckResponse{SourceAddress: binary.BigEndian.Uint16(p)}, nil
}

// GenericNack is [code:1].
type GenericNack struct {
	Code uint8
}

// Marshal encodes the generic NACK payload.
func (g GenericNack) Marshal() []byte { return []byte{g.Code} }

// ParseGenericNack decodes a generic NACK payload.
func ParseGenericNack(p []byte) (GenericNack, error) {
	if len(p) != GenericNackLen {
		return GenericNack{}, fmt.Errorf("generic nack: %w: %d", ErrInvalidPayload, len(p))
	}
	return GenericNack{Code: p[0]}, nil
}

// VehicleIdentificationRequest carries an optional preselection criterion.
// At most one of VIN and EID is set; the payload type follows from it.
type VehicleIdentificationRequest struct {
	VIN []byte
	EID []byte
}

// PayloadType returns the header payload type for the request.
func (v VehicleIdentificationRequest) PayloadType() PayloadType {
	switch {
	case len(v.VIN) > 0:
		return PayloadVehicleIdentificationRequestVIN
	case len(v.EID) > 0:
		return PayloadVehicleIdentificationRequestEID
	default:
		return PayloadVehicleIdentificationRequest
	}
}

// Matches reports whether ann satisfies the VIN or EID criterion of v. A
// request without a criterion matches every announcement.
func (v VehicleIdentificationRequest) Matches(ann VehicleAnnouncement) bool {
	switch {
	case len(v.VIN) > 0:
		return bytes.Equal(v.VIN, ann.VIN[:])
	case len(v.EID) > 0:
		return bytes.Equal(v.EID, ann.EID[:])
	default:
		return true
	}
}

// Marshal encodes the request payload (empty when no criterion is set).
func (v VehicleIdentificationRequest) Marshal() []byte {
	switch {
	case len(v.VIN) > 0:
		return append([]byte(nil), v.VIN...)
	case len(v.EID) > 0:
		return append([]byte(nil), v.EID...)
	default:
		return nil
	}
}

// ParseVehicleIdentificationRequest decodes a request payload of type pt.
func ParseVehicleIdentificationRequest(pt PayloadType, p []byte) (VehicleIdentificationRequest, error) {
	switch pt {
	case PayloadVehicleIdentificationRequest:
		if len(p) != 0 {
			return VehicleIdentificationRequest{}, fmt.Errorf("vehicle identification request: %w: %d", ErrInvalidPayload, len(p))
		}
		return VehicleIdentificationRequest{}, nil
	case PayloadVehicleIdentificationRequestEID:
		if len(p) != EIDLen {
			return VehicleIdentificationRequest{}, fmt.Errorf("vehicle identification request eid: %w: %d", ErrInvalidPayload, len(p))
		}
		return VehicleIdentificationRequest{EID: append([]byte(nil), p...)}, nil
	case PayloadVehicleIdentificationRequestVIN:
		if len(p) != VINLen {
			return VehicleIdentificationRequest{}, fmt.Errorf("vehicle identification request vin: %w: %d", ErrInvalidPayload, len(p))
		}
		return VehicleIdentificationRequest{VIN: append([]byte(nil), p...)}, nil
	default:
		return VehicleIdentificationRequest{}, fmt.Errorf("vehicle identification request: %w: %s", ErrUnexpectedPayloadType, pt)
	}
}

// VehicleAnnouncement is the vehicle identification response / announcement:
//
//	[vin:17][logicalAddr:2][eid:6][gid:6][furtherAction:1][syncStatus:1]?
type VehicleAnnouncement struct {
	VIN            [VINLen]byte
	LogicalAddress uint16
	EID            [EIDLen]byte
	GID            [GIDLen]byte
	FurtherAction  uint8
	SyncStatus     uint8
}

// Marshal encodes the announcement including the sync status byte.
func (v VehicleAnnouncement) Marshal() []byte {
	b := make([]byte, VehicleAnnouncementSyncLen)
	copy(b[offsetVIN:], v.VIN[:])
	binary.BigEndian.PutUint16(b[offsetLogicalAddr:], v.LogicalAddress)
	copy(b[offsetEID:], v.EID[:])
	copy(b[offsetGID:], v.GID[:])
	b[offsetFurtherAction] = v.FurtherAction
	b[offsetSyncStatus] = v.SyncStatus
	return b
}

// ParseVehicleAnnouncement decodes an announcement with or without the
// optional sync status byte.
func ParseVehicleAnnouncement(p []byte) (VehicleAnnouncement, error) {
	if len(p) != VehicleAnnouncementLen && len(p) != VehicleAnnouncementSyncLen {
		return VehicleAnnouncement{}, fmt.Errorf("vehicle announcement: %w: %d", ErrInvalidPayload, len(p))
	}
	var v VehicleAnnouncement
	copy(v.VIN[:], p[offsetVIN:offsetLogicalAddr])
	v.LogicalAddress = binary.BigEndian.Uint16(p[offsetLogicalAddr:offsetEID])
	copy(v.EID[:], p[offsetEID:offsetGID])
	copy(v.GID[:], p[offsetGID:offsetFurtherAction])
	v.FurtherAction = p[offsetFurtherAction]
	if len(p) == VehicleAnnouncementSyncLen {
		v.SyncStatus = p[offsetSyncStatus]
	}
	return v, nil
}

// -------------------------------------------------------------------------
// UDS View
// -------------------------------------------------------------------------

// UDS constants used for response classification.
const (
	UDSNegativeResponseSID uint8 = 0x7F
	UDSPositiveResponseBit uint8 = 0x40
	NRCResponsePending     uint8 = 0x78
)

// UDSPayload is a read-only view over a UDS message with length-checked
// accessors.
type UDSPayload []byte

// SID returns the service identifier byte, or 0 for an empty payload.
func (u UDSPayload) SID() uint8 {
	if len(u) == 0 {
		return 0
	}
	return u[0]
}

// IsNegativeResponse reports whether the payload is a 0x7F negative response.
func (u UDSPayload) IsNegativeResponse() bool {
	return len(u) >= 3 && u[0] == UDSNegativeResponseSID
}

// IsPositiveResponse reports whether the SID carries the positive response bit.
func (u UDSPayload) IsPositiveResponse() bool {
	return len(u) > 0 && u[0] != UDSNegativeResponseSID && u[0]&UDSPositiveResponseBit != 0
}

// RequestSID returns the request SID a response payload answers.
func (u UDSPayload) RequestSID() uint8 {
	switch {
	case u.IsNegativeResponse():
		return u[1]
	case u.IsPositiveResponse():
		return u[0] &^ UDSPositiveResponseBit
	default:
		return u.SID()
	}
}

// SubFunction returns the byte after the SID.
func (u UDSPayload) SubFunction() (uint8, bool) {
	if len(u) < 2 {
		return 0, false
	}
	return u[1], true
}

// NRC returns the negative response code of a negative response.
func (u UDSPayload) NRC() (uint8, bool) {
	if !u.IsNegativeResponse() {
		return 0, false
	}
	return u[2], true
}

// IsResponsePending reports whether the payload is 0x7F <sid> 0x78.
func (u UDSPayload) IsResponsePending() bool {
	nrc, ok := u.NRC()
	return ok && nrc == NRCResponsePending
}

// -------------------------------------------------------------------------
// Frame Buffer Pool
// -------------------------------------------------------------------------

// framePoolSize covers every fixed-size DoIP frame and typical UDS traffic.
const framePoolSize = 4096

// FramePool recycles receive buffers for datagram and frame reads. Stores
// *[]byte to avoid the slice-header allocation on Put.
//
//nolint:gochecknoglobals // sync.Pool must be package-level for sharing across goroutines.
var FramePool = sync.Pool{
	New: func() any {
		buf := make([]byte, framePoolSize)
		return &buf
	},
}
