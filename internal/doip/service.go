package doip

import "log/slog"

// SIDDiagnosticSessionControl is the UDS DiagnosticSessionControl service.
const SIDDiagnosticSessionControl uint8 = 0x10

// Service is a UDS service the conversation dispatches final responses to,
// keyed by the request SID the response answers.
type Service interface {
	// SID returns the request service identifier.
	SID() uint8

	// SessionType returns the sessions in which the service is allowed.
	SessionType() SessionType

	// SecurityLevel returns the minimum unlocked security level.
	SecurityLevel() SecurityLevel

	// Service processes one final response.
	Service(conv *Conversation, payload []byte)
}

// RegisterService installs svc, replacing any service with the same SID.
func (c *Conversation) RegisterService(svc Service) {
	c.mu.Lock()
	c.services[svc.SID()] = svc
	c.mu.Unlock()
}

// dispatchService runs on the conversation executor.
func (c *Conversation) dispatchService(payload []byte) {
	uds := UDSPayload(payload)
	sid := uds.RequestSID()

	c.mu.Lock()
	svc, ok := c.services[sid]
	session := c.session
	security := c.security
	c.mu.Unlock()

	if !ok {
		return
	}
	if svc.SessionType()&session == 0 {
		c.logger.Debug("service not allowed in active session",
			slog.Int("sid", int(sid)),
			slog.String("session", session.String()),
		)
		return
	}
	if security < svc.SecurityLevel() {
		c.logger.Debug("service requires higher security level",
			slog.Int("sid", int(sid)),
			slog.Int("security_level", int(security)),
		)
		return
	}
	svc.Service(c, payload)
}

// SessionControlService tracks the active session from positive
// DiagnosticSessionControl responses (0x50 <session>).
type SessionControlService struct{}

// SID implements Service.
func (SessionControlService) SID() uint8 { return SIDDiagnosticSessionControl }

// SessionType implements Service.
func (SessionControlService) SessionType() SessionType { return SessionAll }

// SecurityLevel implements Service.
func (SessionControlService) SecurityLevel() SecurityLevel { return SecurityLocked }

// Service implements Service.
func (SessionControlService) Service(conv *Conversation, payload []byte) {
	uds := UDSPayload(payload)
	if !uds.IsPositiveResponse() {
		return
	}
	sub, ok := uds.SubFunction()
	if !ok {
		return
	}

	var session SessionType
	switch sub &^ 0x80 { // suppress positive response bit
	case 0x01:
		session = SessionDefault
	case 0x02:
		session = SessionProgramming
	case 0x03:
		session = SessionExtended
	default:
		conv.logger.Debug("unsupported diagnostic session", slog.Int("session", int(sub)))
		return
	}

	conv.SetActiveSession(session)
	conv.logger.Info("diagnostic session changed",
		slog.String("session", session.String()),
	)
}
