package tunnelsession

import (
	"fmt"

	"github.com/cometkim/dotunnel/internal/protocol"
)

// handleControlEnvelope dispatches control-channel frames (spec §4.5).
func (s *Session) handleControlEnvelope(conn *agentConn, env *protocol.Envelope) {
	body := env.Control
	switch body.Variant {
	case protocol.CtrlPing:
		s.sendControl(&protocol.ControlBody{Variant: protocol.CtrlPong, Data: body.Data})
	case protocol.CtrlPong:
		// Keepalive acknowledgement; nothing to do.
	case protocol.CtrlFlowWindowUpdate:
		s.logger.Debug("dropping reserved flowWindowUpdate frame")
	case protocol.CtrlError:
		s.logger.Warn("agent reported error", "code", body.Code, "message", body.Message)
	case protocol.CtrlGoAway:
		s.mu.Lock()
		s.goAwayActive = true
		s.mu.Unlock()
		s.logger.Info("agent announced goAway", "last_msg_seq", body.LastMsgSeq, "reason", body.GoAwayReason)
	default:
		s.fatalProtocolError(fmt.Errorf("control variant out of range: %d", body.Variant))
	}
}
