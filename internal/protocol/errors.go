package protocol

import "fmt"

// ProtocolError is fatal to the agent socket it was decoded from: the
// session closes that socket and fails every stream (spec §7).
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s", e.Reason)
}

func protoErrf(format string, args ...any) error {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}
