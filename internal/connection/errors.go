package connection

import "fmt"

// Kind classifies a connection error. The consuming layer switches on it to
// decide between re-login, retry and surfacing a message.
type Kind int

const (
	// KindAuthMissing means no credential pair was found in the store. No
	// connection attempt is made.
	KindAuthMissing Kind = iota

	// KindAuthFailed means the backend rejected the authenticate request, or
	// the stored token is already expired.
	KindAuthFailed

	// KindJoinFailed means authentication succeeded but the joinDashboard
	// request was rejected.
	KindJoinFailed

	// KindTransportError means the connection could not be established or
	// dropped unexpectedly.
	KindTransportError

	// KindReconnectExhausted means every automatic reconnection attempt
	// failed; only an explicit Reconnect leaves this state.
	KindReconnectExhausted

	// KindRequestFailed means a single request was rejected or could not be
	// sent. The session itself is unaffected.
	KindRequestFailed

	// KindMalformedPersisted means persisted client state could not be
	// decoded and was discarded.
	KindMalformedPersisted
)

func (k Kind) String() string {
	switch k {
	case KindAuthMissing:
		return "auth_missing"
	case KindAuthFailed:
		return "auth_failed"
	case KindJoinFailed:
		return "join_failed"
	case KindTransportError:
		return "transport_error"
	case KindReconnectExhausted:
		return "reconnect_exhausted"
	case KindRequestFailed:
		return "request_failed"
	case KindMalformedPersisted:
		return "malformed_persisted"
	default:
		return "unknown"
	}
}

// Error is a classified connection failure.
type Error struct {
	Kind   Kind
	Reason string
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("connection: %s", e.Kind)
	}
	return fmt.Sprintf("connection: %s: %s", e.Kind, e.Reason)
}

func newError(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}
