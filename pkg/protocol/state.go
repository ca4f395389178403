package protocol

// SessionState is the lifecycle state of a peer session.
// It lives here because the type registry keys inner payload permissions on it.
type SessionState uint8

const (
	StateUninitialized SessionState = iota
	StateHandshaking
	StateEstablished
	StateRekeying
	StateTerminating
	StateTerminated
	StateFailed
)

// AllStates lists every session state in declaration order
var AllStates = []SessionState{
	StateUninitialized,
	StateHandshaking,
	StateEstablished,
	StateRekeying,
	StateTerminating,
	StateTerminated,
	StateFailed,
}

func (s SessionState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	case StateRekeying:
		return "rekeying"
	case StateTerminating:
		return "terminating"
	case StateTerminated:
		return "terminated"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether no further transition is possible
func (s SessionState) IsTerminal() bool {
	return s == StateTerminated || s == StateFailed
}
