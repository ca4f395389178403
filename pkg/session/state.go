package session

import (
	"github.com/ZentaChain/zentalk-mesh/pkg/protocol"
)

// State is the lifecycle state of a session
type State = protocol.SessionState

const (
	Uninitialized = protocol.StateUninitialized
	Handshaking   = protocol.StateHandshaking
	Established   = protocol.StateEstablished
	Rekeying      = protocol.StateRekeying
	Terminating   = protocol.StateTerminating
	Terminated    = protocol.StateTerminated
	Failed        = protocol.StateFailed
)

// Operation is anything a caller can ask of a session
type Operation uint8

const (
	OpBeginHandshake Operation = iota
	OpEstablish
	OpBeginRekey
	OpCompleteRekey
	OpFail
	OpBeginClose
	OpFinishClose
	OpSeal
	OpOpen
)

// AllOperations lists every operation
var AllOperations = []Operation{
	OpBeginHandshake, OpEstablish, OpBeginRekey, OpCompleteRekey,
	OpFail, OpBeginClose, OpFinishClose, OpSeal, OpOpen,
}

func (op Operation) String() string {
	switch op {
	case OpBeginHandshake:
		return "begin-handshake"
	case OpEstablish:
		return "establish"
	case OpBeginRekey:
		return "begin-rekey"
	case OpCompleteRekey:
		return "complete-rekey"
	case OpFail:
		return "fail"
	case OpBeginClose:
		return "begin-close"
	case OpFinishClose:
		return "finish-close"
	case OpSeal:
		return "seal"
	case OpOpen:
		return "open"
	default:
		return "unknown"
	}
}

type rule struct {
	from State
	op   Operation
	to   State
}

// rules is the complete table of permitted (state, operation) pairs.
// Seal and Open do not change state.
var rules = []rule{
	{Uninitialized, OpBeginHandshake, Handshaking},
	{Handshaking, OpEstablish, Established},
	{Handshaking, OpFail, Failed},
	{Established, OpBeginRekey, Rekeying},
	{Established, OpFail, Failed},
	{Established, OpBeginClose, Terminating},
	{Established, OpSeal, Established},
	{Established, OpOpen, Established},
	{Rekeying, OpCompleteRekey, Established},
	{Rekeying, OpFail, Failed},
	{Rekeying, OpBeginClose, Terminating},
	{Rekeying, OpOpen, Rekeying},
	{Terminating, OpFinishClose, Terminated},
}

type key struct {
	from State
	op   Operation
}

var table = func() map[key]State {
	m := make(map[key]State, len(rules))
	for _, r := range rules {
		m[key{r.from, r.op}] = r.to
	}
	return m
}()

// Next returns the state op leads to from state, or false when op is not permitted
func Next(from State, op Operation) (State, bool) {
	to, ok := table[key{from, op}]
	return to, ok
}

// CanTransition reports whether any operation moves from one state to another
func CanTransition(from, to State) bool {
	for _, r := range rules {
		if r.from == from && r.to == to && r.from != r.to {
			return true
		}
	}
	return false
}
