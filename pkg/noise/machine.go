package noise

import (
	"errors"
	"time"
)

// Stage is the runtime tag of a Machine
type Stage uint8

const (
	StageIdle             Stage = iota // Nothing sent or received
	StageAwaitingResponse              // Initiator sent msg1
	StageAwaitingFinal                 // Responder sent msg2
	StageComplete
	StageFailed
)

func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageAwaitingResponse:
		return "awaiting-response"
	case StageAwaitingFinal:
		return "awaiting-final"
	case StageComplete:
		return "complete"
	case StageFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MessageKind identifies which of the three handshake messages arrived
type MessageKind uint8

const (
	MessageInit MessageKind = iota + 1
	MessageResponse
	MessageFinal
)

// Machine wraps the typed stages behind a runtime stage tag so a session
// task can hold one value for the life of an attempt.
type Machine struct {
	stage     Stage
	initiator bool
	timeout   time.Duration
	started   time.Time

	initiatorStart *Initiator
	awaitResponse  *InitiatorAwaitingResponse
	responderStart *Responder
	awaitFinal     *ResponderAwaitingFinal

	result *Result
	err    error
}

// NewInitiatorMachine prepares a machine that opens the handshake
func NewInitiatorMachine(cfg Config) (*Machine, error) {
	i, err := NewInitiator(cfg)
	if err != nil {
		return nil, err
	}
	return &Machine{initiator: true, timeout: cfg.timeout(), initiatorStart: i}, nil
}

// NewResponderMachine prepares a machine that answers a handshake
func NewResponderMachine(cfg Config) (*Machine, error) {
	r, err := NewResponder(cfg)
	if err != nil {
		return nil, err
	}
	return &Machine{timeout: cfg.timeout(), responderStart: r}, nil
}

// Stage returns the current stage
func (m *Machine) Stage() Stage { return m.stage }

// Initiator reports whether this side opened the handshake
func (m *Machine) Initiator() bool { return m.initiator }

// Result returns the handshake result once complete
func (m *Machine) Result() *Result { return m.result }

// Err returns the error that failed the attempt
func (m *Machine) Err() error { return m.err }

// Deadline returns when the attempt times out; zero before the first message
func (m *Machine) Deadline() time.Time {
	if m.started.IsZero() {
		return time.Time{}
	}
	return m.started.Add(m.timeout)
}

// Expired reports whether an in-progress attempt has outlived its timeout
func (m *Machine) Expired(now time.Time) bool {
	if m.stage == StageComplete || m.stage == StageFailed || m.started.IsZero() {
		return false
	}
	return !now.Before(m.Deadline())
}

// Fail abandons the attempt
func (m *Machine) Fail(err error) {
	if m.stage == StageComplete || m.stage == StageFailed {
		return
	}
	m.stage = StageFailed
	m.err = err
	m.initiatorStart, m.awaitResponse, m.responderStart, m.awaitFinal = nil, nil, nil, nil
}

// Start produces msg1. Only valid on an idle initiator.
func (m *Machine) Start(now time.Time) ([]byte, error) {
	if m.stage != StageIdle || !m.initiator {
		return nil, ErrUnexpectedMessage
	}
	msg, next, err := m.initiatorStart.Start(now)
	if err != nil {
		m.Fail(err)
		return nil, err
	}
	m.initiatorStart = nil
	m.awaitResponse = next
	m.started = next.StartedAt()
	m.stage = StageAwaitingResponse
	return msg, nil
}

// Handle consumes an inbound handshake message and returns the reply to
// send, if any. Timeouts, crypto failures and a message that does not fit
// the stage of an attempt in progress all fail the attempt. An idle machine
// stays idle.
func (m *Machine) Handle(kind MessageKind, msg []byte, now time.Time) ([]byte, error) {
	if m.Expired(now) {
		m.Fail(ErrHandshakeTimeout)
		return nil, ErrHandshakeTimeout
	}

	switch {
	case m.stage == StageIdle && !m.initiator && kind == MessageInit:
		reply, next, err := m.responderStart.Accept(msg, now)
		if err != nil {
			m.Fail(err)
			return nil, err
		}
		m.responderStart = nil
		m.awaitFinal = next
		m.started = next.StartedAt()
		m.stage = StageAwaitingFinal
		return reply, nil

	case m.stage == StageAwaitingResponse && kind == MessageResponse:
		reply, res, err := m.awaitResponse.Finish(msg, now)
		if err != nil {
			m.Fail(err)
			return nil, err
		}
		m.complete(res)
		return reply, nil

	case m.stage == StageAwaitingFinal && kind == MessageFinal:
		res, err := m.awaitFinal.Finish(msg, now)
		if err != nil {
			m.Fail(err)
			return nil, err
		}
		m.complete(res)
		return nil, nil
	}

	if m.inProgress() {
		m.Fail(ErrUnexpectedMessage)
	}
	return nil, ErrUnexpectedMessage
}

func (m *Machine) inProgress() bool {
	return m.stage == StageAwaitingResponse || m.stage == StageAwaitingFinal
}

func (m *Machine) complete(res *Result) {
	m.result = res
	m.stage = StageComplete
	m.awaitResponse, m.awaitFinal = nil, nil
}

// IsHandshakeError reports whether err is fatal to a handshake attempt
func IsHandshakeError(err error) bool {
	return errors.Is(err, ErrHandshakeTimeout) ||
		errors.Is(err, ErrCryptoFailure) ||
		errors.Is(err, ErrUnexpectedMessage)
}
