// Package session holds the per-peer session state machine: transport keys,
// message counters, the replay window and the rekey policy.
//
// A Session is not safe for concurrent use. It is owned by exactly one
// session task for its whole life.
package session

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	flynn "github.com/flynn/noise"

	"github.com/ZentaChain/zentalk-mesh/pkg/noise"
	"github.com/ZentaChain/zentalk-mesh/pkg/protocol"
)

// Rekey policy defaults
const (
	DefaultMaxMessages   uint64 = 1_000_000_000
	DefaultRekeyMessages uint64 = DefaultMaxMessages / 10 * 9
	DefaultRekeyInterval        = 24 * time.Hour

	// NonceSize is the explicit counter prefix of every sealed payload
	NonceSize = 8
	tagSize   = 16
)

var (
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrRekeyFailure           = errors.New("rekey failure")
	ErrReplay                 = errors.New("replayed or stale message counter")
	ErrDecrypt                = errors.New("payload authentication failed")
)

// Limits configures the rekey policy
type Limits struct {
	RekeyMessages uint64
	MaxMessages   uint64
	RekeyInterval time.Duration
}

// DefaultLimits returns the standard policy: rekey at 90% of the hard cap or after 24h
func DefaultLimits() Limits {
	return Limits{
		RekeyMessages: DefaultRekeyMessages,
		MaxMessages:   DefaultMaxMessages,
		RekeyInterval: DefaultRekeyInterval,
	}
}

type keys struct {
	send   flynn.Cipher
	recv   flynn.Cipher
	replay ReplayWindow
}

// Session is one peer's session
type Session struct {
	peer   protocol.PeerID
	state  State
	limits Limits

	handshakeHash []byte
	peerStatic    [32]byte
	peerAuth      []byte

	current *keys
	// previous receive keys stay valid until the next rekey so messages
	// sealed just before a rekey still open
	previous *keys

	sendCounter uint64
	recvCounter uint64

	establishedAt time.Time
	lastRekeyAt   time.Time
	err           error
}

// New creates an Uninitialized session for peer
func New(peer protocol.PeerID, limits Limits) *Session {
	if limits.MaxMessages == 0 {
		limits = DefaultLimits()
	}
	return &Session{peer: peer, limits: limits}
}

func (s *Session) Peer() protocol.PeerID    { return s.peer }
func (s *Session) State() State             { return s.state }
func (s *Session) HandshakeHash() []byte    { return s.handshakeHash }
func (s *Session) PeerStatic() [32]byte     { return s.peerStatic }
func (s *Session) PeerAuth() []byte         { return s.peerAuth }
func (s *Session) SendCounter() uint64      { return s.sendCounter }
func (s *Session) RecvCounter() uint64      { return s.recvCounter }
func (s *Session) EstablishedAt() time.Time { return s.establishedAt }
func (s *Session) LastRekeyAt() time.Time   { return s.lastRekeyAt }
func (s *Session) Err() error               { return s.err }

func (s *Session) check(op Operation) (State, error) {
	to, ok := Next(s.state, op)
	if !ok {
		return s.state, fmt.Errorf("%w: %s in %s", ErrInvalidStateTransition, op, s.state)
	}
	return to, nil
}

func (s *Session) apply(op Operation) error {
	to, err := s.check(op)
	if err != nil {
		return err
	}
	s.state = to
	return nil
}

// Allows reports whether op is permitted in the current state
func (s *Session) Allows(op Operation) bool {
	_, ok := Next(s.state, op)
	return ok
}

// BeginHandshake records that the first handshake message was sent or received
func (s *Session) BeginHandshake(now time.Time) error {
	return s.apply(OpBeginHandshake)
}

// Establish installs the keys of a completed handshake
func (s *Session) Establish(res *noise.Result, now time.Time) error {
	if _, err := s.check(OpEstablish); err != nil {
		return err
	}
	if res == nil {
		return fmt.Errorf("%w: missing handshake result", ErrInvalidStateTransition)
	}
	s.install(res)
	s.previous = nil
	s.establishedAt = now
	s.lastRekeyAt = now
	return s.apply(OpEstablish)
}

// BeginRekey pauses sealing until CompleteRekey
func (s *Session) BeginRekey(now time.Time) error {
	return s.apply(OpBeginRekey)
}

// CompleteRekey replaces both keys and resets the counters
func (s *Session) CompleteRekey(res *noise.Result, now time.Time) error {
	if _, err := s.check(OpCompleteRekey); err != nil {
		return err
	}
	if res == nil {
		return fmt.Errorf("%w: missing handshake result", ErrInvalidStateTransition)
	}
	if res.PeerStatic != s.peerStatic {
		s.fail(fmt.Errorf("%w: peer static key changed", ErrRekeyFailure))
		return s.err
	}
	s.previous = s.current
	s.install(res)
	s.lastRekeyAt = now
	return s.apply(OpCompleteRekey)
}

func (s *Session) install(res *noise.Result) {
	s.current = &keys{send: res.Send, recv: res.Recv}
	s.handshakeHash = res.HandshakeHash
	s.peerStatic = res.PeerStatic
	s.peerAuth = res.PeerAuth
	s.sendCounter = 0
	s.recvCounter = 0
}

// Fail moves the session to Failed and releases its keys
func (s *Session) Fail(err error) error {
	if _, e := s.check(OpFail); e != nil {
		return e
	}
	s.fail(err)
	return nil
}

func (s *Session) fail(err error) {
	s.state = Failed
	s.err = err
	s.release()
}

// BeginClose starts an explicit close
func (s *Session) BeginClose() error {
	return s.apply(OpBeginClose)
}

// FinishClose terminates the session and releases its keys
func (s *Session) FinishClose() error {
	if err := s.apply(OpFinishClose); err != nil {
		return err
	}
	s.release()
	return nil
}

func (s *Session) release() {
	s.current = nil
	s.previous = nil
}

// Seal encrypts plaintext under the send key. The output is the 8-byte
// big-endian counter followed by the AEAD ciphertext.
func (s *Session) Seal(plaintext []byte) ([]byte, error) {
	if _, err := s.check(OpSeal); err != nil {
		return nil, err
	}
	if s.sendCounter >= s.limits.MaxMessages {
		s.fail(fmt.Errorf("%w: send counter reached %d", ErrRekeyFailure, s.sendCounter))
		return nil, s.err
	}

	n := s.sendCounter
	out := make([]byte, NonceSize, NonceSize+len(plaintext)+tagSize)
	binary.BigEndian.PutUint64(out, n)
	out = s.current.send.Encrypt(out, n, nil, plaintext)
	s.sendCounter++
	return out, nil
}

// Open decrypts a sealed payload. Replays and forgeries are dropped with a
// packet-local error and leave the session untouched.
func (s *Session) Open(sealed []byte) ([]byte, error) {
	if _, err := s.check(OpOpen); err != nil {
		return nil, err
	}
	if len(sealed) < NonceSize+tagSize {
		return nil, fmt.Errorf("%w: sealed payload is %d bytes", protocol.ErrMalformedPacket, len(sealed))
	}
	n := binary.BigEndian.Uint64(sealed[:NonceSize])
	if n >= s.limits.MaxMessages {
		return nil, fmt.Errorf("%w: counter %d beyond hard cap", ErrReplay, n)
	}

	pt, err := s.current.open(n, sealed[NonceSize:])
	if err == nil {
		s.recvCounter, _ = s.current.replay.Highest()
		return pt, nil
	}
	if s.previous != nil {
		if pt, perr := s.previous.open(n, sealed[NonceSize:]); perr == nil {
			return pt, nil
		}
	}
	return nil, err
}

func (k *keys) open(n uint64, ct []byte) ([]byte, error) {
	if !k.replay.Check(n) {
		return nil, fmt.Errorf("%w: counter %d", ErrReplay, n)
	}
	pt, err := k.recv.Decrypt(nil, n, nil, ct)
	if err != nil {
		return nil, ErrDecrypt
	}
	k.replay.Accept(n)
	return pt, nil
}

// NeedsRekey reports whether the rekey policy fires: either counter at 90%
// of the hard cap or the rekey interval elapsed since the last key change.
func (s *Session) NeedsRekey(now time.Time) bool {
	if s.state != Established {
		return false
	}
	if s.sendCounter >= s.limits.RekeyMessages || s.recvCounter >= s.limits.RekeyMessages {
		return true
	}
	return !s.lastRekeyAt.IsZero() && now.Sub(s.lastRekeyAt) >= s.limits.RekeyInterval
}

// RekeyDue returns when the time-based rekey fires
func (s *Session) RekeyDue() time.Time {
	if s.lastRekeyAt.IsZero() {
		return time.Time{}
	}
	return s.lastRekeyAt.Add(s.limits.RekeyInterval)
}
