// Package noise drives the Noise_XX_25519_ChaChaPoly_SHA256 handshake.
//
// Each stage of the exchange is its own type; a transition consumes the
// stage it is called on and returns the next one. Calling a consumed stage
// again fails with ErrUnexpectedMessage.
//
//	initiator                          responder
//	Initiator.Start        -- msg1 -->  Responder.Accept
//	InitiatorAwaitingResponse.Finish <-- msg2 --
//	                       -- msg3 -->  ResponderAwaitingFinal.Finish
package noise

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"time"

	flynn "github.com/flynn/noise"
)

// ProtocolName is the full Noise protocol name
const ProtocolName = "Noise_XX_25519_ChaChaPoly_SHA256"

// HandshakeTimeout bounds an attempt from its first message to completion
const HandshakeTimeout = 30 * time.Second

// Prologue is mixed into every handshake so peers of another protocol fail fast
var Prologue = []byte("zentalk-mesh/1")

var (
	ErrHandshakeTimeout  = errors.New("handshake timeout")
	ErrCryptoFailure     = errors.New("handshake crypto failure")
	ErrUnexpectedMessage = errors.New("unexpected handshake message")
)

var cipherSuite = flynn.NewCipherSuite(flynn.DH25519, flynn.CipherChaChaPoly, flynn.HashSHA256)

// Config holds the local static key and auth payload of a handshake attempt
type Config struct {
	StaticPrivate [32]byte
	StaticPublic  [32]byte

	// Payload is sent encrypted in msg2 (responder) or msg3 (initiator)
	Payload []byte

	// Random defaults to crypto/rand. Every attempt draws a fresh ephemeral key from it.
	Random io.Reader

	// Timeout defaults to HandshakeTimeout
	Timeout time.Duration
}

func (c *Config) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return HandshakeTimeout
}

func (c *Config) newState(initiator bool) (*flynn.HandshakeState, error) {
	rnd := c.Random
	if rnd == nil {
		rnd = rand.Reader
	}
	hs, err := flynn.NewHandshakeState(flynn.Config{
		CipherSuite: cipherSuite,
		Random:      rnd,
		Pattern:     flynn.HandshakeXX,
		Initiator:   initiator,
		Prologue:    Prologue,
		StaticKeypair: flynn.DHKey{
			Private: append([]byte(nil), c.StaticPrivate[:]...),
			Public:  append([]byte(nil), c.StaticPublic[:]...),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	return hs, nil
}

// Result is the outcome of a completed handshake
type Result struct {
	// Send encrypts toward the peer, Recv decrypts from it.
	// The initiator's Send is the responder's Recv.
	Send flynn.Cipher
	Recv flynn.Cipher

	PeerStatic    [32]byte
	PeerAuth      []byte
	HandshakeHash []byte
	Initiator     bool
}

func newResult(hs *flynn.HandshakeState, send, recv *flynn.CipherState, peerAuth []byte, initiator bool) (*Result, error) {
	if send == nil || recv == nil {
		return nil, fmt.Errorf("%w: handshake did not split", ErrCryptoFailure)
	}
	peer := hs.PeerStatic()
	if len(peer) != 32 {
		return nil, fmt.Errorf("%w: peer static key missing", ErrCryptoFailure)
	}
	r := &Result{
		Send:          send.Cipher(),
		Recv:          recv.Cipher(),
		PeerAuth:      peerAuth,
		HandshakeHash: append([]byte(nil), hs.ChannelBinding()...),
		Initiator:     initiator,
	}
	copy(r.PeerStatic[:], peer)
	return r, nil
}

// stage is the shared state of one attempt
type stage struct {
	hs       *flynn.HandshakeState
	payload  []byte
	started  time.Time
	timeout  time.Duration
	consumed bool
}

func (s *stage) consume(now time.Time) error {
	if s == nil || s.consumed {
		return ErrUnexpectedMessage
	}
	s.consumed = true
	if !s.started.IsZero() && now.Sub(s.started) >= s.timeout {
		return ErrHandshakeTimeout
	}
	return nil
}

func (s *stage) next(now time.Time) stage {
	started := s.started
	if started.IsZero() {
		started = now
	}
	return stage{hs: s.hs, payload: s.payload, started: started, timeout: s.timeout}
}

// Initiator is the first initiator stage: nothing sent yet
type Initiator struct{ s stage }

// InitiatorAwaitingResponse has sent msg1 and waits for msg2
type InitiatorAwaitingResponse struct{ s stage }

// Responder is the first responder stage: waiting for msg1
type Responder struct{ s stage }

// ResponderAwaitingFinal has sent msg2 and waits for msg3
type ResponderAwaitingFinal struct{ s stage }

// NewInitiator prepares an initiator attempt
func NewInitiator(cfg Config) (*Initiator, error) {
	hs, err := cfg.newState(true)
	if err != nil {
		return nil, err
	}
	return &Initiator{s: stage{hs: hs, payload: cfg.Payload, timeout: cfg.timeout()}}, nil
}

// NewResponder prepares a responder attempt
func NewResponder(cfg Config) (*Responder, error) {
	hs, err := cfg.newState(false)
	if err != nil {
		return nil, err
	}
	return &Responder{s: stage{hs: hs, payload: cfg.Payload, timeout: cfg.timeout()}}, nil
}

// Start writes msg1 (the initiator ephemeral key)
func (i *Initiator) Start(now time.Time) ([]byte, *InitiatorAwaitingResponse, error) {
	if err := i.s.consume(now); err != nil {
		return nil, nil, err
	}
	msg, _, _, err := i.s.hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	return msg, &InitiatorAwaitingResponse{s: i.s.next(now)}, nil
}

// Finish reads msg2 and writes msg3, completing the initiator side
func (a *InitiatorAwaitingResponse) Finish(msg2 []byte, now time.Time) ([]byte, *Result, error) {
	if err := a.s.consume(now); err != nil {
		return nil, nil, err
	}
	peerAuth, _, _, err := a.s.hs.ReadMessage(nil, msg2)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	msg3, cs0, cs1, err := a.s.hs.WriteMessage(nil, a.s.payload)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	res, err := newResult(a.s.hs, cs0, cs1, peerAuth, true)
	if err != nil {
		return nil, nil, err
	}
	return msg3, res, nil
}

// Accept reads msg1 and writes msg2
func (r *Responder) Accept(msg1 []byte, now time.Time) ([]byte, *ResponderAwaitingFinal, error) {
	if err := r.s.consume(now); err != nil {
		return nil, nil, err
	}
	if _, _, _, err := r.s.hs.ReadMessage(nil, msg1); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	msg2, _, _, err := r.s.hs.WriteMessage(nil, r.s.payload)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	return msg2, &ResponderAwaitingFinal{s: r.s.next(now)}, nil
}

// Finish reads msg3, completing the responder side
func (a *ResponderAwaitingFinal) Finish(msg3 []byte, now time.Time) (*Result, error) {
	if err := a.s.consume(now); err != nil {
		return nil, err
	}
	peerAuth, cs0, cs1, err := a.s.hs.ReadMessage(nil, msg3)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	return newResult(a.s.hs, cs1, cs0, peerAuth, false)
}

// StartedAt returns when the attempt saw its first message
func (a *InitiatorAwaitingResponse) StartedAt() time.Time { return a.s.started }

// StartedAt returns when the attempt saw its first message
func (a *ResponderAwaitingFinal) StartedAt() time.Time { return a.s.started }
