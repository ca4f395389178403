package session

import (
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/curve25519"

	"github.com/ZentaChain/zentalk-mesh/pkg/noise"
	"github.com/ZentaChain/zentalk-mesh/pkg/protocol"
)

var (
	peerA = protocol.PeerID{0xA, 1, 1, 1, 1, 1, 1, 1}
	peerB = protocol.PeerID{0xB, 2, 2, 2, 2, 2, 2, 2}
)

func staticConfig(t *testing.T) noise.Config {
	t.Helper()
	var cfg noise.Config
	_, err := rand.Read(cfg.StaticPrivate[:])
	require.NoError(t, err)
	pub, err := curve25519.X25519(cfg.StaticPrivate[:], curve25519.Basepoint)
	require.NoError(t, err)
	copy(cfg.StaticPublic[:], pub)
	return cfg
}

func handshake(t *testing.T, icfg, rcfg noise.Config, now time.Time) (*noise.Result, *noise.Result) {
	t.Helper()
	i, err := noise.NewInitiator(icfg)
	require.NoError(t, err)
	r, err := noise.NewResponder(rcfg)
	require.NoError(t, err)

	msg1, awaitResp, err := i.Start(now)
	require.NoError(t, err)
	msg2, awaitFinal, err := r.Accept(msg1, now)
	require.NoError(t, err)
	msg3, ires, err := awaitResp.Finish(msg2, now)
	require.NoError(t, err)
	rres, err := awaitFinal.Finish(msg3, now)
	require.NoError(t, err)
	return ires, rres
}

// establishedPair returns two sessions (a initiator, b responder) sharing keys
func establishedPair(t *testing.T, clk clock.Clock, limits Limits) (*Session, *Session, noise.Config, noise.Config) {
	t.Helper()
	acfg, bcfg := staticConfig(t), staticConfig(t)
	ires, rres := handshake(t, acfg, bcfg, clk.Now())

	a := New(peerB, limits)
	b := New(peerA, limits)
	require.NoError(t, a.BeginHandshake(clk.Now()))
	require.NoError(t, b.BeginHandshake(clk.Now()))
	require.NoError(t, a.Establish(ires, clk.Now()))
	require.NoError(t, b.Establish(rres, clk.Now()))
	return a, b, acfg, bcfg
}

func TestSessionLifecycle(t *testing.T) {
	clk := clock.NewMock()
	a, b, _, _ := establishedPair(t, clk, DefaultLimits())

	assert.Equal(t, Established, a.State())
	assert.Equal(t, Established, b.State())
	assert.Equal(t, a.HandshakeHash(), b.HandshakeHash())
	assert.Equal(t, clk.Now(), a.EstablishedAt())

	sealed, err := a.Seal([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), a.SendCounter())

	pt, err := b.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), pt)

	require.NoError(t, a.BeginClose())
	assert.Equal(t, Terminating, a.State())
	_, err = a.Seal([]byte("late"))
	assert.ErrorIs(t, err, ErrInvalidStateTransition)

	require.NoError(t, a.FinishClose())
	assert.Equal(t, Terminated, a.State())
	assert.True(t, a.State().IsTerminal())
}

func TestSessionCountersAreGapless(t *testing.T) {
	clk := clock.NewMock()
	a, b, _, _ := establishedPair(t, clk, DefaultLimits())

	var sealed [][]byte
	for i := 0; i < 5; i++ {
		out, err := a.Seal([]byte{byte(i)})
		require.NoError(t, err)
		sealed = append(sealed, out)
		assert.Equal(t, uint64(i), beUint64(out[:NonceSize]))
	}

	// Out of order delivery inside the window is fine
	for _, i := range []int{3, 0, 4, 1, 2} {
		pt, err := b.Open(sealed[i])
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(i)}, pt)
	}
	assert.Equal(t, uint64(4), b.RecvCounter())
}

func beUint64(b []byte) uint64 {
	var n uint64
	for _, x := range b {
		n = n<<8 | uint64(x)
	}
	return n
}

func TestSessionReplayRejected(t *testing.T) {
	clk := clock.NewMock()
	a, b, _, _ := establishedPair(t, clk, DefaultLimits())

	sealed, err := a.Seal([]byte("once"))
	require.NoError(t, err)

	_, err = b.Open(sealed)
	require.NoError(t, err)
	_, err = b.Open(sealed)
	assert.ErrorIs(t, err, ErrReplay)
	assert.Equal(t, Established, b.State(), "replays are packet-local")
}

func TestSessionForgeryRejected(t *testing.T) {
	clk := clock.NewMock()
	a, b, _, _ := establishedPair(t, clk, DefaultLimits())

	sealed, err := a.Seal([]byte("genuine"))
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0x01

	_, err = b.Open(sealed)
	assert.ErrorIs(t, err, ErrDecrypt)
	assert.Equal(t, Established, b.State())

	// The counter of a forged message is not burned
	sealed[len(sealed)-1] ^= 0x01
	_, err = b.Open(sealed)
	assert.NoError(t, err)

	_, err = b.Open([]byte{1, 2, 3})
	assert.ErrorIs(t, err, protocol.ErrMalformedPacket)
}

func TestSessionRekeyTriggerAtNinetyPercent(t *testing.T) {
	clk := clock.NewMock()
	a, _, _, _ := establishedPair(t, clk, DefaultLimits())

	a.sendCounter = 899_999_999
	assert.False(t, a.NeedsRekey(clk.Now()))

	_, err := a.Seal([]byte("x"))
	require.NoError(t, err)
	assert.Equal(t, uint64(900_000_000), a.SendCounter())
	assert.True(t, a.NeedsRekey(clk.Now()))
}

func TestSessionRekeyTriggerOnRecvCounter(t *testing.T) {
	clk := clock.NewMock()
	_, b, _, _ := establishedPair(t, clk, DefaultLimits())

	b.recvCounter = DefaultRekeyMessages
	assert.True(t, b.NeedsRekey(clk.Now()))
}

func TestSessionRekeyTriggerOnAge(t *testing.T) {
	clk := clock.NewMock()
	a, _, _, _ := establishedPair(t, clk, DefaultLimits())

	assert.Equal(t, clk.Now().Add(24*time.Hour), a.RekeyDue())
	clk.Add(24*time.Hour - time.Second)
	assert.False(t, a.NeedsRekey(clk.Now()))
	clk.Add(time.Second)
	assert.True(t, a.NeedsRekey(clk.Now()))
}

func TestSessionHardCap(t *testing.T) {
	clk := clock.NewMock()
	a, _, _, _ := establishedPair(t, clk, DefaultLimits())

	a.sendCounter = DefaultMaxMessages
	_, err := a.Seal([]byte("over"))
	assert.ErrorIs(t, err, ErrRekeyFailure)
	assert.Equal(t, Failed, a.State())
	assert.ErrorIs(t, a.Err(), ErrRekeyFailure)

	_, err = a.Seal([]byte("again"))
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
}

func TestSessionRekey(t *testing.T) {
	clk := clock.NewMock()
	a, b, acfg, bcfg := establishedPair(t, clk, DefaultLimits())

	old, err := a.Seal([]byte("before rekey"))
	require.NoError(t, err)
	oldHash := a.HandshakeHash()

	clk.Add(time.Hour)
	require.NoError(t, a.BeginRekey(clk.Now()))
	require.NoError(t, b.BeginRekey(clk.Now()))

	_, err = a.Seal([]byte("paused"))
	assert.ErrorIs(t, err, ErrInvalidStateTransition, "sealing pauses while rekeying")

	ires, rres := handshake(t, acfg, bcfg, clk.Now())
	require.NoError(t, a.CompleteRekey(ires, clk.Now()))
	require.NoError(t, b.CompleteRekey(rres, clk.Now()))

	assert.Equal(t, Established, a.State())
	assert.Equal(t, uint64(0), a.SendCounter())
	assert.Equal(t, clk.Now(), a.LastRekeyAt())
	assert.NotEqual(t, oldHash, a.HandshakeHash())

	fresh, err := a.Seal([]byte("after rekey"))
	require.NoError(t, err)
	pt, err := b.Open(fresh)
	require.NoError(t, err)
	assert.Equal(t, []byte("after rekey"), pt)

	// Sealed under the previous keys, delivered late
	pt, err = b.Open(old)
	require.NoError(t, err)
	assert.Equal(t, []byte("before rekey"), pt)
}

func TestSessionRekeyRejectsNewIdentity(t *testing.T) {
	clk := clock.NewMock()
	a, _, acfg, _ := establishedPair(t, clk, DefaultLimits())

	require.NoError(t, a.BeginRekey(clk.Now()))
	ires, _ := handshake(t, acfg, staticConfig(t), clk.Now())
	err := a.CompleteRekey(ires, clk.Now())
	assert.ErrorIs(t, err, ErrRekeyFailure)
	assert.Equal(t, Failed, a.State())
}

// Every (state, operation) pair outside the table is rejected and leaves the state intact.
func TestStateMachineExhaustive(t *testing.T) {
	clk := clock.NewMock()
	ires, _ := handshake(t, staticConfig(t), staticConfig(t), clk.Now())

	for _, state := range protocol.AllStates {
		for _, op := range AllOperations {
			to, allowed := Next(state, op)

			s := New(peerB, DefaultLimits())
			s.state = state
			if state == Established || state == Rekeying {
				s.install(ires)
			}

			var err error
			switch op {
			case OpBeginHandshake:
				err = s.BeginHandshake(clk.Now())
			case OpEstablish:
				err = s.Establish(ires, clk.Now())
			case OpBeginRekey:
				err = s.BeginRekey(clk.Now())
			case OpCompleteRekey:
				err = s.CompleteRekey(ires, clk.Now())
			case OpFail:
				err = s.Fail(errors.New("boom"))
			case OpBeginClose:
				err = s.BeginClose()
			case OpFinishClose:
				err = s.FinishClose()
			case OpSeal:
				_, err = s.Seal([]byte("x"))
			case OpOpen:
				_, err = s.Open(make([]byte, 40))
			}

			name := state.String() + "/" + op.String()
			if !allowed {
				assert.ErrorIs(t, err, ErrInvalidStateTransition, name)
				assert.Equal(t, state, s.State(), name)
				continue
			}
			if op == OpOpen {
				// permitted, but garbage fails authentication
				assert.ErrorIs(t, err, ErrDecrypt, name)
				continue
			}
			assert.NoError(t, err, name)
			assert.Equal(t, to, s.State(), name)
		}
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{Uninitialized, Handshaking, true},
		{Handshaking, Established, true},
		{Handshaking, Failed, true},
		{Established, Rekeying, true},
		{Rekeying, Established, true},
		{Rekeying, Failed, true},
		{Established, Terminating, true},
		{Rekeying, Terminating, true},
		{Terminating, Terminated, true},
		{Uninitialized, Established, false},
		{Terminated, Handshaking, false},
		{Failed, Established, false},
		{Handshaking, Rekeying, false},
		{Established, Established, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}
