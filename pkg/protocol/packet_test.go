package protocol

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	peerA = PeerID{0x0A, 1, 2, 3, 4, 5, 6, 7}
	peerB = PeerID{0x0B, 1, 2, 3, 4, 5, 6, 7}
	peerC = PeerID{0x0C, 1, 2, 3, 4, 5, 6, 7}
)

func ptr(id PeerID) *PeerID { return &id }

func TestPacketRoundTrip(t *testing.T) {
	sig := bytes.Repeat([]byte{0x5A}, SignatureSize)

	tests := []struct {
		name   string
		packet *Packet
	}{
		{
			name: "v1 broadcast message",
			packet: &Packet{
				Version: VersionV1, Type: TypeMessage, TTL: 7, Timestamp: 1700000000000,
				SenderID: peerA, Payload: []byte("hello mesh"),
			},
		},
		{
			name: "v1 empty payload",
			packet: &Packet{
				Version: VersionV1, Type: TypeLeave, TTL: 0, Timestamp: 42,
				SenderID: peerA,
			},
		},
		{
			name: "v1 max payload with recipient",
			packet: &Packet{
				Version: VersionV1, Type: TypeNoiseEncrypted, TTL: 3, Timestamp: 99,
				SenderID: peerA, RecipientID: ptr(peerB), Payload: bytes.Repeat([]byte{1}, 255),
			},
		},
		{
			name: "v1 route and signature",
			packet: &Packet{
				Version: VersionV1, Type: TypeMessage, TTL: 5, Timestamp: 7,
				SenderID: peerA, RecipientID: ptr(BroadcastID), Route: []PeerID{peerB, peerC},
				Payload: []byte("routed"), Signature: sig,
			},
		},
		{
			name: "v2 large payload",
			packet: &Packet{
				Version: VersionV2, Type: TypeNoiseEncrypted, TTL: 1, Timestamp: 1,
				SenderID: peerB, RecipientID: ptr(peerA), Payload: bytes.Repeat([]byte{0xEE}, 70000),
			},
		},
		{
			name: "v2 rekey init",
			packet: &Packet{
				Version: VersionV2, Type: TypeHandshakeInit, Timestamp: 5, Flags: FlagIsRekey,
				SenderID: peerA, RecipientID: ptr(peerB), Payload: make([]byte, 32),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := tt.packet.Encode()
			require.NoError(t, err)

			size, err := tt.packet.EncodedSize()
			require.NoError(t, err)
			assert.Equal(t, size, len(encoded))

			decoded, err := Decode(encoded)
			require.NoError(t, err)
			assert.Equal(t, tt.packet, decoded)
			assert.Equal(t, tt.packet.Version, encoded[0], "no implicit version change")
		})
	}
}

func TestPacketEmptyFieldsDecodeAsNil(t *testing.T) {
	p := &Packet{
		Version: VersionV1, Type: TypeLeave, TTL: 1, Timestamp: 3,
		SenderID: peerA, Route: []PeerID{}, Payload: []byte{},
	}
	encoded, err := p.Encode()
	require.NoError(t, err)

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	assert.Nil(t, decoded.Route)
	assert.Nil(t, decoded.Payload)
	assert.False(t, decoded.HasFlag(FlagHasRoute))
	assert.Equal(t, p.ID(), decoded.ID())
}

func TestPacketPayloadLengthMatches(t *testing.T) {
	p := &Packet{Version: VersionV1, Type: TypeMessage, TTL: 1, SenderID: peerA, Payload: []byte("abc")}
	encoded, err := p.Encode()
	require.NoError(t, err)
	assert.Equal(t, uint8(3), encoded[12])

	p.Version = VersionV2
	encoded, err = p.Encode()
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 3}, encoded[12:16])
}

func TestPacketEncodeErrors(t *testing.T) {
	tests := []struct {
		name    string
		packet  *Packet
		wantErr error
	}{
		{"v1 payload too large", &Packet{Version: VersionV1, SenderID: peerA, Payload: make([]byte, 256)}, ErrPayloadTooLarge},
		{"unknown version", &Packet{Version: 3, SenderID: peerA}, ErrUnsupportedVersion},
		{"ttl over max", &Packet{Version: VersionV1, TTL: 8, SenderID: peerA}, ErrMalformedPacket},
		{"zero sender", &Packet{Version: VersionV1}, ErrMalformedPacket},
		{"zero recipient", &Packet{Version: VersionV1, SenderID: peerA, RecipientID: &PeerID{}}, ErrMalformedPacket},
		{"presence flag in Flags", &Packet{Version: VersionV1, SenderID: peerA, Flags: FlagHasRecipient}, ErrMalformedPacket},
		{"short signature", &Packet{Version: VersionV1, SenderID: peerA, Signature: []byte{1}}, ErrMalformedPacket},
		{"route too long", &Packet{Version: VersionV1, SenderID: peerA, Route: make([]PeerID, 8)}, ErrMalformedPacket},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.packet.Encode()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Encode() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestPacketDecodeMalformed(t *testing.T) {
	base := &Packet{
		Version: VersionV1, Type: TypeMessage, TTL: 2, Timestamp: 10,
		SenderID: peerA, RecipientID: ptr(peerB), Payload: []byte("payload"),
	}
	good, err := base.Encode()
	require.NoError(t, err)

	mutate := func(f func(b []byte) []byte) []byte {
		return f(append([]byte(nil), good...))
	}

	tests := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{"trailing byte", mutate(func(b []byte) []byte { return append(b, 0) }), ErrMalformedPacket},
		{"missing byte", mutate(func(b []byte) []byte { return b[:len(b)-1] }), ErrMalformedPacket},
		{"length too large", mutate(func(b []byte) []byte { b[12]++; return b }), ErrMalformedPacket},
		{"reserved flag", mutate(func(b []byte) []byte { b[11] |= 0x40; return b }), ErrMalformedPacket},
		{"ttl over max", mutate(func(b []byte) []byte { b[2] = 8; return b }), ErrMalformedPacket},
		{"zero sender", mutate(func(b []byte) []byte { copy(b[13:21], make([]byte, 8)); return b }), ErrMalformedPacket},
		{"zero recipient", mutate(func(b []byte) []byte { copy(b[21:29], make([]byte, 8)); return b }), ErrMalformedPacket},
		{"unsupported version", mutate(func(b []byte) []byte { b[0] = 7; return b }), ErrUnsupportedVersion},
		{"signature flag without signature", mutate(func(b []byte) []byte { b[11] |= FlagHasSignature; return b }), ErrMalformedPacket},
		{"header only", good[:HeaderSizeV1], ErrMalformedPacket},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Decode() error = %v, want %v", err, tt.wantErr)
			}
			assert.True(t, IsProtocolError(err))
		})
	}
}

type staticKeys map[PeerID]ed25519.PublicKey

func (k staticKeys) SigningKey(id PeerID) (ed25519.PublicKey, bool) {
	key, ok := k[id]
	return key, ok
}

func TestPacketSignVerify(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	p := &Packet{
		Version: VersionV1, Type: TypeMessage, TTL: 7, Timestamp: NowUnixMilli(),
		SenderID: peerA, Payload: []byte("signed broadcast"),
	}
	require.NoError(t, p.Sign(priv))
	require.NoError(t, p.Verify(pub))

	// Relaying decrements TTL; the signature must survive it.
	relayed := p.Clone()
	relayed.TTL--
	data, err := relayed.Encode()
	require.NoError(t, err)

	codec := Codec{Keys: staticKeys{peerA: pub}}
	decoded, verified, err := codec.Decode(data)
	require.NoError(t, err)
	assert.True(t, verified)
	assert.Equal(t, relayed, decoded)

	// Wrong key for the sender
	codec = Codec{Keys: staticKeys{peerA: otherPub}}
	_, _, err = codec.Decode(data)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	// Tampered payload
	tampered := p.Clone()
	tampered.Payload[0] ^= 0xFF
	assert.ErrorIs(t, tampered.Verify(pub), ErrInvalidSignature)

	// Unknown sender key is passed through unverified
	codec = Codec{Keys: staticKeys{}}
	_, verified, err = codec.Decode(data)
	require.NoError(t, err)
	assert.False(t, verified)
}

func TestPacketIDIgnoresRouteAndTTL(t *testing.T) {
	a := &Packet{
		Version: VersionV1, Type: TypeMessage, TTL: 7, Timestamp: 1234,
		SenderID: peerA, Payload: []byte("same"),
	}
	b := a.Clone()
	b.TTL = 2
	b.Route = []PeerID{peerB, peerC}
	b.Signature = make([]byte, SignatureSize)

	assert.Equal(t, a.ID(), b.ID())

	c := a.Clone()
	c.Payload = []byte("different")
	assert.NotEqual(t, a.ID(), c.ID())

	d := a.Clone()
	d.Timestamp++
	assert.NotEqual(t, a.ID(), d.ID())
}

func TestPacketAddressing(t *testing.T) {
	broadcast := &Packet{SenderID: peerA}
	assert.True(t, broadcast.IsBroadcast())
	assert.True(t, broadcast.IsFor(peerB))

	direct := &Packet{SenderID: peerA, RecipientID: ptr(peerB)}
	assert.False(t, direct.IsBroadcast())
	assert.True(t, direct.IsFor(peerB))
	assert.False(t, direct.IsFor(peerC))
}
