package protocol

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryTablesCoverCodes(t *testing.T) {
	r := DefaultRegistry()

	for _, code := range []uint8{
		TypeAnnounce, TypeMessage, TypeLeave, TypeHandshakeInit, TypeHandshakeResponse,
		TypeHandshakeFinal, TypeNoiseEncrypted, TypeFragment, TypeRequestSync, TypeFileTransfer,
	} {
		_, err := r.LookupOuter(code)
		assert.NoError(t, err, "outer %#02x", code)
	}
	for _, code := range []uint8{
		PayloadPrivateMessage, PayloadReadReceipt, PayloadDelivered, PayloadVerifyChallenge,
		PayloadVerifyResponse, PayloadSyncSummary, PayloadSyncPacket, PayloadFileChunk,
	} {
		_, err := r.LookupInner(code)
		assert.NoError(t, err, "inner %#02x", code)
	}

	// Reserved and out-of-range codes are unknown
	for _, code := range []uint8{0x00, 0x04, 0x22, 0x31, 0x32, 0xFF} {
		_, err := r.LookupOuter(code)
		assert.ErrorIs(t, err, ErrUnknownType, "outer %#02x", code)
		assert.ErrorIs(t, err, ErrMalformedPacket)
	}
	for _, code := range []uint8{0x00, 0x04, 0x42, 0x50, 0x52} {
		_, err := r.LookupInner(code)
		assert.ErrorIs(t, err, ErrUnknownType, "inner %#02x", code)
	}
}

func TestNewRegistryRejectsBadTables(t *testing.T) {
	_, err := NewRegistry([]TypeSpec{{Code: 0x40}}, nil)
	assert.Error(t, err)

	_, err = NewRegistry([]TypeSpec{{Code: 0x01}, {Code: 0x01}}, nil)
	assert.Error(t, err)

	_, err = NewRegistry(nil, []TypeSpec{{Code: 0x60}})
	assert.Error(t, err)
}

func TestValidatePacket(t *testing.T) {
	r := DefaultRegistry()
	pub := make(ed25519.PublicKey, ed25519.PublicKeySize)
	announce, err := (&Announce{Nickname: "alice", SigningKey: pub}).Encode()
	require.NoError(t, err)

	frag, err := EncodeFragment(&Fragment{Index: 1, Total: 3, Chunk: []byte("chunk")})
	require.NoError(t, err)

	tests := []struct {
		name    string
		packet  *Packet
		wantErr error
	}{
		{"announce", &Packet{Type: TypeAnnounce, Payload: announce}, nil},
		{"announce garbage", &Packet{Type: TypeAnnounce, Payload: []byte{1, 2}}, ErrMalformedPacket},
		{"message text", &Packet{Type: TypeMessage, Payload: []byte("hi there")}, nil},
		{"message invalid utf8", &Packet{Type: TypeMessage, Payload: []byte{0xff, 0xfe}}, ErrMalformedPacket},
		{"message empty", &Packet{Type: TypeMessage}, ErrMalformedPacket},
		{"leave", &Packet{Type: TypeLeave}, nil},
		{"leave with body", &Packet{Type: TypeLeave, Payload: []byte{1}}, ErrMalformedPacket},
		{"handshake init", &Packet{Type: TypeHandshakeInit, RecipientID: ptr(peerB), Payload: make([]byte, 32)}, nil},
		{"handshake init broadcast", &Packet{Type: TypeHandshakeInit, Payload: make([]byte, 32)}, ErrMalformedPacket},
		{"handshake init wrong size", &Packet{Type: TypeHandshakeInit, RecipientID: ptr(peerB), Payload: make([]byte, 33)}, ErrMalformedPacket},
		{"encrypted too short", &Packet{Type: TypeNoiseEncrypted, RecipientID: ptr(peerB), Payload: make([]byte, 23)}, ErrMalformedPacket},
		{"encrypted", &Packet{Type: TypeNoiseEncrypted, RecipientID: ptr(peerB), Payload: make([]byte, 24)}, nil},
		{"fragment", &Packet{Type: TypeFragment, Payload: frag}, nil},
		{"fragment bad index", &Packet{Type: TypeFragment, Payload: badFragment()}, ErrMalformedPacket},
		{"request sync", &Packet{Type: TypeRequestSync, Payload: make([]byte, 20)}, nil},
		{"request sync relayed", &Packet{Type: TypeRequestSync, TTL: 1, Payload: make([]byte, 20)}, ErrMalformedPacket},
		{"experimental", &Packet{Type: TypeFileTransfer, Payload: []byte{0xff}}, nil},
		{"unknown", &Packet{Type: 0x2F}, ErrUnknownType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.ValidatePacket(tt.packet)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidatePacket() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func badFragment() []byte {
	b := make([]byte, FragmentHeaderSize+1)
	b[9] = 5  // index 5
	b[11] = 3 // total 3
	return b
}

func TestValidatePacketExperimentalFlag(t *testing.T) {
	spec, err := DefaultRegistry().ValidatePacket(&Packet{Type: TypeFileTransfer})
	require.NoError(t, err)
	assert.True(t, spec.Experimental)

	spec, err = DefaultRegistry().ValidatePacket(&Packet{Type: TypeMessage, Payload: []byte("x")})
	require.NoError(t, err)
	assert.False(t, spec.Experimental)
}

func TestValidatePayloadStates(t *testing.T) {
	r := DefaultRegistry()
	body, err := (&PrivateMessage{ID: MessageID{1}, Content: []byte("hello")}).Encode()
	require.NoError(t, err)
	receipt := make([]byte, MessageIDSize)

	tests := []struct {
		name    string
		code    uint8
		body    []byte
		state   SessionState
		wantErr error
	}{
		{"private message established", PayloadPrivateMessage, body, StateEstablished, nil},
		{"private message rekeying", PayloadPrivateMessage, body, StateRekeying, nil},
		{"private message handshaking", PayloadPrivateMessage, body, StateHandshaking, ErrTypeNotPermitted},
		{"private message uninitialized", PayloadPrivateMessage, body, StateUninitialized, ErrTypeNotPermitted},
		{"private message terminating", PayloadPrivateMessage, body, StateTerminating, ErrTypeNotPermitted},
		{"private message missing content", PayloadPrivateMessage, mustTLV(TLV{Tag: PrivateMessageTagID, Value: receipt}), StateEstablished, ErrMalformedPacket},
		{"read receipt", PayloadReadReceipt, receipt, StateEstablished, nil},
		{"read receipt wrong size", PayloadReadReceipt, receipt[:15], StateEstablished, ErrMalformedPacket},
		{"delivered", PayloadDelivered, receipt, StateRekeying, nil},
		{"verify challenge rekeying", PayloadVerifyChallenge, make([]byte, 32), StateRekeying, ErrTypeNotPermitted},
		{"verify challenge", PayloadVerifyChallenge, make([]byte, 32), StateEstablished, nil},
		{"unknown", 0x30, nil, StateEstablished, ErrUnknownType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.ValidatePayload(tt.code, tt.body, tt.state)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidatePayload() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func mustTLV(fields ...TLV) []byte {
	b, err := EncodeTLV(fields...)
	if err != nil {
		panic(err)
	}
	return b
}

func TestTLVDecodeErrors(t *testing.T) {
	good := mustTLV(TLV{Tag: 1, Value: []byte("ab")}, TLV{Tag: 2, Value: nil})
	fields, err := DecodeTLV(good)
	require.NoError(t, err)
	require.Len(t, fields, 2)
	assert.Equal(t, []byte("ab"), fields[0].Value)

	_, err = DecodeTLV(good[:len(good)-1])
	assert.ErrorIs(t, err, ErrMalformedPacket)

	_, err = DecodeTLV(mustTLV(TLV{Tag: 1}, TLV{Tag: 1}))
	assert.ErrorIs(t, err, ErrMalformedPacket)

	_, err = EncodeTLV(TLV{Tag: 1, Value: bytes.Repeat([]byte{0}, MaxTLVValue+1)})
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}
