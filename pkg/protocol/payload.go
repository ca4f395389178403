package protocol

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// Announce TLV tags
const (
	AnnounceTagNickname   uint8 = 0x01
	AnnounceTagNoiseKey   uint8 = 0x02
	AnnounceTagSigningKey uint8 = 0x03

	MaxNicknameLength = 32
	NoiseKeySize      = 32
)

// PrivateMessage TLV tags
const (
	PrivateMessageTagID      uint8 = 0x01
	PrivateMessageTagContent uint8 = 0x02
)

// Announce advertises a peer's nickname and public keys
type Announce struct {
	Nickname   string
	NoiseKey   [NoiseKeySize]byte
	SigningKey ed25519.PublicKey
}

// Encode encodes the announce as TLV
func (a *Announce) Encode() ([]byte, error) {
	if len(a.Nickname) > MaxNicknameLength || !utf8.ValidString(a.Nickname) {
		return nil, malformed("invalid nickname")
	}
	if len(a.SigningKey) != ed25519.PublicKeySize {
		return nil, malformed("signing key is %d bytes", len(a.SigningKey))
	}
	return EncodeTLV(
		TLV{Tag: AnnounceTagNickname, Value: []byte(a.Nickname)},
		TLV{Tag: AnnounceTagNoiseKey, Value: a.NoiseKey[:]},
		TLV{Tag: AnnounceTagSigningKey, Value: a.SigningKey},
	)
}

// DecodeAnnounce decodes an announce payload
func DecodeAnnounce(data []byte) (*Announce, error) {
	if err := defaultRegistry.outer[TypeAnnounce].ValidateBody(data); err != nil {
		return nil, err
	}
	fields, err := DecodeTLV(data)
	if err != nil {
		return nil, err
	}
	m := tlvMap(fields)
	a := &Announce{
		Nickname:   string(m[AnnounceTagNickname]),
		SigningKey: ed25519.PublicKey(m[AnnounceTagSigningKey]),
	}
	copy(a.NoiseKey[:], m[AnnounceTagNoiseKey])
	return a, nil
}

// PrivateMessage is the body of an encrypted direct message
type PrivateMessage struct {
	ID      MessageID
	Content []byte
}

// Encode encodes the private message as TLV
func (m *PrivateMessage) Encode() ([]byte, error) {
	return EncodeTLV(
		TLV{Tag: PrivateMessageTagID, Value: m.ID[:]},
		TLV{Tag: PrivateMessageTagContent, Value: m.Content},
	)
}

// DecodePrivateMessage decodes a private message body
func DecodePrivateMessage(data []byte) (*PrivateMessage, error) {
	if err := defaultRegistry.inner[PayloadPrivateMessage].ValidateBody(data); err != nil {
		return nil, err
	}
	fields, err := DecodeTLV(data)
	if err != nil {
		return nil, err
	}
	m := tlvMap(fields)
	msg := &PrivateMessage{Content: m[PrivateMessageTagContent]}
	copy(msg.ID[:], m[PrivateMessageTagID])
	return msg, nil
}

// NoisePayload is the plaintext frame carried inside NoiseEncrypted packets:
// type(1) + body_len(4) + body + random padding.
type NoisePayload struct {
	Type uint8
	Body []byte
}

const noisePayloadHeaderSize = 5

// Encode frames the payload and pads it to a multiple of block
func (np *NoisePayload) Encode(block int) ([]byte, error) {
	if uint64(len(np.Body)) > 0xFFFFFFFF {
		return nil, ErrPayloadTooLarge
	}
	frame := make([]byte, noisePayloadHeaderSize+len(np.Body))
	frame[0] = np.Type
	binary.BigEndian.PutUint32(frame[1:5], uint32(len(np.Body)))
	copy(frame[noisePayloadHeaderSize:], np.Body)

	scheme := PaddingBlock
	if block <= 1 {
		scheme = PaddingNone
	}
	return addPadding(frame, paddedSize(len(frame), scheme, block))
}

// DecodeNoisePayload strips the frame header and padding
func DecodeNoisePayload(data []byte) (*NoisePayload, error) {
	if len(data) < noisePayloadHeaderSize {
		return nil, malformed("noise payload too short")
	}
	n := binary.BigEndian.Uint32(data[1:5])
	body, err := removePadding(data[noisePayloadHeaderSize:], int(n))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	return &NoisePayload{Type: data[0], Body: append([]byte(nil), body...)}, nil
}
