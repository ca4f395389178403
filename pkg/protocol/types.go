package protocol

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"time"
)

// Protocol constants
const (
	// Wire versions
	VersionV1 uint8 = 1
	VersionV2 uint8 = 2

	// Fixed header sizes per version
	HeaderSizeV1 = 13
	HeaderSizeV2 = 16

	// Maximum payload sizes per version
	MaxPayloadV1 uint64 = 0xFF
	MaxPayloadV2 uint64 = 0xFFFFFFFF

	// Maximum hop budget
	MaxTTL uint8 = 7

	PeerIDSize     = 8
	MessageIDSize  = 16
	SignatureSize  = ed25519.SignatureSize
	FragmentIDSize = 8

	// Fragment header: id(8) + index(2) + total(2) + flags(1)
	FragmentHeaderSize = 13
)

// Packet types (outer code space 0x01-0x31)
const (
	TypeAnnounce          uint8 = 0x01
	TypeMessage           uint8 = 0x02
	TypeLeave             uint8 = 0x03
	TypeHandshakeInit     uint8 = 0x10
	TypeHandshakeResponse uint8 = 0x11
	TypeHandshakeFinal    uint8 = 0x12
	TypeNoiseEncrypted    uint8 = 0x13
	TypeFragment          uint8 = 0x20
	TypeRequestSync       uint8 = 0x21
	TypeFileTransfer      uint8 = 0x30 // experimental

	MinPacketType uint8 = 0x01
	MaxPacketType uint8 = 0x31
)

// Noise payload types (inner code space 0x01-0x51)
const (
	PayloadPrivateMessage  uint8 = 0x01
	PayloadReadReceipt     uint8 = 0x02
	PayloadDelivered       uint8 = 0x03
	PayloadVerifyChallenge uint8 = 0x10
	PayloadVerifyResponse  uint8 = 0x11
	PayloadSyncSummary     uint8 = 0x40
	PayloadSyncPacket      uint8 = 0x41
	PayloadFileChunk       uint8 = 0x51 // experimental

	MinPayloadType uint8 = 0x01
	MaxPayloadType uint8 = 0x51
)

// Flags
const (
	FlagHasRecipient uint8 = 0x01 // Recipient id follows the sender id
	FlagHasSignature uint8 = 0x02 // Ed25519 signature trails the payload
	FlagHasRoute     uint8 = 0x04 // Hop list follows the recipient id
	FlagIsRekey      uint8 = 0x08 // Handshake initiation rekeys an established session

	// presenceFlags are derived from the optional packet fields on encode
	presenceFlags = FlagHasRecipient | FlagHasSignature | FlagHasRoute
	// OptionFlags are carried verbatim in Packet.Flags
	OptionFlags = FlagIsRekey
	knownFlags  = presenceFlags | OptionFlags
)

// PeerID identifies a mesh peer (8 bytes)
type PeerID [PeerIDSize]byte

// BroadcastID is the recipient of packets addressed to every peer
var BroadcastID = PeerID{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// IsZero reports whether the id is all zero bytes
func (id PeerID) IsZero() bool {
	return id == PeerID{}
}

// IsBroadcast reports whether the id is the broadcast recipient
func (id PeerID) IsBroadcast() bool {
	return id == BroadcastID
}

func (id PeerID) String() string {
	return hex.EncodeToString(id[:])
}

// MarshalText encodes the id as hex
func (id PeerID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText parses a hex id
func (id *PeerID) UnmarshalText(b []byte) error {
	parsed, err := ParsePeerID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParsePeerID parses a hex encoded peer id
func ParsePeerID(s string) (PeerID, error) {
	var id PeerID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid peer id %q: %w", s, err)
	}
	if len(b) != PeerIDSize {
		return id, fmt.Errorf("invalid peer id %q: want %d bytes, got %d", s, PeerIDSize, len(b))
	}
	copy(id[:], b)
	if id.IsZero() {
		return id, fmt.Errorf("invalid peer id %q: zero id", s)
	}
	return id, nil
}

// MessageID is the content fingerprint used for dedup and gossip (16 bytes)
type MessageID [MessageIDSize]byte

func (id MessageID) String() string {
	return hex.EncodeToString(id[:])
}

func (id MessageID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *MessageID) UnmarshalText(b []byte) error {
	parsed, err := ParseMessageID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseMessageID parses a hex encoded message id
func ParseMessageID(s string) (MessageID, error) {
	var id MessageID
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != MessageIDSize {
		return id, fmt.Errorf("invalid message id %q", s)
	}
	copy(id[:], b)
	return id, nil
}

// HeaderSize returns the fixed header size of a wire version
func HeaderSize(version uint8) (int, error) {
	switch version {
	case VersionV1:
		return HeaderSizeV1, nil
	case VersionV2:
		return HeaderSizeV2, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
}

// MaxPayload returns the largest payload a wire version can frame
func MaxPayload(version uint8) (uint64, error) {
	switch version {
	case VersionV1:
		return MaxPayloadV1, nil
	case VersionV2:
		return MaxPayloadV2, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
}

// NowUnixMilli returns current time in Unix milliseconds
func NowUnixMilli() uint64 {
	return uint64(time.Now().UnixMilli())
}
